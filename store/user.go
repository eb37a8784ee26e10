package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrConflictedUser = errors.New("user already exists")
	ErrUserNotFound   = errors.New("user not found")
)

type User struct {
	Name     string `json:"name" validate:"required,max=64"`
	Username string `json:"username" validate:"required,alphanum,min=3,max=32"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type UserWithoutSecrets struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) CreateUser(ctx context.Context, user User) (*UserWithoutSecrets, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	created := &UserWithoutSecrets{ID: uuid.NewString(), Name: user.Name, Username: user.Username}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (id, name, username, password, created_at) VALUES (@id, @name, @username, @password, @created_at)",
		sql.Named("id", created.ID), sql.Named("name", user.Name), sql.Named("username", user.Username),
		sql.Named("password", string(hashed)), sql.Named("created_at", time.Now().UnixMilli()))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, ErrConflictedUser
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return created, nil
}

func (s *UserStore) getUser(ctx context.Context, column, value string) (*UserWithoutSecrets, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, name, username FROM users WHERE "+column+" = ? LIMIT 1", value)

	user := new(UserWithoutSecrets)
	if err := row.Scan(&user.ID, &user.Name, &user.Username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return user, nil
}

func (s *UserStore) GetUserByUsername(ctx context.Context, username string) (*UserWithoutSecrets, error) {
	return s.getUser(ctx, "username", username)
}

func (s *UserStore) GetUserByID(ctx context.Context, id string) (*UserWithoutSecrets, error) {
	return s.getUser(ctx, "id", id)
}

// ComparePassword reports whether password matches the stored hash of username.
func (s *UserStore) ComparePassword(ctx context.Context, username, password string) (bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT password FROM users WHERE username = ? LIMIT 1", username)

	var storedPassword string
	if err := row.Scan(&storedPassword); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrUserNotFound
		}
		return false, fmt.Errorf("scanning password: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(storedPassword), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}
