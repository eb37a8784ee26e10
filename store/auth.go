package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrBadCredentials    = errors.New("invalid credentials")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

const tokenIssuer = "groupchat"

// Session is an issued bearer token and the user it authenticates.
type Session struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type AuthClaims struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewClaim(user UserWithoutSecrets, exp time.Time) *AuthClaims {
	return &AuthClaims{
		Name:     user.Name,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    tokenIssuer,
		},
	}
}

func NewToken(user UserWithoutSecrets, expiration time.Duration, secret []byte) (string, time.Time, error) {
	exp := time.Now().Add(expiration)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, NewClaim(user, exp))

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", exp, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func VerifyToken(token string, secret []byte) (*AuthClaims, error) {
	claims := &AuthClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithIssuer(tokenIssuer))

	switch {
	case err == nil && parsed.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}

type AuthStore struct {
	tokenExp  time.Duration
	secret    []byte
	userStore *UserStore
}

type AuthOption func(*AuthStore)

func WithTokenExp(exp time.Duration) AuthOption {
	return func(a *AuthStore) {
		a.tokenExp = exp
	}
}

func NewAuthStore(userStore *UserStore, secret []byte, opts ...AuthOption) *AuthStore {
	a := &AuthStore{
		tokenExp:  24 * time.Hour,
		secret:    secret,
		userStore: userStore,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewSession checks the credentials and issues a token.
func (a *AuthStore) NewSession(ctx context.Context, username, password string) (*Session, error) {
	ok, err := a.userStore.ComparePassword(ctx, username, password)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, fmt.Errorf("compare password: %w", err)
	}
	if !ok {
		return nil, ErrBadCredentials
	}

	user, err := a.userStore.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}

	token, exp, err := NewToken(*user, a.tokenExp, a.secret)
	if err != nil {
		return nil, err
	}
	return &Session{UserID: user.ID, Name: user.Name, Username: user.Username, Token: token, ExpiresAt: exp}, nil
}

// Session resolves a bearer token.
func (a *AuthStore) Session(token string) (*Session, error) {
	claims, err := VerifyToken(token, a.secret)
	if err != nil {
		return nil, err
	}
	return &Session{
		UserID:    claims.Subject,
		Name:      claims.Name,
		Username:  claims.Username,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
