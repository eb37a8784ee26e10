package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/peerlearn/groupchat/core"
	"github.com/peerlearn/groupchat/internal/tui"
	"github.com/peerlearn/groupchat/pkg/api"
	"github.com/peerlearn/groupchat/pkg/realtime"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serverURL    string
	username     string
	password     string
	token        string
	room         string
	historyLimit int
)

// endpoints derives the REST and websocket URLs from the server base URL.
func endpoints(base string) (apiURL, wsURL string, err error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", "", fmt.Errorf("parse server url: %w", err)
	}
	apiURL = u.String() + "/api"
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	return apiURL, u.String() + "/ws", nil
}

// authenticate returns a client holding a valid token, logging in when no
// token was given.
func authenticate(ctx context.Context, apiURL string) (*api.Client, error) {
	c := api.New(apiURL, token)
	if token != "" {
		return c, nil
	}
	if username == "" {
		return nil, errors.New("either --token or --username is required")
	}
	if password == "" {
		password = os.Getenv("GROUPCHAT_PASSWORD")
	}
	if _, err := c.Login(ctx, username, password); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return c, nil
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open a group chat room in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger, closeLog, err := newLogger(io.Discard, "info")
		if err != nil {
			return err
		}
		defer closeLog()

		apiURL, wsURL, err := endpoints(serverURL)
		if err != nil {
			return err
		}
		c, err := authenticate(ctx, apiURL)
		if err != nil {
			return err
		}
		me, err := c.Me(ctx)
		if err != nil {
			if core.IsAuthExpired(err) {
				return errors.New("token rejected, run groupchat login again")
			}
			return err
		}

		pool := realtime.NewPool(wsURL, realtime.WithToken(c.Token()), realtime.WithLogger(logger))
		rt := pool.Acquire()
		defer pool.Release()

		session := core.NewSession(rt, c, core.Identity{UserID: me.ID, DisplayName: me.Name},
			core.WithLogger(logger), core.WithHistoryLimit(historyLimit))
		defer session.Close()

		p := tea.NewProgram(tui.New(session, room), tea.WithAltScreen(), tea.WithContext(ctx))

		g, gctx := errgroup.WithContext(ctx)
		viewCtx, viewDone := context.WithCancel(gctx)
		var final tea.Model
		g.Go(func() error {
			defer viewDone()
			var err error
			final, err = p.Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			select {
			case <-rt.Done():
				p.Quit()
				if err := rt.Err(); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("connection lost: %w", err)
				}
				return nil
			case <-viewCtx.Done():
				return nil
			}
		})
		if err := g.Wait(); err != nil {
			return err
		}

		if m, ok := final.(tui.Model); ok && m.Err() != nil {
			return errors.New("session expired, run groupchat login again")
		}
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and print a bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		apiURL, _, err := endpoints(serverURL)
		if err != nil {
			return err
		}
		token = ""
		c, err := authenticate(cmd.Context(), apiURL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), c.Token())
		return nil
	},
}

var displayName string

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		apiURL, _, err := endpoints(serverURL)
		if err != nil {
			return err
		}
		if password == "" {
			password = os.Getenv("GROUPCHAT_PASSWORD")
		}
		name := displayName
		if name == "" {
			name = username
		}
		user, err := api.New(apiURL, "").Register(cmd.Context(), name, username, password)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", user.Username, user.ID)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "chat server base url")
	rootCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "account username")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", "", "account password (or GROUPCHAT_PASSWORD)")

	chatCmd.Flags().StringVarP(&token, "token", "t", "", "bearer token from groupchat login")
	chatCmd.Flags().StringVarP(&room, "room", "r", "", "room to open")
	chatCmd.Flags().IntVar(&historyLimit, "history", core.DefaultHistoryLimit, "messages loaded when the room opens")
	chatCmd.MarkFlagRequired("room")

	registerCmd.Flags().StringVar(&displayName, "name", "", "display name shown to peers")

	rootCmd.AddCommand(chatCmd, loginCmd, registerCmd)
}
