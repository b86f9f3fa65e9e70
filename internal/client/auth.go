package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/SonHoang2/secure-chat-app/internal/models"
)

const requestTimeout = 30 * time.Second

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with the server",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(cmdContext(cmd), requestTimeout)
		defer cancel()
		sess, err := Login(ctx)
		if err != nil {
			fmt.Println("Login failed:", err)
			return
		}
		fmt.Printf("Logged in as %s (session valid until %s)\n", sess.UserID, sess.RefreshExpiresAt.Format(time.RFC3339))
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rotate the current session's tokens",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(cmdContext(cmd), requestTimeout)
		defer cancel()
		sessions, err := newSessionManager()
		if err != nil {
			fmt.Println("Refresh failed:", err)
			return
		}
		sess, err := sessions.Refresh(ctx)
		if err != nil {
			fmt.Println("Refresh failed:", err)
			return
		}
		fmt.Printf("Session rotated, access token valid until %s\n", sess.AccessExpiresAt.Format(time.RFC3339))
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the current session",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(cmdContext(cmd), requestTimeout)
		defer cancel()
		sessions, err := newSessionManager()
		if err != nil {
			fmt.Println("Logout failed:", err)
			return
		}
		if err := sessions.Logout(ctx); err != nil {
			fmt.Println("Server logout failed, local session dropped anyway:", err)
			return
		}
		fmt.Println("Logged out.")
	},
}

func currentAPI() *API {
	return NewAPI(cfg.ServerURL)
}

// Login performs the challenge-response flow for the current user and
// stores the resulting token pair.
func Login(ctx context.Context) (models.Session, error) {
	if cfg.CurrentUsername == "" {
		return models.Session{}, fmt.Errorf("no current user set")
	}
	privKey, ok := cfg.IdentityPrivateKeys[cfg.CurrentUsername]
	if !ok {
		return models.Session{}, fmt.Errorf("identity private key not found for user %s", cfg.CurrentUsername)
	}

	sess, err := currentAPI().Login(ctx, cfg.CurrentUsername, privKey)
	if err != nil {
		return models.Session{}, err
	}
	cfg.Sessions[cfg.CurrentUsername] = sess
	return sess, SaveConfigGlobal()
}

// newSessionManager wraps the stored token pair of the current user. Every
// rotation is written back to the config file, and the file is re-read
// first so a concurrent listen and refresh never replay each other's tokens.
func newSessionManager() (*SessionManager, error) {
	user := cfg.CurrentUsername
	if user == "" {
		return nil, fmt.Errorf("%w: no current user set", ErrLoggedOut)
	}
	sess, ok := cfg.Sessions[user]
	if !ok || sess.RefreshToken == "" {
		return nil, fmt.Errorf("%w: run 'login' first", ErrLoggedOut)
	}
	return NewSessionManager(currentAPI(), sess,
		WithPersist(func(next models.Session) error {
			if next.RefreshToken == "" {
				delete(cfg.Sessions, user)
			} else {
				cfg.Sessions[user] = next
			}
			return SaveConfigGlobal()
		}),
		WithLoad(func() (models.Session, error) {
			path, err := configPath()
			if err != nil {
				return models.Session{}, err
			}
			stored, err := LoadConfig(path)
			if err != nil {
				return models.Session{}, err
			}
			next, ok := stored.Sessions[user]
			if !ok || next.RefreshToken == "" {
				delete(cfg.Sessions, user)
				return models.Session{}, nil
			}
			cfg.Sessions[user] = next
			return next, nil
		}),
		WithOnCompromised(func(err error) {
			fmt.Println("Session compromised: a refresh token was reused. All sessions were revoked; log in again.")
		}),
	), nil
}

// ensureSession returns a session manager, logging in first when the user
// has no stored session.
func ensureSession(ctx context.Context) (*SessionManager, error) {
	sessions, err := newSessionManager()
	if err == nil {
		return sessions, nil
	}
	if !errors.Is(err, ErrLoggedOut) {
		return nil, err
	}
	if _, err := Login(ctx); err != nil {
		return nil, fmt.Errorf("not logged in and automatic login failed: %w", err)
	}
	return newSessionManager()
}
