package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"clickbit/internal/app/connector"
	"clickbit/internal/app/protocol"
	"clickbit/internal/app/user"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sign in over the presence socket and print state changes and events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := settings(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if d := v.GetDuration("duration"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			server := v.GetString("server")
			token := v.GetString("token")

			var profile *user.Profile
			if token == "" {
				email := v.GetString("email")
				if email == "" {
					return errors.New("either --token or --email/--password is required")
				}
				login, err := signIn(ctx, server, email, v.GetString("password"))
				if err != nil {
					return err
				}
				token = login.Token
				profile = &login.User
			}

			wsURL, err := connector.ServerURL(server)
			if err != nil {
				return err
			}

			return watch(ctx, cmd.OutOrStdout(), connector.WebSocketDialer{
				URL:         wsURL,
				ReadTimeout: 3 * v.GetDuration("heartbeat"),
			}, connector.Options{HeartbeatInterval: v.GetDuration("heartbeat")}, token, profile)
		},
	}

	cmd.Flags().String("server", "http://localhost:8080", "server origin")
	cmd.Flags().String("token", "", "bearer token; skips the HTTP sign-in")
	cmd.Flags().String("email", "", "sign-in email")
	cmd.Flags().String("password", "", "sign-in password")
	cmd.Flags().Duration("heartbeat", connector.DefaultHeartbeatInterval, "application ping interval")
	cmd.Flags().Duration("duration", 0, "stop after this long (0 runs until interrupted)")

	return cmd
}

// watch binds a controller to a signed-in auth store until ctx ends, then
// signs out so the server sees a clean disconnect.
func watch(ctx context.Context, out io.Writer, dialer connector.Dialer, opts connector.Options, token string, profile *user.Profile) error {
	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprintf(out, format, args...)
	}

	c := connector.NewController(dialer, opts)

	c.OnChange(func(s connector.State) {
		who := "-"
		if s.Session != nil {
			who = fmt.Sprintf("%d <%s> %q", s.Session.ID, s.Session.Email, s.Session.DisplayName())
		}
		printf("state connected=%t authenticated=%t session=%s error=%q\n", s.Connected, s.Authenticated, who, s.LastError)
	})
	c.OnEvent(func(env protocol.Envelope) {
		printf("event %s %s\n", env.Type, string(env.Payload))
	})

	store := connector.NewAuthStore()
	unbind := c.Bind(ctx, store)
	defer unbind()

	store.Set(connector.AuthState{Authenticated: true, Token: token, User: profile})

	<-ctx.Done()

	store.Logout()
	return nil
}

type loginResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Token string       `json:"token"`
		User  user.Profile `json:"user"`
	} `json:"data"`
}

type signedIn struct {
	Token string
	User  user.Profile
}

// signIn exchanges credentials for a token at the server's login endpoint.
func signIn(ctx context.Context, server, email, password string) (*signedIn, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	defer res.Body.Close()

	var out loginResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode login response (HTTP %d): %w", res.StatusCode, err)
	}
	if res.StatusCode != http.StatusOK || out.Code != 0 {
		return nil, fmt.Errorf("sign in rejected: %s (code %d)", out.Message, out.Code)
	}

	return &signedIn{Token: out.Data.Token, User: out.Data.User}, nil
}
