package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"

	"storyclip/internal/config"
	"storyclip/internal/storage"
)

func gdriveAuthCmd() *cli.Command {
	return &cli.Command{
		Name:  "gdrive-auth",
		Usage: "Obtain a Google Drive refresh token for storage.gdrive.refresh_token",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "client-id",
				Usage:    "OAuth client id",
				Sources:  cli.EnvVars("GDRIVE_CLIENT_ID"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "client-secret",
				Usage:    "OAuth client secret",
				Sources:  cli.EnvVars("GDRIVE_CLIENT_SECRET"),
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the browser callback",
				Value: 3 * time.Minute,
			},
		},
		// no config load: gdrive storage does not validate until the token exists
		Action: func(ctx context.Context, cmd *cli.Command) error {
			g := config.GDriveConfig{
				ClientID:     cmd.String("client-id"),
				ClientSecret: cmd.String("client-secret"),
			}
			return gdriveAuth(ctx, cmd, g, cmd.Duration("timeout"))
		},
	}
}

func gdriveAuth(ctx context.Context, cmd *cli.Command, g config.GDriveConfig, timeout time.Duration) error {
	w := cmd.Root().Writer

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen for callback: %w", err)
	}
	defer ln.Close()

	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", ln.Addr().(*net.TCPAddr).Port)
	conf := storage.GDriveOAuthConfig(g, redirectURL)
	state := randomState()

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(rw, "invalid state", http.StatusBadRequest)
			errCh <- fmt.Errorf("invalid state")
		case q.Get("error") != "":
			http.Error(rw, "auth error: "+q.Get("error"), http.StatusBadRequest)
			errCh <- fmt.Errorf("auth error: %s", q.Get("error"))
		case q.Get("code") == "":
			http.Error(rw, "missing code", http.StatusBadRequest)
			errCh <- fmt.Errorf("missing code")
		default:
			fmt.Fprintln(rw, "Authorized. You can close this window and return to the terminal.")
			codeCh <- q.Get("code")
		}
	})

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	// offline access with a forced consent screen returns a refresh token
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Fprintf(w, "Open this URL in your browser:\n\n%s\n\nWaiting for authorization on %s\n", authURL, redirectURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for authorization")
	case <-ctx.Done():
		return ctx.Err()
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	if strings.TrimSpace(tok.RefreshToken) == "" {
		fmt.Fprintln(w, "No refresh token was returned. Revoke the app at https://myaccount.google.com/permissions and run this again.")
		return nil
	}

	fmt.Fprintf(w, "\nREFRESH TOKEN:\n%s\n", tok.RefreshToken)
	return nil
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
