package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/pkg/browser"

	"github.com/giantswarm/coursesync/client/session"
	"github.com/giantswarm/coursesync/internal/util"
	"github.com/giantswarm/coursesync/security"
)

const callbackShutdownTimeout = 2 * time.Second

// Run signs in: it serves the redirect URI on the loopback interface, sends
// the browser to GitHub and completes the login when GitHub redirects back.
func (c *LoginCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	redirect, err := url.Parse(g.RedirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}
	if redirect.Scheme != "http" || !util.IsLoopbackHostname(redirect.Hostname()) {
		return fmt.Errorf("redirect URI must be an http loopback address, got %q", g.RedirectURI)
	}

	nav := session.NavigatorFunc(func(_ context.Context, authURL string) error {
		return openBrowser(authURL, c.NoBrowser, os.Stdout)
	})
	a, err := newApp(ctx, g, nav)
	if err != nil {
		return err
	}

	user, err := a.restore(ctx)
	switch {
	case err == nil:
		fmt.Fprintf(a.out, "Already signed in as %s\n", user.Login)
		return nil
	case !errors.Is(err, errNotSignedIn):
		return err
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", redirect.Host, err)
	}

	done := make(chan error, 1)
	srv := &http.Server{
		Handler:           callbackHandler(ctx, a.session.RedirectPath(), a.session.HandleRedirect, done, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), callbackShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := a.session.InitiateLogin(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Waiting for GitHub to redirect back...")

	timer := time.NewTimer(c.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
	case <-timer.C:
		return fmt.Errorf("login timed out after %s", c.Timeout)
	case <-ctx.Done():
		return fmt.Errorf("login cancelled: %w", ctx.Err())
	}

	id, _ := a.session.Identity()
	if id.Login == "" {
		fmt.Fprintln(a.out, "Signed in")
	} else {
		fmt.Fprintf(a.out, "Signed in as %s\n", id.Login)
	}
	return nil
}

// callbackHandler serves the OAuth redirect path. The first request carrying
// a code or an error is handed to handle and its result sent to done; other
// requests get a short notice.
func callbackHandler(
	ctx context.Context,
	path string,
	handle func(context.Context, *url.URL) error,
	done chan<- error,
	logger *slog.Logger,
) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, false)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		if q.Get("code") == "" && q.Get("error") == "" {
			_, _ = io.WriteString(w, "coursesync is waiting for GitHub to complete the login.\n")
			return
		}

		// The exchange must outlive the browser connection
		err := handle(ctx, r.URL)
		select {
		case done <- err:
		default:
			logger.Debug("Ignoring repeated callback")
		}

		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprintf(w, "Login failed: %v\nYou can close this window and try again.\n", err)
			return
		}
		_, _ = io.WriteString(w, "Signed in. You can close this window.\n")
	})
	return mux
}

// openBrowser opens authURL, falling back to printing it.
func openBrowser(authURL string, skip bool, out io.Writer) error {
	if !skip {
		if err := browser.OpenURL(authURL); err == nil {
			fmt.Fprintf(out, "Opened %s in your browser\n", authURL)
			return nil
		}
	}
	fmt.Fprintf(out, "Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)
	return nil
}
