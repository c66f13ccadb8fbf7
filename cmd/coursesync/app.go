package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/giantswarm/coursesync/client/progress"
	"github.com/giantswarm/coursesync/client/session"
	"github.com/giantswarm/coursesync/client/tokenstore"
)

// errNotSignedIn is returned by commands that need a session
var errNotSignedIn = errors.New("not signed in, run `coursesync login` first")

// app wires the token store, session controller and progress store for one
// command invocation.
type app struct {
	tokens   *tokenstore.Store
	session  *session.Controller
	progress *progress.Store
	logger   *slog.Logger
	out      io.Writer
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newApp opens the local store and builds the clients. nav is only needed by
// the login command.
func newApp(ctx context.Context, g *Globals, nav session.Navigator) (*app, error) {
	logger := newLogger(g.Debug)

	backend, err := openBackend(ctx, g, logger)
	if err != nil {
		return nil, err
	}
	tokens := tokenstore.New(backend)

	store := progress.NewStore(progress.Config{
		APIBaseURL: g.APIURL,
		Snapshots:  tokens,
		Logger:     logger,
	})

	controller, err := session.New(session.Config{
		ClientID:    g.ClientID,
		RedirectURL: g.RedirectURI,
		BrokerURL:   g.BrokerURL,
		APIBaseURL:  g.APIURL,
		Navigator:   nav,
		Provisioner: func(ctx context.Context, id session.Identity) error {
			_, err := store.EnsureRepository(ctx, userOf(id))
			return err
		},
		Logger: logger,
	}, tokens)
	if err != nil {
		return nil, err
	}
	// Let queued writes finish with the credential they were issued under
	controller.OnSignOut(store.Drain)

	return &app{
		tokens:   tokens,
		session:  controller,
		progress: store,
		logger:   logger,
		out:      os.Stdout,
	}, nil
}

// openBackend selects the credential backend: a passphrase-encrypted file
// store when a passphrase is given, otherwise the OS keyring with the
// progress snapshot in a file store whose key also lives in the keyring.
func openBackend(ctx context.Context, g *Globals, logger *slog.Logger) (tokenstore.Backend, error) {
	dir, err := g.storeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate store directory: %w", err)
	}

	if g.Passphrase != "" {
		return tokenstore.NewDiskStore(ctx, tokenstore.DiskConfig{
			Dir:        dir,
			Passphrase: g.Passphrase,
			Logger:     logger,
		})
	}

	if g.NoKeyring || !tokenstore.KeyringAvailable(tokenstore.DefaultKeyringService) {
		return nil, errors.New("OS keyring is not available, set --passphrase or COURSESYNC_PASSPHRASE to use an encrypted file store")
	}

	snapshots, err := tokenstore.NewKeyringBackedDisk(ctx, tokenstore.DefaultKeyringService, dir, logger)
	if err != nil {
		return nil, err
	}
	return tokenstore.NewKeyringStore(tokenstore.DefaultKeyringService, snapshots), nil
}

// restore resumes the stored session and returns the signed-in user.
func (a *app) restore(ctx context.Context) (progress.User, error) {
	if err := a.session.Restore(ctx); err != nil {
		return progress.User{}, err
	}
	id, ok := a.session.Identity()
	if !ok {
		return progress.User{}, errNotSignedIn
	}
	if id.Login == "" {
		return progress.User{}, errors.New("could not reach GitHub to confirm the session, try again later")
	}
	return userOf(id), nil
}

// checkAuth turns a rejected credential into a sign-out and a hint to log in
// again. Other errors are returned unchanged.
func (a *app) checkAuth(ctx context.Context, err error) error {
	if !errors.Is(err, progress.ErrUnauthorized) {
		return err
	}
	if rerr := a.session.Revalidate(ctx); errors.Is(rerr, session.ErrNotAuthenticated) {
		return fmt.Errorf("GitHub no longer accepts your credential, run `coursesync login` again: %w", err)
	}
	return err
}

func userOf(id session.Identity) progress.User {
	return progress.User{Login: id.Login, AccessToken: id.AccessToken}
}
