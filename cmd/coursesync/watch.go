package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/giantswarm/coursesync/client/progress"
	"github.com/giantswarm/coursesync/client/session"
)

// Run keeps the session validated in the background and prints progress
// changes until interrupted or signed out. SIGHUP forces a revalidation.
func (c *WatchCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, g, nil)
	if err != nil {
		return err
	}
	user, err := a.restore(ctx)
	if err != nil {
		return err
	}

	signedOut := make(chan struct{})
	unsubscribe := a.session.Subscribe(func(t session.Transition) {
		if t.To == session.StateAnonymous {
			select {
			case <-signedOut:
			default:
				close(signedOut)
			}
		}
	})
	defer unsubscribe()

	go a.session.Start(ctx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	fmt.Fprintf(a.out, "Watching progress for %s, press Ctrl+C to stop\n", user.Login)

	w := &watcher{out: a.out, versions: make(map[string]int64)}
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		docs, err := a.progress.FetchAll(ctx, user)
		if err != nil {
			return a.checkAuth(ctx, err)
		}
		w.report(docs)

		select {
		case <-ctx.Done():
			return nil
		case <-signedOut:
			return errNotSignedIn
		case <-hup:
			a.session.NotifyFocus()
		case <-ticker.C:
		}
	}
}

// watcher prints documents whose version changed since the last report
type watcher struct {
	out      io.Writer
	versions map[string]int64
}

func (w *watcher) report(docs []*progress.Document) {
	for _, doc := range docs {
		if v, ok := w.versions[doc.CourseID]; ok && v == doc.Version {
			continue
		}
		w.versions[doc.CourseID] = doc.Version
		fmt.Fprintf(w.out, "%s  %-24s %3d%%  v%d\n", formatTime(doc.LastUpdated), doc.CourseID, doc.Progress, doc.Version)
	}
}
