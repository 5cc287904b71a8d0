package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blinkwell/blinkd/internal/apiclient"
	"github.com/blinkwell/blinkd/internal/config"
	"github.com/blinkwell/blinkd/internal/daemon"
	"github.com/blinkwell/blinkd/internal/db"
	"github.com/blinkwell/blinkd/internal/lifecycle"
	"github.com/blinkwell/blinkd/internal/recorder"
	"github.com/blinkwell/blinkd/internal/syncer"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fatal(err)
	}
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for blinkd")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "sync API base URL (empty disables sync)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	// The recorder outlives the signal context: it must still be consuming
	// when shutdown drains and closes the open sessions.
	recCtx, recCancel := context.WithCancel(context.Background())
	defer recCancel()
	rec := recorder.New(store, cfg.BatchSize, cfg.QueueCapacity, cfg.FlushInterval)
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		rec.Run(recCtx)
	}()

	manager := lifecycle.NewManager(store, rec, cfg.DrainTimeout)
	manager.RegisterObserver(func(tr lifecycle.Transition) {
		if tr.Session != nil {
			fmt.Fprintf(os.Stderr, "blinkd: %s track %s -> %s (session %s)\n", tr.Track, tr.From, tr.To, tr.Session.SessionUID)
		}
	})
	if err := manager.Start(ctx); err != nil {
		fatal(err)
	}

	var sync *syncer.Syncer
	if cfg.ServerURL != "" {
		client := apiclient.New(cfg.ServerURL, cfg.AuthToken).WithUnaryTimeout(cfg.SyncTimeout)
		sync = syncer.New(store, client, ownerFromToken(cfg.AuthToken))
		startSyncLoop(ctx, sync, cfg.SyncInterval)
	}
	startRetentionLoop(ctx, store, cfg.RetentionHorizon)

	srv := daemon.NewServer(cfg, store, rec, manager, sync)
	err = srv.Start(ctx)

	// Close open sessions while the recorder is still consuming, then wind
	// the recorder loop down.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	if shutdownErr := manager.Shutdown(shutdownCtx); shutdownErr != nil {
		logErr("shutdown", shutdownErr)
	}
	shutdownCancel()
	recCancel()
	<-recDone

	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

// ownerFromToken reads the unverified subject claim so the daemon knows
// which owner its rows belong to. The server still verifies the token on
// every request.
func ownerFromToken(token string) string {
	if token == "" {
		return ""
	}
	subject, err := apiclient.UnverifiedSubject(token)
	if err != nil {
		logErr("auth token", err)
		return ""
	}
	return subject
}

func startSyncLoop(ctx context.Context, sync *syncer.Syncer, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				outcome, err := sync.Run(ctx)
				if err != nil {
					logErr("sync", err)
					continue
				}
				if outcome.Status != syncer.StatusAlreadyRunning && (outcome.Uploaded > 0 || outcome.Downloaded > 0) {
					fmt.Fprintf(os.Stderr, "blinkd: sync %s: created %d updated %d events %d downloaded %d conflicts %d\n",
						outcome.Status, outcome.SessionsCreated, outcome.SessionsUpdated,
						outcome.EventsAppended, outcome.Downloaded, outcome.Conflicts)
				}
			}
		}
	}()
}

func startRetentionLoop(ctx context.Context, store *db.Store, horizon time.Duration) {
	if horizon <= 0 {
		return
	}
	run := func() {
		cutoff := time.Now().UTC().Add(-horizon)
		deleted, err := store.PurgeRetention(ctx, cutoff)
		if err != nil {
			logErr("retention purge", err)
			return
		}
		if deleted > 0 {
			fmt.Fprintf(os.Stderr, "blinkd: purged %d sessions older than %s\n", deleted, horizon)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "blinkd: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "blinkd: %v\n", err)
	os.Exit(1)
}
