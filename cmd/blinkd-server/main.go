package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/blinkwell/blinkd/internal/config"
	"github.com/blinkwell/blinkd/internal/server"
	"github.com/blinkwell/blinkd/internal/server/pgstore"
)

func main() {
	migrateDir := flag.String("migrate", "", "run migrations (up or down) and exit")
	memory := flag.Bool("memory", false, "serve from an in-memory store (development only)")
	flag.Parse()

	cfg, err := config.LoadServer()
	if err != nil {
		fatal(err)
	}

	if *migrateDir != "" {
		if err := pgstore.Migrate(cfg.DatabaseURL, *migrateDir); err != nil {
			fatal(err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store server.Store
	if *memory {
		store = server.NewMemStore()
		fmt.Fprintln(os.Stderr, "blinkd-server: using in-memory store, data is not durable")
	} else {
		pg, err := pgstore.Open(cfg.DatabaseURL)
		if err != nil {
			fatal(err)
		}
		defer pg.Close() //nolint:errcheck
		store = pg
	}

	verifier := server.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	srv := server.New(cfg.ListenAddr, store, verifier, cfg.RequestTimeout)
	fmt.Fprintf(os.Stderr, "blinkd-server: listening on %s\n", cfg.ListenAddr)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "blinkd-server: %v\n", err)
	os.Exit(1)
}
