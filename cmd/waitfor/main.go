// Command waitfor blocks until the gateway's dependencies accept
// connections: Postgres when DATABASE_URL is set, and the bouncer admin
// socket when provisioning goes through it.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	_ "github.com/lib/pq"

	"ircgate/internal/config"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}

	timeout := 60 * time.Second
	if raw := os.Getenv("WAIT_FOR_TIMEOUT_SEC"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			fmt.Fprintf(os.Stderr, "invalid WAIT_FOR_TIMEOUT_SEC: %q\n", raw)
			os.Exit(2)
		}
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if cfg.DatabaseURL != "" {
		if err := waitPostgres(ctx, cfg.DatabaseURL); err != nil {
			fmt.Fprintf(os.Stderr, "postgres not ready within %s: %v\n", timeout, err)
			os.Exit(1)
		}
		fmt.Println("postgres ready")
	}

	if !cfg.Auth.DevMode && cfg.Bouncer.AdminMode == config.AdminModeSocket {
		if err := waitSocket(ctx, cfg.Bouncer.Socket); err != nil {
			fmt.Fprintf(os.Stderr, "bouncer socket %s not ready within %s: %v\n", cfg.Bouncer.Socket, timeout, err)
			os.Exit(1)
		}
		fmt.Println("bouncer ready")
	}
}

func waitPostgres(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	return retry(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
}

func waitSocket(ctx context.Context, path string) error {
	var d net.Dialer
	return retry(ctx, func() error {
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// retry runs fn until it succeeds or ctx ends, returning the last error.
func retry(ctx context.Context, fn func() error) error {
	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 2 * time.Second, Factor: 2}
	for {
		err := fn()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(b.Duration()):
		}
	}
}
