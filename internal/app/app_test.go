package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ircgate/internal/config"
)

func devConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATA_DIR", dir)
	t.Setenv("HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("AUDIT_LOG_FILE", filepath.Join(dir, "audit.log"))

	cfg, err := config.Load([]string{"--dev"})
	if err != nil {
		t.Fatalf("config.Load() error: %v", err)
	}
	return cfg
}

func TestNewDevModeAndShutdown(t *testing.T) {
	cfg := devConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := os.Stat(cfg.DatabaseFile()); err != nil {
		t.Fatalf("expected sqlite database at %s: %v", cfg.DatabaseFile(), err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
	if a.broker.ActiveCount() != 0 {
		t.Fatal("expected no sessions after shutdown")
	}
}

func TestNewProvisionerValidatesBouncerSettings(t *testing.T) {
	cfg := devConfig(t)
	cfg.Auth.DevMode = false
	cfg.Bouncer.NetworkName = ""

	if _, err := newProvisioner(cfg, nil); err == nil {
		t.Fatal("expected provisioner error without a network name")
	}

	cfg.Bouncer.NetworkName = "libera"
	cfg.Bouncer.AdminMode = config.AdminModeCtl
	if _, err := newProvisioner(cfg, nil); err != nil {
		t.Fatalf("newProvisioner(ctl) error: %v", err)
	}
}
