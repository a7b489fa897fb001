package main

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWaitSocketReady(t *testing.T) {
	dir, err := os.MkdirTemp("", "waitfor")
	if err != nil {
		t.Fatalf("MkdirTemp() error: %v", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "b.sock")

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := waitSocket(ctx, path); err != nil {
		t.Fatalf("waitSocket() error: %v", err)
	}
}

func TestRetryReturnsLastErrorOnTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	want := errors.New("still down")
	calls := 0
	err := retry(ctx, func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls < 2 {
		t.Fatalf("expected several attempts, got %d", calls)
	}
}

func TestWaitSocketMissing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := waitSocket(ctx, filepath.Join(t.TempDir(), "absent.sock")); err == nil {
		t.Fatal("expected error for missing socket")
	}
}
