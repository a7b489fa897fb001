// Package bouncer provisions per-user bouncer accounts and the irssi config
// that points each user's terminal at them.
package bouncer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"
)

var ErrProvision = errors.New("bouncer provisioning failed")

const configFileName = "config"

type Config struct {
	Admin       Admin
	SessionsDir string
	// BouncerAddr is the host:port irssi connects to.
	BouncerAddr string
	IRCAddr     string
	NetworkName string
	Logger      *slog.Logger
}

type Provisioner struct {
	admin       Admin
	sessionsDir string
	bouncerAddr string
	ircAddr     string
	network     string
	logger      *slog.Logger
	newPassword func() (string, error)

	mu          sync.RWMutex
	provisioned map[string]struct{}
	group       singleflight.Group
}

func NewProvisioner(cfg Config) (*Provisioner, error) {
	if cfg.Admin == nil {
		return nil, fmt.Errorf("bouncer admin is required")
	}
	if cfg.SessionsDir == "" {
		return nil, fmt.Errorf("sessions dir is required")
	}
	if cfg.NetworkName == "" || cfg.IRCAddr == "" {
		return nil, fmt.Errorf("network name and irc address are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		admin:       cfg.Admin,
		sessionsDir: cfg.SessionsDir,
		bouncerAddr: cfg.BouncerAddr,
		ircAddr:     cfg.IRCAddr,
		network:     cfg.NetworkName,
		logger:      logger.With("component", "bouncer"),
		newPassword: func() (string, error) { return generatePassword(16) },
		provisioned: make(map[string]struct{}),
	}, nil
}

func (p *Provisioner) UserDir(username string) string {
	return filepath.Join(p.sessionsDir, username)
}

func (p *Provisioner) configPath(username string) string {
	return filepath.Join(p.UserDir(username), configFileName)
}

func (p *Provisioner) IsProvisioned(username string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.provisioned[username]
	return ok
}

func (p *Provisioner) mark(username string) {
	p.mu.Lock()
	p.provisioned[username] = struct{}{}
	p.mu.Unlock()
}

func (p *Provisioner) unmark(username string) {
	p.mu.Lock()
	delete(p.provisioned, username)
	p.mu.Unlock()
}

// EnsureUser creates the bouncer account, its upstream network and the
// irssi config for username. An existing config on disk counts as done.
func (p *Provisioner) EnsureUser(ctx context.Context, username string) error {
	if p.IsProvisioned(username) {
		return nil
	}

	provisionCtx := context.WithoutCancel(ctx)
	_, err, _ := p.group.Do(username, func() (any, error) {
		return nil, p.provision(provisionCtx, username)
	})
	return err
}

func (p *Provisioner) provision(ctx context.Context, username string) error {
	if p.IsProvisioned(username) {
		return nil
	}
	if _, err := os.Stat(p.configPath(username)); err == nil {
		p.mark(username)
		return nil
	}

	password, err := p.newPassword()
	if err != nil {
		return fmt.Errorf("%w: generate credential: %v", ErrProvision, err)
	}

	res, err := p.run(ctx, "create user", "user", "create", "-username", username, "-password", password)
	if err != nil {
		return err
	}
	if res.Kind == AlreadyExists {
		// No config on disk, so the stored password is not one we hold.
		if _, err := p.run(ctx, "reset password", "user", "update", username, "-password", password); err != nil {
			return err
		}
		p.logger.Info("bouncer user existed without config, password reset", "username", username)
	}
	if _, err := p.run(ctx, "create network",
		"user", "run", username, "network", "create",
		"-name", p.network, "-addr", p.ircAddr, "-nick", username,
	); err != nil {
		return err
	}

	host, port := SplitAddr(p.bouncerAddr)
	body, err := RenderIrssiConfig(IrssiConfig{
		Username:    username,
		Password:    password,
		NetworkName: p.network,
		BouncerHost: host,
		BouncerPort: port,
	})
	if err != nil {
		return fmt.Errorf("render irssi config: %w", err)
	}
	if err := os.MkdirAll(p.UserDir(username), 0o700); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}
	if err := writeFileAtomic(p.configPath(username), body, 0o600); err != nil {
		return fmt.Errorf("write irssi config: %w", err)
	}

	p.mark(username)
	p.logger.Info("bouncer user provisioned", "username", username, "network", p.network)
	return nil
}

// run issues one admin command. AlreadyExists is returned as a result,
// not an error.
func (p *Provisioner) run(ctx context.Context, step string, args ...string) (Result, error) {
	res, err := p.admin.Run(ctx, args...)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrProvision, step, err)
	}
	switch res.Kind {
	case OK, AlreadyExists:
		return res, nil
	default:
		return res, fmt.Errorf("%w: %s: %s", ErrProvision, step, res.Reason)
	}
}

// DeleteUser removes the bouncer account (best effort) and the user's
// directory.
func (p *Provisioner) DeleteUser(ctx context.Context, username string) error {
	p.unmark(username)

	res, err := p.admin.Run(ctx, "user", "delete", username)
	switch {
	case err != nil:
		p.logger.Warn("bouncer user delete failed", "username", username, "error", err)
	case res.Kind == Failed:
		p.logger.Warn("bouncer user delete rejected", "username", username, "reason", res.Reason)
	}

	if err := os.RemoveAll(p.UserDir(username)); err != nil {
		return fmt.Errorf("remove user dir: %w", err)
	}
	p.logger.Info("bouncer user deleted", "username", username)
	return nil
}

// Unmanaged prepares user directories without touching a bouncer. It
// backs dev mode.
type Unmanaged struct {
	SessionsDir string
}

func (u Unmanaged) UserDir(username string) string {
	return filepath.Join(u.SessionsDir, username)
}

func (u Unmanaged) EnsureUser(_ context.Context, username string) error {
	if err := os.MkdirAll(u.UserDir(username), 0o700); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("create user dir: %w", err)
	}
	return nil
}

func (Unmanaged) DeleteUser(context.Context, string) error { return nil }

func generatePassword(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
