// Package session owns the per-user terminal processes: one ttyd per user,
// bound to a pooled loopback port and reaped when it exits.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/singleflight"

	"ircgate/internal/ports"
)

var (
	ErrSpawn            = errors.New("session spawn failed")
	ErrReadinessTimeout = errors.New("session did not become ready")
	ErrCapacity         = errors.New("session capacity reached")
	ErrClosed           = errors.New("session broker closed")
	ErrKilled           = errors.New("session killed while starting")
)

// LimitFunc returns the maximum number of concurrent sessions. Values <= 0
// mean unlimited.
type LimitFunc func(ctx context.Context) int

type Config struct {
	Pool         *ports.Pool
	Launcher     Launcher
	Policy       Policy
	ReapInterval time.Duration
	ReadyTimeout time.Duration
	PollInterval time.Duration
	Limit        LimitFunc
	Logger       *slog.Logger
}

type session struct {
	username string
	port     int
	proc     Process
	started  time.Time

	mu sync.Mutex
}

// Info describes an active session.
type Info struct {
	Username string    `json:"username"`
	Port     int       `json:"port"`
	Pid      int       `json:"pid"`
	Started  time.Time `json:"started"`
}

type Broker struct {
	pool         *ports.Pool
	launcher     Launcher
	policy       Policy
	reapInterval time.Duration
	readyTimeout time.Duration
	pollInterval time.Duration
	limit        LimitFunc
	logger       *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	// starting holds spawns in flight; a true value means Kill has
	// cancelled the spawn.
	starting map[string]bool
	closed   bool

	group     singleflight.Group
	reapers   sync.WaitGroup
	stop      chan struct{}
	closeOnce sync.Once
}

func NewBroker(cfg Config) (*Broker, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("port pool is required")
	}
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("session policy is required")
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Broker{
		pool:         cfg.Pool,
		launcher:     cfg.Launcher,
		policy:       cfg.Policy,
		reapInterval: cfg.ReapInterval,
		readyTimeout: cfg.ReadyTimeout,
		pollInterval: cfg.PollInterval,
		limit:        cfg.Limit,
		logger:       logger.With("component", "session", "policy", cfg.Policy.Name()),
		sessions:     make(map[string]*session),
		starting:     make(map[string]bool),
		stop:         make(chan struct{}),
	}, nil
}

// GetOrCreate returns the port of username's session, spawning one when
// none exists. Concurrent callers for the same username share one spawn.
func (b *Broker) GetOrCreate(ctx context.Context, username, workDir string) (int, error) {
	if port, ok := b.lookup(username); ok {
		return port, nil
	}

	// The spawn outlives any single caller; readiness is bounded by
	// readyTimeout instead.
	spawnCtx := context.WithoutCancel(ctx)
	v, err, _ := b.group.Do(username, func() (any, error) {
		if port, ok := b.lookup(username); ok {
			return port, nil
		}
		return b.spawn(spawnCtx, username, workDir)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (b *Broker) lookup(username string) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[username]
	if !ok {
		return 0, false
	}
	return s.port, true
}

func (b *Broker) reserve(ctx context.Context, username string) error {
	limit := 0
	if b.limit != nil {
		limit = b.limit(ctx)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if n := len(b.sessions) + len(b.starting); limit > 0 && n >= limit {
		return fmt.Errorf("%w: %d active", ErrCapacity, n)
	}
	b.starting[username] = false
	return nil
}

func (b *Broker) release(username string) {
	b.mu.Lock()
	delete(b.starting, username)
	b.mu.Unlock()
}

func (b *Broker) spawn(ctx context.Context, username, workDir string) (int, error) {
	if err := b.reserve(ctx, username); err != nil {
		return 0, err
	}

	port, err := b.pool.Allocate()
	if err != nil {
		b.release(username)
		return 0, err
	}

	dir, err := filepath.Abs(workDir)
	if err != nil {
		b.pool.Free(port)
		b.release(username)
		return 0, fmt.Errorf("%w: resolve work dir: %v", ErrSpawn, err)
	}

	name, args := b.policy.Command(port, username, dir)
	proc, err := b.launcher.Launch(name, args, dir)
	if err != nil {
		b.pool.Free(port)
		b.release(username)
		b.logger.Error("session launch failed", "username", username, "port", port, "error", err)
		return 0, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	if err := b.waitReady(ctx, port, proc); err != nil {
		if kerr := proc.Kill(); kerr != nil {
			b.logger.Warn("kill unready session failed", "username", username, "port", port, "error", kerr)
		}
		b.pool.Free(port)
		b.release(username)
		b.logger.Error("session not ready", "username", username, "port", port, "error", err)
		return 0, err
	}

	s := &session{username: username, port: port, proc: proc, started: time.Now()}

	b.mu.Lock()
	killed := b.starting[username]
	delete(b.starting, username)
	if b.closed || killed {
		b.mu.Unlock()
		if err := proc.Kill(); err != nil {
			b.logger.Warn("kill abandoned session failed", "username", username, "port", port, "error", err)
		}
		b.pool.Free(port)
		if !killed {
			return 0, ErrClosed
		}
		// The process may have recreated policy state after Kill evicted it.
		if err := b.policy.Evict(username); err != nil {
			b.logger.Warn("evict session state failed", "username", username, "error", err)
		}
		b.logger.Info("session killed while starting", "username", username, "port", port)
		return 0, ErrKilled
	}
	b.sessions[username] = s
	b.reapers.Add(1)
	b.mu.Unlock()

	go b.reap(s)

	b.logger.Info("session started", "username", username, "port", port, "pid", proc.Pid())
	return port, nil
}

// waitReady polls the session port until it accepts a connection.
func (b *Broker) waitReady(ctx context.Context, port int, proc Process) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.NewTimer(b.readyTimeout)
	defer deadline.Stop()

	bo := &backoff.Backoff{Min: b.pollInterval, Max: b.pollInterval, Factor: 1}
	dialer := net.Dialer{Timeout: b.pollInterval}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if proc.Exited() {
			return fmt.Errorf("%w: process exited before listening on %d", ErrSpawn, port)
		}

		select {
		case <-time.After(bo.Duration()):
		case <-deadline.C:
			return fmt.Errorf("%w: port %d after %s", ErrReadinessTimeout, port, b.readyTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stop:
			return ErrClosed
		}
	}
}

// reap removes s once its process has exited. It exits as soon as the map
// no longer holds s, so it never acts on a replacement session.
func (b *Broker) reap(s *session) {
	defer b.reapers.Done()

	ticker := time.NewTicker(b.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}

		b.mu.RLock()
		current := b.sessions[s.username]
		b.mu.RUnlock()
		if current != s {
			return
		}

		if !s.mu.TryLock() {
			continue
		}
		exited := s.proc.Exited()
		s.mu.Unlock()
		if !exited {
			continue
		}

		b.mu.Lock()
		if b.sessions[s.username] != s {
			b.mu.Unlock()
			return
		}
		delete(b.sessions, s.username)
		b.mu.Unlock()

		b.pool.Free(s.port)
		b.logger.Info("session reaped", "username", s.username, "port", s.port)
		return
	}
}

// Kill terminates username's session and releases its port. A spawn still
// in flight is cancelled and fails with ErrKilled once it finishes. Kill
// reports whether a session existed or was starting. Policy state is
// evicted either way.
func (b *Broker) Kill(username string) bool {
	b.mu.Lock()
	s, ok := b.sessions[username]
	if ok {
		delete(b.sessions, username)
	}
	_, inFlight := b.starting[username]
	if inFlight {
		b.starting[username] = true
	}
	b.mu.Unlock()

	if ok {
		b.terminate(s)
	}
	if err := b.policy.Evict(username); err != nil {
		b.logger.Warn("evict session state failed", "username", username, "error", err)
	}
	return ok || inFlight
}

func (b *Broker) terminate(s *session) {
	s.mu.Lock()
	err := s.proc.Kill()
	s.mu.Unlock()
	if err != nil {
		b.logger.Warn("kill session failed", "username", s.username, "port", s.port, "error", err)
	}
	b.pool.Free(s.port)
	b.logger.Info("session killed", "username", s.username, "port", s.port)
}

func (b *Broker) IsActive(username string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sessions[username]
	return ok
}

func (b *Broker) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// List returns the active sessions ordered by username.
func (b *Broker) List() []Info {
	b.mu.RLock()
	out := make([]Info, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, Info{Username: s.username, Port: s.port, Pid: s.proc.Pid(), Started: s.started})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Close kills every session and waits for the reapers to exit.
func (b *Broker) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		sessions := make([]*session, 0, len(b.sessions))
		for name, s := range b.sessions {
			sessions = append(sessions, s)
			delete(b.sessions, name)
		}
		b.mu.Unlock()

		close(b.stop)
		for _, s := range sessions {
			b.terminate(s)
		}
	})

	done := make(chan struct{})
	go func() {
		b.reapers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
