package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

const (
	PolicyEphemeral = "ephemeral"
	PolicyDetach    = "detach"
)

// Policy decides what a session process runs and what, if anything,
// outlives it.
type Policy interface {
	Name() string
	// Command returns the program and arguments for a session on port
	// whose irssi home is workDir.
	Command(port int, username, workDir string) (string, []string)
	// Evict removes state the policy keeps after the process is gone.
	Evict(username string) error
}

// Binaries names the executables a policy launches.
type Binaries struct {
	TTYD  string
	Irssi string
	Dtach string
}

func (b Binaries) withDefaults() Binaries {
	if b.TTYD == "" {
		b.TTYD = "ttyd"
	}
	if b.Irssi == "" {
		b.Irssi = "irssi"
	}
	if b.Dtach == "" {
		b.Dtach = "dtach"
	}
	return b
}

// NewPolicy builds the named policy. The detach policy creates socketsDir.
func NewPolicy(name string, bins Binaries, socketsDir string) (Policy, error) {
	bins = bins.withDefaults()
	switch name {
	case "", PolicyEphemeral:
		return EphemeralPolicy{bins: bins}, nil
	case PolicyDetach:
		if socketsDir == "" {
			return nil, fmt.Errorf("detach policy requires a sockets directory")
		}
		if err := os.MkdirAll(socketsDir, 0o700); err != nil {
			return nil, fmt.Errorf("create sockets dir: %w", err)
		}
		return DetachPolicy{bins: bins, socketsDir: socketsDir}, nil
	default:
		return nil, fmt.Errorf("unknown session policy %q", name)
	}
}

// EphemeralPolicy ends irssi with the first browser disconnect.
type EphemeralPolicy struct {
	bins Binaries
}

func (EphemeralPolicy) Name() string { return PolicyEphemeral }

func (p EphemeralPolicy) Command(port int, _ string, workDir string) (string, []string) {
	return p.bins.TTYD, []string{
		"--port", strconv.Itoa(port),
		"--interface", "127.0.0.1",
		"--once",
		"--writable",
		p.bins.Irssi, "--home", workDir,
	}
}

func (EphemeralPolicy) Evict(string) error { return nil }

// DetachPolicy keeps irssi alive in a dtach socket across reconnects.
type DetachPolicy struct {
	bins       Binaries
	socketsDir string
}

func (DetachPolicy) Name() string { return PolicyDetach }

func (p DetachPolicy) Command(port int, username, workDir string) (string, []string) {
	return p.bins.TTYD, []string{
		"--port", strconv.Itoa(port),
		"--interface", "127.0.0.1",
		"--writable",
		p.bins.Dtach, "-A", p.SocketPath(username), "-r", "winch",
		p.bins.Irssi, "--home", workDir,
	}
}

func (p DetachPolicy) SocketPath(username string) string {
	return filepath.Join(p.socketsDir, username+".sock")
}

func (p DetachPolicy) Evict(username string) error {
	if err := os.Remove(p.SocketPath(username)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove detach socket: %w", err)
	}
	return nil
}
