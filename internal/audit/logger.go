// Package audit records administrative and destructive actions as JSON lines.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

type Event struct {
	At        string `json:"at"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"rid,omitempty"`
	IP        string `json:"ip,omitempty"`
}

// Logger appends events to a file and mirrors them to the process log.
// A zero path disables the file sink.
type Logger struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

func NewLogger(path string, logger *slog.Logger) *Logger {
	return &Logger{path: path, logger: logger, now: time.Now}
}

func (l *Logger) Log(e Event) error {
	if l == nil {
		return nil
	}
	if e.At == "" {
		e.At = l.now().UTC().Format(time.RFC3339)
	}
	if l.logger != nil {
		l.logger.Info("audit",
			"actor", e.Actor,
			"action", e.Action,
			"target", e.Target,
			"outcome", e.Outcome,
			"rid", e.RequestID,
		)
	}
	if l.path == "" {
		return nil
	}

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir audit log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit log entry: %w", err)
	}
	return nil
}
