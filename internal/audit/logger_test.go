package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	l := NewLogger(path, nil)
	l.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	events := []Event{
		{Actor: "admin", Action: "user.kick", Target: "alice", Outcome: OutcomeSuccess, RequestID: "r1", IP: "10.0.0.1"},
		{Actor: "admin", Action: "user.delete", Target: "admin", Outcome: OutcomeDenied, Detail: "self delete"},
	}
	for _, e := range events {
		if err := l.Log(e); err != nil {
			t.Fatalf("Log() error: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var got []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode audit line: %v", err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].At != "2024-03-01T12:00:00Z" || got[0].RequestID != "r1" || got[0].IP != "10.0.0.1" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[1].Outcome != OutcomeDenied || got[1].Detail != "self delete" {
		t.Fatalf("unexpected second event: %+v", got[1])
	}
}

func TestLoggerMirrorsToSlogWithoutFile(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("", slog.New(slog.NewTextHandler(&buf, nil)))
	if err := l.Log(Event{Actor: "bob", Action: "session.clear", Outcome: OutcomeSuccess}); err != nil {
		t.Fatalf("Log() error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "action=session.clear") || !strings.Contains(out, "actor=bob") {
		t.Fatalf("expected audit line in process log, got %q", out)
	}
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	if err := l.Log(Event{Actor: "x"}); err != nil {
		t.Fatalf("nil Log() error: %v", err)
	}
}
