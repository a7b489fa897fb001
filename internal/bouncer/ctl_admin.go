package bouncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CtlAdmin runs admin commands through the bouncer's control binary.
type CtlAdmin struct {
	Bin        string
	ConfigPath string
	Timeout    time.Duration
}

func (a CtlAdmin) Run(ctx context.Context, args ...string) (Result, error) {
	bin := a.Bin
	if bin == "" {
		bin = "sojuctl"
	}
	full := append([]string{"-config", a.ConfigPath}, args...)
	if _, ok := ctx.Deadline(); !ok {
		timeout := a.Timeout
		if timeout <= 0 {
			timeout = defaultRunTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, full...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return Result{Kind: OK, Reason: strings.TrimSpace(stdout.String())}, nil
	}

	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("run %s: %w", bin, ctx.Err())
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Result{}, fmt.Errorf("run %s: %w", bin, err)
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = strings.TrimSpace(stdout.String())
	}
	res := Classify(msg)
	if res.Kind == OK {
		res = Result{Kind: Failed, Reason: fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), msg)}
	}
	return res, nil
}
