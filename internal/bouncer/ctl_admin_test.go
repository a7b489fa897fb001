package bouncer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sojuctl")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestCtlAdminSuccess(t *testing.T) {
	bin := writeScript(t, `echo "$@"`+"\n")

	res, err := CtlAdmin{Bin: bin, ConfigPath: "/etc/soju/config"}.Run(context.Background(), "user", "delete", "alice")
	require.NoError(t, err)
	assert.Equal(t, OK, res.Kind)
	assert.Equal(t, "-config /etc/soju/config user delete alice", res.Reason)
}

func TestCtlAdminClassifiesStderr(t *testing.T) {
	bin := writeScript(t, `echo "user already exists" >&2; exit 1`+"\n")
	res, err := CtlAdmin{Bin: bin}.Run(context.Background(), "user", "create")
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, res.Kind)

	bin = writeScript(t, `echo "something odd" >&2; exit 3`+"\n")
	res, err = CtlAdmin{Bin: bin}.Run(context.Background(), "user", "create")
	require.NoError(t, err)
	assert.Equal(t, Failed, res.Kind)
	assert.Contains(t, res.Reason, "exit status 3")
}

func TestCtlAdminMissingBinary(t *testing.T) {
	_, err := CtlAdmin{Bin: filepath.Join(t.TempDir(), "missing")}.Run(context.Background(), "user", "delete", "x")
	assert.Error(t, err)
}

func TestCtlAdminTimeout(t *testing.T) {
	bin := writeScript(t, "exec sleep 5\n")

	start := time.Now()
	_, err := CtlAdmin{Bin: bin, Timeout: 100 * time.Millisecond}.Run(context.Background(), "user", "delete", "x")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}
