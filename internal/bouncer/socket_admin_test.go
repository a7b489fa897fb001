package bouncer

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBouncer is a scripted admin socket. handle receives each line the
// client sends and returns the lines to answer with.
type fakeBouncer struct {
	path   string
	ln     net.Listener
	mu     sync.Mutex
	lines  []string
	handle func(line string) []string
}

func startFakeBouncer(t *testing.T, handle func(line string) []string) *fakeBouncer {
	t.Helper()
	dir, err := os.MkdirTemp("", "bnc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	path := filepath.Join(dir, "admin.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	fb := &fakeBouncer{path: path, ln: ln, handle: handle}
	go fb.serve()
	return fb
}

func (fb *fakeBouncer) serve() {
	for {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			sc := bufio.NewScanner(c)
			for sc.Scan() {
				line := strings.TrimRight(sc.Text(), "\r")
				fb.mu.Lock()
				fb.lines = append(fb.lines, line)
				fb.mu.Unlock()
				for _, out := range fb.handle(line) {
					if out == "" {
						return
					}
					if _, err := c.Write([]byte(out + "\r\n")); err != nil {
						return
					}
				}
			}
		}(conn)
	}
}

func (fb *fakeBouncer) received() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.lines...)
}

func welcomeThenReply(reply string) func(string) []string {
	return func(line string) []string {
		switch {
		case strings.HasPrefix(line, "USER "):
			return []string{
				":soju PING :abc123",
				":soju 001 ircgate :Welcome to soju, ircgate",
			}
		case strings.HasPrefix(line, "PRIVMSG BouncerServ "):
			return []string{
				":soju NOTICE ircgate :*** unrelated server notice",
				":BouncerServ!BouncerServ@BouncerServ NOTICE ircgate :" + reply,
			}
		}
		return nil
	}
}

func TestSocketAdminRun(t *testing.T) {
	fb := startFakeBouncer(t, welcomeThenReply("created user \"alice\""))

	res, err := SocketAdmin{Path: fb.path, Timeout: 2 * time.Second}.Run(context.Background(),
		"user", "create", "-username", "alice", "-password", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, OK, res.Kind)

	require.Eventually(t, func() bool {
		got := fb.received()
		return len(got) > 0 && got[len(got)-1] == "QUIT"
	}, time.Second, 10*time.Millisecond)

	got := fb.received()
	assert.Equal(t, []string{
		"NICK ircgate",
		"USER ircgate 0 * ircgate",
		"PONG abc123",
		"PRIVMSG BouncerServ :user create -username alice -password s3cret",
		"QUIT",
	}, got)
}

func TestSocketAdminClassifiesReply(t *testing.T) {
	fb := startFakeBouncer(t, welcomeThenReply("user \"alice\" already exists"))

	res, err := SocketAdmin{Path: fb.path, Nick: "admin"}.Run(context.Background(), "user", "create", "-username", "alice")
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, res.Kind)

	fb2 := startFakeBouncer(t, welcomeThenReply("Error: unknown command"))
	res, err = SocketAdmin{Path: fb2.path}.Run(context.Background(), "bogus")
	require.NoError(t, err)
	assert.Equal(t, Failed, res.Kind)
	assert.Equal(t, "Error: unknown command", res.Reason)
}

func TestSocketAdminRejectedRegistration(t *testing.T) {
	fb := startFakeBouncer(t, func(line string) []string {
		if strings.HasPrefix(line, "USER ") {
			return []string{":soju 464 * :Password incorrect"}
		}
		return nil
	})

	_, err := SocketAdmin{Path: fb.path}.Run(context.Background(), "user", "delete", "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, errRegistrationRejected)
}

func TestSocketAdminErrorLine(t *testing.T) {
	fb := startFakeBouncer(t, func(line string) []string {
		if strings.HasPrefix(line, "USER ") {
			return []string{"ERROR :Closing link"}
		}
		return nil
	})

	_, err := SocketAdmin{Path: fb.path}.Run(context.Background(), "user", "delete", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Closing link")
}

func TestSocketAdminEOFBeforeReply(t *testing.T) {
	fb := startFakeBouncer(t, func(line string) []string {
		switch {
		case strings.HasPrefix(line, "USER "):
			return []string{":soju 001 ircgate :Welcome"}
		case strings.HasPrefix(line, "PRIVMSG "):
			return []string{""} // hang up
		}
		return nil
	})

	_, err := SocketAdmin{Path: fb.path}.Run(context.Background(), "user", "delete", "alice")
	require.Error(t, err)
}

func TestSocketAdminHonorsDeadline(t *testing.T) {
	fb := startFakeBouncer(t, func(string) []string { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := SocketAdmin{Path: fb.path}.Run(ctx, "user", "delete", "alice")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSocketAdminMissingSocket(t *testing.T) {
	_, err := SocketAdmin{Path: filepath.Join(t.TempDir(), "nope.sock")}.Run(context.Background(), "user", "delete", "x")
	assert.Error(t, err)
}

func TestSocketAdminReplyEchoingName(t *testing.T) {
	fb := startFakeBouncer(t, welcomeThenReply(`created user "terror"`))

	res, err := SocketAdmin{Path: fb.path}.Run(context.Background(), "user", "create", "-username", "terror", "-password", "pw")
	require.NoError(t, err)
	assert.Equal(t, OK, res.Kind)
	assert.Equal(t, `created user "terror"`, res.Reason)
}

func TestSocketAdminTaggedReply(t *testing.T) {
	fb := startFakeBouncer(t, func(line string) []string {
		switch {
		case strings.HasPrefix(line, "USER "):
			return []string{"@time=2024-01-01T00:00:00.000Z :soju 001 ircgate :Welcome"}
		case strings.HasPrefix(line, "PRIVMSG "):
			return []string{
				"@time=2024-01-01T00:00:01.000Z :BouncerServ!BouncerServ@BouncerServ NOTICE ircgate :user \"bob\" already exists",
			}
		}
		return nil
	})

	res, err := SocketAdmin{Path: fb.path}.Run(context.Background(), "user", "create", "-username", "bob")
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, res.Kind)
	assert.Equal(t, `user "bob" already exists`, res.Reason)
}

func TestQuoteArgs(t *testing.T) {
	assert.Equal(t, `user create -username alice`, quoteArgs([]string{"user", "create", "-username", "alice"}))
	assert.Equal(t, `network create -name "my net" -pass ""`, quoteArgs([]string{"network", "create", "-name", "my net", "-pass", ""}))
	assert.Equal(t, `x "a\"b"`, quoteArgs([]string{"x", `a"b`}))
}
