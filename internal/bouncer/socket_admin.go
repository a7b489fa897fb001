package bouncer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
)

const (
	serviceNick       = "BouncerServ"
	defaultAdminNick  = "ircgate"
	defaultRunTimeout = 10 * time.Second
	maxLineBytes      = 8192
)

var errRegistrationRejected = errors.New("bouncer rejected admin registration")

// SocketAdmin talks to BouncerServ over the bouncer's admin unix socket,
// one connection per command.
type SocketAdmin struct {
	Path    string
	Nick    string
	Timeout time.Duration
}

func (a SocketAdmin) Run(ctx context.Context, args ...string) (Result, error) {
	if len(args) == 0 {
		return Result{}, fmt.Errorf("empty bouncer command")
	}
	nick := a.Nick
	if nick == "" {
		nick = defaultAdminNick
	}
	if _, ok := ctx.Deadline(); !ok {
		timeout := a.Timeout
		if timeout <= 0 {
			timeout = defaultRunTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", a.Path)
	if err != nil {
		return Result{}, fmt.Errorf("dial bouncer socket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	res, err := exchange(conn, nick, quoteArgs(args))
	if err != nil && ctx.Err() != nil {
		return Result{}, fmt.Errorf("bouncer command %q: %w", args[0], ctx.Err())
	}
	return res, err
}

// exchange registers as nick, sends command to BouncerServ and waits for
// its reply notice.
func exchange(rw io.ReadWriter, nick, command string) (Result, error) {
	w := bufio.NewWriter(rw)
	send := func(cmd string, params ...string) error {
		msg := ircmsg.MakeMessage(nil, "", cmd, params...)
		line, err := msg.Line()
		if err != nil {
			return err
		}
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		return w.Flush()
	}

	if err := send("NICK", nick); err != nil {
		return Result{}, fmt.Errorf("send NICK: %w", err)
	}
	if err := send("USER", nick, "0", "*", nick); err != nil {
		return Result{}, fmt.Errorf("send USER: %w", err)
	}

	sc := bufio.NewScanner(rw)
	sc.Buffer(make([]byte, 0, 1024), maxLineBytes)

	registered := false
	for sc.Scan() {
		msg, err := ircmsg.ParseLine(strings.TrimRight(sc.Text(), "\r"))
		if err != nil {
			continue
		}
		switch cmd := strings.ToUpper(msg.Command); {
		case cmd == "PING":
			if err := send("PONG", msg.Params...); err != nil {
				return Result{}, fmt.Errorf("send PONG: %w", err)
			}
		case cmd == "ERROR":
			return Result{}, fmt.Errorf("bouncer closed link: %s", lastParam(msg))
		case !registered && (cmd == "464" || cmd == "465" || cmd == "432" || cmd == "433"):
			return Result{}, fmt.Errorf("%w: %s %s", errRegistrationRejected, cmd, lastParam(msg))
		case !registered && cmd == "001":
			registered = true
			if err := send("PRIVMSG", serviceNick, command); err != nil {
				return Result{}, fmt.Errorf("send command: %w", err)
			}
		case registered && cmd == "NOTICE" && strings.EqualFold(msg.Nick(), serviceNick):
			_ = send("QUIT")
			return Classify(lastParam(msg)), nil
		}
	}
	if err := sc.Err(); err != nil {
		return Result{}, fmt.Errorf("read bouncer reply: %w", err)
	}
	return Result{}, fmt.Errorf("read bouncer reply: %w", io.ErrUnexpectedEOF)
}

func lastParam(msg ircmsg.Message) string {
	if len(msg.Params) == 0 {
		return ""
	}
	return msg.Params[len(msg.Params)-1]
}

// quoteArgs joins a command line the way BouncerServ splits it.
func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'\\") {
			a = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(a) + `"`
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
