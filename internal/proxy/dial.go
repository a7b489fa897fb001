package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol spoken by ttyd.
const Subprotocol = "tty"

// droppedHeaders never reach the session. The websocket library sets its
// own handshake headers and refuses duplicates.
var droppedHeaders = []string{
	"Cookie",
	"Origin",
	"Host",
	"Connection",
	"Upgrade",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Content-Length",
	"Cf-Access-Jwt-Assertion",
}

// Upgrader accepts the browser side of a terminal stream.
func Upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{Subprotocol},
	}
}

// Dialer connects to a session's terminal endpoint on the loopback
// interface.
type Dialer struct {
	HandshakeTimeout time.Duration
}

func (d Dialer) Dial(ctx context.Context, port int, inbound http.Header) (*websocket.Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	wd := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: timeout,
		Subprotocols:     []string{Subprotocol},
	}

	url := "ws://" + loopback(port) + "/ws"
	conn, resp, err := wd.DialContext(ctx, url, UpstreamHeader(inbound, port))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// UpstreamHeader derives the handshake headers for the session from the
// browser's request headers.
func UpstreamHeader(inbound http.Header, port int) http.Header {
	out := inbound.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, h := range droppedHeaders {
		out.Del(h)
	}
	for k := range out {
		if strings.HasPrefix(strings.ToLower(k), "sec-websocket-") {
			delete(out, k)
		}
	}
	out.Set("Origin", "http://"+loopback(port))
	return out
}

func loopback(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
