// Package proxy relays a browser terminal to its session: a WebSocket
// splice for the terminal stream and a reverse proxy for static assets.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"golang.org/x/sync/errgroup"
)

const controlWriteWait = 5 * time.Second

var errRelayDone = errors.New("relay done")

// Stats counts payload bytes relayed in each direction.
type Stats struct {
	ClientToUpstream int64
	UpstreamToClient int64
}

// Splice relays messages between client and upstream until either side
// closes, fails or ctx ends. Both connections are closed on return.
func Splice(ctx context.Context, client, upstream *websocket.Conn, logger *slog.Logger) Stats {
	if logger == nil {
		logger = slog.Default()
	}
	var up, down atomic.Int64

	forwardControl(client, upstream)
	forwardControl(upstream, client)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay(client, upstream, &up) })
	g.Go(func() error { return relay(upstream, client, &down) })
	g.Go(func() error {
		<-gctx.Done()
		_ = client.Close()
		_ = upstream.Close()
		return nil
	})
	err := g.Wait()

	stats := Stats{ClientToUpstream: up.Load(), UpstreamToClient: down.Load()}
	attrs := []any{
		"sent", sizestr.ToString(stats.ClientToUpstream),
		"received", sizestr.ToString(stats.UpstreamToClient),
	}
	if err != nil && !errors.Is(err, errRelayDone) && !errors.Is(err, net.ErrClosed) {
		attrs = append(attrs, "error", err)
	}
	logger.Info("terminal relay closed", attrs...)
	return stats
}

// relay copies data messages from src to dst. A close frame from src is
// passed on to dst and ends the relay.
func relay(src, dst *websocket.Conn, n *atomic.Int64) error {
	for {
		kind, data, err := src.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				msg := websocket.FormatCloseMessage(ce.Code, ce.Text)
				if ce.Code == websocket.CloseNoStatusReceived {
					msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				}
				_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
				return errRelayDone
			}
			if errors.Is(err, websocket.ErrCloseSent) {
				return errRelayDone
			}
			return err
		}
		if err := dst.WriteMessage(kind, data); err != nil {
			return err
		}
		n.Add(int64(len(data)))
	}
}

// forwardControl passes ping and pong frames read from src to dst verbatim.
func forwardControl(src, dst *websocket.Conn) {
	src.SetPingHandler(func(data string) error {
		err := dst.WriteControl(websocket.PingMessage, []byte(data), time.Now().Add(controlWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	src.SetPongHandler(func(data string) error {
		err := dst.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
}
