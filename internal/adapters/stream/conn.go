// Package stream terminates the caller-side websocket transports and feeds
// them into call sessions.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicerelay/internal/app"
	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

const (
	DefaultSendBuffer   = 256
	DefaultWriteTimeout = 5 * time.Second
	DefaultReadLimit    = 1 << 20
)

type Options struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	SendBuffer   int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	return o
}

// Calls is the part of the orchestrator the transports need.
type Calls interface {
	StartCall(ctx context.Context, p app.CallParams, out core.SignalConnection, env core.Envelope) (*app.CallSession, error)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WsConn is the outbound side of one websocket. Frames go through a bounded
// queue drained by writePump.
type WsConn struct {
	conn         *websocket.Conn
	send         chan core.Frame
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
}

func newWsConn(ws *websocket.Conn, opts Options) *WsConn {
	return &WsConn{
		conn:         ws,
		send:         make(chan core.Frame, opts.SendBuffer),
		writeTimeout: opts.WriteTimeout,
	}
}

func (c *WsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return domain.ErrSessionClosed
	}
	select {
	case c.send <- f:
	default:
		return domain.ErrBackpressure
	}
	return nil
}

func (c *WsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// closeWith sends a close frame with a reason before closing.
func (c *WsConn) closeWith(code int, text string) {
	if c.conn != nil {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(time.Second),
		)
	}
	c.Close()
}

func (c *WsConn) writePump(ctx context.Context, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

// readLoop feeds every inbound message to handle until handle returns false or
// the peer goes away. A panic in handle ends only this connection.
func (c *WsConn) readLoop(logger zerolog.Logger, handle func(data []byte) bool) {
	var pc panics.Catcher
	pc.Try(func() {
		for {
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn().Err(err).Msg("readPump read error")
				} else {
					logger.Debug().Err(err).Msg("readPump closed")
				}
				return
			}
			if !handle(data) {
				return
			}
		}
	})
	if r := pc.Recovered(); r != nil {
		logger.Error().Str("panic", fmt.Sprint(r.Value)).Bytes("stack", r.Stack).Msg("connection handler panicked")
	}
}
