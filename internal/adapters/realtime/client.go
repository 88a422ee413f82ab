// Package realtime is a client for the cloud speech-to-speech session API.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int32

const (
	StateConnecting State = iota
	StateConfigured
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConfigured:
		return "configured"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const injectedPrefix = "[Delegated task result]\n"

// Client owns one websocket to the cloud session. Inbound events are handled
// by a single receive loop in arrival order.
type Client struct {
	cfg     SessionConfig
	handler core.EventHandler
	dialer  *websocket.Dialer
	header  http.Header
	logger  zerolog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	state      atomic.Int32
	responding atomic.Bool

	// guarded by writeMu
	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHeaders adds handshake headers on top of the auth headers.
func WithHeaders(h http.Header) Option {
	return func(c *Client) {
		for k, vs := range h {
			for _, v := range vs {
				c.header.Add(k, v)
			}
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(cfg SessionConfig, handler core.EventHandler, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		header:  http.Header{},
		logger:  log.With().Str("module", "realtime").Logger(),
		done:    make(chan struct{}),
	}
	if c.cfg.WriteTimeout <= 0 {
		c.cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.APIKey != "" {
		c.header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	c.header.Set("OpenAI-Beta", "realtime=v1")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("%w: bad realtime url: %v", domain.ErrConnection, err)
	}
	if c.cfg.Model != "" {
		q := u.Query()
		q.Set("model", c.cfg.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the session, sends the session configuration and starts the
// receive loop. The loop lives until Disconnect or until ctx is done. A
// Disconnect that lands while Connect is still dialing aborts the dial.
func (c *Client) Connect(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	if c.State() == StateClosed {
		c.writeMu.Unlock()
		return domain.ErrSessionClosed
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	dialCtx := c.ctx
	c.writeMu.Unlock()

	conn, _, err := c.dialer.DialContext(dialCtx, endpoint, c.header)
	if err != nil {
		c.logger.Error().Err(err).Str("url", c.cfg.URL).Msg("dial failed")
		return fmt.Errorf("%w: dial realtime: %v", domain.ErrConnection, err)
	}

	if !c.adopt(conn) {
		_ = conn.Close()
		return domain.ErrSessionClosed
	}
	if err := c.writeJSON(c.cfg.update()); err != nil {
		_ = c.Disconnect()
		_ = conn.Close()
		return err
	}
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateConfigured))
	c.logger.Info().Str("model", c.cfg.Model).Str("voice", c.cfg.Voice).Msg("session configured")

	c.writeMu.Lock()
	if c.State() == StateClosed {
		c.writeMu.Unlock()
		_ = conn.Close()
		return domain.ErrSessionClosed
	}
	c.started = true
	c.writeMu.Unlock()

	go c.receiveLoop()
	go func() {
		<-dialCtx.Done()
		_ = c.Disconnect()
	}()
	return nil
}

// adopt stores conn unless the client was closed while dialing.
func (c *Client) adopt(conn *websocket.Conn) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() == StateClosed {
		return false
	}
	c.conn = conn
	return true
}

// SendAudio appends PCM16 to the input buffer. It is never gated on the
// response state; server VAD needs continuous audio to detect barge-in.
func (c *Client) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.writeJSON(audioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio marks the end of an utterance for transports without streaming VAD.
func (c *Client) CommitAudio() error {
	return c.writeJSON(bareEvent{Type: "input_audio_buffer.commit"})
}

// InjectResult adds a finished background task to the conversation and asks
// the model to respond to it.
func (c *Client) InjectResult(text string) error {
	item := itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: injectedPrefix + text}},
		},
	}
	if err := c.writeJSON(item); err != nil {
		return err
	}
	return c.requestResponse()
}

func (c *Client) Responding() bool { return c.responding.Load() }

func (c *Client) State() State { return State(c.state.Load()) }

// Done is closed when the receive loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Disconnect stops the receive loop and closes the socket. Safe to call twice.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))

		c.writeMu.Lock()
		cancel, started, conn := c.cancel, c.started, c.conn
		c.writeMu.Unlock()
		if cancel != nil {
			cancel()
		}
		if !started {
			close(c.done)
		}
		if conn == nil {
			return
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		if err := conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("close")
		}
		c.logger.Info().Msg("disconnected")
	})
	return nil
}

func (c *Client) requestResponse() error {
	return c.writeJSON(bareEvent{Type: "response.create"})
}

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", domain.ErrProtocol, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil || c.State() == StateClosed {
		return domain.ErrSessionClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", domain.ErrConnection, err)
	}
	return nil
}

func (c *Client) receiveLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			closedByUs := c.State() == StateClosed
			c.state.Store(int32(StateClosed))
			if closedByUs {
				return
			}
			c.logger.Error().Err(err).Msg("receive loop read error")
			if n, ok := c.handler.(core.CloseNotifier); ok {
				n.OnSessionClosed(fmt.Errorf("%w: %v", domain.ErrConnection, err))
			}
			_ = c.Disconnect()
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("skip malformed event")
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev Event) {
	switch ev.Kind {
	case KindAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.logger.Warn().Err(err).Str("type", ev.Type).Msg("bad audio delta")
			return
		}
		c.handler.OnAudio(pcm)
	case KindAudioDone:
		c.handler.OnAudioEnd()
	case KindTranscriptDelta:
		c.handler.OnTranscript(ev.Delta)
	case KindTranscriptDone:
		c.logger.Info().Str("transcript", ev.Transcript).Msg("assistant said")
	case KindUserTranscriptDone:
		c.logger.Info().Str("transcript", ev.Transcript).Msg("caller said")
	case KindSpeechStarted:
		c.logger.Debug().Msg("speech started")
	case KindSpeechStopped:
		c.logger.Debug().Msg("speech stopped")
	case KindSessionCreated, KindSessionUpdated:
		c.state.CompareAndSwap(int32(StateConfigured), int32(StateActive))
		c.logger.Debug().Str("type", ev.Type).Msg("session ready")
	case KindResponseCreated:
		c.responding.Store(true)
	case KindResponseDone:
		c.responding.Store(false)
	case KindFunctionCallArgumentsDone:
		c.handleFunctionCall(ev)
	case KindError:
		l := c.logger.Error()
		if ev.Error != nil {
			l = l.Str("error_type", ev.Error.Type).Str("code", ev.Error.Code).Str("message", ev.Error.Message)
		}
		l.Msg("server error")
	default:
		c.logger.Debug().Str("type", ev.Type).Msg("ignored event")
	}
}

// handleFunctionCall always answers with exactly one output and one
// response request, whatever happens in the handler.
func (c *Client) handleFunctionCall(ev Event) {
	output := c.callTool(ev)

	out := itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: ev.CallID,
			Output: output,
		},
	}
	if err := c.writeJSON(out); err != nil {
		c.logger.Error().Err(err).Str("call_id", ev.CallID).Msg("send function output")
		return
	}
	if err := c.requestResponse(); err != nil {
		c.logger.Error().Err(err).Str("call_id", ev.CallID).Msg("request response")
	}
}

func (c *Client) callTool(ev Event) string {
	if ev.Name != ToolName {
		c.logger.Warn().Str("name", ev.Name).Msg("unknown function")
		return fmt.Sprintf("error: unknown function %q", ev.Name)
	}
	args, err := ev.DecodeArguments()
	if err != nil {
		return "error: " + err.Error()
	}

	c.logger.Info().Str("name", ev.Name).Str("call_id", ev.CallID).Msg("function call")
	result, err := c.handler.OnFunctionCall(c.ctx, ev.Name, args)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "error: call ended"
		}
		return "error: " + err.Error()
	}
	return result
}
