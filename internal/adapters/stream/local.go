package stream

import (
	"context"
	"encoding/json"

	"github.com/dkeye/voicerelay/internal/app"
	"github.com/dkeye/voicerelay/internal/codec"
	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type localMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
}

// LocalEnvelope carries PCM16 24 kHz as is.
type LocalEnvelope struct{}

func (LocalEnvelope) Transport() domain.Transport { return domain.TransportLocal }
func (LocalEnvelope) Telephony() bool             { return false }

func (LocalEnvelope) AudioFrame(_ domain.StreamID, payload string) (core.Frame, error) {
	return json.Marshal(localMessage{Type: "audio", Audio: payload})
}

// LocalController serves the local/test transport. The call starts as soon as
// the socket is open; its id is the client token.
type LocalController struct {
	calls Calls
	opts  Options
}

func NewLocalController(calls Calls, opts Options) *LocalController {
	return &LocalController{calls: calls, opts: opts.withDefaults()}
}

func (ctl *LocalController) HandleLocal(ctx context.Context, c *gin.Context) {
	id := domain.CallID(c.GetString("client_token"))
	if id == "" {
		id = domain.NewCallID()
	}
	logger := log.With().Str("module", "stream.local").Str("call", string(id)).Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	ctx, cancel := context.WithCancel(ctx)
	conn := newWsConn(ws, ctl.opts)
	go conn.writePump(ctx, logger)

	go func() {
		defer cancel()
		call, err := ctl.calls.StartCall(ctx, app.CallParams{ID: id}, conn, LocalEnvelope{})
		if err != nil {
			logger.Error().Err(err).Msg("start call")
			conn.closeWith(websocket.CloseInternalServerErr, "call setup failed")
			return
		}
		defer func() {
			call.End(nil)
			conn.Close()
			logger.Info().Msg("local stream closed")
		}()
		conn.readLoop(logger, func(data []byte) bool {
			return handleLocal(call, conn, logger, data)
		})
	}()
}

func handleLocal(call *app.CallSession, conn *WsConn, logger zerolog.Logger, data []byte) bool {
	var msg localMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn().Err(err).Msg("bad json")
		return true
	}

	switch msg.Type {
	case "audio":
		pcm, err := codec.DecodeBase64(msg.Audio)
		if err == nil {
			err = call.HandleAudio(pcm)
		}
		if err != nil {
			logger.Error().Err(err).Msg("inbound audio")
			call.End(err)
			return false
		}
	case "commit":
		if err := call.Commit(); err != nil {
			logger.Error().Err(err).Msg("commit")
			return false
		}
	case "ping":
		pong, _ := json.Marshal(localMessage{Type: "pong"})
		_ = conn.TrySend(pong)
	default:
		logger.Warn().Str("type", msg.Type).Msg("unknown message")
	}
	return true
}
