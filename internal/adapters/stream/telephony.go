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

// telephonyMessage is one inbound media-stream frame. Only the fields the
// relay reads are decoded.
type telephonyMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Start     *struct {
		CallSid   string `json:"callSid"`
		StreamSid string `json:"streamSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

type telephonyMedia struct {
	Payload string `json:"payload"`
}

type telephonyOutbound struct {
	Event     string         `json:"event"`
	StreamSid string         `json:"streamSid"`
	Media     telephonyMedia `json:"media"`
}

// TelephonyEnvelope frames outbound mu-law audio as media events.
type TelephonyEnvelope struct{}

func (TelephonyEnvelope) Transport() domain.Transport { return domain.TransportTelephony }
func (TelephonyEnvelope) Telephony() bool             { return true }

func (TelephonyEnvelope) AudioFrame(stream domain.StreamID, payload string) (core.Frame, error) {
	return json.Marshal(telephonyOutbound{
		Event:     "media",
		StreamSid: string(stream),
		Media:     telephonyMedia{Payload: payload},
	})
}

type TelephonyController struct {
	calls Calls
	opts  Options
}

func NewTelephonyController(calls Calls, opts Options) *TelephonyController {
	return &TelephonyController{calls: calls, opts: opts.withDefaults()}
}

// telephonyStream is the state of one media-stream connection. It is touched
// only by that connection's read loop.
type telephonyStream struct {
	ctl    *TelephonyController
	ctx    context.Context
	conn   *WsConn
	call   *app.CallSession
	logger zerolog.Logger
}

func (ctl *TelephonyController) HandleMediaStream(ctx context.Context, c *gin.Context) {
	logger := log.With().Str("module", "stream.telephony").Str("remote", c.ClientIP()).Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)
	logger.Info().Msg("media stream connected")

	ctx, cancel := context.WithCancel(ctx)
	conn := newWsConn(ws, ctl.opts)
	s := &telephonyStream{ctl: ctl, ctx: ctx, conn: conn, logger: logger}

	go conn.writePump(ctx, logger)
	go func() {
		defer cancel()
		defer s.close()
		conn.readLoop(logger, s.handle)
	}()
}

func (s *telephonyStream) close() {
	if s.call != nil {
		s.call.End(nil)
	}
	s.conn.Close()
	s.logger.Info().Msg("media stream closed")
}

// handle processes one frame and reports whether the connection stays open.
func (s *telephonyStream) handle(data []byte) bool {
	var msg telephonyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("bad json")
		return true
	}

	switch msg.Event {
	case "connected":
		s.logger.Debug().Msg("connected event")
		return true
	case "start":
		return s.start(msg)
	case "media":
		return s.media(msg)
	case "stop":
		s.logger.Info().Msg("stop event")
		return false
	case "mark", "dtmf":
		s.logger.Debug().Str("event", msg.Event).Msg("ignored event")
		return true
	default:
		s.logger.Warn().Str("event", msg.Event).Msg("unknown event")
		return true
	}
}

func (s *telephonyStream) start(msg telephonyMessage) bool {
	if s.call != nil {
		s.logger.Warn().Msg("duplicate start ignored")
		return true
	}

	p := app.CallParams{StreamID: domain.StreamID(msg.StreamSid)}
	if msg.Start != nil {
		p.ID = domain.CallID(msg.Start.CallSid)
		if msg.Start.StreamSid != "" {
			p.StreamID = domain.StreamID(msg.Start.StreamSid)
		}
	}

	call, err := s.ctl.calls.StartCall(s.ctx, p, s.conn, TelephonyEnvelope{})
	if err != nil {
		s.logger.Error().Err(err).Msg("start call")
		s.conn.closeWith(websocket.CloseInternalServerErr, "call setup failed")
		return false
	}
	s.call = call
	s.logger = s.logger.With().Str("call", string(call.ID())).Str("stream", string(call.StreamID())).Logger()
	return true
}

func (s *telephonyStream) media(msg telephonyMessage) bool {
	if s.call == nil || msg.Media == nil {
		s.logger.Debug().Msg("media before start ignored")
		return true
	}

	ulaw, err := codec.DecodeBase64(msg.Media.Payload)
	if err == nil {
		err = s.call.HandleAudio(ulaw)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("inbound media")
		s.call.End(err)
		return false
	}
	return true
}
