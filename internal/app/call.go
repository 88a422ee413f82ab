package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicerelay/internal/codec"
	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const resultsBuffer = 16

type CallParams struct {
	ID       domain.CallID
	StreamID domain.StreamID
}

// Deps builds the per-call collaborators. Every call gets fresh instances.
type Deps struct {
	NewCodec    func() core.Transcoder
	NewRealtime func(h core.EventHandler) core.RealtimeSession
	NewTools    func(sink core.ResultSink) core.ToolDispatcher
	Policy      Policy
	// OnEnd runs once after the call is torn down.
	OnEnd func(*CallSession)
}

// CallSession is one live call: a transport connection bridged to one cloud
// session, with its own codec state and its own delegated tasks.
type CallSession struct {
	id        domain.CallID
	stream    domain.StreamID
	envelope  core.Envelope
	out       core.SignalConnection
	startedAt time.Time

	codec  core.Transcoder
	rt     core.RealtimeSession
	tools  core.ToolDispatcher
	policy Policy
	onEnd  func(*CallSession)
	logger zerolog.Logger

	state   atomic.Int32
	dropped atomic.Int64

	results chan domain.ToolResult
	ctx     context.Context
	cancel  context.CancelFunc
	endOnce sync.Once
}

func NewCallSession(ctx context.Context, p CallParams, out core.SignalConnection, env core.Envelope, deps Deps) *CallSession {
	if p.ID == "" {
		p.ID = domain.NewCallID()
	}
	s := &CallSession{
		id:        p.ID,
		stream:    p.StreamID,
		envelope:  env,
		out:       out,
		startedAt: time.Now(),
		policy:    deps.Policy,
		onEnd:     deps.OnEnd,
		results:   make(chan domain.ToolResult, resultsBuffer),
		logger: log.With().
			Str("module", "app.call").
			Str("call", string(p.ID)).
			Str("transport", string(env.Transport())).
			Logger(),
	}
	if s.policy == nil {
		s.policy = DropPolicy{}
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if env.Telephony() {
		s.codec = deps.NewCodec()
	}
	s.rt = deps.NewRealtime(s)
	s.tools = deps.NewTools(s)
	return s
}

func (s *CallSession) ID() domain.CallID         { return s.id }
func (s *CallSession) StreamID() domain.StreamID { return s.stream }
func (s *CallSession) StartedAt() time.Time      { return s.startedAt }
func (s *CallSession) State() domain.CallState   { return domain.CallState(s.state.Load()) }
func (s *CallSession) DroppedFrames() int64      { return s.dropped.Load() }

// Start connects the cloud session. On failure the call is already ended.
func (s *CallSession) Start() error {
	if err := s.rt.Connect(s.ctx); err != nil {
		// The transport stays with the caller so it can report the failure.
		s.end(err, false)
		return err
	}
	if !s.state.CompareAndSwap(int32(domain.CallConnecting), int32(domain.CallActive)) {
		return domain.ErrSessionClosed
	}
	go s.resultLoop()
	s.logger.Info().Str("stream", string(s.stream)).Msg("call active")
	return nil
}

// HandleAudio forwards one inbound audio payload. Telephony payloads are
// mu-law and get decoded first. Forwarding is never gated on Responding.
func (s *CallSession) HandleAudio(data []byte) error {
	if s.State() == domain.CallEnded {
		return domain.ErrSessionClosed
	}
	pcm := data
	if s.codec != nil {
		var err error
		if pcm, err = s.codec.DecodeFromTelephony(data); err != nil {
			return err
		}
	} else if len(pcm)%2 != 0 {
		return fmt.Errorf("%w: odd PCM16 length %d", domain.ErrTranscode, len(pcm))
	}
	return s.rt.SendAudio(pcm)
}

func (s *CallSession) Commit() error {
	if s.State() == domain.CallEnded {
		return domain.ErrSessionClosed
	}
	return s.rt.CommitAudio()
}

// End tears the call down once. Background tasks keep running; their results
// are dropped.
func (s *CallSession) End(reason error) {
	s.end(reason, true)
}

func (s *CallSession) end(reason error, closeOut bool) {
	s.endOnce.Do(func() {
		s.state.Store(int32(domain.CallEnded))
		s.cancel()
		_ = s.rt.Disconnect()
		if closeOut && s.out != nil {
			s.out.Close()
		}

		l := s.logger.Info()
		if reason != nil {
			l = s.logger.Warn().Err(reason)
		}
		l.Dur("duration", time.Since(s.startedAt)).Int64("dropped_frames", s.dropped.Load()).Msg("call ended")

		if s.onEnd != nil {
			s.onEnd(s)
		}
	})
}

func (s *CallSession) Info() domain.CallInfo {
	info := domain.CallInfo{
		ID:         s.id,
		StreamID:   s.stream,
		Transport:  s.envelope.Transport(),
		State:      s.State().String(),
		Responding: s.rt.Responding(),
		StartedAt:  s.startedAt,
	}
	if s.tools != nil {
		info.PendingTasks = len(s.tools.Pending())
	}
	return info
}

func (s *CallSession) OnAudio(pcm []byte) {
	if s.State() == domain.CallEnded {
		return
	}
	payload := pcm
	if s.codec != nil {
		var err error
		if payload, err = s.codec.EncodeToTelephony(pcm); err != nil {
			s.logger.Error().Err(err).Int("bytes", len(pcm)).Msg("encode outbound audio")
			s.End(err)
			return
		}
	}
	if len(payload) == 0 {
		return
	}

	frame, err := s.envelope.AudioFrame(s.stream, codec.EncodeBase64(payload))
	if err != nil {
		s.logger.Error().Err(err).Msg("frame outbound audio")
		return
	}
	if err := s.out.TrySend(frame); err != nil {
		s.onSendError(err)
	}
}

func (s *CallSession) onSendError(err error) {
	if !errors.Is(err, domain.ErrBackpressure) {
		s.logger.Debug().Err(err).Msg("outbound frame not sent")
		return
	}
	s.dropped.Add(1)
	switch s.policy.OnBackPressure(s.Info()) {
	case HangUp:
		s.End(err)
	case DropFrame:
		s.logger.Debug().Int64("dropped", s.dropped.Load()).Msg("dropped outbound frame")
	}
}

func (s *CallSession) OnAudioEnd() {
	s.logger.Debug().Msg("response audio done")
}

func (s *CallSession) OnTranscript(text string) {
	s.logger.Trace().Str("delta", text).Msg("transcript")
}

// OnFunctionCall hands the task to the tool dispatcher and returns at once.
func (s *CallSession) OnFunctionCall(_ context.Context, name string, args map[string]any) (string, error) {
	task, _ := args["task"].(string)
	rawMode, _ := args["mode"].(string)
	mode, ok := domain.ParseMode(rawMode)
	if !ok {
		s.logger.Warn().Str("mode", rawMode).Msg("unknown mode, using smart")
	}

	id, err := s.tools.Dispatch(task, mode)
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("tool", name).Str("task_id", string(id)).Str("mode", string(mode)).Msg("task delegated")
	return fmt.Sprintf("Started background task %s (%s mode). The result will arrive later as a "+
		"delegated task result message. Tell the caller you are working on it.", id, mode), nil
}

func (s *CallSession) OnSessionClosed(err error) {
	s.End(err)
}

// DeliverResult queues a finished task for injection. It never blocks past
// the end of the call.
func (s *CallSession) DeliverResult(res domain.ToolResult) {
	select {
	case <-s.ctx.Done():
		s.logger.Info().Str("task_id", string(res.TaskID)).Msg("call gone, result discarded")
	case s.results <- res:
	}
}

// resultLoop is the only caller of InjectResult. It also ends the call when
// the parent context goes away.
func (s *CallSession) resultLoop() {
	for {
		select {
		case <-s.ctx.Done():
			s.End(s.ctx.Err())
			return
		case res := <-s.results:
			if err := s.rt.InjectResult(formatResult(res)); err != nil {
				s.logger.Error().Err(err).Str("task_id", string(res.TaskID)).Msg("inject result")
				continue
			}
			s.logger.Info().Str("task_id", string(res.TaskID)).Bool("success", res.Success).Msg("result injected")
		}
	}
}

func formatResult(res domain.ToolResult) string {
	if res.Success {
		return fmt.Sprintf("Task %s completed:\n%s", res.TaskID, strings.TrimSpace(res.Output))
	}
	return fmt.Sprintf("Task %s failed: %s", res.TaskID, res.Error)
}
