package orch

import (
	"context"

	"github.com/dkeye/voicerelay/internal/app"
	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/rs/zerolog/log"
)

// Orchestrator creates calls, tracks them in the registry and ends them.
// Calls share nothing but the registry.
type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy

	NewCodec    func() core.Transcoder
	NewRealtime func(h core.EventHandler) core.RealtimeSession
	NewTools    func(sink core.ResultSink) core.ToolDispatcher
}

func (o *Orchestrator) deps() app.Deps {
	return app.Deps{
		NewCodec:    o.NewCodec,
		NewRealtime: o.NewRealtime,
		NewTools:    o.NewTools,
		Policy:      o.Policy,
		OnEnd:       o.onCallEnded,
	}
}

// StartCall builds a call, registers it and connects its cloud session. A
// live call with the same id is ended first.
func (o *Orchestrator) StartCall(
	ctx context.Context,
	p app.CallParams,
	out core.SignalConnection,
	env core.Envelope,
) (*app.CallSession, error) {
	call := app.NewCallSession(ctx, p, out, env, o.deps())
	if prev := o.Registry.Bind(call); prev != nil {
		log.Info().Str("module", "orch").Str("call", string(call.ID())).Msg("replacing live call")
		prev.End(nil)
	}

	if err := call.Start(); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("call", string(call.ID())).Msg("start call")
		return nil, err
	}
	log.Info().Str("module", "orch").
		Str("call", string(call.ID())).
		Str("stream", string(call.StreamID())).
		Int("live", o.Registry.Len()).
		Msg("call started")
	return call, nil
}

// EndCall is safe for unknown or already ended ids.
func (o *Orchestrator) EndCall(id domain.CallID) {
	if call, ok := o.Registry.Get(id); ok {
		call.End(nil)
	}
}

func (o *Orchestrator) Call(id domain.CallID) (*app.CallSession, bool) {
	return o.Registry.Get(id)
}

func (o *Orchestrator) Calls() []domain.CallInfo {
	snap := o.Registry.Snapshot()
	out := make([]domain.CallInfo, 0, len(snap))
	for _, call := range snap {
		out = append(out, call.Info())
	}
	return out
}

// Shutdown ends every live call.
func (o *Orchestrator) Shutdown() {
	snap := o.Registry.Snapshot()
	for _, call := range snap {
		call.End(nil)
	}
	log.Info().Str("module", "orch").Int("calls", len(snap)).Msg("all calls ended")
}

func (o *Orchestrator) onCallEnded(call *app.CallSession) {
	o.Registry.Unbind(call.ID(), call)
}
