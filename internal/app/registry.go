package app

import (
	"sort"
	"sync"

	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry maps call ids to their live sessions.
type Registry struct {
	mu    sync.RWMutex
	calls map[domain.CallID]*CallSession
}

func NewRegistry() *Registry {
	return &Registry{
		calls: make(map[domain.CallID]*CallSession),
	}
}

// Bind registers s under its id and returns the session it replaced, if any.
func (r *Registry) Bind(s *CallSession) *CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.calls[s.ID()]
	r.calls[s.ID()] = s
	log.Info().Str("module", "app.registry").Str("call", string(s.ID())).Msg("bound call")
	return prev
}

func (r *Registry) Get(id domain.CallID) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.calls[id]
	return s, ok
}

// Unbind removes id only while it still points at s, so a replaced call
// cannot evict its successor.
func (r *Registry) Unbind(id domain.CallID, s *CallSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.calls[id]; !ok || cur != s {
		return false
	}
	delete(r.calls, id)
	log.Info().Str("module", "app.registry").Str("call", string(id)).Msg("unbind call")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Snapshot returns the live sessions ordered by start time.
func (r *Registry) Snapshot() []*CallSession {
	r.mu.RLock()
	out := make([]*CallSession, 0, len(r.calls))
	for _, s := range r.calls {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt().Before(out[j].StartedAt()) })
	return out
}
