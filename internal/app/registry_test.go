package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
)

func bareSession(id domain.CallID) *CallSession {
	deps := Deps{
		NewCodec:    func() core.Transcoder { return &fakeCodec{} },
		NewRealtime: func(core.EventHandler) core.RealtimeSession { return newFakeRealtime() },
		NewTools:    func(core.ResultSink) core.ToolDispatcher { return &fakeTools{} },
	}
	return NewCallSession(context.Background(), CallParams{ID: id}, &fakeConn{}, fakeEnvelope{}, deps)
}

func TestRegistryUnbindOnlyCurrent(t *testing.T) {
	r := NewRegistry()
	first := bareSession("CA1")
	second := bareSession("CA1")

	if prev := r.Bind(first); prev != nil {
		t.Fatal("unexpected previous session")
	}
	if prev := r.Bind(second); prev != first {
		t.Fatal("Bind should return the replaced session")
	}
	if r.Unbind("CA1", first) {
		t.Fatal("stale session must not evict its successor")
	}
	if got, ok := r.Get("CA1"); !ok || got != second {
		t.Fatal("successor lost")
	}
	if !r.Unbind("CA1", second) || r.Len() != 0 {
		t.Fatal("current session not removed")
	}
}

func TestRegistrySnapshotOrder(t *testing.T) {
	r := NewRegistry()
	a := bareSession("A")
	time.Sleep(time.Millisecond)
	b := bareSession("B")
	r.Bind(b)
	r.Bind(a)

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0] != a || snap[1] != b {
		t.Fatalf("snapshot not ordered by start time")
	}
}

func TestPolicyFor(t *testing.T) {
	if PolicyFor("hangup").OnBackPressure(domain.CallInfo{}) != HangUp {
		t.Fatal("hangup policy")
	}
	for _, name := range []string{"drop", "", "other"} {
		if PolicyFor(name).OnBackPressure(domain.CallInfo{}) != DropFrame {
			t.Fatalf("%q should drop", name)
		}
	}
}
