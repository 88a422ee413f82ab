package core

import (
	"context"

	"github.com/dkeye/voicerelay/internal/domain"
)

// EventHandler receives the events of one realtime session, in arrival order.
type EventHandler interface {
	OnAudio(pcm []byte)
	OnAudioEnd()
	OnTranscript(text string)
	// OnFunctionCall must return promptly; its result becomes the tool output.
	OnFunctionCall(ctx context.Context, name string, args map[string]any) (string, error)
}

// CloseNotifier is optionally implemented by an EventHandler that wants to know
// when the session's receive loop stops on its own.
type CloseNotifier interface {
	OnSessionClosed(err error)
}

// RealtimeSession is the call-facing API of a cloud speech session.
type RealtimeSession interface {
	Connect(ctx context.Context) error
	SendAudio(pcm []byte) error
	CommitAudio() error
	InjectResult(text string) error
	Responding() bool
	Disconnect() error
}

// ResultSink receives finished delegated tasks.
type ResultSink interface {
	DeliverResult(res domain.ToolResult)
}

// ToolDispatcher starts delegated tasks without waiting for them.
type ToolDispatcher interface {
	Dispatch(task string, mode domain.Mode) (domain.TaskID, error)
	Pending() []domain.PendingTask
}
