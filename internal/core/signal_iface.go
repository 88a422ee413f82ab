package core

import "github.com/dkeye/voicerelay/internal/domain"

// Frame is a raw text payload written to a transport connection.
type Frame []byte

// SignalConnection abstracts for a call's outbound transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Envelope frames outbound audio in the shape of one transport.
type Envelope interface {
	Transport() domain.Transport
	// Telephony reports whether payloads are 8 kHz mu-law and need transcoding.
	Telephony() bool
	AudioFrame(stream domain.StreamID, payload string) (Frame, error)
}
