package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/voicerelay/internal/domain"
)

// EventKind is the logical type of an inbound server event.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindAudioDelta
	KindAudioDone
	KindTranscriptDelta
	KindTranscriptDone
	KindUserTranscriptDone
	KindSpeechStarted
	KindSpeechStopped
	KindSessionCreated
	KindSessionUpdated
	KindResponseCreated
	KindResponseDone
	KindFunctionCallArgumentsDone
	KindError
)

var kindNames = map[EventKind]string{
	KindUnknown:                   "unknown",
	KindAudioDelta:                "audio_delta",
	KindAudioDone:                 "audio_done",
	KindTranscriptDelta:           "transcript_delta",
	KindTranscriptDone:            "transcript_done",
	KindUserTranscriptDone:        "user_transcript_done",
	KindSpeechStarted:             "speech_started",
	KindSpeechStopped:             "speech_stopped",
	KindSessionCreated:            "session_created",
	KindSessionUpdated:            "session_updated",
	KindResponseCreated:           "response_created",
	KindResponseDone:              "response_done",
	KindFunctionCallArgumentsDone: "function_call_arguments_done",
	KindError:                     "error",
}

func (k EventKind) String() string { return kindNames[k] }

// eventAliases maps wire names to kinds. The API renamed several events;
// both the legacy and the current name are accepted for the same kind.
var eventAliases = map[string]EventKind{
	"response.audio.delta":                                  KindAudioDelta,
	"response.output_audio.delta":                           KindAudioDelta,
	"response.audio.done":                                   KindAudioDone,
	"response.output_audio.done":                            KindAudioDone,
	"response.audio_transcript.delta":                       KindTranscriptDelta,
	"response.output_audio_transcript.delta":                KindTranscriptDelta,
	"response.audio_transcript.done":                        KindTranscriptDone,
	"response.output_audio_transcript.done":                 KindTranscriptDone,
	"conversation.item.input_audio_transcription.completed": KindUserTranscriptDone,
	"conversation.item.input_audio_transcription.done":      KindUserTranscriptDone,
	"input_audio_buffer.speech_started":                     KindSpeechStarted,
	"input_audio_buffer.speech_stopped":                     KindSpeechStopped,
	"session.created":                                       KindSessionCreated,
	"session.updated":                                       KindSessionUpdated,
	"response.created":                                      KindResponseCreated,
	"response.done":                                         KindResponseDone,
	"response.function_call_arguments.done":                 KindFunctionCallArgumentsDone,
	"error":                                                 KindError,
}

// KindOf resolves a wire event name.
func KindOf(eventType string) EventKind {
	return eventAliases[eventType]
}

// APIError is the payload of an "error" event.
type APIError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
}

// Event is one decoded inbound message. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	Type string

	Delta      string // base64 audio or transcript text
	Transcript string

	Name      string
	CallID    string
	Arguments string

	Error *APIError
}

type wireEvent struct {
	Type       string    `json:"type"`
	Delta      string    `json:"delta"`
	Transcript string    `json:"transcript"`
	Name       string    `json:"name"`
	CallID     string    `json:"call_id"`
	Arguments  string    `json:"arguments"`
	Error      *APIError `json:"error"`
}

// ParseEvent decodes a server message. Unrecognized types are not an error.
func ParseEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	if w.Type == "" {
		return Event{}, fmt.Errorf("%w: event without type", domain.ErrProtocol)
	}
	return Event{
		Kind:       KindOf(w.Type),
		Type:       w.Type,
		Delta:      w.Delta,
		Transcript: w.Transcript,
		Name:       w.Name,
		CallID:     w.CallID,
		Arguments:  w.Arguments,
		Error:      w.Error,
	}, nil
}

// DecodeArguments parses the JSON arguments string of a function call.
func (e Event) DecodeArguments() (map[string]any, error) {
	args := map[string]any{}
	if e.Arguments == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(e.Arguments), &args); err != nil {
		return nil, fmt.Errorf("%w: bad function arguments: %v", domain.ErrProtocol, err)
	}
	return args, nil
}
