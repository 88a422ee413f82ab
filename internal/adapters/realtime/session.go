package realtime

import "time"

// ToolName is the single function the session exposes to the model.
const ToolName = "subagent"

// VAD configures server-side turn detection.
type VAD struct {
	Type              string  `mapstructure:"type"`
	Threshold         float64 `mapstructure:"threshold"`
	SilenceDurationMS int     `mapstructure:"silence_duration_ms"`
	PrefixPaddingMS   int     `mapstructure:"prefix_padding_ms"`
}

// SessionConfig is fixed for the lifetime of one client.
type SessionConfig struct {
	URL                string        `mapstructure:"url"`
	APIKey             string        `mapstructure:"api_key"`
	Model              string        `mapstructure:"model"`
	Voice              string        `mapstructure:"voice"`
	Instructions       string        `mapstructure:"instructions"`
	InputAudioFormat   string        `mapstructure:"input_audio_format"`
	OutputAudioFormat  string        `mapstructure:"output_audio_format"`
	TranscriptionModel string        `mapstructure:"transcription_model"`
	VAD                VAD           `mapstructure:"vad"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
}

type transcriptionSettings struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
}

type toolParameters struct {
	Type       string                    `json:"type"`
	Properties map[string]map[string]any `json:"properties"`
	Required   []string                  `json:"required"`
}

type tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  toolParameters `json:"parameters"`
}

type sessionBody struct {
	Modalities              []string              `json:"modalities"`
	Instructions            string                `json:"instructions"`
	Voice                   string                `json:"voice"`
	InputAudioFormat        string                `json:"input_audio_format"`
	OutputAudioFormat       string                `json:"output_audio_format"`
	InputAudioTranscription transcriptionSettings `json:"input_audio_transcription"`
	TurnDetection           turnDetection         `json:"turn_detection"`
	Tools                   []tool                `json:"tools"`
	ToolChoice              string                `json:"tool_choice"`
}

type sessionUpdate struct {
	Type    string      `json:"type"`
	Session sessionBody `json:"session"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type bareEvent struct {
	Type string `json:"type"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

func subagentTool() tool {
	return tool{
		Type: "function",
		Name: ToolName,
		Description: "Delegate a task to a background agent that can use tools, read files and browse. " +
			"Returns immediately; the result is delivered later as a message.",
		Parameters: toolParameters{
			Type: "object",
			Properties: map[string]map[string]any{
				"task": {
					"type":        "string",
					"description": "What the agent should do, in plain language.",
				},
				"mode": {
					"type":        "string",
					"enum":        []string{"smart", "fast"},
					"description": "fast uses a lighter model for simple lookups.",
				},
			},
			Required: []string{"task"},
		},
	}
}

func (cfg SessionConfig) update() sessionUpdate {
	return sessionUpdate{
		Type: "session.update",
		Session: sessionBody{
			Modalities:              []string{"text", "audio"},
			Instructions:            cfg.Instructions,
			Voice:                   cfg.Voice,
			InputAudioFormat:        cfg.InputAudioFormat,
			OutputAudioFormat:       cfg.OutputAudioFormat,
			InputAudioTranscription: transcriptionSettings{Model: cfg.TranscriptionModel},
			TurnDetection: turnDetection{
				Type:              cfg.VAD.Type,
				Threshold:         cfg.VAD.Threshold,
				SilenceDurationMS: cfg.VAD.SilenceDurationMS,
				PrefixPaddingMS:   cfg.VAD.PrefixPaddingMS,
			},
			Tools:      []tool{subagentTool()},
			ToolChoice: "auto",
		},
	}
}
