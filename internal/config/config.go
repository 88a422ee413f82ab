package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/voicerelay/internal/adapters/agent"
	"github.com/dkeye/voicerelay/internal/adapters/realtime"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "VOICERELAY"

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	Secret       string        `mapstructure:"secret"`
	LogLevel     string        `mapstructure:"log_level"`
	LogFormat    string        `mapstructure:"log_format"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	Policy       string        `mapstructure:"backpressure"`

	Realtime realtime.SessionConfig `mapstructure:"realtime"`
	Agent    agent.Config           `mapstructure:"agent"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "voicerelay-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("send_buffer", 256)
	v.SetDefault("backpressure", "drop")

	v.SetDefault("realtime.url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("realtime.api_key", "")
	v.SetDefault("realtime.model", "gpt-4o-realtime-preview")
	v.SetDefault("realtime.voice", "alloy")
	v.SetDefault("realtime.instructions", defaultInstructions)
	v.SetDefault("realtime.input_audio_format", "pcm16")
	v.SetDefault("realtime.output_audio_format", "pcm16")
	v.SetDefault("realtime.transcription_model", "whisper-1")
	v.SetDefault("realtime.vad.type", "server_vad")
	v.SetDefault("realtime.vad.threshold", 0.5)
	v.SetDefault("realtime.vad.silence_duration_ms", 500)
	v.SetDefault("realtime.vad.prefix_padding_ms", 300)
	v.SetDefault("realtime.handshake_timeout", "10s")

	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{"-p"})
	v.SetDefault("agent.model_flag", "--model")
	v.SetDefault("agent.fast_model", "haiku")
	v.SetDefault("agent.timeout", "300s")
	v.SetDefault("agent.max_output", 4000)
	v.SetDefault("agent.temp_dir", os.TempDir())
	v.SetDefault("agent.work_dir", "")
}

const defaultInstructions = "You are a voice assistant on a phone call. Keep answers short and conversational. " +
	"For anything that needs research, files, or more than a few seconds of work, call the subagent tool " +
	"and tell the caller you are working on it. When a delegated task result arrives, summarize it for the caller."

// Load reads config/config.<CONFIG_ENV>.yaml (default dev) on top of the
// defaults, then environment overrides. A missing file is not an error; a
// missing realtime API key is.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("realtime.api_key", envPrefix+"_REALTIME_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, fmt.Errorf("%w: bind env: %v", domain.ErrConfig, err)
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", domain.ErrConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("model", cfg.Realtime.Model).
		Str("agent", cfg.Agent.Command).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Realtime.APIKey) == "" {
		return fmt.Errorf("%w: realtime.api_key is required (set OPENAI_API_KEY)", domain.ErrConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", domain.ErrConfig, c.Port)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("%w: send_buffer must be positive", domain.ErrConfig)
	}
	switch c.Policy {
	case "drop", "hangup":
	default:
		return fmt.Errorf("%w: backpressure must be drop or hangup, got %q", domain.ErrConfig, c.Policy)
	}
	return nil
}

// Session returns the realtime session settings. Each call gets its own copy.
func (c *Config) Session() realtime.SessionConfig {
	s := c.Realtime
	s.WriteTimeout = c.WriteTimeout
	return s
}

func (c *Config) AgentConfig() agent.Config {
	a := c.Agent
	a.Args = append([]string(nil), c.Agent.Args...)
	return a
}
