// Package config provides the configuration schema and loader for the
// Vocalis phone assistant. File values come from YAML; credentials and the
// AWS surface come from the environment and are snapshotted onto the config
// at load time.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// LogLevel controls log verbosity for the Vocalis server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ValidTTSProviders lists known TTS provider names. Used by [Validate] to
// warn about unrecognised names.
var ValidTTSProviders = []string{"elevenlabs"}

// Config is the root configuration structure for Vocalis. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader], after which
// [ApplyEnv] overlays the environment.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	AWS        AWSConfig        `yaml:"aws"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	TTS        TTSConfig        `yaml:"tts"`
	Prompt     PromptConfig     `yaml:"prompt"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the metrics endpoint listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AWSConfig selects the AWS region shared by the Transcribe and Bedrock
// clients. The AWS_REGION environment variable overrides the file value;
// credentials always come from the SDK's own chain.
type AWSConfig struct {
	Region string `yaml:"region"`
}

// TranscribeConfig holds the speech-to-text stream settings.
type TranscribeConfig struct {
	// LanguageCode is the BCP-47 recognition language (e.g., "en-US").
	LanguageCode string `yaml:"language_code"`

	// ChunkSize is the audio read block size in bytes.
	ChunkSize int `yaml:"chunk_size"`
}

// TTSConfig holds the synthesis provider settings.
type TTSConfig struct {
	// Provider is the TTS provider name (e.g., "elevenlabs").
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider. The VOCALIS_TTS_API_KEY
	// environment variable overrides the file value.
	APIKey string `yaml:"api_key"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Model selects a specific synthesis model within the provider.
	Model string `yaml:"model"`

	// OutputFormat is the provider audio format (e.g., "pcm_16000").
	OutputFormat string `yaml:"output_format"`
}

// PromptConfig locates and shapes the prompt template.
type PromptConfig struct {
	// TemplatePath is the path of the prompt template file.
	TemplatePath string `yaml:"template_path"`

	// Sections lists the template sections sent to the model, in order.
	Sections []string `yaml:"sections"`

	// IncludeTitles prefixes each section with its title.
	IncludeTitles bool `yaml:"include_titles"`
}

// WatchdogConfig holds the per-service idle deadlines and the shared
// polling period, all in milliseconds.
type WatchdogConfig struct {
	TranscribeIdleMillis int `yaml:"transcribe_idle_millis"`
	LLMIdleMillis        int `yaml:"llm_idle_millis"`
	TTSIdleMillis        int `yaml:"tts_idle_millis"`
	CheckPeriodMillis    int `yaml:"check_period_millis"`
}

// TranscribeIdle returns the speech-to-text watchdog deadline.
func (w WatchdogConfig) TranscribeIdle() time.Duration {
	return time.Duration(w.TranscribeIdleMillis) * time.Millisecond
}

// LLMIdle returns the model-turn watchdog deadline.
func (w WatchdogConfig) LLMIdle() time.Duration {
	return time.Duration(w.LLMIdleMillis) * time.Millisecond
}

// TTSIdle returns the synthesis watchdog deadline.
func (w WatchdogConfig) TTSIdle() time.Duration {
	return time.Duration(w.TTSIdleMillis) * time.Millisecond
}

// CheckPeriod returns the watchdog polling period.
func (w WatchdogConfig) CheckPeriod() time.Duration {
	return time.Duration(w.CheckPeriodMillis) * time.Millisecond
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Transcribe.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("transcribe.chunk_size %d must not be negative", cfg.Transcribe.ChunkSize))
	}

	if cfg.TTS.Provider != "" && !slices.Contains(ValidTTSProviders, cfg.TTS.Provider) {
		slog.Warn("unknown TTS provider name — may be a typo or third-party provider",
			"name", cfg.TTS.Provider,
			"known", ValidTTSProviders,
		)
	}
	if cfg.TTS.Provider != "" && cfg.TTS.VoiceID == "" {
		errs = append(errs, errors.New("tts.voice_id is required when a TTS provider is configured"))
	}

	if cfg.Prompt.TemplatePath == "" {
		slog.Warn("prompt.template_path is empty; the assistant will run without a prompt template")
	}

	watchdogs := []struct {
		name  string
		value int
	}{
		{"watchdog.transcribe_idle_millis", cfg.Watchdog.TranscribeIdleMillis},
		{"watchdog.llm_idle_millis", cfg.Watchdog.LLMIdleMillis},
		{"watchdog.tts_idle_millis", cfg.Watchdog.TTSIdleMillis},
	}
	for _, d := range watchdogs {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", d.name, d.value))
		}
	}
	if cfg.Watchdog.CheckPeriodMillis < 0 {
		errs = append(errs, fmt.Errorf("watchdog.check_period_millis %d must not be negative", cfg.Watchdog.CheckPeriodMillis))
	}
	if p := cfg.Watchdog.CheckPeriodMillis; p > 0 {
		for _, d := range watchdogs {
			if d.value > 0 && d.value < p {
				slog.Warn("watchdog deadline shorter than the check period; breaches will be detected late",
					"deadline", d.name,
					"deadline_ms", d.value,
					"check_period_ms", p,
				)
			}
		}
	}

	return errors.Join(errs...)
}
