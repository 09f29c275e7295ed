package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/vocalis-ai/vocalis/pkg/audio"
)

// Environment variables overlaid onto the config by [ApplyEnv].
const (
	EnvAWSRegion           = "AWS_REGION"
	EnvTranscribeLanguage  = "AWS_TRANSCRIBE_LANGUAGE"
	EnvTranscribeChunkSize = "AWS_TRANSCRIBE_AUDIO_STREAM_CHUNK_SIZE"
	EnvTTSAPIKey           = "VOCALIS_TTS_API_KEY"
)

// Defaults applied when neither file nor environment sets a value.
const (
	DefaultLanguageCode = "en-US"
	DefaultListenAddr   = ":9090"

	DefaultTranscribeIdleMillis = 15_000
	DefaultLLMIdleMillis        = 30_000
	DefaultTTSIdleMillis        = 15_000
	DefaultCheckPeriodMillis    = 1_000
)

// Load reads the YAML configuration file at path, overlays the environment,
// applies defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays the environment,
// applies defaults, and validates the result. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv snapshots the environment onto cfg. Environment values win over
// file values so deployments can override a checked-in config without
// editing it.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvAWSRegion); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv(EnvTranscribeLanguage); v != "" {
		cfg.Transcribe.LanguageCode = v
	}
	if v := os.Getenv(EnvTranscribeChunkSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			slog.Warn("unparsable chunk size ignored", "key", EnvTranscribeChunkSize, "value", v)
		} else {
			cfg.Transcribe.ChunkSize = n
		}
	}
	if v := os.Getenv(EnvTTSAPIKey); v != "" {
		cfg.TTS.APIKey = v
	}
}

// applyDefaults fills the values the file and environment left unset.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Transcribe.LanguageCode == "" {
		cfg.Transcribe.LanguageCode = DefaultLanguageCode
	}
	if cfg.Transcribe.ChunkSize == 0 {
		cfg.Transcribe.ChunkSize = audio.DefaultChunkSize
	}
	if cfg.Watchdog.TranscribeIdleMillis == 0 {
		cfg.Watchdog.TranscribeIdleMillis = DefaultTranscribeIdleMillis
	}
	if cfg.Watchdog.LLMIdleMillis == 0 {
		cfg.Watchdog.LLMIdleMillis = DefaultLLMIdleMillis
	}
	if cfg.Watchdog.TTSIdleMillis == 0 {
		cfg.Watchdog.TTSIdleMillis = DefaultTTSIdleMillis
	}
	if cfg.Watchdog.CheckPeriodMillis == 0 {
		cfg.Watchdog.CheckPeriodMillis = DefaultCheckPeriodMillis
	}
}
