package config_test

import (
	"strings"
	"testing"

	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/pkg/audio"
)

const fullConfig = `
server:
  listen_addr: ":8088"
  log_level: debug
aws:
  region: eu-central-1
transcribe:
  language_code: de-DE
  chunk_size: 2048
tts:
  provider: elevenlabs
  api_key: file-key
  voice_id: voice-1
  model: eleven_turbo_v2
  output_format: pcm_24000
prompt:
  template_path: /etc/vocalis/assistant.prompt
  sections:
    - Role
    - Rules
  include_titles: true
watchdog:
  transcribe_idle_millis: 10000
  llm_idle_millis: 20000
  tts_idle_millis: 10000
  check_period_millis: 500
`

// clearEnv blanks the overlay variables so ambient values cannot leak into
// assertions about file-sourced fields.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvAWSRegion,
		config.EnvTranscribeLanguage,
		config.EnvTranscribeChunkSize,
		config.EnvTTSAPIKey,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	clearEnv(t)

	cfg, err := config.LoadFromReader(strings.NewReader(fullConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.ListenAddr != ":8088" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server: %+v", cfg.Server)
	}
	if cfg.AWS.Region != "eu-central-1" {
		t.Errorf("aws region: %q", cfg.AWS.Region)
	}
	if cfg.Transcribe.LanguageCode != "de-DE" || cfg.Transcribe.ChunkSize != 2048 {
		t.Errorf("transcribe: %+v", cfg.Transcribe)
	}
	if cfg.TTS.VoiceID != "voice-1" || cfg.TTS.Model != "eleven_turbo_v2" {
		t.Errorf("tts: %+v", cfg.TTS)
	}
	if len(cfg.Prompt.Sections) != 2 || !cfg.Prompt.IncludeTitles {
		t.Errorf("prompt: %+v", cfg.Prompt)
	}
	if got := cfg.Watchdog.CheckPeriod().Milliseconds(); got != 500 {
		t.Errorf("check period: %d ms", got)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.LoadFromReader(strings.NewReader(`aws: {region: us-east-1}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen addr: %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log level: %q", cfg.Server.LogLevel)
	}
	if cfg.Transcribe.LanguageCode != config.DefaultLanguageCode {
		t.Errorf("language: %q", cfg.Transcribe.LanguageCode)
	}
	if cfg.Transcribe.ChunkSize != audio.DefaultChunkSize {
		t.Errorf("chunk size: %d", cfg.Transcribe.ChunkSize)
	}
	if cfg.Watchdog.TranscribeIdleMillis != config.DefaultTranscribeIdleMillis ||
		cfg.Watchdog.LLMIdleMillis != config.DefaultLLMIdleMillis ||
		cfg.Watchdog.TTSIdleMillis != config.DefaultTTSIdleMillis ||
		cfg.Watchdog.CheckPeriodMillis != config.DefaultCheckPeriodMillis {
		t.Errorf("watchdog defaults: %+v", cfg.Watchdog)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  listen_adress: ":8088"
`))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
	if !strings.Contains(err.Error(), "listen_adress") {
		t.Errorf("error does not name the unknown field: %v", err)
	}
}

func TestLoadFromReader_JoinsValidationErrors(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: loud
transcribe:
  chunk_size: -1
tts:
  provider: elevenlabs
watchdog:
  llm_idle_millis: -5
`))
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{
		"server.log_level",
		"transcribe.chunk_size",
		"tts.voice_id",
		"watchdog.llm_idle_millis",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error misses %q: %v", want, err)
		}
	}
}

func TestApplyEnv_OverridesFileValues(t *testing.T) {
	t.Setenv(config.EnvAWSRegion, "ap-southeast-2")
	t.Setenv(config.EnvTranscribeLanguage, "fr-FR")
	t.Setenv(config.EnvTranscribeChunkSize, "8192")
	t.Setenv(config.EnvTTSAPIKey, "env-key")

	cfg, err := config.LoadFromReader(strings.NewReader(fullConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.AWS.Region != "ap-southeast-2" {
		t.Errorf("region not overridden: %q", cfg.AWS.Region)
	}
	if cfg.Transcribe.LanguageCode != "fr-FR" {
		t.Errorf("language not overridden: %q", cfg.Transcribe.LanguageCode)
	}
	if cfg.Transcribe.ChunkSize != 8192 {
		t.Errorf("chunk size not overridden: %d", cfg.Transcribe.ChunkSize)
	}
	if cfg.TTS.APIKey != "env-key" {
		t.Errorf("api key not overridden: %q", cfg.TTS.APIKey)
	}
}

func TestApplyEnv_IgnoresUnparsableChunkSize(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.EnvTranscribeChunkSize, "lots")

	cfg, err := config.LoadFromReader(strings.NewReader(fullConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transcribe.ChunkSize != 2048 {
		t.Errorf("file value lost: %d", cfg.Transcribe.ChunkSize)
	}
}
