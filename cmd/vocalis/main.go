// Command vocalis runs one phone-assistant call: PCM audio from stdin is
// transcribed, answered through Bedrock, and the synthesized reply is written
// to stdout as raw PCM.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vocalis-ai/vocalis/internal/app"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/pkg/audio"
	"github.com/vocalis-ai/vocalis/pkg/llm"
	"github.com/vocalis-ai/vocalis/pkg/prompt"
	"github.com/vocalis-ai/vocalis/pkg/transcribe"
	"github.com/vocalis-ai/vocalis/pkg/tts"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocalis: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocalis: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("vocalis starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"region", cfg.AWS.Region,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "vocalis"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Prompt template ───────────────────────────────────────────────────────
	variables := prompt.NewVariableRegistry()
	registerBuiltinVariables(variables)
	defer variables.Teardown()

	var template *prompt.Prompt
	if cfg.Prompt.TemplatePath != "" {
		raw, err := os.ReadFile(cfg.Prompt.TemplatePath)
		if err != nil {
			slog.Error("failed to read prompt template", "path", cfg.Prompt.TemplatePath, "err", err)
			return 1
		}
		template, err = prompt.Parse(string(raw), variables)
		if err != nil {
			slog.Error("failed to parse prompt template", "path", cfg.Prompt.TemplatePath, "err", err)
			return 1
		}
		slog.Info("prompt template loaded", "path", cfg.Prompt.TemplatePath, "sections", len(template.Sections))
	}

	// ── Services ──────────────────────────────────────────────────────────────
	services, voice, err := buildServices(cfg)
	if err != nil {
		slog.Error("failed to build services", "err", err)
		return 1
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	opts := []app.Option{
		app.WithVoice(voice),
		app.WithPlayback(func(sp *tts.Speech) {
			if sp.Last {
				out.Flush()
				return
			}
			if _, err := out.Write(sp.PCM); err != nil {
				slog.Warn("playback write failed", "err", err)
			}
		}),
	}
	if template != nil {
		opts = append(opts, app.WithTemplate(template, variables))
	}

	pipeline, err := app.New(cfg, services, opts...)
	if err != nil {
		slog.Error("failed to initialise pipeline", "err", err)
		return 1
	}

	slog.Info("call ready — press Ctrl+C to hang up")

	if err := pipeline.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Service wiring ──────────────────────────────────────────────────────────────

// buildServices constructs the three pipeline services from the config: AWS
// Transcribe for speech-to-text, Bedrock for model turns, and the configured
// synthesis provider.
func buildServices(cfg *config.Config) (*app.Services, tts.VoiceProfile, error) {
	transcriber := transcribe.NewService(
		transcribe.NewAWSStreamer(cfg.AWS.Region),
		transcribe.StreamConfig{
			LanguageCode: cfg.Transcribe.LanguageCode,
			SampleRateHz: audio.SampleRateHz,
		},
		transcribe.WithChunkSize(cfg.Transcribe.ChunkSize),
	)

	model := llm.NewService(llm.NewBedrockProvider(cfg.AWS.Region))

	var synth tts.Provider
	switch cfg.TTS.Provider {
	case "elevenlabs":
		var opts []tts.ElevenLabsOption
		if cfg.TTS.Model != "" {
			opts = append(opts, tts.WithModel(cfg.TTS.Model))
		}
		if cfg.TTS.OutputFormat != "" {
			opts = append(opts, tts.WithOutputFormat(cfg.TTS.OutputFormat))
		}
		p, err := tts.NewElevenLabs(cfg.TTS.APIKey, opts...)
		if err != nil {
			return nil, tts.VoiceProfile{}, fmt.Errorf("create tts provider: %w", err)
		}
		synth = p
	default:
		return nil, tts.VoiceProfile{}, fmt.Errorf("unsupported tts provider %q", cfg.TTS.Provider)
	}

	voice := tts.VoiceProfile{ID: cfg.TTS.VoiceID, Provider: cfg.TTS.Provider}
	return &app.Services{
		Transcriber: transcriber,
		Model:       model,
		Synthesizer: tts.NewService(synth),
	}, voice, nil
}

// registerBuiltinVariables wires the variable functions templates may bind
// via their Var section.
func registerBuiltinVariables(reg *prompt.VariableRegistry) {
	builtins := map[string]prompt.VariableFunc{
		"currentTime": func() string { return time.Now().Format("15:04:05") },
		"currentDate": func() string { return time.Now().Format("2006-01-02") },
		"weekday":     func() string { return time.Now().Weekday().String() },
	}
	for name, fn := range builtins {
		if err := reg.Register(name, fn); err != nil {
			slog.Warn("builtin variable not registered", "name", name, "err", err)
		}
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
