// Package app wires the Vocalis subsystems into a running call pipeline:
// caller audio streams through transcription into the conversation store,
// each merged utterance triggers a model turn shaped by the prompt template,
// and the reply is synthesized and handed to playback. A caller who starts
// speaking mid-reply interrupts both the model turn and the synthesis.
//
// For testing, inject the three services pre-built on fakes; New only wires
// registries, it never dials providers.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/pkg/conversation"
	"github.com/vocalis-ai/vocalis/pkg/llm"
	"github.com/vocalis-ai/vocalis/pkg/prompt"
	"github.com/vocalis-ai/vocalis/pkg/service"
	"github.com/vocalis-ai/vocalis/pkg/transcribe"
	"github.com/vocalis-ai/vocalis/pkg/tts"
)

// Services holds the three lifecycle services the pipeline orchestrates.
// All must be non-nil.
type Services struct {
	Transcriber *transcribe.Service
	Model       *llm.Service
	Synthesizer *tts.Service
}

// Pipeline owns one call's processing chain. It is not safe to run two calls
// through the same instance; create one Pipeline per call.
type Pipeline struct {
	cfg *config.Config
	log *slog.Logger

	transcriber *transcribe.Service
	model       *llm.Service
	synthesizer *tts.Service

	history   *conversation.Store
	template  *prompt.Prompt
	variables *prompt.VariableRegistry
	metrics   *observe.Metrics

	voice    tts.VoiceProfile
	playback func(*tts.Speech)

	mu        sync.Mutex
	turnSeq   int
	turnStart map[string]time.Time
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*Pipeline)

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithHistory injects a conversation store instead of creating a fresh one.
func WithHistory(h *conversation.Store) Option {
	return func(p *Pipeline) { p.history = h }
}

// WithTemplate sets the parsed prompt template and the registry its variable
// call sites render against. Without a template, model turns carry no system
// prompt.
func WithTemplate(t *prompt.Prompt, vars *prompt.VariableRegistry) Option {
	return func(p *Pipeline) {
		p.template = t
		p.variables = vars
	}
}

// WithVoice selects the synthesis voice.
func WithVoice(v tts.VoiceProfile) Option {
	return func(p *Pipeline) { p.voice = v }
}

// WithPlayback sets the sink receiving synthesized speech chunks. Without
// one, chunks are dropped with a debug log.
func WithPlayback(fn func(*tts.Speech)) Option {
	return func(p *Pipeline) { p.playback = fn }
}

// New wires the pipeline: transcription results feed the conversation store
// and trigger model turns, model replies feed synthesis, speech chunks feed
// playback, and the started-speaking edge interrupts in-flight turns.
func New(cfg *config.Config, services *Services, opts ...Option) (*Pipeline, error) {
	if services == nil || services.Transcriber == nil || services.Model == nil || services.Synthesizer == nil {
		return nil, errors.New("app: all three services are required")
	}

	p := &Pipeline{
		cfg:         cfg,
		log:         slog.With("component", "app.pipeline"),
		transcriber: services.Transcriber,
		model:       services.Model,
		synthesizer: services.Synthesizer,
		turnStart:   make(map[string]time.Time),
	}
	for _, o := range opts {
		o(p)
	}
	if p.history == nil {
		p.history = conversation.NewStore()
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	p.transcriber.Results().Add(p.onUtterance)
	p.transcriber.StartedSpeaking().Add(p.onSpeechStarted)
	p.model.Results().Add(p.onReply)
	p.synthesizer.Results().Add(p.onSpeech)

	p.transcriber.Errors().Add(p.onServiceError("transcribe"))
	p.model.Errors().Add(p.onServiceError("llm"))
	p.synthesizer.Errors().Add(p.onServiceError("tts"))

	return p, nil
}

// History exposes the conversation store, e.g. for incremental export.
func (p *Pipeline) History() *conversation.Store { return p.history }

// ─── Handlers ─────────────────────────────────────────────────────────────────

// onUtterance receives one merged, debounced caller utterance and starts a
// model turn for it.
func (p *Pipeline) onUtterance(ctx context.Context, in service.Input) {
	tr, ok := in.(*transcribe.Transcription)
	if !ok || tr.Empty() {
		return
	}
	p.metrics.Utterances.Add(ctx, 1)
	if tr.EndMillis != transcribe.UnknownMillis {
		elapsed := time.Since(time.UnixMilli(tr.EndMillis))
		if elapsed > 0 {
			p.metrics.TranscribeLatency.Record(ctx, elapsed.Seconds())
		}
	}

	if _, err := p.history.AppendUser(tr.Text); err != nil {
		p.log.Warn("utterance not recorded", "tag", tr.Tag, "error", err)
		return
	}

	tag := p.nextTurnTag()
	req := p.buildRequest(tag)
	p.log.Info("starting model turn", "tag", tag, "utterance_words", tr.WordCount())

	watchdog := service.NewRefreshableTimeout(
		p.cfg.Watchdog.LLMIdle(),
		p.cfg.Watchdog.CheckPeriod(),
		func(_ context.Context, tag string) {
			p.log.Warn("model turn stalled, stopped by watchdog", "tag", tag)
			p.clearTurn(tag)
		},
	)
	if !p.model.Converse(req, watchdog) {
		p.log.Warn("model turn refused", "tag", tag)
		p.clearTurn(tag)
	}
}

// onSpeechStarted is the barge-in edge: the caller began speaking, so any
// in-flight reply is stale and both downstream services are cut off.
func (p *Pipeline) onSpeechStarted(ctx context.Context, in service.Input) {
	interrupted := false
	if p.model.Computing() {
		p.model.Stop(in.SourceTag())
		interrupted = true
	}
	if p.synthesizer.Computing() {
		p.synthesizer.Stop(in.SourceTag())
		interrupted = true
	}
	if interrupted {
		p.metrics.Interruptions.Add(ctx, 1)
		p.log.Info("reply interrupted by caller", "tag", in.SourceTag())
	}
}

// onReply receives the aggregated model turn, records it, and starts
// synthesizing it.
func (p *Pipeline) onReply(ctx context.Context, in service.Input) {
	resp, ok := in.(*llm.Response)
	if !ok {
		return
	}
	p.metrics.RecordModelTurn(ctx, "ok")
	p.metrics.RecordModelTokens(ctx, int64(resp.InputTokens), int64(resp.OutputTokens))
	if resp.LatencyMillis > 0 {
		p.metrics.LLMLatency.Record(ctx, float64(resp.LatencyMillis)/1000)
	}

	if _, err := p.history.AppendAssistant(resp.Message); err != nil {
		p.log.Warn("reply not recorded", "tag", resp.Tag, "error", err)
	}

	text := make(chan string, 1)
	text <- resp.Message
	close(text)

	watchdog := service.NewRefreshableTimeout(
		p.cfg.Watchdog.TTSIdle(),
		p.cfg.Watchdog.CheckPeriod(),
		func(_ context.Context, tag string) {
			p.log.Warn("synthesis stalled, stopped by watchdog", "tag", tag)
			p.clearTurn(tag)
		},
	)
	if !p.synthesizer.Speak(&tts.Input{Text: text, Voice: p.voice, Tag: resp.Tag}, watchdog) {
		p.log.Warn("synthesis refused", "tag", resp.Tag)
		p.clearTurn(resp.Tag)
	}
}

// onSpeech forwards each synthesized chunk to playback and closes out the
// turn's latency accounting on the terminal marker.
func (p *Pipeline) onSpeech(ctx context.Context, in service.Input) {
	sp, ok := in.(*tts.Speech)
	if !ok {
		return
	}

	if sp.Seq == 0 && !sp.Last {
		if start, found := p.takeTurnStart(sp.Tag, false); found {
			p.metrics.TurnLatency.Record(ctx, time.Since(start).Seconds())
		}
	}
	if sp.Last {
		if start, found := p.takeTurnStart(sp.Tag, true); found {
			p.metrics.TTSLatency.Record(ctx, time.Since(start).Seconds())
		}
	}

	if p.playback == nil {
		p.log.Debug("no playback sink, dropping chunk", "tag", sp.Tag, "seq", sp.Seq)
		return
	}
	p.playback(sp)
}

// onServiceError routes operational failures of one service into metrics.
func (p *Pipeline) onServiceError(svcName string) service.Handler {
	return func(ctx context.Context, in service.Input) {
		svcErr, ok := in.(*service.Error)
		if !ok {
			return
		}
		p.metrics.RecordServiceError(ctx, svcName, strings.ToLower(svcErr.Source.String()))
		p.log.Error("pipeline service failure",
			"service", svcName,
			"source", svcErr.Source.String(),
			"tag", svcErr.Tag,
			"error", svcErr.Cause,
		)
	}
}

// ─── Request assembly ─────────────────────────────────────────────────────────

// buildRequest shapes the next model invocation: rendered prompt sections as
// the system prompt, the store's model-visible window as the messages.
func (p *Pipeline) buildRequest(tag string) *llm.Request {
	var prompts []string
	if p.template != nil {
		rendered := p.template.ApplyVariables(p.variables)
		summary := p.latestSummary()
		system := p.template.FormatForLLM(rendered, p.cfg.Prompt.Sections, p.cfg.Prompt.IncludeTitles, summary)
		if system != "" {
			prompts = append(prompts, system)
		}
	}
	return llm.NewRequest(prompts, toModelMessages(p.history.LLMView()), tag)
}

// latestSummary returns the text of the most recent summary, or "".
func (p *Pipeline) latestSummary() string {
	w := p.history.SummaryInfo()
	if w.LastSummary == nil {
		return ""
	}
	return strings.Join(w.LastSummary.Contents, "\n")
}

// toModelMessages converts the store's model-visible window into request
// messages. The window already excludes summaries and opens with a user turn.
func toModelMessages(window []conversation.Message) []llm.Message {
	out := make([]llm.Message, 0, len(window))
	for _, m := range window {
		var role llm.Role
		switch m.Role {
		case conversation.RoleUser:
			role = llm.RoleUser
		case conversation.RoleAssistant:
			role = llm.RoleAssistant
		default:
			continue
		}
		out = append(out, llm.Message{Role: role, Contents: m.Contents})
	}
	return out
}

// ─── Turn accounting ──────────────────────────────────────────────────────────

func (p *Pipeline) nextTurnTag() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turnSeq++
	tag := fmt.Sprintf("turn-%d", p.turnSeq)
	p.turnStart[tag] = time.Now()
	return tag
}

func (p *Pipeline) takeTurnStart(tag string, remove bool) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start, ok := p.turnStart[tag]
	if ok && remove {
		delete(p.turnStart, tag)
	}
	return start, ok
}

func (p *Pipeline) clearTurn(tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.turnStart, tag)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run activates all three services, starts transcribing the call audio, and
// serves the metrics endpoint until ctx is cancelled. It returns after every
// service is deactivated.
func (p *Pipeline) Run(ctx context.Context, callAudio io.Reader) error {
	const startTag = "startup"

	if !p.transcriber.Activate(startTag) {
		return errors.New("app: transcriber activation refused")
	}
	if !p.model.Activate(startTag) {
		return errors.New("app: model activation refused")
	}
	if !p.synthesizer.Activate(startTag) {
		return errors.New("app: synthesizer activation refused")
	}
	p.metrics.ActiveCalls.Add(ctx, 1)
	defer p.metrics.ActiveCalls.Add(context.Background(), -1)

	watchdog := service.NewRefreshableTimeout(
		p.cfg.Watchdog.TranscribeIdle(),
		p.cfg.Watchdog.CheckPeriod(),
		func(_ context.Context, tag string) {
			p.log.Warn("transcription stalled, stopped by watchdog", "tag", tag)
		},
	)
	if !p.transcriber.Transcribe(&transcribe.Input{Audio: callAudio, Tag: "call"}, watchdog) {
		return errors.New("app: transcription refused")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: p.cfg.Server.ListenAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: metrics endpoint: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// Stop is eventual-consistency: follow with a bounded Wait so the
		// computing flag clears before Deactivate.
		drain := service.NewTimeout(2*time.Second, nil)
		if p.transcriber.Stop("shutdown") {
			p.transcriber.Wait(drain, "shutdown")
		}
		if p.model.Stop("shutdown") {
			p.model.Wait(drain, "shutdown")
		}
		if p.synthesizer.Stop("shutdown") {
			p.synthesizer.Wait(drain, "shutdown")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.log.Warn("metrics endpoint shutdown", "error", err)
		}

		p.transcriber.Deactivate("shutdown")
		p.model.Deactivate("shutdown")
		p.synthesizer.Deactivate("shutdown")
		return gctx.Err()
	})

	p.log.Info("pipeline running", "listen_addr", p.cfg.Server.ListenAddr)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
