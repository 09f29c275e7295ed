package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

const (
	elevenWSEndpointFmt  = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	elevenVoicesEndpoint = "https://api.elevenlabs.io/v1/voices"

	defaultElevenModel  = "eleven_flash_v2_5"
	defaultOutputFormat = "pcm_16000"
)

// ElevenLabsOption configures an [ElevenLabs] provider.
type ElevenLabsOption func(*ElevenLabs)

// WithModel sets the synthesis model ID.
func WithModel(model string) ElevenLabsOption {
	return func(p *ElevenLabs) { p.model = model }
}

// WithOutputFormat sets the audio output format (e.g. "pcm_16000").
func WithOutputFormat(format string) ElevenLabsOption {
	return func(p *ElevenLabs) { p.outputFormat = format }
}

// ElevenLabs implements [Provider] on the ElevenLabs streaming websocket API.
type ElevenLabs struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client
	log          *slog.Logger
}

// NewElevenLabs creates a provider. apiKey must be non-empty.
func NewElevenLabs(apiKey string, opts ...ElevenLabsOption) (*ElevenLabs, error) {
	if apiKey == "" {
		return nil, errors.New("tts: elevenlabs api key must not be empty")
	}
	p := &ElevenLabs{
		apiKey:       apiKey,
		model:        defaultElevenModel,
		outputFormat: defaultOutputFormat,
		httpClient:   &http.Client{},
		log:          slog.With("component", "tts.elevenlabs"),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ─── Wire types ───────────────────────────────────────────────────────────────

type elevenVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// elevenTextFrame is sent once per text fragment; an empty Text flushes.
type elevenTextFrame struct {
	Text          string               `json:"text"`
	VoiceSettings *elevenVoiceSettings `json:"voice_settings,omitempty"`
}

// elevenOpenFrame is the authenticating first frame of a stream.
type elevenOpenFrame struct {
	Text          string               `json:"text"`
	VoiceSettings *elevenVoiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string               `json:"xi_api_key"`
	OutputFormat  string               `json:"output_format,omitempty"`
}

type elevenAudioFrame struct {
	Audio   string `json:"audio"` // base64 PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// SynthesizeStream implements [Provider]: dial the websocket, feed text
// frames from the channel, and emit decoded PCM until the provider is done.
func (p *ElevenLabs) SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("tts: voice ID must not be empty")
	}

	wsURL := fmt.Sprintf(elevenWSEndpointFmt, voice.ID, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tts: dial: %w", err)
	}

	open := elevenOpenFrame{
		// The API requires a non-empty first text value.
		Text:          " ",
		VoiceSettings: &elevenVoiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		XiAPIKey:      p.apiKey,
		OutputFormat:  p.outputFormat,
	}
	if err := writeJSON(ctx, conn, open); err != nil {
		conn.Close(websocket.StatusInternalError, "open frame failed")
		return nil, fmt.Errorf("tts: open stream: %w", err)
	}

	audio := make(chan []byte, 256)
	go p.run(ctx, conn, text, audio)
	return audio, nil
}

// run owns the connection: a reader goroutine decodes audio frames while the
// main loop forwards text fragments, then flushes and waits for the reader.
func (p *ElevenLabs) run(ctx context.Context, conn *websocket.Conn, text <-chan string, audio chan<- []byte) {
	defer close(audio)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var frame elevenAudioFrame
			if err := json.Unmarshal(msg, &frame); err != nil {
				p.log.Warn("undecodable frame skipped", "error", err)
				continue
			}
			if frame.Message != "" {
				p.log.Warn("provider message", "message", frame.Message)
			}
			if frame.Audio == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil {
				p.log.Warn("undecodable audio skipped", "error", err)
				continue
			}
			select {
			case audio <- pcm:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Voice settings ride only on the first fragment.
	settings := &elevenVoiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				// End of input: an empty text frame flushes synthesis, then
				// the reader drains the remaining audio.
				if err := writeJSON(ctx, conn, elevenTextFrame{}); err != nil {
					p.log.Warn("flush frame failed", "error", err)
				}
				<-readDone
				return
			}
			if fragment == "" {
				continue
			}
			frame := elevenTextFrame{Text: fragment, VoiceSettings: settings}
			settings = nil
			if err := writeJSON(ctx, conn, frame); err != nil {
				p.log.Warn("text frame failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ─── Voice catalogue ──────────────────────────────────────────────────────────

type elevenVoicesResponse struct {
	Voices []elevenVoice `json:"voices"`
}

type elevenVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices implements [Provider].
func (p *ElevenLabs) ListVoices(ctx context.Context) ([]VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, elevenVoicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("tts: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: list voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr elevenVoicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("tts: list voices: decode: %w", err)
	}
	return convertVoices(vr), nil
}

func convertVoices(vr elevenVoicesResponse) []VoiceProfile {
	profiles := make([]VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles
}
