// Package llm adapts the AWS Bedrock ConverseStream API to the Vocalis
// service lifecycle: one computation streams one model turn, aggregates the
// text deltas, and fans out a single [Response] when the stream completes.
package llm

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/vocalis-ai/vocalis/pkg/service"
)

// Environment variables consulted by [NewRequest].
const (
	EnvModelName   = "AWS_BEDROCK_MODEL_NAME"
	EnvMaxTokens   = "AWS_BEDROCK_MAX_TOKENS"
	EnvTemperature = "AWS_BEDROCK_TEMPERATURE"
	EnvTopP        = "AWS_BEDROCK_TOP_P"
)

// Fallbacks used when the environment does not override them.
const (
	DefaultMaxTokens   int32   = 1024
	DefaultTemperature float64 = 0.7
	DefaultTopP        float64 = 0.9
)

// Role of a conversation message as the provider sees it.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversational turn of a [Request].
type Message struct {
	Role     Role
	Contents []string
}

// Request describes one model invocation: system prompts, the alternating
// conversation so far, and inference parameters.
type Request struct {
	// Prompts are system-level instructions, sent ahead of the messages.
	Prompts []string

	// Messages is the conversation, strictly alternating user/assistant.
	Messages []Message

	ModelName   string
	MaxTokens   int32
	Temperature float64
	TopP        float64

	// Tag correlates the request with the operation that issued it.
	Tag string
}

// NewRequest constructs a request with the inference parameters drawn from
// the environment at call time, falling back to the package defaults.
// Unparsable values log a warning and fall back too.
func NewRequest(prompts []string, messages []Message, tag string) *Request {
	return &Request{
		Prompts:     prompts,
		Messages:    messages,
		ModelName:   os.Getenv(EnvModelName),
		MaxTokens:   envInt32(EnvMaxTokens, DefaultMaxTokens),
		Temperature: envFloat(EnvTemperature, DefaultTemperature),
		TopP:        envFloat(EnvTopP, DefaultTopP),
		Tag:         tag,
	}
}

func envInt32(key string, fallback int32) int32 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		slog.Warn("unparsable numeric environment value", "key", key, "value", raw, "fallback", fallback)
		return fallback
	}
	return int32(v)
}

func envFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("unparsable numeric environment value", "key", key, "value", raw, "fallback", fallback)
		return fallback
	}
	return v
}

// Response is the aggregated outcome of one streamed model turn.
type Response struct {
	// Message is the full assistant text, assembled from the deltas.
	Message string

	// StopReason is the provider's reason for ending the turn.
	StopReason string

	LatencyMillis int64
	InputTokens   int32
	OutputTokens  int32

	Tag string
}

// SourceTag implements [service.Input].
func (r *Response) SourceTag() string { return r.Tag }

// Copy implements [service.Input].
func (r *Response) Copy() service.Input {
	cp := *r
	return &cp
}
