package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockProvider implements [Provider] on Amazon Bedrock's ConverseStream
// API. Authentication follows the AWS SDK v2 credential chain: static keys
// from the environment, shared config profiles, then instance/task roles.
type BedrockProvider struct {
	region string
	log    *slog.Logger

	client *bedrockruntime.Client
}

// NewBedrockProvider creates a provider for the given region. An empty
// region falls back to the SDK's own resolution.
func NewBedrockProvider(region string) *BedrockProvider {
	return &BedrockProvider{
		region: region,
		log:    slog.With("component", "llm.bedrock"),
	}
}

// Activate implements [Provider]: resolve credentials and build the client.
func (p *BedrockProvider) Activate(ctx context.Context) error {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if p.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(p.region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	p.client = bedrockruntime.NewFromConfig(cfg)
	p.log.Debug("bedrock client ready", "region", cfg.Region)
	return nil
}

// Deactivate implements [Provider].
func (p *BedrockProvider) Deactivate(context.Context) error {
	p.client = nil
	return nil
}

// Converse implements [Provider]: run one ConverseStream call and demux its
// event stream into the visitor.
func (p *BedrockProvider) Converse(ctx context.Context, req *Request, v Visitor) error {
	if p.client == nil {
		return fmt.Errorf("provider not activated")
	}

	resp, err := p.client.ConverseStream(ctx, buildInput(req))
	if err != nil {
		return fmt.Errorf("ConverseStream: %w", err)
	}

	stream := resp.GetStream()
	defer stream.Close()

	for event := range stream.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberMessageStart:
			v.MessageStart()

		case *types.ConverseStreamOutputMemberContentBlockStart:
			v.ContentBlockStart()

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			if d, ok := ev.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
				v.ContentBlockDelta(d.Value)
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			v.ContentBlockStop()

		case *types.ConverseStreamOutputMemberMessageStop:
			v.MessageStop(string(ev.Value.StopReason))

		case *types.ConverseStreamOutputMemberMetadata:
			var latency int64
			var inTok, outTok int32
			if ev.Value.Metrics != nil {
				latency = aws.ToInt64(ev.Value.Metrics.LatencyMs)
			}
			if ev.Value.Usage != nil {
				inTok = aws.ToInt32(ev.Value.Usage.InputTokens)
				outTok = aws.ToInt32(ev.Value.Usage.OutputTokens)
			}
			v.Metadata(latency, inTok, outTok)
		}
	}

	if err := stream.Err(); err != nil {
		return fmt.Errorf("stream error: %w", err)
	}
	return nil
}

// buildInput maps a [Request] onto the ConverseStream wire shape.
func buildInput(req *Request) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(req.ModelName),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(req.MaxTokens),
			Temperature: aws.Float32(float32(req.Temperature)),
			TopP:        aws.Float32(float32(req.TopP)),
		},
	}

	for _, prompt := range req.Prompts {
		input.System = append(input.System, &types.SystemContentBlockMemberText{Value: prompt})
	}

	for _, msg := range req.Messages {
		role := types.ConversationRoleUser
		if msg.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		m := types.Message{Role: role}
		for _, c := range msg.Contents {
			m.Content = append(m.Content, &types.ContentBlockMemberText{Value: c})
		}
		input.Messages = append(input.Messages, m)
	}
	return input
}
