package transcribe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
)

// AWSStreamer implements [Streamer] on the AWS Transcribe streaming API.
//
// Authentication follows the AWS SDK v2 credential chain: static keys from
// the environment (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, optional
// AWS_SESSION_TOKEN), shared config profiles, then instance/task roles.
type AWSStreamer struct {
	region string
	log    *slog.Logger

	client *transcribestreaming.Client
}

// NewAWSStreamer creates a streamer for the given region. An empty region
// falls back to the SDK's own resolution (AWS_REGION, shared config).
func NewAWSStreamer(region string) *AWSStreamer {
	return &AWSStreamer{
		region: region,
		log:    slog.With("component", "transcribe.aws"),
	}
}

// Activate implements [Streamer]: resolve credentials and build the client.
func (a *AWSStreamer) Activate(ctx context.Context) error {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if a.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(a.region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	a.client = transcribestreaming.NewFromConfig(cfg)
	a.log.Debug("transcribe client ready", "region", cfg.Region)
	return nil
}

// Deactivate implements [Streamer].
func (a *AWSStreamer) Deactivate(context.Context) error {
	a.client = nil
	return nil
}

// Start implements [Streamer]: open a bidirectional transcription session.
func (a *AWSStreamer) Start(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if a.client == nil {
		return nil, fmt.Errorf("streamer not activated")
	}
	out, err := a.client.StartStreamTranscription(ctx, &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(cfg.LanguageCode),
		MediaEncoding:        types.MediaEncodingPcm,
		MediaSampleRateHertz: aws.Int32(int32(cfg.SampleRateHz)),
	})
	if err != nil {
		return nil, fmt.Errorf("StartStreamTranscription: %w", err)
	}

	s := &awsStream{
		es:     out.GetStream(),
		events: make(chan []Result, 16),
		log:    a.log,
	}
	go s.translate()
	return s, nil
}

// awsStream adapts the SDK event stream to the provider-neutral [Stream].
type awsStream struct {
	es     *transcribestreaming.StartStreamTranscriptionEventStream
	events chan []Result
	log    *slog.Logger
}

// SendAudio implements [Stream].
func (s *awsStream) SendAudio(ctx context.Context, pcm []byte) error {
	return s.es.Send(ctx, &types.AudioStreamMemberAudioEvent{
		Value: types.AudioEvent{AudioChunk: pcm},
	})
}

// CloseSend implements [Stream]: signal end of audio. The provider then
// finalizes outstanding results and closes the event stream.
func (s *awsStream) CloseSend() error {
	return s.es.Close()
}

// Events implements [Stream].
func (s *awsStream) Events() <-chan []Result { return s.events }

// Err implements [Stream]. Only meaningful after the events channel closes.
func (s *awsStream) Err() error { return s.es.Err() }

// translate pumps SDK transcript events into the neutral result channel
// until the provider closes the stream.
func (s *awsStream) translate() {
	defer close(s.events)
	for event := range s.es.Events() {
		te, ok := event.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok || te.Value.Transcript == nil {
			continue
		}
		batch := convertResults(te.Value.Transcript.Results)
		if len(batch) > 0 {
			s.events <- batch
		}
	}
}

// convertResults maps SDK results to the neutral model. Absent confidences
// become [UnknownConfidence].
func convertResults(in []types.Result) []Result {
	out := make([]Result, 0, len(in))
	for _, r := range in {
		res := Result{IsPartial: r.IsPartial}
		for _, alt := range r.Alternatives {
			a := Alternative{Text: aws.ToString(alt.Transcript)}
			for _, item := range alt.Items {
				conf := UnknownConfidence
				if item.Confidence != nil {
					conf = *item.Confidence
				}
				a.Items = append(a.Items, Item{
					Content:      aws.ToString(item.Content),
					Confidence:   conf,
					StartSeconds: item.StartTime,
					EndSeconds:   item.EndTime,
				})
			}
			res.Alternatives = append(res.Alternatives, a)
		}
		out = append(out, res)
	}
	return out
}
