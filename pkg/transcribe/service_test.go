package transcribe_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/service"
	"github.com/vocalis-ai/vocalis/pkg/transcribe"
)

// fakeStream is a scripted provider stream.
type fakeStream struct {
	mu        sync.Mutex
	audio     bytes.Buffer
	sendErr   error
	closed    bool
	events    chan []transcribe.Result
	streamErr error
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan []transcribe.Result, 16)}
}

func (f *fakeStream) SendAudio(_ context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.audio.Write(pcm)
	return nil
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) Events() <-chan []transcribe.Result { return f.events }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamErr
}

func (f *fakeStream) audioLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio.Len()
}

func (f *fakeStream) sendClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeStreamer hands out a prepared stream and counts lifecycle calls.
type fakeStreamer struct {
	mu          sync.Mutex
	stream      *fakeStream
	startErr    error
	activates   int
	deactivates int
	starts      int
}

func (f *fakeStreamer) Activate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activates++
	return nil
}

func (f *fakeStreamer) Deactivate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivates++
	return nil
}

func (f *fakeStreamer) Start(context.Context, transcribe.StreamConfig) (transcribe.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.stream, nil
}

// sink records fanned-out inputs.
type sink struct {
	mu  sync.Mutex
	got []service.Input
}

func (s *sink) handler(_ context.Context, in service.Input) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, in)
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func poll(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func testConfig() transcribe.StreamConfig {
	return transcribe.StreamConfig{LanguageCode: "en-US", SampleRateHz: 16000}
}

func TestService_FullTranscriptionRound(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	streamer := &fakeStreamer{stream: stream}
	svc := transcribe.NewService(streamer, testConfig(), transcribe.WithChunkSize(64))

	results := &sink{}
	started := &sink{}
	svc.Results().Add(results.handler)
	svc.StartedSpeaking().Add(started.handler)

	if !svc.Activate("call-1") {
		t.Fatal("activate failed")
	}
	if streamer.activates != 1 {
		t.Fatalf("streamer activations: want 1, got %d", streamer.activates)
	}

	pcm := bytes.NewReader(make([]byte, 256))
	if !svc.Transcribe(&transcribe.Input{Audio: pcm, Tag: "call-1"}, nil) {
		t.Fatal("transcribe refused")
	}

	// All audio flows into the provider stream and the upload side closes.
	poll(t, 2*time.Second, func() bool { return stream.audioLen() == 256 })
	poll(t, 2*time.Second, func() bool { return stream.sendClosed() })

	// A long partial produces the started-speaking edge.
	stream.events <- []transcribe.Result{{
		IsPartial:    true,
		Alternatives: []transcribe.Alternative{{Text: "hello there general kenobi"}},
	}}
	poll(t, 2*time.Second, func() bool { return started.len() == 1 })

	// Two finals inside one buffering window merge into a single result.
	stream.events <- []transcribe.Result{{
		Alternatives: []transcribe.Alternative{{
			Text:  "hello there",
			Items: []transcribe.Item{{Content: "hello there", Confidence: 0.9, StartSeconds: 0.5, EndSeconds: 1.2}},
		}},
	}}
	stream.events <- []transcribe.Result{{
		Alternatives: []transcribe.Alternative{{
			Text:  "general kenobi",
			Items: []transcribe.Item{{Content: "general kenobi", Confidence: 0.7, StartSeconds: 1.4, EndSeconds: 2.1}},
		}},
	}}
	poll(t, 4*time.Second, func() bool { return results.len() == 1 })

	results.mu.Lock()
	tr := results.got[0].(*transcribe.Transcription)
	results.mu.Unlock()
	if tr.Text != "hello there general kenobi" {
		t.Errorf("merged text: got %q", tr.Text)
	}
	if tr.Tag != "call-1" {
		t.Errorf("tag: got %q", tr.Tag)
	}

	// Provider closes the stream: the computation winds down cleanly.
	close(stream.events)
	poll(t, 2*time.Second, func() bool { return !svc.Computing() })

	if !svc.Deactivate("call-1") {
		t.Fatal("deactivate failed")
	}
	if streamer.deactivates != 1 {
		t.Fatalf("streamer deactivations: want 1, got %d", streamer.deactivates)
	}
}

func TestService_StopIsQuietCancellation(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	streamer := &fakeStreamer{stream: stream}
	svc := transcribe.NewService(streamer, testConfig())

	errs := &sink{}
	results := &sink{}
	svc.Errors().Add(errs.handler)
	svc.Results().Add(results.handler)

	svc.Activate("call-2")
	blocked := newBlockedReader()
	defer blocked.release()
	svc.Transcribe(&transcribe.Input{Audio: blocked, Tag: "call-2"}, nil)

	poll(t, time.Second, func() bool { return svc.Computing() })
	if !svc.Stop("call-2") {
		t.Fatal("stop refused")
	}
	poll(t, 2*time.Second, func() bool { return !svc.Computing() })

	time.Sleep(50 * time.Millisecond)
	if n := errs.len(); n != 0 {
		t.Errorf("error callbacks after Stop: want 0, got %d", n)
	}
	if n := results.len(); n != 0 {
		t.Errorf("result callbacks after Stop: want 0, got %d", n)
	}
}

func TestService_StreamFailureReachesErrorRegistry(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	stream.streamErr = errors.New("provider unreachable")
	streamer := &fakeStreamer{stream: stream}
	svc := transcribe.NewService(streamer, testConfig())

	errs := &sink{}
	svc.Errors().Add(errs.handler)

	svc.Activate("call-3")
	svc.Transcribe(&transcribe.Input{Audio: bytes.NewReader(nil), Tag: "call-3"}, nil)

	// Closing the event channel with a pending error ends the computation.
	close(stream.events)
	poll(t, 2*time.Second, func() bool { return errs.len() == 1 })

	errs.mu.Lock()
	serr := errs.got[0].(*service.Error)
	errs.mu.Unlock()
	if serr.Source != service.SourceComputing {
		t.Errorf("error source: got %v", serr.Source)
	}
	if serr.Tag != "call-3" {
		t.Errorf("error tag: got %q", serr.Tag)
	}
}

func TestService_IsReusableAcrossStreams(t *testing.T) {
	t.Parallel()

	streamer := &fakeStreamer{}
	svc := transcribe.NewService(streamer, testConfig())

	for i := 0; i < 3; i++ {
		streamer.mu.Lock()
		streamer.stream = newFakeStream()
		stream := streamer.stream
		streamer.mu.Unlock()

		if !svc.Activate("round") {
			t.Fatalf("round %d: activate failed", i)
		}
		if !svc.Transcribe(&transcribe.Input{Audio: bytes.NewReader(make([]byte, 8)), Tag: "round"}, nil) {
			t.Fatalf("round %d: transcribe refused", i)
		}
		close(stream.events)
		poll(t, 2*time.Second, func() bool { return !svc.Computing() })
		if !svc.Deactivate("round") {
			t.Fatalf("round %d: deactivate failed", i)
		}
	}
	if streamer.starts != 3 {
		t.Errorf("streams started: want 3, got %d", streamer.starts)
	}
}

// blockedReader blocks reads until released, so a computation stays in
// flight for as long as the test needs.
type blockedReader struct {
	ch   chan struct{}
	once sync.Once
}

func newBlockedReader() *blockedReader { return &blockedReader{ch: make(chan struct{})} }

func (b *blockedReader) Read([]byte) (int, error) {
	<-b.ch
	return 0, context.Canceled
}

func (b *blockedReader) release() { b.once.Do(func() { close(b.ch) }) }

// Close releases the blocked read when the audio subscription is cancelled.
func (b *blockedReader) Close() error {
	b.release()
	return nil
}
