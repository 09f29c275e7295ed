package transcribe

import (
	"math"
	"testing"
)

func TestTranscription_Merge(t *testing.T) {
	t.Parallel()

	known := func(text string, conf float64, start, end int64, tag string) Transcription {
		return Transcription{Text: text, Confidence: conf, StartMillis: start, EndMillis: end, Tag: tag}
	}

	tests := []struct {
		name  string
		base  Transcription
		other Transcription
		want  Transcription
	}{
		{
			name:  "into empty adopts everything",
			base:  NewTranscription(),
			other: known("hello there", 0.9, 100, 600, "call-1"),
			want:  known("hello there", 0.9, 100, 600, "call-1"),
		},
		{
			name:  "text joined with single space",
			base:  known("hello there", 0.8, 100, 600, "call-1"),
			other: known("general kenobi", 0.6, 700, 1200, "call-1"),
			want:  known("hello there general kenobi", 0.7, 100, 1200, "call-1"),
		},
		{
			name:  "empty other text leaves text unchanged",
			base:  known("hello", 0.8, 100, 600, "call-1"),
			other: known("", UnknownConfidence, UnknownMillis, UnknownMillis, UnknownTag),
			want:  known("hello", 0.8, 100, 600, "call-1"),
		},
		{
			name:  "unknown confidence on one side keeps the known one",
			base:  known("a", UnknownConfidence, 100, 200, "call-1"),
			other: known("b", 0.5, 300, 400, "call-1"),
			want:  known("a b", 0.5, 100, 400, "call-1"),
		},
		{
			name:  "start takes the minimum of the known starts",
			base:  known("a", 0.5, 500, 600, "call-1"),
			other: known("b", 0.5, 100, 550, "call-1"),
			want:  known("a b", 0.5, 100, 600, "call-1"),
		},
		{
			name:  "tag adopted only when unknown",
			base:  known("a", 0.5, 100, 200, "call-1"),
			other: known("b", 0.5, 300, 400, "call-2"),
			want:  known("a b", 0.5, 100, 400, "call-1"),
		},
		{
			// The end guards test the start fields. With the base start
			// unknown, the other end is adopted unconditionally, even when
			// it would move the end backwards.
			name:  "unknown base start adopts other end unconditionally",
			base:  known("a", 0.5, UnknownMillis, 900, "call-1"),
			other: known("b", 0.5, 100, 300, "call-1"),
			want:  known("a b", 0.5, 100, 300, "call-1"),
		},
		{
			// With the other start unknown, a larger other end is ignored.
			name:  "unknown other start blocks a larger other end",
			base:  known("a", 0.5, 100, 300, "call-1"),
			other: known("b", 0.5, UnknownMillis, 900, "call-1"),
			want:  known("a b", 0.5, 100, 300, "call-1"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.base
			got.Merge(tt.other)
			if got != tt.want {
				t.Errorf("Merge result:\n got %+v\nwant %+v", got, tt.want)
			}
		})
	}
}

func TestCheckTime(t *testing.T) {
	t.Parallel()

	const base int64 = 1_000_000

	tests := []struct {
		name    string
		seconds float64
		want    int64
	}{
		{"NaN", math.NaN(), UnknownMillis},
		{"positive infinity", math.Inf(1), UnknownMillis},
		{"negative infinity", math.Inf(-1), UnknownMillis},
		{"max float", math.MaxFloat64, UnknownMillis},
		{"negative max float", -math.MaxFloat64, UnknownMillis},
		{"negative", -1.5, UnknownMillis},
		// 0.0 collapses to unknown even though it is a feasible stream
		// offset. Established behaviour, kept as-is.
		{"zero", 0, UnknownMillis},
		{"ordinary offset", 1.5, base + 1500},
		{"sub-millisecond truncates", 0.0004, base},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := checkTime(tt.seconds, base); got != tt.want {
				t.Errorf("checkTime(%v, %d) = %d, want %d", tt.seconds, base, got, tt.want)
			}
		})
	}
}

func TestParseAlternative(t *testing.T) {
	t.Parallel()

	const base int64 = 10_000

	alt := Alternative{
		Text: "hello there general kenobi",
		Items: []Item{
			{Content: "hello", Confidence: 0.9, StartSeconds: 0.5, EndSeconds: 1.0},
			{Content: "there", Confidence: 0.7, StartSeconds: 1.1, EndSeconds: 1.6},
			// Unknown confidence and a zero start contribute nothing.
			{Content: "general", Confidence: UnknownConfidence, StartSeconds: 0, EndSeconds: 2.2},
		},
	}

	got := parseAlternative(alt, base, "call-1")
	if got.Text != alt.Text {
		t.Errorf("text: got %q", got.Text)
	}
	if math.Abs(got.Confidence-0.8) > 1e-9 {
		t.Errorf("confidence: got %v, want mean 0.8", got.Confidence)
	}
	if got.StartMillis != base+500 {
		t.Errorf("start: got %d, want %d", got.StartMillis, base+500)
	}
	if got.EndMillis != base+2200 {
		t.Errorf("end: got %d, want %d", got.EndMillis, base+2200)
	}
	if got.Tag != "call-1" {
		t.Errorf("tag: got %q", got.Tag)
	}
}

func TestParseAlternative_NoKnownFields(t *testing.T) {
	t.Parallel()

	alt := Alternative{
		Text:  "mumble",
		Items: []Item{{Content: "mumble", Confidence: UnknownConfidence}},
	}
	got := parseAlternative(alt, 5000, "call-1")
	if got.Confidence != UnknownConfidence {
		t.Errorf("confidence: got %v, want unknown", got.Confidence)
	}
	if got.StartMillis != UnknownMillis || got.EndMillis != UnknownMillis {
		t.Errorf("times: got [%d,%d], want unknown", got.StartMillis, got.EndMillis)
	}
}
