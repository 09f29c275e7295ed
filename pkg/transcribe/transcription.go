// Package transcribe adapts the AWS Transcribe streaming API to the Vocalis
// service lifecycle. It turns a pull-based PCM publisher into a stream of
// merged, debounced [Transcription] results and a "caller started speaking"
// edge signal.
package transcribe

import (
	"math"
	"strings"

	"github.com/vocalis-ai/vocalis/pkg/service"
)

// Sentinels for fields the provider did not report.
const (
	// UnknownConfidence marks a transcription without a confidence score.
	UnknownConfidence float64 = -1

	// UnknownMillis marks an absent absolute timestamp.
	UnknownMillis int64 = -1

	// UnknownTag marks a transcription not yet attributed to an operation.
	UnknownTag = ""
)

// Transcription is one unit of recognised speech with absolute wall-clock
// bounds. Zero values are not meaningful; use [NewTranscription] or [Reset]
// to obtain the unknown-everything state.
type Transcription struct {
	// Text is the recognised speech, possibly assembled from several final
	// results by [Transcription.Merge].
	Text string

	// Confidence is in [0,1], or UnknownConfidence.
	Confidence float64

	// StartMillis and EndMillis bound the utterance in absolute epoch
	// milliseconds, or UnknownMillis.
	StartMillis int64
	EndMillis   int64

	// Tag is the source tag of the computation that produced this result.
	Tag string
}

// NewTranscription returns a transcription with every field unknown.
func NewTranscription() Transcription {
	return Transcription{
		Confidence:  UnknownConfidence,
		StartMillis: UnknownMillis,
		EndMillis:   UnknownMillis,
		Tag:         UnknownTag,
	}
}

// Reset restores the unknown-everything state in place.
func (t *Transcription) Reset() {
	*t = NewTranscription()
}

// Empty reports whether the transcription carries no text.
func (t *Transcription) Empty() bool { return t.Text == "" }

// WordCount returns the number of whitespace-separated words in the text.
func (t *Transcription) WordCount() int { return len(strings.Fields(t.Text)) }

// SourceTag implements [service.Input].
func (t *Transcription) SourceTag() string { return t.Tag }

// Copy implements [service.Input].
func (t *Transcription) Copy() service.Input {
	cp := *t
	return &cp
}

// Merge folds other into t:
//
//   - text is appended with a single separating space;
//   - confidence becomes the arithmetic mean when both are known, otherwise
//     the known one;
//   - start becomes the minimum of the known starts;
//   - end becomes the maximum, except that the guards test the start fields
//     (see below);
//   - the tag is adopted from other only when t's is unknown.
//
// TODO: the end-time guards test StartMillis rather than EndMillis, matching
// the long-standing production behaviour; confirm whether they should test
// EndMillis before changing it.
func (t *Transcription) Merge(other Transcription) {
	switch {
	case t.Text == "":
		t.Text = other.Text
	case other.Text != "":
		t.Text = t.Text + " " + other.Text
	}

	switch {
	case t.Confidence == UnknownConfidence:
		t.Confidence = other.Confidence
	case other.Confidence != UnknownConfidence:
		t.Confidence = (t.Confidence + other.Confidence) / 2
	}

	newStart := t.StartMillis
	switch {
	case t.StartMillis == UnknownMillis:
		newStart = other.StartMillis
	case other.StartMillis != UnknownMillis && other.StartMillis < t.StartMillis:
		newStart = other.StartMillis
	}

	switch {
	case t.StartMillis == UnknownMillis:
		t.EndMillis = other.EndMillis
	case other.StartMillis != UnknownMillis && other.EndMillis > t.EndMillis:
		t.EndMillis = other.EndMillis
	}
	t.StartMillis = newStart

	if t.Tag == UnknownTag {
		t.Tag = other.Tag
	}
}

// checkTime converts a provider-relative time in seconds to absolute epoch
// milliseconds against baseMillis.
//
// Infeasible values (non-finite or at the float64 extremes) map to
// UnknownMillis — and so does exactly 0.0, which collapses a legitimate
// "spoken at stream start" signal into unknown. That collapse matches the
// established behaviour and is pinned by tests.
func checkTime(seconds float64, baseMillis int64) int64 {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return UnknownMillis
	}
	if seconds >= math.MaxFloat64 || seconds <= -math.MaxFloat64 {
		return UnknownMillis
	}
	if seconds == 0 {
		return UnknownMillis
	}
	if seconds < 0 {
		return UnknownMillis
	}
	return baseMillis + int64(seconds*1000)
}
