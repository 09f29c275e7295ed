package conversation

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// FillerBody is the content of the synthetic user message inserted when a
// model-visible window would otherwise open with an assistant turn.
const FillerBody = "..."

var (
	// ErrEmptyContent rejects appends without any non-empty content.
	ErrEmptyContent = errors.New("conversation: empty content")

	// ErrEmptyWindow rejects a summary over no messages.
	ErrEmptyWindow = errors.New("conversation: empty summary window")
)

// Store is the thread-safe conversation history of one call.
//
// Two cursors shape what readers see: firstLlmIndex is the earliest message
// the model may see (immediately after the latest summary), and
// serializationCursor is the high-water mark of incremental exports.
type Store struct {
	log *slog.Logger

	mu                  sync.Mutex
	messages            []*Message
	firstLlmIndex       int
	lastSummaryIndex    int
	serializationCursor int
}

// NewStore creates an empty conversation store.
func NewStore() *Store {
	return &Store{
		log:              slog.With("component", "conversation.store"),
		lastSummaryIndex: -1,
	}
}

// Len returns the total number of stored messages, summaries included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// FirstLLMIndex returns the index of the earliest model-visible message.
func (s *Store) FirstLLMIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstLlmIndex
}

// LastSummaryIndex returns the index of the most recent summary, or -1.
func (s *Store) LastSummaryIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSummaryIndex
}

// AppendUser records a user turn. Same-role appends merge into the previous
// user message, which is then tagged MERGED.
func (s *Store) AppendUser(contents ...string) (Message, error) {
	return s.append(RoleUser, contents)
}

// AppendAssistant records an assistant turn. If the model-visible window is
// empty, a synthetic FAKE user filler is inserted first so the window always
// opens with a user turn.
func (s *Store) AppendAssistant(contents ...string) (Message, error) {
	return s.append(RoleAssistant, contents)
}

func (s *Store) append(role Role, contents []string) (Message, error) {
	if !hasContent(contents) {
		s.log.Warn("append rejected: empty content", "role", string(role))
		return Message{}, ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A fresh store, or a window emptied by a just-applied summary: the
	// cursor points past the tail and the next append opens a new window.
	if s.firstLlmIndex >= len(s.messages) {
		s.firstLlmIndex = len(s.messages)
		if role == RoleAssistant {
			s.messages = append(s.messages, newMessage(RoleUser, []string{FillerBody}))
			s.messages[len(s.messages)-1].setAttribute(AttrFake)
			s.log.Debug("inserted filler user message", "index", len(s.messages)-1)
		}
		msg := newMessage(role, contents)
		s.messages = append(s.messages, msg)
		return msg.clone(), nil
	}

	if last := s.lastTurnInWindow(); last != nil && last.Role == role {
		last.Contents = append(last.Contents, contents...)
		last.setAttribute(AttrMerged)
		last.Metadata.Timings[TimingCreation] = time.Now()
		s.log.Debug("merged same-role append", "role", string(role), "id", last.ID)
		return last.clone(), nil
	}

	msg := newMessage(role, contents)
	s.messages = append(s.messages, msg)
	return msg.clone(), nil
}

// lastTurnInWindow returns the last non-summary message at or after the
// model-visible cursor, or nil.
func (s *Store) lastTurnInWindow() *Message {
	for i := len(s.messages) - 1; i >= s.firstLlmIndex; i-- {
		if s.messages[i].Role != RoleSummary {
			return s.messages[i]
		}
	}
	return nil
}

// MetaView returns the full ordered history, summaries and fillers included.
func (s *Store) MetaView() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.clone())
	}
	return out
}

// LLMView returns the model-visible subsequence: everything from the first
// model-visible index onward, summaries excluded. Empty when the cursor
// points past the tail.
func (s *Store) LLMView() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstLlmIndex >= len(s.messages) {
		return nil
	}
	var out []Message
	for _, m := range s.messages[s.firstLlmIndex:] {
		if m.Role == RoleSummary {
			continue
		}
		out = append(out, m.clone())
	}
	return out
}

// SummaryWindow is the input to one summarization round: the previous
// summary for context plus the closed turns to condense.
type SummaryWindow struct {
	// LastSummary is the most recent summary, nil when none exists.
	LastSummary *Message

	// Messages are the non-summary turns to condense, in order.
	Messages []Message

	// LastIndex is the store index of the final message in Messages.
	LastIndex int
}

// Empty reports whether the window contains no turns to condense.
func (w SummaryWindow) Empty() bool { return len(w.Messages) == 0 }

// SummaryInfo returns the current summarization window: every non-summary
// message from the model-visible cursor through the last assistant turn. A
// trailing unanswered user turn is deliberately excluded — it may still
// merge with a later same-role append. Empty when no assistant turn exists
// in range.
func (s *Store) SummaryInfo() SummaryWindow {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastAssistant := -1
	for i := len(s.messages) - 1; i >= s.firstLlmIndex; i-- {
		if s.messages[i].Role == RoleAssistant {
			lastAssistant = i
			break
		}
	}
	if lastAssistant < 0 {
		return SummaryWindow{LastIndex: -1}
	}

	w := SummaryWindow{LastIndex: lastAssistant}
	if s.lastSummaryIndex >= 0 {
		prev := s.messages[s.lastSummaryIndex].clone()
		w.LastSummary = &prev
	}
	for i := s.firstLlmIndex; i <= lastAssistant; i++ {
		if s.messages[i].Role == RoleSummary {
			continue
		}
		w.Messages = append(w.Messages, s.messages[i].clone())
	}
	return w
}

// ApplySummary inserts a SUMMARY message immediately after the window's last
// turn, records the contributing message IDs, and advances the model-visible
// cursor past the new summary.
func (s *Store) ApplySummary(summaryText string, window SummaryWindow) (Message, error) {
	if window.Empty() {
		s.log.Warn("summary rejected: empty window")
		return Message{}, ErrEmptyWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	summary := newMessage(RoleSummary, []string{summaryText})
	for _, m := range window.Messages {
		summary.Metadata.SummaryIDs = append(summary.Metadata.SummaryIDs, m.ID)
	}

	at := window.LastIndex + 1
	if at > len(s.messages) {
		at = len(s.messages)
	}
	s.messages = append(s.messages, nil)
	copy(s.messages[at+1:], s.messages[at:])
	s.messages[at] = summary

	s.lastSummaryIndex = at
	s.firstLlmIndex = at + 1
	s.log.Info("summary applied", "index", at, "condensed", len(window.Messages))
	return summary.clone(), nil
}

// ExportIncremental returns every message appended since the previous export
// and advances the cursor past them. With excludeLast the final message
// stays unexported — it may still merge with a future same-role append — and
// will be picked up by the next export instead.
func (s *Store) ExportIncremental(excludeLast bool) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := len(s.messages)
	if excludeLast {
		end--
	}
	if end <= s.serializationCursor {
		return nil
	}
	out := make([]Message, 0, end-s.serializationCursor)
	for _, m := range s.messages[s.serializationCursor:end] {
		out = append(out, m.clone())
	}
	s.serializationCursor = end
	return out
}

func hasContent(contents []string) bool {
	for _, c := range contents {
		if c != "" {
			return true
		}
	}
	return false
}
