// Package conversation maintains the alternating user/assistant history of
// one phone call, interleaved summaries, and the cursors that carve out the
// model-visible window and the incremental export segment.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role of a stored message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleSummary   Role = "SUMMARY"
)

// Attribute marks a structural property of a message.
type Attribute string

const (
	// AttrFake marks the synthetic "..." user filler inserted so that the
	// model-visible history always opens with a user turn.
	AttrFake Attribute = "FAKE"

	// AttrMerged marks a message that absorbed a same-role append.
	AttrMerged Attribute = "MERGED"
)

// Timing names a recorded timestamp on a message.
type Timing string

// TimingCreation is stamped on every append, including merges.
const TimingCreation Timing = "CREATION"

// Metadata carries the non-content facets of a message.
type Metadata struct {
	Attributes map[Attribute]struct{}
	Timings    map[Timing]time.Time

	// SummaryIDs lists, on a SUMMARY message, the IDs of the messages the
	// summary condensed.
	SummaryIDs []string

	Extras map[string]string
}

// Message is one entry of a conversation store. IDs are unique within a
// store; contents accumulate when same-role appends merge.
type Message struct {
	ID       string
	Role     Role
	Contents []string
	Metadata Metadata
}

func newMessage(role Role, contents []string) *Message {
	return &Message{
		ID:       uuid.NewString(),
		Role:     role,
		Contents: contents,
		Metadata: Metadata{
			Attributes: make(map[Attribute]struct{}),
			Timings:    map[Timing]time.Time{TimingCreation: time.Now()},
			Extras:     make(map[string]string),
		},
	}
}

// HasAttribute reports whether the message carries attr.
func (m *Message) HasAttribute(attr Attribute) bool {
	_, ok := m.Metadata.Attributes[attr]
	return ok
}

func (m *Message) setAttribute(attr Attribute) {
	m.Metadata.Attributes[attr] = struct{}{}
}

// clone returns a deep copy, so view callers can never mutate store state.
func (m *Message) clone() Message {
	cp := Message{
		ID:       m.ID,
		Role:     m.Role,
		Contents: append([]string(nil), m.Contents...),
		Metadata: Metadata{
			Attributes: make(map[Attribute]struct{}, len(m.Metadata.Attributes)),
			Timings:    make(map[Timing]time.Time, len(m.Metadata.Timings)),
			SummaryIDs: append([]string(nil), m.Metadata.SummaryIDs...),
			Extras:     make(map[string]string, len(m.Metadata.Extras)),
		},
	}
	for a := range m.Metadata.Attributes {
		cp.Metadata.Attributes[a] = struct{}{}
	}
	for k, v := range m.Metadata.Timings {
		cp.Metadata.Timings[k] = v
	}
	for k, v := range m.Metadata.Extras {
		cp.Metadata.Extras[k] = v
	}
	return cp
}
