package types

import (
	"encoding/json"
	"time"
)

type ActorKind string

const (
	ActorPerson  ActorKind = "Person"
	ActorService ActorKind = "Service"
)

// User is a local actor identity. Key material lives in the key registry,
// not here.
type User struct {
	Handle    string    `json:"handle"`
	Name      string    `json:"name"`
	Summary   string    `json:"summary,omitempty"`
	Kind      ActorKind `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

type SelectorType string

const (
	TextQuoteSelector SelectorType = "TextQuoteSelector"
	DOMSelector       SelectorType = "DOMSelector"
	TimestampSelector SelectorType = "TimestampSelector"
)

// Selector narrows an annotation to a part of its target resource.
// Exact/Prefix/Suffix apply to text quotes, Value to DOM selectors and
// Start/End to timestamp ranges.
type Selector struct {
	Type   SelectorType `json:"type"`
	Exact  string       `json:"exact,omitempty"`
	Prefix string       `json:"prefix,omitempty"`
	Suffix string       `json:"suffix,omitempty"`
	Value  string       `json:"value,omitempty"`
	Start  string       `json:"start,omitempty"`
	End    string       `json:"end,omitempty"`
}

type Target struct {
	Href     string    `json:"href"`
	Selector *Selector `json:"selector,omitempty"`
}

type Annotation struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	AttributedTo string    `json:"attributedTo"`
	Content      string    `json:"content"`
	Target       Target    `json:"target"`
	Published    time.Time `json:"published"`
	InReplyTo    string    `json:"inReplyTo,omitempty"`
	To           []string  `json:"to,omitempty"`
	Cc           []string  `json:"cc,omitempty"`
}

// Follower is a remote actor subscribed to a local actor. Rows are keyed
// by (LocalHandle, ID).
type Follower struct {
	ID          string    `json:"id"`
	Inbox       string    `json:"inbox"`
	LocalHandle string    `json:"local_handle"`
	Since       time.Time `json:"since"`
}

type FollowState string

const (
	FollowPending  FollowState = "pending"
	FollowAccepted FollowState = "accepted"
	FollowRejected FollowState = "rejected"
)

// Follow tracks an outbound Follow activity until the remote answers.
type Follow struct {
	ID        string      `json:"id"`
	Actor     string      `json:"actor"`
	Object    string      `json:"object"`
	Inbox     string      `json:"inbox"`
	State     FollowState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ActivityRecord is an immutable log entry for a locally originated
// activity. Raw holds the exact wire document.
type ActivityRecord struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    string          `json:"object,omitempty"`
	Raw       json.RawMessage `json:"raw"`
	CreatedAt time.Time       `json:"created_at"`
}
