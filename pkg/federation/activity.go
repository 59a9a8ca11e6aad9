package federation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marginalia/pkg/types"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
)

var ErrMalformedActivity = errors.New("malformed activity")

// Envelope is the wire form of an activity this instance originates.
type Envelope struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor"`
	Object    interface{} `json:"object,omitempty"`
	To        []string    `json:"to,omitempty"`
	Cc        []string    `json:"cc,omitempty"`
	Published string      `json:"published,omitempty"`
}

// Ref is an IRI that may arrive either as a string or as an embedded
// object carrying an id.
type Ref string

func (r *Ref) UnmarshalJSON(data []byte) error {
	*r = Ref(refID(data))
	return nil
}

func refID(data json.RawMessage) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// StringList accepts a single string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = StringList{one}
		return nil
	}
	var many []Ref
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	out := make(StringList, 0, len(many))
	for _, r := range many {
		if r != "" {
			out = append(out, string(r))
		}
	}
	*l = out
	return nil
}

// Tag is a note tag; a Link named "target" carries the annotated href.
type Tag struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	Href string `json:"href,omitempty"`
}

// TagList accepts a single tag object or an array; non-object entries are
// skipped.
type TagList []Tag

func (l *TagList) UnmarshalJSON(data []byte) error {
	var one Tag
	if err := json.Unmarshal(data, &one); err == nil {
		*l = TagList{one}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(TagList, 0, len(raw))
	for _, item := range raw {
		var t Tag
		if err := json.Unmarshal(item, &t); err == nil {
			out = append(out, t)
		}
	}
	*l = out
	return nil
}

// Note is the annotation object as exchanged between instances.
type Note struct {
	Context      interface{}   `json:"@context,omitempty"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	AttributedTo Ref           `json:"attributedTo,omitempty"`
	Content      string        `json:"content"`
	InReplyTo    Ref           `json:"inReplyTo,omitempty"`
	Published    string        `json:"published,omitempty"`
	To           StringList    `json:"to,omitempty"`
	Cc           StringList    `json:"cc,omitempty"`
	Tag          TagList       `json:"tag,omitempty"`
	Target       *types.Target `json:"target,omitempty"`
}

// NoteFromAnnotation renders a stored annotation as a Note, tagging the
// target href so receivers that ignore the target extension can still
// resolve it.
func NoteFromAnnotation(a types.Annotation) *Note {
	n := &Note{
		ID:           a.ID,
		Type:         "Note",
		AttributedTo: Ref(a.AttributedTo),
		Content:      a.Content,
		InReplyTo:    Ref(a.InReplyTo),
		Published:    a.Published.UTC().Format(time.RFC3339),
		To:           a.To,
		Cc:           a.Cc,
	}
	if a.Target.Href != "" {
		target := a.Target
		n.Target = &target
		n.Tag = TagList{{Type: "Link", Name: "target", Href: a.Target.Href}}
	}
	return n
}

func (n *Note) toAnnotation(target types.Target, now time.Time) types.Annotation {
	published, err := time.Parse(time.RFC3339, n.Published)
	if err != nil {
		published = now
	}
	return types.Annotation{
		ID:           n.ID,
		Type:         n.Type,
		AttributedTo: string(n.AttributedTo),
		Content:      n.Content,
		Target:       target,
		Published:    published.UTC(),
		InReplyTo:    string(n.InReplyTo),
		To:           []string(n.To),
		Cc:           []string(n.Cc),
	}
}

// Activity is the closed set of inbound activity variants.
type Activity interface {
	ActivityID() string
	ActorID() string
	isActivity()
}

type CreateActivity struct {
	ID    string
	Actor string
	// Note is nil when the object is not an embedded Note.
	Note *Note
	// ObjectIRI is set when the created object is a bare reference.
	ObjectIRI string
}

type AnnounceActivity struct {
	ID    string
	Actor string
	Note  *Note
	// ObjectIRI is set when the announced object is a bare reference.
	ObjectIRI string
}

type FollowActivity struct {
	ID     string
	Actor  string
	Object string
	Raw    json.RawMessage
}

type UndoActivity struct {
	ID    string
	Actor string
	// Follow is nil unless the undone object is an embedded Follow.
	Follow *FollowActivity
}

type AcceptActivity struct {
	ID       string
	Actor    string
	FollowID string
}

type RejectActivity struct {
	ID       string
	Actor    string
	FollowID string
}

type UnhandledActivity struct {
	ID    string
	Type  string
	Actor string
}

func (a *CreateActivity) ActivityID() string    { return a.ID }
func (a *AnnounceActivity) ActivityID() string  { return a.ID }
func (a *FollowActivity) ActivityID() string    { return a.ID }
func (a *UndoActivity) ActivityID() string      { return a.ID }
func (a *AcceptActivity) ActivityID() string    { return a.ID }
func (a *RejectActivity) ActivityID() string    { return a.ID }
func (a *UnhandledActivity) ActivityID() string { return a.ID }

func (a *CreateActivity) ActorID() string    { return a.Actor }
func (a *AnnounceActivity) ActorID() string  { return a.Actor }
func (a *FollowActivity) ActorID() string    { return a.Actor }
func (a *UndoActivity) ActorID() string      { return a.Actor }
func (a *AcceptActivity) ActorID() string    { return a.Actor }
func (a *RejectActivity) ActorID() string    { return a.Actor }
func (a *UnhandledActivity) ActorID() string { return a.Actor }

func (*CreateActivity) isActivity()    {}
func (*AnnounceActivity) isActivity()  {}
func (*FollowActivity) isActivity()    {}
func (*UndoActivity) isActivity()      {}
func (*AcceptActivity) isActivity()    {}
func (*RejectActivity) isActivity()    {}
func (*UnhandledActivity) isActivity() {}

// TypeName returns the wire type of a decoded activity.
func TypeName(a Activity) string {
	switch v := a.(type) {
	case *CreateActivity:
		return "Create"
	case *AnnounceActivity:
		return "Announce"
	case *FollowActivity:
		return "Follow"
	case *UndoActivity:
		return "Undo"
	case *AcceptActivity:
		return "Accept"
	case *RejectActivity:
		return "Reject"
	case *UnhandledActivity:
		return v.Type
	default:
		return "unknown"
	}
}

type inboundEnvelope struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  Ref             `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// Decode parses an inbound document into its variant. Only invalid JSON
// or a missing type is an error; unknown types decode to
// UnhandledActivity.
func Decode(raw []byte) (Activity, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedActivity)
	}
	actor := string(env.Actor)

	switch env.Type {
	case "Create":
		c := &CreateActivity{ID: env.ID, Actor: actor}
		if iri := bareIRI(env.Object); iri != "" {
			c.ObjectIRI = iri
		} else {
			c.Note = decodeNote(env.Object)
		}
		return c, nil
	case "Announce":
		a := &AnnounceActivity{ID: env.ID, Actor: actor}
		if iri := bareIRI(env.Object); iri != "" {
			a.ObjectIRI = iri
		} else {
			a.Note = DecodeNoteObject(env.Object)
		}
		return a, nil
	case "Follow":
		return &FollowActivity{ID: env.ID, Actor: actor, Object: refID(env.Object), Raw: json.RawMessage(raw)}, nil
	case "Undo":
		u := &UndoActivity{ID: env.ID, Actor: actor}
		if inner, ok := decodeInner(env.Object); ok && inner.Type == "Follow" {
			u.Follow = &FollowActivity{
				ID:     inner.ID,
				Actor:  string(inner.Actor),
				Object: refID(inner.Object),
				Raw:    env.Object,
			}
		}
		return u, nil
	case "Accept":
		return &AcceptActivity{ID: env.ID, Actor: actor, FollowID: refID(env.Object)}, nil
	case "Reject":
		return &RejectActivity{ID: env.ID, Actor: actor, FollowID: refID(env.Object)}, nil
	default:
		return &UnhandledActivity{ID: env.ID, Type: env.Type, Actor: actor}, nil
	}
}

// DecodeNoteObject accepts a Note or a Create wrapping a Note, as found in
// Announce objects and fetched references.
func DecodeNoteObject(raw json.RawMessage) *Note {
	inner, ok := decodeInner(raw)
	if !ok {
		return nil
	}
	if inner.Type == "Create" {
		return decodeNote(inner.Object)
	}
	return decodeNote(raw)
}

func decodeNote(raw json.RawMessage) *Note {
	if bareIRI(raw) != "" {
		return nil
	}
	var n Note
	if err := json.Unmarshal(raw, &n); err != nil || n.Type != "Note" {
		return nil
	}
	return &n
}

func decodeInner(raw json.RawMessage) (*inboundEnvelope, bool) {
	if len(bytes.TrimSpace(raw)) == 0 || bareIRI(raw) != "" {
		return nil, false
	}
	var inner inboundEnvelope
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, false
	}
	return &inner, true
}

func bareIRI(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
