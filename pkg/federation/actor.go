package federation

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"marginalia/pkg/keys"
	"marginalia/pkg/store"
	"marginalia/pkg/types"

	"go.uber.org/zap"
)

// ActorDocument is an actor profile, both served for local actors and
// decoded from remote ones.
type ActorDocument struct {
	Context           interface{}        `json:"@context,omitempty"`
	ID                string             `json:"id"`
	Type              string             `json:"type"`
	PreferredUsername string             `json:"preferredUsername,omitempty"`
	Name              string             `json:"name,omitempty"`
	Summary           string             `json:"summary,omitempty"`
	Inbox             string             `json:"inbox"`
	Outbox            string             `json:"outbox,omitempty"`
	Followers         string             `json:"followers,omitempty"`
	Endpoints         *Endpoints         `json:"endpoints,omitempty"`
	PublicKey         *PublicKeyDocument `json:"publicKey,omitempty"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKeyDocument struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Recipient is a follower as listed in a followers collection.
type Recipient struct {
	ID    string `json:"id"`
	Inbox string `json:"inbox"`
}

type OrderedCollection struct {
	Context      interface{}   `json:"@context,omitempty"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	TotalItems   int           `json:"totalItems"`
	OrderedItems []interface{} `json:"orderedItems"`
}

// Dispatcher answers questions about local actors: profiles, keys,
// followers and outboxes. Unknown handles yield nil results, not errors.
type Dispatcher struct {
	baseURL string
	store   *store.Store
	keys    *keys.Registry
	logger  *zap.Logger
	now     func() time.Time
}

func NewDispatcher(baseURL string, st *store.Store, registry *keys.Registry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		store:   st,
		keys:    registry,
		logger:  logger,
		now:     time.Now,
	}
}

func (d *Dispatcher) BaseURL() string { return d.baseURL }

func (d *Dispatcher) ActorURI(handle string) string {
	return d.baseURL + "/users/" + url.PathEscape(handle)
}

func (d *Dispatcher) InboxURI(handle string) string     { return d.ActorURI(handle) + "/inbox" }
func (d *Dispatcher) OutboxURI(handle string) string    { return d.ActorURI(handle) + "/outbox" }
func (d *Dispatcher) FollowersURI(handle string) string { return d.ActorURI(handle) + "/followers" }
func (d *Dispatcher) SharedInboxURI() string            { return d.baseURL + "/inbox" }
func (d *Dispatcher) KeyID(handle string) string        { return d.ActorURI(handle) + "#main-key" }

// HandleFromURI extracts the handle from a local actor URI.
func (d *Dispatcher) HandleFromURI(uri string) (string, bool) {
	prefix := d.baseURL + "/users/"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(uri, prefix)
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	handle, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return handle, true
}

// IsLocal reports whether uri belongs to this instance.
func (d *Dispatcher) IsLocal(uri string) bool {
	return strings.HasPrefix(uri, d.baseURL+"/")
}

// Provision creates the user record and key pair for handle. Provisioning
// an existing handle keeps its record and only ensures the keys exist.
func (d *Dispatcher) Provision(ctx context.Context, handle, name, summary string, kind types.ActorKind) (*types.User, error) {
	if handle == "" || strings.ContainsAny(handle, "/#?@ ") {
		return nil, fmt.Errorf("invalid handle %q", handle)
	}
	if kind == "" {
		kind = types.ActorPerson
	}
	if name == "" {
		name = handle
	}

	user := types.User{
		Handle:    handle,
		Name:      name,
		Summary:   summary,
		Kind:      kind,
		CreatedAt: d.now().UTC(),
	}
	err := d.store.CreateUser(ctx, user)
	switch {
	case err == nil:
		d.logger.Info("Provisioned actor", zap.String("handle", handle), zap.String("kind", string(kind)))
	case errors.Is(err, store.ErrExists):
		existing, err := d.store.GetUser(ctx, handle)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			user = *existing
		}
	default:
		return nil, err
	}

	if _, err := d.keys.GetOrCreateKeyPair(ctx, handle); err != nil {
		return nil, fmt.Errorf("provisioning keys for %s: %w", handle, err)
	}
	return &user, nil
}

// Profile returns the actor document for handle, or nil for unknown
// handles.
func (d *Dispatcher) Profile(ctx context.Context, handle string) (*ActorDocument, error) {
	user, err := d.store.GetUser(ctx, handle)
	if err != nil || user == nil {
		return nil, err
	}
	kp, err := d.keys.GetOrCreateKeyPair(ctx, handle)
	if err != nil {
		return nil, err
	}

	kind := string(user.Kind)
	if kind == "" {
		kind = string(types.ActorPerson)
	}
	id := d.ActorURI(handle)
	return &ActorDocument{
		Context:           []string{ActivityStreamsContext, SecurityContext},
		ID:                id,
		Type:              kind,
		PreferredUsername: handle,
		Name:              user.Name,
		Summary:           user.Summary,
		Inbox:             d.InboxURI(handle),
		Outbox:            d.OutboxURI(handle),
		Followers:         d.FollowersURI(handle),
		Endpoints:         &Endpoints{SharedInbox: d.SharedInboxURI()},
		PublicKey: &PublicKeyDocument{
			ID:           d.KeyID(handle),
			Owner:        id,
			PublicKeyPem: kp.PublicKeyPEM,
		},
	}, nil
}

// KeyPairs returns the key pairs of handle; empty for unknown handles.
func (d *Dispatcher) KeyPairs(ctx context.Context, handle string) ([]*keys.KeyPair, error) {
	user, err := d.store.GetUser(ctx, handle)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return []*keys.KeyPair{}, nil
	}
	kp, err := d.keys.GetOrCreateKeyPair(ctx, handle)
	if err != nil {
		return nil, err
	}
	return []*keys.KeyPair{kp}, nil
}

// Followers returns the followers collection of handle, or nil for
// unknown handles.
func (d *Dispatcher) Followers(ctx context.Context, handle string) (*OrderedCollection, error) {
	user, err := d.store.GetUser(ctx, handle)
	if err != nil || user == nil {
		return nil, err
	}
	followers, err := d.store.ListFollowers(ctx, handle)
	if err != nil {
		return nil, err
	}

	items := make([]interface{}, 0, len(followers))
	for _, f := range followers {
		items = append(items, Recipient{ID: f.ID, Inbox: f.Inbox})
	}
	return &OrderedCollection{
		Context:      ActivityStreamsContext,
		ID:           d.FollowersURI(handle),
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	}, nil
}

// Outbox returns the activities handle originated, newest first, or nil
// for unknown handles.
func (d *Dispatcher) Outbox(ctx context.Context, handle string) (*OrderedCollection, error) {
	user, err := d.store.GetUser(ctx, handle)
	if err != nil || user == nil {
		return nil, err
	}
	records, err := d.store.ListActivitiesByActor(ctx, d.ActorURI(handle))
	if err != nil {
		return nil, err
	}

	items := make([]interface{}, 0, len(records))
	for _, rec := range records {
		items = append(items, rec.Raw)
	}
	return &OrderedCollection{
		Context:      ActivityStreamsContext,
		ID:           d.OutboxURI(handle),
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	}, nil
}

// SigningKey resolves a local actor URI to its key id and private key.
func (d *Dispatcher) SigningKey(ctx context.Context, actorID string) (string, *rsa.PrivateKey, error) {
	handle, ok := d.HandleFromURI(actorID)
	if !ok {
		return "", nil, fmt.Errorf("%s is not a local actor", actorID)
	}
	kp, err := d.keys.KeyPair(ctx, handle)
	if err != nil {
		return "", nil, err
	}
	if kp == nil {
		return "", nil, fmt.Errorf("no key pair for %s", handle)
	}
	key, err := keys.ParsePrivateKeyPEM(kp.PrivateKeyPEM)
	if err != nil {
		return "", nil, err
	}
	return d.KeyID(handle), key, nil
}

// recordActivity appends an originated activity to the log.
func (d *Dispatcher) recordActivity(ctx context.Context, env *Envelope, object string) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding activity %s: %w", env.ID, err)
	}
	return d.store.SaveActivity(ctx, types.ActivityRecord{
		ID:        env.ID,
		Type:      env.Type,
		Actor:     env.Actor,
		Object:    object,
		Raw:       raw,
		CreatedAt: d.now().UTC(),
	})
}
