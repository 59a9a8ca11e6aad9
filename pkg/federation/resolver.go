package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marginalia/pkg/keys"
	"marginalia/pkg/signature"

	"go.uber.org/zap"
)

var (
	ErrPrivateAddress   = errors.New("refusing to fetch from a private address")
	ErrKeyOwnerMismatch = errors.New("key owner does not publish key")
)

const maxRemoteDocument = 1 << 20

// Resolver fetches remote actors, objects and keys.
type Resolver struct {
	client *http.Client
	cache  *KeyCache
	logger *zap.Logger
	guard  *AddressGuard
}

// NewResolver returns a Resolver that refuses private addresses. A nil
// client gets one built on the resolver's guard; a caller-supplied client
// should come from AddressGuard.Client.
func NewResolver(client *http.Client, cache *KeyCache, logger *zap.Logger) *Resolver {
	guard := NewAddressGuard(false)
	if client == nil {
		client = guard.Client(10 * time.Second)
	}
	if cache == nil {
		cache = NewKeyCache(5 * time.Minute)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		client: client,
		cache:  cache,
		logger: logger,
		guard:  guard,
	}
}

// AllowPrivateAddresses permits fetches from loopback, private and
// link-local addresses.
func (r *Resolver) AllowPrivateAddresses(allow bool) {
	r.guard.AllowPrivate(allow)
}

// SetAddressGuard replaces the guard used for URL checks, typically the
// one the resolver's client was built from.
func (r *Resolver) SetAddressGuard(g *AddressGuard) {
	r.guard = g
}

// LookupActor fetches and decodes a remote actor document.
func (r *Resolver) LookupActor(ctx context.Context, uri string) (*ActorDocument, error) {
	raw, err := r.FetchObject(ctx, uri)
	if err != nil {
		return nil, err
	}
	var doc ActorDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding actor %s: %w", uri, err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("actor %s has no id", uri)
	}
	return &doc, nil
}

// FetchObject GETs uri as an activity document.
func (r *Resolver) FetchObject(ctx context.Context, uri string) (json.RawMessage, error) {
	if err := r.guard.CheckURL(uri); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", uri, err)
	}
	req.Header.Set("Accept", signature.ContentType+", application/ld+json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching %s: status %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteDocument+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", uri, err)
	}
	if len(body) > maxRemoteDocument {
		return nil, fmt.Errorf("document %s exceeds %d bytes", uri, maxRemoteDocument)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("document %s is not JSON", uri)
	}
	return json.RawMessage(body), nil
}

// FetchPublicKey resolves a signature keyId. The key document is either
// the owning actor (keyId with a fragment) or a standalone key object.
// Unless the key came from the owner's own document, the owner is fetched
// and must list keyID as its publicKey.
func (r *Resolver) FetchPublicKey(ctx context.Context, keyID string) (*signature.PublicKey, error) {
	if key, ok := r.cache.Get(keyID); ok {
		return key, nil
	}

	docURL := keyID
	if i := strings.IndexByte(docURL, '#'); i >= 0 {
		docURL = docURL[:i]
	}

	raw, err := r.FetchObject(ctx, docURL)
	if err != nil {
		return nil, err
	}

	var doc struct {
		ID           string             `json:"id"`
		Owner        string             `json:"owner"`
		PublicKeyPem string             `json:"publicKeyPem"`
		PublicKey    *PublicKeyDocument `json:"publicKey"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding key document %s: %w", docURL, err)
	}

	var pkd PublicKeyDocument
	switch {
	case doc.PublicKey != nil && doc.PublicKey.ID == keyID:
		pkd = *doc.PublicKey
		if pkd.Owner == "" {
			pkd.Owner = doc.ID
		}
	case doc.ID == keyID && doc.PublicKeyPem != "":
		pkd = PublicKeyDocument{ID: doc.ID, Owner: doc.Owner, PublicKeyPem: doc.PublicKeyPem}
	default:
		return nil, fmt.Errorf("key %s not found in %s", keyID, docURL)
	}

	if pkd.Owner == "" {
		return nil, fmt.Errorf("key %s has no owner", keyID)
	}
	if pkd.Owner != doc.ID || doc.ID != docURL {
		if err := r.confirmOwner(ctx, pkd.Owner, keyID); err != nil {
			return nil, err
		}
	}

	pub, err := keys.ParsePublicKeyPEM(pkd.PublicKeyPem)
	if err != nil {
		return nil, fmt.Errorf("parsing key %s: %w", keyID, err)
	}

	key := &signature.PublicKey{ID: keyID, Owner: pkd.Owner, Key: pub}
	r.cache.Put(keyID, key)
	r.logger.Debug("Fetched remote key", zap.String("key_id", keyID), zap.String("owner", key.Owner))
	return key, nil
}

// confirmOwner checks that the owner's own actor document publishes keyID.
func (r *Resolver) confirmOwner(ctx context.Context, owner, keyID string) error {
	actor, err := r.LookupActor(ctx, owner)
	if err != nil {
		return fmt.Errorf("resolving owner of key %s: %w", keyID, err)
	}
	if actor.ID != owner || actor.PublicKey == nil || actor.PublicKey.ID != keyID {
		return fmt.Errorf("%w: %s does not publish key %s", ErrKeyOwnerMismatch, owner, keyID)
	}
	return nil
}

// InboxFor returns the actor's inbox, falling back to actorURI + "/inbox"
// when the actor cannot be fetched. A refused or private inbox is an
// error.
func (r *Resolver) InboxFor(ctx context.Context, actorURI string) (string, error) {
	return resolveInbox(ctx, r, actorURI, r.logger)
}

func resolveInbox(ctx context.Context, resolver RemoteResolver, actorURI string, logger *zap.Logger) (string, error) {
	inbox := strings.TrimSuffix(actorURI, "/") + "/inbox"
	check := strictGuard.CheckURL
	if resolver != nil {
		check = resolver.CheckAddress
		doc, err := resolver.LookupActor(ctx, actorURI)
		switch {
		case errors.Is(err, ErrPrivateAddress):
			return "", err
		case err == nil && doc.Inbox != "":
			inbox = doc.Inbox
		default:
			logger.Debug("Actor lookup failed, using default inbox",
				zap.String("actor", actorURI),
				zap.Error(err))
		}
	}
	if err := check(inbox); err != nil {
		return "", err
	}
	return inbox, nil
}

// CheckAddress reports whether uri may be contacted.
func (r *Resolver) CheckAddress(uri string) error {
	return r.guard.CheckURL(uri)
}
