package federation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"marginalia/pkg/store"
	"marginalia/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownActor   = errors.New("unknown local actor")
)

// CreateAnnotationRequest is a locally authored annotation.
type CreateAnnotationRequest struct {
	Author    string        `json:"author"`
	Content   string        `json:"content"`
	Target    *types.Target `json:"target,omitempty"`
	InReplyTo string        `json:"inReplyTo,omitempty"`
	// ReplyTo names a remote actor to notify in addition to followers.
	ReplyTo string `json:"replyTo,omitempty"`
}

// Publisher is the local write path: it stores new annotations and
// follows and schedules their delivery.
type Publisher struct {
	dispatcher     *Dispatcher
	store          *store.Store
	resolver       RemoteResolver
	queue          Submitter
	instanceHandle string
	metrics        *Metrics
	logger         *zap.Logger
	now            func() time.Time
	newID          func() string
}

func NewPublisher(dispatcher *Dispatcher, st *store.Store, resolver RemoteResolver, queue Submitter, instanceHandle string, metrics *Metrics, logger *zap.Logger) *Publisher {
	if metrics == nil {
		metrics = newPrivateMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		dispatcher:     dispatcher,
		store:          st,
		resolver:       resolver,
		queue:          queue,
		instanceHandle: instanceHandle,
		metrics:        metrics,
		logger:         logger,
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// CreateAnnotation stores a new annotation by req.Author and fans a Create
// out to the author's and the instance actor's followers. It returns once
// the annotation is stored; delivery continues in the background.
func (p *Publisher) CreateAnnotation(ctx context.Context, req CreateAnnotationRequest) (*types.Annotation, error) {
	user, err := p.store.GetUser(ctx, req.Author)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActor, req.Author)
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}

	var parent *types.Annotation
	if req.InReplyTo != "" {
		parent, err = p.store.GetAnnotation(ctx, req.InReplyTo)
		if err != nil {
			return nil, err
		}
	}

	var target types.Target
	switch {
	case parent != nil && parent.Target.Href != "":
		target = types.Target{Href: parent.Target.Href}
		if req.Target != nil && req.Target.Href == target.Href && req.Target.Selector != nil {
			sel := *req.Target.Selector
			target.Selector = &sel
		}
	case req.Target != nil && validHref(req.Target.Href):
		target = *req.Target
	default:
		return nil, fmt.Errorf("%w: an absolute http(s) target href or a known parent is required", ErrInvalidRequest)
	}

	actor := p.dispatcher.ActorURI(user.Handle)
	now := p.now().UTC()
	annotation := types.Annotation{
		ID:           p.dispatcher.BaseURL() + "/annotations/" + p.newID(),
		Type:         "Note",
		AttributedTo: actor,
		Content:      content,
		Target:       target,
		Published:    now,
		InReplyTo:    req.InReplyTo,
		To:           []string{PublicCollection},
		Cc:           []string{p.dispatcher.FollowersURI(user.Handle)},
	}
	if _, err := p.store.SaveAnnotation(ctx, annotation); err != nil {
		return nil, err
	}

	create := &Envelope{
		Context:   ActivityStreamsContext,
		ID:        p.dispatcher.BaseURL() + "/activities/" + p.newID(),
		Type:      "Create",
		Actor:     actor,
		Object:    NoteFromAnnotation(annotation),
		To:        annotation.To,
		Cc:        annotation.Cc,
		Published: now.Format(time.RFC3339),
	}
	if err := p.dispatcher.recordActivity(ctx, create, annotation.ID); err != nil {
		p.logger.Warn("Failed to log Create", zap.String("activity", create.ID), zap.Error(err))
	}

	inboxes, err := p.recipients(ctx, user.Handle)
	if err != nil {
		p.logger.Error("Failed to list followers", zap.String("handle", user.Handle), zap.Error(err))
	}
	for _, remote := range p.notifyActors(req, parent) {
		inbox, err := resolveInbox(ctx, p.resolver, remote, p.logger)
		if err != nil {
			p.logger.Warn("Not notifying actor", zap.String("actor", remote), zap.Error(err))
			continue
		}
		inboxes = append(inboxes, inbox)
	}

	p.metrics.AnnotationsPublished.Inc()
	p.logger.Info("Published annotation",
		zap.String("annotation", annotation.ID),
		zap.String("target", target.Href),
		zap.Int("recipients", len(uniqueInboxes(inboxes))))
	if p.queue != nil {
		p.queue.SubmitFanOut(create, actor, inboxes)
	}

	result := annotation
	return &result, nil
}

// recipients is the union of the author's and the instance actor's
// follower inboxes, one per follower.
func (p *Publisher) recipients(ctx context.Context, handle string) ([]string, error) {
	handles := []string{handle}
	if p.instanceHandle != "" && p.instanceHandle != handle {
		handles = append(handles, p.instanceHandle)
	}

	seen := map[string]bool{}
	inboxes := []string{}
	for _, h := range handles {
		followers, err := p.store.ListFollowers(ctx, h)
		if err != nil {
			return inboxes, err
		}
		for _, f := range followers {
			if seen[f.ID] {
				continue
			}
			seen[f.ID] = true
			inboxes = append(inboxes, f.Inbox)
		}
	}
	return inboxes, nil
}

// notifyActors lists remote actors that should see a reply directly.
func (p *Publisher) notifyActors(req CreateAnnotationRequest, parent *types.Annotation) []string {
	actors := []string{}
	if req.ReplyTo != "" && !p.dispatcher.IsLocal(req.ReplyTo) {
		actors = append(actors, req.ReplyTo)
	}
	if parent != nil && parent.AttributedTo != "" && !p.dispatcher.IsLocal(parent.AttributedTo) && parent.AttributedTo != req.ReplyTo {
		actors = append(actors, parent.AttributedTo)
	}
	return actors
}

// Subscribe sends a Follow from the local actor handle to target and
// tracks it as pending until the remote answers.
func (p *Publisher) Subscribe(ctx context.Context, handle, target string) (*types.Follow, error) {
	user, err := p.store.GetUser(ctx, handle)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActor, handle)
	}
	if !validHref(target) {
		return nil, fmt.Errorf("%w: target must be an absolute http(s) actor URI", ErrInvalidRequest)
	}
	if p.resolver == nil {
		return nil, fmt.Errorf("no resolver configured")
	}

	remote, err := p.resolver.LookupActor(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", target, err)
	}
	inbox := remote.Inbox
	if inbox == "" {
		inbox = strings.TrimSuffix(target, "/") + "/inbox"
	}
	if err := p.resolver.CheckAddress(inbox); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	actor := p.dispatcher.ActorURI(handle)
	follow := &Envelope{
		Context: ActivityStreamsContext,
		ID:      p.dispatcher.BaseURL() + "/activities/" + p.newID(),
		Type:    "Follow",
		Actor:   actor,
		Object:  remote.ID,
	}

	now := p.now().UTC()
	record := types.Follow{
		ID:        follow.ID,
		Actor:     actor,
		Object:    remote.ID,
		Inbox:     inbox,
		State:     types.FollowPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.SaveFollow(ctx, record); err != nil {
		return nil, err
	}
	if err := p.dispatcher.recordActivity(ctx, follow, remote.ID); err != nil {
		p.logger.Warn("Failed to log Follow", zap.String("activity", follow.ID), zap.Error(err))
	}

	p.logger.Info("Following remote actor", zap.String("handle", handle), zap.String("target", remote.ID))
	if p.queue != nil {
		p.queue.Submit(follow, actor, inbox)
	}
	return &record, nil
}

func validHref(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
