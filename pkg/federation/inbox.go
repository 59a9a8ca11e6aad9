package federation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"marginalia/pkg/store"
	"marginalia/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RemoteResolver fetches documents from other instances.
type RemoteResolver interface {
	LookupActor(ctx context.Context, uri string) (*ActorDocument, error)
	FetchObject(ctx context.Context, uri string) (json.RawMessage, error)
	CheckAddress(uri string) error
}

// Submitter hands activities to background delivery.
type Submitter interface {
	Submit(activity interface{}, actorID, inbox string)
	SubmitFanOut(activity interface{}, actorID string, inboxes []string)
}

// Inbox applies inbound activities to local state.
type Inbox struct {
	dispatcher *Dispatcher
	store      *store.Store
	resolver   RemoteResolver
	queue      Submitter
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func NewInbox(dispatcher *Dispatcher, st *store.Store, resolver RemoteResolver, queue Submitter, metrics *Metrics, logger *zap.Logger) *Inbox {
	if metrics == nil {
		metrics = newPrivateMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		dispatcher: dispatcher,
		store:      st,
		resolver:   resolver,
		queue:      queue,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Handle decodes raw and processes it for the inbox of handle; an empty
// handle is the shared inbox. Only a malformed document is an error.
func (in *Inbox) Handle(ctx context.Context, handle string, raw []byte) error {
	activity, err := Decode(raw)
	if err != nil {
		in.metrics.InboxRejected.WithLabelValues("malformed").Inc()
		return err
	}
	in.Process(ctx, handle, activity)
	return nil
}

// Process applies a decoded activity. Failures are logged and dropped.
func (in *Inbox) Process(ctx context.Context, handle string, activity Activity) {
	in.metrics.InboxActivities.WithLabelValues(TypeName(activity)).Inc()
	logger := in.logger.With(
		zap.String("activity", activity.ActivityID()),
		zap.String("actor", activity.ActorID()),
		zap.String("inbox", inboxLabel(handle)))

	switch a := activity.(type) {
	case *CreateActivity:
		in.processCreate(ctx, a, logger)
	case *AnnounceActivity:
		in.processAnnounce(ctx, a, logger)
	case *FollowActivity:
		in.processFollow(ctx, a, logger)
	case *UndoActivity:
		in.processUndo(ctx, handle, a, logger)
	case *AcceptActivity:
		in.transitionFollow(ctx, a.Actor, a.FollowID, types.FollowAccepted, logger)
	case *RejectActivity:
		in.transitionFollow(ctx, a.Actor, a.FollowID, types.FollowRejected, logger)
	case *UnhandledActivity:
		logger.Info("Ignoring unhandled activity type", zap.String("type", a.Type))
	}
}

func inboxLabel(handle string) string {
	if handle == "" {
		return "shared"
	}
	return handle
}

func (in *Inbox) processCreate(ctx context.Context, a *CreateActivity, logger *zap.Logger) {
	note := a.Note
	if note == nil && a.ObjectIRI != "" {
		raw, ok := in.fetchObject(ctx, a.ObjectIRI, logger)
		if !ok {
			return
		}
		note = decodeNote(raw)
	}
	if note == nil {
		logger.Debug("Ignoring Create of non-Note object")
		return
	}

	// A Create may only carry the sender's own notes.
	switch string(note.AttributedTo) {
	case "":
		note.AttributedTo = Ref(a.Actor)
	case a.Actor:
	default:
		logger.Warn("Dropping note attributed to another actor",
			zap.String("note", note.ID),
			zap.String("attributed_to", string(note.AttributedTo)))
		in.metrics.AnnotationsIngested.WithLabelValues("dropped").Inc()
		return
	}
	in.ingestNote(ctx, note, logger)
}

func (in *Inbox) processAnnounce(ctx context.Context, a *AnnounceActivity, logger *zap.Logger) {
	note := a.Note
	if note == nil && a.ObjectIRI != "" {
		raw, ok := in.fetchObject(ctx, a.ObjectIRI, logger)
		if !ok {
			return
		}
		note = DecodeNoteObject(raw)
	}
	if note == nil {
		logger.Debug("Ignoring Announce of non-Note object")
		return
	}
	in.ingestNote(ctx, note, logger)
}

// fetchObject dereferences an activity object given by IRI.
func (in *Inbox) fetchObject(ctx context.Context, iri string, logger *zap.Logger) (json.RawMessage, bool) {
	if in.resolver == nil {
		logger.Warn("Cannot fetch referenced object without a resolver", zap.String("object", iri))
		return nil, false
	}
	raw, err := in.resolver.FetchObject(ctx, iri)
	if err != nil {
		logger.Warn("Failed to fetch referenced object", zap.String("object", iri), zap.Error(err))
		in.metrics.AnnotationsIngested.WithLabelValues("dropped").Inc()
		return nil, false
	}
	return raw, true
}

// ingestNote stores an inbound note. A note whose target cannot be
// resolved is dropped; a note already stored is left as it was.
func (in *Inbox) ingestNote(ctx context.Context, note *Note, logger *zap.Logger) {
	if note.ID == "" {
		logger.Warn("Dropping note without id")
		in.metrics.AnnotationsIngested.WithLabelValues("dropped").Inc()
		return
	}

	target, ok := ResolveTarget(ctx, in.store, note)
	if !ok {
		logger.Info("Dropping note with no resolvable target", zap.String("note", note.ID))
		in.metrics.AnnotationsIngested.WithLabelValues("dropped").Inc()
		return
	}

	created, err := in.store.SaveAnnotation(ctx, note.toAnnotation(target, in.now()))
	if err != nil {
		logger.Error("Failed to store annotation", zap.String("note", note.ID), zap.Error(err))
		return
	}
	if !created {
		logger.Debug("Annotation already stored", zap.String("note", note.ID))
		in.metrics.AnnotationsIngested.WithLabelValues("duplicate").Inc()
		return
	}
	logger.Info("Stored annotation",
		zap.String("note", note.ID),
		zap.String("target", target.Href))
	in.metrics.AnnotationsIngested.WithLabelValues("stored").Inc()
}

func (in *Inbox) processFollow(ctx context.Context, f *FollowActivity, logger *zap.Logger) {
	if f.Actor == "" {
		logger.Warn("Ignoring Follow without actor")
		return
	}
	handle, ok := in.dispatcher.HandleFromURI(f.Object)
	if !ok {
		logger.Info("Ignoring Follow of non-local object", zap.String("object", f.Object))
		return
	}
	user, err := in.store.GetUser(ctx, handle)
	if err != nil {
		logger.Error("Failed to load followed actor", zap.String("handle", handle), zap.Error(err))
		return
	}
	if user == nil {
		logger.Info("Ignoring Follow of unknown actor", zap.String("handle", handle))
		return
	}

	inbox, err := resolveInbox(ctx, in.resolver, f.Actor, logger)
	if err != nil {
		logger.Warn("Refusing follower with unusable inbox", zap.Error(err))
		in.metrics.InboxRejected.WithLabelValues("inbox_address").Inc()
		return
	}
	if err := in.store.AddFollower(ctx, types.Follower{
		ID:          f.Actor,
		Inbox:       inbox,
		LocalHandle: handle,
		Since:       in.now().UTC(),
	}); err != nil {
		logger.Error("Failed to record follower", zap.Error(err))
		return
	}

	local := in.dispatcher.ActorURI(handle)
	accept := &Envelope{
		Context: ActivityStreamsContext,
		ID:      local + "/accept/" + uuid.NewString(),
		Type:    "Accept",
		Actor:   local,
		Object:  f.Raw,
	}
	if err := in.dispatcher.recordActivity(ctx, accept, f.ID); err != nil {
		logger.Warn("Failed to log Accept", zap.Error(err))
	}

	logger.Info("Accepted follower", zap.String("handle", handle), zap.String("follower_inbox", inbox))
	if in.queue != nil {
		in.queue.Submit(accept, local, inbox)
	}
}

func (in *Inbox) processUndo(ctx context.Context, handle string, u *UndoActivity, logger *zap.Logger) {
	if u.Follow == nil {
		logger.Debug("Ignoring Undo of non-Follow object")
		return
	}
	if u.Actor == "" {
		logger.Warn("Ignoring Undo without actor")
		return
	}

	if target, ok := in.dispatcher.HandleFromURI(u.Follow.Object); ok {
		handle = target
	}

	if handle != "" {
		removed, err := in.store.RemoveFollower(ctx, handle, u.Actor)
		if err != nil {
			logger.Error("Failed to remove follower", zap.Error(err))
			return
		}
		logger.Info("Processed Undo(Follow)", zap.String("handle", handle), zap.Bool("removed", removed))
		return
	}

	handles, err := in.store.RemoveFollowerEverywhere(ctx, u.Actor)
	if err != nil {
		logger.Error("Failed to remove follower", zap.Error(err))
		return
	}
	logger.Info("Processed Undo(Follow) on shared inbox", zap.Strings("handles", handles))
}

func (in *Inbox) transitionFollow(ctx context.Context, actor, followID string, state types.FollowState, logger *zap.Logger) {
	if followID == "" {
		logger.Warn("Ignoring response without a follow reference")
		return
	}
	follow, err := in.store.GetFollow(ctx, followID)
	if err != nil {
		logger.Error("Failed to load follow", zap.String("follow", followID), zap.Error(err))
		return
	}
	if follow == nil {
		logger.Info("Response to unknown follow", zap.String("follow", followID))
		return
	}
	if follow.Object != actor {
		logger.Warn("Follow response from an actor that was not followed",
			zap.String("follow", followID),
			zap.String("followed", follow.Object))
		return
	}

	updated, err := in.store.TransitionFollow(ctx, followID, state, in.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Info("Response to unknown follow", zap.String("follow", followID))
			return
		}
		logger.Error("Failed to update follow", zap.String("follow", followID), zap.Error(err))
		return
	}
	logger.Info("Follow answered",
		zap.String("follow", followID),
		zap.String("requested", string(state)),
		zap.String("state", string(updated.State)))
}
