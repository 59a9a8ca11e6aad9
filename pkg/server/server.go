// Package server exposes the federation endpoints and the local
// annotation API over HTTP.
package server

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"marginalia/pkg/federation"
	"marginalia/pkg/signature"
	"marginalia/pkg/store"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the components the HTTP layer drives.
type Deps struct {
	Dispatcher *federation.Dispatcher
	Store      *store.Store
	Inbox      *federation.Inbox
	Publisher  *federation.Publisher
	Verifier   *signature.Verifier
	Metrics    *federation.Metrics
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

type Options struct {
	VerifySignatures bool
	MaxInboxBody     int64
	InstanceHandle   string
}

type Server struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

func New(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxInboxBody <= 0 {
		opts.MaxInboxBody = 1 << 20
	}
	return &Server{deps: deps, opts: opts, logger: logger}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/.well-known/webfinger", s.handleWebFinger)

	r.Route("/users/{handle}", func(u chi.Router) {
		u.Get("/", s.handleProfile)
		u.Get("/followers", s.handleFollowers)
		u.Get("/outbox", s.handleOutbox)
		u.Post("/inbox", s.handleActorInbox)
	})
	r.Post("/inbox", s.handleSharedInbox)

	r.Get("/annotations/{id}", s.handleGetAnnotation)

	r.Route("/api", func(api chi.Router) {
		api.Get("/annotations", s.handleListAnnotations)
		api.Post("/annotations", s.handleCreateAnnotation)
		api.Post("/subscribe", s.handleSubscribe)
		api.Get("/follows", s.handleListFollows)
	})

	return r
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Dispatcher.Profile(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		s.internalError(w, "Failed to build profile", err)
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown actor")
		return
	}
	writeActivity(w, http.StatusOK, doc)
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	col, err := s.deps.Dispatcher.Followers(r.Context(), chi.URLParam(r, "handle"))
	s.writeCollection(w, col, err)
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	col, err := s.deps.Dispatcher.Outbox(r.Context(), chi.URLParam(r, "handle"))
	s.writeCollection(w, col, err)
}

func (s *Server) writeCollection(w http.ResponseWriter, col *federation.OrderedCollection, err error) {
	if err != nil {
		s.internalError(w, "Failed to build collection", err)
		return
	}
	if col == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown actor")
		return
	}
	writeActivity(w, http.StatusOK, col)
}

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "resource is required")
		return
	}
	jrd, err := s.deps.Dispatcher.WebFinger(r.Context(), resource)
	if err != nil {
		s.internalError(w, "WebFinger lookup failed", err)
		return
	}
	if jrd == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown resource")
		return
	}
	writeTyped(w, http.StatusOK, "application/jrd+json", jrd)
}

func (s *Server) handleActorInbox(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	user, err := s.deps.Store.GetUser(r.Context(), handle)
	if err != nil {
		s.internalError(w, "Failed to load actor", err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown actor")
		return
	}
	s.receive(w, r, handle)
}

func (s *Server) handleSharedInbox(w http.ResponseWriter, r *http.Request) {
	s.receive(w, r, "")
}

// receive authenticates and applies one inbound activity. Processing
// problems are logged by the inbox; the sender always sees 202 once the
// document is well formed and authentic.
func (s *Server) receive(w http.ResponseWriter, r *http.Request, handle string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxInboxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject("too_large")
			writeError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "activity exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "could not read body")
		return
	}

	activity, err := federation.Decode(body)
	if err != nil {
		s.reject("malformed")
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	if s.opts.VerifySignatures {
		key, err := s.deps.Verifier.Verify(r.Context(), r, body)
		if err != nil {
			s.reject("signature")
			s.logger.Info("Rejected unverifiable activity",
				zap.String("activity", activity.ActivityID()),
				zap.String("actor", activity.ActorID()),
				zap.Error(err))
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "signature verification failed")
			return
		}
		if key.Owner != activity.ActorID() {
			s.reject("actor_mismatch")
			s.logger.Info("Rejected activity signed by another actor",
				zap.String("actor", activity.ActorID()),
				zap.String("key_owner", key.Owner))
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "signer does not match actor")
			return
		}
		if !sameOrigin(key.ID, activity.ActorID()) {
			s.reject("actor_mismatch")
			s.logger.Info("Rejected activity signed with a foreign key",
				zap.String("actor", activity.ActorID()),
				zap.String("key_id", key.ID))
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "key does not belong to the actor's origin")
			return
		}
	}

	s.deps.Inbox.Process(r.Context(), handle, activity)
	w.WriteHeader(http.StatusAccepted)
}

func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Scheme, ub.Scheme) && strings.EqualFold(ua.Host, ub.Host)
}

func (s *Server) reject(reason string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.InboxRejected.WithLabelValues(reason).Inc()
	}
}

func (s *Server) handleGetAnnotation(w http.ResponseWriter, r *http.Request) {
	id := s.deps.Dispatcher.BaseURL() + "/annotations/" + chi.URLParam(r, "id")
	a, err := s.deps.Store.GetAnnotation(r.Context(), id)
	if err != nil {
		s.internalError(w, "Failed to load annotation", err)
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown annotation")
		return
	}
	note := federation.NoteFromAnnotation(*a)
	note.Context = federation.ActivityStreamsContext
	writeActivity(w, http.StatusOK, note)
}

func (s *Server) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	href := strings.TrimSpace(r.URL.Query().Get("url"))
	if href == "" {
		list, err := s.deps.Store.ListAnnotations(r.Context())
		if err != nil {
			s.internalError(w, "Failed to list annotations", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotations": list})
		return
	}
	list, err := s.deps.Store.ListAnnotationsByTarget(r.Context(), href)
	if err != nil {
		s.internalError(w, "Failed to list annotations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": href, "annotations": list})
}

func (s *Server) handleCreateAnnotation(w http.ResponseWriter, r *http.Request) {
	var req federation.CreateAnnotationRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json body")
		return
	}
	a, err := s.deps.Publisher.CreateAnnotation(r.Context(), req)
	if err != nil {
		s.writePublishError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type subscribeRequest struct {
	Handle string `json:"handle,omitempty"`
	Target string `json:"target"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json body")
		return
	}
	if req.Handle == "" {
		req.Handle = s.opts.InstanceHandle
	}
	follow, err := s.deps.Publisher.Subscribe(r.Context(), req.Handle, req.Target)
	if err != nil {
		s.writePublishError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, follow)
}

func (s *Server) handleListFollows(w http.ResponseWriter, r *http.Request) {
	follows, err := s.deps.Store.ListFollows(r.Context())
	if err != nil {
		s.internalError(w, "Failed to list follows", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"follows": follows})
}

func (s *Server) writePublishError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, federation.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, federation.ErrUnknownActor):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		s.logger.Warn("Local write failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}
