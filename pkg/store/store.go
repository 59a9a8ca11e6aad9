package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"marginalia/pkg/types"
)

const (
	usersPrefix       = "users/"
	annotationsPrefix = "annotations/"
	targetIndexPrefix = "annotations_by_target/"
	activitiesPrefix  = "activities/"
	followersPrefix   = "followers/"
	followsPrefix     = "follows/"
)

// Store holds annotations, activities, followers, follows and user
// records on top of a KV. Values cross the boundary by copy.
type Store struct {
	kv KV
}

func New(kv KV) *Store {
	return &Store{kv: kv}
}

// KV exposes the underlying key space for components that own their own
// prefix, such as the key registry.
func (s *Store) KV() KV { return s.kv }

func (s *Store) Close() error { return s.kv.Close() }

func seg(v string) string { return url.PathEscape(v) }

func annotationKey(id string) string { return annotationsPrefix + seg(id) }

func targetIndexKey(href, id string) string {
	return targetIndexPrefix + seg(href) + "/" + seg(id)
}

func followerKey(handle, followerID string) string {
	return followersPrefix + seg(handle) + "/" + seg(followerID)
}

func (s *Store) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.kv.Put(ctx, key, data)
}

func (s *Store) createJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.kv.PutIfAbsent(ctx, key, data)
}

// Users

// CreateUser stores a new user record. ErrExists is returned when the
// handle is taken.
func (s *Store) CreateUser(ctx context.Context, user types.User) error {
	created, err := s.createJSON(ctx, usersPrefix+seg(user.Handle), user)
	if err != nil {
		return fmt.Errorf("creating user %s: %w", user.Handle, err)
	}
	if !created {
		return ErrExists
	}
	return nil
}

// GetUser returns nil without error for unknown handles.
func (s *Store) GetUser(ctx context.Context, handle string) (*types.User, error) {
	var user types.User
	found, err := s.getJSON(ctx, usersPrefix+seg(handle), &user)
	if err != nil || !found {
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]types.User, error) {
	entries, err := s.kv.Scan(ctx, usersPrefix)
	if err != nil {
		return nil, err
	}
	users := make([]types.User, 0, len(entries))
	for _, e := range entries {
		var u types.User
		if err := json.Unmarshal(e.Value, &u); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Key, err)
		}
		users = append(users, u)
	}
	return users, nil
}

// Annotations

// SaveAnnotation persists a with a create-if-absent write keyed by id and
// reports whether it was new. Re-saving an existing id is a no-op.
func (s *Store) SaveAnnotation(ctx context.Context, a types.Annotation) (bool, error) {
	if a.ID == "" {
		return false, fmt.Errorf("annotation id is required")
	}

	created, err := s.createJSON(ctx, annotationKey(a.ID), a)
	if err != nil {
		return false, fmt.Errorf("saving annotation %s: %w", a.ID, err)
	}
	if !created {
		// The stored row wins; repair its index entry in case an earlier
		// save failed between the two writes.
		stored, err := s.GetAnnotation(ctx, a.ID)
		if err != nil {
			return false, err
		}
		if stored != nil {
			if err := s.indexAnnotation(ctx, *stored); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if err := s.indexAnnotation(ctx, a); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Store) indexAnnotation(ctx context.Context, a types.Annotation) error {
	if a.Target.Href == "" {
		return nil
	}
	if err := s.kv.Put(ctx, targetIndexKey(a.Target.Href, a.ID), []byte(a.ID)); err != nil {
		return fmt.Errorf("indexing annotation %s: %w", a.ID, err)
	}
	return nil
}

// GetAnnotation returns nil without error when id is unknown.
func (s *Store) GetAnnotation(ctx context.Context, id string) (*types.Annotation, error) {
	var a types.Annotation
	found, err := s.getJSON(ctx, annotationKey(id), &a)
	if err != nil || !found {
		return nil, err
	}
	return &a, nil
}

// ListAnnotationsByTarget returns annotations whose target.href equals href
// exactly, oldest first.
func (s *Store) ListAnnotationsByTarget(ctx context.Context, href string) ([]types.Annotation, error) {
	entries, err := s.kv.Scan(ctx, targetIndexPrefix+seg(href)+"/")
	if err != nil {
		return nil, err
	}

	out := make([]types.Annotation, 0, len(entries))
	for _, e := range entries {
		a, err := s.GetAnnotation(ctx, string(e.Value))
		if err != nil {
			return nil, err
		}
		if a != nil {
			out = append(out, *a)
		}
	}
	sortAnnotations(out)
	return out, nil
}

func (s *Store) ListAnnotations(ctx context.Context) ([]types.Annotation, error) {
	entries, err := s.kv.Scan(ctx, annotationsPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]types.Annotation, 0, len(entries))
	for _, e := range entries {
		var a types.Annotation
		if err := json.Unmarshal(e.Value, &a); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Key, err)
		}
		out = append(out, a)
	}
	sortAnnotations(out)
	return out, nil
}

func (s *Store) ListAnnotationsByAuthor(ctx context.Context, actorID string) ([]types.Annotation, error) {
	all, err := s.ListAnnotations(ctx)
	if err != nil {
		return nil, err
	}
	out := []types.Annotation{}
	for _, a := range all {
		if a.AttributedTo == actorID {
			out = append(out, a)
		}
	}
	return out, nil
}

func sortAnnotations(list []types.Annotation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Published.Before(list[j].Published)
	})
}

// Activities

// SaveActivity appends an activity to the immutable log. A second save of
// the same id is ignored.
func (s *Store) SaveActivity(ctx context.Context, rec types.ActivityRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("activity id is required")
	}
	if _, err := s.createJSON(ctx, activitiesPrefix+seg(rec.ID), rec); err != nil {
		return fmt.Errorf("saving activity %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) GetActivity(ctx context.Context, id string) (*types.ActivityRecord, error) {
	var rec types.ActivityRecord
	found, err := s.getJSON(ctx, activitiesPrefix+seg(id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// ListActivitiesByActor returns the actor's logged activities, newest first.
func (s *Store) ListActivitiesByActor(ctx context.Context, actorID string) ([]types.ActivityRecord, error) {
	entries, err := s.kv.Scan(ctx, activitiesPrefix)
	if err != nil {
		return nil, err
	}
	out := []types.ActivityRecord{}
	for _, e := range entries {
		var rec types.ActivityRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Key, err)
		}
		if rec.Actor == actorID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Followers

// AddFollower records f under its local actor with one keyed write, so a
// repeated Follow from the same actor overwrites rather than duplicates.
func (s *Store) AddFollower(ctx context.Context, f types.Follower) error {
	if f.ID == "" || f.LocalHandle == "" {
		return fmt.Errorf("follower id and local handle are required")
	}
	if err := s.putJSON(ctx, followerKey(f.LocalHandle, f.ID), f); err != nil {
		return fmt.Errorf("adding follower %s: %w", f.ID, err)
	}
	return nil
}

func (s *Store) RemoveFollower(ctx context.Context, handle, followerID string) (bool, error) {
	removed, err := s.kv.Delete(ctx, followerKey(handle, followerID))
	if err != nil {
		return false, fmt.Errorf("removing follower %s: %w", followerID, err)
	}
	return removed, nil
}

// RemoveFollowerEverywhere drops followerID from every local actor and
// returns the handles it was removed from.
func (s *Store) RemoveFollowerEverywhere(ctx context.Context, followerID string) ([]string, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	handles := []string{}
	for _, u := range users {
		removed, err := s.RemoveFollower(ctx, u.Handle, followerID)
		if err != nil {
			return handles, err
		}
		if removed {
			handles = append(handles, u.Handle)
		}
	}
	return handles, nil
}

func (s *Store) ListFollowers(ctx context.Context, handle string) ([]types.Follower, error) {
	entries, err := s.kv.Scan(ctx, followersPrefix+seg(handle)+"/")
	if err != nil {
		return nil, err
	}
	out := make([]types.Follower, 0, len(entries))
	for _, e := range entries {
		var f types.Follower
		if err := json.Unmarshal(e.Value, &f); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Key, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Follows

// SaveFollow records an outbound follow; an existing id is left untouched.
func (s *Store) SaveFollow(ctx context.Context, f types.Follow) error {
	if f.ID == "" {
		return fmt.Errorf("follow id is required")
	}
	if _, err := s.createJSON(ctx, followsPrefix+seg(f.ID), f); err != nil {
		return fmt.Errorf("saving follow %s: %w", f.ID, err)
	}
	return nil
}

func (s *Store) GetFollow(ctx context.Context, id string) (*types.Follow, error) {
	var f types.Follow
	found, err := s.getJSON(ctx, followsPrefix+seg(id), &f)
	if err != nil || !found {
		return nil, err
	}
	return &f, nil
}

// TransitionFollow moves a pending follow to state. ErrNotFound is returned
// for unknown ids; a follow that already left Pending keeps its state and
// is returned unchanged.
func (s *Store) TransitionFollow(ctx context.Context, id string, state types.FollowState, at time.Time) (*types.Follow, error) {
	f, err := s.GetFollow(ctx, id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrNotFound
	}
	if f.State != types.FollowPending {
		return f, nil
	}

	f.State = state
	f.UpdatedAt = at
	if err := s.putJSON(ctx, followsPrefix+seg(id), f); err != nil {
		return nil, fmt.Errorf("updating follow %s: %w", id, err)
	}
	return f, nil
}

func (s *Store) ListFollows(ctx context.Context) ([]types.Follow, error) {
	entries, err := s.kv.Scan(ctx, followsPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]types.Follow, 0, len(entries))
	for _, e := range entries {
		var f types.Follow
		if err := json.Unmarshal(e.Value, &f); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Key, err)
		}
		out = append(out, f)
	}
	return out, nil
}
