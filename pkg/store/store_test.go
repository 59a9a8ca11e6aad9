package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"marginalia/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs fn once per KV implementation.
func backends(t *testing.T, fn func(t *testing.T, kv KV)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryKV())
	})
	t.Run("sqlite", func(t *testing.T) {
		kv, err := NewSQLiteKV(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { kv.Close() })
		fn(t, kv)
	})
}

func TestKVBasics(t *testing.T) {
	backends(t, func(t *testing.T, kv KV) {
		ctx := context.Background()

		_, err := kv.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, kv.Put(ctx, "a/1", []byte("one")))
		v, err := kv.Get(ctx, "a/1")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), v)

		require.NoError(t, kv.Put(ctx, "a/1", []byte("uno")))
		v, err = kv.Get(ctx, "a/1")
		require.NoError(t, err)
		assert.Equal(t, []byte("uno"), v)

		created, err := kv.PutIfAbsent(ctx, "a/1", []byte("ignored"))
		require.NoError(t, err)
		assert.False(t, created)

		created, err = kv.PutIfAbsent(ctx, "a/2", []byte("two"))
		require.NoError(t, err)
		assert.True(t, created)

		removed, err := kv.Delete(ctx, "a/2")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = kv.Delete(ctx, "a/2")
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestKVScanPrefix(t *testing.T) {
	backends(t, func(t *testing.T, kv KV) {
		ctx := context.Background()
		for _, k := range []string{"b/2", "b/1", "ba/1", "a/1", "b/10"} {
			require.NoError(t, kv.Put(ctx, k, []byte(k)))
		}

		entries, err := kv.Scan(ctx, "b/")
		require.NoError(t, err)

		keys := []string{}
		for _, e := range entries {
			keys = append(keys, e.Key)
		}
		assert.Equal(t, []string{"b/1", "b/10", "b/2"}, keys)
	})
}

func TestKVPutIfAbsentConcurrent(t *testing.T) {
	backends(t, func(t *testing.T, kv KV) {
		ctx := context.Background()

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				created, err := kv.PutIfAbsent(ctx, "race", []byte(fmt.Sprint(i)))
				assert.NoError(t, err)
				if created {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, "b0", prefixUpperBound("b/"))
	assert.Equal(t, "b", prefixUpperBound("a"))
	assert.Equal(t, "", prefixUpperBound("\xff"))
}

func testAnnotation(id, href string, published time.Time) types.Annotation {
	return types.Annotation{
		ID:           id,
		Type:         "Note",
		AttributedTo: "https://a.example/users/alice",
		Content:      "note " + id,
		Target:       types.Target{Href: href},
		Published:    published,
	}
}

func TestSaveAnnotationIsIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, kv KV) {
		s := New(kv)
		ctx := context.Background()
		a := testAnnotation("https://a.example/annotations/1", "https://example.com/a", time.Now().UTC())

		created, err := s.SaveAnnotation(ctx, a)
		require.NoError(t, err)
		assert.True(t, created)

		a.Content = "changed"
		created, err = s.SaveAnnotation(ctx, a)
		require.NoError(t, err)
		assert.False(t, created)

		got, err := s.GetAnnotation(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "note https://a.example/annotations/1", got.Content)

		byTarget, err := s.ListAnnotationsByTarget(ctx, "https://example.com/a")
		require.NoError(t, err)
		assert.Len(t, byTarget, 1)
	})
}

// failingIndexKV fails the next index write.
type failingIndexKV struct {
	KV
	fail bool
}

func (f *failingIndexKV) Put(ctx context.Context, key string, value []byte) error {
	if f.fail && strings.HasPrefix(key, targetIndexPrefix) {
		f.fail = false
		return errors.New("disk full")
	}
	return f.KV.Put(ctx, key, value)
}

func TestRedeliveryRepairsTargetIndex(t *testing.T) {
	backends(t, func(t *testing.T, kv KV) {
		flaky := &failingIndexKV{KV: kv, fail: true}
		s := New(flaky)
		ctx := context.Background()
		a := testAnnotation("https://b.example/notes/7", "https://example.com/b", time.Now().UTC())

		created, err := s.SaveAnnotation(ctx, a)
		assert.True(t, created)
		require.Error(t, err)

		byTarget, err := s.ListAnnotationsByTarget(ctx, "https://example.com/b")
		require.NoError(t, err)
		assert.Empty(t, byTarget)

		created, err = s.SaveAnnotation(ctx, a)
		require.NoError(t, err)
		assert.False(t, created)

		byTarget, err = s.ListAnnotationsByTarget(ctx, "https://example.com/b")
		require.NoError(t, err)
		require.Len(t, byTarget, 1)
		assert.Equal(t, a.ID, byTarget[0].ID)
	})
}

func TestListAnnotationsByTargetIsExact(t *testing.T) {
	backends(t, func(t *testing.T, kv KV) {
		s := New(kv)
		ctx := context.Background()
		base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

		_, err := s.SaveAnnotation(ctx, testAnnotation("id-2", "https://example.com/a", base.Add(time.Minute)))
		require.NoError(t, err)
		_, err = s.SaveAnnotation(ctx, testAnnotation("id-1", "https://example.com/a", base))
		require.NoError(t, err)
		_, err = s.SaveAnnotation(ctx, testAnnotation("id-3", "https://example.com/a/b", base))
		require.NoError(t, err)
		_, err = s.SaveAnnotation(ctx, testAnnotation("id-4", "", base))
		require.NoError(t, err)

		list, err := s.ListAnnotationsByTarget(ctx, "https://example.com/a")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "id-1", list[0].ID)
		assert.Equal(t, "id-2", list[1].ID)

		all, err := s.ListAnnotations(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 4)

		missing, err := s.GetAnnotation(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestFollowersArePartitionedByLocalActor(t *testing.T) {
	backends(t, func(t *testing.T, kv KV) {
		s := New(kv)
		ctx := context.Background()
		require.NoError(t, s.CreateUser(ctx, types.User{Handle: "alice"}))
		require.NoError(t, s.CreateUser(ctx, types.User{Handle: "bob"}))

		fan := types.Follower{ID: "https://r.example/users/fan", Inbox: "https://r.example/users/fan/inbox"}

		fan.LocalHandle = "alice"
		require.NoError(t, s.AddFollower(ctx, fan))
		require.NoError(t, s.AddFollower(ctx, fan))
		fan.LocalHandle = "bob"
		require.NoError(t, s.AddFollower(ctx, fan))

		alice, err := s.ListFollowers(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, alice, 1)

		removed, err := s.RemoveFollower(ctx, "alice", fan.ID)
		require.NoError(t, err)
		assert.True(t, removed)

		alice, err = s.ListFollowers(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, alice)

		bob, err := s.ListFollowers(ctx, "bob")
		require.NoError(t, err)
		assert.Len(t, bob, 1)

		handles, err := s.RemoveFollowerEverywhere(ctx, fan.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, handles)
	})
}

func TestUsers(t *testing.T) {
	backends(t, func(t *testing.T, kv KV) {
		s := New(kv)
		ctx := context.Background()

		require.NoError(t, s.CreateUser(ctx, types.User{Handle: "alice", Name: "Alice"}))
		assert.ErrorIs(t, s.CreateUser(ctx, types.User{Handle: "alice"}), ErrExists)

		u, err := s.GetUser(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "Alice", u.Name)

		u, err = s.GetUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, u)
	})
}

func TestFollowTransitions(t *testing.T) {
	backends(t, func(t *testing.T, kv KV) {
		s := New(kv)
		ctx := context.Background()
		now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

		require.NoError(t, s.SaveFollow(ctx, types.Follow{
			ID:     "https://b.example/activities/f1",
			Actor:  "https://b.example/users/index",
			Object: "https://a.example/users/alice",
			State:  types.FollowPending,
		}))

		f, err := s.TransitionFollow(ctx, "https://b.example/activities/f1", types.FollowAccepted, now)
		require.NoError(t, err)
		assert.Equal(t, types.FollowAccepted, f.State)
		assert.Equal(t, now, f.UpdatedAt)

		// Terminal states stick.
		f, err = s.TransitionFollow(ctx, "https://b.example/activities/f1", types.FollowRejected, now)
		require.NoError(t, err)
		assert.Equal(t, types.FollowAccepted, f.State)

		_, err = s.TransitionFollow(ctx, "unknown", types.FollowAccepted, now)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestActivityLog(t *testing.T) {
	backends(t, func(t *testing.T, kv KV) {
		s := New(kv)
		ctx := context.Background()
		base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
		actor := "https://a.example/users/alice"

		require.NoError(t, s.SaveActivity(ctx, types.ActivityRecord{ID: "act-1", Type: "Create", Actor: actor, Raw: []byte(`{}`), CreatedAt: base}))
		require.NoError(t, s.SaveActivity(ctx, types.ActivityRecord{ID: "act-2", Type: "Follow", Actor: actor, Raw: []byte(`{}`), CreatedAt: base.Add(time.Second)}))
		require.NoError(t, s.SaveActivity(ctx, types.ActivityRecord{ID: "act-3", Type: "Create", Actor: "someone-else", Raw: []byte(`{}`), CreatedAt: base}))

		list, err := s.ListActivitiesByActor(ctx, actor)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "act-2", list[0].ID)

		rec, err := s.GetActivity(ctx, "act-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "Create", rec.Type)
	})
}
