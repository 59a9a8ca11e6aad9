package federation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"marginalia/pkg/keys"
	"marginalia/pkg/store"
	"marginalia/pkg/types"

	"github.com/stretchr/testify/require"
)

const testBase = "https://a.example"

type testEnv struct {
	store      *store.Store
	keys       *keys.Registry
	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T, handles ...string) *testEnv {
	t.Helper()
	st := store.New(store.NewMemoryKV())
	reg := keys.NewRegistry(st.KV(), nil)
	env := &testEnv{
		store:      st,
		keys:       reg,
		dispatcher: NewDispatcher(testBase, st, reg, nil),
	}
	for _, h := range handles {
		_, err := env.dispatcher.Provision(context.Background(), h, "", "", types.ActorPerson)
		require.NoError(t, err)
	}
	return env
}

type submission struct {
	Activity interface{}
	Actor    string
	Inboxes  []string
}

// recordingSubmitter captures scheduled deliveries instead of sending them.
type recordingSubmitter struct {
	mu          sync.Mutex
	submissions []submission
}

func (r *recordingSubmitter) Submit(activity interface{}, actorID, inbox string) {
	r.SubmitFanOut(activity, actorID, []string{inbox})
}

func (r *recordingSubmitter) SubmitFanOut(activity interface{}, actorID string, inboxes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submissions = append(r.submissions, submission{Activity: activity, Actor: actorID, Inboxes: append([]string(nil), inboxes...)})
}

func (r *recordingSubmitter) all() []submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]submission(nil), r.submissions...)
}

// fakeResolver serves canned actors and objects.
type fakeResolver struct {
	actors  map[string]*ActorDocument
	objects map[string]string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{actors: map[string]*ActorDocument{}, objects: map[string]string{}}
}

func (f *fakeResolver) LookupActor(ctx context.Context, uri string) (*ActorDocument, error) {
	doc, ok := f.actors[uri]
	if !ok {
		return nil, errors.New("actor not found")
	}
	return doc, nil
}

func (f *fakeResolver) FetchObject(ctx context.Context, uri string) (json.RawMessage, error) {
	obj, ok := f.objects[uri]
	if !ok {
		return nil, errors.New("object not found")
	}
	return json.RawMessage(obj), nil
}

func (f *fakeResolver) CheckAddress(uri string) error {
	return strictGuard.CheckURL(uri)
}

// delayRecorder stands in for the retry sleep.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) sleep(ctx context.Context, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delays = append(d.delays, delay)
	return nil
}

func (d *delayRecorder) recorded() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}
