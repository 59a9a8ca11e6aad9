package main

import (
	"context"
	"testing"
	"time"

	"marginalia/pkg/config"
	"marginalia/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollectStatus(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.BaseURL = "https://a.example"
	cfg.Users = []config.UserConfig{{Handle: "alice", Name: "Alice"}}

	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.provisionConfigured(ctx))
	// Provisioning twice is a no-op.
	require.NoError(t, a.provisionConfigured(ctx))

	alice := a.dispatcher.ActorURI("alice")
	require.NoError(t, a.store.AddFollower(ctx, types.Follower{
		ID: "https://b.example/users/bob", Inbox: "https://b.example/users/bob/inbox", LocalHandle: "alice", Since: time.Now(),
	}))
	_, err = a.store.SaveAnnotation(ctx, types.Annotation{
		ID: "https://a.example/annotations/1", Type: "Note", AttributedTo: alice, Content: "x",
		Target: types.Target{Href: "https://example.com"}, Published: time.Now(),
	})
	require.NoError(t, err)
	_, err = a.store.SaveAnnotation(ctx, types.Annotation{
		ID: "https://b.example/notes/1", Type: "Note", AttributedTo: "https://b.example/users/bob", Content: "y",
		Target: types.Target{Href: "https://example.com"}, Published: time.Now(),
	})
	require.NoError(t, err)

	report, err := collectStatus(ctx, cfg.BaseURL, a.store, a.dispatcher.ActorURI)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Annotations)
	require.Len(t, report.Actors, 2)

	byHandle := map[string]actorStatus{}
	for _, s := range report.Actors {
		byHandle[s.Handle] = s
	}
	assert.Equal(t, 1, byHandle["alice"].Followers)
	assert.Equal(t, 1, byHandle["alice"].Annotations)
	assert.Equal(t, types.ActorService, byHandle[cfg.InstanceHandle].Kind)

	out := renderStatus(report)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "https://a.example")
}

func TestLoadConfigFromEnv(t *testing.T) {
	configFile = ""
	t.Setenv("MARGINALIA_BASE_URL", "https://notes.example/")
	t.Setenv("MARGINALIA_USERS", "alice, bob")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://notes.example", cfg.BaseURL)
	assert.Len(t, cfg.Users, 2)

	t.Setenv("MARGINALIA_BASE_URL", "not a url")
	_, err = loadConfig()
	assert.Error(t, err)
}
