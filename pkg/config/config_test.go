package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultsAreSecure(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Federation.VerifySignatures)
	assert.Equal(t, 5, cfg.Federation.MaxDeliveryAttempts)
	assert.Equal(t, 2*time.Second, cfg.Federation.RetryBaseDelay.Std())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"base_url": "https://notes.example.org/",
		"instance_handle": "index",
		"users": [{"handle": "alice", "name": "Alice"}],
		"store": {"type": "sqlite", "path": "/tmp/marginalia.db"},
		"federation": {"retry_base_delay": "500ms", "max_inbox_body": "256KiB"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://notes.example.org", cfg.BaseURL)
	assert.Equal(t, "notes.example.org", cfg.Host())
	assert.Equal(t, "index", cfg.InstanceHandle)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "alice", cfg.Users[0].Handle)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, 500*time.Millisecond, cfg.Federation.RetryBaseDelay.Std())
	assert.Equal(t, int64(256*1024), cfg.Federation.MaxInboxBody.Int64())

	// Omitted fields keep their defaults.
	assert.True(t, cfg.Federation.VerifySignatures)
	assert.Equal(t, 5, cfg.Federation.MaxDeliveryAttempts)
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
base_url = "http://localhost:8082"
instance_handle = "index"

[store]
type = "memory"

[federation]
verify_signatures = false
max_delivery_attempts = 3
request_timeout = "3s"
max_inbox_body = 4096
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.False(t, cfg.Federation.VerifySignatures)
	assert.Equal(t, 3, cfg.Federation.MaxDeliveryAttempts)
	assert.Equal(t, 3*time.Second, cfg.Federation.RequestTimeout.Std())
	assert.Equal(t, int64(4096), cfg.Federation.MaxInboxBody.Int64())
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"relative base url", `{"base_url": "localhost"}`},
		{"sqlite without path", `{"store": {"type": "sqlite"}}`},
		{"unknown store", `{"store": {"type": "etcd"}}`},
		{"bad handle", `{"users": [{"handle": "a/b"}]}`},
		{"zero attempts", `{"federation": {"max_delivery_attempts": 0}}`},
		{"bad duration", `{"federation": {"retry_base_delay": "soon"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "config.json", tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/non/existent/config.json")
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MARGINALIA_BASE_URL", "https://a.example/")
	t.Setenv("MARGINALIA_VERIFY_SIGNATURES", "false")
	t.Setenv("MARGINALIA_USERS", "alice, bob,,")
	t.Setenv("MARGINALIA_STORE_TYPE", "sqlite")
	t.Setenv("MARGINALIA_STORE_PATH", "/var/lib/marginalia/kv.db")

	cfg := LoadFromEnv()
	assert.Equal(t, "https://a.example", cfg.BaseURL)
	assert.False(t, cfg.Federation.VerifySignatures)
	assert.Equal(t, []UserConfig{{Handle: "alice"}, {Handle: "bob"}}, cfg.Users)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	require.NoError(t, cfg.Validate())
}

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"1024", 1024, false},
		{"100B", 100, false},
		{"1KB", 1000, false},
		{"1.5KB", 1500, false},
		{"1K", 1024, false},
		{"1KiB", 1024, false},
		{"1MB", 1000000, false},
		{"1MiB", 1048576, false},
		{"2M", 2097152, false},
		{"1GiB", 1073741824, false},
		{"", 0, true},
		{"-5", 0, true},
		{"12XB", 0, true},
		{"MB", 0, true},
		{"99999999999GiB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
