package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the server configuration. Files may be JSON or TOML; the
// format is chosen by extension.
type Config struct {
	BaseURL        string           `json:"base_url" toml:"base_url"`
	Address        string           `json:"address" toml:"address"`
	InstanceHandle string           `json:"instance_handle" toml:"instance_handle"`
	Users          []UserConfig     `json:"users,omitempty" toml:"users,omitempty"`
	Store          StoreConfig      `json:"store" toml:"store"`
	Federation     FederationConfig `json:"federation" toml:"federation"`
	Metrics        MetricsConfig    `json:"metrics" toml:"metrics"`
}

// UserConfig describes a local actor provisioned at startup.
type UserConfig struct {
	Handle  string `json:"handle" toml:"handle"`
	Name    string `json:"name,omitempty" toml:"name,omitempty"`
	Summary string `json:"summary,omitempty" toml:"summary,omitempty"`
}

// StoreConfig selects the persistence backend: "memory" or "sqlite".
type StoreConfig struct {
	Type string `json:"type" toml:"type"`
	Path string `json:"path,omitempty" toml:"path,omitempty"` // only used for type=sqlite
}

type FederationConfig struct {
	// VerifySignatures rejects inbound activities whose HTTP signature
	// cannot be verified. Turning it off trusts every delivery.
	VerifySignatures    bool     `json:"verify_signatures" toml:"verify_signatures"`
	MaxDeliveryAttempts int      `json:"max_delivery_attempts" toml:"max_delivery_attempts"`
	RetryBaseDelay      Duration `json:"retry_base_delay" toml:"retry_base_delay"`
	RequestTimeout      Duration `json:"request_timeout" toml:"request_timeout"`
	KeyCacheTTL         Duration `json:"key_cache_ttl" toml:"key_cache_ttl"`
	MaxClockSkew        Duration `json:"max_clock_skew" toml:"max_clock_skew"`
	MaxInboxBody        ByteSize `json:"max_inbox_body" toml:"max_inbox_body"`
	AllowPrivateAddress bool     `json:"allow_private_address" toml:"allow_private_address"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" toml:"enabled"`
}

// Default returns a Config with every field at its default.
func Default() *Config {
	return &Config{
		BaseURL:        "http://localhost:8080",
		Address:        ":8080",
		InstanceHandle: "commi-instance",
		Store: StoreConfig{
			Type: "memory",
		},
		Federation: FederationConfig{
			VerifySignatures:    true,
			MaxDeliveryAttempts: 5,
			RetryBaseDelay:      Duration(2 * time.Second),
			RequestTimeout:      Duration(10 * time.Second),
			KeyCacheTTL:         Duration(5 * time.Minute),
			MaxClockSkew:        Duration(12 * time.Hour),
			MaxInboxBody:        ByteSize(1024 * 1024),
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfig reads a config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a Config from MARGINALIA_* variables over the defaults.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.BaseURL = strings.TrimRight(getEnv("MARGINALIA_BASE_URL", cfg.BaseURL), "/")
	cfg.Address = getEnv("MARGINALIA_ADDRESS", cfg.Address)
	cfg.InstanceHandle = getEnv("MARGINALIA_INSTANCE_HANDLE", cfg.InstanceHandle)
	cfg.Store.Type = getEnv("MARGINALIA_STORE_TYPE", cfg.Store.Type)
	cfg.Store.Path = getEnv("MARGINALIA_STORE_PATH", cfg.Store.Path)

	if v := os.Getenv("MARGINALIA_VERIFY_SIGNATURES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Federation.VerifySignatures = b
		}
	}
	if v := os.Getenv("MARGINALIA_ALLOW_PRIVATE_ADDRESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Federation.AllowPrivateAddress = b
		}
	}

	// Comma-separated handles: alice,bob
	if users := os.Getenv("MARGINALIA_USERS"); users != "" {
		for _, handle := range strings.Split(users, ",") {
			if handle = strings.TrimSpace(handle); handle != "" {
				cfg.Users = append(cfg.Users, UserConfig{Handle: handle})
			}
		}
	}

	return cfg
}

// Validate checks the fields the server cannot run without.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL, got %q", c.BaseURL)
	}
	if c.InstanceHandle == "" {
		return fmt.Errorf("instance_handle is required")
	}
	if c.Federation.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("max_delivery_attempts must be at least 1")
	}
	for _, u := range c.Users {
		if u.Handle == "" || strings.ContainsAny(u.Handle, "/@ ") {
			return fmt.Errorf("invalid user handle %q", u.Handle)
		}
	}
	switch c.Store.Type {
	case "memory", "":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	default:
		return fmt.Errorf("unknown store type: %s", c.Store.Type)
	}
	return nil
}

// Host returns the host[:port] part of BaseURL.
func (c *Config) Host() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Duration is a time.Duration written as "2s" or "5m" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}
