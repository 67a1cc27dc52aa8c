// Package config holds all configuration types and loading logic for queuegate.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/queuegate/internal/types"
)

// Config is the root configuration shared by the agent, sandbox and probe.
type Config struct {
	Agent       AgentConfig         `yaml:"agent"`
	Backend     BackendConfig       `yaml:"backend"`
	Integration IntegrationConfig   `yaml:"integration"`
	Token       TokenConfig         `yaml:"token"`
	Admission   AdmissionConfig     `yaml:"admission"`
	Events      []types.EventConfig `yaml:"events"`
	Development DevelopmentConfig   `yaml:"development"`
	Storage     StorageConfig       `yaml:"storage"`
	Sandbox     SandboxConfig       `yaml:"sandbox"`
	Auth        AuthConfig          `yaml:"auth"`
	Metrics     MetricsConfig       `yaml:"metrics"`
	NATS        NATSConfig          `yaml:"nats"`
	Webhook     WebhookConfig       `yaml:"webhook"`
}

// AgentConfig holds network settings of the agent process.
type AgentConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BackendConfig points the admission client at the backend queueing API.
type BackendConfig struct {
	URL string `yaml:"url"`
	// APIKey is sent as X-Api-Key on every server-to-server call.
	APIKey string `yaml:"api_key"`
	// Timeout is a Go duration string; it is the only per-call deadline.
	Timeout string `yaml:"timeout"`
}

// TimeoutDuration parses Timeout, falling back to 30s when unset or invalid.
func (b BackendConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(b.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// IntegrationConfig is the cookie policy sent with extend-cookie calls.
type IntegrationConfig struct {
	CustomerID       string `yaml:"customer_id"`
	CookieDomain     string `yaml:"cookie_domain"`
	IsCookieHTTPOnly bool   `yaml:"is_cookie_http_only"`
	IsCookieSecure   bool   `yaml:"is_cookie_secure"`
}

// TokenConfig controls the client-side token validity window.
type TokenConfig struct {
	// ValidityMinutes is the enqueue token validity time.
	ValidityMinutes int `yaml:"validity_minutes"`
}

// Validity returns the validity window as a duration.
func (t TokenConfig) Validity() time.Duration {
	return time.Duration(t.ValidityMinutes) * time.Minute
}

// AdmissionMode selects how a queued visitor learns it was released.
type AdmissionMode string

const (
	// ModeValidate waits for the backend redirect or a manual refresh.
	ModeValidate AdmissionMode = "validate"
	// ModePoll polls the position endpoint every PollInterval.
	ModePoll AdmissionMode = "poll"
)

// AdmissionConfig controls the admission protocol.
type AdmissionConfig struct {
	Mode         AdmissionMode `yaml:"mode"`
	PollInterval string        `yaml:"poll_interval"`
}

// PollIntervalDuration parses PollInterval, falling back to 5s.
func (a AdmissionConfig) PollIntervalDuration() time.Duration {
	d, err := time.ParseDuration(a.PollInterval)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// DevelopmentConfig holds switches that only make sense outside production.
type DevelopmentConfig struct {
	// Enabled turns queue protection on. When false navigation never triggers.
	Enabled bool `yaml:"enabled"`
	Debug   bool `yaml:"debug"`
	// BypassQueue allows the bypass escape hatch.
	BypassQueue bool `yaml:"bypass_queue"`
}

// StorageBackend selects where the token store persists its two entries.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageBolt   StorageBackend = "bolt"
	StorageRedis  StorageBackend = "redis"
)

// StorageConfig controls the token store backend.
type StorageConfig struct {
	Backend   StorageBackend `yaml:"backend"`
	BoltPath  string         `yaml:"bolt_path"`
	RedisAddr string         `yaml:"redis_addr"`
	// RedisPrefix namespaces the token keys, e.g. per visitor.
	RedisPrefix string `yaml:"redis_prefix"`
}

// SandboxConfig configures the local stand-in for the backend queueing API.
type SandboxConfig struct {
	Host       string         `yaml:"host"`
	Port       int            `yaml:"port"`
	SigningKey string         `yaml:"signing_key"`
	Events     []SandboxEvent `yaml:"events"`
	// RateLimitRPS is the per-IP request rate; 0 disables limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// SandboxMode is the decision the sandbox makes on validate.
type SandboxMode string

const (
	SandboxQueue    SandboxMode = "queue"
	SandboxRedirect SandboxMode = "redirect"
	SandboxPass     SandboxMode = "pass"
)

// SandboxEvent is the sandbox behaviour for one event id.
type SandboxEvent struct {
	EventID            string      `yaml:"event_id"`
	QueueDomain        string      `yaml:"queue_domain"`
	Active             bool        `yaml:"active"`
	Mode               SandboxMode `yaml:"mode"`
	InitialPosition    int         `yaml:"initial_position"`
	ReleasePerPoll     int         `yaml:"release_per_poll"`
	MinutesPerPosition float64     `yaml:"minutes_per_position"`
	// Capacity caps waiting visitors; 0 means unlimited.
	Capacity int `yaml:"capacity"`
}

// AuthConfig controls API key authentication on the sandbox and agent.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// NATSConfig enables republishing notifications to NATS.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// WebhookConfig enables POSTing notifications to an HTTP endpoint. Bodies
// are HMAC-SHA256 signed when Secret is set.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Backend: BackendConfig{
			URL:     "http://localhost:8080",
			Timeout: "30s",
		},
		Integration: IntegrationConfig{
			CustomerID:       "futuraforge",
			IsCookieHTTPOnly: false,
			IsCookieSecure:   false,
		},
		Token: TokenConfig{
			ValidityMinutes: 20,
		},
		Admission: AdmissionConfig{
			Mode:         ModeValidate,
			PollInterval: "5s",
		},
		Events: DefaultEvents(),
		Development: DevelopmentConfig{
			Enabled:     true,
			Debug:       false,
			BypassQueue: false,
		},
		Storage: StorageConfig{
			Backend:     StorageBolt,
			BoltPath:    "./data/tokens.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "queuegate",
		},
		Sandbox: SandboxConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			SigningKey:     "sandbox-signing-key-change-me",
			Events:         DefaultSandboxEvents(),
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		NATS: NATSConfig{
			SubjectPrefix: "queuegate",
		},
	}
}

// DefaultEvents are the storefront's protected events in declaration order.
func DefaultEvents() []types.EventConfig {
	contains := func(v string) []types.TriggerRule {
		return []types.TriggerRule{{
			Operator:       types.OperatorContains,
			ValueToCompare: v,
			URLPart:        types.URLPartPageURL,
			IsIgnoreCase:   true,
		}}
	}
	return []types.EventConfig{
		{Key: "flashSale", EventID: "flash-sale-2024", QueueDomain: "futuraforge.queue-it.net",
			CookieValidityMinutes: 20, ExtendCookieValidity: true, Triggers: contains("/flash-sale")},
		{Key: "blackFriday", EventID: "black-friday-2024", QueueDomain: "futuraforge.queue-it.net",
			CookieValidityMinutes: 30, ExtendCookieValidity: true, Triggers: contains("/black-friday")},
		{Key: "highTraffic", EventID: "high-traffic-protection", QueueDomain: "futuraforge.queue-it.net",
			CookieValidityMinutes: 15, ExtendCookieValidity: true, Triggers: contains("/products")},
		{Key: "checkout", EventID: "checkout-protection", QueueDomain: "futuraforge.queue-it.net",
			CookieValidityMinutes: 10, ExtendCookieValidity: true, Triggers: contains("/order/checkout")},
	}
}

// DefaultSandboxEvents mirror DefaultEvents with a queue in front of each.
func DefaultSandboxEvents() []SandboxEvent {
	ids := []string{"flash-sale-2024", "black-friday-2024", "high-traffic-protection", "checkout-protection"}
	out := make([]SandboxEvent, len(ids))
	for i, id := range ids {
		out[i] = SandboxEvent{
			EventID:            id,
			QueueDomain:        "futuraforge.queue-it.net",
			Active:             true,
			Mode:               SandboxQueue,
			InitialPosition:    50,
			ReleasePerPoll:     10,
			MinutesPerPosition: 0.5,
		}
	}
	return out
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	QUEUEGATE_BACKEND_URL  sets backend.url
//	QUEUEGATE_API_KEY      sets backend.api_key and auth.api_key, enables auth
//	QUEUEGATE_PORT         sets agent.port
//	QUEUEGATE_ENABLED      sets development.enabled ("true"/"false")
//	QUEUEGATE_BYPASS       sets development.bypass_queue ("true"/"false")
//
// A file that lists events replaces the default event list as a whole, since
// declaration order is significant.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	// Decode into a copy with empty lists so YAML sequences replace rather
	// than merge element-wise into the defaults.
	overlay := *cfg
	overlay.Events = nil
	overlay.Sandbox.Events = nil
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, err
	}
	if overlay.Events == nil {
		overlay.Events = cfg.Events
	}
	if overlay.Sandbox.Events == nil {
		overlay.Sandbox.Events = cfg.Sandbox.Events
	}
	cfg = &overlay

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("QUEUEGATE_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("QUEUEGATE_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("QUEUEGATE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Agent.Port = p
		}
	}
	if v := os.Getenv("QUEUEGATE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Development.Enabled = b
		}
	}
	if v := os.Getenv("QUEUEGATE_BYPASS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Development.BypassQueue = b
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Agent.Port < 1 || c.Agent.Port > 65535 {
		return errors.New("agent.port must be between 1 and 65535")
	}
	if c.Backend.URL == "" {
		return errors.New("backend.url must not be empty")
	}
	if c.Token.ValidityMinutes < 1 {
		return errors.New("token.validity_minutes must be at least 1")
	}
	switch c.Admission.Mode {
	case ModeValidate, ModePoll:
	default:
		return errors.New(`admission.mode must be one of "validate", "poll"`)
	}
	if _, err := NewRegistry(c.Events); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageBolt:
		if c.Storage.BoltPath == "" {
			return errors.New("storage.bolt_path must not be empty for the bolt backend")
		}
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr must not be empty for the redis backend")
		}
	default:
		return errors.New(`storage.backend must be one of "memory", "bolt", "redis"`)
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Webhook.Secret != "" && c.Webhook.URL == "" {
		return errors.New("webhook.url must be set when webhook.secret is")
	}
	return nil
}

// ValidateSandbox checks the sandbox section only. The sandbox process does
// not need a backend URL or token storage.
func (c *Config) ValidateSandbox() error {
	s := c.Sandbox
	if s.Port < 1 || s.Port > 65535 {
		return errors.New("sandbox.port must be between 1 and 65535")
	}
	if s.SigningKey == "" {
		return errors.New("sandbox.signing_key must not be empty")
	}
	seen := make(map[string]bool, len(s.Events))
	for i, e := range s.Events {
		if e.EventID == "" {
			return fmt.Errorf("sandbox.events[%d].event_id must not be empty", i)
		}
		if seen[e.EventID] {
			return fmt.Errorf("sandbox.events[%d]: duplicate event_id %q", i, e.EventID)
		}
		seen[e.EventID] = true
		switch e.Mode {
		case SandboxQueue, SandboxRedirect, SandboxPass:
		default:
			return fmt.Errorf(`sandbox.events[%d].mode must be one of "queue", "redirect", "pass"`, i)
		}
		if e.InitialPosition < 0 || e.ReleasePerPoll < 0 || e.Capacity < 0 {
			return fmt.Errorf("sandbox.events[%d]: positions and capacity must be >= 0", i)
		}
	}
	return nil
}
