// Package config provides the configuration schema, loader, engine registry
// and hot-reload watcher for the voxintent service.
package config

import (
	"time"

	"github.com/MrWong99/voxintent/pkg/intent"
	"github.com/MrWong99/voxintent/pkg/session"
)

// LogLevel controls log verbosity for the voxintent server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig    `yaml:"server"`
	Engine      ProviderEntry   `yaml:"engine"`
	Transcriber ProviderEntry   `yaml:"transcriber"`
	Session     SessionConfig   `yaml:"session"`
	Contexts    []ContextConfig `yaml:"contexts"`
	Journal     JournalConfig   `yaml:"journal"`
	Discord     DiscordConfig   `yaml:"discord"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown. Defaults to 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderEntry is the configuration block for the engine and the
// transcriber. Name selects the factory in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "grammar", "whisper").
	Name string `yaml:"name"`

	// APIKey authenticates against a remote backend, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL points at a remote backend, e.g. a whisper.cpp server.
	BaseURL string `yaml:"base_url"`

	// Model selects a model file or model name within the provider.
	Model string `yaml:"model"`

	// Options holds implementation specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig holds the defaults every new session is initialised with.
// All fields are reloadable; running sessions keep the values they started
// with.
type SessionConfig struct {
	// AccessKey is passed to the engine when a client does not send one.
	AccessKey string `yaml:"access_key"`

	// Sensitivity in [0, 1]. Defaults to 0.5.
	Sensitivity *float32 `yaml:"sensitivity"`

	// EndpointDurationSec in [0.5, 5.0]. Defaults to 1.0.
	EndpointDurationSec float32 `yaml:"endpoint_duration_sec"`

	// RequireEndpoint defaults to true.
	RequireEndpoint *bool `yaml:"require_endpoint"`

	// EmitPolicy is "finalized-only" (default) or "every-frame".
	EmitPolicy string `yaml:"emit_policy"`

	// QueueSize is the per-session command queue capacity. Defaults to 64.
	QueueSize int `yaml:"queue_size"`

	// MaxSessions caps concurrently open sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`
}

// EngineConfig returns the engine configuration implied by s for the given
// context blob, with unset fields at their defaults.
func (s SessionConfig) EngineConfig(ctxBlob, model []byte) intent.Config {
	cfg := intent.DefaultConfig()
	cfg.AccessKey = s.AccessKey
	cfg.Context = ctxBlob
	cfg.Model = model
	if s.Sensitivity != nil {
		cfg.Sensitivity = *s.Sensitivity
	}
	if s.EndpointDurationSec != 0 {
		cfg.Endpoint.DurationSec = s.EndpointDurationSec
	}
	if s.RequireEndpoint != nil {
		cfg.Endpoint.Required = *s.RequireEndpoint
	}
	return cfg
}

// Policy returns the parsed emit policy. Validate rejects unknown values, so
// the error is only reachable for configs that bypassed it.
func (s SessionConfig) Policy() session.EmitPolicy {
	p, _ := session.ParseEmitPolicy(s.EmitPolicy)
	return p
}

// ContextConfig names a context blob made available to clients.
type ContextConfig struct {
	// Name is the identifier clients select the context with.
	Name string `yaml:"name"`

	// Source is a file path or http(s) URL of the context blob.
	Source string `yaml:"source"`

	// Model optionally overrides the engine model with a file path or URL.
	Model string `yaml:"model"`

	// Default marks the context used when a client names none.
	Default bool `yaml:"default"`
}

// JournalConfig configures persistence of finalized inferences.
type JournalConfig struct {
	// PostgresDSN selects the PostgreSQL journal. Empty keeps the journal in
	// memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Capacity bounds the in-memory journal. Defaults to 1000.
	Capacity int `yaml:"capacity"`

	// MaxFailures opens the journal circuit breaker. Defaults to 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open. Defaults to 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DiscordConfig enables a Discord voice listener when Token is set.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`

	// Context names the entry in contexts the listener initialises with.
	Context string `yaml:"context"`

	// AutoRestart starts a new listening cycle after every inference.
	AutoRestart bool `yaml:"auto_restart"`
}

// Enabled reports whether the Discord listener should run.
func (d DiscordConfig) Enabled() bool { return d.Token != "" }

// TelemetryConfig configures metrics export.
type TelemetryConfig struct {
	// ServiceName is attached to exported metrics. Defaults to "voxintent".
	ServiceName string `yaml:"service_name"`
}
