package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxintent/pkg/intent"
	"github.com/MrWong99/voxintent/pkg/session"
)

// ValidProviderNames lists known implementation names per provider kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"engine":      {"grammar", "rhino"},
	"transcriber": {"whisper", "whisper-native"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("engine", cfg.Engine.Name)
	validateProviderName("transcriber", cfg.Transcriber.Name)
	if (cfg.Engine.Name == "" || cfg.Engine.Name == "grammar") && cfg.Transcriber.Name == "" {
		slog.Warn("the grammar engine needs a transcriber but transcriber.name is empty; sessions will fail to initialise")
	}

	// Session defaults
	s := cfg.Session
	if s.Sensitivity != nil && (*s.Sensitivity < 0 || *s.Sensitivity > 1) {
		errs = append(errs, fmt.Errorf("session.sensitivity %.2f is out of range [0, 1]", *s.Sensitivity))
	}
	if d := s.EndpointDurationSec; d != 0 && (d < intent.MinEndpointDurationSec || d > intent.MaxEndpointDurationSec) {
		errs = append(errs, fmt.Errorf("session.endpoint_duration_sec %.2f is out of range [%.1f, %.1f]",
			d, intent.MinEndpointDurationSec, intent.MaxEndpointDurationSec))
	}
	if _, err := session.ParseEmitPolicy(s.EmitPolicy); err != nil {
		errs = append(errs, fmt.Errorf("session.emit_policy %q is invalid; valid values: finalized-only, every-frame", s.EmitPolicy))
	}
	if s.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("session.queue_size must not be negative"))
	}
	if s.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("session.max_sessions must not be negative"))
	}

	// Contexts
	seen := make(map[string]int, len(cfg.Contexts))
	defaults := 0
	for i, c := range cfg.Contexts {
		prefix := fmt.Sprintf("contexts[%d]", i)
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[c.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of contexts[%d]", prefix, c.Name, prev))
			}
			seen[c.Name] = i
		}
		if c.Source == "" {
			errs = append(errs, fmt.Errorf("%s.source is required", prefix))
		}
		if c.Default {
			defaults++
		}
	}
	if defaults > 1 {
		errs = append(errs, fmt.Errorf("contexts: %d entries are marked default; at most one is allowed", defaults))
	}

	// Journal
	if cfg.Journal.Capacity < 0 {
		errs = append(errs, fmt.Errorf("journal.capacity must not be negative"))
	}
	if cfg.Journal.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("journal.max_failures must not be negative"))
	}
	if cfg.Journal.PostgresDSN != "" && !strings.HasPrefix(cfg.Journal.PostgresDSN, "postgres") {
		slog.Warn("journal.postgres_dsn does not look like a postgres URL", "dsn_prefix", prefixOf(cfg.Journal.PostgresDSN))
	}

	// Discord
	if d := cfg.Discord; d.Enabled() {
		if d.GuildID == "" {
			errs = append(errs, fmt.Errorf("discord.guild_id is required when discord.token is set"))
		}
		if d.ChannelID == "" {
			errs = append(errs, fmt.Errorf("discord.channel_id is required when discord.token is set"))
		}
		if d.Context == "" {
			errs = append(errs, fmt.Errorf("discord.context is required when discord.token is set"))
		} else if _, ok := seen[d.Context]; !ok {
			errs = append(errs, fmt.Errorf("discord.context %q does not name an entry in contexts", d.Context))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

func prefixOf(s string) string {
	if i := strings.Index(s, ":"); i >= 0 {
		return s[:i]
	}
	return ""
}
