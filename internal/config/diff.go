package config

import (
	"cmp"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any session default differs. New sessions
	// pick up the new values; running sessions are untouched.
	SessionChanged bool

	ContextsChanged bool
	ContextChanges  []ContextDiff
}

// ContextDiff describes what changed for a single context entry.
type ContextDiff struct {
	Name           string
	SourceChanged  bool
	ModelChanged   bool
	DefaultChanged bool
	Added          bool
	Removed        bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart. Context changes
// are sorted by name.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionChanged = !sessionEqual(old.Session, new.Session)

	oldCtx := make(map[string]ContextConfig, len(old.Contexts))
	for _, c := range old.Contexts {
		oldCtx[c.Name] = c
	}
	newCtx := make(map[string]ContextConfig, len(new.Contexts))
	for _, c := range new.Contexts {
		newCtx[c.Name] = c
	}

	for name, o := range oldCtx {
		n, ok := newCtx[name]
		if !ok {
			d.ContextChanges = append(d.ContextChanges, ContextDiff{Name: name, Removed: true})
			continue
		}
		cd := ContextDiff{
			Name:           name,
			SourceChanged:  o.Source != n.Source,
			ModelChanged:   o.Model != n.Model,
			DefaultChanged: o.Default != n.Default,
		}
		if cd.SourceChanged || cd.ModelChanged || cd.DefaultChanged {
			d.ContextChanges = append(d.ContextChanges, cd)
		}
	}
	for name := range newCtx {
		if _, ok := oldCtx[name]; !ok {
			d.ContextChanges = append(d.ContextChanges, ContextDiff{Name: name, Added: true})
		}
	}
	slices.SortFunc(d.ContextChanges, func(a, b ContextDiff) int { return cmp.Compare(a.Name, b.Name) })
	d.ContextsChanged = len(d.ContextChanges) > 0
	return d
}

func sessionEqual(a, b SessionConfig) bool {
	if a.AccessKey != b.AccessKey || a.EndpointDurationSec != b.EndpointDurationSec ||
		a.EmitPolicy != b.EmitPolicy || a.QueueSize != b.QueueSize || a.MaxSessions != b.MaxSessions {
		return false
	}
	return ptrEqual(a.Sensitivity, b.Sensitivity) && ptrEqual(a.RequireEndpoint, b.RequireEndpoint)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
