package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrUnknownContext is returned by [Catalogue.Resolve] for names that are not
// in the catalogue, or for an empty name when no default exists.
var ErrUnknownContext = errors.New("assets: unknown context")

// Entry describes one named context.
type Entry struct {
	Name string

	// Source is the file path or URL of the context blob.
	Source string

	// Model optionally names a model blob to use with this context.
	Model string

	Default bool
}

// Blob is a resolved context.
type Blob struct {
	Name    string
	Context []byte

	// Model is nil when the entry names none.
	Model []byte
}

// clone returns a copy that shares no bytes with the cache.
func (b Blob) clone() Blob {
	b.Context = bytes.Clone(b.Context)
	b.Model = bytes.Clone(b.Model)
	return b
}

// Catalogue resolves context names to blobs, loading each blob once.
// Concurrent resolutions of the same name share a single load.
type Catalogue struct {
	loader *Loader
	group  singleflight.Group

	mu      sync.RWMutex
	entries map[string]Entry
	def     string
	cache   map[string]Blob
}

// NewCatalogue returns a catalogue over entries.
func NewCatalogue(loader *Loader, entries []Entry) *Catalogue {
	c := &Catalogue{loader: loader}
	c.Replace(entries)
	return c
}

// Replace swaps the entry set. Cached blobs survive for entries whose source
// and model did not change.
func (c *Catalogue) Replace(entries []Entry) {
	next := make(map[string]Entry, len(entries))
	def := ""
	for _, e := range entries {
		next[e.Name] = e
		if e.Default {
			def = e.Name
		}
	}
	if def == "" && len(entries) == 1 {
		def = entries[0].Name
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cache := make(map[string]Blob, len(c.cache))
	for name, blob := range c.cache {
		old, okOld := c.entries[name]
		cur, okNew := next[name]
		if okOld && okNew && old.Source == cur.Source && old.Model == cur.Model {
			cache[name] = blob
		}
	}
	c.entries, c.def, c.cache = next, def, cache
}

// Entries returns the current entries sorted by name.
func (c *Catalogue) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Default returns the name used when a client names no context. It is empty
// when none is marked default and there is more than one entry.
func (c *Catalogue) Default() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.def
}

// Resolve returns the blob for name, loading it on first use. An empty name
// selects the default context.
func (c *Catalogue) Resolve(ctx context.Context, name string) (Blob, error) {
	c.mu.RLock()
	if name == "" {
		name = c.def
	}
	entry, ok := c.entries[name]
	blob, cached := c.cache[name]
	c.mu.RUnlock()

	if !ok {
		if name == "" {
			return Blob{}, fmt.Errorf("%w: no context named and no default configured", ErrUnknownContext)
		}
		return Blob{}, fmt.Errorf("%w: %q", ErrUnknownContext, name)
	}
	if cached {
		return blob.clone(), nil
	}

	key := name + "\x00" + entry.Source + "\x00" + entry.Model
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.load(ctx, entry)
	})
	if err != nil {
		return Blob{}, err
	}
	return v.(Blob).clone(), nil
}

func (c *Catalogue) load(ctx context.Context, e Entry) (Blob, error) {
	b := Blob{Name: e.Name}
	var err error
	if b.Context, err = c.loader.Load(ctx, e.Source); err != nil {
		return Blob{}, err
	}
	if e.Model != "" {
		if b.Model, err = c.loader.Load(ctx, e.Model); err != nil {
			return Blob{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Only cache when the entry is still current.
	if cur, ok := c.entries[e.Name]; ok && cur == e {
		c.cache[e.Name] = b
	}
	return b, nil
}
