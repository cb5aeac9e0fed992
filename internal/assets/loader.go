// Package assets loads context and model blobs from file paths or http(s)
// URLs and keeps the named contexts a service offers to its clients.
//
// Every failure surfaces as an [*intent.Error] of [intent.KindIO], so callers
// can forward it to clients unchanged.
package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/voxintent/internal/observe"
	"github.com/MrWong99/voxintent/pkg/intent"
)

// DefaultMaxSize bounds a single blob. Rhino model files are a few MiB; the
// default leaves plenty of room.
const DefaultMaxSize = 64 << 20

// Loader fetches blobs. It is safe for concurrent use.
type Loader struct {
	client  *http.Client
	baseDir string
	maxSize int64
	metrics *observe.Metrics
}

// Option configures a [Loader].
type Option func(*Loader)

// WithHTTPClient replaces the default client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

// WithBaseDir resolves relative file paths against dir, typically the
// directory of the config file.
func WithBaseDir(dir string) Option {
	return func(l *Loader) { l.baseDir = dir }
}

// WithMaxSize overrides [DefaultMaxSize].
func WithMaxSize(n int64) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxSize = n
		}
	}
}

// WithMetrics records fetch latency into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// NewLoader returns a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		client:  &http.Client{Timeout: 30 * time.Second},
		maxSize: DefaultMaxSize,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load returns the blob at source, an http(s) URL or a file path.
func (l *Loader) Load(ctx context.Context, source string) ([]byte, error) {
	if source == "" {
		return nil, intent.Errorf(intent.KindIO, intent.StatusInvalidArgument, "empty asset source")
	}
	start := time.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.AssetFetchDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return l.fetch(ctx, source)
	}
	return l.read(source)
}

func (l *Loader) read(path string) ([]byte, error) {
	if l.baseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(l.baseDir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, intent.Wrap(intent.KindIO, intent.StatusIOError, fmt.Sprintf("open %q", path), err)
	}
	defer f.Close()
	return l.readAll(f, path)
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, intent.Wrap(intent.KindIO, intent.StatusInvalidArgument, "create request", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, intent.Wrap(intent.KindIO, intent.StatusIOError, fmt.Sprintf("fetch %q", url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, intent.Errorf(intent.KindIO, intent.StatusIOError, "fetch %q: server returned HTTP %d", url, resp.StatusCode)
	}
	return l.readAll(resp.Body, url)
}

func (l *Loader) readAll(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, l.maxSize+1))
	if err != nil {
		return nil, intent.Wrap(intent.KindIO, intent.StatusIOError, fmt.Sprintf("read %q", name), err)
	}
	if int64(len(data)) > l.maxSize {
		return nil, intent.Errorf(intent.KindIO, intent.StatusOutOfMemory, "%q exceeds %d bytes", name, l.maxSize)
	}
	return data, nil
}
