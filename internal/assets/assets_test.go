package assets_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/voxintent/internal/assets"
	"github.com/MrWong99/voxintent/pkg/intent"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	return path
}

func expectIOError(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, intent.ErrIO) {
		t.Fatalf("err = %v, want an intent IO error", err)
	}
}

func TestLoader_File(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	abs := writeFile(t, dir, "coffee.yml", "context: {}")

	l := assets.NewLoader(assets.WithBaseDir(dir))
	for _, src := range []string{abs, "coffee.yml"} {
		data, err := l.Load(context.Background(), src)
		if err != nil {
			t.Fatalf("Load(%q): %v", src, err)
		}
		if string(data) != "context: {}" {
			t.Errorf("Load(%q) = %q", src, data)
		}
	}

	_, err := l.Load(context.Background(), "missing.yml")
	expectIOError(t, err)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error should wrap os.ErrNotExist: %v", err)
	}

	_, err = l.Load(context.Background(), "")
	expectIOError(t, err)
}

func TestLoader_HTTP(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.yml":
			_, _ = w.Write([]byte("remote"))
		case "/big":
			_, _ = w.Write(make([]byte, 32))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	l := assets.NewLoader(assets.WithHTTPClient(srv.Client()), assets.WithMaxSize(16))
	data, err := l.Load(context.Background(), srv.URL+"/ok.yml")
	if err != nil || string(data) != "remote" {
		t.Fatalf("Load = %q, %v", data, err)
	}

	_, err = l.Load(context.Background(), srv.URL+"/nope")
	expectIOError(t, err)

	_, err = l.Load(context.Background(), srv.URL+"/big")
	expectIOError(t, err)
	var ie *intent.Error
	if errors.As(err, &ie) && ie.Status != intent.StatusOutOfMemory {
		t.Errorf("oversized status = %v, want OUT_OF_MEMORY", ie.Status)
	}
}

func TestCatalogue_Resolve(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "coffee.yml", "coffee")
	writeFile(t, dir, "lights.yml", "lights")
	writeFile(t, dir, "model.pv", "model")

	c := assets.NewCatalogue(assets.NewLoader(assets.WithBaseDir(dir)), []assets.Entry{
		{Name: "lights", Source: "lights.yml", Model: "model.pv"},
		{Name: "coffee", Source: "coffee.yml", Default: true},
	})

	if c.Default() != "coffee" {
		t.Errorf("Default = %q", c.Default())
	}
	if es := c.Entries(); len(es) != 2 || es[0].Name != "coffee" {
		t.Errorf("Entries = %+v, want sorted by name", es)
	}

	def, err := c.Resolve(context.Background(), "")
	if err != nil || def.Name != "coffee" || string(def.Context) != "coffee" || def.Model != nil {
		t.Fatalf("Resolve(default) = %+v, %v", def, err)
	}
	lights, err := c.Resolve(context.Background(), "lights")
	if err != nil || string(lights.Model) != "model" {
		t.Fatalf("Resolve(lights) = %+v, %v", lights, err)
	}

	if _, err := c.Resolve(context.Background(), "nope"); !errors.Is(err, assets.ErrUnknownContext) {
		t.Errorf("Resolve(nope) = %v, want ErrUnknownContext", err)
	}
}

func TestCatalogue_CachesAndReplaces(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	t.Cleanup(srv.Close)

	c := assets.NewCatalogue(assets.NewLoader(assets.WithHTTPClient(srv.Client())), []assets.Entry{
		{Name: "a", Source: srv.URL + "/a1"},
	})
	if c.Default() != "a" {
		t.Errorf("a single entry should be the default, got %q", c.Default())
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			b, err := c.Resolve(context.Background(), "a")
			if err != nil || string(b.Context) != "/a1" {
				t.Errorf("Resolve = %q, %v", b.Context, err)
			}
		})
	}
	wg.Wait()
	first := hits.Load()
	if first < 1 {
		t.Fatal("server was never hit")
	}

	b, _ := c.Resolve(context.Background(), "a")
	b.Context[0] = 'X'
	if hits.Load() != first {
		t.Errorf("cached blob was reloaded")
	}
	again, _ := c.Resolve(context.Background(), "a")
	if string(again.Context) != "/a1" {
		t.Errorf("cache was mutated through a resolved blob: %q", again.Context)
	}

	c.Replace([]assets.Entry{{Name: "a", Source: srv.URL + "/a2"}, {Name: "b", Source: srv.URL + "/b"}})
	if c.Default() != "" {
		t.Errorf("Default with two unmarked entries = %q, want empty", c.Default())
	}
	if _, err := c.Resolve(context.Background(), ""); !errors.Is(err, assets.ErrUnknownContext) {
		t.Errorf("Resolve(\"\") without default = %v", err)
	}
	updated, err := c.Resolve(context.Background(), "a")
	if err != nil || string(updated.Context) != "/a2" {
		t.Errorf("Resolve after Replace = %q, %v", updated.Context, err)
	}
}

func TestCatalogue_LoadErrorIsIO(t *testing.T) {
	t.Parallel()
	c := assets.NewCatalogue(assets.NewLoader(), []assets.Entry{{Name: "x", Source: "/does/not/exist.yml"}})
	_, err := c.Resolve(context.Background(), "x")
	expectIOError(t, err)
}
