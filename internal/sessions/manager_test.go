package sessions_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxintent/internal/assets"
	"github.com/MrWong99/voxintent/internal/config"
	"github.com/MrWong99/voxintent/internal/journal"
	journalmock "github.com/MrWong99/voxintent/internal/journal/mock"
	"github.com/MrWong99/voxintent/internal/observe"
	"github.com/MrWong99/voxintent/internal/sessions"
	audiomock "github.com/MrWong99/voxintent/pkg/audio/mock"
	"github.com/MrWong99/voxintent/pkg/intent"
	"github.com/MrWong99/voxintent/pkg/intent/mock"
	"github.com/MrWong99/voxintent/pkg/session"
)

type fixture struct {
	engine  *mock.Engine
	journal *journalmock.Journal
	mgr     *sessions.Manager
}

func newFixture(t *testing.T, defaults config.SessionConfig) *fixture {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{"coffee.yml": "coffee", "lights.yml": "lights"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cat := assets.NewCatalogue(assets.NewLoader(assets.WithBaseDir(dir)), []assets.Entry{
		{Name: "coffee", Source: "coffee.yml", Default: true},
		{Name: "lights", Source: "lights.yml"},
	})
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		engine:  &mock.Engine{},
		journal: &journalmock.Journal{Recorded: make(chan journal.Entry, 8)},
	}
	f.mgr = sessions.NewManager(sessions.ManagerConfig{
		Engine:    f.engine,
		Catalogue: cat,
		Journal:   f.journal,
		Metrics:   metrics,
		Defaults:  defaults,
	})
	t.Cleanup(func() { _ = f.mgr.CloseAll(context.Background()) })
	return f
}

func TestManager_InitResolvesContextAndDefaults(t *testing.T) {
	t.Parallel()
	sens := float32(0.7)
	f := newFixture(t, config.SessionConfig{AccessKey: "default-key", Sensitivity: &sens})

	s, err := f.mgr.Open(context.Background(), sessions.OpenOptions{Source: journal.SourceWebSocket, Audio: &audiomock.Source{}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.ID() == "" {
		t.Fatal("Open should generate an id")
	}

	dur := float32(2)
	if err := s.Init(context.Background(), sessions.InitRequest{Context: "lights", EndpointDurationSec: &dur}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(f.engine.CreateCalls) != 1 {
		t.Fatalf("Create calls = %d, want 1", len(f.engine.CreateCalls))
	}
	cfg := f.engine.CreateCalls[0].Cfg
	if cfg.AccessKey != "default-key" || string(cfg.Context) != "lights" {
		t.Errorf("engine config = %+v", cfg)
	}
	if cfg.Sensitivity != 0.7 || cfg.Endpoint.DurationSec != 2 || !cfg.Endpoint.Required {
		t.Errorf("engine tuning = %v / %+v", cfg.Sensitivity, cfg.Endpoint)
	}

	info := s.Info()
	if info.Context != "lights" || info.Source != journal.SourceWebSocket || !info.Snapshot.IsLoaded {
		t.Errorf("Info = %+v", info)
	}
}

func TestManager_InitErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.SessionConfig{})

	s, err := f.mgr.Open(context.Background(), sessions.OpenOptions{Audio: &audiomock.Source{}})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Init(context.Background(), sessions.InitRequest{Context: "nope", AccessKey: "k"})
	if !errors.Is(err, intent.ErrInit) || !errors.Is(err, assets.ErrUnknownContext) {
		t.Errorf("unknown context err = %v", err)
	}

	f.engine.Validate = true
	err = s.Init(context.Background(), sessions.InitRequest{})
	if !errors.Is(err, intent.ErrInit) {
		t.Errorf("empty access key err = %v, want init error", err)
	}
	if s.Info().Snapshot.IsLoaded {
		t.Error("session should not be loaded after a failed init")
	}
}

func TestManager_JournalsFinalizedInferences(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.SessionConfig{EmitPolicy: "every-frame"})
	f.engine.Handle = &mock.Handle{Results: []intent.Inference{
		intent.Pending(),
		intent.Understood("orderBeverage", map[string]string{"size": "small"}),
	}}

	got := make(chan intent.Inference, 4)
	src := &audiomock.Source{}
	s, err := f.mgr.Open(context.Background(), sessions.OpenOptions{
		ID:          "s1",
		Source:      journal.SourceFile,
		Audio:       src,
		OnInference: func(inf intent.Inference) { got <- inf },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init(context.Background(), sessions.InitRequest{AccessKey: "k"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Controller().Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	frame := make([]int16, mock.DefaultFrameLength)
	src.Emit(frame)
	src.Emit(frame)

	for _, wantFinal := range []bool{false, true} {
		select {
		case inf := <-got:
			if inf.IsFinalized != wantFinal {
				t.Errorf("inference finalized = %v, want %v", inf.IsFinalized, wantFinal)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for inference")
		}
	}

	select {
	case e := <-f.journal.Recorded:
		if e.SessionID != "s1" || e.Context != "coffee" || e.Source != journal.SourceFile || e.Inference.Intent != "orderBeverage" {
			t.Errorf("journal entry = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("finalized inference was not journaled")
	}
	if n := f.journal.CallCount("Record"); n != 1 {
		t.Errorf("Record calls = %d, want 1 (pending inferences are not journaled)", n)
	}
}

func TestManager_JournalFailureDoesNotBreakSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.SessionConfig{})
	f.journal.SetRecordErr(errors.New("db down"))
	f.engine.Handle = &mock.Handle{ProcessResult: intent.NotUnderstood()}

	got := make(chan intent.Inference, 1)
	src := &audiomock.Source{}
	s, _ := f.mgr.Open(context.Background(), sessions.OpenOptions{Audio: src, OnInference: func(inf intent.Inference) { got <- inf }})
	if err := s.Init(context.Background(), sessions.InitRequest{AccessKey: "k"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Controller().Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.Emit(make([]int16, mock.DefaultFrameLength))

	select {
	case inf := <-got:
		if inf.IsUnderstood {
			t.Errorf("inference = %+v", inf)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked after journal failure")
	}
}

func TestManager_FatalErrorDoesNotAffectOtherSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.SessionConfig{AccessKey: "k"})
	broken := &mock.Handle{ProcessErr: intent.Errorf(intent.KindProcess, intent.StatusOutOfMemory, "oom").AsFatal()}
	healthy := &mock.Handle{ProcessResult: intent.Understood("orderBeverage", map[string]string{"size": "small"})}
	f.engine.Handles = []*mock.Handle{broken, healthy}
	ctx := context.Background()

	errsA := make(chan error, 4)
	srcA := &audiomock.Source{}
	a, err := f.mgr.Open(ctx, sessions.OpenOptions{ID: "a", Audio: srcA, OnError: func(err error) { errsA <- err }})
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan intent.Inference, 1)
	srcB := &audiomock.Source{}
	b, err := f.mgr.Open(ctx, sessions.OpenOptions{ID: "b", Audio: srcB, OnInference: func(inf intent.Inference) { got <- inf }})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []*sessions.Session{a, b} {
		if err := s.Init(ctx, sessions.InitRequest{}); err != nil {
			t.Fatalf("Init %s: %v", s.ID(), err)
		}
		if err := s.Controller().Start(ctx); err != nil {
			t.Fatalf("Start %s: %v", s.ID(), err)
		}
	}

	srcA.Emit(make([]int16, mock.DefaultFrameLength))
	select {
	case err := <-errsA:
		if !intent.IsFatal(err) {
			t.Fatalf("session a error = %v, want fatal", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session a reported no error")
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.Controller().State() != session.StateErrored && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st := a.Controller().State(); st != session.StateErrored {
		t.Fatalf("session a state = %v, want errored", st)
	}

	if !b.Controller().IsListening() {
		t.Fatalf("session b state = %v, want listening", b.Controller().State())
	}
	srcB.Emit(make([]int16, mock.DefaultFrameLength))
	select {
	case inf := <-got:
		if inf.Intent != "orderBeverage" {
			t.Errorf("session b inference = %+v", inf)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session b never finalized")
	}
	if healthy.ProcessCallCount() != 1 || healthy.Resets() != 0 || healthy.Releases() != 0 {
		t.Errorf("session b handle process=%d resets=%d releases=%d",
			healthy.ProcessCallCount(), healthy.Resets(), healthy.Releases())
	}
	if n := f.mgr.Len(); n != 2 {
		t.Errorf("open sessions = %d, want 2", n)
	}
}

func TestManager_Limits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.SessionConfig{MaxSessions: 1})
	ctx := context.Background()

	if _, err := f.mgr.Open(ctx, sessions.OpenOptions{}); err == nil {
		t.Error("Open without audio source should fail")
	}
	if _, err := f.mgr.Open(ctx, sessions.OpenOptions{ID: "a", Audio: &audiomock.Source{}}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.Open(ctx, sessions.OpenOptions{ID: "b", Audio: &audiomock.Source{}}); !errors.Is(err, sessions.ErrTooManySessions) {
		t.Errorf("second Open = %v, want ErrTooManySessions", err)
	}

	f.mgr.SetDefaults(config.SessionConfig{})
	if _, err := f.mgr.Open(ctx, sessions.OpenOptions{ID: "a", Audio: &audiomock.Source{}}); err == nil {
		t.Error("duplicate id should fail")
	}
	if _, err := f.mgr.Open(ctx, sessions.OpenOptions{ID: "b", Audio: &audiomock.Source{}}); err != nil {
		t.Errorf("Open after raising the limit: %v", err)
	}
	if f.mgr.Len() != 2 {
		t.Errorf("Len = %d", f.mgr.Len())
	}
}

func TestManager_ListGetClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.SessionConfig{})
	ctx := context.Background()

	for _, id := range []string{"first", "second"} {
		if _, err := f.mgr.Open(ctx, sessions.OpenOptions{ID: id, Audio: &audiomock.Source{}}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}

	list := f.mgr.List()
	if len(list) != 2 || list[0].ID != "first" || list[1].ID != "second" {
		t.Fatalf("List = %+v", list)
	}
	if list[0].Snapshot.State != session.StateUninitialized {
		t.Errorf("state = %v", list[0].Snapshot.State)
	}

	if _, err := f.mgr.Get("first"); err != nil {
		t.Errorf("Get(first): %v", err)
	}
	if err := f.mgr.Close(ctx, "first"); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := f.mgr.Get("first"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("Get after Close = %v", err)
	}
	if err := f.mgr.Close(ctx, "first"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("second Close = %v", err)
	}

	if err := f.mgr.CloseAll(ctx); err != nil {
		t.Errorf("CloseAll: %v", err)
	}
	if _, err := f.mgr.Open(ctx, sessions.OpenOptions{Audio: &audiomock.Source{}}); !errors.Is(err, sessions.ErrManagerClosed) {
		t.Errorf("Open after CloseAll = %v", err)
	}
}

func TestManager_DefaultsAreFixedAtOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.SessionConfig{AccessKey: "old"})
	s, _ := f.mgr.Open(context.Background(), sessions.OpenOptions{Audio: &audiomock.Source{}})
	f.mgr.SetDefaults(config.SessionConfig{AccessKey: "new"})

	if err := s.Init(context.Background(), sessions.InitRequest{}); err != nil {
		t.Fatal(err)
	}
	if got := f.engine.CreateCalls[0].Cfg.AccessKey; got != "old" {
		t.Errorf("access key = %q, want the value at Open", got)
	}
	if f.mgr.Defaults().AccessKey != "new" {
		t.Errorf("Defaults = %+v", f.mgr.Defaults())
	}
}
