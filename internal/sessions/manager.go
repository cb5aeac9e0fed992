// Package sessions tracks the intent sessions a service runs over one shared
// engine and journals every finalized inference they produce.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxintent/internal/assets"
	"github.com/MrWong99/voxintent/internal/config"
	"github.com/MrWong99/voxintent/internal/journal"
	"github.com/MrWong99/voxintent/internal/observe"
	"github.com/MrWong99/voxintent/pkg/audio"
	"github.com/MrWong99/voxintent/pkg/intent"
	"github.com/MrWong99/voxintent/pkg/session"
)

// journalTimeout bounds a single journal write issued from a session
// callback.
const journalTimeout = 5 * time.Second

// Sentinel errors returned by [Manager].
var (
	ErrSessionNotFound = errors.New("sessions: session not found")
	ErrTooManySessions = errors.New("sessions: session limit reached")
	ErrManagerClosed   = errors.New("sessions: session manager closed")
)

// SessionInfo holds metadata about an open session.
type SessionInfo struct {
	// ID is the unique identifier for this session.
	ID string

	// Source is where the session's audio comes from (journal.Source*).
	Source string

	// Context is the name of the context the session was initialised with.
	// Empty until Init succeeds.
	Context string

	// StartedAt is when the session was opened.
	StartedAt time.Time

	// Snapshot is the controller state at the time of the call.
	Snapshot session.Snapshot
}

// OpenOptions configures [Manager.Open].
type OpenOptions struct {
	// ID is generated when empty.
	ID string

	// Source is recorded in journal entries.
	Source string

	// Audio feeds the session's controller. Required.
	Audio audio.Source

	// Callbacks run after the manager has recorded the event. They run on the
	// controller's notification goroutine and may call back into the session.
	OnInference   func(intent.Inference)
	OnError       func(error)
	OnStateChange func(session.State)
}

// InitRequest selects the context and engine parameters of a session. Nil
// fields fall back to the session defaults the session was opened with.
type InitRequest struct {
	Context             string
	AccessKey           string
	Sensitivity         *float32
	EndpointDurationSec *float32
	RequireEndpoint     *bool
}

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	Engine    intent.Engine
	Catalogue *assets.Catalogue
	Journal   journal.Journal
	Metrics   *observe.Metrics
	Defaults  config.SessionConfig
	Logger    *slog.Logger
}

// Manager creates, tracks and releases sessions over one shared engine.
// Every finalized inference is written to the journal.
// All exported methods are safe for concurrent use.
type Manager struct {
	engine    intent.Engine
	catalogue *assets.Catalogue
	journal   journal.Journal
	metrics   *observe.Metrics
	observer  session.Observer
	log       *slog.Logger

	mu       sync.Mutex
	defaults config.SessionConfig
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a Manager with the given dependencies. A nil journal is
// replaced by an in-memory one, nil metrics by [observe.DefaultMetrics].
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		engine:    cfg.Engine,
		catalogue: cfg.Catalogue,
		journal:   cfg.Journal,
		metrics:   cfg.Metrics,
		defaults:  cfg.Defaults,
		log:       cfg.Logger,
		sessions:  make(map[string]*Session),
	}
	if m.catalogue == nil {
		m.catalogue = assets.NewCatalogue(assets.NewLoader(), nil)
	}
	if m.journal == nil {
		m.journal = journal.NewMemory(0)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.observer = observe.NewSessionObserver(m.metrics)
	return m
}

// Engine returns the engine sessions are created on.
func (m *Manager) Engine() intent.Engine { return m.engine }

// Catalogue returns the context catalogue sessions resolve contexts from.
func (m *Manager) Catalogue() *assets.Catalogue { return m.catalogue }

// Journal returns the journal finalized inferences are written to.
func (m *Manager) Journal() journal.Journal { return m.journal }

// Defaults returns the session defaults new sessions are opened with.
func (m *Manager) Defaults() config.SessionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaults
}

// SetDefaults replaces the session defaults. Open sessions keep the values
// they were opened with.
func (m *Manager) SetDefaults(d config.SessionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = d
}

// Open creates a session reading from opts.Audio. The session is
// uninitialised; call [Session.Init] next.
func (m *Manager) Open(ctx context.Context, opts OpenOptions) (*Session, error) {
	if opts.Audio == nil {
		return nil, errors.New("sessions: open session: no audio source")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if limit := m.defaults.MaxSessions; limit > 0 && len(m.sessions) >= limit {
		return nil, fmt.Errorf("%w (%d)", ErrTooManySessions, limit)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, dup := m.sessions[id]; dup {
		return nil, fmt.Errorf("sessions: open session: duplicate id %q", id)
	}

	s := &Session{
		m:         m,
		id:        id,
		source:    opts.Source,
		startedAt: time.Now().UTC(),
		defaults:  m.defaults,
		opts:      opts,
	}
	s.ctrl = session.NewController(m.engine, opts.Audio,
		session.WithID(id),
		session.WithQueueSize(m.defaults.QueueSize),
		session.WithEmitPolicy(m.defaults.Policy()),
		session.WithObserver(m.observer),
		session.WithLogger(m.log),
		session.OnInference(s.onInference),
		session.OnError(s.onError),
		session.OnStateChange(s.onState),
	)
	m.sessions[id] = s
	m.metrics.ActiveSessions.Add(ctx, 1)
	m.log.Info("session opened", "session_id", id, "source", opts.Source)
	return s, nil
}

// Get returns the open session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns every open session, oldest first.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close releases the session with the given id and forgets it.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return s.release(ctx)
}

// CloseAll releases every session and rejects further Opens.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Session is one controller owned by a [Manager].
type Session struct {
	m         *Manager
	ctrl      *session.Controller
	id        string
	source    string
	startedAt time.Time
	defaults  config.SessionConfig
	opts      OpenOptions

	mu          sync.Mutex
	contextName string
	listening   bool
	released    bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Controller returns the session's controller.
func (s *Session) Controller() *session.Controller { return s.ctrl }

// Info returns the session's metadata and controller snapshot.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	ctxName := s.contextName
	s.mu.Unlock()
	return SessionInfo{
		ID:        s.id,
		Source:    s.source,
		Context:   ctxName,
		StartedAt: s.startedAt,
		Snapshot:  s.ctrl.Snapshot(),
	}
}

// Init resolves the requested context and initialises the controller with
// it. An unknown context name is an init error with status
// INVALID_ARGUMENT; a failed blob fetch is an IO error.
func (s *Session) Init(ctx context.Context, req InitRequest) error {
	blob, err := s.m.catalogue.Resolve(ctx, req.Context)
	if err != nil {
		if errors.Is(err, assets.ErrUnknownContext) {
			return intent.Wrap(intent.KindInit, intent.StatusInvalidArgument, "resolve context", err)
		}
		return err
	}

	cfg := s.defaults.EngineConfig(nil, nil)
	if req.AccessKey != "" {
		cfg.AccessKey = req.AccessKey
	}
	if req.Sensitivity != nil {
		cfg.Sensitivity = *req.Sensitivity
	}
	if req.EndpointDurationSec != nil {
		cfg.Endpoint.DurationSec = *req.EndpointDurationSec
	}
	if req.RequireEndpoint != nil {
		cfg.Endpoint.Required = *req.RequireEndpoint
	}

	if err := s.ctrl.Init(ctx, cfg.AccessKey, blob.Context, blob.Model,
		session.WithSensitivity(cfg.Sensitivity),
		session.WithEndpointDuration(cfg.Endpoint.DurationSec),
		session.WithRequireEndpoint(cfg.Endpoint.Required),
	); err != nil {
		return err
	}

	s.mu.Lock()
	s.contextName = blob.Name
	s.mu.Unlock()
	return nil
}

func (s *Session) onInference(inf intent.Inference) {
	if inf.IsFinalized {
		s.record(inf)
	}
	if fn := s.opts.OnInference; fn != nil {
		fn(inf)
	}
}

func (s *Session) record(inf intent.Inference) {
	s.mu.Lock()
	ctxName := s.contextName
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	_, err := s.m.journal.Record(ctx, journal.Entry{
		SessionID: s.id,
		Context:   ctxName,
		Source:    s.source,
		Inference: inf,
	})
	if err != nil {
		s.m.log.Warn("journal write failed", "session_id", s.id, "err", err)
	}
}

func (s *Session) onError(err error) {
	if fn := s.opts.OnError; fn != nil {
		fn(err)
	}
}

func (s *Session) onState(st session.State) {
	listening := st == session.StateListening
	s.mu.Lock()
	delta := int64(0)
	if !s.released && listening != s.listening {
		s.listening = listening
		delta = 1
		if !listening {
			delta = -1
		}
	}
	s.mu.Unlock()
	if delta != 0 {
		s.m.metrics.ListeningSessions.Add(context.Background(), delta)
	}
	if fn := s.opts.OnStateChange; fn != nil {
		fn(st)
	}
}

// release releases the controller once and settles the session gauges.
func (s *Session) release(ctx context.Context) error {
	err := s.ctrl.Release(ctx)

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return err
	}
	s.released = true
	wasListening := s.listening
	s.listening = false
	s.mu.Unlock()

	bg := context.Background()
	if wasListening {
		s.m.metrics.ListeningSessions.Add(bg, -1)
	}
	s.m.metrics.ActiveSessions.Add(bg, -1)
	s.m.log.Info("session closed", "session_id", s.id)
	if err != nil {
		return fmt.Errorf("sessions: release session %q: %w", s.id, err)
	}
	return nil
}
