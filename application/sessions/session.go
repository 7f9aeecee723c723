package sessions

import (
	"context"
	"sync"
	"time"

	"papervault/application/ports"
	"papervault/application/reconcile"
	"papervault/domain/core/aggregates"
	"papervault/domain/core/entities"
	"papervault/domain/events"
	pkgerrors "papervault/pkg/errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Phase is the lifecycle state of a vault session.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseLoading       Phase = "loading"
	PhaseReady         Phase = "ready"
	PhaseClosed        Phase = "closed"
)

// Timing holds the tunable delays of a session.
type Timing struct {
	AuthorityWindow     time.Duration
	StaleAfter          time.Duration
	ReapInterval        time.Duration
	AutosaveDelay       time.Duration
	DuplicateCheckDelay time.Duration
}

// DefaultTiming returns the standard delays.
func DefaultTiming() Timing {
	return Timing{
		AuthorityWindow:     reconcile.DefaultAuthorityWindow,
		StaleAfter:          30 * time.Second,
		ReapInterval:        5 * time.Second,
		AutosaveDelay:       3 * time.Second,
		DuplicateCheckDelay: 500 * time.Millisecond,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.AuthorityWindow <= 0 {
		t.AuthorityWindow = d.AuthorityWindow
	}
	if t.StaleAfter <= 0 {
		t.StaleAfter = d.StaleAfter
	}
	if t.ReapInterval <= 0 {
		t.ReapInterval = d.ReapInterval
	}
	if t.AutosaveDelay <= 0 {
		t.AutosaveDelay = d.AutosaveDelay
	}
	if t.DuplicateCheckDelay <= 0 {
		t.DuplicateCheckDelay = d.DuplicateCheckDelay
	}
	return t
}

// Status is the connectivity summary shown next to a vault.
type Status struct {
	Phase             Phase `json:"phase"`
	Connected         bool  `json:"connected"`
	RealtimeConnected bool  `json:"realtime_connected"`
	PendingOperations int   `json:"pending_operations"`
}

// Observer receives session events. It is called synchronously, sometimes
// while the session holds its state lock, so it must not block or call
// back into the session.
type Observer func(events.DomainEvent)

// Config wires a session to its collaborators.
type Config struct {
	VaultID   string
	Creds     ports.Credentials
	Store     ports.RemoteStore
	Feed      ports.RealtimeFeed
	Profiles  ports.ProfileDirectory
	Publisher ports.ActivityPublisher
	Clock     reconcile.Clock
	Timing    Timing
	Logger    *zap.Logger
	Metrics   reconcile.Recorder
	// Connected reports whether the remote store is reachable, e.g. from a
	// circuit breaker. Nil means always connected.
	Connected func() bool
}

// VaultSession is the context object for one open vault: its collections,
// ledger, engine, merger, activity tracker, debounced tasks and realtime
// subscriptions. Sessions are created per user and vault and discarded on
// close.
type VaultSession struct {
	cfg    Config
	logger *zap.Logger

	holder    *reconcile.StateHolder
	ledger    *reconcile.Ledger
	engine    *reconcile.Engine
	merger    *reconcile.Merger
	tracker   *reconcile.ActivityTracker
	debouncer *reconcile.Debouncer

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	phase     Phase
	realtime  bool
	timing    Timing
	subs      []ports.Subscription
	backlog   []events.RemoteChange
	reaper    reconcile.Timer
	observers map[int]Observer
	nextObs   int
}

// New builds a session in the Uninitialized phase.
func New(cfg Config) *VaultSession {
	if cfg.Clock == nil {
		cfg.Clock = reconcile.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Timing = cfg.Timing.withDefaults()
	logger := cfg.Logger.With(zap.String("vault_id", cfg.VaultID), zap.String("user_id", cfg.Creds.UserID))

	s := &VaultSession{
		cfg:       cfg,
		logger:    logger,
		phase:     PhaseUninitialized,
		timing:    cfg.Timing,
		observers: make(map[int]Observer),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.holder = reconcile.NewStateHolder(aggregates.NewVaultState(cfg.VaultID))
	s.ledger = reconcile.NewLedger(cfg.Clock, logger, cfg.Metrics)
	s.tracker = reconcile.NewActivityTracker(cfg.Clock, cfg.Timing.AuthorityWindow, cfg.Profiles, s.onActivity, logger)
	s.engine = reconcile.NewEngine(s.holder, s.ledger, reconcile.EngineOptions{
		Clock:     cfg.Clock,
		Logger:    logger,
		Metrics:   cfg.Metrics,
		Tracker:   s.tracker,
		OnSettled: s.onSettled,
	})
	s.merger = reconcile.NewMerger(s.holder, s.ledger, s.tracker, logger, cfg.Metrics)
	s.debouncer = reconcile.NewDebouncer(cfg.Clock)
	s.holder.Subscribe(s.onState)
	return s
}

// VaultID returns the vault this session is bound to.
func (s *VaultSession) VaultID() string { return s.cfg.VaultID }

// UserID returns the acting user.
func (s *VaultSession) UserID() string { return s.cfg.Creds.UserID }

// Phase returns the lifecycle phase.
func (s *VaultSession) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// State returns the current collections.
func (s *VaultSession) State() *aggregates.VaultState {
	return s.holder.Current()
}

// Activity returns the current activity fact.
func (s *VaultSession) Activity() (entities.ActivityFact, bool) {
	return s.tracker.Current()
}

// Status returns the connectivity summary.
func (s *VaultSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *VaultSession) statusLocked() Status {
	connected := s.phase == PhaseReady
	if connected && s.cfg.Connected != nil {
		connected = s.cfg.Connected()
	}
	return Status{
		Phase:             s.phase,
		Connected:         connected,
		RealtimeConnected: s.realtime,
		PendingOperations: s.ledger.Len(),
	}
}

// Subscribe registers an observer and returns a function removing it.
func (s *VaultSession) Subscribe(o Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// SetTiming applies new delays to a running session.
func (s *VaultSession) SetTiming(t Timing) {
	t = t.withDefaults()
	s.mu.Lock()
	s.timing = t
	s.mu.Unlock()
	s.tracker.SetWindow(t.AuthorityWindow)
}

func (s *VaultSession) currentTiming() Timing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timing
}

// Open subscribes to realtime changes, loads the vault, seeds the activity
// fact and starts reaping stale ledger entries. Changes that arrive while
// loading are merged once the loaded state is published. A failed load
// returns the session to Uninitialized.
func (s *VaultSession) Open(ctx context.Context) error {
	s.mu.Lock()
	switch s.phase {
	case PhaseReady, PhaseLoading:
		s.mu.Unlock()
		return nil
	case PhaseClosed:
		s.mu.Unlock()
		return pkgerrors.NewUnavailableError("vault session")
	}
	s.mu.Unlock()
	s.setPhase(PhaseLoading)

	ctx, span := otel.Tracer("papervault/sessions").Start(ctx, "session.open")
	span.SetAttributes(attribute.String("vault_id", s.cfg.VaultID))
	defer span.End()

	s.subscribe(ctx)
	loaded, err := s.load(ctx)
	if err != nil {
		appErr := pkgerrors.Classify(err)
		span.RecordError(appErr)
		s.logger.Warn("Vault load failed", zap.String("error_class", string(appErr.Type)), zap.Error(err))
		s.unsubscribe()
		s.setPhase(PhaseUninitialized)
		return appErr
	}
	_ = s.holder.Update(reconcile.CauseLoad, func(*aggregates.VaultState) (*aggregates.VaultState, error) {
		return loaded, nil
	})
	s.tracker.Seed(ctx, loaded)

	s.drainBacklog()
	s.scheduleReap()
	s.emitStatus()
	return nil
}

// drainBacklog merges the changes buffered during the load, then moves the
// session to Ready. Changes arriving meanwhile join the backlog, so they are
// merged in arrival order.
func (s *VaultSession) drainBacklog() {
	for {
		s.mu.Lock()
		backlog := s.backlog
		s.backlog = nil
		if len(backlog) == 0 {
			ready := s.phase == PhaseLoading
			if ready {
				s.phase = PhaseReady
			}
			s.mu.Unlock()
			if ready {
				s.logger.Info("Session state changed", zap.String("from", string(PhaseLoading)), zap.String("phase", string(PhaseReady)))
			}
			return
		}
		s.mu.Unlock()
		for _, change := range backlog {
			s.merger.Handle(s.ctx, change)
		}
	}
}

func (s *VaultSession) load(ctx context.Context) (*aggregates.VaultState, error) {
	store := s.cfg.Store
	vaultFilter := ports.Eq("vault_id", s.cfg.VaultID)

	var papers, tags, shares []entities.Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		papers, err = store.Query(gctx, entities.CollectionPapers, vaultFilter)
		return err
	})
	g.Go(func() (err error) {
		tags, err = store.Query(gctx, entities.CollectionTags, vaultFilter)
		return err
	})
	g.Go(func() (err error) {
		shares, err = store.Query(gctx, entities.CollectionShares, vaultFilter)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var links, relations []entities.Record
	if len(papers) > 0 {
		ids := make([]string, 0, len(papers))
		for _, p := range papers {
			ids = append(ids, p.RecordID().Value())
		}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			links, err = store.Query(gctx, entities.CollectionPaperTags, ports.In("paper_id", ids))
			return err
		})
		g.Go(func() (err error) {
			relations, err = store.Query(gctx, entities.CollectionRelations, ports.In("source_paper_id", ids))
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	state := aggregates.NewVaultState(s.cfg.VaultID).
		WithCollection(entities.CollectionPapers, papers).
		WithCollection(entities.CollectionTags, tags).
		WithCollection(entities.CollectionShares, shares).
		WithCollection(entities.CollectionPaperTags, links).
		WithCollection(entities.CollectionRelations, relations)

	s.logger.Info("Vault loaded",
		zap.Int("papers", len(papers)),
		zap.Int("tags", len(tags)),
		zap.Int("shares", len(shares)),
		zap.Int("paper_tags", len(links)),
		zap.Int("relations", len(relations)),
	)
	return state, nil
}

func (s *VaultSession) subscribe(ctx context.Context) {
	if s.cfg.Feed == nil {
		return
	}
	var subs []ports.Subscription
	for _, c := range entities.Collections {
		var filter *ports.Filter
		if c.HasVaultColumn() {
			f := ports.Eq("vault_id", s.cfg.VaultID)
			filter = &f
		}
		sub, err := s.cfg.Feed.Subscribe(ctx, c, filter, feedHandler{s})
		if err != nil {
			s.logger.Warn("Realtime subscription failed", zap.String("collection", string(c)), zap.Error(err))
			continue
		}
		subs = append(subs, sub)
	}
	s.mu.Lock()
	s.subs = subs
	closed := s.phase == PhaseClosed
	s.mu.Unlock()
	if closed {
		s.unsubscribe()
	}
}

func (s *VaultSession) unsubscribe() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.backlog = nil
	s.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Unsubscribe failed", zap.Error(err))
		}
	}
}

type feedHandler struct{ s *VaultSession }

func (h feedHandler) OnChange(change events.RemoteChange) {
	h.s.mu.Lock()
	switch h.s.phase {
	case PhaseLoading:
		h.s.backlog = append(h.s.backlog, change)
		h.s.mu.Unlock()
		return
	case PhaseReady:
		h.s.mu.Unlock()
		h.s.merger.Handle(h.s.ctx, change)
	default:
		h.s.mu.Unlock()
	}
}

func (h feedHandler) OnStatus(connected bool) {
	h.s.mu.Lock()
	changed := h.s.realtime != connected
	h.s.realtime = connected
	h.s.mu.Unlock()
	if !changed {
		return
	}
	if connected {
		h.s.logger.Info("Realtime connection restored")
	} else {
		h.s.logger.Warn("Realtime connection lost")
	}
	h.s.emitStatus()
}

func (s *VaultSession) scheduleReap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return
	}
	s.reaper = s.cfg.Clock.AfterFunc(s.timing.ReapInterval, func() {
		staleAfter := s.currentTiming().StaleAfter
		if reaped := s.ledger.Reap(staleAfter); len(reaped) > 0 {
			s.emitStatus()
		}
		s.engine.PrunePromises(staleAfter)
		s.scheduleReap()
	})
}

// Close tears the session down. In-flight mutations get until ctx expires
// to settle.
func (s *VaultSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return nil
	}
	s.phase = PhaseClosed
	if s.reaper != nil {
		s.reaper.Stop()
	}
	s.mu.Unlock()

	s.debouncer.Stop()
	s.unsubscribe()
	s.engine.Close(ctx)
	s.cancel()
	s.logger.Info("Session state changed", zap.String("phase", string(PhaseClosed)))
	s.emitStatus()
	return nil
}

func (s *VaultSession) setPhase(p Phase) {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	prev := s.phase
	s.phase = p
	s.mu.Unlock()
	s.logger.Info("Session state changed", zap.String("from", string(prev)), zap.String("phase", string(p)))
	s.emitStatus()
}

func (s *VaultSession) emit(e events.DomainEvent) {
	s.mu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()
	for _, o := range observers {
		o(e)
	}
}

func (s *VaultSession) emitStatus() {
	st := s.Status()
	s.emit(events.NewStatusChanged(s.cfg.VaultID, string(st.Phase), st.Connected, st.RealtimeConnected, st.PendingOperations, s.cfg.Clock.Now()))
}

func (s *VaultSession) onState(_, next *aggregates.VaultState, cause string) {
	s.emit(events.NewStateChanged(s.cfg.VaultID, next.Version(), cause, s.cfg.Clock.Now()))
}

func (s *VaultSession) onSettled(m reconcile.Mutation, r reconcile.Result) {
	if r.Err == nil && m.Target.ID.IsProvisional() && r.Target.ID != m.Target.ID {
		// Deferred tasks scheduled against the provisional id now belong to
		// the durable one.
		s.debouncer.Rekey(notesKey(m.Target.ID), notesKey(r.Target.ID))
		s.debouncer.Rekey(doiKey(m.Target.ID), doiKey(r.Target.ID))
	}
	if r.Err != nil {
		s.emit(events.NewMutationFailed(s.cfg.VaultID, string(r.OperationID), m.Action,
			pkgerrors.UserMessage(r.Err), string(r.Err.Type), s.cfg.Clock.Now()))
	}
	s.emitStatus()
}

func (s *VaultSession) onActivity(fact entities.ActivityFact) {
	s.emit(events.NewActivityChanged(s.cfg.VaultID, fact))
	if s.cfg.Publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		if err := s.cfg.Publisher.PublishActivity(ctx, s.cfg.VaultID, fact); err != nil {
			s.logger.Warn("Activity publish failed", zap.Error(err))
		}
	}()
}
