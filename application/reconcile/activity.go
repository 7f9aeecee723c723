package reconcile

import (
	"context"
	"sync"
	"time"

	"papervault/application/ports"
	"papervault/domain/core/aggregates"
	"papervault/domain/core/entities"

	"go.uber.org/zap"
)

// DefaultAuthorityWindow is how long a local action outranks remote echoes.
const DefaultAuthorityWindow = 2 * time.Second

// ActivityTracker maintains the single "last activity" fact of a vault.
// Remote echoes arriving within the authority window after a local action
// are discarded. Display names are looked up once per actor per session.
type ActivityTracker struct {
	mu        sync.Mutex
	clock     Clock
	window    time.Duration
	directory ports.ProfileDirectory
	publish   func(entities.ActivityFact)
	logger    *zap.Logger

	names     map[string]*string
	lastLocal time.Time
	hasLocal  bool
	seq       uint64
	published uint64
	current   *entities.ActivityFact
}

// NewActivityTracker creates a tracker. directory and publish may be nil.
func NewActivityTracker(clock Clock, window time.Duration, directory ports.ProfileDirectory, publish func(entities.ActivityFact), logger *zap.Logger) *ActivityTracker {
	if clock == nil {
		clock = SystemClock{}
	}
	if window <= 0 {
		window = DefaultAuthorityWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityTracker{
		clock:     clock,
		window:    window,
		directory: directory,
		publish:   publish,
		logger:    logger,
		names:     make(map[string]*string),
	}
}

// SetWindow changes the authority window.
func (t *ActivityTracker) SetWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window = d
}

// Current returns the published fact, if any.
func (t *ActivityTracker) Current() (entities.ActivityFact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return entities.ActivityFact{}, false
	}
	return *t.current, true
}

// RecordLocal publishes an action this client just performed and opens the
// authority window.
func (t *ActivityTracker) RecordLocal(ctx context.Context, action entities.ActionKind, actorID string) {
	t.record(ctx, action, actorID, time.Time{}, sourceLocal)
}

// RecordRemote publishes an action learned from a remote event unless a
// local action happened within the window. It reports whether the fact
// was published.
func (t *ActivityTracker) RecordRemote(ctx context.Context, action entities.ActionKind, actorID string, ts time.Time) bool {
	return t.record(ctx, action, actorID, ts, sourceRemote)
}

// Seed derives an initial fact from the most recently modified record when
// nothing has been published yet. It credits the record's last editor, or
// its creator when it was never edited.
func (t *ActivityTracker) Seed(ctx context.Context, s *aggregates.VaultState) bool {
	t.mu.Lock()
	seeded := t.current != nil
	t.mu.Unlock()
	if seeded {
		return false
	}
	r, ok := s.Newest()
	if !ok {
		return false
	}
	actor := entities.Attribution(r)
	if actor == "" {
		return false
	}
	change := "updated"
	if r.Editor() == "" {
		change = "created"
	}
	return t.record(ctx, entities.ActionFor(r.Kind(), change), actor, r.Modified(), sourceSeed)
}

type source int

const (
	sourceLocal source = iota
	sourceRemote
	sourceSeed
)

func (t *ActivityTracker) record(ctx context.Context, action entities.ActionKind, actorID string, ts time.Time, src source) bool {
	t.mu.Lock()
	now := t.clock.Now()
	if src == sourceRemote && t.hasLocal && now.Sub(t.lastLocal) < t.window {
		t.mu.Unlock()
		t.logger.Debug("Remote activity inside local authority window discarded",
			zap.String("action", string(action)),
			zap.String("actor_id", actorID),
		)
		return false
	}
	if src != sourceLocal && t.olderLocked(ts) {
		t.mu.Unlock()
		t.logger.Debug("Out-of-order activity discarded",
			zap.String("action", string(action)),
			zap.String("actor_id", actorID),
			zap.Time("timestamp", ts),
		)
		return false
	}
	if src == sourceLocal {
		t.lastLocal = now
		t.hasLocal = true
	}
	if ts.IsZero() {
		ts = now
	}
	t.seq++
	seq := t.seq
	t.mu.Unlock()

	name := t.displayName(ctx, actorID)
	fact := entities.ActivityFact{Timestamp: ts, ActorID: actorID, ActorDisplayName: name, Action: action}

	t.mu.Lock()
	defer t.mu.Unlock()
	if seq < t.published {
		// A later arrival already won while the name was resolving.
		return false
	}
	if src != sourceLocal && t.olderLocked(ts) {
		return false
	}
	t.published = seq
	t.current = &fact
	if t.publish != nil {
		t.publish(fact)
	}
	return true
}

// olderLocked reports whether ts predates the published fact. Events arrive
// in no causal order, so an older one must not replace a newer fact.
func (t *ActivityTracker) olderLocked(ts time.Time) bool {
	return t.current != nil && !ts.IsZero() && ts.Before(t.current.Timestamp)
}

func (t *ActivityTracker) displayName(ctx context.Context, actorID string) *string {
	t.mu.Lock()
	name, ok := t.names[actorID]
	t.mu.Unlock()
	if ok || t.directory == nil || actorID == "" {
		return name
	}

	name, err := t.directory.DisplayName(ctx, actorID)
	if err != nil {
		t.logger.Warn("Display name lookup failed", zap.String("actor_id", actorID), zap.Error(err))
		return nil
	}
	t.mu.Lock()
	t.names[actorID] = name
	t.mu.Unlock()
	return name
}
