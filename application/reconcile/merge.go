package reconcile

import (
	"context"

	"papervault/domain/core/aggregates"
	"papervault/domain/core/entities"
	"papervault/domain/events"

	"go.uber.org/zap"
)

// MergeResult says what happened to one remote change.
type MergeResult string

const (
	MergeApplied    MergeResult = "applied"
	MergeSuppressed MergeResult = "suppressed"
	MergeIrrelevant MergeResult = "irrelevant"
	MergeDuplicate  MergeResult = "duplicate"
	MergeStale      MergeResult = "stale"
	MergeNoop       MergeResult = "noop"
	MergeInvalid    MergeResult = "invalid"
)

// Merger folds realtime changes into the vault state.
type Merger struct {
	holder  *StateHolder
	ledger  *Ledger
	tracker *ActivityTracker
	logger  *zap.Logger
	metrics Recorder
}

// NewMerger creates a merger. tracker may be nil.
func NewMerger(holder *StateHolder, ledger *Ledger, tracker *ActivityTracker, logger *zap.Logger, metrics Recorder) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{holder: holder, ledger: ledger, tracker: tracker, logger: logger, metrics: orNop(metrics)}
}

// Handle applies one change. Changes for records with a pending local
// operation are dropped; the operation's settlement supplies the state.
func (m *Merger) Handle(ctx context.Context, change events.RemoteChange) MergeResult {
	key := aggregates.Key{Collection: change.Collection, ID: change.ID}

	var result MergeResult
	_ = m.holder.Update(CauseRemote, func(s *aggregates.VaultState) (*aggregates.VaultState, error) {
		next, r := m.fold(s, change, key)
		result = r
		return next, nil
	})

	m.metrics.RealtimeEvent(string(change.Collection), string(change.Type), string(result))
	switch result {
	case MergeSuppressed:
		m.logger.Debug("Realtime event suppressed by pending operation",
			zap.String("collection", string(change.Collection)),
			zap.String("record_id", change.ID.String()),
			zap.String("event", string(change.Type)),
		)
	case MergeApplied:
		m.recordActivity(ctx, change)
	}
	return result
}

func (m *Merger) fold(s *aggregates.VaultState, change events.RemoteChange, key aggregates.Key) (*aggregates.VaultState, MergeResult) {
	if key.ID.IsZero() || !key.Collection.Valid() {
		return s, MergeInvalid
	}
	if m.ledger.IsPending(key) {
		return s, MergeSuppressed
	}

	switch change.Type {
	case events.ChangeCreated, events.ChangeUpdated:
		incoming := change.Record
		if incoming == nil {
			return s, MergeInvalid
		}
		existing, present := s.Get(key)
		if !present {
			if !relevant(s, incoming) {
				return s, MergeIrrelevant
			}
			return s.Put(incoming), MergeApplied
		}
		if change.Type == events.ChangeCreated {
			return s, MergeDuplicate
		}
		if incoming.Kind().HasVaultColumn() && incoming.Vault() != s.VaultID() {
			// Moved to another vault.
			return s.RemoveCascade(key), MergeApplied
		}
		if existing.Modified().After(incoming.Modified()) {
			return s, MergeStale
		}
		return s.Put(entities.Merge(existing, incoming)), MergeApplied

	case events.ChangeDeleted:
		if !s.Has(key) {
			return s, MergeNoop
		}
		return s.RemoveCascade(key), MergeApplied
	}
	return s, MergeInvalid
}

// relevant reports whether a record not yet present belongs to this vault.
// Join records carry no vault column, so both of their endpoints must
// already be known locally.
func relevant(s *aggregates.VaultState, r entities.Record) bool {
	if r.Kind().HasVaultColumn() {
		return r.Vault() == s.VaultID()
	}
	refs := r.References()
	if len(refs) == 0 {
		return false
	}
	for _, ref := range refs {
		if !s.Has(aggregates.Key{Collection: ref.Collection, ID: ref.ID}) {
			return false
		}
	}
	return true
}

func (m *Merger) recordActivity(ctx context.Context, change events.RemoteChange) {
	if m.tracker == nil {
		return
	}
	rec := change.Record
	if rec == nil {
		rec = change.OldRecord
	}
	if rec == nil {
		return
	}
	actor := entities.Attribution(rec)
	if actor == "" {
		return
	}
	ts := change.CommitTime
	if ts.IsZero() {
		ts = rec.Modified()
	}
	m.tracker.RecordRemote(ctx, entities.ActionFor(change.Collection, string(change.Type)), actor, ts)
}
