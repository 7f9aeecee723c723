package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"papervault/domain/core/aggregates"
	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
	pkgerrors "papervault/pkg/errors"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

var (
	paperA = valueobjects.MustDurableID("paper-a")
	paperB = valueobjects.MustDurableID("paper-b")
	tagML  = valueobjects.MustDurableID("tag-ml")
	linkAB = valueobjects.MustDurableID("pt-a-ml")
)

func tagKey(id valueobjects.RecordID) aggregates.Key {
	return aggregates.Key{Collection: entities.CollectionTags, ID: id}
}

func paperKey(id valueobjects.RecordID) aggregates.Key {
	return aggregates.Key{Collection: entities.CollectionPapers, ID: id}
}

// seedState holds two papers, one tag and one assignment of that tag.
func seedState() *aggregates.VaultState {
	s := aggregates.NewVaultState("vault-1")
	s = s.WithCollection(entities.CollectionPapers, []entities.Record{
		entities.Paper{ID: paperA, VaultID: "vault-1", Title: "A", CreatedBy: "alice", CreatedAt: t0, UpdatedAt: t0},
		entities.Paper{ID: paperB, VaultID: "vault-1", Title: "B", CreatedBy: "bob", CreatedAt: t0, UpdatedAt: t0},
	})
	s = s.WithCollection(entities.CollectionTags, []entities.Record{
		entities.Tag{ID: tagML, VaultID: "vault-1", Name: "ml", CreatedBy: "alice", CreatedAt: t0, UpdatedAt: t0},
	})
	s = s.WithCollection(entities.CollectionPaperTags, []entities.Record{
		entities.PaperTag{ID: linkAB, VaultID: "vault-1", PaperID: paperA, TagID: tagML, CreatedAt: t0},
	})
	return s
}

// gate is a remote call that blocks until the test settles it.
type gate struct {
	ch chan gateResult
}

type gateResult struct {
	out Outcome
	err error
}

func newGate() *gate {
	return &gate{ch: make(chan gateResult, 1)}
}

func (g *gate) remote(ctx context.Context, _ Resolver) (Outcome, error) {
	select {
	case r := <-g.ch:
		return r.out, r.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (g *gate) succeed(out Outcome) { g.ch <- gateResult{out: out} }
func (g *gate) fail(err error)      { g.ch <- gateResult{err: err} }

type settled struct {
	mu      sync.Mutex
	results []Result
}

func (s *settled) record(_ Mutation, r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *settled) all() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...)
}

type harness struct {
	clock   *ManualClock
	holder  *StateHolder
	ledger  *Ledger
	engine  *Engine
	merger  *Merger
	tracker *ActivityTracker
	settled *settled
}

func newHarness(t *testing.T, initial *aggregates.VaultState) *harness {
	t.Helper()
	clock := NewManualClock(t0)
	holder := NewStateHolder(initial)
	ledger := NewLedger(clock, zap.NewNop(), nil)
	tracker := NewActivityTracker(clock, DefaultAuthorityWindow, nil, nil, zap.NewNop())
	st := &settled{}
	engine := NewEngine(holder, ledger, EngineOptions{
		Clock:     clock,
		Logger:    zap.NewNop(),
		Tracker:   tracker,
		OnSettled: st.record,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		engine.Close(ctx)
	})
	return &harness{
		clock:   clock,
		holder:  holder,
		ledger:  ledger,
		engine:  engine,
		merger:  NewMerger(holder, ledger, tracker, zap.NewNop(), nil),
		tracker: tracker,
		settled: st,
	}
}

func renameTag(id valueobjects.RecordID, name string, remote func(context.Context, Resolver) (Outcome, error)) Mutation {
	key := tagKey(id)
	return Mutation{
		Kind:    KindUpdate,
		Target:  key,
		Action:  entities.ActionTagUpdated,
		ActorID: "alice",
		Apply: func(s *aggregates.VaultState) (*aggregates.VaultState, error) {
			r, ok := s.Get(key)
			if !ok {
				return nil, pkgerrors.NewNotFoundError("tag")
			}
			next, err := r.(entities.Tag).Rename(&name, nil, "alice", t0.Add(time.Minute))
			if err != nil {
				return nil, err
			}
			return s.Put(next), nil
		},
		Remote: remote,
	}
}

func tagName(t *testing.T, s *aggregates.VaultState, id valueobjects.RecordID) string {
	t.Helper()
	r, ok := s.Get(tagKey(id))
	require.True(t, ok, "tag %s missing", id)
	return r.(entities.Tag).Name
}

func assertUniqueIDs(t *testing.T, s *aggregates.VaultState) {
	t.Helper()
	for _, c := range entities.Collections {
		seen := map[valueobjects.RecordID]bool{}
		for _, r := range s.Records(c) {
			require.False(t, seen[r.RecordID()], "duplicate %s in %s", r.RecordID(), c)
			seen[r.RecordID()] = true
		}
	}
}
