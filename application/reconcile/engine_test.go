package reconcile

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"papervault/domain/core/aggregates"
	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
	"papervault/domain/events"
	pkgerrors "papervault/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func networkError() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func TestEngineRollsBackFailedUpdate(t *testing.T) {
	ctx := context.Background()
	s0 := seedState()
	h := newHarness(t, s0)
	g := newGate()

	p, err := h.engine.Dispatch(ctx, renameTag(tagML, "ML", g.remote))
	require.NoError(t, err)

	assert.Equal(t, "ML", tagName(t, h.holder.Current(), tagML), "visible before the network answers")
	assert.True(t, h.ledger.IsPending(tagKey(tagML)))

	g.fail(networkError())
	res, err := p.Wait(ctx)
	require.Error(t, err)
	require.NotNil(t, res.Err)
	assert.True(t, res.Err.Transient())
	assert.Contains(t, pkgerrors.UserMessage(res.Err), "Could not reach the server")

	assert.True(t, h.holder.Current().Equal(s0))
	assert.Equal(t, "ml", tagName(t, h.holder.Current(), tagML))
	assert.False(t, h.ledger.IsPending(tagKey(tagML)))
	assert.Equal(t, 0, h.ledger.Len())
	require.Len(t, h.settled.all(), 1)
}

func TestEngineRollbackRestoresCascade(t *testing.T) {
	ctx := context.Background()
	s0 := seedState()
	h := newHarness(t, s0)
	g := newGate()

	key := paperKey(paperA)
	p, err := h.engine.Dispatch(ctx, Mutation{
		Kind:   KindDelete,
		Target: key,
		Action: entities.ActionPaperDeleted,
		Apply: func(s *aggregates.VaultState) (*aggregates.VaultState, error) {
			return s.RemoveCascade(key), nil
		},
		Remote: g.remote,
	})
	require.NoError(t, err)
	assert.Nil(t, p.Record)
	assert.Equal(t, 0, h.holder.Current().Len(entities.CollectionPaperTags))

	g.fail(errors.New("(42501) permission denied for table papers"))
	res, err := p.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrorTypeForbidden, res.Err.Type)
	assert.True(t, h.holder.Current().Equal(s0))
}

func TestEngineRollbackDropsLinksToRemotelyDeletedRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, seedState())
	g := newGate()

	key := tagKey(tagML)
	p, err := h.engine.Dispatch(ctx, Mutation{
		Kind:   KindDelete,
		Target: key,
		Action: entities.ActionTagDeleted,
		Apply: func(s *aggregates.VaultState) (*aggregates.VaultState, error) {
			return s.RemoveCascade(key), nil
		},
		Remote: g.remote,
	})
	require.NoError(t, err)
	require.Equal(t, 0, h.holder.Current().Len(entities.CollectionPaperTags))

	del := events.RemoteChange{Type: events.ChangeDeleted, Collection: entities.CollectionPapers, ID: paperA}
	require.Equal(t, MergeApplied, h.merger.Handle(ctx, del))

	g.fail(networkError())
	_, err = p.Wait(ctx)
	require.Error(t, err)

	after := h.holder.Current()
	assert.True(t, after.Has(key), "tag restored")
	assert.False(t, after.Has(paperKey(paperA)))
	assert.Equal(t, 0, after.Len(entities.CollectionPaperTags), "assignment to the deleted paper stays gone")
}

func TestEngineApplyErrorPublishesNothing(t *testing.T) {
	s0 := seedState()
	h := newHarness(t, s0)

	_, err := h.engine.Dispatch(context.Background(), renameTag(valueobjects.MustDurableID("missing"), "x", newGate().remote))
	assert.True(t, pkgerrors.IsNotFound(err))
	assert.Same(t, s0, h.holder.Current())
	assert.Equal(t, 0, h.ledger.Len())
}

func createPaper(p entities.Paper, remote func(context.Context, Resolver) (Outcome, error)) Mutation {
	return Mutation{
		Kind:    KindCreate,
		Target:  aggregates.KeyOf(p),
		Action:  entities.ActionPaperAdded,
		ActorID: p.CreatedBy,
		Apply: func(s *aggregates.VaultState) (*aggregates.VaultState, error) {
			return s.Put(p), nil
		},
		Remote: remote,
	}
}

func TestEngineReplacesProvisionalIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, seedState())

	draft, err := entities.NewPaper("vault-1", "alice", "Attention", t0)
	require.NoError(t, err)
	createGate := newGate()
	created, err := h.engine.Dispatch(ctx, createPaper(draft, createGate.remote))
	require.NoError(t, err)

	link, err := entities.NewPaperTag("vault-1", "alice", draft.ID, tagML, t0)
	require.NoError(t, err)
	linkDurable := valueobjects.MustDurableID("pt-new")
	resolvedPaper := make(chan valueobjects.RecordID, 1)
	tagged, err := h.engine.Dispatch(ctx, Mutation{
		Kind:   KindCreate,
		Target: aggregates.KeyOf(link),
		Action: entities.ActionTagsApplied,
		Apply: func(s *aggregates.VaultState) (*aggregates.VaultState, error) {
			return s.Put(link), nil
		},
		Remote: func(ctx context.Context, r Resolver) (Outcome, error) {
			paperID, err := r.Durable(ctx, link.PaperID)
			if err != nil {
				return Outcome{}, err
			}
			resolvedPaper <- paperID
			stored := link.WithID(linkDurable).RewriteReference(link.PaperID, paperID)
			return Outcome{Replacements: map[valueobjects.RecordID]entities.Record{link.ID: stored}}, nil
		},
	})
	require.NoError(t, err)

	durable := draft
	durable.ID = valueobjects.MustDurableID("pub_123")
	createGate.succeed(Outcome{Replacements: map[valueobjects.RecordID]entities.Record{draft.ID: durable}})

	res, err := created.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, durable.ID, res.Target.ID)

	_, err = tagged.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, durable.ID, <-resolvedPaper)

	s := h.holder.Current()
	assertUniqueIDs(t, s)
	for _, c := range entities.Collections {
		for _, r := range s.Records(c) {
			assert.False(t, r.RecordID().IsProvisional(), "provisional id left in %s", c)
			for _, ref := range r.References() {
				assert.False(t, ref.ID.IsProvisional(), "provisional reference left in %s", c)
			}
		}
	}
	stored, ok := s.Get(aggregates.Key{Collection: entities.CollectionPaperTags, ID: linkDurable})
	require.True(t, ok)
	assert.Equal(t, durable.ID, stored.(entities.PaperTag).PaperID)
	assert.Equal(t, 0, h.ledger.Len())
}

func TestEngineCreateThenSelfEcho(t *testing.T) {
	ctx := context.Background()
	draft, err := entities.NewPaper("vault-1", "alice", "Attention", t0)
	require.NoError(t, err)
	durable := draft
	durable.ID = valueobjects.MustDurableID("pub_123")
	echo := events.RemoteChange{Type: events.ChangeCreated, Collection: entities.CollectionPapers, ID: durable.ID, Record: durable}

	t.Run("echo after success", func(t *testing.T) {
		h := newHarness(t, seedState())
		g := newGate()
		p, err := h.engine.Dispatch(ctx, createPaper(draft, g.remote))
		require.NoError(t, err)
		assert.Equal(t, 3, h.holder.Current().Len(entities.CollectionPapers))

		g.succeed(Outcome{Replacements: map[valueobjects.RecordID]entities.Record{draft.ID: durable}})
		_, err = p.Wait(ctx)
		require.NoError(t, err)

		assert.Equal(t, MergeDuplicate, h.merger.Handle(ctx, echo))
		s := h.holder.Current()
		assert.Equal(t, 3, s.Len(entities.CollectionPapers))
		assert.False(t, s.Has(paperKey(draft.ID)))
		assert.True(t, s.Has(paperKey(durable.ID)))
	})

	t.Run("echo before success", func(t *testing.T) {
		h := newHarness(t, seedState())
		g := newGate()
		p, err := h.engine.Dispatch(ctx, createPaper(draft, g.remote))
		require.NoError(t, err)

		assert.Equal(t, MergeApplied, h.merger.Handle(ctx, echo))
		g.succeed(Outcome{Replacements: map[valueobjects.RecordID]entities.Record{draft.ID: durable}})
		_, err = p.Wait(ctx)
		require.NoError(t, err)

		s := h.holder.Current()
		assertUniqueIDs(t, s)
		assert.Equal(t, 3, s.Len(entities.CollectionPapers))
		assert.False(t, s.Has(paperKey(draft.ID)))
	})
}

func TestEngineFailedCreateFailsDependents(t *testing.T) {
	ctx := context.Background()
	s0 := seedState()
	h := newHarness(t, s0)

	draft, err := entities.NewPaper("vault-1", "alice", "Doomed", t0)
	require.NoError(t, err)
	g := newGate()
	created, err := h.engine.Dispatch(ctx, createPaper(draft, g.remote))
	require.NoError(t, err)

	key := paperKey(draft.ID)
	title := "Renamed"
	edit, err := h.engine.Dispatch(ctx, Mutation{
		Kind:   KindUpdate,
		Target: key,
		Apply: func(s *aggregates.VaultState) (*aggregates.VaultState, error) {
			r, _ := s.Get(key)
			next, err := r.(entities.Paper).Apply(entities.PaperFields{Title: &title}, "alice", t0)
			if err != nil {
				return nil, err
			}
			return s.Put(next), nil
		},
		Remote: func(ctx context.Context, r Resolver) (Outcome, error) {
			_, err := r.Durable(ctx, draft.ID)
			return Outcome{}, err
		},
	})
	require.NoError(t, err)

	g.fail(errors.New("(23505) duplicate key value violates unique constraint"))
	res, err := created.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.ErrorTypeConflict, res.Err.Type)

	res, err = edit.Wait(ctx)
	require.Error(t, err)
	assert.True(t, res.Orphaned, "the create's rollback already covered the edit")
	assert.True(t, h.holder.Current().Equal(s0))
}

func TestEngineOverlappingUpdates(t *testing.T) {
	ctx := context.Background()
	confirmed := func(name string) entities.Tag {
		return entities.Tag{ID: tagML, VaultID: "vault-1", Name: name, CreatedBy: "alice", LastEditedBy: "alice",
			CreatedAt: t0, UpdatedAt: t0.Add(time.Hour)}
	}

	t.Run("first fails: back to the pre-first value, second is orphaned", func(t *testing.T) {
		h := newHarness(t, seedState())
		g1, g2 := newGate(), newGate()
		p1, err := h.engine.Dispatch(ctx, renameTag(tagML, "A", g1.remote))
		require.NoError(t, err)
		p2, err := h.engine.Dispatch(ctx, renameTag(tagML, "B", g2.remote))
		require.NoError(t, err)

		auth, _ := h.ledger.Authoritative(tagKey(tagML))
		assert.Equal(t, p2.OperationID, auth)

		g1.fail(networkError())
		_, err = p1.Wait(ctx)
		require.Error(t, err)
		assert.Equal(t, "ml", tagName(t, h.holder.Current(), tagML))
		assert.False(t, h.ledger.IsPending(tagKey(tagML)))

		g2.succeed(Outcome{Records: []entities.Record{confirmed("B")}})
		res, err := p2.Wait(ctx)
		require.NoError(t, err)
		assert.True(t, res.Orphaned)
		assert.Equal(t, "B", tagName(t, h.holder.Current(), tagML), "server truth from the surviving write")
	})

	t.Run("first succeeds, second fails: back to the confirmed value", func(t *testing.T) {
		h := newHarness(t, seedState())
		g1, g2 := newGate(), newGate()
		p1, err := h.engine.Dispatch(ctx, renameTag(tagML, "A", g1.remote))
		require.NoError(t, err)
		p2, err := h.engine.Dispatch(ctx, renameTag(tagML, "B", g2.remote))
		require.NoError(t, err)

		g1.succeed(Outcome{Records: []entities.Record{confirmed("A")}})
		_, err = p1.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "B", tagName(t, h.holder.Current(), tagML), "later local edit stays visible")
		assert.True(t, h.ledger.IsPending(tagKey(tagML)))

		g2.fail(networkError())
		_, err = p2.Wait(ctx)
		require.Error(t, err)
		assert.Equal(t, "A", tagName(t, h.holder.Current(), tagML))
		assert.Equal(t, 0, h.ledger.Len())
	})
}

func TestEngineFoldsAuthoritativeRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, seedState())
	g := newGate()

	p, err := h.engine.Dispatch(ctx, renameTag(tagML, "ML", g.remote))
	require.NoError(t, err)

	server := entities.Tag{ID: tagML, VaultID: "vault-1", Name: "ML", Color: "#ff0000", UpdatedAt: t0.Add(time.Hour)}
	g.succeed(Outcome{Records: []entities.Record{server}})
	res, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "#ff0000", res.Record.(entities.Tag).Color)
}

func TestEngineRecordsLocalActivity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, seedState())
	g := newGate()

	_, err := h.engine.Dispatch(ctx, renameTag(tagML, "ML", g.remote))
	require.NoError(t, err)

	fact, ok := h.tracker.Current()
	require.True(t, ok)
	assert.Equal(t, entities.ActionTagUpdated, fact.Action)
	assert.Equal(t, "alice", fact.ActorID)
	g.succeed(Outcome{})
}

func TestEngineRejectsAfterClose(t *testing.T) {
	h := newHarness(t, seedState())
	h.engine.Close(context.Background())

	_, err := h.engine.Dispatch(context.Background(), renameTag(tagML, "x", newGate().remote))
	assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeUnavailable))
}

func TestDurableOfUnknownProvisional(t *testing.T) {
	h := newHarness(t, seedState())

	_, err := h.engine.Durable(context.Background(), valueobjects.NewProvisionalID())
	assert.True(t, pkgerrors.IsValidation(err))

	id, err := h.engine.Durable(context.Background(), paperA)
	require.NoError(t, err)
	assert.Equal(t, paperA, id)
}

func TestEnginePrunesSettledPromises(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, seedState())
	draft, err := entities.NewPaper("vault-1", "alice", "Attention", t0)
	require.NoError(t, err)
	durable := draft
	durable.ID = valueobjects.MustDurableID("pub_9")

	g := newGate()
	p, err := h.engine.Dispatch(ctx, createPaper(draft, g.remote))
	require.NoError(t, err)
	assert.Zero(t, h.engine.PrunePromises(0), "unsettled promises are kept")

	g.succeed(Outcome{Replacements: map[valueobjects.RecordID]entities.Record{draft.ID: durable}})
	_, err = p.Wait(ctx)
	require.NoError(t, err)

	assert.Zero(t, h.engine.PrunePromises(time.Minute))
	id, ok := h.engine.Known(draft.ID)
	require.True(t, ok)
	assert.Equal(t, durable.ID, id)

	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, h.engine.PrunePromises(time.Minute))
	_, ok = h.engine.Known(draft.ID)
	assert.False(t, ok)
	_, err = h.engine.Durable(ctx, draft.ID)
	assert.True(t, pkgerrors.IsValidation(err))
}
