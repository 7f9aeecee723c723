package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"papervault/application/commands"
	"papervault/application/ports"
	"papervault/application/reconcile"
	"papervault/domain/core/aggregates"
	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
	"papervault/domain/events"
	"papervault/infrastructure/persistence/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type observed struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (o *observed) observe(e events.DomainEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *observed) failures() []events.MutationFailed {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []events.MutationFailed
	for _, e := range o.events {
		if f, ok := e.(events.MutationFailed); ok {
			out = append(out, f)
		}
	}
	return out
}

func (o *observed) duplicates() []events.DuplicateDetected {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []events.DuplicateDetected
	for _, e := range o.events {
		if d, ok := e.(events.DuplicateDetected); ok {
			out = append(out, d)
		}
	}
	return out
}

type fixture struct {
	backend *memory.Backend
	clock   *reconcile.ManualClock
	session *VaultSession
	seen    *observed
	paper   entities.Paper
	tag     entities.Tag
}

// open seeds vault-1 with one paper and one tag and opens a session on it.
func open(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: memory.NewBackend(),
		clock:   reconcile.NewManualClock(start),
		seen:    &observed{},
	}
	f.backend.Store.SetClock(f.clock.Now)
	f.paper = entities.Paper{ID: valueobjects.MustDurableID("p1"), VaultID: "vault-1", Title: "Attention",
		DOI: "10.1000/attn", CreatedBy: "bob", CreatedAt: start, UpdatedAt: start}
	f.tag = entities.Tag{ID: valueobjects.MustDurableID("t1"), VaultID: "vault-1", Name: "ml",
		CreatedBy: "bob", CreatedAt: start, UpdatedAt: start}
	require.NoError(t, f.backend.Store.Seed(f.paper, f.tag))
	bob := "Bob"
	f.backend.Profiles.Set("bob", &bob)

	conn, err := f.backend.Connect(context.Background(), ports.Credentials{UserID: "alice"})
	require.NoError(t, err)
	f.session = New(Config{
		VaultID:  "vault-1",
		Creds:    ports.Credentials{UserID: "alice"},
		Store:    conn.Store,
		Feed:     conn.Feed,
		Profiles: conn.Profiles,
		Clock:    f.clock,
	})
	f.session.Subscribe(f.seen.observe)
	require.NoError(t, f.session.Open(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.session.Close(ctx)
	})
	return f
}

func wait(t *testing.T, p *reconcile.Pending) (reconcile.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.Wait(ctx)
}

func papers(s *VaultSession) []entities.Paper {
	var out []entities.Paper
	for _, r := range s.State().Records(entities.CollectionPapers) {
		out = append(out, r.(entities.Paper))
	}
	return out
}

func TestOpenLoadsVault(t *testing.T) {
	f := open(t)

	assert.Equal(t, PhaseReady, f.session.Phase())
	assert.Equal(t, 1, f.session.State().Len(entities.CollectionPapers))
	assert.Equal(t, 1, f.session.State().Len(entities.CollectionTags))

	st := f.session.Status()
	assert.True(t, st.Connected)
	assert.True(t, st.RealtimeConnected)
	assert.Zero(t, st.PendingOperations)

	fact, ok := f.session.Activity()
	require.True(t, ok)
	assert.Equal(t, "bob", fact.ActorID)
}

func TestOpenFailureReturnsToUninitialized(t *testing.T) {
	backend := memory.NewBackend()
	backend.Store.FailNext(memory.OpQuery, entities.CollectionTags, errors.New("connection refused"))
	s := New(Config{VaultID: "vault-1", Creds: ports.Credentials{UserID: "alice"}, Store: backend.Store, Feed: backend.Feed})

	err := s.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, PhaseUninitialized, s.Phase())

	require.NoError(t, s.Open(context.Background()), "a later attempt may succeed")
	assert.Equal(t, PhaseReady, s.Phase())
	require.NoError(t, s.Close(context.Background()))
}

// racingStore lets a collaborator commit right after the papers are fetched.
type racingStore struct {
	ports.RemoteStore
	afterPapers func()
	once        sync.Once
}

func (r *racingStore) Query(ctx context.Context, c entities.Collection, filter ports.Filter) ([]entities.Record, error) {
	out, err := r.RemoteStore.Query(ctx, c, filter)
	if c == entities.CollectionPapers {
		r.once.Do(r.afterPapers)
	}
	return out, err
}

func TestOpenMergesChangesCommittedDuringLoad(t *testing.T) {
	backend := memory.NewBackend()
	paper := entities.Paper{ID: valueobjects.MustDurableID("p1"), VaultID: "vault-1", Title: "Draft",
		CreatedBy: "bob", CreatedAt: start, UpdatedAt: start}
	require.NoError(t, backend.Store.Seed(paper))

	store := &racingStore{RemoteStore: backend.Store, afterPapers: func() {
		edited := paper
		edited.Title = "Final"
		edited.UpdatedAt = start.Add(time.Minute)
		_, err := backend.Store.Update(context.Background(), edited, "title", "updated_at")
		assert.NoError(t, err)
	}}
	s := New(Config{VaultID: "vault-1", Creds: ports.Credentials{UserID: "alice"}, Store: store, Feed: backend.Feed})
	require.NoError(t, s.Open(context.Background()))
	defer s.Close(context.Background())

	assert.Equal(t, PhaseReady, s.Phase())
	got := papers(s)
	require.Len(t, got, 1)
	assert.Equal(t, "Final", got[0].Title)

	t.Run("failed load drops buffered changes", func(t *testing.T) {
		backend.Store.FailNext(memory.OpQuery, entities.CollectionTags, errors.New("connection refused"))
		again := New(Config{VaultID: "vault-1", Creds: ports.Credentials{UserID: "alice"}, Store: backend.Store, Feed: backend.Feed})
		defer again.Close(context.Background())
		require.Error(t, again.Open(context.Background()))
		assert.Equal(t, PhaseUninitialized, again.Phase())
		assert.Equal(t, 0, again.State().Len(entities.CollectionPapers))
	})
}

func TestIntentsRequireReadySession(t *testing.T) {
	s := New(Config{VaultID: "vault-1", Creds: ports.Credentials{UserID: "alice"}, Store: memory.NewStore(nil)})
	_, err := s.CreateTag(context.Background(), commands.CreateTag{Name: "x"})
	assert.Error(t, err)
}

func TestCreatePaperBecomesDurableWithoutDuplicates(t *testing.T) {
	f := open(t)

	p, err := f.session.CreatePaper(context.Background(), commands.CreatePaper{Title: "ResNet", Year: 2016})
	require.NoError(t, err)
	assert.True(t, p.Target.ID.IsProvisional())
	assert.Len(t, papers(f.session), 2, "visible before the store answers")

	res, err := wait(t, p)
	require.NoError(t, err)
	assert.True(t, res.Target.ID.IsDurable())

	got := papers(f.session)
	require.Len(t, got, 2, "the realtime echo must not duplicate the paper")
	assert.Equal(t, res.Target.ID, got[1].ID)
	assert.Equal(t, 2, f.backend.Store.Len(entities.CollectionPapers))
	assert.Zero(t, f.session.Status().PendingOperations)

	fact, _ := f.session.Activity()
	assert.Equal(t, "alice", fact.ActorID)
	assert.Equal(t, entities.ActionPaperAdded, fact.Action)
}

func TestFailedUpdateRollsBackAndNotifies(t *testing.T) {
	f := open(t)
	f.backend.Store.FailNext(memory.OpUpdate, entities.CollectionPapers, errors.New("(42501) new row violates row-level security policy"))

	title := "Renamed"
	p, err := f.session.UpdatePaper(context.Background(), commands.UpdatePaper{PaperID: "p1", Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", papers(f.session)[0].Title)

	_, err = wait(t, p)
	require.Error(t, err)
	assert.Equal(t, "Attention", papers(f.session)[0].Title)

	failed := f.seen.failures()
	require.Len(t, failed, 1)
	assert.Equal(t, "FORBIDDEN", failed[0].Code)
	assert.Contains(t, failed[0].Message, "permission")
}

func TestUpdatePaperValidation(t *testing.T) {
	f := open(t)

	_, err := f.session.UpdatePaper(context.Background(), commands.UpdatePaper{PaperID: "p1"})
	assert.Error(t, err, "nothing to update")

	title := "x"
	_, err = f.session.UpdatePaper(context.Background(), commands.UpdatePaper{PaperID: "missing", Title: &title})
	assert.Error(t, err)
	assert.Equal(t, 1, f.session.State().Len(entities.CollectionPapers))
}

func TestDeletePaperCascadesLocally(t *testing.T) {
	f := open(t)
	p, err := f.session.ApplyTags(context.Background(), commands.ApplyTags{PaperID: "p1", TagIDs: []string{"t1"}})
	require.NoError(t, err)
	_, err = wait(t, p)
	require.NoError(t, err)
	require.Equal(t, 1, f.session.State().Len(entities.CollectionPaperTags))

	del, err := f.session.DeletePaper(context.Background(), commands.DeletePaper{PaperID: "p1"})
	require.NoError(t, err)
	assert.Zero(t, f.session.State().Len(entities.CollectionPaperTags))
	_, err = wait(t, del)
	require.NoError(t, err)
	assert.Zero(t, f.backend.Store.Len(entities.CollectionPaperTags))
}

func TestApplyTagsDiffsAgainstCurrentAssignments(t *testing.T) {
	f := open(t)
	ctx := context.Background()

	tp, err := f.session.CreateTag(ctx, commands.CreateTag{Name: "vision", Color: "#ff0000"})
	require.NoError(t, err)
	tres, err := wait(t, tp)
	require.NoError(t, err)
	vision := tres.Target.ID.String()

	p, err := f.session.ApplyTags(ctx, commands.ApplyTags{PaperID: "p1", TagIDs: []string{"t1", vision}})
	require.NoError(t, err)
	_, err = wait(t, p)
	require.NoError(t, err)
	assert.Equal(t, 2, f.backend.Store.Len(entities.CollectionPaperTags))

	p, err = f.session.ApplyTags(ctx, commands.ApplyTags{PaperID: "p1", TagIDs: []string{vision}})
	require.NoError(t, err)
	_, err = wait(t, p)
	require.NoError(t, err)

	links := f.session.State().Records(entities.CollectionPaperTags)
	require.Len(t, links, 1)
	assert.Equal(t, tres.Target.ID, links[0].(entities.PaperTag).TagID)
	assert.Equal(t, 1, f.backend.Store.Len(entities.CollectionPaperTags))
}

func TestApplyTagsOnProvisionalPaperWaitsForCreate(t *testing.T) {
	f := open(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.backend.Store.SetHook(func(ctx context.Context, op memory.Op, c entities.Collection) error {
		if op == memory.OpCreate && c == entities.CollectionPapers {
			<-release
		}
		return nil
	})

	created, err := f.session.CreatePaper(ctx, commands.CreatePaper{Title: "BERT"})
	require.NoError(t, err)
	tagged, err := f.session.ApplyTags(ctx, commands.ApplyTags{PaperID: created.Target.ID.String(), TagIDs: []string{"t1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.session.State().Len(entities.CollectionPaperTags))

	close(release)
	_, err = wait(t, created)
	require.NoError(t, err)
	_, err = wait(t, tagged)
	require.NoError(t, err)

	links := f.session.State().Records(entities.CollectionPaperTags)
	require.Len(t, links, 1)
	pt := links[0].(entities.PaperTag)
	assert.True(t, pt.ID.IsDurable())
	assert.True(t, pt.PaperID.IsDurable())
}

func TestAutosaveWritesOnlyLastEdit(t *testing.T) {
	f := open(t)
	var updates int
	var mu sync.Mutex
	f.backend.Store.SetHook(func(_ context.Context, op memory.Op, _ entities.Collection) error {
		if op == memory.OpUpdate {
			mu.Lock()
			updates++
			mu.Unlock()
		}
		return nil
	})

	require.NoError(t, f.session.AutosaveNotes(commands.AutosaveNotes{PaperID: "p1", Notes: "draft"}))
	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.session.AutosaveNotes(commands.AutosaveNotes{PaperID: "p1", Notes: "final"}))
	f.clock.Advance(2 * time.Second)
	assert.Equal(t, "Attention", papers(f.session)[0].Title)
	assert.Empty(t, papers(f.session)[0].Notes, "not saved before the delay")

	f.clock.Advance(time.Second)
	assert.Equal(t, "final", papers(f.session)[0].Notes)
	require.Eventually(t, func() bool {
		return f.backend.Store.Records(entities.CollectionPapers)[0].(entities.Paper).Notes == "final"
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, updates)
}

func TestAutosaveSharesOneTaskAcrossProvisionalAndDurableID(t *testing.T) {
	f := open(t)
	ctx := context.Background()

	release := make(chan struct{})
	var updates int
	var mu sync.Mutex
	f.backend.Store.SetHook(func(_ context.Context, op memory.Op, c entities.Collection) error {
		if op == memory.OpCreate && c == entities.CollectionPapers {
			<-release
		}
		if op == memory.OpUpdate {
			mu.Lock()
			updates++
			mu.Unlock()
		}
		return nil
	})

	created, err := f.session.CreatePaper(ctx, commands.CreatePaper{Title: "BERT"})
	require.NoError(t, err)
	prov := created.Target.ID
	require.NoError(t, f.session.AutosaveNotes(commands.AutosaveNotes{PaperID: prov.String(), Notes: "draft"}))
	assert.True(t, f.session.debouncer.Pending(notesKey(prov)))

	close(release)
	res, err := wait(t, created)
	require.NoError(t, err)
	durable := res.Target.ID
	assert.False(t, f.session.debouncer.Pending(notesKey(prov)))
	assert.True(t, f.session.debouncer.Pending(notesKey(durable)))

	require.NoError(t, f.session.AutosaveNotes(commands.AutosaveNotes{PaperID: durable.String(), Notes: "final"}))
	require.NoError(t, f.session.AutosaveNotes(commands.AutosaveNotes{PaperID: prov.String(), Notes: "final!"}))
	assert.False(t, f.session.debouncer.Pending(notesKey(prov)))

	f.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		for _, r := range f.backend.Store.Records(entities.CollectionPapers) {
			if r.RecordID() == durable {
				return r.(entities.Paper).Notes == "final!"
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, updates)
}

func TestDuplicateDOIDetection(t *testing.T) {
	f := open(t)

	p, err := f.session.CreatePaper(context.Background(), commands.CreatePaper{Title: "Copy", DOI: "https://doi.org/10.1000/ATTN"})
	require.NoError(t, err)
	_, err = wait(t, p)
	require.NoError(t, err)
	assert.Empty(t, f.seen.duplicates())

	f.clock.Advance(500 * time.Millisecond)
	dups := f.seen.duplicates()
	require.Len(t, dups, 1)
	assert.Equal(t, "10.1000/attn", dups[0].DOI)
	assert.Equal(t, []string{"p1"}, dups[0].PaperIDs)

	assert.Len(t, f.session.FindDuplicates("10.1000/attn", valueobjects.RecordID{}), 2)
}

func TestImportPaperCompensatesWhenTaggingFails(t *testing.T) {
	f := open(t)
	f.backend.Store.FailNext(memory.OpCreate, entities.CollectionPaperTags, errors.New("(42501) permission denied"))

	p, err := f.session.ImportPaper(context.Background(), commands.ImportPaper{
		Paper:  commands.CreatePaper{Title: "Imported"},
		TagIDs: []string{"t1"},
	})
	require.NoError(t, err)
	_, err = wait(t, p)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.backend.Store.Len(entities.CollectionPapers) == 1 && f.session.State().Len(entities.CollectionPapers) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.session.State().Len(entities.CollectionPaperTags))
}

func TestImportPaperTagsOnSuccess(t *testing.T) {
	f := open(t)

	_, err := f.session.ImportPaper(context.Background(), commands.ImportPaper{
		Paper:  commands.CreatePaper{Title: "Imported"},
		TagIDs: []string{"t1"},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.backend.Store.Len(entities.CollectionPaperTags) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRemoteChangeFromCollaborator(t *testing.T) {
	f := open(t)

	// Another client writes through the same store.
	other := entities.Paper{ID: valueobjects.MustDurableID("p1"), VaultID: "vault-1", Title: "Attention Is All You Need",
		DOI: "10.1000/attn", CreatedBy: "bob", LastEditedBy: "bob", CreatedAt: start, UpdatedAt: start.Add(time.Minute)}
	f.clock.Advance(time.Minute)
	_, err := f.backend.Store.Update(context.Background(), other, "title", "last_edited_by", "updated_at")
	require.NoError(t, err)

	assert.Equal(t, "Attention Is All You Need", papers(f.session)[0].Title)
	fact, ok := f.session.Activity()
	require.True(t, ok)
	assert.Equal(t, "bob", fact.ActorID)
	require.NotNil(t, fact.ActorDisplayName)
	assert.Equal(t, "Bob", *fact.ActorDisplayName)
}

func TestRealtimeStatusIsReported(t *testing.T) {
	f := open(t)
	f.backend.Feed.SetConnected(false)
	assert.False(t, f.session.Status().RealtimeConnected)
	f.backend.Feed.SetConnected(true)
	assert.True(t, f.session.Status().RealtimeConnected)
}

func TestReaperDropsStaleEntries(t *testing.T) {
	f := open(t)
	release := make(chan struct{})
	defer close(release)
	f.backend.Store.SetHook(func(ctx context.Context, op memory.Op, _ entities.Collection) error {
		if op == memory.OpUpdate {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	title := "stuck"
	_, err := f.session.UpdatePaper(context.Background(), commands.UpdatePaper{PaperID: "p1", Title: &title})
	require.NoError(t, err)
	assert.Equal(t, 1, f.session.Status().PendingOperations)

	f.clock.Advance(31 * time.Second)
	f.clock.Advance(5 * time.Second)
	assert.Zero(t, f.session.Status().PendingOperations)
	assert.True(t, f.session.State().Has(aggregates.Key{Collection: entities.CollectionPapers, ID: f.paper.ID}))
}

func TestCloseIsFinal(t *testing.T) {
	f := open(t)
	require.NoError(t, f.session.Close(context.Background()))
	assert.Equal(t, PhaseClosed, f.session.Phase())
	assert.Error(t, f.session.Open(context.Background()))
	_, err := f.session.CreateTag(context.Background(), commands.CreateTag{Name: "late"})
	assert.Error(t, err)
}
