package aggregates

import (
	"testing"
	"time"

	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func paper(id, title string) entities.Paper {
	return entities.Paper{ID: valueobjects.MustDurableID(id), VaultID: "v1", Title: title, UpdatedAt: t0}
}

func link(id, paperID, tagID string) entities.PaperTag {
	return entities.PaperTag{
		ID:      valueobjects.MustDurableID(id),
		VaultID: "v1",
		PaperID: valueobjects.MustDurableID(paperID),
		TagID:   valueobjects.MustDurableID(tagID),
	}
}

func seeded() *VaultState {
	s := NewVaultState("v1")
	s = s.WithCollection(entities.CollectionPapers, []entities.Record{
		paper("a", "A"), paper("b", "B"), paper("c", "C"), paper("d", "D"),
	})
	s = s.WithCollection(entities.CollectionTags, []entities.Record{
		entities.Tag{ID: valueobjects.MustDurableID("t1"), VaultID: "v1", Name: "ml"},
	})
	s = s.WithCollection(entities.CollectionPaperTags, []entities.Record{
		link("pt1", "b", "t1"), link("pt2", "c", "t1"),
	})
	return s
}

func ids(records []entities.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.RecordID().Value()
	}
	return out
}

func TestVaultStateIsImmutable(t *testing.T) {
	s := seeded()
	next := s.Put(paper("e", "E"))

	assert.Equal(t, 4, s.Len(entities.CollectionPapers))
	assert.Equal(t, 5, next.Len(entities.CollectionPapers))
	assert.Greater(t, next.Version(), s.Version())
}

func TestPutReplacesInPlace(t *testing.T) {
	s := seeded().Put(paper("b", "B2"))
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(s.Records(entities.CollectionPapers)))

	r, ok := s.Get(Key{Collection: entities.CollectionPapers, ID: valueobjects.MustDurableID("b")})
	require.True(t, ok)
	assert.Equal(t, "B2", r.(entities.Paper).Title)
}

func TestRemoveCascade(t *testing.T) {
	s := seeded()
	next := s.RemoveCascade(Key{Collection: entities.CollectionPapers, ID: valueobjects.MustDurableID("b")})

	assert.Equal(t, []string{"a", "c", "d"}, ids(next.Records(entities.CollectionPapers)))
	assert.Equal(t, []string{"pt2"}, ids(next.Records(entities.CollectionPaperTags)))

	t.Run("absent record is a no-op", func(t *testing.T) {
		same := s.RemoveCascade(Key{Collection: entities.CollectionPapers, ID: valueobjects.MustDurableID("zz")})
		assert.Same(t, s, same)
	})
}

func TestDiffRestoreRoundTrip(t *testing.T) {
	s := seeded()

	t.Run("restores removed records at their positions", func(t *testing.T) {
		changed := s.RemoveCascade(Key{Collection: entities.CollectionPapers, ID: valueobjects.MustDurableID("b")})
		changed = changed.Remove(Key{Collection: entities.CollectionPapers, ID: valueobjects.MustDurableID("d")})

		img := s.Diff(changed)
		assert.Equal(t, 3, img.Len())
		assert.True(t, changed.Restore(img).Equal(s))
	})

	t.Run("removes added records and reverts edits", func(t *testing.T) {
		changed := s.Put(paper("e", "E")).Put(paper("a", "A2"))
		restored := changed.Restore(s.Diff(changed))
		assert.True(t, restored.Equal(s))
	})

	t.Run("unchanged state has empty image", func(t *testing.T) {
		assert.True(t, s.Diff(s).Empty())
	})
}

func TestRestoreThenPruneDangling(t *testing.T) {
	s := seeded()
	tagKey := Key{Collection: entities.CollectionTags, ID: valueobjects.MustDurableID("t1")}

	// The tag delete cascades both links; meanwhile paper b is removed elsewhere.
	deleted := s.RemoveCascade(tagKey)
	img := s.Diff(deleted)
	concurrent := deleted.Remove(Key{Collection: entities.CollectionPapers, ID: valueobjects.MustDurableID("b")})

	restored := concurrent.Restore(img)
	require.Equal(t, []string{"pt1", "pt2"}, ids(restored.Records(entities.CollectionPaperTags)))

	pruned := restored.PruneDangling()
	assert.Equal(t, []string{"pt2"}, ids(pruned.Records(entities.CollectionPaperTags)))
	assert.True(t, pruned.Has(tagKey))

	t.Run("consistent state is returned as is", func(t *testing.T) {
		assert.Same(t, s, s.PruneDangling())
	})
}

func TestReplaceProvisional(t *testing.T) {
	s := seeded()
	prov, err := entities.NewPaper("v1", "alice", "Draft", t0)
	require.NoError(t, err)
	prov.Local.Pinned = true
	s = s.Put(prov)
	tag := valueobjects.MustDurableID("t1")
	pt, err := entities.NewPaperTag("v1", "alice", prov.ID, tag, t0)
	require.NoError(t, err)
	s = s.Put(pt)

	durable := prov
	durable.ID = valueobjects.MustDurableID("p-new")
	durable.Local = entities.LocalMeta{}

	t.Run("swaps in place and rewrites references", func(t *testing.T) {
		next := s.ReplaceProvisional(prov.ID, durable)
		papers := next.Records(entities.CollectionPapers)
		assert.Equal(t, []string{"a", "b", "c", "d", "p-new"}, ids(papers))
		assert.True(t, papers[4].(entities.Paper).Local.Pinned)

		links := next.Where(entities.CollectionPaperTags, func(r entities.Record) bool {
			return r.RecordID() == pt.ID
		})
		require.Len(t, links, 1)
		assert.Equal(t, durable.ID, links[0].(entities.PaperTag).PaperID)
	})

	t.Run("drops an echoed durable copy", func(t *testing.T) {
		withEcho := s.Put(durable)
		next := withEcho.ReplaceProvisional(prov.ID, durable)
		assert.Equal(t, []string{"a", "b", "c", "d", "p-new"}, ids(next.Records(entities.CollectionPapers)))
	})

	t.Run("missing provisional leaves state alone", func(t *testing.T) {
		gone := s.Remove(KeyOf(prov))
		assert.Same(t, gone, gone.ReplaceProvisional(prov.ID, durable))
	})
}

func TestImageRewriteAndConfirm(t *testing.T) {
	s := NewVaultState("v1")
	prov, err := entities.NewPaper("v1", "alice", "Draft", t0)
	require.NoError(t, err)
	after := s.Put(prov)
	img := s.Diff(after)

	durableID := valueobjects.MustDurableID("p9")
	img = img.Rewrite(prov.ID, durableID)
	_, ok := img.Entry(KeyOf(prov))
	assert.False(t, ok)
	e, ok := img.Entry(Key{Collection: entities.CollectionPapers, ID: durableID})
	require.True(t, ok)
	assert.Nil(t, e.Prior)

	confirmed := prov
	confirmed.ID = durableID
	img = img.Confirm(confirmed)
	e, _ = img.Entry(Key{Collection: entities.CollectionPapers, ID: durableID})
	assert.Equal(t, confirmed, e.Prior)
}

func TestCombineKeepsEarliestPrior(t *testing.T) {
	s := seeded()
	first := s.Put(paper("a", "A1"))
	second := first.Put(paper("a", "A2"))

	img := s.Diff(first).Combine(first.Diff(second))
	e, ok := img.Entry(Key{Collection: entities.CollectionPapers, ID: valueobjects.MustDurableID("a")})
	require.True(t, ok)
	assert.Equal(t, "A", e.Prior.(entities.Paper).Title)
}

func TestNewest(t *testing.T) {
	s := seeded()
	late := paper("z", "Z")
	late.UpdatedAt = t0.Add(time.Hour)
	s = s.Put(late)

	r, ok := s.Newest()
	require.True(t, ok)
	assert.Equal(t, "z", r.RecordID().Value())
}
