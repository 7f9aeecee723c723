package entities

import (
	"time"

	"papervault/domain/core/valueobjects"
)

// Collection names a table of records held by a vault context.
type Collection string

const (
	CollectionPapers    Collection = "papers"
	CollectionTags      Collection = "tags"
	CollectionPaperTags Collection = "paper_tags"
	CollectionRelations Collection = "paper_relations"
	CollectionShares    Collection = "vault_shares"
)

// Collections lists every collection in load order: parents before the join
// records that reference them.
var Collections = []Collection{
	CollectionPapers,
	CollectionTags,
	CollectionShares,
	CollectionPaperTags,
	CollectionRelations,
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	switch c {
	case CollectionPapers, CollectionTags, CollectionPaperTags, CollectionRelations, CollectionShares:
		return true
	}
	return false
}

// HasVaultColumn reports whether rows of this collection carry vault_id
// remotely. Join records do not; their vault is inferred from their endpoints.
func (c Collection) HasVaultColumn() bool {
	return c == CollectionPapers || c == CollectionTags || c == CollectionShares
}

// Reference points from one record to another record it depends on.
type Reference struct {
	Collection Collection
	ID         valueobjects.RecordID
}

// Record is implemented by every shape the reconciliation layer handles.
// Implementations are value types; methods that "change" a record return a
// modified copy.
type Record interface {
	Kind() Collection
	RecordID() valueobjects.RecordID
	Vault() string
	Modified() time.Time
	Creator() string
	Editor() string

	// References lists the records this one points at. Deleting any of them
	// removes this record too.
	References() []Reference

	WithID(id valueobjects.RecordID) Record
	RewriteReference(from, to valueobjects.RecordID) Record
}

// Mergeable records carry purely local fields that must survive when a
// remote version of the same record replaces the local one.
type Mergeable interface {
	Record
	MergeRemote(remote Record) Record
}

// Merge folds a remote version into the local one, keeping local-only fields
// when the local record supports it.
func Merge(local, remote Record) Record {
	if m, ok := local.(Mergeable); ok {
		return m.MergeRemote(remote)
	}
	return remote
}

// Attribution returns the actor a record's latest state should be credited
// to: its last editor if known, otherwise its creator.
func Attribution(r Record) string {
	if editor := r.Editor(); editor != "" {
		return editor
	}
	return r.Creator()
}

// DependsOn reports whether r references the given record.
func DependsOn(r Record, collection Collection, id valueobjects.RecordID) bool {
	for _, ref := range r.References() {
		if ref.Collection == collection && ref.ID == id {
			return true
		}
	}
	return false
}

// LocalMeta holds UI-side flags that never come from the remote store.
type LocalMeta struct {
	Unread bool `json:"unread,omitempty"`
	Pinned bool `json:"pinned,omitempty"`
}
