package entities

import (
	"time"

	"papervault/domain/core/valueobjects"
	pkgerrors "papervault/pkg/errors"
)

// PaperTag assigns a tag to a paper. The remote row has no vault column;
// VaultID is filled in locally from the context that loaded it.
type PaperTag struct {
	ID        valueobjects.RecordID `json:"id"`
	VaultID   string                `json:"vault_id,omitempty"`
	PaperID   valueobjects.RecordID `json:"paper_id"`
	TagID     valueobjects.RecordID `json:"tag_id"`
	CreatedBy string                `json:"created_by,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
}

// NewPaperTag creates a provisional tag assignment.
func NewPaperTag(vaultID, actorID string, paperID, tagID valueobjects.RecordID, now time.Time) (PaperTag, error) {
	if paperID.IsZero() || tagID.IsZero() {
		return PaperTag{}, pkgerrors.NewValidationError("paper and tag are required")
	}
	return PaperTag{
		ID:        valueobjects.NewProvisionalID(),
		VaultID:   vaultID,
		PaperID:   paperID,
		TagID:     tagID,
		CreatedBy: actorID,
		CreatedAt: now,
	}, nil
}

func (pt PaperTag) Kind() Collection { return CollectionPaperTags }
func (pt PaperTag) RecordID() valueobjects.RecordID { return pt.ID }
func (pt PaperTag) Vault() string { return pt.VaultID }
func (pt PaperTag) Modified() time.Time { return pt.CreatedAt }
func (pt PaperTag) Creator() string { return pt.CreatedBy }
func (pt PaperTag) Editor() string { return "" }

func (pt PaperTag) References() []Reference {
	return []Reference{
		{Collection: CollectionPapers, ID: pt.PaperID},
		{Collection: CollectionTags, ID: pt.TagID},
	}
}

func (pt PaperTag) WithID(id valueobjects.RecordID) Record {
	pt.ID = id
	return pt
}

func (pt PaperTag) RewriteReference(from, to valueobjects.RecordID) Record {
	if pt.PaperID == from {
		pt.PaperID = to
	}
	if pt.TagID == from {
		pt.TagID = to
	}
	return pt
}

// PaperRelation is a directed link between two papers of the same vault
// (e.g. "cites", "extends"). Like PaperTag it has no vault column remotely.
type PaperRelation struct {
	ID           valueobjects.RecordID `json:"id"`
	VaultID      string                `json:"vault_id,omitempty"`
	SourceID     valueobjects.RecordID `json:"source_paper_id"`
	TargetID     valueobjects.RecordID `json:"target_paper_id"`
	RelationType string                `json:"relation_type"`
	CreatedBy    string                `json:"created_by,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

// NewPaperRelation creates a provisional relation.
func NewPaperRelation(vaultID, actorID string, source, target valueobjects.RecordID, relationType string, now time.Time) (PaperRelation, error) {
	if source.IsZero() || target.IsZero() {
		return PaperRelation{}, pkgerrors.NewValidationError("source and target papers are required")
	}
	if source == target {
		return PaperRelation{}, pkgerrors.NewValidationError("a paper cannot be related to itself")
	}
	if relationType == "" {
		relationType = "related"
	}
	return PaperRelation{
		ID:           valueobjects.NewProvisionalID(),
		VaultID:      vaultID,
		SourceID:     source,
		TargetID:     target,
		RelationType: relationType,
		CreatedBy:    actorID,
		CreatedAt:    now,
	}, nil
}

func (r PaperRelation) Kind() Collection { return CollectionRelations }
func (r PaperRelation) RecordID() valueobjects.RecordID { return r.ID }
func (r PaperRelation) Vault() string { return r.VaultID }
func (r PaperRelation) Modified() time.Time { return r.CreatedAt }
func (r PaperRelation) Creator() string { return r.CreatedBy }
func (r PaperRelation) Editor() string { return "" }

func (r PaperRelation) References() []Reference {
	return []Reference{
		{Collection: CollectionPapers, ID: r.SourceID},
		{Collection: CollectionPapers, ID: r.TargetID},
	}
}

func (r PaperRelation) WithID(id valueobjects.RecordID) Record {
	r.ID = id
	return r
}

func (r PaperRelation) RewriteReference(from, to valueobjects.RecordID) Record {
	if r.SourceID == from {
		r.SourceID = to
	}
	if r.TargetID == from {
		r.TargetID = to
	}
	return r
}
