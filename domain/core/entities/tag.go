package entities

import (
	"strings"
	"time"

	"papervault/domain/core/valueobjects"
	pkgerrors "papervault/pkg/errors"
)

// Tag is a vault-scoped label. Names are unique per vault remotely.
type Tag struct {
	ID           valueobjects.RecordID `json:"id"`
	VaultID      string                `json:"vault_id"`
	Name         string                `json:"name"`
	Color        string                `json:"color,omitempty"`
	CreatedBy    string                `json:"created_by,omitempty"`
	LastEditedBy string                `json:"last_edited_by,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	Local        LocalMeta             `json:"local"`
}

// NewTag creates a provisional tag.
func NewTag(vaultID, actorID, name, color string, now time.Time) (Tag, error) {
	if vaultID == "" {
		return Tag{}, pkgerrors.NewValidationError("vaultID cannot be empty")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Tag{}, pkgerrors.NewValidationError("tag name cannot be empty")
	}
	return Tag{
		ID:        valueobjects.NewProvisionalID(),
		VaultID:   vaultID,
		Name:      name,
		Color:     color,
		CreatedBy: actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Rename returns a copy of t with a new name and/or color.
func (t Tag) Rename(name, color *string, actorID string, now time.Time) (Tag, error) {
	next := t
	if name != nil {
		n := strings.TrimSpace(*name)
		if n == "" {
			return Tag{}, pkgerrors.NewValidationError("tag name cannot be empty")
		}
		next.Name = n
	}
	if color != nil {
		next.Color = *color
	}
	next.LastEditedBy = actorID
	next.UpdatedAt = now
	return next, nil
}

func (t Tag) Kind() Collection { return CollectionTags }
func (t Tag) RecordID() valueobjects.RecordID { return t.ID }
func (t Tag) Vault() string { return t.VaultID }
func (t Tag) Modified() time.Time { return t.UpdatedAt }
func (t Tag) Creator() string { return t.CreatedBy }
func (t Tag) Editor() string { return t.LastEditedBy }
func (t Tag) References() []Reference { return nil }

func (t Tag) WithID(id valueobjects.RecordID) Record {
	t.ID = id
	return t
}

func (t Tag) RewriteReference(from, to valueobjects.RecordID) Record {
	return t
}

// MergeRemote keeps the local flags of t on the remote version.
func (t Tag) MergeRemote(remote Record) Record {
	rt, ok := remote.(Tag)
	if !ok {
		return remote
	}
	rt.Local = t.Local
	return rt
}
