package entities

import (
	"time"

	"papervault/domain/core/valueobjects"
	pkgerrors "papervault/pkg/errors"
)

// ShareRole is the permission a share grants on a vault.
type ShareRole string

const (
	RoleViewer ShareRole = "viewer"
	RoleEditor ShareRole = "editor"
	RoleOwner  ShareRole = "owner"
)

// Valid reports whether r is a known role.
func (r ShareRole) Valid() bool {
	return r == RoleViewer || r == RoleEditor || r == RoleOwner
}

// VaultShare grants another user access to a vault.
type VaultShare struct {
	ID           valueobjects.RecordID `json:"id"`
	VaultID      string                `json:"vault_id"`
	UserID       string                `json:"user_id"`
	Role         ShareRole             `json:"role"`
	CreatedBy    string                `json:"created_by,omitempty"`
	LastEditedBy string                `json:"last_edited_by,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// NewVaultShare creates a provisional share.
func NewVaultShare(vaultID, actorID, userID string, role ShareRole, now time.Time) (VaultShare, error) {
	if vaultID == "" || userID == "" {
		return VaultShare{}, pkgerrors.NewValidationError("vault and user are required")
	}
	if !role.Valid() {
		return VaultShare{}, pkgerrors.NewValidationError("unknown share role: " + string(role))
	}
	return VaultShare{
		ID:        valueobjects.NewProvisionalID(),
		VaultID:   vaultID,
		UserID:    userID,
		Role:      role,
		CreatedBy: actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// WithRole returns a copy of s with a new role.
func (s VaultShare) WithRole(role ShareRole, actorID string, now time.Time) (VaultShare, error) {
	if !role.Valid() {
		return VaultShare{}, pkgerrors.NewValidationError("unknown share role: " + string(role))
	}
	s.Role = role
	s.LastEditedBy = actorID
	s.UpdatedAt = now
	return s, nil
}

func (s VaultShare) Kind() Collection { return CollectionShares }
func (s VaultShare) RecordID() valueobjects.RecordID { return s.ID }
func (s VaultShare) Vault() string { return s.VaultID }
func (s VaultShare) Modified() time.Time { return s.UpdatedAt }
func (s VaultShare) Creator() string { return s.CreatedBy }
func (s VaultShare) Editor() string { return s.LastEditedBy }
func (s VaultShare) References() []Reference { return nil }

func (s VaultShare) WithID(id valueobjects.RecordID) Record {
	s.ID = id
	return s
}

func (s VaultShare) RewriteReference(from, to valueobjects.RecordID) Record {
	return s
}
