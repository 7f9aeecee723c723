package entities

import (
	"strings"
	"time"

	"papervault/domain/core/valueobjects"
	pkgerrors "papervault/pkg/errors"
)

// Paper is a publication stored in a vault.
type Paper struct {
	ID           valueobjects.RecordID `json:"id"`
	VaultID      string                `json:"vault_id"`
	Title        string                `json:"title"`
	Authors      []string              `json:"authors,omitempty"`
	Year         int                   `json:"year,omitempty"`
	DOI          string                `json:"doi,omitempty"`
	Journal      string                `json:"journal,omitempty"`
	Abstract     string                `json:"abstract,omitempty"`
	URL          string                `json:"url,omitempty"`
	Notes        string                `json:"notes,omitempty"`
	CreatedBy    string                `json:"created_by,omitempty"`
	LastEditedBy string                `json:"last_edited_by,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	Local        LocalMeta             `json:"local"`
}

// PaperFields is the user-editable subset of a paper. Nil pointers leave the
// corresponding field unchanged.
type PaperFields struct {
	Title    *string
	Authors  *[]string
	Year     *int
	DOI      *string
	Journal  *string
	Abstract *string
	URL      *string
	Notes    *string
}

// NewPaper creates a provisional paper authored by actorID.
func NewPaper(vaultID, actorID, title string, now time.Time) (Paper, error) {
	if vaultID == "" {
		return Paper{}, pkgerrors.NewValidationError("vaultID cannot be empty")
	}
	if strings.TrimSpace(title) == "" {
		return Paper{}, pkgerrors.NewValidationError("title cannot be empty")
	}
	return Paper{
		ID:        valueobjects.NewProvisionalID(),
		VaultID:   vaultID,
		Title:     strings.TrimSpace(title),
		CreatedBy: actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Apply returns a copy of p with the given fields changed and attribution
// moved to actorID.
func (p Paper) Apply(f PaperFields, actorID string, now time.Time) (Paper, error) {
	next := p
	if f.Title != nil {
		title := strings.TrimSpace(*f.Title)
		if title == "" {
			return Paper{}, pkgerrors.NewValidationError("title cannot be empty")
		}
		next.Title = title
	}
	if f.Authors != nil {
		next.Authors = append([]string(nil), (*f.Authors)...)
	}
	if f.Year != nil {
		next.Year = *f.Year
	}
	if f.DOI != nil {
		next.DOI = NormalizeDOI(*f.DOI)
	}
	if f.Journal != nil {
		next.Journal = *f.Journal
	}
	if f.Abstract != nil {
		next.Abstract = *f.Abstract
	}
	if f.URL != nil {
		next.URL = *f.URL
	}
	if f.Notes != nil {
		next.Notes = *f.Notes
	}
	next.LastEditedBy = actorID
	next.UpdatedAt = now
	return next, nil
}

// NormalizeDOI strips resolver prefixes and lowercases a DOI so duplicates
// compare equal.
func NormalizeDOI(doi string) string {
	d := strings.TrimSpace(doi)
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/", "doi:"} {
		if len(d) >= len(prefix) && strings.EqualFold(d[:len(prefix)], prefix) {
			d = d[len(prefix):]
			break
		}
	}
	return strings.ToLower(d)
}

func (p Paper) Kind() Collection { return CollectionPapers }
func (p Paper) RecordID() valueobjects.RecordID { return p.ID }
func (p Paper) Vault() string { return p.VaultID }
func (p Paper) Modified() time.Time { return p.UpdatedAt }
func (p Paper) Creator() string { return p.CreatedBy }
func (p Paper) Editor() string { return p.LastEditedBy }
func (p Paper) References() []Reference { return nil }

func (p Paper) WithID(id valueobjects.RecordID) Record {
	p.ID = id
	return p
}

func (p Paper) RewriteReference(from, to valueobjects.RecordID) Record {
	return p
}

// MergeRemote keeps the local flags of p on the remote version.
func (p Paper) MergeRemote(remote Record) Record {
	rp, ok := remote.(Paper)
	if !ok {
		return remote
	}
	rp.Local = p.Local
	return rp
}
