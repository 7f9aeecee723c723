package commands

import (
	"errors"
	"strings"

	pkgerrors "papervault/pkg/errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a command's struct tags and returns a VALIDATION AppError
// listing every failing field.
func Validate(cmd interface{}) error {
	err := validate.Struct(cmd)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return pkgerrors.NewValidationError(err.Error())
	}
	details := make(map[string]interface{}, len(verrs))
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
		fields = append(fields, fe.Field())
	}
	return pkgerrors.NewValidationError("invalid fields: " + strings.Join(fields, ", ")).WithDetails(details)
}

// CreatePaper adds a paper to the open vault.
type CreatePaper struct {
	Title    string   `json:"title" validate:"required,max=1000"`
	Authors  []string `json:"authors" validate:"max=200,dive,max=300"`
	Year     int      `json:"year" validate:"omitempty,min=1000,max=3000"`
	DOI      string   `json:"doi" validate:"max=300"`
	Journal  string   `json:"journal" validate:"max=500"`
	Abstract string   `json:"abstract" validate:"max=20000"`
	URL      string   `json:"url" validate:"max=2000"`
	Notes    string   `json:"notes" validate:"max=100000"`
}

// ImportPaper creates a paper from imported metadata and tags it in one go.
type ImportPaper struct {
	Paper  CreatePaper `json:"paper"`
	TagIDs []string    `json:"tag_ids" validate:"max=100,dive,required"`
}

// UpdatePaper changes the given fields of a paper. Nil fields are left alone.
type UpdatePaper struct {
	PaperID  string    `json:"-" validate:"required"`
	Title    *string   `json:"title" validate:"omitnil,min=1,max=1000"`
	Authors  *[]string `json:"authors" validate:"omitnil,max=200"`
	Year     *int      `json:"year" validate:"omitnil,min=0,max=3000"`
	DOI      *string   `json:"doi" validate:"omitnil,max=300"`
	Journal  *string   `json:"journal" validate:"omitnil,max=500"`
	Abstract *string   `json:"abstract" validate:"omitnil,max=20000"`
	URL      *string   `json:"url" validate:"omitnil,max=2000"`
	Notes    *string   `json:"notes" validate:"omitnil,max=100000"`
}

// DeletePaper removes a paper with its tag assignments and relations.
type DeletePaper struct {
	PaperID string `json:"-" validate:"required"`
}

// AutosaveNotes replaces a paper's notes after the autosave delay.
type AutosaveNotes struct {
	PaperID string `json:"-" validate:"required"`
	Notes   string `json:"notes" validate:"max=100000"`
}

// CheckDuplicateDOI looks for other papers in the vault with the same DOI.
type CheckDuplicateDOI struct {
	PaperID string `json:"paper_id"`
	DOI     string `json:"doi" validate:"required,max=300"`
}

// ApplyTags makes TagIDs the exact set of tags on a paper.
type ApplyTags struct {
	PaperID string   `json:"-" validate:"required"`
	TagIDs  []string `json:"tag_ids" validate:"max=100,dive,required"`
}

// CreateTag adds a tag to the vault.
type CreateTag struct {
	Name  string `json:"name" validate:"required,max=64"`
	Color string `json:"color" validate:"omitempty,hexcolor"`
}

// UpdateTag renames or recolors a tag.
type UpdateTag struct {
	TagID string  `json:"-" validate:"required"`
	Name  *string `json:"name" validate:"omitnil,min=1,max=64"`
	Color *string `json:"color" validate:"omitnil,hexcolor"`
}

// DeleteTag removes a tag and its assignments.
type DeleteTag struct {
	TagID string `json:"-" validate:"required"`
}

// RelatePapers links two papers.
type RelatePapers struct {
	SourceID     string `json:"source_id" validate:"required"`
	TargetID     string `json:"target_id" validate:"required,nefield=SourceID"`
	RelationType string `json:"relation_type" validate:"omitempty,oneof=related cites extends contradicts replicates"`
}

// UnrelatePapers removes a relation.
type UnrelatePapers struct {
	RelationID string `json:"-" validate:"required"`
}

// ShareVault grants a user access to the vault.
type ShareVault struct {
	UserID string `json:"user_id" validate:"required"`
	Role   string `json:"role" validate:"required,oneof=viewer editor owner"`
}

// UpdateShareRole changes the role of an existing share.
type UpdateShareRole struct {
	ShareID string `json:"-" validate:"required"`
	Role    string `json:"role" validate:"required,oneof=viewer editor owner"`
}

// RevokeShare removes a share.
type RevokeShare struct {
	ShareID string `json:"-" validate:"required"`
}
