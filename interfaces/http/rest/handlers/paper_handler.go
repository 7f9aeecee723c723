package handlers

import (
	"net/http"

	"papervault/application/commands"
	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
	"papervault/pkg/common"
	pkgerrors "papervault/pkg/errors"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// PaperHandler handles paper intents.
type PaperHandler struct {
	base
}

// NewPaperHandler creates a new paper handler
func NewPaperHandler(sessions SessionManager, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *PaperHandler {
	return &PaperHandler{base: newBase(sessions, errs, logger)}
}

// CreatePaper handles POST /vaults/{vaultID}/papers
func (h *PaperHandler) CreatePaper(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var cmd commands.CreatePaper
	if err := h.decode(w, r, &cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	p, err := s.CreatePaper(r.Context(), cmd)
	h.respondIntent(w, r, p, err)
}

// ImportPaper handles POST /vaults/{vaultID}/papers/import
func (h *PaperHandler) ImportPaper(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var cmd commands.ImportPaper
	if err := h.decode(w, r, &cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	p, err := s.ImportPaper(r.Context(), cmd)
	h.respondIntent(w, r, p, err)
}

// UpdatePaper handles PATCH /vaults/{vaultID}/papers/{paperID}
func (h *PaperHandler) UpdatePaper(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var cmd commands.UpdatePaper
	if err := h.decode(w, r, &cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	cmd.PaperID = chi.URLParam(r, "paperID")
	p, err := s.UpdatePaper(r.Context(), cmd)
	h.respondIntent(w, r, p, err)
}

// DeletePaper handles DELETE /vaults/{vaultID}/papers/{paperID}
func (h *PaperHandler) DeletePaper(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	p, err := s.DeletePaper(r.Context(), commands.DeletePaper{PaperID: chi.URLParam(r, "paperID")})
	h.respondIntent(w, r, p, err)
}

// AutosaveNotes handles PUT /vaults/{vaultID}/papers/{paperID}/notes. The
// write is debounced; only the last notes within the autosave delay are
// saved.
func (h *PaperHandler) AutosaveNotes(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var cmd commands.AutosaveNotes
	if err := h.decode(w, r, &cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	cmd.PaperID = chi.URLParam(r, "paperID")
	if err := s.AutosaveNotes(cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	common.RespondJSON(w, http.StatusAccepted, map[string]bool{"scheduled": true})
}

// ApplyTags handles PUT /vaults/{vaultID}/papers/{paperID}/tags
func (h *PaperHandler) ApplyTags(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var cmd commands.ApplyTags
	if err := h.decode(w, r, &cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	cmd.PaperID = chi.URLParam(r, "paperID")
	p, err := s.ApplyTags(r.Context(), cmd)
	h.respondIntent(w, r, p, err)
}

// DuplicatesResponse lists papers sharing a DOI.
type DuplicatesResponse struct {
	DOI    string           `json:"doi"`
	Papers []entities.Paper `json:"papers"`
}

// FindDuplicates handles GET /vaults/{vaultID}/papers/duplicates?doi=&exclude=
func (h *PaperHandler) FindDuplicates(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	doi := r.URL.Query().Get("doi")
	if doi == "" {
		h.errors.Handle(w, r, pkgerrors.NewValidationError("doi is required"))
		return
	}
	var exclude valueobjects.RecordID
	if raw := r.URL.Query().Get("exclude"); raw != "" {
		if exclude, err = valueobjects.ParseRecordID(raw); err != nil {
			h.errors.Handle(w, r, pkgerrors.NewValidationError("invalid paper id"))
			return
		}
	}
	papers := s.FindDuplicates(doi, exclude)
	if papers == nil {
		papers = []entities.Paper{}
	}
	common.RespondJSON(w, http.StatusOK, DuplicatesResponse{DOI: entities.NormalizeDOI(doi), Papers: papers})
}

// CheckDuplicates handles POST /vaults/{vaultID}/papers/duplicates/check.
// Matches are reported over the event stream once typing settles.
func (h *PaperHandler) CheckDuplicates(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var cmd commands.CheckDuplicateDOI
	if err := h.decode(w, r, &cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	if err := s.CheckDuplicateDOI(cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	common.RespondJSON(w, http.StatusAccepted, map[string]bool{"scheduled": true})
}
