package handlers

import (
	"net/http"

	"papervault/application/commands"
	pkgerrors "papervault/pkg/errors"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// LinkHandler handles paper relations and vault shares.
type LinkHandler struct {
	base
}

// NewLinkHandler creates a new link handler
func NewLinkHandler(sessions SessionManager, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *LinkHandler {
	return &LinkHandler{base: newBase(sessions, errs, logger)}
}

// RelatePapers handles POST /vaults/{vaultID}/relations
func (h *LinkHandler) RelatePapers(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var cmd commands.RelatePapers
	if err := h.decode(w, r, &cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	p, err := s.RelatePapers(r.Context(), cmd)
	h.respondIntent(w, r, p, err)
}

// UnrelatePapers handles DELETE /vaults/{vaultID}/relations/{relationID}
func (h *LinkHandler) UnrelatePapers(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	p, err := s.UnrelatePapers(r.Context(), commands.UnrelatePapers{RelationID: chi.URLParam(r, "relationID")})
	h.respondIntent(w, r, p, err)
}

// ShareVault handles POST /vaults/{vaultID}/shares
func (h *LinkHandler) ShareVault(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var cmd commands.ShareVault
	if err := h.decode(w, r, &cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	p, err := s.ShareVault(r.Context(), cmd)
	h.respondIntent(w, r, p, err)
}

// UpdateShareRole handles PATCH /vaults/{vaultID}/shares/{shareID}
func (h *LinkHandler) UpdateShareRole(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var cmd commands.UpdateShareRole
	if err := h.decode(w, r, &cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	cmd.ShareID = chi.URLParam(r, "shareID")
	p, err := s.UpdateShareRole(r.Context(), cmd)
	h.respondIntent(w, r, p, err)
}

// RevokeShare handles DELETE /vaults/{vaultID}/shares/{shareID}
func (h *LinkHandler) RevokeShare(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	p, err := s.RevokeShare(r.Context(), commands.RevokeShare{ShareID: chi.URLParam(r, "shareID")})
	h.respondIntent(w, r, p, err)
}
