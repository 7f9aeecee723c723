package handlers

import (
	"net/http"

	"papervault/application/commands"
	pkgerrors "papervault/pkg/errors"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// TagHandler handles tag intents.
type TagHandler struct {
	base
}

// NewTagHandler creates a new tag handler
func NewTagHandler(sessions SessionManager, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *TagHandler {
	return &TagHandler{base: newBase(sessions, errs, logger)}
}

// CreateTag handles POST /vaults/{vaultID}/tags
func (h *TagHandler) CreateTag(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var cmd commands.CreateTag
	if err := h.decode(w, r, &cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	p, err := s.CreateTag(r.Context(), cmd)
	h.respondIntent(w, r, p, err)
}

// UpdateTag handles PATCH /vaults/{vaultID}/tags/{tagID}
func (h *TagHandler) UpdateTag(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var cmd commands.UpdateTag
	if err := h.decode(w, r, &cmd); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	cmd.TagID = chi.URLParam(r, "tagID")
	p, err := s.UpdateTag(r.Context(), cmd)
	h.respondIntent(w, r, p, err)
}

// DeleteTag handles DELETE /vaults/{vaultID}/tags/{tagID}
func (h *TagHandler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	p, err := s.DeleteTag(r.Context(), commands.DeleteTag{TagID: chi.URLParam(r, "tagID")})
	h.respondIntent(w, r, p, err)
}
