package handlers

import (
	"net/http"

	"papervault/application/sessions"
	"papervault/domain/core/entities"
	"papervault/pkg/common"
	pkgerrors "papervault/pkg/errors"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SessionHandler opens, closes and reads vault sessions.
type SessionHandler struct {
	base
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions SessionManager, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{base: newBase(sessions, errs, logger)}
}

// VaultView is everything the UI shows for an open vault.
type VaultView struct {
	VaultID   string                 `json:"vault_id"`
	Version   uint64                 `json:"version"`
	Papers    []entities.Record      `json:"papers"`
	Tags      []entities.Record      `json:"tags"`
	PaperTags []entities.Record      `json:"paper_tags"`
	Relations []entities.Record      `json:"relations"`
	Shares    []entities.Record      `json:"shares"`
	Status    sessions.Status        `json:"status"`
	Activity  *entities.ActivityFact `json:"activity,omitempty"`
}

func viewOf(s *sessions.VaultSession) VaultView {
	st := s.State()
	v := VaultView{
		VaultID:   s.VaultID(),
		Version:   st.Version(),
		Papers:    nonNil(st.Records(entities.CollectionPapers)),
		Tags:      nonNil(st.Records(entities.CollectionTags)),
		PaperTags: nonNil(st.Records(entities.CollectionPaperTags)),
		Relations: nonNil(st.Records(entities.CollectionRelations)),
		Shares:    nonNil(st.Records(entities.CollectionShares)),
		Status:    s.Status(),
	}
	if fact, ok := s.Activity(); ok {
		v.Activity = &fact
	}
	return v
}

func nonNil(records []entities.Record) []entities.Record {
	if records == nil {
		return []entities.Record{}
	}
	return records
}

// OpenSession handles POST /vaults/{vaultID}/session. It makes the vault the
// caller's active one, loading it if needed.
func (h *SessionHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	creds, err := credentials(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	vaultID := chi.URLParam(r, "vaultID")

	s, err := h.sessions.Switch(r.Context(), creds, vaultID)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	h.logger.Info("Vault session opened",
		zap.String("user_id", creds.UserID),
		zap.String("vault_id", vaultID),
	)
	common.RespondJSON(w, http.StatusOK, viewOf(s))
}

// CloseSession handles DELETE /vaults/{vaultID}/session
func (h *SessionHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	creds, err := credentials(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	if err := h.sessions.CloseSession(r.Context(), creds.UserID, chi.URLParam(r, "vaultID")); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetState handles GET /vaults/{vaultID}/state
func (h *SessionHandler) GetState(w http.ResponseWriter, r *http.Request) {
	s, err := h.session(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	common.RespondJSON(w, http.StatusOK, viewOf(s))
}
