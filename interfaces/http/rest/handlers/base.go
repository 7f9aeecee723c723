package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"papervault/application/ports"
	"papervault/application/reconcile"
	"papervault/application/sessions"
	"papervault/domain/core/entities"
	"papervault/pkg/auth"
	"papervault/pkg/common"
	pkgerrors "papervault/pkg/errors"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SessionManager is the part of sessions.Manager the handlers drive.
type SessionManager interface {
	Switch(ctx context.Context, creds ports.Credentials, vaultID string) (*sessions.VaultSession, error)
	Session(userID, vaultID string) (*sessions.VaultSession, error)
	CloseSession(ctx context.Context, userID, vaultID string) error
}

// waitTimeout bounds how long a ?wait=true request blocks on settlement.
const waitTimeout = 30 * time.Second

// base carries what every vault handler needs.
type base struct {
	sessions SessionManager
	errors   *pkgerrors.ErrorHandler
	logger   *zap.Logger
}

func newBase(sessions SessionManager, errs *pkgerrors.ErrorHandler, logger *zap.Logger) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	if errs == nil {
		errs = pkgerrors.NewErrorHandler(logger, false)
	}
	return base{sessions: sessions, errors: errs, logger: logger}
}

func credentials(r *http.Request) (ports.Credentials, error) {
	user, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		return ports.Credentials{}, pkgerrors.NewUnauthorizedError("")
	}
	return ports.Credentials{UserID: user.UserID, AccessToken: user.AccessToken}, nil
}

// session returns the caller's open session for the vault in the path.
func (b base) session(r *http.Request) (*sessions.VaultSession, error) {
	creds, err := credentials(r)
	if err != nil {
		return nil, err
	}
	return b.sessions.Session(creds.UserID, chi.URLParam(r, "vaultID"))
}

// decode parses the body into cmd; the caller sets path ids afterwards.
func (b base) decode(w http.ResponseWriter, r *http.Request, cmd interface{}) error {
	if err := common.ParseJSONBody(w, r, cmd, common.DefaultMaxBodyBytes); err != nil {
		return pkgerrors.NewValidationError(err.Error())
	}
	return nil
}

// IntentResponse is the body of an intent. When accepted it carries the
// optimistic record as now shown, keyed by a provisional id for creates;
// when settled it carries the record as published afterwards.
type IntentResponse struct {
	OperationID reconcile.OperationID `json:"operation_id"`
	Collection  entities.Collection   `json:"collection"`
	Record      entities.Record       `json:"record,omitempty"`
	Settled     bool                  `json:"settled"`
	Orphaned    bool                  `json:"orphaned,omitempty"`
}

// respondIntent answers 202 with the optimistic record, or with ?wait=true
// blocks until the remote call settles and reports its outcome.
func (b base) respondIntent(w http.ResponseWriter, r *http.Request, p *reconcile.Pending, err error) {
	if err != nil {
		b.errors.Handle(w, r, err)
		return
	}
	meta := &common.MetaInfo{OperationID: string(p.OperationID)}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
		defer cancel()
		res, err := p.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = pkgerrors.NewTimeoutError("waiting for settlement").WithCause(err)
			}
			b.errors.Handle(w, r, err)
			return
		}
		common.RespondWithMeta(w, http.StatusOK, IntentResponse{
			OperationID: res.OperationID,
			Collection:  res.Target.Collection,
			Record:      res.Record,
			Settled:     true,
			Orphaned:    res.Orphaned,
		}, meta)
		return
	}

	common.RespondWithMeta(w, http.StatusAccepted, IntentResponse{
		OperationID: p.OperationID,
		Collection:  p.Target.Collection,
		Record:      p.Record,
	}, meta)
}
