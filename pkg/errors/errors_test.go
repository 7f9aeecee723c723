package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"papervault/pkg/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType ErrorType
		wantCode string
	}{
		{"unique violation", errors.New("(23505) duplicate key value"), ErrorTypeConflict, "23505"},
		{"foreign key", errors.New("(23503) violates foreign key constraint"), ErrorTypeConflict, "23503"},
		{"row level security", errors.New("(42501) permission denied for table papers"), ErrorTypeForbidden, "42501"},
		{"expired jwt", errors.New("(PGRST301) JWT expired"), ErrorTypeUnauthorized, "PGRST301"},
		{"no rows", errors.New("(PGRST116) no rows returned"), ErrorTypeNotFound, "PGRST116"},
		{"bad input", errors.New("(22P02) invalid input syntax for type uuid"), ErrorTypeValidation, "22P02"},
		{"unknown postgres code", errors.New("(XX000) internal"), ErrorTypeExternal, "XX000"},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), ErrorTypeTimeout, ""},
		{"refused", errors.New("dial tcp: connection refused"), ErrorTypeNetwork, ""},
		{"opaque", errors.New("boom"), ErrorTypeExternal, ""},
		{"already classified", NewNotFoundError("paper"), ErrorTypeNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantType, got.Type)
			assert.Equal(t, tt.wantCode, got.Code)
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestTransient(t *testing.T) {
	assert.True(t, Classify(context.DeadlineExceeded).Transient())
	assert.True(t, NewUnavailableError("store").Transient())
	assert.False(t, Classify(errors.New("(23505) dup")).Transient())
}

func TestUserMessage(t *testing.T) {
	assert.Contains(t, UserMessage(errors.New("(23505) dup")), "already exists")
	assert.Contains(t, UserMessage(errors.New("(23503) fk")), "no longer exists")
	assert.Contains(t, UserMessage(errors.New("(42501) denied")), "permission")
	assert.Contains(t, UserMessage(context.DeadlineExceeded), "Could not reach the server")
	assert.Empty(t, UserMessage(nil))
}

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	} `json:"error"`
}

func handle(t *testing.T, h *ErrorHandler, err error) (int, errorBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Handle(rec, httptest.NewRequest(http.MethodGet, "/x", nil), err)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHandlerWritesAppErrors(t *testing.T) {
	h := NewErrorHandler(nil, false)

	status, body := handle(t, h, Classify(errors.New("(23505) duplicate key value")))
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, body.Success)
	assert.Equal(t, "CONFLICT:23505", body.Error.Code)

	status, body = handle(t, h, NewValidationError("bad").WithDetails(map[string]interface{}{"Title": "required"}))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "required", body.Error.Details["Title"])
}

func TestHandlerHidesInternalErrors(t *testing.T) {
	status, body := handle(t, NewErrorHandler(nil, false), errors.New("secret detail"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "An internal error occurred", body.Error.Message)
	assert.NotContains(t, body.Error.Details, "stack_trace")

	_, body = handle(t, NewErrorHandler(nil, true), NewInternalError("secret detail"))
	assert.Equal(t, "secret detail", body.Error.Message)
	assert.Contains(t, body.Error.Details, "stack_trace")
}

func TestMiddlewareRecoversPanics(t *testing.T) {
	h := NewErrorHandler(nil, false)
	handler := h.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusCodeFallsBackToType(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, StatusCode(&AppError{Type: ErrorTypeTimeout}))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(&AppError{Type: "OTHER"}))
}

func TestHandlerLogsRequestContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := NewErrorHandler(zap.New(core), false)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	ctx := common.WithRequestID(req.Context(), "req-7")
	ctx = common.WithUserID(ctx, "alice")
	h.Handle(httptest.NewRecorder(), req.WithContext(ctx), NewNotFoundError("paper"))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-7", fields["request_id"])
	assert.Equal(t, "alice", fields["user_id"])
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
}
