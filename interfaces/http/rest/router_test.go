package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"papervault/application/sessions"
	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
	"papervault/infrastructure/persistence/memory"
	"papervault/interfaces/websocket"
	"papervault/pkg/auth"
	"papervault/pkg/observability"

	"github.com/golang-jwt/jwt/v5"
	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-jwt-secret-test-jwt-secret-test-jwt"

var seeded = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeHealth struct{ connected bool }

func (f fakeHealth) Connected() bool { return f.connected }
func (f fakeHealth) State() string {
	if f.connected {
		return "closed"
	}
	return "open"
}

type harness struct {
	server  *httptest.Server
	backend *memory.Backend
	manager *sessions.Manager
}

func newHarness(t *testing.T, health StoreHealth) *harness {
	t.Helper()
	backend := memory.NewBackend()
	require.NoError(t, backend.Store.Seed(
		entities.Paper{ID: valueobjects.MustDurableID("p-1"), VaultID: "vault-1", Title: "Attention", DOI: "10.1/abc",
			CreatedBy: "alice", CreatedAt: seeded, UpdatedAt: seeded},
		entities.Tag{ID: valueobjects.MustDurableID("t-1"), VaultID: "vault-1", Name: "ml", CreatedBy: "alice",
			CreatedAt: seeded, UpdatedAt: seeded},
	))

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	manager, err := sessions.NewManager(sessions.ManagerConfig{Backend: backend, Metrics: metrics})
	require.NoError(t, err)

	validator, err := auth.NewJWTValidator(auth.JWTConfig{Secret: testSecret})
	require.NoError(t, err)

	hub := websocket.NewHub(nil)
	go hub.Run()
	ws := websocket.NewServer(hub, manager, websocket.ServerConfig{CheckOrigin: func(*http.Request) bool { return true }}, nil)

	router := NewRouter(RouterConfig{EnableMetrics: true}, manager, validator, auth.NewRequestLimiter(0, 0),
		hub, ws, health, reg, nil)
	server := httptest.NewServer(router.Setup())

	t.Cleanup(func() {
		server.Close()
		hub.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return &harness{server: server, backend: backend, manager: manager}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{auth.DefaultAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta *struct {
		OperationID string `json:"operation_id"`
	} `json:"meta"`
}

func (h *harness) do(t *testing.T, method, path, user string, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, env
}

func (h *harness) open(t *testing.T, user, vault string) {
	t.Helper()
	status, _ := h.do(t, http.MethodPost, "/api/v2/vaults/"+vault+"/session", user, nil)
	require.Equal(t, http.StatusOK, status)
}

type intent struct {
	OperationID string                 `json:"operation_id"`
	Collection  string                 `json:"collection"`
	Record      map[string]interface{} `json:"record"`
	Settled     bool                   `json:"settled"`
}

func decodeIntent(t *testing.T, env envelope) intent {
	t.Helper()
	var out intent
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestRequiresAuthentication(t *testing.T) {
	h := newHarness(t, nil)

	status, env := h.do(t, http.MethodPost, "/api/v2/vaults/vault-1/session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	req, _ := http.NewRequest(http.MethodGet, h.server.URL+"/api/v2/vaults/vault-1/state", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOpenSessionReturnsVault(t *testing.T) {
	h := newHarness(t, nil)

	status, env := h.do(t, http.MethodPost, "/api/v2/vaults/vault-1/session", "alice", nil)
	require.Equal(t, http.StatusOK, status)

	var view struct {
		VaultID string                   `json:"vault_id"`
		Papers  []map[string]interface{} `json:"papers"`
		Tags    []map[string]interface{} `json:"tags"`
		Status  sessions.Status          `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "vault-1", view.VaultID)
	require.Len(t, view.Papers, 1)
	assert.Equal(t, "Attention", view.Papers[0]["title"])
	assert.Len(t, view.Tags, 1)
	assert.Equal(t, sessions.PhaseReady, view.Status.Phase)
	assert.True(t, view.Status.Connected)
}

func TestIntentWithoutSessionIsNotFound(t *testing.T) {
	h := newHarness(t, nil)
	status, env := h.do(t, http.MethodPost, "/api/v2/vaults/vault-1/papers", "alice", map[string]string{"title": "x"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestCreatePaperIsAcceptedOptimistically(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "alice", "vault-1")

	status, env := h.do(t, http.MethodPost, "/api/v2/vaults/vault-1/papers", "alice",
		map[string]interface{}{"title": "New paper", "authors": []string{"Ada"}})
	require.Equal(t, http.StatusAccepted, status)
	got := decodeIntent(t, env)
	assert.NotEmpty(t, got.OperationID)
	assert.Equal(t, got.OperationID, env.Meta.OperationID)
	assert.Equal(t, "papers", got.Collection)
	assert.True(t, strings.HasPrefix(got.Record["id"].(string), "temp_"), "creates answer with a provisional id")
	assert.False(t, got.Settled)

	require.Eventually(t, func() bool {
		return h.backend.Store.Len(entities.CollectionPapers) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWaitReturnsSettledRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "alice", "vault-1")

	status, env := h.do(t, http.MethodPost, "/api/v2/vaults/vault-1/tags?wait=true", "alice",
		map[string]string{"name": "nlp", "color": "#ff0000"})
	require.Equal(t, http.StatusOK, status)
	got := decodeIntent(t, env)
	assert.True(t, got.Settled)
	assert.False(t, strings.HasPrefix(got.Record["id"].(string), "temp_"), "settled creates carry the durable id")
	assert.Equal(t, "nlp", got.Record["name"])
}

func TestWaitReportsRollback(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "alice", "vault-1")
	h.backend.Store.FailNext(memory.OpUpdate, entities.CollectionPapers, errors.New("(23505) duplicate key value"))

	status, env := h.do(t, http.MethodPatch, "/api/v2/vaults/vault-1/papers/p-1?wait=true", "alice",
		map[string]string{"title": "Renamed"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONFLICT:23505", env.Error.Code)

	_, env = h.do(t, http.MethodGet, "/api/v2/vaults/vault-1/state", "alice", nil)
	assert.Contains(t, string(env.Data), `"title":"Attention"`, "the rename was rolled back")
}

func TestValidationErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "alice", "vault-1")

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"missing title", http.MethodPost, "/papers", map[string]string{"journal": "x"}},
		{"unknown field", http.MethodPost, "/papers", map[string]string{"title": "x", "color": "red"}},
		{"bad color", http.MethodPost, "/tags", map[string]string{"name": "x", "color": "red"}},
		{"self relation", http.MethodPost, "/relations", map[string]string{"source_id": "p-1", "target_id": "p-1"}},
		{"bad role", http.MethodPost, "/shares", map[string]string{"user_id": "bob", "role": "admin"}},
		{"duplicates without doi", http.MethodGet, "/papers/duplicates", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := h.do(t, tt.method, "/api/v2/vaults/vault-1"+tt.path, "alice", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "VALIDATION", env.Error.Code)
		})
	}
}

func TestApplyTagsAndDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "alice", "vault-1")

	status, _ := h.do(t, http.MethodPut, "/api/v2/vaults/vault-1/papers/p-1/tags?wait=true", "alice",
		map[string][]string{"tag_ids": {"t-1"}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, h.backend.Store.Len(entities.CollectionPaperTags))

	status, env := h.do(t, http.MethodGet, "/api/v2/vaults/vault-1/papers/duplicates?doi=https://doi.org/10.1/ABC", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	var dups struct {
		DOI    string                   `json:"doi"`
		Papers []map[string]interface{} `json:"papers"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &dups))
	assert.Equal(t, "10.1/abc", dups.DOI)
	require.Len(t, dups.Papers, 1)
	assert.Equal(t, "p-1", dups.Papers[0]["id"])
}

func TestCloseSession(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "alice", "vault-1")

	status, _ := h.do(t, http.MethodDelete, "/api/v2/vaults/vault-1/session", "alice", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = h.do(t, http.MethodGet, "/api/v2/vaults/vault-1/state", "alice", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSessionsArePerUser(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "alice", "vault-1")
	status, _ := h.do(t, http.MethodGet, "/api/v2/vaults/vault-1/state", "bob", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		h := newHarness(t, fakeHealth{connected: true})
		h.open(t, "alice", "vault-1")
		status, env := h.do(t, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, status)
		var body HealthResponse
		require.NoError(t, json.Unmarshal(env.Data, &body))
		assert.Equal(t, "healthy", body.Status)
		assert.Equal(t, "closed", body.Store)
		assert.Equal(t, 1, body.ActiveSessions)

		status, _ = h.do(t, http.MethodGet, "/ready", "", nil)
		assert.Equal(t, http.StatusOK, status)
	})
	t.Run("breaker open", func(t *testing.T) {
		h := newHarness(t, fakeHealth{connected: false})
		status, env := h.do(t, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Contains(t, string(env.Data), `"degraded"`)
		status, _ = h.do(t, http.MethodGet, "/ready", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, status)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, "alice", "vault-1")
	_, _ = h.do(t, http.MethodPost, "/api/v2/vaults/vault-1/tags?wait=true", "alice", map[string]string{"name": "x"})

	resp, err := http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), "papervault_mutations_total")
}

func TestWebsocketStreamsSessionEvents(t *testing.T) {
	h := newHarness(t, nil)

	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?vault=vault-1&token=" + token(t, "alice")
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() websocket.Envelope {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var env websocket.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		return env
	}

	first := read()
	assert.Equal(t, "vault.status_changed", first.Type)
	assert.Equal(t, "vault-1", first.VaultID)

	h.backend.Store.FailNext(memory.OpCreate, entities.CollectionTags, errors.New("(42501) permission denied"))
	status, _ := h.do(t, http.MethodPost, "/api/v2/vaults/vault-1/tags", "alice", map[string]string{"name": "nope"})
	require.Equal(t, http.StatusAccepted, status)

	var failed *websocket.Envelope
	for i := 0; i < 10 && failed == nil; i++ {
		env := read()
		if env.Type == "vault.mutation_failed" {
			failed = &env
		}
	}
	require.NotNil(t, failed, "rollback is pushed to the client")
	var data struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(failed.Data, &data))
	assert.Equal(t, "FORBIDDEN", data.Code)
	assert.Contains(t, data.Message, "permission")
}

func TestWebsocketRequiresVault(t *testing.T) {
	h := newHarness(t, nil)
	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?token=" + token(t, "alice")
	_, resp, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
