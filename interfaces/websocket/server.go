package websocket

import (
	"context"
	"net/http"

	"papervault/application/ports"
	"papervault/application/sessions"
	"papervault/pkg/auth"
	"papervault/pkg/common"
	pkgerrors "papervault/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SessionOpener resolves the session a connection follows, opening the vault
// when the user has not yet.
type SessionOpener interface {
	Switch(ctx context.Context, creds ports.Credentials, vaultID string) (*sessions.VaultSession, error)
}

// ServerConfig holds WebSocket server configuration
type ServerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	// MaxConnectionsPerUser bounds the tabs one user can follow vaults from.
	MaxConnectionsPerUser int
}

// DefaultServerConfig returns default WebSocket server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadBufferSize:        1024,
		WriteBufferSize:       4096,
		MaxConnectionsPerUser: 10,
	}
}

// Server upgrades authenticated requests into event streams.
type Server struct {
	hub      *Hub
	sessions SessionOpener
	upgrader websocket.Upgrader
	maxConns int
	logger   *zap.Logger
}

// NewServer creates a new WebSocket server
func NewServer(hub *Hub, sessions SessionOpener, cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConnectionsPerUser <= 0 {
		cfg.MaxConnectionsPerUser = DefaultServerConfig().MaxConnectionsPerUser
	}
	return &Server{
		hub:      hub,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		maxConns: cfg.MaxConnectionsPerUser,
		logger:   logger,
	}
}

// HandleWebSocket handles GET /ws?vault=<id>. The caller is authenticated by
// the REST middleware, which accepts the token as a query parameter on
// upgrade requests.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		common.RespondError(w, http.StatusUnauthorized, common.StandardErrorCodes.Unauthorized, "Unauthorized")
		return
	}
	vaultID := r.URL.Query().Get("vault")
	if vaultID == "" {
		common.RespondError(w, http.StatusBadRequest, common.StandardErrorCodes.BadRequest, "vault is required")
		return
	}
	if n := s.hub.ConnectionCount(user.UserID); n >= s.maxConns {
		s.logger.Warn("Connection limit exceeded for user",
			zap.String("user_id", user.UserID),
			zap.Int("current_connections", n),
		)
		common.RespondError(w, http.StatusTooManyRequests, common.StandardErrorCodes.TooManyRequests, "Connection limit exceeded")
		return
	}

	session, err := s.sessions.Switch(r.Context(), ports.Credentials{UserID: user.UserID, AccessToken: user.AccessToken}, vaultID)
	if err != nil {
		appErr := pkgerrors.Classify(err)
		s.logger.Warn("Cannot follow vault", zap.String("vault_id", vaultID), zap.Error(err))
		common.RespondError(w, pkgerrors.StatusCode(appErr), string(appErr.Type), appErr.Message)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := NewClient(user.UserID, vaultID, s.hub, conn, s.logger)
	client.Start(session)
	s.logger.Info("WebSocket connection established",
		zap.String("user_id", user.UserID),
		zap.String("vault_id", vaultID),
		zap.String("connection_id", client.id),
	)
}
