package supabase

import (
	"context"
	"fmt"

	"papervault/application/ports"

	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
)

// Config points the backend at a project.
type Config struct {
	URL     string
	AnonKey string
	Schema  string
}

// Backend opens per-user connections. Every request carries the user's
// access token so row level security applies to it.
type Backend struct {
	cfg    Config
	logger *zap.Logger
}

var _ ports.Backend = (*Backend)(nil)

// NewBackend validates cfg and returns a backend.
func NewBackend(cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.URL == "" || cfg.AnonKey == "" {
		return nil, fmt.Errorf("supabase url and anon key are required")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{cfg: cfg, logger: logger}, nil
}

// Connect implements ports.Backend.
func (b *Backend) Connect(_ context.Context, creds ports.Credentials) (ports.Connection, error) {
	if creds.AccessToken == "" {
		return ports.Connection{}, fmt.Errorf("access token is required")
	}
	client, err := supabase.NewClient(b.cfg.URL, b.cfg.AnonKey, &supabase.ClientOptions{
		Headers: map[string]string{"Authorization": "Bearer " + creds.AccessToken},
		Schema:  b.cfg.Schema,
	})
	if err != nil {
		return ports.Connection{}, fmt.Errorf("failed to create supabase client: %w", err)
	}
	logger := b.logger.With(zap.String("user_id", creds.UserID))

	feed, err := NewRealtime(RealtimeOptions{
		URL:         b.cfg.URL,
		APIKey:      b.cfg.AnonKey,
		AccessToken: creds.AccessToken,
		Schema:      b.cfg.Schema,
		Logger:      logger,
	})
	if err != nil {
		return ports.Connection{}, err
	}

	return ports.Connection{
		Store:    NewStore(client, logger),
		Feed:     feed,
		Profiles: NewProfiles(client),
	}, nil
}
