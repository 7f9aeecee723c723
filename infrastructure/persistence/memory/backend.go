package memory

import (
	"context"
	"sync"

	"papervault/application/ports"
	pkgerrors "papervault/pkg/errors"
)

// Profiles is an in-memory ProfileDirectory.
type Profiles struct {
	mu    sync.Mutex
	names map[string]*string
	calls int
}

// NewProfiles creates an empty directory.
func NewProfiles() *Profiles {
	return &Profiles{names: make(map[string]*string)}
}

// Set records a user's display name. nil means the user has none.
func (p *Profiles) Set(userID string, name *string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[userID] = name
}

// DisplayName implements ports.ProfileDirectory.
func (p *Profiles) DisplayName(_ context.Context, userID string) (*string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	name, ok := p.names[userID]
	if !ok {
		return nil, nil
	}
	return name, nil
}

// Calls returns how many lookups were made.
func (p *Profiles) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Backend hands every user the same store, feed and directory.
type Backend struct {
	Store    *Store
	Feed     *Feed
	Profiles *Profiles
}

// NewBackend creates a backend over fresh tables.
func NewBackend() *Backend {
	feed := NewFeed()
	return &Backend{Store: NewStore(feed), Feed: feed, Profiles: NewProfiles()}
}

// Connect implements ports.Backend.
func (b *Backend) Connect(_ context.Context, creds ports.Credentials) (ports.Connection, error) {
	if creds.UserID == "" {
		return ports.Connection{}, pkgerrors.NewUnauthorizedError("missing user")
	}
	return ports.Connection{Store: b.Store, Feed: b.Feed, Profiles: b.Profiles}, nil
}
