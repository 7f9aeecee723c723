package cache

import (
	"context"
	"time"

	"papervault/application/ports"
)

// DefaultProfileTTL is how long a resolved display name is reused.
const DefaultProfileTTL = 5 * time.Minute

// ProfileBackend shares resolved display names between every connection the
// wrapped backend hands out. Sessions already remember names they looked up;
// this spares a fresh session the round trip for collaborators another
// session has seen.
type ProfileBackend struct {
	next  ports.Backend
	names *TTLCache[*string]
}

// NewProfileBackend wraps next with a name cache of the given ttl.
func NewProfileBackend(next ports.Backend, ttl time.Duration) *ProfileBackend {
	if ttl <= 0 {
		ttl = DefaultProfileTTL
	}
	return &ProfileBackend{next: next, names: NewTTLCache[*string](ttl, time.Minute)}
}

func (b *ProfileBackend) Connect(ctx context.Context, creds ports.Credentials) (ports.Connection, error) {
	conn, err := b.next.Connect(ctx, creds)
	if err != nil {
		return ports.Connection{}, err
	}
	if conn.Profiles != nil {
		conn.Profiles = &cachedProfiles{next: conn.Profiles, names: b.names}
	}
	return conn, nil
}

// Close stops the cache sweeper.
func (b *ProfileBackend) Close() {
	b.names.Close()
}

type cachedProfiles struct {
	next  ports.ProfileDirectory
	names *TTLCache[*string]
}

// DisplayName caches successful lookups only, including users with no name.
func (p *cachedProfiles) DisplayName(ctx context.Context, userID string) (*string, error) {
	if name, ok := p.names.Get(userID); ok {
		return name, nil
	}
	name, err := p.next.DisplayName(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.names.Set(userID, name)
	return name, nil
}
