package sessions

import (
	"context"
	"sync"
	"time"

	"papervault/application/ports"
	"papervault/application/reconcile"
	pkgerrors "papervault/pkg/errors"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
)

// DefaultCacheSize is how many parked sessions a manager keeps per process.
const DefaultCacheSize = 8

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Backend   ports.Backend
	Publisher ports.ActivityPublisher
	Clock     reconcile.Clock
	Timing    Timing
	// CacheSize bounds the sessions kept open after their user switched
	// away from them.
	CacheSize    int
	CloseTimeout time.Duration
	Logger       *zap.Logger
	Metrics      reconcile.Recorder
}

type sessionKey struct {
	userID  string
	vaultID string
}

// Manager owns every vault session of the process. Each user has at most one
// active session; switching vaults parks the previous one in a bounded LRU
// so switching back does not reload it.
type Manager struct {
	cfg    ManagerConfig
	logger *zap.Logger

	mu      sync.Mutex
	timing  Timing
	active  map[string]*VaultSession
	parked  *simplelru.LRU[sessionKey, *VaultSession]
	evicted []*VaultSession
	taking  *VaultSession
	closed  bool
}

// NewManager creates a manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, pkgerrors.NewValidationError("session manager requires a backend")
	}
	if cfg.Clock == nil {
		cfg.Clock = reconcile.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}

	m := &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		timing: cfg.Timing.withDefaults(),
		active: make(map[string]*VaultSession),
	}
	parked, err := simplelru.NewLRU[sessionKey, *VaultSession](cfg.CacheSize, m.onEvict)
	if err != nil {
		return nil, pkgerrors.NewInternalError("failed to create session cache").WithCause(err)
	}
	m.parked = parked
	return m, nil
}

// onEvict runs under m.mu.
func (m *Manager) onEvict(_ sessionKey, s *VaultSession) {
	if s == m.taking {
		return
	}
	m.evicted = append(m.evicted, s)
}

// Switch makes vaultID the user's active vault and returns its session,
// ready for intents. The previously active session is parked.
func (m *Manager) Switch(ctx context.Context, creds ports.Credentials, vaultID string) (*VaultSession, error) {
	if creds.UserID == "" || vaultID == "" {
		return nil, pkgerrors.NewValidationError("user and vault are required")
	}
	key := sessionKey{creds.UserID, vaultID}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, pkgerrors.NewUnavailableError("session manager")
	}
	if cur := m.active[creds.UserID]; cur != nil && cur.VaultID() == vaultID && cur.Phase() == PhaseReady {
		m.mu.Unlock()
		return cur, nil
	}

	var reused *VaultSession
	if s, ok := m.parked.Peek(key); ok {
		m.taking = s
		m.parked.Remove(key)
		m.taking = nil
		if s.Phase() == PhaseReady && s.cfg.Creds.AccessToken == creds.AccessToken {
			reused = s
		} else {
			m.evicted = append(m.evicted, s)
		}
	}
	m.parkLocked(creds.UserID)
	if reused != nil {
		m.active[creds.UserID] = reused
	}
	stale := m.drainLocked()
	m.mu.Unlock()

	m.closeAll(stale)
	if reused != nil {
		m.logger.Info("Reusing parked vault session", zap.String("user_id", creds.UserID), zap.String("vault_id", vaultID))
		return reused, nil
	}

	s, err := m.open(ctx, creds, vaultID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closeAll([]*VaultSession{s})
		return nil, pkgerrors.NewUnavailableError("session manager")
	}
	if cur := m.active[creds.UserID]; cur != nil && cur.VaultID() == vaultID {
		// A concurrent switch to the same vault won.
		m.mu.Unlock()
		m.closeAll([]*VaultSession{s})
		return cur, nil
	}
	m.parkLocked(creds.UserID)
	m.active[creds.UserID] = s
	stale = m.drainLocked()
	m.mu.Unlock()

	m.closeAll(stale)
	return s, nil
}

func (m *Manager) open(ctx context.Context, creds ports.Credentials, vaultID string) (*VaultSession, error) {
	conn, err := m.cfg.Backend.Connect(ctx, creds)
	if err != nil {
		return nil, pkgerrors.Classify(err)
	}
	cfg := Config{
		VaultID:   vaultID,
		Creds:     creds,
		Store:     conn.Store,
		Feed:      conn.Feed,
		Profiles:  conn.Profiles,
		Publisher: m.cfg.Publisher,
		Clock:     m.cfg.Clock,
		Timing:    m.currentTiming(),
		Logger:    m.logger,
		Metrics:   m.cfg.Metrics,
	}
	if h, ok := conn.Store.(ports.HealthReporter); ok {
		cfg.Connected = h.Connected
	}

	s := New(cfg)
	if err := s.Open(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// parkLocked moves the user's active session, if any, into the cache.
func (m *Manager) parkLocked(userID string) {
	prev := m.active[userID]
	if prev == nil {
		return
	}
	delete(m.active, userID)
	if prev.Phase() != PhaseReady {
		m.evicted = append(m.evicted, prev)
		return
	}
	m.parked.Add(sessionKey{userID, prev.VaultID()}, prev)
}

func (m *Manager) drainLocked() []*VaultSession {
	out := m.evicted
	m.evicted = nil
	return out
}

func (m *Manager) closeAll(sessions []*VaultSession) {
	for _, s := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CloseTimeout)
		if err := s.Close(ctx); err != nil {
			m.logger.Warn("Session close failed", zap.String("vault_id", s.VaultID()), zap.Error(err))
		}
		cancel()
	}
}

// Session returns the user's active session if it is bound to vaultID.
func (m *Manager) Session(userID, vaultID string) (*VaultSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.active[userID]
	if s == nil || s.VaultID() != vaultID {
		return nil, pkgerrors.NewNotFoundError("vault session")
	}
	return s, nil
}

// CloseSession closes the user's session for vaultID, active or parked.
func (m *Manager) CloseSession(ctx context.Context, userID, vaultID string) error {
	m.mu.Lock()
	var target *VaultSession
	if s := m.active[userID]; s != nil && s.VaultID() == vaultID {
		target = s
		delete(m.active, userID)
	} else if s, ok := m.parked.Peek(sessionKey{userID, vaultID}); ok {
		target = s
		m.taking = s
		m.parked.Remove(sessionKey{userID, vaultID})
		m.taking = nil
	}
	m.mu.Unlock()

	if target == nil {
		return pkgerrors.NewNotFoundError("vault session")
	}
	return target.Close(ctx)
}

// UpdateTiming applies new delays to every open session and to sessions
// opened later.
func (m *Manager) UpdateTiming(t Timing) {
	t = t.withDefaults()
	m.mu.Lock()
	m.timing = t
	sessions := m.allLocked()
	m.mu.Unlock()

	for _, s := range sessions {
		s.SetTiming(t)
	}
	m.logger.Info("Session timing updated",
		zap.Duration("authority_window", t.AuthorityWindow),
		zap.Duration("stale_after", t.StaleAfter),
		zap.Int("sessions", len(sessions)),
	)
}

func (m *Manager) currentTiming() Timing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timing
}

func (m *Manager) allLocked() []*VaultSession {
	out := make([]*VaultSession, 0, len(m.active)+m.parked.Len())
	for _, s := range m.active {
		out = append(out, s)
	}
	out = append(out, m.parked.Values()...)
	return out
}

// Len returns the number of active and parked sessions.
func (m *Manager) Len() (active, parked int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active), m.parked.Len()
}

// Shutdown closes every session. In-flight mutations get until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := m.allLocked()
	m.active = make(map[string]*VaultSession)
	m.taking = nil
	m.parked.Purge()
	m.evicted = nil
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *VaultSession) {
			defer wg.Done()
			_ = s.Close(ctx)
		}(s)
	}
	wg.Wait()
	m.logger.Info("Session manager stopped", zap.Int("sessions", len(sessions)))
	return nil
}
