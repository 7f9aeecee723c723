package reconcile

import (
	"sync"
	"time"

	"papervault/domain/core/aggregates"
	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OperationID identifies one pending operation.
type OperationID string

// entry tracks every outstanding operation on one record. The image always
// describes the record set before the earliest of them, advanced only by
// confirmations of operations that already succeeded.
type entry struct {
	key           aggregates.Key
	image         aggregates.RecordImage
	ops           map[OperationID]time.Time
	authoritative OperationID
}

// Reaped describes an operation force-resolved because it never settled.
type Reaped struct {
	Key         aggregates.Key
	OperationID OperationID
	Age         time.Duration
}

// Ledger tracks in-flight optimistic operations keyed by the record they
// target. While a record has an entry, realtime events for it are ignored.
type Ledger struct {
	mu      sync.Mutex
	clock   Clock
	entries map[aggregates.Key]*entry
	byOp    map[OperationID]*entry
	metrics Recorder
	logger  *zap.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(clock Clock, logger *zap.Logger, metrics Recorder) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		clock:   clock,
		entries: make(map[aggregates.Key]*entry),
		byOp:    make(map[OperationID]*entry),
		metrics: orNop(metrics),
		logger:  logger,
	}
}

// Register records a new operation on key with the image needed to undo it.
// A record that already has outstanding operations keeps its earliest prior
// values; the new operation becomes the authoritative one.
func (l *Ledger) Register(key aggregates.Key, image aggregates.RecordImage) OperationID {
	l.mu.Lock()
	defer l.mu.Unlock()

	op := OperationID(uuid.NewString())
	e, ok := l.entries[key]
	if !ok {
		e = &entry{key: key, image: image, ops: make(map[OperationID]time.Time)}
		l.entries[key] = e
	} else {
		e.image = e.image.Combine(image)
		l.logger.Debug("Operation joins pending entry",
			zap.String("record_id", key.ID.String()),
			zap.String("superseded", string(e.authoritative)),
			zap.Int("outstanding", len(e.ops)),
		)
	}
	e.ops[op] = l.clock.Now()
	e.authoritative = op
	l.byOp[op] = e
	l.metrics.LedgerPending(1)
	return op
}

// IsPending reports whether key has an outstanding operation.
func (l *Ledger) IsPending(key aggregates.Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[key]
	return ok
}

// Authoritative returns the newest outstanding operation on key.
func (l *Ledger) Authoritative(key aggregates.Key) (OperationID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return "", false
	}
	return e.authoritative, true
}

// Resolve removes a successful operation. It reports false when the
// operation is unknown, i.e. it was orphaned by a rollback or reaped.
func (l *Ledger) Resolve(op OperationID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byOp[op]
	if !ok {
		return false
	}
	l.drop(e, op)
	return true
}

// Rollback removes the whole entry op belongs to and returns its image.
// The entry's other operations are orphaned and returned.
func (l *Ledger) Rollback(op OperationID) (aggregates.RecordImage, []OperationID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byOp[op]
	if !ok {
		return aggregates.RecordImage{}, nil, false
	}
	var orphaned []OperationID
	for other := range e.ops {
		delete(l.byOp, other)
		if other != op {
			orphaned = append(orphaned, other)
		}
	}
	l.metrics.LedgerPending(-len(e.ops))
	delete(l.entries, e.key)
	return e.image, orphaned, true
}

// Confirm records that r is the server's confirmed version. Entries still
// holding an older prior for r roll back to r instead.
func (l *Ledger) Confirm(r entities.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := aggregates.KeyOf(r)
	for _, e := range l.entries {
		if _, ok := e.image.Entry(k); ok {
			e.image = e.image.Confirm(r)
		}
	}
}

// Rekey moves everything known under a provisional id to its durable id:
// entry keys, image keys and references inside images.
func (l *Ledger) Rekey(from, to valueobjects.RecordID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var moved []*entry
	for k, e := range l.entries {
		e.image = e.image.Rewrite(from, to)
		if k.ID == from {
			delete(l.entries, k)
			e.key.ID = to
			moved = append(moved, e)
		}
	}
	for _, e := range moved {
		existing, ok := l.entries[e.key]
		if !ok {
			l.entries[e.key] = e
			continue
		}
		existing.image = e.image.Combine(existing.image)
		for op, at := range e.ops {
			existing.ops[op] = at
			l.byOp[op] = existing
		}
	}
}

// References reports whether an outstanding operation still mentions id,
// as its key or inside its image.
func (l *Ledger) References(id valueobjects.RecordID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if k.ID == id {
			return true
		}
		for _, ik := range e.image.Keys() {
			if ik.ID == id {
				return true
			}
		}
	}
	return false
}

// Reap force-resolves operations registered more than maxAge ago.
func (l *Ledger) Reap(maxAge time.Duration) []Reaped {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	var reaped []Reaped
	for _, e := range l.entries {
		for op, at := range e.ops {
			if age := now.Sub(at); age > maxAge {
				reaped = append(reaped, Reaped{Key: e.key, OperationID: op, Age: age})
			}
		}
	}
	for _, r := range reaped {
		l.drop(l.byOp[r.OperationID], r.OperationID)
		l.logger.Warn("Reaped stale pending operation",
			zap.String("record_id", r.Key.ID.String()),
			zap.String("collection", string(r.Key.Collection)),
			zap.String("operation_id", string(r.OperationID)),
			zap.Duration("age", r.Age),
		)
	}
	if len(reaped) > 0 {
		l.metrics.LedgerReaped(len(reaped))
	}
	return reaped
}

// Len returns the number of outstanding operations.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byOp)
}

func (l *Ledger) drop(e *entry, op OperationID) {
	delete(e.ops, op)
	delete(l.byOp, op)
	l.metrics.LedgerPending(-1)
	if len(e.ops) == 0 {
		delete(l.entries, e.key)
		return
	}
	if e.authoritative == op {
		var newest time.Time
		for other, at := range e.ops {
			if e.authoritative == op || at.After(newest) {
				e.authoritative, newest = other, at
			}
		}
	}
}
