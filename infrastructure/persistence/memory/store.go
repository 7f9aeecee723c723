// Package memory is an in-process stand-in for the hosted store: tables of
// rows with the same constraints and cascades, a realtime feed that echoes
// every committed change, and hooks to inject failures.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"papervault/application/ports"
	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
	"papervault/domain/events"
	"papervault/infrastructure/persistence/rows"

	"github.com/google/uuid"
)

// Op names a store operation for failure injection.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpQuery  Op = "query"
)

// Hook runs before every operation. A non-nil error fails the operation
// without touching any table. Hooks may block to hold a call in flight.
type Hook func(ctx context.Context, op Op, collection entities.Collection) error

type table struct {
	rows  map[string]rows.Row
	order []string
}

// Store is a RemoteStore over in-memory tables.
type Store struct {
	mu       sync.Mutex
	tables   map[entities.Collection]*table
	failures map[failKey][]error
	hook     Hook
	now      func() time.Time
	feed     *Feed
}

type failKey struct {
	op         Op
	collection entities.Collection
}

// NewStore creates an empty store publishing committed changes to feed,
// which may be nil.
func NewStore(feed *Feed) *Store {
	s := &Store{
		tables:   make(map[entities.Collection]*table),
		failures: make(map[failKey][]error),
		now:      time.Now,
		feed:     feed,
	}
	for _, c := range entities.Collections {
		s.tables[c] = &table{rows: make(map[string]rows.Row)}
	}
	return s
}

// SetClock replaces the commit clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetHook installs a hook run before every operation.
func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// FailNext makes the next op on collection fail with err. Calls queue up.
func (s *Store) FailNext(op Op, collection entities.Collection, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := failKey{op, collection}
	s.failures[k] = append(s.failures[k], err)
}

func (s *Store) before(ctx context.Context, op Op, c entities.Collection) error {
	if !c.Valid() {
		return fmt.Errorf("(42P01) relation %q does not exist", c)
	}
	s.mu.Lock()
	hook := s.hook
	k := failKey{op, c}
	var injected error
	if q := s.failures[k]; len(q) > 0 {
		injected = q[0]
		s.failures[k] = q[1:]
	}
	s.mu.Unlock()

	if injected != nil {
		return injected
	}
	if hook != nil {
		if err := hook(ctx, op, c); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Seed inserts records directly, bypassing hooks and the feed. Records keep
// their durable ids; provisional ones get fresh ids.
func (s *Store) Seed(records ...entities.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		row, err := rows.Encode(r)
		if err != nil {
			return err
		}
		if _, ok := row["id"]; !ok {
			row["id"] = uuid.NewString()
		}
		s.insertLocked(r.Kind(), row)
	}
	return nil
}

func (s *Store) insertLocked(c entities.Collection, row rows.Row) {
	t := s.tables[c]
	id := rows.Text(row["id"])
	if _, ok := t.rows[id]; !ok {
		t.order = append(t.order, id)
	}
	t.rows[id] = row
}

// Create implements ports.RemoteStore.
func (s *Store) Create(ctx context.Context, r entities.Record) (entities.Record, error) {
	c := r.Kind()
	if err := s.before(ctx, OpCreate, c); err != nil {
		return nil, err
	}
	row, err := rows.Encode(r)
	if err != nil {
		return nil, fmt.Errorf("(22P02) %w", err)
	}

	s.mu.Lock()
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.NewString()
	}
	if err := s.checkLocked(c, row, ""); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.insertLocked(c, row)
	commit := s.now()
	vault := s.vaultOfLocked(c, row)
	s.mu.Unlock()

	stored, err := rows.Decode(c, row, vault)
	if err != nil {
		return nil, err
	}
	s.publish(events.RemoteChange{Type: events.ChangeCreated, Collection: c, ID: stored.RecordID(), Record: stored, CommitTime: commit})
	return stored, nil
}

// Update implements ports.RemoteStore.
func (s *Store) Update(ctx context.Context, r entities.Record, columns ...string) (entities.Record, error) {
	c := r.Kind()
	if err := s.before(ctx, OpUpdate, c); err != nil {
		return nil, err
	}
	if !r.RecordID().IsDurable() {
		return nil, fmt.Errorf("(22P02) update requires a durable id")
	}
	incoming, err := rows.Encode(r)
	if err != nil {
		return nil, fmt.Errorf("(22P02) %w", err)
	}

	s.mu.Lock()
	id := r.RecordID().Value()
	current, ok := s.tables[c].rows[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("(PGRST116) no %s row with id %s", c, id)
	}
	next := make(rows.Row, len(current))
	for k, v := range current {
		next[k] = v
	}
	for k, v := range rows.Project(incoming, columns) {
		next[k] = v
	}
	if err := s.checkLocked(c, next, id); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	vault := s.vaultOfLocked(c, current)
	s.tables[c].rows[id] = next
	commit := s.now()
	s.mu.Unlock()

	old, _ := rows.Decode(c, current, vault)
	stored, err := rows.Decode(c, next, vault)
	if err != nil {
		return nil, err
	}
	s.publish(events.RemoteChange{Type: events.ChangeUpdated, Collection: c, ID: stored.RecordID(), Record: stored, OldRecord: old, CommitTime: commit})
	return stored, nil
}

// Delete implements ports.RemoteStore. Dependent join rows are removed with
// the row they reference, and each removal is published.
func (s *Store) Delete(ctx context.Context, c entities.Collection, id valueobjects.RecordID) error {
	if err := s.before(ctx, OpDelete, c); err != nil {
		return err
	}
	if !id.IsDurable() {
		return fmt.Errorf("(22P02) delete requires a durable id")
	}

	s.mu.Lock()
	var removed []events.RemoteChange
	s.deleteLocked(c, id.Value(), &removed)
	commit := s.now()
	s.mu.Unlock()

	for i := range removed {
		removed[i].CommitTime = commit
		s.publish(removed[i])
	}
	return nil
}

func (s *Store) deleteLocked(c entities.Collection, id string, removed *[]events.RemoteChange) {
	t := s.tables[c]
	row, ok := t.rows[id]
	if !ok {
		return
	}
	vault := s.vaultOfLocked(c, row)
	for _, dep := range dependents(c) {
		for _, depID := range append([]string(nil), s.tables[dep.collection].order...) {
			depRow := s.tables[dep.collection].rows[depID]
			for _, col := range dep.columns {
				if rows.Text(depRow[col]) == id {
					s.deleteLocked(dep.collection, depID, removed)
					break
				}
			}
		}
	}
	delete(t.rows, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	rid, _ := valueobjects.DurableID(id)
	old, _ := rows.Decode(c, row, vault)
	*removed = append(*removed, events.RemoteChange{Type: events.ChangeDeleted, Collection: c, ID: rid, OldRecord: old})
}

// Query implements ports.RemoteStore.
func (s *Store) Query(ctx context.Context, c entities.Collection, filter ports.Filter) ([]entities.Record, error) {
	if err := s.before(ctx, OpQuery, c); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := make(map[string]bool, len(filter.Values))
	for _, v := range filter.Values {
		allowed[v] = true
	}
	t := s.tables[c]
	out := make([]entities.Record, 0)
	for _, id := range t.order {
		row := t.rows[id]
		if filter.Column != "" && !allowed[rows.Text(row[filter.Column])] {
			continue
		}
		rec, err := rows.Decode(c, row, s.vaultOfLocked(c, row))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Len returns the number of rows in a collection.
func (s *Store) Len(c entities.Collection) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[c].rows)
}

// Records returns every record of a collection in insertion order.
func (s *Store) Records(c entities.Collection) []entities.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[c]
	out := make([]entities.Record, 0, len(t.order))
	for _, id := range t.order {
		if rec, err := rows.Decode(c, t.rows[id], s.vaultOfLocked(c, t.rows[id])); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Store) publish(change events.RemoteChange) {
	if s.feed != nil {
		s.feed.publish(change)
	}
}

type dependency struct {
	collection entities.Collection
	columns    []string
}

func dependents(c entities.Collection) []dependency {
	switch c {
	case entities.CollectionPapers:
		return []dependency{
			{entities.CollectionPaperTags, []string{"paper_id"}},
			{entities.CollectionRelations, []string{"source_paper_id", "target_paper_id"}},
		}
	case entities.CollectionTags:
		return []dependency{{entities.CollectionPaperTags, []string{"tag_id"}}}
	}
	return nil
}

// vaultOfLocked resolves the vault of a row; join rows inherit it from the
// paper they reference.
func (s *Store) vaultOfLocked(c entities.Collection, row rows.Row) string {
	if c.HasVaultColumn() {
		return rows.Text(row["vault_id"])
	}
	col := "paper_id"
	if c == entities.CollectionRelations {
		col = "source_paper_id"
	}
	if paper, ok := s.tables[entities.CollectionPapers].rows[rows.Text(row[col])]; ok {
		return rows.Text(paper["vault_id"])
	}
	return ""
}

// checkLocked enforces the foreign keys and unique constraints of the
// hosted schema. self is the id of the row being updated.
func (s *Store) checkLocked(c entities.Collection, row rows.Row, self string) error {
	exists := func(target entities.Collection, col string) error {
		if _, ok := s.tables[target].rows[rows.Text(row[col])]; !ok {
			return fmt.Errorf("(23503) insert or update on table %q violates foreign key constraint on %s", c, col)
		}
		return nil
	}
	unique := func(cols ...string) error {
		for id, other := range s.tables[c].rows {
			if id == self || id == rows.Text(row["id"]) {
				continue
			}
			same := true
			for _, col := range cols {
				if rows.Text(other[col]) != rows.Text(row[col]) {
					same = false
					break
				}
			}
			if same {
				return fmt.Errorf("(23505) duplicate key value violates unique constraint on %s %v", c, cols)
			}
		}
		return nil
	}

	switch c {
	case entities.CollectionTags:
		return unique("vault_id", "name")
	case entities.CollectionShares:
		return unique("vault_id", "user_id")
	case entities.CollectionPaperTags:
		if err := exists(entities.CollectionPapers, "paper_id"); err != nil {
			return err
		}
		if err := exists(entities.CollectionTags, "tag_id"); err != nil {
			return err
		}
		return unique("paper_id", "tag_id")
	case entities.CollectionRelations:
		if err := exists(entities.CollectionPapers, "source_paper_id"); err != nil {
			return err
		}
		return exists(entities.CollectionPapers, "target_paper_id")
	}
	return nil
}
