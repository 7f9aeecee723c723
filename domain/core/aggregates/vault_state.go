package aggregates

import (
	"reflect"
	"sort"

	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
)

// Key identifies one record within a vault.
type Key struct {
	Collection entities.Collection
	ID         valueobjects.RecordID
}

// KeyOf returns the key of r.
func KeyOf(r entities.Record) Key {
	return Key{Collection: r.Kind(), ID: r.RecordID()}
}

// VaultState is the in-memory copy of every collection of one vault.
// It is immutable: every change returns a new VaultState that shares the
// untouched collections with its parent, so a published state can be read
// without locks and kept as a snapshot for free.
type VaultState struct {
	vaultID string
	lists   map[entities.Collection][]entities.Record
	version uint64
}

// NewVaultState creates an empty state for a vault.
func NewVaultState(vaultID string) *VaultState {
	return &VaultState{
		vaultID: vaultID,
		lists:   make(map[entities.Collection][]entities.Record, len(entities.Collections)),
	}
}

// VaultID returns the vault this state belongs to.
func (s *VaultState) VaultID() string {
	return s.vaultID
}

// Version increases by one for every derived state.
func (s *VaultState) Version() uint64 {
	return s.version
}

// Records returns a copy of the ordered records of a collection.
func (s *VaultState) Records(c entities.Collection) []entities.Record {
	list := s.lists[c]
	out := make([]entities.Record, len(list))
	copy(out, list)
	return out
}

// Len returns the number of records in a collection.
func (s *VaultState) Len(c entities.Collection) int {
	return len(s.lists[c])
}

// Get returns the record with the given key.
func (s *VaultState) Get(k Key) (entities.Record, bool) {
	list := s.lists[k.Collection]
	if i := indexOf(list, k.ID); i >= 0 {
		return list[i], true
	}
	return nil, false
}

// Has reports whether a record with the given key exists.
func (s *VaultState) Has(k Key) bool {
	return indexOf(s.lists[k.Collection], k.ID) >= 0
}

// Where returns the records of a collection matching pred, in order.
func (s *VaultState) Where(c entities.Collection, pred func(entities.Record) bool) []entities.Record {
	var out []entities.Record
	for _, r := range s.lists[c] {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// Dependents returns every record in any collection that references k.
func (s *VaultState) Dependents(k Key) []entities.Record {
	var out []entities.Record
	for _, c := range entities.Collections {
		for _, r := range s.lists[c] {
			if entities.DependsOn(r, k.Collection, k.ID) {
				out = append(out, r)
			}
		}
	}
	return out
}

// Newest returns the record with the latest modification time.
func (s *VaultState) Newest() (entities.Record, bool) {
	var newest entities.Record
	for _, c := range entities.Collections {
		for _, r := range s.lists[c] {
			if newest == nil || r.Modified().After(newest.Modified()) {
				newest = r
			}
		}
	}
	return newest, newest != nil
}

// WithCollection returns a state whose collection c holds exactly records.
// Used for the initial load.
func (s *VaultState) WithCollection(c entities.Collection, records []entities.Record) *VaultState {
	next := s.derive()
	list := make([]entities.Record, 0, len(records))
	seen := make(map[valueobjects.RecordID]struct{}, len(records))
	for _, r := range records {
		if _, dup := seen[r.RecordID()]; dup {
			continue
		}
		seen[r.RecordID()] = struct{}{}
		list = append(list, r)
	}
	next.lists[c] = list
	return next
}

// Put replaces the record with the same key in place, or appends it.
func (s *VaultState) Put(r entities.Record) *VaultState {
	next := s.derive()
	list := next.cloneList(r.Kind())
	if i := indexOf(list, r.RecordID()); i >= 0 {
		list[i] = r
	} else {
		list = append(list, r)
	}
	next.lists[r.Kind()] = list
	return next
}

// Remove deletes the record with key k. Removing an absent record returns s.
func (s *VaultState) Remove(k Key) *VaultState {
	if !s.Has(k) {
		return s
	}
	next := s.derive()
	next.lists[k.Collection] = without(s.lists[k.Collection], k.ID)
	return next
}

// RemoveCascade deletes k and, transitively, every record that references it.
func (s *VaultState) RemoveCascade(k Key) *VaultState {
	if !s.Has(k) {
		return s
	}
	next := s.Remove(k)
	for _, dep := range next.Dependents(k) {
		next = next.RemoveCascade(KeyOf(dep))
	}
	return next
}

// ReplaceProvisional swaps the provisional record `from` for the durable
// record, keeping its position and local-only fields, drops any copy of the
// durable record that arrived earlier (e.g. a realtime echo), and rewrites
// every reference to `from` in all collections. If `from` is no longer
// present, s is returned unchanged.
func (s *VaultState) ReplaceProvisional(from valueobjects.RecordID, durable entities.Record) *VaultState {
	c := durable.Kind()
	if indexOf(s.lists[c], from) < 0 {
		return s
	}
	to := durable.RecordID()

	next := s.derive()
	list := next.cloneList(c)
	if j := indexOf(list, to); j >= 0 {
		list = append(list[:j], list[j+1:]...)
	}
	i := indexOf(list, from)
	list[i] = entities.Merge(list[i], durable)
	next.lists[c] = list

	for _, other := range entities.Collections {
		olist := next.lists[other]
		var rewritten []entities.Record
		for idx, r := range olist {
			if !entities.DependsOn(r, c, from) {
				continue
			}
			if rewritten == nil {
				rewritten = next.cloneList(other)
			}
			rewritten[idx] = r.RewriteReference(from, to)
		}
		if rewritten != nil {
			next.lists[other] = rewritten
		}
	}
	return next
}

// Diff returns the image of s needed to undo the change from s to next:
// the prior value and position of every record that differs.
func (s *VaultState) Diff(next *VaultState) RecordImage {
	img := RecordImage{}
	for _, c := range entities.Collections {
		before, after := s.lists[c], next.lists[c]
		if sameList(before, after) {
			continue
		}
		afterIdx := positions(after)
		beforeIdx := positions(before)
		for i, r := range before {
			j, ok := afterIdx[r.RecordID()]
			if !ok || !reflect.DeepEqual(r, after[j]) {
				img.set(ImageEntry{Key: Key{Collection: c, ID: r.RecordID()}, Prior: r, Index: i})
			}
		}
		for _, r := range after {
			if _, ok := beforeIdx[r.RecordID()]; !ok {
				img.set(ImageEntry{Key: Key{Collection: c, ID: r.RecordID()}, Index: -1})
			}
		}
	}
	return img
}

// Restore applies an image: records the change added are removed, changed
// records get their prior value back, removed records are re-inserted at
// their prior positions.
func (s *VaultState) Restore(img RecordImage) *VaultState {
	if img.Empty() {
		return s
	}
	next := s.derive()
	byCollection := make(map[entities.Collection][]ImageEntry)
	for _, e := range img.entries {
		byCollection[e.Key.Collection] = append(byCollection[e.Key.Collection], e)
	}
	for c, entries := range byCollection {
		list := next.cloneList(c)
		for _, e := range entries {
			if e.Prior == nil {
				list = without(list, e.Key.ID)
			}
		}
		var inserts []ImageEntry
		for _, e := range entries {
			if e.Prior == nil {
				continue
			}
			if i := indexOf(list, e.Key.ID); i >= 0 {
				list[i] = e.Prior
			} else {
				inserts = append(inserts, e)
			}
		}
		sort.Slice(inserts, func(a, b int) bool { return inserts[a].Index < inserts[b].Index })
		for _, e := range inserts {
			at := e.Index
			if at < 0 || at > len(list) {
				at = len(list)
			}
			list = append(list, nil)
			copy(list[at+1:], list[at:])
			list[at] = e.Prior
		}
		next.lists[c] = list
	}
	return next
}

// PruneDangling drops every record that references a record no longer
// present, transitively. A Restore can bring back a dependent whose parent
// was removed by a concurrent change. If nothing dangles, s is returned.
func (s *VaultState) PruneDangling() *VaultState {
	next := s
	for {
		var dangling []Key
		for _, c := range entities.Collections {
			for _, r := range next.lists[c] {
				for _, ref := range r.References() {
					if !next.Has(Key{Collection: ref.Collection, ID: ref.ID}) {
						dangling = append(dangling, KeyOf(r))
						break
					}
				}
			}
		}
		if len(dangling) == 0 {
			return next
		}
		for _, k := range dangling {
			next = next.Remove(k)
		}
	}
}

// Equal reports whether two states hold the same records in the same order.
func (s *VaultState) Equal(other *VaultState) bool {
	if s.vaultID != other.vaultID {
		return false
	}
	for _, c := range entities.Collections {
		if !reflect.DeepEqual(nonNil(s.lists[c]), nonNil(other.lists[c])) {
			return false
		}
	}
	return true
}

func (s *VaultState) derive() *VaultState {
	lists := make(map[entities.Collection][]entities.Record, len(s.lists))
	for c, l := range s.lists {
		lists[c] = l
	}
	return &VaultState{vaultID: s.vaultID, lists: lists, version: s.version + 1}
}

func (s *VaultState) cloneList(c entities.Collection) []entities.Record {
	src := s.lists[c]
	out := make([]entities.Record, len(src), len(src)+1)
	copy(out, src)
	return out
}

func indexOf(list []entities.Record, id valueobjects.RecordID) int {
	for i, r := range list {
		if r.RecordID() == id {
			return i
		}
	}
	return -1
}

func without(list []entities.Record, id valueobjects.RecordID) []entities.Record {
	out := make([]entities.Record, 0, len(list))
	for _, r := range list {
		if r.RecordID() != id {
			out = append(out, r)
		}
	}
	return out
}

func positions(list []entities.Record) map[valueobjects.RecordID]int {
	m := make(map[valueobjects.RecordID]int, len(list))
	for i, r := range list {
		m[r.RecordID()] = i
	}
	return m
}

func sameList(a, b []entities.Record) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}

func nonNil(list []entities.Record) []entities.Record {
	if list == nil {
		return []entities.Record{}
	}
	return list
}
