package aggregates

import (
	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
)

// ImageEntry is the prior value of one record. Prior is nil when the record
// did not exist; Index is its prior position in the collection.
type ImageEntry struct {
	Key   Key
	Prior entities.Record
	Index int
}

// RecordImage holds what is needed to undo a set of local changes.
// The zero value is an empty image.
type RecordImage struct {
	entries map[Key]ImageEntry
}

func (img *RecordImage) set(e ImageEntry) {
	if img.entries == nil {
		img.entries = make(map[Key]ImageEntry)
	}
	img.entries[e.Key] = e
}

// Empty reports whether the image holds no entries.
func (img RecordImage) Empty() bool {
	return len(img.entries) == 0
}

// Len returns the number of records in the image.
func (img RecordImage) Len() int {
	return len(img.entries)
}

// Entry returns the prior value stored for k.
func (img RecordImage) Entry(k Key) (ImageEntry, bool) {
	e, ok := img.entries[k]
	return e, ok
}

// Keys returns the keys covered by the image.
func (img RecordImage) Keys() []Key {
	keys := make([]Key, 0, len(img.entries))
	for k := range img.entries {
		keys = append(keys, k)
	}
	return keys
}

// Combine merges a later image into img. Entries already in img win, so the
// result always describes the state before the earliest change.
func (img RecordImage) Combine(later RecordImage) RecordImage {
	out := RecordImage{entries: make(map[Key]ImageEntry, len(img.entries)+len(later.entries))}
	for k, e := range later.entries {
		out.entries[k] = e
	}
	for k, e := range img.entries {
		out.entries[k] = e
	}
	return out
}

// Confirm replaces the prior value for the record's key with a confirmed
// version. Keys not covered by the image are left alone.
func (img RecordImage) Confirm(r entities.Record) RecordImage {
	k := KeyOf(r)
	e, ok := img.entries[k]
	if !ok {
		return img
	}
	out := img.clone()
	if e.Prior != nil {
		r = entities.Merge(e.Prior, r)
	}
	e.Prior = r
	out.entries[k] = e
	return out
}

// Rewrite renames a provisional id to its durable id throughout the image,
// in keys, in prior values and in their references.
func (img RecordImage) Rewrite(from, to valueobjects.RecordID) RecordImage {
	out := RecordImage{entries: make(map[Key]ImageEntry, len(img.entries))}
	for k, e := range img.entries {
		if k.ID == from {
			k.ID = to
			e.Key = k
			if e.Prior != nil {
				e.Prior = e.Prior.WithID(to)
			}
		}
		if e.Prior != nil {
			e.Prior = e.Prior.RewriteReference(from, to)
		}
		out.entries[k] = e
	}
	return out
}

func (img RecordImage) clone() RecordImage {
	out := RecordImage{entries: make(map[Key]ImageEntry, len(img.entries))}
	for k, e := range img.entries {
		out.entries[k] = e
	}
	return out
}
