package valueobjects

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// provisionalPrefix only appears in String output and JSON; identity is
// carried by the variant, never by sniffing the prefix.
const provisionalPrefix = "temp_"

// RecordID identifies a record either by a locally minted token
// (provisional) or by the id the remote store assigned (durable).
// Value objects are immutable and comparable, so RecordID can key maps.
type RecordID struct {
	provisional bool
	value       string
}

// NewProvisionalID mints a fresh provisional identity.
func NewProvisionalID() RecordID {
	return RecordID{provisional: true, value: uuid.New().String()}
}

// ProvisionalID rebuilds a provisional identity from its token.
func ProvisionalID(token string) (RecordID, error) {
	if token == "" {
		return RecordID{}, errors.New("provisional token cannot be empty")
	}
	return RecordID{provisional: true, value: token}, nil
}

// DurableID wraps a server-assigned id.
func DurableID(id string) (RecordID, error) {
	if id == "" {
		return RecordID{}, errors.New("record ID cannot be empty")
	}
	return RecordID{value: id}, nil
}

// MustDurableID is DurableID for ids already validated at the boundary.
func MustDurableID(id string) RecordID {
	rid, err := DurableID(id)
	if err != nil {
		panic(err)
	}
	return rid
}

// ParseRecordID reads the external (String) form back into a RecordID.
func ParseRecordID(s string) (RecordID, error) {
	if token, ok := strings.CutPrefix(s, provisionalPrefix); ok {
		return ProvisionalID(token)
	}
	return DurableID(s)
}

// IsProvisional reports whether the record is still awaiting a durable id.
func (id RecordID) IsProvisional() bool {
	return id.provisional
}

// IsDurable reports whether the id was assigned by the remote store.
func (id RecordID) IsDurable() bool {
	return !id.provisional && id.value != ""
}

// IsZero checks if the RecordID is the zero value
func (id RecordID) IsZero() bool {
	return id.value == ""
}

// Value returns the bare token or server id.
func (id RecordID) Value() string {
	return id.value
}

// String returns the external form. Provisional ids carry a reserved prefix so
// UI code can round-trip them; durable ids are returned as-is.
func (id RecordID) String() string {
	if id.provisional {
		return provisionalPrefix + id.value
	}
	return id.value
}

// Equals checks if two RecordIDs are equal
func (id RecordID) Equals(other RecordID) bool {
	return id == other
}

// MarshalJSON implements json.Marshaler
func (id RecordID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (id *RecordID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("RecordID must be a string")
	}
	parsed, err := ParseRecordID(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
