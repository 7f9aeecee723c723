package events

import (
	"time"

	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
)

// DomainEvent is the base interface for all events a vault session emits.
type DomainEvent interface {
	GetAggregateID() string
	GetEventType() string
	GetTimestamp() time.Time
	GetVersion() int
}

// BaseEvent provides common event fields. AggregateID is the vault id.
type BaseEvent struct {
	AggregateID string    `json:"aggregate_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	Version     int       `json:"version"`
}

func (e BaseEvent) GetAggregateID() string  { return e.AggregateID }
func (e BaseEvent) GetEventType() string    { return e.EventType }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) GetVersion() int         { return e.Version }

func base(vaultID, eventType string, ts time.Time) BaseEvent {
	return BaseEvent{AggregateID: vaultID, EventType: eventType, Timestamp: ts, Version: 1}
}

// ChangeType is the kind of a realtime row change.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// RemoteChange is one row change pushed by the realtime feed. Record is the
// new row for created/updated; for deleted only the id (and whatever the old
// row carried) is known, so Record may be nil and OldRecord holds the rest.
type RemoteChange struct {
	Type       ChangeType
	Collection entities.Collection
	ID         valueobjects.RecordID
	Record     entities.Record
	OldRecord  entities.Record
	CommitTime time.Time
}

// Session event types.
const (
	TypeStateChanged      = "vault.state_changed"
	TypeMutationFailed    = "vault.mutation_failed"
	TypeActivityChanged   = "vault.activity_changed"
	TypeStatusChanged     = "vault.status_changed"
	TypeDuplicateDetected = "vault.duplicate_detected"
)

// StateChanged is raised whenever the published vault state changes.
type StateChanged struct {
	BaseEvent
	StateVersion uint64 `json:"state_version"`
	Cause        string `json:"cause"`
}

// NewStateChanged creates a StateChanged event.
func NewStateChanged(vaultID string, stateVersion uint64, cause string, ts time.Time) StateChanged {
	return StateChanged{BaseEvent: base(vaultID, TypeStateChanged, ts), StateVersion: stateVersion, Cause: cause}
}

// MutationFailed is raised when an optimistic mutation was rolled back.
type MutationFailed struct {
	BaseEvent
	OperationID string              `json:"operation_id"`
	Action      entities.ActionKind `json:"action"`
	Message     string              `json:"message"`
	Code        string              `json:"code,omitempty"`
}

// NewMutationFailed creates a MutationFailed event.
func NewMutationFailed(vaultID, opID string, action entities.ActionKind, message, code string, ts time.Time) MutationFailed {
	return MutationFailed{
		BaseEvent:   base(vaultID, TypeMutationFailed, ts),
		OperationID: opID,
		Action:      action,
		Message:     message,
		Code:        code,
	}
}

// ActivityChanged carries the new "last activity" fact of a vault.
type ActivityChanged struct {
	BaseEvent
	Activity entities.ActivityFact `json:"activity"`
}

// NewActivityChanged creates an ActivityChanged event.
func NewActivityChanged(vaultID string, fact entities.ActivityFact) ActivityChanged {
	return ActivityChanged{BaseEvent: base(vaultID, TypeActivityChanged, fact.Timestamp), Activity: fact}
}

// StatusChanged is raised when the session phase or connectivity changes.
type StatusChanged struct {
	BaseEvent
	Phase             string `json:"phase"`
	Connected         bool   `json:"connected"`
	RealtimeConnected bool   `json:"realtime_connected"`
	PendingOperations int    `json:"pending_operations"`
}

// NewStatusChanged creates a StatusChanged event.
func NewStatusChanged(vaultID, phase string, connected, realtime bool, pending int, ts time.Time) StatusChanged {
	return StatusChanged{
		BaseEvent:         base(vaultID, TypeStatusChanged, ts),
		Phase:             phase,
		Connected:         connected,
		RealtimeConnected: realtime,
		PendingOperations: pending,
	}
}

// DuplicateDetected reports papers in the vault sharing a DOI.
type DuplicateDetected struct {
	BaseEvent
	DOI      string   `json:"doi"`
	PaperIDs []string `json:"paper_ids"`
}

// NewDuplicateDetected creates a DuplicateDetected event.
func NewDuplicateDetected(vaultID, doi string, paperIDs []string, ts time.Time) DuplicateDetected {
	return DuplicateDetected{BaseEvent: base(vaultID, TypeDuplicateDetected, ts), DOI: doi, PaperIDs: paperIDs}
}
