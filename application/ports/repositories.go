package ports

import (
	"context"

	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
	"papervault/domain/events"
)

// Filter restricts a query or subscription to rows whose Column matches one
// of Values. A single value means equality, several mean membership.
type Filter struct {
	Column string
	Values []string
}

// Eq builds an equality filter.
func Eq(column, value string) Filter {
	return Filter{Column: column, Values: []string{value}}
}

// In builds a membership filter.
func In(column string, values []string) Filter {
	return Filter{Column: column, Values: values}
}

// RemoteStore is the hosted store the vault collections live in.
// This is a port in hexagonal architecture - the reconciliation layer does
// not know which backend implements it.
type RemoteStore interface {
	// Create inserts a record and returns it with its durable identity.
	Create(ctx context.Context, record entities.Record) (entities.Record, error)

	// Update writes the named columns of a durable record (all mutable
	// columns when none are named) and returns the stored version.
	Update(ctx context.Context, record entities.Record, columns ...string) (entities.Record, error)

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, collection entities.Collection, id valueobjects.RecordID) error

	// Query returns every record of a collection matching the filter.
	Query(ctx context.Context, collection entities.Collection, filter Filter) ([]entities.Record, error)
}

// FeedHandler receives normalized changes and connection state from a feed.
type FeedHandler interface {
	OnChange(change events.RemoteChange)
	OnStatus(connected bool)
}

// Subscription is a live realtime subscription.
type Subscription interface {
	Unsubscribe() error
}

// RealtimeFeed delivers change events per collection.
type RealtimeFeed interface {
	// Subscribe starts delivering changes of a collection. A nil filter
	// subscribes to the whole collection.
	Subscribe(ctx context.Context, collection entities.Collection, filter *Filter, handler FeedHandler) (Subscription, error)
}

// Credentials identify the user a backend connection acts for.
type Credentials struct {
	UserID      string
	AccessToken string
}

// Connection is what a backend hands out for one user: a store, a feed and
// a profile directory, all acting with that user's permissions.
type Connection struct {
	Store    RemoteStore
	Feed     RealtimeFeed
	Profiles ProfileDirectory
}

// Backend opens connections scoped to one user's permissions.
type Backend interface {
	Connect(ctx context.Context, creds Credentials) (Connection, error)
}

// HealthReporter is implemented by stores that know whether the remote end
// is currently reachable.
type HealthReporter interface {
	Connected() bool
}

// ProfileDirectory resolves user ids to display names.
type ProfileDirectory interface {
	// DisplayName returns the user's display name, or nil when the user has
	// none.
	DisplayName(ctx context.Context, userID string) (*string, error)
}

// ActivityPublisher forwards accepted activity facts outside the process.
type ActivityPublisher interface {
	PublishActivity(ctx context.Context, vaultID string, fact entities.ActivityFact) error
}
