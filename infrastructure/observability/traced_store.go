// Package observability decorates the remote ports with spans.
package observability

import (
	"context"

	"papervault/application/ports"
	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
	pkgobs "papervault/pkg/observability"

	"go.opentelemetry.io/otel/attribute"
)

// TracedStore opens one span per remote store call.
type TracedStore struct {
	next   ports.RemoteStore
	tracer *pkgobs.Tracer
}

// Connected forwards to the wrapped store when it reports health.
func (s *TracedStore) Connected() bool {
	if h, ok := s.next.(ports.HealthReporter); ok {
		return h.Connected()
	}
	return true
}

func (s *TracedStore) Create(ctx context.Context, record entities.Record) (entities.Record, error) {
	ctx, span := s.tracer.Start(ctx, "store.create",
		attribute.String("collection", string(record.Kind())),
		attribute.String("vault_id", record.Vault()),
	)
	defer span.End()
	out, err := s.next.Create(ctx, record)
	pkgobs.RecordError(span, err)
	return out, err
}

func (s *TracedStore) Update(ctx context.Context, record entities.Record, columns ...string) (entities.Record, error) {
	ctx, span := s.tracer.Start(ctx, "store.update",
		attribute.String("collection", string(record.Kind())),
		attribute.String("record_id", record.RecordID().String()),
		attribute.StringSlice("columns", columns),
	)
	defer span.End()
	out, err := s.next.Update(ctx, record, columns...)
	pkgobs.RecordError(span, err)
	return out, err
}

func (s *TracedStore) Delete(ctx context.Context, collection entities.Collection, id valueobjects.RecordID) error {
	ctx, span := s.tracer.Start(ctx, "store.delete",
		attribute.String("collection", string(collection)),
		attribute.String("record_id", id.String()),
	)
	defer span.End()
	err := s.next.Delete(ctx, collection, id)
	pkgobs.RecordError(span, err)
	return err
}

func (s *TracedStore) Query(ctx context.Context, collection entities.Collection, filter ports.Filter) ([]entities.Record, error) {
	ctx, span := s.tracer.Start(ctx, "store.query",
		attribute.String("collection", string(collection)),
		attribute.String("filter", filter.Column),
		attribute.Int("values", len(filter.Values)),
	)
	defer span.End()
	out, err := s.next.Query(ctx, collection, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("rows", len(out)))
	}
	pkgobs.RecordError(span, err)
	return out, err
}

// Backend traces connect and every connection's store.
type Backend struct {
	next   ports.Backend
	tracer *pkgobs.Tracer
}

// NewBackend wraps next.
func NewBackend(next ports.Backend, tracer *pkgobs.Tracer) *Backend {
	return &Backend{next: next, tracer: tracer}
}

func (b *Backend) Connect(ctx context.Context, creds ports.Credentials) (ports.Connection, error) {
	ctx, span := b.tracer.Start(ctx, "backend.connect", attribute.String("user_id", creds.UserID))
	defer span.End()
	conn, err := b.next.Connect(ctx, creds)
	if err != nil {
		pkgobs.RecordError(span, err)
		return ports.Connection{}, err
	}
	conn.Store = &TracedStore{next: conn.Store, tracer: b.tracer}
	return conn, nil
}
