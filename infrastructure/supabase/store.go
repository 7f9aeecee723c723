// Package supabase adapts a hosted Supabase project to the remote ports:
// PostgREST for rows, Realtime (Phoenix channels) for change events.
package supabase

import (
	"context"
	"encoding/json"
	"fmt"

	"papervault/application/ports"
	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
	"papervault/infrastructure/persistence/rows"

	postgrest "github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
)

// embeddedVault aliases the parent paper of a join row so the row can be
// attributed to a vault. Join tables have no vault column.
const embeddedVault = "vault"

var joinSelect = map[entities.Collection]string{
	entities.CollectionPaperTags: "*," + embeddedVault + ":papers!paper_id(vault_id)",
	entities.CollectionRelations: "*," + embeddedVault + ":papers!source_paper_id(vault_id)",
}

// Store implements ports.RemoteStore over PostgREST with one user's token.
type Store struct {
	client *supabase.Client
	logger *zap.Logger
}

var _ ports.RemoteStore = (*Store)(nil)

// NewStore wraps a client already carrying the user's access token.
func NewStore(client *supabase.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger}
}

// call runs a blocking PostgREST request and gives up when ctx ends. The
// client has no context support, so an abandoned request still completes
// in the background.
func call(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := fn()
		done <- result{body, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.body, r.err
	}
}

func decodeRows(c entities.Collection, body []byte) ([]entities.Record, error) {
	var raw []rows.Row
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", c, err)
	}
	out := make([]entities.Record, 0, len(raw))
	for _, row := range raw {
		vault := ""
		if nested, ok := row[embeddedVault].(map[string]interface{}); ok {
			vault = rows.Text(nested["vault_id"])
			delete(row, embeddedVault)
		}
		rec, err := rows.Decode(c, row, vault)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func single(c entities.Collection, body []byte, vault string) (entities.Record, error) {
	recs, err := decodeRows(c, body)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("(PGRST116) no %s row returned", c)
	}
	rec := recs[0]
	// Join rows come back without the embedded parent; keep the caller's vault.
	if rec.Vault() == "" && vault != "" {
		if out, ok := withVault(rec, vault); ok {
			rec = out
		}
	}
	return rec, nil
}

func withVault(r entities.Record, vault string) (entities.Record, bool) {
	switch rec := r.(type) {
	case entities.PaperTag:
		rec.VaultID = vault
		return rec, true
	case entities.PaperRelation:
		rec.VaultID = vault
		return rec, true
	}
	return r, false
}

// Create implements ports.RemoteStore.
func (s *Store) Create(ctx context.Context, r entities.Record) (entities.Record, error) {
	row, err := rows.Encode(r)
	if err != nil {
		return nil, fmt.Errorf("(22P02) %w", err)
	}
	c := r.Kind()
	body, err := call(ctx, func() ([]byte, error) {
		b, _, err := s.client.From(string(c)).Insert(row, false, "", "representation", "").Execute()
		return b, err
	})
	if err != nil {
		return nil, err
	}
	return single(c, body, r.Vault())
}

// Update implements ports.RemoteStore.
func (s *Store) Update(ctx context.Context, r entities.Record, columns ...string) (entities.Record, error) {
	id := r.RecordID()
	if !id.IsDurable() {
		return nil, fmt.Errorf("(22P02) update requires a durable id")
	}
	row, err := rows.Encode(r)
	if err != nil {
		return nil, fmt.Errorf("(22P02) %w", err)
	}
	c := r.Kind()
	body, err := call(ctx, func() ([]byte, error) {
		b, _, err := s.client.From(string(c)).
			Update(rows.Project(row, columns), "representation", "").
			Eq("id", id.Value()).
			Execute()
		return b, err
	})
	if err != nil {
		return nil, err
	}
	return single(c, body, r.Vault())
}

// Delete implements ports.RemoteStore.
func (s *Store) Delete(ctx context.Context, c entities.Collection, id valueobjects.RecordID) error {
	if !id.IsDurable() {
		return fmt.Errorf("(22P02) delete requires a durable id")
	}
	_, err := call(ctx, func() ([]byte, error) {
		b, _, err := s.client.From(string(c)).Delete("minimal", "").Eq("id", id.Value()).Execute()
		return b, err
	})
	return err
}

// Query implements ports.RemoteStore.
func (s *Store) Query(ctx context.Context, c entities.Collection, filter ports.Filter) ([]entities.Record, error) {
	if filter.Column != "" && len(filter.Values) == 0 {
		return []entities.Record{}, nil
	}
	sel := "*"
	if js, ok := joinSelect[c]; ok {
		sel = js
	}
	body, err := call(ctx, func() ([]byte, error) {
		q := s.client.From(string(c)).Select(sel, "", false)
		switch {
		case filter.Column == "":
		case len(filter.Values) == 1:
			q = q.Eq(filter.Column, filter.Values[0])
		default:
			q = q.In(filter.Column, filter.Values)
		}
		b, _, err := q.Order("created_at", &postgrest.OrderOpts{Ascending: true}).Execute()
		return b, err
	})
	if err != nil {
		return nil, err
	}
	recs, err := decodeRows(c, body)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Query completed",
		zap.String("collection", string(c)),
		zap.String("filter", filter.Column),
		zap.Int("rows", len(recs)),
	)
	return recs, nil
}
