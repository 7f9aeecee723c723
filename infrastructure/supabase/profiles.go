package supabase

import (
	"context"
	"encoding/json"
	"fmt"

	"papervault/application/ports"

	"github.com/supabase-community/supabase-go"
)

// Profiles resolves display names from the profiles table.
type Profiles struct {
	client *supabase.Client
}

var _ ports.ProfileDirectory = (*Profiles)(nil)

// NewProfiles creates a directory over client.
func NewProfiles(client *supabase.Client) *Profiles {
	return &Profiles{client: client}
}

type profileRow struct {
	DisplayName *string `json:"display_name"`
}

// DisplayName implements ports.ProfileDirectory. A missing profile and an
// empty name both yield nil.
func (p *Profiles) DisplayName(ctx context.Context, userID string) (*string, error) {
	body, err := call(ctx, func() ([]byte, error) {
		b, _, err := p.client.From("profiles").
			Select("display_name", "", false).
			Eq("id", userID).
			Limit(1, "").
			Execute()
		return b, err
	})
	if err != nil {
		return nil, err
	}
	var found []profileRow
	if err := json.Unmarshal(body, &found); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if len(found) == 0 || found[0].DisplayName == nil || *found[0].DisplayName == "" {
		return nil, nil
	}
	return found[0].DisplayName, nil
}
