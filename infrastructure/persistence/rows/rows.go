// Package rows converts between domain records and the column maps the
// hosted store and its realtime feed exchange. All boundary normalization
// happens here: ids become RecordIDs, timestamps are parsed, join rows get
// no vault column.
package rows

import (
	"encoding/json"
	"fmt"
	"time"

	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
)

// Row is one table row keyed by column name.
type Row map[string]interface{}

type paperRow struct {
	VaultID      string   `json:"vault_id"`
	Title        string   `json:"title"`
	Authors      []string `json:"authors"`
	Year         *int     `json:"year"`
	DOI          *string  `json:"doi"`
	Journal      *string  `json:"journal"`
	Abstract     *string  `json:"abstract"`
	URL          *string  `json:"url"`
	Notes        *string  `json:"notes"`
	CreatedBy    *string  `json:"created_by"`
	LastEditedBy *string  `json:"last_edited_by"`
	CreatedAt    stamp    `json:"created_at"`
	UpdatedAt    stamp    `json:"updated_at"`
}

type tagRow struct {
	VaultID      string  `json:"vault_id"`
	Name         string  `json:"name"`
	Color        *string `json:"color"`
	CreatedBy    *string `json:"created_by"`
	LastEditedBy *string `json:"last_edited_by"`
	CreatedAt    stamp   `json:"created_at"`
	UpdatedAt    stamp   `json:"updated_at"`
}

type paperTagRow struct {
	PaperID   string  `json:"paper_id"`
	TagID     string  `json:"tag_id"`
	CreatedBy *string `json:"created_by"`
	CreatedAt stamp   `json:"created_at"`
}

type relationRow struct {
	SourceID     string  `json:"source_paper_id"`
	TargetID     string  `json:"target_paper_id"`
	RelationType string  `json:"relation_type"`
	CreatedBy    *string `json:"created_by"`
	CreatedAt    stamp   `json:"created_at"`
}

type shareRow struct {
	VaultID      string  `json:"vault_id"`
	UserID       string  `json:"user_id"`
	Role         string  `json:"role"`
	CreatedBy    *string `json:"created_by"`
	LastEditedBy *string `json:"last_edited_by"`
	CreatedAt    stamp   `json:"created_at"`
	UpdatedAt    stamp   `json:"updated_at"`
}

// stamp accepts the timestamp layouts the store and the realtime feed emit.
type stamp time.Time

var stampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

func (t stamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

func (t *stamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = stamp{}
		return nil
	}
	for _, layout := range stampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = stamp(parsed.UTC())
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// ParseTime reads a timestamp in any layout the store emits.
func ParseTime(s string) (time.Time, error) {
	var t stamp
	raw, _ := json.Marshal(s)
	err := t.UnmarshalJSON(raw)
	return time.Time(t), err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func remoteID(id valueobjects.RecordID) (string, error) {
	if id.IsProvisional() {
		return "", fmt.Errorf("provisional id %s cannot be sent to the store", id)
	}
	return id.Value(), nil
}

// Encode converts a record into a row. A provisional record id is left out
// so the store assigns one; provisional references are an error.
func Encode(r entities.Record) (Row, error) {
	var v interface{}
	switch rec := r.(type) {
	case entities.Paper:
		row := paperRow{
			VaultID:      rec.VaultID,
			Title:        rec.Title,
			Authors:      rec.Authors,
			DOI:          optional(rec.DOI),
			Journal:      optional(rec.Journal),
			Abstract:     optional(rec.Abstract),
			URL:          optional(rec.URL),
			Notes:        optional(rec.Notes),
			CreatedBy:    optional(rec.CreatedBy),
			LastEditedBy: optional(rec.LastEditedBy),
			CreatedAt:    stamp(rec.CreatedAt),
			UpdatedAt:    stamp(rec.UpdatedAt),
		}
		if rec.Year != 0 {
			year := rec.Year
			row.Year = &year
		}
		v = row
	case entities.Tag:
		v = tagRow{
			VaultID:      rec.VaultID,
			Name:         rec.Name,
			Color:        optional(rec.Color),
			CreatedBy:    optional(rec.CreatedBy),
			LastEditedBy: optional(rec.LastEditedBy),
			CreatedAt:    stamp(rec.CreatedAt),
			UpdatedAt:    stamp(rec.UpdatedAt),
		}
	case entities.PaperTag:
		paperID, err := remoteID(rec.PaperID)
		if err != nil {
			return nil, err
		}
		tagID, err := remoteID(rec.TagID)
		if err != nil {
			return nil, err
		}
		v = paperTagRow{PaperID: paperID, TagID: tagID, CreatedBy: optional(rec.CreatedBy), CreatedAt: stamp(rec.CreatedAt)}
	case entities.PaperRelation:
		source, err := remoteID(rec.SourceID)
		if err != nil {
			return nil, err
		}
		target, err := remoteID(rec.TargetID)
		if err != nil {
			return nil, err
		}
		v = relationRow{SourceID: source, TargetID: target, RelationType: rec.RelationType,
			CreatedBy: optional(rec.CreatedBy), CreatedAt: stamp(rec.CreatedAt)}
	case entities.VaultShare:
		v = shareRow{
			VaultID:      rec.VaultID,
			UserID:       rec.UserID,
			Role:         string(rec.Role),
			CreatedBy:    optional(rec.CreatedBy),
			LastEditedBy: optional(rec.LastEditedBy),
			CreatedAt:    stamp(rec.CreatedAt),
			UpdatedAt:    stamp(rec.UpdatedAt),
		}
	default:
		return nil, fmt.Errorf("unsupported record type %T", r)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	if id := r.RecordID(); id.IsDurable() {
		row["id"] = id.Value()
	}
	return row, nil
}

// Decode converts a row of collection c into a record. vaultID fills the
// vault of join rows, which have no vault column.
func Decode(c entities.Collection, row Row, vaultID string) (entities.Record, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	id, err := durable(row["id"])
	if err != nil {
		return nil, err
	}

	switch c {
	case entities.CollectionPapers:
		var r paperRow
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode paper: %w", err)
		}
		p := entities.Paper{
			ID:           id,
			VaultID:      r.VaultID,
			Title:        r.Title,
			Authors:      r.Authors,
			DOI:          value(r.DOI),
			Journal:      value(r.Journal),
			Abstract:     value(r.Abstract),
			URL:          value(r.URL),
			Notes:        value(r.Notes),
			CreatedBy:    value(r.CreatedBy),
			LastEditedBy: value(r.LastEditedBy),
			CreatedAt:    time.Time(r.CreatedAt),
			UpdatedAt:    time.Time(r.UpdatedAt),
		}
		if r.Year != nil {
			p.Year = *r.Year
		}
		return p, nil
	case entities.CollectionTags:
		var r tagRow
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode tag: %w", err)
		}
		return entities.Tag{
			ID:           id,
			VaultID:      r.VaultID,
			Name:         r.Name,
			Color:        value(r.Color),
			CreatedBy:    value(r.CreatedBy),
			LastEditedBy: value(r.LastEditedBy),
			CreatedAt:    time.Time(r.CreatedAt),
			UpdatedAt:    time.Time(r.UpdatedAt),
		}, nil
	case entities.CollectionPaperTags:
		var r paperTagRow
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode paper_tag: %w", err)
		}
		paperID, err := durable(r.PaperID)
		if err != nil {
			return nil, err
		}
		tagID, err := durable(r.TagID)
		if err != nil {
			return nil, err
		}
		return entities.PaperTag{ID: id, VaultID: vaultID, PaperID: paperID, TagID: tagID,
			CreatedBy: value(r.CreatedBy), CreatedAt: time.Time(r.CreatedAt)}, nil
	case entities.CollectionRelations:
		var r relationRow
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode relation: %w", err)
		}
		source, err := durable(r.SourceID)
		if err != nil {
			return nil, err
		}
		target, err := durable(r.TargetID)
		if err != nil {
			return nil, err
		}
		return entities.PaperRelation{ID: id, VaultID: vaultID, SourceID: source, TargetID: target,
			RelationType: r.RelationType, CreatedBy: value(r.CreatedBy), CreatedAt: time.Time(r.CreatedAt)}, nil
	case entities.CollectionShares:
		var r shareRow
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode share: %w", err)
		}
		return entities.VaultShare{
			ID:           id,
			VaultID:      r.VaultID,
			UserID:       r.UserID,
			Role:         entities.ShareRole(r.Role),
			CreatedBy:    value(r.CreatedBy),
			LastEditedBy: value(r.LastEditedBy),
			CreatedAt:    time.Time(r.CreatedAt),
			UpdatedAt:    time.Time(r.UpdatedAt),
		}, nil
	}
	return nil, fmt.Errorf("unknown collection %q", c)
}

// durable reads an id column. Stores may hand out numeric ids.
func durable(v interface{}) (valueobjects.RecordID, error) {
	switch id := v.(type) {
	case string:
		return valueobjects.DurableID(id)
	case float64:
		return valueobjects.DurableID(fmt.Sprintf("%.0f", id))
	case json.Number:
		return valueobjects.DurableID(id.String())
	case nil:
		return valueobjects.RecordID{}, fmt.Errorf("row has no id")
	}
	return valueobjects.RecordID{}, fmt.Errorf("unsupported id type %T", v)
}

// Project keeps only the named columns of row. No columns means all.
func Project(row Row, columns []string) Row {
	if len(columns) == 0 {
		out := make(Row, len(row))
		for k, v := range row {
			if k != "id" && k != "created_at" && k != "created_by" {
				out[k] = v
			}
		}
		return out
	}
	out := make(Row, len(columns))
	for _, c := range columns {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}

// VaultColumn is the column relevant for filtering rows of c by vault, or
// "" when rows of c carry no vault.
func VaultColumn(c entities.Collection) string {
	if c.HasVaultColumn() {
		return "vault_id"
	}
	return ""
}

// Text renders a column value for filter comparison.
func Text(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return fmt.Sprintf("%v", x)
	}
	return fmt.Sprint(v)
}
