package supabase

import (
	"encoding/json"
	"fmt"

	"papervault/domain/core/entities"
	"papervault/domain/core/valueobjects"
	"papervault/domain/events"
	"papervault/infrastructure/persistence/rows"
)

type changePayload struct {
	Data struct {
		Type            string   `json:"type"`
		Table           string   `json:"table"`
		Record          rows.Row `json:"record"`
		OldRecord       rows.Row `json:"old_record"`
		CommitTimestamp string   `json:"commit_timestamp"`
	} `json:"data"`
}

// decodeChange normalizes a postgres_changes payload. Old rows of deletes
// often carry only the primary key; when the rest cannot be decoded the
// change keeps just the id.
func decodeChange(c entities.Collection, raw json.RawMessage) (events.RemoteChange, error) {
	var p changePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return events.RemoteChange{}, err
	}
	d := p.Data
	if d.Table != "" && d.Table != string(c) {
		return events.RemoteChange{}, fmt.Errorf("payload for table %q on %s channel", d.Table, c)
	}

	change := events.RemoteChange{Collection: c}
	if d.CommitTimestamp != "" {
		if ts, err := rows.ParseTime(d.CommitTimestamp); err == nil {
			change.CommitTime = ts
		}
	}

	switch d.Type {
	case "INSERT", "UPDATE":
		if d.Type == "INSERT" {
			change.Type = events.ChangeCreated
		} else {
			change.Type = events.ChangeUpdated
		}
		rec, err := rows.Decode(c, d.Record, "")
		if err != nil {
			return events.RemoteChange{}, err
		}
		change.Record = rec
		change.ID = rec.RecordID()
		if len(d.OldRecord) > 0 {
			if old, err := rows.Decode(c, d.OldRecord, ""); err == nil {
				change.OldRecord = old
			}
		}
	case "DELETE":
		change.Type = events.ChangeDeleted
		id, err := valueobjects.DurableID(rows.Text(d.OldRecord["id"]))
		if err != nil {
			return events.RemoteChange{}, fmt.Errorf("delete without id: %w", err)
		}
		change.ID = id
		if old, err := rows.Decode(c, d.OldRecord, ""); err == nil {
			change.OldRecord = old
		}
	default:
		return events.RemoteChange{}, fmt.Errorf("unknown change type %q", d.Type)
	}
	return change, nil
}
