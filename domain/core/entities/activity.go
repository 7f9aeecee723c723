package entities

import "time"

// ActionKind names what happened in a vault, as shown in "last activity".
type ActionKind string

const (
	ActionPaperAdded      ActionKind = "paper_added"
	ActionPaperUpdated    ActionKind = "paper_updated"
	ActionPaperDeleted    ActionKind = "paper_deleted"
	ActionTagCreated      ActionKind = "tag_created"
	ActionTagUpdated      ActionKind = "tag_updated"
	ActionTagDeleted      ActionKind = "tag_deleted"
	ActionTagsApplied     ActionKind = "tags_applied"
	ActionRelationAdded   ActionKind = "relation_added"
	ActionRelationRemoved ActionKind = "relation_removed"
	ActionShareAdded      ActionKind = "share_added"
	ActionShareUpdated    ActionKind = "share_updated"
	ActionShareRemoved    ActionKind = "share_removed"
)

// ActionFor maps a change on a collection to the action it represents.
// created/updated/deleted are the realtime event names.
func ActionFor(collection Collection, change string) ActionKind {
	switch collection {
	case CollectionPapers:
		switch change {
		case "created":
			return ActionPaperAdded
		case "deleted":
			return ActionPaperDeleted
		}
		return ActionPaperUpdated
	case CollectionTags:
		switch change {
		case "created":
			return ActionTagCreated
		case "deleted":
			return ActionTagDeleted
		}
		return ActionTagUpdated
	case CollectionPaperTags:
		return ActionTagsApplied
	case CollectionRelations:
		if change == "deleted" {
			return ActionRelationRemoved
		}
		return ActionRelationAdded
	case CollectionShares:
		switch change {
		case "created":
			return ActionShareAdded
		case "deleted":
			return ActionShareRemoved
		}
		return ActionShareUpdated
	}
	return ActionPaperUpdated
}

// ActivityFact is the single "who did what, when" value shown for a vault.
type ActivityFact struct {
	Timestamp        time.Time  `json:"timestamp"`
	ActorID          string     `json:"actor_id"`
	ActorDisplayName *string    `json:"actor_display_name"`
	Action           ActionKind `json:"action"`
}
