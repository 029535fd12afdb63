package models

import (
	"time"

	"github.com/google/uuid"
)

// ActorType identifies what kind of entity applied a tag
type ActorType string

const (
	ActorTypeFilter ActorType = "FILTER"
	ActorTypeUser   ActorType = "USER"
	ActorTypeForm   ActorType = "FORM"
)

// NullTagName is the search sentinel for "response carries no tags"
const NullTagName = "null"

// Tag is a label on a response. Names are unique per response ignoring case.
type Tag struct {
	ID         int64     `json:"id"`
	ResponseID int64     `json:"response_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// TagActor identifies who applied a tag
type TagActor struct {
	ID         int64     `json:"id"`
	EntityType ActorType `json:"actor_entity_type"`
	EntityID   int64     `json:"actor_entity_id"`
}

// TagProvenance links one tag to the actor and run that created it
type TagProvenance struct {
	ID         int64     `json:"id"`
	TagID      int64     `json:"tag_id"`
	TagActorID int64     `json:"tag_actor_id"`
	ActionUUID uuid.UUID `json:"action_uuid"`
	Created    time.Time `json:"created"`
}

// ProvenanceSummary aggregates one bulk-tag run for audit listings
type ProvenanceSummary struct {
	ActionUUID uuid.UUID `json:"action_uuid"`
	TagCount   int       `json:"tag_count"`
	Created    time.Time `json:"created"`
}
