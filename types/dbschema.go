package types

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Actor is a db row for a federated identity, local or remote. The row is
// keyed by the actor URL. Local actors additionally carry a unique email
// and a wrapped private key; remote actors are lazily cached copies.
type Actor struct {
	ID          string         `json:"id" gorm:"primaryKey;type:text"`
	Type        string         `json:"type" gorm:"type:text"`
	Properties  datatypes.JSON `json:"properties" gorm:"type:jsonb"`
	PublicKey   string         `json:"publickey" gorm:"type:text"`
	AlsoKnownAs pq.StringArray `json:"aliases" gorm:"type:text[]"`

	// Local-only columns. PrivateKey holds the wrapped (encrypted at
	// rest) key material, never plaintext PEM.
	Email      *string `json:"-" gorm:"type:text;uniqueIndex"`
	PrivateKey string  `json:"-" gorm:"type:text"`
	KeySalt    string  `json:"-" gorm:"type:text"`

	CreatedAt time.Time `json:"cdate" gorm:"autoCreateTime"`
}

func (Actor) TableName() string { return "actors" }

// IsLocal reports whether the row describes an actor minted on this
// instance (only local actors hold key material).
func (a Actor) IsLocal() bool { return a.PrivateKey != "" }

// Object is a db row for a content item, either locally authored or a
// cached copy of a remote object. At most one row exists per
// (original actor, original object) pair.
type Object struct {
	ID         string         `json:"id" gorm:"primaryKey;type:text"`
	Type       string         `json:"type" gorm:"type:text"`
	Properties datatypes.JSON `json:"properties" gorm:"type:jsonb"`
	Local      bool           `json:"local" gorm:"type:bool"`

	// PublicID is the short opaque identifier used in client-facing URLs.
	PublicID string `json:"publicID" gorm:"type:text;uniqueIndex"`

	OriginalActorID  string `json:"originalActorID" gorm:"type:text;uniqueIndex:uniq_object_origin"`
	OriginalObjectID string `json:"originalObjectID" gorm:"type:text;uniqueIndex:uniq_object_origin"`

	CreatedAt time.Time `json:"cdate" gorm:"autoCreateTime"`
}

func (Object) TableName() string { return "objects" }

// OutboxEntry associates an actor with an object it published. Ordered by
// the publication timestamp, not insertion time, so reblogs may inherit
// the original object's chronology.
type OutboxEntry struct {
	ActorID     string    `json:"actorID" gorm:"type:text;uniqueIndex:uniq_outbox"`
	ObjectID    string    `json:"objectID" gorm:"type:text;uniqueIndex:uniq_outbox"`
	PublishedAt time.Time `json:"published"`
}

func (OutboxEntry) TableName() string { return "outbox_objects" }

// InboxEntry associates a local actor with an object addressed to it.
type InboxEntry struct {
	ActorID     string    `json:"actorID" gorm:"type:text;uniqueIndex:uniq_inbox"`
	ObjectID    string    `json:"objectID" gorm:"type:text;uniqueIndex:uniq_inbox"`
	PublishedAt time.Time `json:"published"`
}

func (InboxEntry) TableName() string { return "inbox_objects" }

// Follow is a db row for a follow edge: ActorID follows TargetActorID.
type Follow struct {
	ActorID       string    `json:"actorID" gorm:"type:text;uniqueIndex:uniq_follow"`
	TargetActorID string    `json:"targetActorID" gorm:"type:text;uniqueIndex:uniq_follow"`
	State         string    `json:"state" gorm:"type:text"`
	TargetHandle  string    `json:"targetHandle" gorm:"type:text"`
	CreatedAt     time.Time `json:"cdate" gorm:"autoCreateTime"`
}

func (Follow) TableName() string { return "actor_following" }

// Like is an append-only engagement row.
type Like struct {
	ActorID   string    `json:"actorID" gorm:"type:text;uniqueIndex:uniq_like"`
	ObjectID  string    `json:"objectID" gorm:"type:text;uniqueIndex:uniq_like"`
	CreatedAt time.Time `json:"cdate" gorm:"autoCreateTime"`
}

func (Like) TableName() string { return "actor_likes" }

// Reblog is an append-only engagement row.
type Reblog struct {
	ActorID   string    `json:"actorID" gorm:"type:text;uniqueIndex:uniq_reblog"`
	ObjectID  string    `json:"objectID" gorm:"type:text;uniqueIndex:uniq_reblog"`
	CreatedAt time.Time `json:"cdate" gorm:"autoCreateTime"`
}

func (Reblog) TableName() string { return "actor_reblogs" }

// Reply is an append-only engagement row linking a reply object to the
// object it answers.
type Reply struct {
	ActorID         string    `json:"actorID" gorm:"type:text"`
	ObjectID        string    `json:"objectID" gorm:"type:text;uniqueIndex"`
	InReplyObjectID string    `json:"inReplyObjectID" gorm:"type:text"`
	CreatedAt       time.Time `json:"cdate" gorm:"autoCreateTime"`
}

func (Reply) TableName() string { return "actor_replies" }

// Notification is a read-side row produced while handling activities.
type Notification struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Type        string    `json:"type" gorm:"type:text"`
	ActorID     string    `json:"actorID" gorm:"type:text;index"`
	FromActorID string    `json:"fromActorID" gorm:"type:text"`
	ObjectID    *string   `json:"objectID" gorm:"type:text"`
	CreatedAt   time.Time `json:"cdate" gorm:"autoCreateTime"`
}

func (Notification) TableName() string { return "actor_notifications" }

// TimelineEntry is the projected home-timeline row rebuilt from inbox
// entries by the timeline projector.
type TimelineEntry struct {
	ActorID     string    `json:"actorID" gorm:"type:text;uniqueIndex:uniq_timeline"`
	ObjectID    string    `json:"objectID" gorm:"type:text;uniqueIndex:uniq_timeline"`
	PublishedAt time.Time `json:"published"`
}

func (TimelineEntry) TableName() string { return "actor_timelines" }
