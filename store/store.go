package store

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/cloudflare/wildebeest-sub000/keys"
	"github.com/cloudflare/wildebeest-sub000/types"
)

var tracer = otel.Tracer("store")

// Store is the relational repository for actors, objects and the join
// rows derived from handling activities.
type Store struct {
	db     *gorm.DB
	domain string
}

// NewStore returns a new Store minting local identifiers on the given
// instance domain.
func NewStore(db *gorm.DB, domain string) *Store {
	return &Store{db: db, domain: domain}
}

// ---------------------------------------------------------------- actors

// GetActorByID returns an actor row by its URL.
func (s *Store) GetActorByID(ctx context.Context, id string) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActorByID")
	defer span.End()

	var actor types.Actor
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&actor)
	return actor, result.Error
}

// GetActorByEmail returns a local actor row by its unique email.
func (s *Store) GetActorByEmail(ctx context.Context, email string) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActorByEmail")
	defer span.End()

	var actor types.Actor
	result := s.db.WithContext(ctx).Where("email = ?", email).First(&actor)
	return actor, result.Error
}

// CreateActor inserts an actor row. Concurrent inserts of the same
// remote actor are resolved by the primary key: the loser reads back the
// winner's row.
func (s *Store) CreateActor(ctx context.Context, actor types.Actor) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateActor")
	defer span.End()

	result := s.db.WithContext(ctx).Create(&actor)
	if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
		return s.GetActorByID(ctx, actor.ID)
	}
	return actor, result.Error
}

// UpdateActorProperties replaces an actor's profile document in place.
func (s *Store) UpdateActorProperties(ctx context.Context, id string, properties map[string]any) error {
	ctx, span := tracer.Start(ctx, "StoreUpdateActorProperties")
	defer span.End()

	raw, err := json.Marshal(properties)
	if err != nil {
		return errors.Wrap(err, "marshal actor properties")
	}
	return s.db.WithContext(ctx).Model(&types.Actor{}).Where("id = ?", id).
		Update("properties", datatypes.JSON(raw)).Error
}

// UpdateActorPublicKey refreshes a cached remote actor's published key.
func (s *Store) UpdateActorPublicKey(ctx context.Context, id, publicKeyPem string) error {
	ctx, span := tracer.Start(ctx, "StoreUpdateActorPublicKey")
	defer span.End()

	return s.db.WithContext(ctx).Model(&types.Actor{}).Where("id = ?", id).
		Update("public_key", publicKeyPem).Error
}

// LoadKey unwraps a local actor's private key for signing.
func (s *Store) LoadKey(ctx context.Context, actor types.Actor, secret string) (*rsa.PrivateKey, error) {
	_, span := tracer.Start(ctx, "StoreLoadKey")
	defer span.End()

	if actor.PrivateKey == "" {
		return nil, errors.New("actor has no key material")
	}
	return keys.Unwrap(actor.PrivateKey, secret, actor.KeySalt)
}

// --------------------------------------------------------------- objects

// CacheObject persists a content object at most once per
// (original actor, original object) pair. Re-caching never overwrites
// properties; the existing row is returned with created=false. A lost
// insert race reads back the winner, making repeated federation
// deliveries safe.
func (s *Store) CacheObject(ctx context.Context, objType string, properties map[string]any, originalActorID, originalObjectID string, local bool) (types.Object, bool, error) {
	ctx, span := tracer.Start(ctx, "StoreCacheObject")
	defer span.End()

	id := "https://" + s.domain + "/ap/o/" + uuid.New().String()
	if originalObjectID == "" {
		// Locally authored objects are their own original.
		originalObjectID = id
	}

	var existing types.Object
	err := s.db.WithContext(ctx).
		Where("original_actor_id = ? AND original_object_id = ?", originalActorID, originalObjectID).
		First(&existing).Error
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Object{}, false, err
	}

	raw, err := json.Marshal(properties)
	if err != nil {
		return types.Object{}, false, errors.Wrap(err, "marshal object properties")
	}

	row := types.Object{
		ID:               id,
		Type:             objType,
		Properties:       datatypes.JSON(raw),
		Local:            local,
		PublicID:         strings.ReplaceAll(uuid.New().String(), "-", ""),
		OriginalActorID:  originalActorID,
		OriginalObjectID: originalObjectID,
	}

	err = s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = s.db.WithContext(ctx).
			Where("original_actor_id = ? AND original_object_id = ?", originalActorID, originalObjectID).
			First(&existing).Error
		return existing, false, err
	}
	if err != nil {
		return types.Object{}, false, err
	}
	return row, true, nil
}

// GetObjectByID returns an object by its local identifier.
func (s *Store) GetObjectByID(ctx context.Context, id string) (types.Object, error) {
	ctx, span := tracer.Start(ctx, "StoreGetObjectByID")
	defer span.End()

	var object types.Object
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&object)
	return object, result.Error
}

// GetObjectByOriginalID returns an object by its original (foreign)
// identifier. For local objects the two identifiers coincide.
func (s *Store) GetObjectByOriginalID(ctx context.Context, originalObjectID string) (types.Object, error) {
	ctx, span := tracer.Start(ctx, "StoreGetObjectByOriginalID")
	defer span.End()

	var object types.Object
	result := s.db.WithContext(ctx).Where("original_object_id = ?", originalObjectID).First(&object)
	return object, result.Error
}

// GetObjectByPublicID returns an object by its client-facing public id.
func (s *Store) GetObjectByPublicID(ctx context.Context, publicID string) (types.Object, error) {
	ctx, span := tracer.Start(ctx, "StoreGetObjectByPublicID")
	defer span.End()

	var object types.Object
	result := s.db.WithContext(ctx).Where("public_id = ?", publicID).First(&object)
	return object, result.Error
}

// UpdateObjectProperties replaces the stored property bag, preserving
// everything else about the row (Update activities only).
func (s *Store) UpdateObjectProperties(ctx context.Context, id string, properties map[string]any) error {
	ctx, span := tracer.Start(ctx, "StoreUpdateObjectProperties")
	defer span.End()

	raw, err := json.Marshal(properties)
	if err != nil {
		return errors.Wrap(err, "marshal object properties")
	}
	return s.db.WithContext(ctx).Model(&types.Object{}).Where("id = ?", id).
		Update("properties", datatypes.JSON(raw)).Error
}

// DeleteObject removes an object row and its inbox/outbox joins.
func (s *Store) DeleteObject(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "StoreDeleteObject")
	defer span.End()

	db := s.db.WithContext(ctx)
	if err := db.Where("object_id = ?", id).Delete(&types.OutboxEntry{}).Error; err != nil {
		return err
	}
	if err := db.Where("object_id = ?", id).Delete(&types.InboxEntry{}).Error; err != nil {
		return err
	}
	return db.Where("id = ?", id).Delete(&types.Object{}).Error
}

// CountObjects reports the number of stored objects.
func (s *Store) CountObjects(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "StoreCountObjects")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).Model(&types.Object{}).Count(&count).Error
	return count, err
}

// --------------------------------------------------------- outbox/inbox

// AddObjectToOutbox associates an object with an actor's outbox. The
// published timestamp drives ordering, so reblogs may backdate. Returns
// false when the pairing already exists.
func (s *Store) AddObjectToOutbox(ctx context.Context, actorID, objectID string, published time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "StoreAddObjectToOutbox")
	defer span.End()

	entry := types.OutboxEntry{ActorID: actorID, ObjectID: objectID, PublishedAt: published}
	err := s.db.WithContext(ctx).Create(&entry).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	return err == nil, err
}

// AddObjectToInbox associates an object with a local actor's inbox.
func (s *Store) AddObjectToInbox(ctx context.Context, actorID, objectID string, published time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "StoreAddObjectToInbox")
	defer span.End()

	entry := types.InboxEntry{ActorID: actorID, ObjectID: objectID, PublishedAt: published}
	err := s.db.WithContext(ctx).Create(&entry).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	return err == nil, err
}

// GetOutbox returns the objects in an actor's outbox, newest first by
// publication time.
func (s *Store) GetOutbox(ctx context.Context, actorID string) ([]types.Object, error) {
	ctx, span := tracer.Start(ctx, "StoreGetOutbox")
	defer span.End()

	var objects []types.Object
	err := s.db.WithContext(ctx).
		Joins("JOIN outbox_objects ON outbox_objects.object_id = objects.id").
		Where("outbox_objects.actor_id = ?", actorID).
		Order("outbox_objects.published_at DESC").
		Find(&objects).Error
	return objects, err
}

// GetInboxEntries returns an actor's inbox join rows, newest first.
func (s *Store) GetInboxEntries(ctx context.Context, actorID string) ([]types.InboxEntry, error) {
	ctx, span := tracer.Start(ctx, "StoreGetInboxEntries")
	defer span.End()

	var entries []types.InboxEntry
	err := s.db.WithContext(ctx).
		Where("actor_id = ?", actorID).
		Order("published_at DESC").
		Find(&entries).Error
	return entries, err
}

// OutboxContains reports whether the (actor, object) pairing exists.
func (s *Store) OutboxContains(ctx context.Context, actorID, objectID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "StoreOutboxContains")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).Model(&types.OutboxEntry{}).
		Where("actor_id = ? AND object_id = ?", actorID, objectID).Count(&count).Error
	return count > 0, err
}

// --------------------------------------------------------------- follows

// SaveFollow creates a follow edge in the pending state. Re-applying an
// existing edge is a no-op returning the stored row.
func (s *Store) SaveFollow(ctx context.Context, follow types.Follow) (types.Follow, error) {
	ctx, span := tracer.Start(ctx, "StoreSaveFollow")
	defer span.End()

	if follow.State == "" {
		follow.State = types.FollowPending
	}
	err := s.db.WithContext(ctx).Create(&follow).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return s.GetFollow(ctx, follow.ActorID, follow.TargetActorID)
	}
	return follow, err
}

// GetFollow returns the edge where actorID follows targetActorID.
func (s *Store) GetFollow(ctx context.Context, actorID, targetActorID string) (types.Follow, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollow")
	defer span.End()

	var follow types.Follow
	result := s.db.WithContext(ctx).
		Where("actor_id = ? AND target_actor_id = ?", actorID, targetActorID).
		First(&follow)
	return follow, result.Error
}

// AcceptFollow transitions the matching edge to accepted. Idempotent:
// accepting an already-accepted edge changes nothing.
func (s *Store) AcceptFollow(ctx context.Context, actorID, targetActorID string) error {
	ctx, span := tracer.Start(ctx, "StoreAcceptFollow")
	defer span.End()

	return s.db.WithContext(ctx).Model(&types.Follow{}).
		Where("actor_id = ? AND target_actor_id = ?", actorID, targetActorID).
		Update("state", types.FollowAccepted).Error
}

// RemoveFollow deletes the matching edge (Undo Follow).
func (s *Store) RemoveFollow(ctx context.Context, actorID, targetActorID string) error {
	ctx, span := tracer.Start(ctx, "StoreRemoveFollow")
	defer span.End()

	return s.db.WithContext(ctx).
		Where("actor_id = ? AND target_actor_id = ?", actorID, targetActorID).
		Delete(&types.Follow{}).Error
}

// GetFollowerIDs returns every accepted follower of the given actor.
func (s *Store) GetFollowerIDs(ctx context.Context, targetActorID string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowerIDs")
	defer span.End()

	var ids []string
	err := s.db.WithContext(ctx).Model(&types.Follow{}).
		Where("target_actor_id = ? AND state = ?", targetActorID, types.FollowAccepted).
		Pluck("actor_id", &ids).Error
	return ids, err
}

// ----------------------------------------------------------- engagement

// CreateLike records a like. Returns false on a duplicate pairing.
func (s *Store) CreateLike(ctx context.Context, actorID, objectID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateLike")
	defer span.End()

	err := s.db.WithContext(ctx).Create(&types.Like{ActorID: actorID, ObjectID: objectID}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	return err == nil, err
}

// CreateReblog records a reblog. Returns false on a duplicate pairing.
func (s *Store) CreateReblog(ctx context.Context, actorID, objectID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateReblog")
	defer span.End()

	err := s.db.WithContext(ctx).Create(&types.Reblog{ActorID: actorID, ObjectID: objectID}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	return err == nil, err
}

// CountReblogs reports the reblog count for an (actor, object) pair.
func (s *Store) CountReblogs(ctx context.Context, actorID, objectID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "StoreCountReblogs")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).Model(&types.Reblog{}).
		Where("actor_id = ? AND object_id = ?", actorID, objectID).Count(&count).Error
	return count, err
}

// CreateReply records a reply association.
func (s *Store) CreateReply(ctx context.Context, actorID, objectID, inReplyObjectID string) error {
	ctx, span := tracer.Start(ctx, "StoreCreateReply")
	defer span.End()

	err := s.db.WithContext(ctx).Create(&types.Reply{
		ActorID:         actorID,
		ObjectID:        objectID,
		InReplyObjectID: inReplyObjectID,
	}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// -------------------------------------------------------- notifications

// CreateNotification appends a notification row for a local actor.
func (s *Store) CreateNotification(ctx context.Context, notification types.Notification) error {
	ctx, span := tracer.Start(ctx, "StoreCreateNotification")
	defer span.End()

	return s.db.WithContext(ctx).Create(&notification).Error
}

// GetNotifications returns an actor's notifications, newest first.
func (s *Store) GetNotifications(ctx context.Context, actorID string) ([]types.Notification, error) {
	ctx, span := tracer.Start(ctx, "StoreGetNotifications")
	defer span.End()

	var notifications []types.Notification
	err := s.db.WithContext(ctx).
		Where("actor_id = ?", actorID).
		Order("id DESC").
		Find(&notifications).Error
	return notifications, err
}

// -------------------------------------------------------------- timeline

// AddTimelineEntry inserts a projected timeline row, ignoring duplicates
// so projection can re-run after redelivery.
func (s *Store) AddTimelineEntry(ctx context.Context, entry types.TimelineEntry) error {
	ctx, span := tracer.Start(ctx, "StoreAddTimelineEntry")
	defer span.End()

	err := s.db.WithContext(ctx).Create(&entry).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// GetTimeline returns an actor's projected home timeline, newest first.
func (s *Store) GetTimeline(ctx context.Context, actorID string) ([]types.TimelineEntry, error) {
	ctx, span := tracer.Start(ctx, "StoreGetTimeline")
	defer span.End()

	var entries []types.TimelineEntry
	err := s.db.WithContext(ctx).
		Where("actor_id = ?", actorID).
		Order("published_at DESC").
		Find(&entries).Error
	return entries, err
}
