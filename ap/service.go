// Package ap implements the ActivityPub surface: the inbound activity
// state machine and the HTTP handlers for actor, object, webfinger and
// inbox endpoints.
package ap

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/cloudflare/wildebeest-sub000/deliver"
	"github.com/cloudflare/wildebeest-sub000/fetch"
	"github.com/cloudflare/wildebeest-sub000/store"
	"github.com/cloudflare/wildebeest-sub000/types"
)

var tracer = otel.Tracer("ap")

// Mode selects the side effects of activity processing.
type Mode int

const (
	// ModeInbox processes an activity delivered to a local actor's inbox:
	// objects are cached and inbox entries and notifications are written.
	ModeInbox Mode = iota
	// ModeCaching only caches the carried objects, for contexts like
	// thread backfill where no local recipient is involved.
	ModeCaching
)

// actorTypes are the object types treated as actor profiles.
var actorTypes = map[string]bool{
	"Person":       true,
	"Service":      true,
	"Application":  true,
	"Group":        true,
	"Organization": true,
}

// Service interprets verified activities against the store.
type Service struct {
	store   *store.Store
	fetch   *fetch.Client
	deliver *deliver.Deliverer
	config  types.FedConfig
}

// NewService returns a new activity-handling service.
func NewService(store *store.Store, fetch *fetch.Client, deliver *deliver.Deliverer, config types.FedConfig) *Service {
	return &Service{store: store, fetch: fetch, deliver: deliver, config: config}
}

// ProcessActivity dispatches one verified activity. recipient is the
// local actor whose inbox received it, nil in caching mode. The returned
// objects are the ones newly cached while handling the activity.
//
// Unknown activity types are ignored rather than rejected: federation
// peers routinely send vocabulary this node does not interpret.
func (s *Service) ProcessActivity(ctx context.Context, recipient *types.Actor, activity *types.Activity, mode Mode) ([]types.Object, error) {
	ctx, span := tracer.Start(ctx, "ProcessActivity")
	defer span.End()

	switch activity.Kind {
	case types.ActivityCreate:
		return s.handleCreate(ctx, recipient, activity, mode)
	case types.ActivityUpdate:
		return nil, s.handleUpdate(ctx, activity)
	case types.ActivityDelete:
		return nil, s.handleDelete(ctx, activity)
	case types.ActivityFollow:
		return nil, s.handleFollow(ctx, activity)
	case types.ActivityAccept:
		return nil, s.handleAccept(ctx, activity)
	case types.ActivityAnnounce:
		return s.handleAnnounce(ctx, recipient, activity, mode)
	case types.ActivityLike:
		return nil, s.handleLike(ctx, activity)
	case types.ActivityUndo:
		return nil, s.handleUndo(ctx, activity)
	default:
		log.Println("ignoring activity type:", activity.Raw.MustGetString("type"))
		return nil, nil
	}
}

// handleCreate caches an embedded object and projects it into the
// recipient's inbox. Re-delivery of the same object is a no-op thanks to
// the origin-pair constraint.
func (s *Service) handleCreate(ctx context.Context, recipient *types.Actor, activity *types.Activity, mode Mode) ([]types.Object, error) {
	ctx, span := tracer.Start(ctx, "HandleCreate")
	defer span.End()

	obj := activity.Object
	if obj == nil {
		return nil, ErrObjectMustBeComplex
	}
	if activity.ObjectID == "" {
		return nil, errors.New("created object has no id")
	}
	if attributedTo, ok := obj.GetID("attributedTo"); ok && attributedTo != activity.Actor {
		return nil, ErrActorMismatch
	}
	if objType := obj.MustGetString("type"); objType != "Note" {
		log.Println("ignoring create of object type:", objType)
		return nil, nil
	}

	props := obj.GetData()
	if content, ok := obj.GetString("content"); ok {
		props["content"] = SanitizeContent(content)
	}

	cached, created, err := s.store.CacheObject(ctx, obj.MustGetString("type"), props, activity.Actor, activity.ObjectID, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if _, err := s.store.AddObjectToOutbox(ctx, activity.Actor, cached.ID, publishedTime(obj)); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !created {
		return nil, nil
	}

	if mode == ModeInbox {
		if recipient != nil {
			if _, err := s.store.AddObjectToInbox(ctx, recipient.ID, cached.ID, publishedTime(obj)); err != nil {
				span.RecordError(err)
				return nil, err
			}
		}
		s.fanOutLocal(ctx, activity.Actor, cached, obj)
	}

	if inReplyTo, ok := obj.GetID("inReplyTo"); ok {
		s.recordReply(ctx, activity.Actor, cached, inReplyTo)
	}

	return []types.Object{cached}, nil
}

// handleUpdate applies profile edits in place and object edits to the
// cached copy, enforcing that only the original actor may update.
func (s *Service) handleUpdate(ctx context.Context, activity *types.Activity) error {
	ctx, span := tracer.Start(ctx, "HandleUpdate")
	defer span.End()

	obj := activity.Object
	if obj == nil {
		return ErrObjectMustBeComplex
	}

	if actorTypes[obj.MustGetString("type")] {
		if activity.ObjectID != activity.Actor {
			return ErrActorMismatch
		}
		if err := s.store.UpdateActorProperties(ctx, activity.Actor, obj.GetData()); err != nil {
			span.RecordError(err)
			return err
		}
		if pem, ok := obj.GetString("publicKey.publicKeyPem"); ok {
			return s.store.UpdateActorPublicKey(ctx, activity.Actor, pem)
		}
		return nil
	}

	existing, err := s.store.GetObjectByOriginalID(ctx, activity.ObjectID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrObjectMustExist
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	if existing.OriginalActorID != activity.Actor {
		return ErrActorMismatch
	}

	props := obj.GetData()
	if content, ok := obj.GetString("content"); ok {
		props["content"] = SanitizeContent(content)
	}
	return s.store.UpdateObjectProperties(ctx, existing.ID, props)
}

// handleDelete removes the cached copy when the originating actor asks.
// Deletes for unknown objects or by non-owners are dropped silently; a
// peer retrying them forever helps nobody.
func (s *Service) handleDelete(ctx context.Context, activity *types.Activity) error {
	ctx, span := tracer.Start(ctx, "HandleDelete")
	defer span.End()

	if activity.ObjectID == "" {
		log.Println("delete without object, ignoring")
		return nil
	}

	existing, err := s.store.GetObjectByOriginalID(ctx, activity.ObjectID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Println("delete for unknown object, ignoring:", activity.ObjectID)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	if existing.Local {
		log.Println("remote delete for a local object, ignoring:", existing.ID)
		return nil
	}
	if existing.OriginalActorID != activity.Actor {
		log.Println("delete from non-owner, ignoring:", activity.Actor)
		return nil
	}

	return s.store.DeleteObject(ctx, existing.ID)
}

// handleFollow records the follow edge for a local actor and immediately
// accepts it. Registrations are open, so there is no approval flow.
func (s *Service) handleFollow(ctx context.Context, activity *types.Activity) error {
	ctx, span := tracer.Start(ctx, "HandleFollow")
	defer span.End()

	if activity.ObjectID == "" {
		log.Println("follow without target, ignoring")
		return nil
	}

	target, err := s.store.GetActorByID(ctx, activity.ObjectID)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !target.IsLocal()) {
		log.Println("follow for unknown target, ignoring:", activity.ObjectID)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	_, err = s.store.SaveFollow(ctx, types.Follow{
		ActorID:       activity.Actor,
		TargetActorID: target.ID,
		State:         types.FollowAccepted,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.store.CreateNotification(ctx, types.Notification{
		Type:        types.NotifyFollow,
		ActorID:     target.ID,
		FromActorID: activity.Actor,
	}); err != nil {
		log.Println("failed to record follow notification:", err)
	}

	accept, err := json.Marshal(types.ApObject{
		Context: types.ActivityStreamsNS,
		ID:      target.ID + "#accepts/" + uuid.New().String(),
		Type:    "Accept",
		Actor:   target.ID,
		Object:  activity.Raw.GetData(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal accept activity")
	}
	return s.deliver.ToActors(ctx, accept, target, []string{activity.Actor})
}

// handleAccept transitions a pending outbound follow to accepted. The
// follower comes from the wrapped Follow, the target is the accepting
// remote actor. Unmatched accepts are dropped.
func (s *Service) handleAccept(ctx context.Context, activity *types.Activity) error {
	ctx, span := tracer.Start(ctx, "HandleAccept")
	defer span.End()

	var follower string
	if activity.Object != nil {
		follower, _ = activity.Object.GetID("actor")
	}
	if follower == "" {
		log.Println("accept without a wrapped follow, ignoring")
		return nil
	}

	if _, err := s.store.GetFollow(ctx, follower, activity.Actor); err != nil {
		log.Println("accept for unknown follow, ignoring:", follower, "->", activity.Actor)
		return nil
	}
	return s.store.AcceptFollow(ctx, follower, activity.Actor)
}

// handleAnnounce records a reblog, fetching and caching the announced
// object if this node has never seen it. A duplicate announce by the
// same actor changes nothing.
func (s *Service) handleAnnounce(ctx context.Context, recipient *types.Actor, activity *types.Activity, mode Mode) ([]types.Object, error) {
	ctx, span := tracer.Start(ctx, "HandleAnnounce")
	defer span.End()

	if activity.ObjectID == "" {
		return nil, ErrObjectMustExist
	}

	var created []types.Object
	obj, err := s.store.GetObjectByOriginalID(ctx, activity.ObjectID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		raw, err := s.fetch.FetchObject(ctx, activity.ObjectID, recipient)
		if err != nil {
			span.RecordError(err)
			return nil, errors.Wrap(ErrObjectMustExist, err.Error())
		}

		origin, ok := raw.GetID("attributedTo")
		if !ok {
			origin = activity.Actor
		}
		props := raw.GetData()
		if content, ok := raw.GetString("content"); ok {
			props["content"] = SanitizeContent(content)
		}

		var wasCreated bool
		obj, wasCreated, err = s.store.CacheObject(ctx, raw.MustGetString("type"), props, origin, activity.ObjectID, false)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if wasCreated {
			created = append(created, obj)
		}
	} else if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// The announced object keeps its own chronology in the announcer's
	// outbox.
	published := time.Now()
	if raw, err := types.LoadAsRawApObj(obj.Properties); err == nil {
		published = publishedTime(raw)
	}
	if _, err := s.store.AddObjectToOutbox(ctx, activity.Actor, obj.ID, published); err != nil {
		span.RecordError(err)
		return nil, err
	}

	fresh, err := s.store.CreateReblog(ctx, activity.Actor, obj.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !fresh {
		return created, nil
	}

	s.notifyEngagement(ctx, types.NotifyReblog, obj, activity.Actor)

	if mode == ModeInbox && recipient != nil {
		if _, err := s.store.AddObjectToInbox(ctx, recipient.ID, obj.ID, time.Now()); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}
	return created, nil
}

// notifyEngagement records a like/reblog notification for the engaged
// object's original author, when that author is a local actor. Actors
// engaging with their own objects notify nobody.
func (s *Service) notifyEngagement(ctx context.Context, kind string, obj types.Object, fromActorID string) {
	if obj.OriginalActorID == fromActorID {
		return
	}
	author, err := s.store.GetActorByID(ctx, obj.OriginalActorID)
	if err != nil || !author.IsLocal() {
		return
	}
	err = s.store.CreateNotification(ctx, types.Notification{
		Type:        kind,
		ActorID:     author.ID,
		FromActorID: fromActorID,
		ObjectID:    &obj.ID,
	})
	if err != nil {
		log.Println("failed to record engagement notification:", err)
	}
}

// handleLike records a favourite on an object this node already holds.
// Likes for objects this node never cached are dropped, not rejected.
func (s *Service) handleLike(ctx context.Context, activity *types.Activity) error {
	ctx, span := tracer.Start(ctx, "HandleLike")
	defer span.End()

	if activity.ObjectID == "" {
		log.Println("like without object, ignoring")
		return nil
	}

	obj, err := s.store.GetObjectByOriginalID(ctx, activity.ObjectID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Println("like for unknown object, ignoring:", activity.ObjectID)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	fresh, err := s.store.CreateLike(ctx, activity.Actor, obj.ID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if fresh {
		s.notifyEngagement(ctx, types.NotifyFavourite, obj, activity.Actor)
	}
	return nil
}

// handleUndo reverses a previously delivered activity. Only Undo Follow
// is interpreted; other kinds are logged and dropped.
func (s *Service) handleUndo(ctx context.Context, activity *types.Activity) error {
	ctx, span := tracer.Start(ctx, "HandleUndo")
	defer span.End()

	inner := activity.Object
	if inner == nil {
		log.Println("undo without embedded object, ignoring")
		return nil
	}

	switch inner.MustGetString("type") {
	case "Follow":
		target, ok := inner.GetID("object")
		if !ok {
			log.Println("undo follow without target, ignoring")
			return nil
		}
		return s.store.RemoveFollow(ctx, activity.Actor, target)
	default:
		log.Println("ignoring undo of type:", inner.MustGetString("type"))
		return nil
	}
}

// fanOutLocal projects a created object into the inbox of every local
// actor it addresses or mentions, with a mention notification for each.
// Remote addressees are skipped; their own server handles them.
func (s *Service) fanOutLocal(ctx context.Context, fromActorID string, cached types.Object, obj *types.RawApObj) {
	mentioned := mentionTargets(obj)

	audience := append(obj.GetStringSlice("to"), obj.GetStringSlice("cc")...)
	for href := range mentioned {
		audience = append(audience, href)
	}

	seen := make(map[string]bool)
	for _, id := range audience {
		if id == types.PublicCollection || seen[id] {
			continue
		}
		seen[id] = true

		actor, err := s.store.GetActorByID(ctx, id)
		if err != nil || !actor.IsLocal() {
			continue
		}

		if _, err := s.store.AddObjectToInbox(ctx, actor.ID, cached.ID, publishedTime(obj)); err != nil {
			log.Println("failed to add inbox entry:", err)
			continue
		}
		err = s.store.CreateNotification(ctx, types.Notification{
			Type:        types.NotifyMention,
			ActorID:     actor.ID,
			FromActorID: fromActorID,
			ObjectID:    &cached.ID,
		})
		if err != nil {
			log.Println("failed to record mention notification:", err)
		}
	}
}

// mentionTargets collects the hrefs of Mention tags on an object.
func mentionTargets(obj *types.RawApObj) map[string]bool {
	targets := make(map[string]bool)
	tags, ok := obj.GetData()["tag"].([]any)
	if !ok {
		return targets
	}
	for _, entry := range tags {
		tag, ok := entry.(map[string]any)
		if !ok || tag["type"] != "Mention" {
			continue
		}
		if href, ok := tag["href"].(string); ok && href != "" {
			targets[href] = true
		}
	}
	return targets
}

// recordReply links a cached reply to its parent when the parent is
// already known. Unknown parents are skipped; thread backfill is not
// worth blocking ingestion on.
func (s *Service) recordReply(ctx context.Context, fromActorID string, cached types.Object, inReplyTo string) {
	parent, err := s.store.GetObjectByOriginalID(ctx, inReplyTo)
	if err != nil {
		log.Println("reply to unknown object, skipping:", inReplyTo)
		return
	}
	if err := s.store.CreateReply(ctx, fromActorID, cached.ID, parent.ID); err != nil {
		log.Println("failed to record reply:", err)
	}
}

func publishedTime(obj *types.RawApObj) time.Time {
	if published, ok := obj.GetString("published"); ok {
		if ts, err := time.Parse(time.RFC3339, published); err == nil {
			return ts
		}
	}
	return time.Now()
}
