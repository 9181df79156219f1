// Package api implements local origination: account registration,
// authoring notes and following remote actors. It is the outbound
// counterpart of the ap package.
package api

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/cloudflare/wildebeest-sub000/ap"
	"github.com/cloudflare/wildebeest-sub000/deliver"
	"github.com/cloudflare/wildebeest-sub000/fetch"
	"github.com/cloudflare/wildebeest-sub000/keys"
	"github.com/cloudflare/wildebeest-sub000/store"
	"github.com/cloudflare/wildebeest-sub000/types"
)

var tracer = otel.Tracer("api")

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,64}$`)

// ErrUsernameTaken rejects registration of an existing username.
var ErrUsernameTaken = errors.New("username is already taken")

// Service implements the local account operations.
type Service struct {
	store   *store.Store
	fetch   *fetch.Client
	deliver *deliver.Deliverer
	config  types.FedConfig
}

// NewService returns a new local-account service.
func NewService(store *store.Store, fetch *fetch.Client, deliver *deliver.Deliverer, config types.FedConfig) *Service {
	return &Service{store: store, fetch: fetch, deliver: deliver, config: config}
}

// Register mints a local actor: fresh keypair, wrapped private key, and
// a published profile document.
func (s *Service) Register(ctx context.Context, username, email string) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "ApiRegister")
	defer span.End()

	if !usernamePattern.MatchString(username) {
		return types.Actor{}, errors.Errorf("invalid username: %s", username)
	}

	actorID := "https://" + s.config.Domain + "/ap/users/" + username
	if _, err := s.store.GetActorByID(ctx, actorID); err == nil {
		return types.Actor{}, ErrUsernameTaken
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		span.RecordError(err)
		return types.Actor{}, err
	}

	priv, pubPem, err := keys.Generate()
	if err != nil {
		span.RecordError(err)
		return types.Actor{}, err
	}
	salt, err := keys.NewSalt()
	if err != nil {
		return types.Actor{}, err
	}
	wrapped, err := keys.Wrap(priv, s.config.KeySecret, salt)
	if err != nil {
		return types.Actor{}, err
	}

	doc := types.ApObject{
		ID:                actorID,
		Type:              "Person",
		PreferredUsername: username,
		Inbox:             actorID + "/inbox",
		Outbox:            actorID + "/outbox",
		Followers:         actorID + "/followers",
		Following:         actorID + "/following",
		URL:               "https://" + s.config.Domain + "/@" + username,
		Endpoints: &types.PersonEndpoints{
			SharedInbox: "https://" + s.config.Domain + "/ap/inbox",
		},
		PublicKey: &types.Key{
			ID:           actorID + "#main-key",
			Type:         "Key",
			Owner:        actorID,
			PublicKeyPem: pubPem,
		},
	}
	props, err := json.Marshal(doc)
	if err != nil {
		return types.Actor{}, errors.Wrap(err, "marshal actor document")
	}

	actor := types.Actor{
		ID:         actorID,
		Type:       "Person",
		Properties: props,
		PublicKey:  pubPem,
		PrivateKey: wrapped,
		KeySalt:    salt,
		Email:      &email,
	}
	created, err := s.store.CreateActor(ctx, actor)
	if err != nil {
		span.RecordError(err)
		return types.Actor{}, err
	}
	return created, nil
}

// CreateNote authors a note from markdown, stores it, adds it to the
// author's outbox and fans the wrapping Create out to followers.
func (s *Service) CreateNote(ctx context.Context, author types.Actor, content string) (types.Object, error) {
	ctx, span := tracer.Start(ctx, "ApiCreateNote")
	defer span.End()

	rendered := ap.SanitizeContent(string(markdown.ToHTML([]byte(content), nil, nil)))
	published := time.Now().UTC()

	props := map[string]any{
		"type":         "Note",
		"attributedTo": author.ID,
		"content":      rendered,
		"published":    published.Format(time.RFC3339),
		"to":           []string{types.PublicCollection},
		"cc":           []string{author.ID + "/followers"},
	}

	obj, _, err := s.store.CacheObject(ctx, "Note", props, author.ID, "", true)
	if err != nil {
		span.RecordError(err)
		return types.Object{}, err
	}

	// The id is minted during caching; patch it into the document.
	props["id"] = obj.ID
	if err := s.store.UpdateObjectProperties(ctx, obj.ID, props); err != nil {
		span.RecordError(err)
		return types.Object{}, err
	}

	if _, err := s.store.AddObjectToOutbox(ctx, author.ID, obj.ID, published); err != nil {
		span.RecordError(err)
		return types.Object{}, err
	}

	activity, err := json.Marshal(types.ApObject{
		Context:   types.ActivityStreamsNS,
		ID:        obj.ID + "/activity",
		Type:      "Create",
		Actor:     author.ID,
		Published: published.Format(time.RFC3339),
		To:        []string{types.PublicCollection},
		CC:        []string{author.ID + "/followers"},
		Object:    props,
	})
	if err != nil {
		return types.Object{}, errors.Wrap(err, "marshal create activity")
	}

	if err := s.deliver.ToFollowers(ctx, activity, author); err != nil {
		span.RecordError(err)
		return types.Object{}, err
	}

	obj, err = s.store.GetObjectByID(ctx, obj.ID)
	return obj, err
}

// Follow resolves a remote handle and sends a Follow activity. The edge
// stays pending until the peer's Accept comes back through the inbox.
func (s *Service) Follow(ctx context.Context, follower types.Actor, handle string) (types.Follow, error) {
	ctx, span := tracer.Start(ctx, "ApiFollow")
	defer span.End()

	// Accept either a bare actor URL or a user@domain handle.
	targetID := handle
	if !strings.HasPrefix(handle, "https://") && !strings.HasPrefix(handle, "http://") {
		var err error
		targetID, err = s.fetch.ResolveActor(ctx, handle)
		if err != nil {
			span.RecordError(err)
			return types.Follow{}, err
		}
	}
	if _, err := s.fetch.GetAndCacheActor(ctx, targetID, &follower); err != nil {
		span.RecordError(err)
		return types.Follow{}, err
	}

	edge, err := s.store.SaveFollow(ctx, types.Follow{
		ActorID:       follower.ID,
		TargetActorID: targetID,
		TargetHandle:  handle,
	})
	if err != nil {
		span.RecordError(err)
		return types.Follow{}, err
	}

	activity, err := json.Marshal(types.ApObject{
		Context: types.ActivityStreamsNS,
		ID:      follower.ID + "#follows/" + uuid.New().String(),
		Type:    "Follow",
		Actor:   follower.ID,
		Object:  targetID,
	})
	if err != nil {
		return types.Follow{}, errors.Wrap(err, "marshal follow activity")
	}

	if err := s.deliver.ToActors(ctx, activity, follower, []string{targetID}); err != nil {
		span.RecordError(err)
		return types.Follow{}, err
	}
	return edge, nil
}

// Unfollow removes the local edge and sends an Undo wrapping the
// original Follow.
func (s *Service) Unfollow(ctx context.Context, follower types.Actor, targetID string) error {
	ctx, span := tracer.Start(ctx, "ApiUnfollow")
	defer span.End()

	if _, err := s.store.GetFollow(ctx, follower.ID, targetID); err != nil {
		return errors.Wrap(err, "follow edge not found")
	}
	if err := s.store.RemoveFollow(ctx, follower.ID, targetID); err != nil {
		span.RecordError(err)
		return err
	}

	activity, err := json.Marshal(types.ApObject{
		Context: types.ActivityStreamsNS,
		ID:      follower.ID + "#undo/" + uuid.New().String(),
		Type:    "Undo",
		Actor:   follower.ID,
		Object: map[string]any{
			"type":   "Follow",
			"actor":  follower.ID,
			"object": targetID,
		},
	})
	if err != nil {
		return errors.Wrap(err, "marshal undo activity")
	}
	return s.deliver.ToActors(ctx, activity, follower, []string{targetID})
}
