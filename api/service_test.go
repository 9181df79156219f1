package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cloudflare/wildebeest-sub000/deliver"
	"github.com/cloudflare/wildebeest-sub000/fetch"
	"github.com/cloudflare/wildebeest-sub000/keys"
	"github.com/cloudflare/wildebeest-sub000/queue"
	"github.com/cloudflare/wildebeest-sub000/store"
	"github.com/cloudflare/wildebeest-sub000/types"
)

type fakeQueue struct {
	msgs []queue.Message
}

func (f *fakeQueue) Send(ctx context.Context, msg queue.Message) error {
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeQueue) SendBatch(ctx context.Context, msgs []queue.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func testService(t *testing.T) (*Service, *store.Store, *fakeQueue) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	err = db.AutoMigrate(
		&types.Actor{}, &types.Object{}, &types.OutboxEntry{}, &types.InboxEntry{},
		&types.Follow{}, &types.Like{}, &types.Reblog{}, &types.Reply{},
		&types.Notification{}, &types.TimelineEntry{},
	)
	if err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	s := store.NewStore(db, "social.example")
	config := types.FedConfig{Domain: "social.example", KeySecret: "test-secret"}
	fc := fetch.NewClient(memcache.New("127.0.0.1:11299"), s, config)
	fq := &fakeQueue{}
	d := deliver.NewDeliverer(s, fc, fq, config)
	return NewService(s, fc, d, config), s, fq
}

func TestRegisterMintsActor(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()

	actor, err := svc.Register(ctx, "sven", "sven@example.com")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if actor.ID != "https://social.example/ap/users/sven" {
		t.Errorf("actor id = %q", actor.ID)
	}
	if !actor.IsLocal() {
		t.Error("registered actor is not local")
	}

	// The wrapped key must unwrap under the instance secret.
	if _, err := s.LoadKey(ctx, actor, "test-secret"); err != nil {
		t.Errorf("LoadKey failed: %v", err)
	}
	// The published key must match the stored PEM.
	if _, err := keys.ParsePublicKey(actor.PublicKey); err != nil {
		t.Errorf("published key does not parse: %v", err)
	}

	var doc map[string]any
	json.Unmarshal(actor.Properties, &doc)
	if doc["inbox"] != actor.ID+"/inbox" {
		t.Errorf("profile inbox = %v", doc["inbox"])
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "sven", "one@example.com"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, err := svc.Register(ctx, "sven", "two@example.com")
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestRegisterInvalidUsername(t *testing.T) {
	svc, _, _ := testService(t)
	for _, name := range []string{"", "with space", "semi;colon", "sl/ash"} {
		if _, err := svc.Register(context.Background(), name, "a@example.com"); err == nil {
			t.Errorf("expected rejection of username %q", name)
		}
	}
}

func TestCreateNoteRendersAndFansOut(t *testing.T) {
	svc, s, fq := testService(t)
	ctx := context.Background()

	author, err := svc.Register(ctx, "sven", "sven@example.com")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	followers := []string{
		"https://remote.example/users/a",
		"https://remote.example/users/b",
	}
	for _, follower := range followers {
		if _, err := s.SaveFollow(ctx, types.Follow{
			ActorID: follower, TargetActorID: author.ID, State: types.FollowAccepted,
		}); err != nil {
			t.Fatalf("SaveFollow failed: %v", err)
		}
	}

	obj, err := svc.CreateNote(ctx, author, "hello **world**")
	if err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}

	var props map[string]any
	json.Unmarshal(obj.Properties, &props)
	content := props["content"].(string)
	if !strings.Contains(content, "hello") || strings.Contains(content, "**") {
		t.Errorf("markdown not rendered: %q", content)
	}
	if props["id"] != obj.ID {
		t.Errorf("document id = %v, want %s", props["id"], obj.ID)
	}
	if !obj.Local || obj.OriginalObjectID != obj.ID {
		t.Errorf("note is not self-original: %+v", obj)
	}

	outbox, err := s.GetOutbox(ctx, author.ID)
	if err != nil || len(outbox) != 1 {
		t.Fatalf("outbox = %v, %v; want one entry", outbox, err)
	}

	if len(fq.msgs) != len(followers) {
		t.Fatalf("queued %d deliveries, want %d", len(fq.msgs), len(followers))
	}
	var payload queue.DeliverPayload
	json.Unmarshal(fq.msgs[0].Payload, &payload)
	wrapped, err := types.LoadAsRawApObj(payload.Activity)
	if err != nil {
		t.Fatalf("parse queued activity: %v", err)
	}
	if wrapped.MustGetString("type") != "Create" {
		t.Errorf("queued activity type = %q", wrapped.MustGetString("type"))
	}
	if wrapped.MustGetString("object.id") != obj.ID {
		t.Errorf("queued activity does not wrap the note")
	}
}

func TestFollowByActorURL(t *testing.T) {
	svc, s, fq := testService(t)
	ctx := context.Background()

	follower, err := svc.Register(ctx, "sven", "sven@example.com")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	targetID := "https://remote.example/users/a"
	if _, err := s.CreateActor(ctx, types.Actor{
		ID:         targetID,
		Type:       "Person",
		Properties: []byte(`{"inbox":"https://remote.example/users/a/inbox"}`),
	}); err != nil {
		t.Fatalf("CreateActor failed: %v", err)
	}

	edge, err := svc.Follow(ctx, follower, targetID)
	if err != nil {
		t.Fatalf("Follow failed: %v", err)
	}
	if edge.State != types.FollowPending {
		t.Errorf("state = %q, want pending", edge.State)
	}

	if len(fq.msgs) != 1 {
		t.Fatalf("queued %d deliveries, want 1", len(fq.msgs))
	}
	var payload queue.DeliverPayload
	json.Unmarshal(fq.msgs[0].Payload, &payload)
	if payload.ToActorID != targetID {
		t.Errorf("delivery target = %q", payload.ToActorID)
	}
	follow, _ := types.LoadAsRawApObj(payload.Activity)
	if follow.MustGetString("type") != "Follow" {
		t.Errorf("queued activity type = %q", follow.MustGetString("type"))
	}
}

func TestUnfollowSendsUndo(t *testing.T) {
	svc, s, fq := testService(t)
	ctx := context.Background()

	follower, err := svc.Register(ctx, "sven", "sven@example.com")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	targetID := "https://remote.example/users/a"
	if _, err := s.SaveFollow(ctx, types.Follow{
		ActorID: follower.ID, TargetActorID: targetID, State: types.FollowAccepted,
	}); err != nil {
		t.Fatalf("SaveFollow failed: %v", err)
	}

	if err := svc.Unfollow(ctx, follower, targetID); err != nil {
		t.Fatalf("Unfollow failed: %v", err)
	}

	if _, err := s.GetFollow(ctx, follower.ID, targetID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Error("edge not removed")
	}
	if len(fq.msgs) != 1 {
		t.Fatalf("queued %d deliveries, want 1", len(fq.msgs))
	}
	var payload queue.DeliverPayload
	json.Unmarshal(fq.msgs[0].Payload, &payload)
	undo, _ := types.LoadAsRawApObj(payload.Activity)
	if undo.MustGetString("type") != "Undo" || undo.MustGetString("object.type") != "Follow" {
		t.Errorf("queued activity = %v", undo.GetData())
	}

	if err := svc.Unfollow(ctx, follower, targetID); err == nil {
		t.Error("expected error for unknown edge")
	}
}
