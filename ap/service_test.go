package ap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cloudflare/wildebeest-sub000/deliver"
	"github.com/cloudflare/wildebeest-sub000/fetch"
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

func seedLocalActor(t *testing.T, s *store.Store, name string) types.Actor {
	t.Helper()
	actor := types.Actor{
		ID:         "https://social.example/ap/users/" + name,
		Type:       "Person",
		Properties: []byte(`{"preferredUsername":"` + name + `"}`),
		PrivateKey: "sealed-key-material",
		KeySalt:    "00ff",
	}
	created, err := s.CreateActor(context.Background(), actor)
	if err != nil {
		t.Fatalf("CreateActor failed: %v", err)
	}
	return created
}

func decode(t *testing.T, body string) *types.Activity {
	t.Helper()
	activity, err := types.DecodeActivity([]byte(body))
	if err != nil {
		t.Fatalf("DecodeActivity failed: %v", err)
	}
	return activity
}

func TestCreateCachesOnce(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()
	recipient := seedLocalActor(t, s, "sven")

	body := `{
		"type": "Create",
		"actor": "https://remote.example/users/a",
		"object": {
			"id": "https://remote.example/notes/1",
			"type": "Note",
			"attributedTo": "https://remote.example/users/a",
			"content": "hello"
		}
	}`

	created, err := svc.ProcessActivity(ctx, &recipient, decode(t, body), ModeInbox)
	if err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d objects, want 1", len(created))
	}

	// Redelivery changes nothing.
	again, err := svc.ProcessActivity(ctx, &recipient, decode(t, body), ModeInbox)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("redelivery created %d objects, want 0", len(again))
	}

	count, _ := s.CountObjects(ctx)
	if count != 1 {
		t.Errorf("object count = %d, want 1", count)
	}

	entries, _ := s.GetInboxEntries(ctx, recipient.ID)
	if len(entries) != 1 {
		t.Errorf("inbox entries = %d, want 1", len(entries))
	}
}

func TestCreateRequiresEmbeddedObject(t *testing.T) {
	svc, s, _ := testService(t)
	recipient := seedLocalActor(t, s, "sven")

	body := `{"type":"Create","actor":"https://remote.example/users/a","object":"https://remote.example/notes/1"}`
	_, err := svc.ProcessActivity(context.Background(), &recipient, decode(t, body), ModeInbox)
	if !errors.Is(err, ErrObjectMustBeComplex) {
		t.Errorf("expected ErrObjectMustBeComplex, got %v", err)
	}
}

func TestCreateRejectsForeignAttribution(t *testing.T) {
	svc, s, _ := testService(t)
	recipient := seedLocalActor(t, s, "sven")

	body := `{
		"type": "Create",
		"actor": "https://remote.example/users/a",
		"object": {
			"id": "https://remote.example/notes/1",
			"type": "Note",
			"attributedTo": "https://remote.example/users/impostor"
		}
	}`
	_, err := svc.ProcessActivity(context.Background(), &recipient, decode(t, body), ModeInbox)
	if !errors.Is(err, ErrActorMismatch) {
		t.Errorf("expected ErrActorMismatch, got %v", err)
	}
}

func TestCreateSanitizesContent(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()
	recipient := seedLocalActor(t, s, "sven")

	body := `{
		"type": "Create",
		"actor": "https://remote.example/users/a",
		"object": {
			"id": "https://remote.example/notes/1",
			"type": "Note",
			"content": "<p>hi</p><script>alert(1)</script>"
		}
	}`
	created, err := svc.ProcessActivity(ctx, &recipient, decode(t, body), ModeInbox)
	if err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}

	var props map[string]any
	json.Unmarshal(created[0].Properties, &props)
	content := props["content"].(string)
	if content != "<p>hi</p>alert(1)" {
		t.Errorf("content = %q", content)
	}
}

func TestCreateMentionNotification(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()
	recipient := seedLocalActor(t, s, "sven")

	body := `{
		"type": "Create",
		"actor": "https://remote.example/users/a",
		"object": {
			"id": "https://remote.example/notes/1",
			"type": "Note",
			"content": "hi @sven",
			"tag": [{"type": "Mention", "href": "` + recipient.ID + `", "name": "@sven@social.example"}]
		}
	}`
	if _, err := svc.ProcessActivity(ctx, &recipient, decode(t, body), ModeInbox); err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}

	notifications, err := s.GetNotifications(ctx, recipient.ID)
	if err != nil {
		t.Fatalf("GetNotifications failed: %v", err)
	}
	if len(notifications) != 1 || notifications[0].Type != types.NotifyMention {
		t.Errorf("notifications = %+v, want one mention", notifications)
	}
}

func TestCreateFansOutToAddressedLocals(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()
	recipient := seedLocalActor(t, s, "sven")
	other := seedLocalActor(t, s, "maja")

	body := `{
		"type": "Create",
		"actor": "https://remote.example/users/a",
		"object": {
			"id": "https://remote.example/notes/1",
			"type": "Note",
			"content": "hi both",
			"to": ["https://www.w3.org/ns/activitystreams#Public"],
			"cc": ["` + other.ID + `", "https://remote.example/users/elsewhere"]
		}
	}`
	if _, err := svc.ProcessActivity(ctx, &recipient, decode(t, body), ModeInbox); err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}

	for _, actor := range []types.Actor{recipient, other} {
		entries, _ := s.GetInboxEntries(ctx, actor.ID)
		if len(entries) != 1 {
			t.Errorf("inbox entries for %s = %d, want 1", actor.ID, len(entries))
		}
	}
	notifications, _ := s.GetNotifications(ctx, other.ID)
	if len(notifications) != 1 || notifications[0].Type != types.NotifyMention {
		t.Errorf("notifications for addressed actor = %+v, want one mention", notifications)
	}
	// The inbox owner was not addressed, so no notification for them.
	notifications, _ = s.GetNotifications(ctx, recipient.ID)
	if len(notifications) != 0 {
		t.Errorf("notifications for non-addressed actor = %+v, want none", notifications)
	}
}

func TestCreateAppendsToOriginatorOutbox(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()
	recipient := seedLocalActor(t, s, "sven")
	originator := "https://remote.example/users/a"

	body := `{
		"type": "Create",
		"actor": "` + originator + `",
		"object": {"id": "https://remote.example/notes/1", "type": "Note", "content": "hi"}
	}`
	created, err := svc.ProcessActivity(ctx, &recipient, decode(t, body), ModeInbox)
	if err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}

	contains, err := s.OutboxContains(ctx, originator, created[0].ID)
	if err != nil {
		t.Fatalf("OutboxContains failed: %v", err)
	}
	if !contains {
		t.Error("created object missing from the originator's outbox")
	}
}

func TestCreateSkipsUnknownObjectTypes(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()
	recipient := seedLocalActor(t, s, "sven")

	body := `{
		"type": "Create",
		"actor": "https://remote.example/users/a",
		"object": {"id": "https://remote.example/videos/1", "type": "Video", "content": "clip"}
	}`
	created, err := svc.ProcessActivity(ctx, &recipient, decode(t, body), ModeInbox)
	if err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("created %d objects, want 0", len(created))
	}
	count, _ := s.CountObjects(ctx)
	if count != 0 {
		t.Errorf("object count = %d, want 0", count)
	}
}

func TestDeleteIgnoresLocalObjects(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()
	author := seedLocalActor(t, s, "sven")

	obj, _, _ := s.CacheObject(ctx, "Note", map[string]any{"content": "mine"}, author.ID, "", true)

	body := `{"type":"Delete","actor":"` + author.ID + `","object":"` + obj.OriginalObjectID + `"}`
	if _, err := svc.ProcessActivity(ctx, nil, decode(t, body), ModeInbox); err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}
	if _, err := s.GetObjectByID(ctx, obj.ID); err != nil {
		t.Error("local object was deleted through the federation path")
	}
}

func TestFollowAutoAccepts(t *testing.T) {
	svc, s, fq := testService(t)
	ctx := context.Background()
	target := seedLocalActor(t, s, "sven")

	body := `{
		"id": "https://remote.example/activities/1",
		"type": "Follow",
		"actor": "https://remote.example/users/a",
		"object": "` + target.ID + `"
	}`
	if _, err := svc.ProcessActivity(ctx, &target, decode(t, body), ModeInbox); err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}

	follow, err := s.GetFollow(ctx, "https://remote.example/users/a", target.ID)
	if err != nil {
		t.Fatalf("follow edge missing: %v", err)
	}
	if follow.State != types.FollowAccepted {
		t.Errorf("state = %q, want accepted", follow.State)
	}

	notifications, _ := s.GetNotifications(ctx, target.ID)
	if len(notifications) != 1 || notifications[0].Type != types.NotifyFollow {
		t.Errorf("notifications = %+v, want one follow", notifications)
	}

	// An Accept wrapping the original Follow is queued back to the
	// follower.
	if len(fq.msgs) != 1 || fq.msgs[0].Kind != queue.KindDeliver {
		t.Fatalf("queued messages = %+v, want one delivery", fq.msgs)
	}
	var payload queue.DeliverPayload
	if err := json.Unmarshal(fq.msgs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ToActorID != "https://remote.example/users/a" {
		t.Errorf("delivery target = %q", payload.ToActorID)
	}
	accept, err := types.LoadAsRawApObj(payload.Activity)
	if err != nil {
		t.Fatalf("parse accept: %v", err)
	}
	if accept.MustGetString("type") != "Accept" {
		t.Errorf("queued activity type = %q, want Accept", accept.MustGetString("type"))
	}
	if accept.MustGetString("object.type") != "Follow" {
		t.Errorf("accept does not wrap the follow: %v", accept.GetData())
	}
}

func TestFollowUnknownTarget(t *testing.T) {
	svc, s, fq := testService(t)
	ctx := context.Background()
	recipient := seedLocalActor(t, s, "sven")

	body := `{"type":"Follow","actor":"https://remote.example/users/a","object":"https://social.example/ap/users/ghost"}`
	if _, err := svc.ProcessActivity(ctx, &recipient, decode(t, body), ModeInbox); err != nil {
		t.Errorf("follow for an unknown target should be dropped, got %v", err)
	}

	if _, err := s.GetFollow(ctx, "https://remote.example/users/a", "https://social.example/ap/users/ghost"); err == nil {
		t.Error("follow edge was saved for an unknown target")
	}
	if len(fq.msgs) != 0 {
		t.Errorf("queued %d messages, want 0", len(fq.msgs))
	}
}

func TestAcceptTransitionsPendingFollow(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()
	local := seedLocalActor(t, s, "sven")
	remote := "https://remote.example/users/a"

	if _, err := s.SaveFollow(ctx, types.Follow{ActorID: local.ID, TargetActorID: remote}); err != nil {
		t.Fatalf("SaveFollow failed: %v", err)
	}

	body := `{
		"type": "Accept",
		"actor": "` + remote + `",
		"object": {"type": "Follow", "actor": "` + local.ID + `", "object": "` + remote + `"}
	}`
	if _, err := svc.ProcessActivity(ctx, nil, decode(t, body), ModeInbox); err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}

	follow, _ := s.GetFollow(ctx, local.ID, remote)
	if follow.State != types.FollowAccepted {
		t.Errorf("state = %q, want accepted", follow.State)
	}
}

func TestAcceptUnknownFollowIgnored(t *testing.T) {
	svc, _, _ := testService(t)

	body := `{
		"type": "Accept",
		"actor": "https://remote.example/users/a",
		"object": {"type": "Follow", "actor": "https://social.example/ap/users/nobody"}
	}`
	if _, err := svc.ProcessActivity(context.Background(), nil, decode(t, body), ModeInbox); err != nil {
		t.Errorf("unmatched accept should be dropped, got %v", err)
	}
}

func TestAnnounceDuplicateIgnored(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()
	recipient := seedLocalActor(t, s, "sven")

	obj, _, err := s.CacheObject(ctx, "Note", map[string]any{"content": "hi"},
		"https://remote.example/users/b", "https://remote.example/notes/9", false)
	if err != nil {
		t.Fatalf("CacheObject failed: %v", err)
	}

	body := `{"type":"Announce","actor":"https://remote.example/users/c","object":"https://remote.example/notes/9"}`
	for i := 0; i < 2; i++ {
		if _, err := svc.ProcessActivity(ctx, &recipient, decode(t, body), ModeInbox); err != nil {
			t.Fatalf("ProcessActivity failed: %v", err)
		}
	}

	count, _ := s.CountReblogs(ctx, "https://remote.example/users/c", obj.ID)
	if count != 1 {
		t.Errorf("reblog count = %d, want 1", count)
	}
	outbox, _ := s.GetOutbox(ctx, "https://remote.example/users/c")
	if len(outbox) != 1 {
		t.Errorf("announcer outbox rows = %d, want 1", len(outbox))
	}
	entries, _ := s.GetInboxEntries(ctx, recipient.ID)
	if len(entries) != 1 {
		t.Errorf("inbox entries = %d, want 1", len(entries))
	}
}

func TestAnnounceNotifiesLocalAuthor(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()
	author := seedLocalActor(t, s, "sven")

	obj, _, _ := s.CacheObject(ctx, "Note", map[string]any{"content": "hi"}, author.ID, "", true)

	// No recipient involved: the notification follows the authorship,
	// not the inbox this delivery happened to land in.
	body := `{"type":"Announce","actor":"https://remote.example/users/c","object":"` + obj.OriginalObjectID + `"}`
	if _, err := svc.ProcessActivity(ctx, nil, decode(t, body), ModeInbox); err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}

	notifications, _ := s.GetNotifications(ctx, author.ID)
	if len(notifications) != 1 || notifications[0].Type != types.NotifyReblog {
		t.Errorf("notifications = %+v, want one reblog", notifications)
	}
}

func TestAnnounceFetchesUnknownObject(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":           server.URL + "/notes/1",
			"type":         "Note",
			"attributedTo": server.URL + "/users/x",
			"content":      "announced",
		})
	}))
	defer server.Close()

	body := `{"type":"Announce","actor":"https://remote.example/users/c","object":"` + server.URL + `/notes/1"}`
	created, err := svc.ProcessActivity(ctx, nil, decode(t, body), ModeCaching)
	if err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d objects, want 1", len(created))
	}
	if created[0].OriginalActorID != server.URL+"/users/x" {
		t.Errorf("origin actor = %q, want attribution", created[0].OriginalActorID)
	}

	if _, err := s.GetObjectByOriginalID(ctx, server.URL+"/notes/1"); err != nil {
		t.Errorf("announced object was not cached: %v", err)
	}
}

func TestUpdateEnforcesOwnership(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()

	original, _, err := s.CacheObject(ctx, "Note", map[string]any{"content": "v1"},
		"https://remote.example/users/a", "https://remote.example/notes/1", false)
	if err != nil {
		t.Fatalf("CacheObject failed: %v", err)
	}

	intruder := `{
		"type": "Update",
		"actor": "https://remote.example/users/b",
		"object": {"id": "https://remote.example/notes/1", "type": "Note", "content": "hacked"}
	}`
	if _, err := svc.ProcessActivity(ctx, nil, decode(t, intruder), ModeInbox); !errors.Is(err, ErrActorMismatch) {
		t.Errorf("expected ErrActorMismatch, got %v", err)
	}

	owner := `{
		"type": "Update",
		"actor": "https://remote.example/users/a",
		"object": {"id": "https://remote.example/notes/1", "type": "Note", "content": "v2"}
	}`
	if _, err := svc.ProcessActivity(ctx, nil, decode(t, owner), ModeInbox); err != nil {
		t.Fatalf("owner update failed: %v", err)
	}

	got, _ := s.GetObjectByID(ctx, original.ID)
	var props map[string]any
	json.Unmarshal(got.Properties, &props)
	if props["content"] != "v2" {
		t.Errorf("content = %v, want v2", props["content"])
	}
	if got.ID != original.ID {
		t.Error("update changed the object id")
	}
}

func TestUpdateUnknownObject(t *testing.T) {
	svc, _, _ := testService(t)

	body := `{
		"type": "Update",
		"actor": "https://remote.example/users/a",
		"object": {"id": "https://remote.example/notes/404", "type": "Note"}
	}`
	if _, err := svc.ProcessActivity(context.Background(), nil, decode(t, body), ModeInbox); !errors.Is(err, ErrObjectMustExist) {
		t.Errorf("expected ErrObjectMustExist, got %v", err)
	}
}

func TestUpdateActorProfile(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()

	remote := types.Actor{ID: "https://remote.example/users/a", Type: "Person", Properties: []byte(`{"name":"old"}`)}
	if _, err := s.CreateActor(ctx, remote); err != nil {
		t.Fatalf("CreateActor failed: %v", err)
	}

	body := `{
		"type": "Update",
		"actor": "https://remote.example/users/a",
		"object": {"id": "https://remote.example/users/a", "type": "Person", "name": "new"}
	}`
	if _, err := svc.ProcessActivity(ctx, nil, decode(t, body), ModeInbox); err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}

	got, _ := s.GetActorByID(ctx, remote.ID)
	var props map[string]any
	json.Unmarshal(got.Properties, &props)
	if props["name"] != "new" {
		t.Errorf("name = %v, want new", props["name"])
	}
}

func TestDeleteScopedToOwner(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()

	obj, _, err := s.CacheObject(ctx, "Note", map[string]any{"content": "hi"},
		"https://remote.example/users/a", "https://remote.example/notes/1", false)
	if err != nil {
		t.Fatalf("CacheObject failed: %v", err)
	}

	// A non-owner's delete is dropped without error.
	intruder := `{"type":"Delete","actor":"https://remote.example/users/b","object":"https://remote.example/notes/1"}`
	if _, err := svc.ProcessActivity(ctx, nil, decode(t, intruder), ModeInbox); err != nil {
		t.Fatalf("non-owner delete errored: %v", err)
	}
	if _, err := s.GetObjectByID(ctx, obj.ID); err != nil {
		t.Fatal("non-owner delete removed the object")
	}

	owner := `{"type":"Delete","actor":"https://remote.example/users/a","object":"https://remote.example/notes/1"}`
	if _, err := svc.ProcessActivity(ctx, nil, decode(t, owner), ModeInbox); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}
	if _, err := s.GetObjectByID(ctx, obj.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Error("owner delete did not remove the object")
	}

	// Deleting something unknown is a no-op.
	unknown := `{"type":"Delete","actor":"https://remote.example/users/a","object":"https://remote.example/notes/404"}`
	if _, err := svc.ProcessActivity(ctx, nil, decode(t, unknown), ModeInbox); err != nil {
		t.Errorf("unknown delete errored: %v", err)
	}
}

func TestLikeUnknownObject(t *testing.T) {
	svc, _, _ := testService(t)

	body := `{"type":"Like","actor":"https://remote.example/users/a","object":"https://remote.example/notes/404"}`
	if _, err := svc.ProcessActivity(context.Background(), nil, decode(t, body), ModeInbox); err != nil {
		t.Errorf("like for an unknown object should be dropped, got %v", err)
	}
}

func TestLikeNotifiesAuthor(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()
	author := seedLocalActor(t, s, "sven")
	recipient := seedLocalActor(t, s, "maja")

	obj, _, _ := s.CacheObject(ctx, "Note", map[string]any{"content": "hi"}, author.ID, "", true)

	// Delivered to someone else's inbox: the author still gets notified.
	body := `{"type":"Like","actor":"https://remote.example/users/a","object":"` + obj.OriginalObjectID + `"}`
	if _, err := svc.ProcessActivity(ctx, &recipient, decode(t, body), ModeInbox); err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}

	notifications, _ := s.GetNotifications(ctx, author.ID)
	if len(notifications) != 1 || notifications[0].Type != types.NotifyFavourite {
		t.Errorf("notifications = %+v, want one favourite", notifications)
	}
}

func TestUndoFollowRemovesEdge(t *testing.T) {
	svc, s, _ := testService(t)
	ctx := context.Background()
	target := seedLocalActor(t, s, "sven")

	follower := "https://remote.example/users/a"
	if _, err := s.SaveFollow(ctx, types.Follow{ActorID: follower, TargetActorID: target.ID, State: types.FollowAccepted}); err != nil {
		t.Fatalf("SaveFollow failed: %v", err)
	}

	body := `{
		"type": "Undo",
		"actor": "` + follower + `",
		"object": {"type": "Follow", "actor": "` + follower + `", "object": "` + target.ID + `"}
	}`
	if _, err := svc.ProcessActivity(ctx, &target, decode(t, body), ModeInbox); err != nil {
		t.Fatalf("ProcessActivity failed: %v", err)
	}

	if _, err := s.GetFollow(ctx, follower, target.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Error("undo did not remove the follow edge")
	}
}

func TestUnknownActivityIgnored(t *testing.T) {
	svc, _, _ := testService(t)

	body := `{"type":"Move","actor":"https://remote.example/users/a","object":"https://remote.example/users/b"}`
	created, err := svc.ProcessActivity(context.Background(), nil, decode(t, body), ModeInbox)
	if err != nil {
		t.Errorf("unknown activity should be dropped, got %v", err)
	}
	if len(created) != 0 {
		t.Errorf("unknown activity created objects: %v", created)
	}
}
