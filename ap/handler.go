package ap

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/cloudflare/wildebeest-sub000/queue"
	"github.com/cloudflare/wildebeest-sub000/store"
	"github.com/cloudflare/wildebeest-sub000/types"
)

// Handler serves the federation HTTP endpoints.
type Handler struct {
	service *Service
	store   *store.Store
	queue   queue.Enqueuer
	info    types.NodeInfo
	config  types.FedConfig
}

// NewHandler returns a new federation endpoint handler.
func NewHandler(service *Service, store *store.Store, queue queue.Enqueuer, info types.NodeInfo, config types.FedConfig) Handler {
	return Handler{service: service, store: store, queue: queue, info: info, config: config}
}

// WebFinger handles /.well-known/webfinger lookups for local actors.
func (h Handler) WebFinger(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerWebFinger")
	defer span.End()

	resource := c.QueryParam("resource")
	if resource == "" {
		return c.String(http.StatusBadRequest, "resource parameter is required")
	}

	username := strings.TrimPrefix(resource, "acct:")
	username = strings.TrimSuffix(username, "@"+h.config.Domain)
	if username == "" || strings.Contains(username, "@") {
		return c.String(http.StatusNotFound, "user not found")
	}

	actorID := h.actorURL(username)
	if _, err := h.store.GetActorByID(ctx, actorID); err != nil {
		return c.String(http.StatusNotFound, "user not found")
	}

	c.Response().Header().Set(echo.HeaderContentType, types.JRDJSONType)
	return c.JSON(http.StatusOK, types.WebFinger{
		Subject: "acct:" + username + "@" + h.config.Domain,
		Links: []types.WebFingerLink{
			{
				Rel:  "self",
				Type: types.ActivityJSONType,
				Href: actorID,
			},
		},
	})
}

// NodeInfoWellKnown handles /.well-known/nodeinfo requests.
func (h Handler) NodeInfoWellKnown(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "HandlerNodeInfoWellKnown")
	defer span.End()

	return c.JSON(http.StatusOK, types.WellKnown{
		Links: []types.WellKnownLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: "https://" + h.config.Domain + "/nodeinfo/2.0",
			},
		},
	})
}

// NodeInfo handles /nodeinfo/2.0 requests.
func (h Handler) NodeInfo(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "HandlerNodeInfo")
	defer span.End()

	return c.JSON(http.StatusOK, h.info)
}

// Actor serves a local actor's profile document.
func (h Handler) Actor(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerActor")
	defer span.End()

	actor, err := h.store.GetActorByID(ctx, h.actorURL(c.Param("id")))
	if err != nil || !actor.IsLocal() {
		return c.String(http.StatusNotFound, "user not found")
	}

	var doc map[string]any
	if err := json.Unmarshal(actor.Properties, &doc); err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}
	doc["@context"] = []string{types.ActivityStreamsNS, "https://w3id.org/security/v1"}

	c.Response().Header().Set(echo.HeaderContentType, types.ActivityJSONType)
	return c.JSON(http.StatusOK, doc)
}

// Note serves a cached object by its local identifier.
func (h Handler) Note(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerNote")
	defer span.End()

	obj, err := h.store.GetObjectByID(ctx, "https://"+h.config.Domain+"/ap/o/"+c.Param("id"))
	if err != nil {
		return c.String(http.StatusNotFound, "object not found")
	}

	var doc map[string]any
	if err := json.Unmarshal(obj.Properties, &doc); err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}
	doc["@context"] = types.ActivityStreamsNS

	c.Response().Header().Set(echo.HeaderContentType, types.ActivityJSONType)
	return c.JSON(http.StatusOK, doc)
}

// Outbox serves a local actor's outbox as an ordered collection.
func (h Handler) Outbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerOutbox")
	defer span.End()

	actorID := h.actorURL(c.Param("id"))
	actor, err := h.store.GetActorByID(ctx, actorID)
	if err != nil || !actor.IsLocal() {
		return c.String(http.StatusNotFound, "user not found")
	}

	objects, err := h.store.GetOutbox(ctx, actorID)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}

	items := make([]any, 0, len(objects))
	for _, obj := range objects {
		var doc map[string]any
		if err := json.Unmarshal(obj.Properties, &doc); err != nil {
			continue
		}
		items = append(items, doc)
	}

	c.Response().Header().Set(echo.HeaderContentType, types.ActivityJSONType)
	return c.JSON(http.StatusOK, types.OrderedCollection{
		Context:    types.ActivityStreamsNS,
		ID:         actorID + "/outbox",
		Type:       "OrderedCollection",
		TotalItems: len(items),
		Items:      items,
	})
}

// Inbox accepts a signed activity for a local actor and queues it for
// processing. Structural validation happens here so the sender gets a
// 400 for garbage; interpretation happens in the worker.
func (h Handler) Inbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerInbox")
	defer span.End()

	recipient, err := h.store.GetActorByID(ctx, h.actorURL(c.Param("id")))
	if err != nil || !recipient.IsLocal() {
		return c.String(http.StatusNotFound, "user not found")
	}

	body, err := readBody(c)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, "failed to read body")
	}

	activity, err := types.DecodeActivity(body)
	if err != nil {
		return c.String(http.StatusBadRequest, "malformed activity")
	}

	// The signature middleware already pinned the sender; an activity
	// claiming a different actor is discarded.
	if sender, ok := c.Get("verifiedActor").(types.Actor); ok && sender.ID != activity.Actor {
		return c.String(http.StatusUnauthorized, "actor does not match signature")
	}

	payload, err := activity.MarshalPayload()
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}

	msg, err := queue.NewInboxMessage(queue.InboxPayload{
		Activity: payload,
		ActorID:  recipient.ID,
		Secret:   h.config.KeySecret,
	})
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}
	if err := h.queue.Send(ctx, msg); err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}
	return c.NoContent(http.StatusOK)
}

// SharedInbox accepts a signed activity addressed to several local
// actors at once, as advertised in actor endpoints. One inbox job is
// queued per resolved recipient: local addressees in to/cc plus local
// followers of the sending actor.
func (h Handler) SharedInbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerSharedInbox")
	defer span.End()

	body, err := readBody(c)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, "failed to read body")
	}

	activity, err := types.DecodeActivity(body)
	if err != nil {
		return c.String(http.StatusBadRequest, "malformed activity")
	}
	if sender, ok := c.Get("verifiedActor").(types.Actor); ok && sender.ID != activity.Actor {
		return c.String(http.StatusUnauthorized, "actor does not match signature")
	}

	audience := append(activity.Raw.GetStringSlice("to"), activity.Raw.GetStringSlice("cc")...)
	if activity.Object != nil {
		audience = append(audience, activity.Object.GetStringSlice("to")...)
		audience = append(audience, activity.Object.GetStringSlice("cc")...)
	}

	seen := make(map[string]bool)
	var recipients []string
	for _, id := range audience {
		if id == types.PublicCollection || seen[id] {
			continue
		}
		seen[id] = true
		actor, err := h.store.GetActorByID(ctx, id)
		if err != nil || !actor.IsLocal() {
			continue
		}
		recipients = append(recipients, actor.ID)
	}

	followers, err := h.store.GetFollowerIDs(ctx, activity.Actor)
	if err != nil {
		span.RecordError(err)
	}
	localPrefix := "https://" + h.config.Domain + "/"
	for _, id := range followers {
		if !seen[id] && strings.HasPrefix(id, localPrefix) {
			seen[id] = true
			recipients = append(recipients, id)
		}
	}

	payload, err := activity.MarshalPayload()
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}

	msgs := make([]queue.Message, 0, len(recipients))
	for _, id := range recipients {
		msg, err := queue.NewInboxMessage(queue.InboxPayload{
			Activity: payload,
			ActorID:  id,
			Secret:   h.config.KeySecret,
		})
		if err != nil {
			span.RecordError(err)
			return c.String(http.StatusInternalServerError, "internal server error")
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) > 0 {
		if err := h.queue.SendBatch(ctx, msgs); err != nil {
			span.RecordError(err)
			return c.String(http.StatusInternalServerError, "internal server error")
		}
	}
	return c.NoContent(http.StatusOK)
}

func (h Handler) actorURL(username string) string {
	return "https://" + h.config.Domain + "/ap/users/" + username
}

func readBody(c echo.Context) ([]byte, error) {
	body, ok := c.Get("body").([]byte)
	if ok {
		return body, nil
	}
	raw := c.Request().Body
	if raw == nil {
		return nil, errors.New("request has no body")
	}
	defer raw.Close()
	return io.ReadAll(io.LimitReader(raw, 1<<20))
}
