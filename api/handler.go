package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/cloudflare/wildebeest-sub000/store"
	"github.com/cloudflare/wildebeest-sub000/types"
)

// Handler serves the local client API.
type Handler struct {
	service *Service
	store   *store.Store
}

// NewHandler returns a new client API handler.
func NewHandler(service *Service, store *store.Store) Handler {
	return Handler{service: service, store: store}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Register handles account creation.
func (h Handler) Register(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerRegister")
	defer span.End()

	var req registerRequest
	if err := c.Bind(&req); err != nil || req.Username == "" || req.Email == "" {
		return c.String(http.StatusBadRequest, "username and email are required")
	}

	actor, err := h.service.Register(ctx, req.Username, req.Email)
	if errors.Is(err, ErrUsernameTaken) {
		return c.String(http.StatusConflict, "username is already taken")
	}
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, actor)
}

type statusRequest struct {
	Email   string `json:"email"`
	Content string `json:"content"`
}

// CreateStatus handles note authoring.
func (h Handler) CreateStatus(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerCreateStatus")
	defer span.End()

	var req statusRequest
	if err := c.Bind(&req); err != nil || req.Content == "" {
		return c.String(http.StatusBadRequest, "content is required")
	}

	author, err := h.store.GetActorByEmail(ctx, req.Email)
	if err != nil {
		return c.String(http.StatusNotFound, "account not found")
	}

	obj, err := h.service.CreateNote(ctx, author, req.Content)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusCreated, obj)
}

type followRequest struct {
	Email  string `json:"email"`
	Target string `json:"target"`
}

// Follow handles following a remote handle.
func (h Handler) Follow(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerFollow")
	defer span.End()

	var req followRequest
	if err := c.Bind(&req); err != nil || req.Target == "" {
		return c.String(http.StatusBadRequest, "target is required")
	}

	follower, err := h.store.GetActorByEmail(ctx, req.Email)
	if err != nil {
		return c.String(http.StatusNotFound, "account not found")
	}

	edge, err := h.service.Follow(ctx, follower, req.Target)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, edge)
}

// Timeline serves the actor's projected home timeline with objects
// resolved inline.
func (h Handler) Timeline(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerTimeline")
	defer span.End()

	actor, err := h.store.GetActorByEmail(ctx, c.QueryParam("email"))
	if err != nil {
		return c.String(http.StatusNotFound, "account not found")
	}

	entries, err := h.store.GetTimeline(ctx, actor.ID)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}

	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		obj, err := h.store.GetObjectByID(ctx, entry.ObjectID)
		if err != nil {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(obj.Properties, &doc); err != nil {
			continue
		}
		items = append(items, doc)
	}
	return c.JSON(http.StatusOK, items)
}

// Notifications serves the actor's notification list.
func (h Handler) Notifications(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerNotifications")
	defer span.End()

	actor, err := h.store.GetActorByEmail(ctx, c.QueryParam("email"))
	if err != nil {
		return c.String(http.StatusNotFound, "account not found")
	}

	notifications, err := h.store.GetNotifications(ctx, actor.ID)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}
	if notifications == nil {
		notifications = []types.Notification{}
	}
	return c.JSON(http.StatusOK, notifications)
}
