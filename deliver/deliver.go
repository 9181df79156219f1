// Package deliver pushes signed activities to remote inboxes and fans
// them out to follower sets through the job queue.
package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/cloudflare/wildebeest-sub000/fetch"
	"github.com/cloudflare/wildebeest-sub000/httpsig"
	"github.com/cloudflare/wildebeest-sub000/queue"
	"github.com/cloudflare/wildebeest-sub000/store"
	"github.com/cloudflare/wildebeest-sub000/types"
)

var tracer = otel.Tracer("deliver")

// Error reports a remote inbox rejecting a delivery. The status and a
// body excerpt survive so the worker can log why a peer refused us.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("delivery rejected with status %d: %s", e.StatusCode, e.Body)
}

// Deliverer signs and sends activities on behalf of local actors.
type Deliverer struct {
	store  *store.Store
	fetch  *fetch.Client
	queue  queue.Enqueuer
	config types.FedConfig
	http   *http.Client
}

// NewDeliverer returns a new Deliverer.
func NewDeliverer(store *store.Store, fetch *fetch.Client, queue queue.Enqueuer, config types.FedConfig) *Deliverer {
	return &Deliverer{
		store:  store,
		fetch:  fetch,
		queue:  queue,
		config: config,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
}

// ToActor delivers one activity from a local actor to a remote actor's
// inbox. The destination profile is resolved through the actor cache and
// the request is signed with the sender's unwrapped key. A non-2xx
// response surfaces as *Error.
func (d *Deliverer) ToActor(ctx context.Context, activity json.RawMessage, from types.Actor, toActorID, secret string) error {
	ctx, span := tracer.Start(ctx, "DeliverToActor")
	defer span.End()

	to, err := d.fetch.GetAndCacheActor(ctx, toActorID, &from)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "resolve destination actor")
	}

	inbox, err := ActorInbox(to)
	if err != nil {
		span.RecordError(err)
		return err
	}

	priv, err := d.store.LoadKey(ctx, from, secret)
	if err != nil {
		span.RecordError(err)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(activity))
	if err != nil {
		return errors.Wrap(err, "create delivery request")
	}
	req.Header.Set("Content-Type", types.ActivityJSONType)
	req.Header.Set("User-Agent", fetch.UserAgent)

	if err := httpsig.SignRequest(req, priv, from.ID+"#main-key", activity); err != nil {
		return err
	}

	resp, err := d.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "post to inbox")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := &Error{StatusCode: resp.StatusCode, Body: string(body)}
		span.RecordError(err)
		return err
	}
	return nil
}

// ToFollowers enqueues one delivery job per accepted follower of the
// sending actor. The queue splits the fan-out into bounded batches.
func (d *Deliverer) ToFollowers(ctx context.Context, activity json.RawMessage, from types.Actor) error {
	ctx, span := tracer.Start(ctx, "DeliverToFollowers")
	defer span.End()

	followers, err := d.store.GetFollowerIDs(ctx, from.ID)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "list followers")
	}
	return d.ToActors(ctx, activity, from, followers)
}

// ToActors enqueues one delivery job per destination actor.
func (d *Deliverer) ToActors(ctx context.Context, activity json.RawMessage, from types.Actor, toActorIDs []string) error {
	ctx, span := tracer.Start(ctx, "DeliverToActors")
	defer span.End()

	msgs := make([]queue.Message, 0, len(toActorIDs))
	for _, to := range toActorIDs {
		if to == from.ID || to == types.PublicCollection {
			continue
		}
		msg, err := queue.NewDeliverMessage(queue.DeliverPayload{
			Activity:  activity,
			ActorID:   from.ID,
			ToActorID: to,
			Secret:    d.config.KeySecret,
		})
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	return d.queue.SendBatch(ctx, msgs)
}

// ActorInbox extracts the inbox URL from a stored actor's properties.
func ActorInbox(actor types.Actor) (string, error) {
	var props map[string]any
	if err := json.Unmarshal(actor.Properties, &props); err != nil {
		return "", errors.Wrap(err, "parse actor properties")
	}
	inbox, ok := types.NewRawApObj(props).GetString("inbox")
	if !ok || inbox == "" {
		return "", errors.Errorf("actor %s has no inbox", actor.ID)
	}
	return inbox, nil
}
