// Package queue is the redis-backed job queue between the HTTP surface
// and the worker. Inbound activities and outbound deliveries are both
// queued so the web handlers stay fast and redeliveries are isolated.
package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("queue")

// MaxBatchSize caps how many messages a single enqueue command carries.
// Larger fan-outs are split into multiple commands.
const MaxBatchSize = 100

// DefaultKey is the redis list the worker consumes.
const DefaultKey = "federation-jobs"

// Kind discriminates queued job types.
type Kind string

const (
	// KindDeliver pushes a signed activity to one remote inbox.
	KindDeliver Kind = "deliver"
	// KindInbox processes a verified inbound activity for a local actor.
	KindInbox Kind = "inbox"
)

// Message is the envelope stored on the redis list.
type Message struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// DeliverPayload carries one outbound delivery. Secret travels with the
// job so the worker can unwrap the origin actor's signing key without a
// shared-state lookup.
type DeliverPayload struct {
	Activity  json.RawMessage `json:"activity"`
	ActorID   string          `json:"actorID"`
	ToActorID string          `json:"toActorID"`
	Secret    string          `json:"secret"`
}

// InboxPayload carries one verified inbound activity addressed to a
// local actor.
type InboxPayload struct {
	Activity json.RawMessage `json:"activity"`
	ActorID  string          `json:"actorID"`
	Secret   string          `json:"secret"`
}

// NewDeliverMessage wraps a delivery job in a queue envelope.
func NewDeliverMessage(payload DeliverPayload) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, errors.Wrap(err, "marshal deliver payload")
	}
	return Message{ID: uuid.New().String(), Kind: KindDeliver, Payload: raw}, nil
}

// NewInboxMessage wraps an inbox job in a queue envelope.
func NewInboxMessage(payload InboxPayload) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, errors.Wrap(err, "marshal inbox payload")
	}
	return Message{ID: uuid.New().String(), Kind: KindInbox, Payload: raw}, nil
}

// Enqueuer is the producer half of the queue, split out so handlers and
// deliverers can take a narrow dependency.
type Enqueuer interface {
	Send(ctx context.Context, msg Message) error
	SendBatch(ctx context.Context, msgs []Message) error
}

// Queue is a redis list producer/consumer pair.
type Queue struct {
	rdb *redis.Client
	key string
}

// NewQueue returns a queue over the given redis list key. Pass
// DefaultKey unless tests need isolation.
func NewQueue(rdb *redis.Client, key string) *Queue {
	return &Queue{rdb: rdb, key: key}
}

// Send enqueues a single message.
func (q *Queue) Send(ctx context.Context, msg Message) error {
	return q.SendBatch(ctx, []Message{msg})
}

// SendBatch enqueues messages in chunks of at most MaxBatchSize per
// redis command. Chunks are pushed concurrently and all of them are
// attempted even when one fails; the first failure is reported after
// every chunk has settled.
func (q *Queue) SendBatch(ctx context.Context, msgs []Message) error {
	ctx, span := tracer.Start(ctx, "QueueSendBatch")
	defer span.End()

	chunks := chunk(msgs, MaxBatchSize)
	errs := make([]error, len(chunks))
	var wg sync.WaitGroup
	for i, batch := range chunks {
		values := make([]interface{}, 0, len(batch))
		for _, msg := range batch {
			raw, err := json.Marshal(msg)
			if err != nil {
				return errors.Wrap(err, "marshal queue message")
			}
			values = append(values, raw)
		}
		wg.Add(1)
		go func(i int, values []interface{}) {
			defer wg.Done()
			errs[i] = q.rdb.RPush(ctx, q.key, values...).Err()
		}(i, values)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			span.RecordError(err)
			return errors.Wrap(err, "enqueue batch")
		}
	}
	return nil
}

// Receive blocks until a message is available or the context ends.
func (q *Queue) Receive(ctx context.Context) (Message, error) {
	result, err := q.rdb.BLPop(ctx, 0, q.key).Result()
	if err != nil {
		return Message{}, errors.Wrap(err, "dequeue")
	}
	// BLPop returns [key, value].
	if len(result) != 2 {
		return Message{}, errors.New("unexpected BLPOP reply shape")
	}

	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return Message{}, errors.Wrap(err, "unmarshal queue message")
	}
	return msg, nil
}

// ReceiveBatch blocks for the first available message, then drains up to
// MaxBatchSize-1 more without blocking so the consumer can settle a
// whole batch concurrently.
func (q *Queue) ReceiveBatch(ctx context.Context) ([]Message, error) {
	first, err := q.Receive(ctx)
	if err != nil {
		return nil, err
	}
	msgs := []Message{first}

	rest, err := q.rdb.LPopCount(ctx, q.key, MaxBatchSize-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return msgs, nil
	}
	for _, raw := range rest {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func chunk(msgs []Message, size int) [][]Message {
	var out [][]Message
	for len(msgs) > size {
		out = append(out, msgs[:size])
		msgs = msgs[size:]
	}
	if len(msgs) > 0 {
		out = append(out, msgs)
	}
	return out
}
