// Package worker consumes the job queue: outbound deliveries and
// verified inbound activities both land here, keeping the HTTP surface
// free of slow federation round trips.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/cloudflare/wildebeest-sub000/ap"
	"github.com/cloudflare/wildebeest-sub000/deliver"
	"github.com/cloudflare/wildebeest-sub000/queue"
	"github.com/cloudflare/wildebeest-sub000/store"
	"github.com/cloudflare/wildebeest-sub000/timeline"
	"github.com/cloudflare/wildebeest-sub000/types"
)

var tracer = otel.Tracer("worker")

// Worker drains the queue and dispatches jobs by kind.
type Worker struct {
	queue    *queue.Queue
	store    *store.Store
	service  *ap.Service
	deliver  *deliver.Deliverer
	timeline timeline.Projector
}

// NewWorker returns a new queue consumer.
func NewWorker(queue *queue.Queue, store *store.Store, service *ap.Service, deliver *deliver.Deliverer, timeline timeline.Projector) *Worker {
	return &Worker{queue: queue, store: store, service: service, deliver: deliver, timeline: timeline}
}

// Run consumes batches until the context ends. Each batch is settled
// concurrently; a failing message is logged and dropped rather than
// poisoning its batch.
func (w *Worker) Run(ctx context.Context) {
	log.Println("worker started")
	for {
		batch, err := w.queue.ReceiveBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("worker stopped")
				return
			}
			log.Println("failed to receive batch:", err)
			time.Sleep(time.Second)
			continue
		}
		w.processBatch(ctx, batch)
	}
}

func (w *Worker) processBatch(ctx context.Context, msgs []queue.Message) {
	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func(msg queue.Message) {
			defer wg.Done()
			if err := w.Handle(ctx, msg); err != nil {
				log.Printf("job %s (%s) failed: %v", msg.ID, msg.Kind, err)
			}
		}(msg)
	}
	wg.Wait()
}

// Handle executes a single job.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	ctx, span := tracer.Start(ctx, "WorkerHandle")
	defer span.End()

	switch msg.Kind {
	case queue.KindDeliver:
		return w.handleDeliver(ctx, msg)
	case queue.KindInbox:
		return w.handleInbox(ctx, msg)
	default:
		return errors.Errorf("unknown job kind: %s", msg.Kind)
	}
}

func (w *Worker) handleDeliver(ctx context.Context, msg queue.Message) error {
	ctx, span := tracer.Start(ctx, "WorkerHandleDeliver")
	defer span.End()

	var payload queue.DeliverPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return errors.Wrap(err, "unmarshal deliver payload")
	}

	from, err := w.store.GetActorByID(ctx, payload.ActorID)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "load sending actor")
	}

	err = w.deliver.ToActor(ctx, payload.Activity, from, payload.ToActorID, payload.Secret)
	if err != nil {
		span.RecordError(err)
		var dErr *deliver.Error
		if errors.As(err, &dErr) {
			log.Printf("inbox %s rejected delivery: status %d", payload.ToActorID, dErr.StatusCode)
		}
		return err
	}
	return nil
}

func (w *Worker) handleInbox(ctx context.Context, msg queue.Message) error {
	ctx, span := tracer.Start(ctx, "WorkerHandleInbox")
	defer span.End()

	var payload queue.InboxPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return errors.Wrap(err, "unmarshal inbox payload")
	}

	recipient, err := w.store.GetActorByID(ctx, payload.ActorID)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "load recipient actor")
	}

	activity, err := types.DecodeActivity(payload.Activity)
	if err != nil {
		return errors.Wrap(err, "decode queued activity")
	}

	if _, err := w.service.ProcessActivity(ctx, &recipient, activity, ap.ModeInbox); err != nil {
		span.RecordError(err)
		return err
	}

	if err := w.timeline.Project(ctx, recipient.ID); err != nil {
		log.Println("failed to project timeline:", err)
	}
	return nil
}
