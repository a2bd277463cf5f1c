package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/queue"
	"github.com/uhyunpark/swapflow/pkg/venue"
)

// Event is one status push on an order's notification channel.
type Event struct {
	Status        order.Status `json:"status"`
	OrderID       string       `json:"orderId"`
	TxHash        string       `json:"txHash,omitempty"`
	Error         string       `json:"error,omitempty"`
	ExecutedPrice float64      `json:"executedPrice,omitempty"`
}

// Store is the slice of the order registry the executor mutates.
type Store interface {
	Put(*order.Order)
	Get(id string) (*order.Order, bool)
}

// Notifier pushes an event to whichever client is bound to the order.
// Delivery is best-effort; the executor never checks whether anyone heard.
type Notifier interface {
	Notify(orderID string, ev Event)
}

// Executor drives an order through its state machine:
//
//	pending -> routing -> building -> submitted -> confirmed
//	                 \______ any fault ______/-> failed
//
// It quotes both venues concurrently, executes on the cheaper one (ties go
// to venue A), and reports every transition to the store and the notifier.
type Executor struct {
	store    Store
	venueA   venue.Venue
	venueB   venue.Venue
	notifier Notifier
	log      *zap.SugaredLogger
}

func NewExecutor(store Store, venueA, venueB venue.Venue, notifier Notifier, log *zap.SugaredLogger) *Executor {
	return &Executor{
		store:    store,
		venueA:   venueA,
		venueB:   venueB,
		notifier: notifier,
		log:      log,
	}
}

// Process is the queue handler. A returned error tells the queue to apply
// its retry policy; the retried job restarts the pipeline from routing,
// quotes included. There is no stage checkpointing.
func (e *Executor) Process(ctx context.Context, job *queue.Job) error {
	var ord order.Order
	if err := json.Unmarshal(job.Payload, &ord); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}
	// The stored record may be ahead of the enqueue-time snapshot (retry
	// re-entry arrives with status=failed). Prefer it.
	if cur, ok := e.store.Get(ord.ID); ok {
		ord = *cur
	}

	e.log.Infow("order_processing",
		"order_id", ord.ID,
		"attempt", job.Attempt,
		"status", ord.Status)

	if err := e.run(ctx, &ord); err != nil {
		ord.Error = err.Error()
		if terr := e.transition(&ord, order.StatusFailed, Event{Error: ord.Error}); terr != nil {
			e.log.Warnw("failed_transition_rejected", "order_id", ord.ID, "status", ord.Status, "err", terr)
		}
		return err
	}
	return nil
}

func (e *Executor) run(ctx context.Context, ord *order.Order) error {
	// Retry re-entry carries the previous attempt's error; clear it so the
	// error field is only ever set while the order is failed.
	ord.Error = ""
	if err := e.transition(ord, order.StatusRouting, Event{}); err != nil {
		return err
	}

	// Quote both venues concurrently; either failure aborts the pipeline.
	var quoteA, quoteB float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q, err := e.venueA.Quote(gctx, ord.TokenIn, ord.TokenOut, ord.Amount)
		if err != nil {
			return fmt.Errorf("%s quote: %w", e.venueA.Name(), err)
		}
		quoteA = q
		return nil
	})
	g.Go(func() error {
		q, err := e.venueB.Quote(gctx, ord.TokenIn, ord.TokenOut, ord.Amount)
		if err != nil {
			return fmt.Errorf("%s quote: %w", e.venueB.Name(), err)
		}
		quoteB = q
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// Lower quote wins; a tie goes to venue A. One comparison, no special
	// casing.
	chosen := e.venueA
	if !(quoteA <= quoteB) {
		chosen = e.venueB
	}
	e.log.Infow("route_selected",
		"order_id", ord.ID,
		"venue", chosen.Name(),
		"quote_a", quoteA,
		"quote_b", quoteB)

	if err := e.transition(ord, order.StatusBuilding, Event{}); err != nil {
		return err
	}
	if err := e.transition(ord, order.StatusSubmitted, Event{}); err != nil {
		return err
	}

	exec, err := chosen.Execute(ctx, ord)
	if err != nil {
		return fmt.Errorf("%s execute: %w", chosen.Name(), err)
	}

	ord.TxHash = exec.TxHash
	return e.transition(ord, order.StatusConfirmed, Event{
		TxHash:        exec.TxHash,
		ExecutedPrice: exec.Price,
	})
}

// transition applies the status change, persists the order, and notifies.
// The extra fields of ev (txHash, error, executedPrice) are preserved;
// status and orderId are always stamped here.
func (e *Executor) transition(ord *order.Order, next order.Status, ev Event) error {
	if err := ord.Transition(next); err != nil {
		return err
	}
	e.store.Put(ord)
	ev.Status = next
	ev.OrderID = ord.ID
	e.notifier.Notify(ord.ID, ev)
	return nil
}
