package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/util"
)

var ErrQueueFull = errors.New("submission queue full")

// Job is the unit of work delivered to a handler. Payload is the JSON
// snapshot of the order at enqueue time; the queue owns the job lifecycle
// (attempts, backoff, dead set), the handler owns only the processing.
type Job struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	Payload    []byte    `json:"payload"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Handler processes one delivered job. A non-nil error triggers redelivery
// until attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// Config tunes delivery. Defaults mirror the production submission policy:
// 3 attempts, exponential backoff from 1s, 10 concurrent jobs, 10 job
// starts per second.
type Config struct {
	Attempts     int
	BackoffBase  time.Duration
	Concurrency  int
	DispatchRate int
	Buffer       int
}

func DefaultConfig() Config {
	return Config{
		Attempts:     3,
		BackoffBase:  time.Second,
		Concurrency:  10,
		DispatchRate: 10,
		Buffer:       256,
	}
}

// Queue is an at-least-once work queue: one job per order, durable via the
// pebble journal, redelivered with exponential backoff on handler failure.
type Queue struct {
	cfg     Config
	journal *Journal
	clk     util.Clock
	log     *zap.SugaredLogger

	ch      chan *Job
	limiter *rate.Limiter
	wg      sync.WaitGroup
}

func New(cfg Config, journal *Journal, clk util.Clock, log *zap.SugaredLogger) *Queue {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DispatchRate <= 0 {
		cfg.DispatchRate = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if clk == nil {
		clk = util.RealClock{}
	}
	return &Queue{
		cfg:     cfg,
		journal: journal,
		clk:     clk,
		log:     log,
		ch:      make(chan *Job, cfg.Buffer),
		// Burst 1 paces starts evenly at DispatchRate: any 1s window
		// admits at most DispatchRate+1 starts, with no initial burst
		// doubling the first window.
		limiter: rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1),
	}
}

// Enqueue snapshots the order, journals the job, and hands it to the
// dispatch channel. Non-blocking: a full buffer is a fault, not a stall.
func (q *Queue) Enqueue(ctx context.Context, ord *order.Order) (string, error) {
	payload, err := json.Marshal(ord)
	if err != nil {
		return "", fmt.Errorf("snapshot order: %w", err)
	}
	job := &Job{
		ID:         uuid.NewString(),
		OrderID:    ord.ID,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	if err := q.journal.SavePending(job); err != nil {
		return "", err
	}
	select {
	case q.ch <- job:
	default:
		return "", ErrQueueFull
	}
	q.log.Infow("job_enqueued", "job_id", job.ID, "order_id", job.OrderID)
	return job.ID, nil
}

// Recover pushes jobs that were pending at the last shutdown back onto the
// dispatch channel, attempt counters intact. Call before Consume.
func (q *Queue) Recover() (int, error) {
	jobs, err := q.journal.PendingJobs()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		select {
		case q.ch <- job:
			n++
		default:
			q.log.Warnw("recover_buffer_full", "job_id", job.ID)
		}
	}
	return n, nil
}

// Consume runs the worker pool until ctx is done: at most Concurrency jobs
// in flight, at most DispatchRate job starts per second.
func (q *Queue) Consume(ctx context.Context, handler Handler) {
	sem := make(chan struct{}, q.cfg.Concurrency)
	for {
		var job *Job
		select {
		case <-ctx.Done():
			q.wg.Wait()
			return
		case job = <-q.ch:
		}

		if err := q.limiter.Wait(ctx); err != nil {
			q.wg.Wait()
			return
		}
		select {
		case <-ctx.Done():
			q.wg.Wait()
			return
		case sem <- struct{}{}:
		}

		q.wg.Add(1)
		go func(job *Job) {
			defer q.wg.Done()
			defer func() { <-sem }()
			q.dispatch(ctx, job, handler)
		}(job)
	}
}

func (q *Queue) dispatch(ctx context.Context, job *Job, handler Handler) {
	job.Attempt++
	err := handler(ctx, job)
	if err == nil {
		if ackErr := q.journal.Ack(job.ID); ackErr != nil {
			q.log.Errorw("job_ack_failed", "job_id", job.ID, "err", ackErr)
		}
		return
	}

	if job.Attempt >= q.cfg.Attempts {
		q.log.Warnw("job_abandoned",
			"job_id", job.ID,
			"order_id", job.OrderID,
			"attempts", job.Attempt,
			"err", err)
		if buryErr := q.journal.Bury(job); buryErr != nil {
			q.log.Errorw("job_bury_failed", "job_id", job.ID, "err", buryErr)
		}
		return
	}

	delay := Backoff(q.cfg.BackoffBase, job.Attempt-1)
	q.log.Infow("job_retry_scheduled",
		"job_id", job.ID,
		"order_id", job.OrderID,
		"attempt", job.Attempt,
		"delay_ms", delay.Milliseconds(),
		"err", err)
	if saveErr := q.journal.SavePending(job); saveErr != nil {
		q.log.Errorw("job_save_failed", "job_id", job.ID, "err", saveErr)
	}

	// Redelivery waits outside the pool so a backing-off job does not hold
	// a worker slot.
	go func() {
		if util.Sleep(ctx, q.clk, delay) != nil {
			return
		}
		select {
		case q.ch <- job:
		case <-ctx.Done():
		}
	}()
}

// maxBackoff caps redelivery delay if attempts are ever configured past the
// default 3.
const maxBackoff = 60 * time.Second

// Backoff returns base * 2^retry, capped at maxBackoff.
func Backoff(base time.Duration, retry int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if retry < 0 {
		retry = 0
	}
	if retry > 30 {
		return maxBackoff
	}
	d := base * time.Duration(1<<retry)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
