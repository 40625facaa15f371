package acct

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sony/gobreaker"

	"github.com/aristath/procore/internal/events"
)

// flushTimeout bounds how long Run keeps writing buffered records after its
// context is cancelled.
const flushTimeout = 2 * time.Second

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Store  Store
	BootID string
	Bus    *events.EventBus
	Retry  RetryConfig // zero value means DefaultRetryConfig
	Logger hclog.Logger
}

// Recorder turns process events into journal rows.
type Recorder struct {
	store   Store
	bootID  string
	events  <-chan events.Event
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	log     hclog.Logger

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewRecorder subscribes to the process topic of the bus. Subscribe before
// the machine starts or early events are missed.
func NewRecorder(opts RecorderOptions) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	retry := opts.Retry
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig()
	}
	return &Recorder{
		store:   opts.Store,
		bootID:  opts.BootID,
		events:  opts.Bus.Subscribe(events.TopicProc, 4096),
		breaker: newBreaker("journal", logger),
		retry:   retry,
		log:     logger,
	}
}

// BeginBoot writes the boot row. Process rows reference it.
func (r *Recorder) BeginBoot(ctx context.Context, init string, quantum int) error {
	return writeWithRetry(ctx, r.breaker, r.retry, func(ctx context.Context) error {
		return r.store.BeginBoot(ctx, Boot{ID: r.bootID, Init: init, Quantum: quantum, StartedAt: time.Now()})
	})
}

// EndBoot stamps the boot row with the hart counters.
func (r *Recorder) EndBoot(ctx context.Context, retired, ticks uint64) error {
	return writeWithRetry(ctx, r.breaker, r.retry, func(ctx context.Context) error {
		return r.store.EndBoot(ctx, r.bootID, retired, ticks)
	})
}

// Run writes records until the bus is closed. When ctx is cancelled first,
// the records already buffered are flushed before Run returns.
func (r *Recorder) Run(ctx context.Context) error {
	// A write in progress is not abandoned by cancellation.
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return nil
			}
			r.record(wctx, ev)
		case <-ctx.Done():
			r.flush(ctx)
			return nil
		}
	}
}

func (r *Recorder) flush(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), flushTimeout)
	defer cancel()
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.record(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev events.Event) {
	var op func(context.Context) error
	switch e := ev.(type) {
	case events.TaskExitedEvent:
		op = func(ctx context.Context) error {
			return r.store.RecordExit(ctx, ExitRecord{
				BootID: r.bootID,
				PID:    e.Task,
				Parent: e.Parent,
				Image:  e.Image,
				Code:   e.Code,
				At:     e.Timestamp,
			})
		}
	case events.TaskReapedEvent:
		op = func(ctx context.Context) error {
			return r.store.RecordReap(ctx, ReapRecord{
				BootID:  r.bootID,
				PID:     e.Task,
				Parent:  e.Parent,
				Code:    e.Code,
				Orphans: e.Orphans,
				At:      e.Timestamp,
			})
		}
	default:
		return
	}

	if err := writeWithRetry(ctx, r.breaker, r.retry, op); err != nil {
		r.dropped.Add(1)
		r.log.Error("dropping journal record", "event", ev.EventType(), "pid", ev.PID(), "error", err)
		return
	}
	r.written.Add(1)
}

// Written returns the number of rows written.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Dropped returns the number of records given up on.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }
