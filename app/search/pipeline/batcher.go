// Package pipeline implements the coalescing queues feeding the indexer.
// Events accumulate until a count or time threshold is reached and are then
// applied as one bulk operation, with bounded retry on write contention and
// a persistent dead letter record for permanently failed batches.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Status of a finished flush attempt.
type Status int

// Flush attempt results as reported by the flush callback. Abandonment is
// decided by the batcher once the retry budget is exhausted.
const (
	StatusCommitted Status = iota // batch applied, discard it
	StatusRetry                   // recoverable failure, re-submit the whole batch
	StatusFailed                  // permanent failure, retrying would not change the outcome
)

// Outcome reports how a flush attempt ended.
type Outcome struct {
	Status Status
	Err    error
}

// Done reports a committed flush.
func Done() Outcome { return Outcome{Status: StatusCommitted} }

// TryAgain reports a recoverable failure, typically lock contention.
func TryAgain(err error) Outcome { return Outcome{Status: StatusRetry, Err: err} }

// Failed reports a permanent failure.
func Failed(err error) Outcome { return Outcome{Status: StatusFailed, Err: err} }

// FlushFunc applies one drained batch.
type FlushFunc[T any] func(items []T) Outcome

// Params configures a Batcher.
type Params struct {
	FlushCount int           // drain when this many events pend, default 500
	FlushEvery time.Duration // drain when the oldest pending event is this old, default 300s
	MaxRetries int           // retry budget per batch, default 1000
	RetryDelay time.Duration // pause before a retried batch is re-applied, default 1s, negative for none
	Kind       string        // batch kind for logs and dead letter records
	DeadLetter *DeadLetter   // optional persistent record of abandoned batches
}

// job is one batch travelling through the retry loop, keeping its identity
// and original items across attempts.
type job[T any] struct {
	id       uuid.UUID
	items    []T
	attempts int // flush invocations so far
}

// Batcher coalesces events of type T into bulk flushes executed on a
// background worker. Add is safe for concurrent use; Close stops the worker
// after draining what is pending.
type Batcher[T any] struct {
	params  Params
	flushFn FlushFunc[T]

	mu      sync.Mutex
	pending deque.Deque[T]
	retries deque.Deque[*job[T]]

	firstPending atomic.Bool // an Add started a fresh coalescing window
	notifier     chan struct{}
	force        chan chan error
	shutdownWait sync.WaitGroup
	closeOnce    sync.Once
}

// New creates a batcher and starts its worker.
func New[T any](params Params, flush FlushFunc[T]) *Batcher[T] {
	if params.FlushCount <= 0 {
		params.FlushCount = 500
	}
	if params.FlushEvery <= 0 {
		params.FlushEvery = 300 * time.Second
	}
	if params.MaxRetries <= 0 {
		params.MaxRetries = 1000
	}
	if params.RetryDelay == 0 {
		params.RetryDelay = time.Second
	}
	b := &Batcher[T]{
		params:   params,
		flushFn:  flush,
		notifier: make(chan struct{}, 1),
		force:    make(chan chan error),
	}
	b.shutdownWait.Add(1)
	go b.worker()
	return b
}

// Add queues a single event. The event is applied once the queue reaches
// the count threshold or the time window expires, whichever first.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	b.pending.PushBack(item)
	first := b.pending.Len() == 1
	b.mu.Unlock()

	if first {
		b.firstPending.Store(true)
	}
	select {
	case b.notifier <- struct{}{}:
	default: // a wakeup is already pending, the worker re-checks the count
	}
}

// Flush forces a drain of everything pending, including retried batches,
// and waits for the result.
func (b *Batcher[T]) Flush() error {
	reply := make(chan error)
	b.force <- reply
	return <-reply
}

// Close drains the queue and stops the worker. No Add or Flush calls may
// race with Close.
func (b *Batcher[T]) Close() error {
	b.closeOnce.Do(func() { close(b.notifier) })
	b.shutdownWait.Wait()
	return nil
}

func (b *Batcher[T]) worker() {
	defer b.shutdownWait.Done()
	log.Printf("[INFO] %s batcher started", b.params.Kind)

	tmr := time.NewTimer(b.params.FlushEvery)
	defer tmr.Stop()

	retryTmr := time.NewTimer(time.Hour)
	retryTmr.Stop()
	defer retryTmr.Stop()
	retryArmed := false

	for {
		if !retryArmed && b.retriesLen() > 0 {
			resetTimer(retryTmr, b.params.RetryDelay)
			retryArmed = true
		}

		select {
		case <-tmr.C:
			b.drain()
			tmr.Reset(b.params.FlushEvery)
		case <-retryTmr.C:
			retryArmed = false
			b.drain()
		case _, ok := <-b.notifier:
			if !ok {
				b.drain()
				b.abandonRetrying()
				log.Printf("[INFO] %s batcher stopped", b.params.Kind)
				return
			}
			// the window is measured from the oldest pending event
			if b.firstPending.Swap(false) {
				resetTimer(tmr, b.params.FlushEvery)
			}
			if b.pendingLen() >= b.params.FlushCount {
				b.drain()
			}
		case reply := <-b.force:
			reply <- b.drain()
		}
	}
}

// drain applies retried batches first, then whatever accumulated, each at
// most once per call. Re-submitted batches wait for the next cycle.
func (b *Batcher[T]) drain() error {
	b.mu.Lock()
	jobs := make([]*job[T], 0, b.retries.Len()+1)
	for b.retries.Len() > 0 {
		jobs = append(jobs, b.retries.PopFront())
	}
	if b.pending.Len() > 0 {
		items := make([]T, 0, b.pending.Len())
		for b.pending.Len() > 0 {
			items = append(items, b.pending.PopFront())
		}
		jobs = append(jobs, &job[T]{id: uuid.New(), items: items})
	}
	b.mu.Unlock()

	var firstErr error
	for _, j := range jobs {
		if err := b.apply(j); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// abandonRetrying dead-letters every batch still awaiting retry when the
// worker shuts down, so it is reported to the operator instead of lost.
func (b *Batcher[T]) abandonRetrying() {
	b.mu.Lock()
	jobs := make([]*job[T], 0, b.retries.Len())
	for b.retries.Len() > 0 {
		jobs = append(jobs, b.retries.PopFront())
	}
	b.mu.Unlock()

	for _, j := range jobs {
		b.abandon(j, errors.New("batcher closed while retry pending"))
	}
}

func (b *Batcher[T]) apply(j *job[T]) error {
	j.attempts++
	out := b.flushFn(j.items)

	switch out.Status {
	case StatusCommitted:
		if j.attempts > 1 {
			log.Printf("[INFO] %s batch %s committed after %d attempts", b.params.Kind, j.id, j.attempts)
		}
		return nil
	case StatusRetry:
		if j.attempts > b.params.MaxRetries {
			b.abandon(j, out.Err)
			return out.Err
		}
		b.mu.Lock()
		b.retries.PushBack(j)
		b.mu.Unlock()
		return out.Err
	default: // StatusFailed
		b.abandon(j, out.Err)
		return out.Err
	}
}

// abandon surfaces a permanent batch failure to the operator without
// blocking later batches.
func (b *Batcher[T]) abandon(j *job[T], reason error) {
	log.Printf("[ERROR] %s batch %s abandoned after %d attempts: %v",
		b.params.Kind, j.id, j.attempts, reason)
	if b.params.DeadLetter == nil {
		return
	}
	rec := Record{ID: j.id.String(), Kind: b.params.Kind, Attempts: j.attempts, Time: time.Now()}
	if reason != nil {
		rec.Reason = reason.Error()
	}
	if err := rec.setItems(j.items); err != nil {
		log.Printf("[WARN] cannot encode abandoned %s batch %s: %v", b.params.Kind, j.id, err)
	}
	if err := b.params.DeadLetter.Save(rec); err != nil {
		log.Printf("[WARN] cannot record abandoned %s batch %s: %v", b.params.Kind, j.id, err)
	}
}

func (b *Batcher[T]) pendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len()
}

func (b *Batcher[T]) retriesLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retries.Len()
}

func resetTimer(tmr *time.Timer, d time.Duration) {
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	tmr.Reset(d)
}
