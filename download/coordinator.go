// Package download schedules artifact fetches: a bounded worker pool fed by
// a priority queue, with single-flight deduplication per artifact key,
// centralized retry/backoff, a network eligibility gate re-checked at every
// dispatch, and quality fallback on terminal failure.
package download

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/meigma/mediacache/internal/mediatype"
	"github.com/meigma/mediacache/perf"
	"github.com/meigma/mediacache/remote"
	"github.com/meigma/mediacache/store"
)

// Sentinel errors.
var (
	// ErrCancelled is delivered to waiters of a cancelled task.
	ErrCancelled = errors.New("download cancelled")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("coordinator closed")
)

// DefaultMaxConcurrency bounds simultaneous transfers.
const DefaultMaxConcurrency = 3

// Coordinator owns the download queue and worker slots. One coordinator
// serves one store; all state is guarded by a single mutex.
type Coordinator struct {
	store   *store.Store
	perf    *perf.Tracker
	remote  remote.ObjectStore
	client  *http.Client
	retry   RetryPolicy
	elig    EligibilityPolicy
	maxConc int
	logger  *slog.Logger

	mu       sync.Mutex
	network  mediatype.NetworkSnapshot
	tasks    map[mediatype.Key]*task
	queue    taskHeap
	inflight int
	seq      uint64
	closed   bool

	wg sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxConcurrency sets the worker slot count. Defaults to 3.
func WithMaxConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxConc = n
		}
	}
}

// WithRetryPolicy overrides the retry/backoff policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) {
		if p.MaxAttempts > 0 {
			c.retry = p
		}
	}
}

// WithEligibility sets the network eligibility policy.
func WithEligibility(p EligibilityPolicy) Option {
	return func(c *Coordinator) { c.elig = p }
}

// WithHTTPClient sets the client used for transfers.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) {
		if client != nil {
			c.client = client
		}
	}
}

// WithNetwork sets the initial network assumption, used until the monitor
// publishes a snapshot.
func WithNetwork(n mediatype.NetworkSnapshot) Option {
	return func(c *Coordinator) { c.network = n }
}

// WithLogger sets the logger. Absent a logger the coordinator is silent.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New creates a coordinator writing into st, recording outcomes in tracker,
// and fetching from objects.
func New(st *store.Store, tracker *perf.Tracker, objects remote.ObjectStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   st,
		perf:    tracker,
		remote:  objects,
		client:  http.DefaultClient,
		retry:   DefaultRetryPolicy,
		maxConc: DefaultMaxConcurrency,
		network: mediatype.NetworkSnapshot{Class: mediatype.ConnWifi, Timestamp: time.Now()},
		tasks:   make(map[mediatype.Key]*task),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Coordinator) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Submit enqueues a fetch for key. If a live task for the same key already
// exists the request attaches to it instead of creating a duplicate; a
// higher priority on the new request promotes the queued task.
func (c *Coordinator) Submit(key mediatype.Key, priority mediatype.Priority) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if t, ok := c.tasks[key]; ok {
		if t.state == StateQueued && priority > t.priority {
			t.priority = priority
			heap.Fix(&c.queue, t.heapIndex)
		}
		return &Handle{c: c, t: t}, nil
	}

	c.seq++
	t := &task{
		key:        key,
		kind:       key.Kind(),
		priority:   priority,
		enqueuedAt: time.Now(),
		seq:        c.seq,
		bo:         c.retry.backOff(),
		state:      StateQueued,
		release:    c.store.Protect(key),
		done:       make(chan struct{}),
	}
	t.total.Store(-1)
	c.tasks[key] = t
	heap.Push(&c.queue, t)
	c.log().Debug("task queued", "key", key.String(), "priority", priority.String())
	c.dispatchLocked()
	return &Handle{c: c, t: t}, nil
}

// Cancel cancels the task for key, if any. Queued tasks leave the pool with
// no side effects; a downloading task has its transfer aborted best-effort.
// Returns false when no live task exists for key.
func (c *Coordinator) Cancel(key mediatype.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[key]
	if !ok {
		return false
	}
	switch t.state {
	case StateQueued:
		c.queue.removeLocked(t)
		c.finishLocked(t, StateCancelled, Outcome{}, ErrCancelled)
	case StateFailedRetryable:
		if t.retryTimer != nil {
			t.retryTimer.Stop()
		}
		c.finishLocked(t, StateCancelled, Outcome{}, ErrCancelled)
	case StateDownloading:
		if t.cancelFetch != nil {
			t.cancelFetch()
		}
	}
	return true
}

// Eligible reports whether policy currently allows fetching kind.
func (c *Coordinator) Eligible(kind mediatype.Kind) error {
	c.mu.Lock()
	n := c.network
	c.mu.Unlock()
	return c.elig.Check(n, kind)
}

// Network returns the coordinator's current network assumption.
func (c *Coordinator) Network() mediatype.NetworkSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.network
}

// SetNetwork publishes new network conditions. Queued tasks the new
// conditions disallow are purged to Cancelled rather than left to fail one
// by one; newly eligible tasks are dispatched.
func (c *Coordinator) SetNetwork(n mediatype.NetworkSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.network = n
	for _, t := range c.tasks {
		if t.state != StateQueued {
			continue
		}
		if err := c.elig.Check(n, t.kind); err != nil {
			c.queue.removeLocked(t)
			c.finishLocked(t, StateCancelled, Outcome{}, err)
		}
	}
	c.log().Debug("network changed", "class", n.Class.String(), "speed", n.Speed.String())
	c.dispatchLocked()
}

// Stats reports queue occupancy for diagnostics.
type Stats struct {
	Queued      int
	Downloading int
	Waiting     int // in retry backoff
}

// Stats returns a point-in-time view of task counts.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	for _, t := range c.tasks {
		switch t.state {
		case StateQueued:
			s.Queued++
		case StateDownloading:
			s.Downloading++
		case StateFailedRetryable:
			s.Waiting++
		}
	}
	return s
}

// Close cancels all live tasks and waits for in-flight transfers to wind
// down. Submit fails with ErrClosed afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, t := range c.tasks {
		switch t.state {
		case StateQueued:
			c.queue.removeLocked(t)
			c.finishLocked(t, StateCancelled, Outcome{}, ErrClosed)
		case StateFailedRetryable:
			if t.retryTimer != nil {
				t.retryTimer.Stop()
			}
			c.finishLocked(t, StateCancelled, Outcome{}, ErrClosed)
		case StateDownloading:
			if t.cancelFetch != nil {
				t.cancelFetch()
			}
		}
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// dispatchLocked fills free worker slots from the queue, skipping tasks the
// current network disallows. Callers hold the coordinator mutex.
func (c *Coordinator) dispatchLocked() {
	if c.closed {
		return
	}
	for c.inflight < c.maxConc && c.queue.Len() > 0 {
		t := c.popEligibleLocked()
		if t == nil {
			return
		}
		t.state = StateDownloading
		c.inflight++

		ctx, cancel := context.WithCancel(context.Background())
		t.cancelFetch = cancel
		c.wg.Add(1)
		go c.run(ctx, t)
	}
}

// popEligibleLocked pops the highest-priority queued task the current
// network allows, leaving ineligible tasks queued for a later network state.
func (c *Coordinator) popEligibleLocked() *task {
	var skipped []*task
	var picked *task
	for c.queue.Len() > 0 {
		t := heap.Pop(&c.queue).(*task)
		if c.elig.Check(c.network, t.kind) == nil {
			picked = t
			break
		}
		skipped = append(skipped, t)
	}
	for _, t := range skipped {
		heap.Push(&c.queue, t)
	}
	return picked
}

// run executes one attempt for t and routes the result through the state
// machine: success commits to the store, transient failures re-queue after
// backoff, terminal failures try a lower-tier cached fallback.
func (c *Coordinator) run(ctx context.Context, t *task) {
	defer c.wg.Done()

	c.mu.Lock()
	t.attempts++
	attempt := t.attempts
	c.mu.Unlock()

	start := time.Now()
	entry, err := c.fetchOnce(ctx, t)
	elapsed := time.Since(start)

	if err == nil {
		c.perf.Record(t.key.Path, perf.Sample{LoadTime: elapsed})
		c.log().Debug("download complete",
			"key", t.key.String(), "bytes", entry.Size, "elapsed", elapsed, "attempt", attempt)
		c.finish(t, StateCached, Outcome{Entry: entry}, nil)
		return
	}
	if ctx.Err() != nil {
		// Cancelled mid-transfer. The store's atomic commit already cleaned
		// up the partial temp file.
		c.finish(t, StateCancelled, Outcome{}, ErrCancelled)
		return
	}

	c.perf.Record(t.key.Path, perf.Sample{LoadTime: elapsed, Failed: true})

	c.mu.Lock()
	if retryable(err) && t.attempts < c.retry.MaxAttempts {
		delay := t.bo.NextBackOff()
		t.state = StateFailedRetryable
		c.inflight--
		c.log().Debug("download retry scheduled",
			"key", t.key.String(), "attempt", attempt, "delay", delay, "error", err)
		t.retryTimer = time.AfterFunc(delay, func() { c.requeue(t) })
		c.dispatchLocked()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.finishTerminal(t, err)
}

// requeue moves t from backoff wait back into the queue, unless it was
// cancelled while waiting.
func (c *Coordinator) requeue(t *task) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.state != StateFailedRetryable {
		return
	}
	t.retryTimer = nil
	t.state = StateQueued
	heap.Push(&c.queue, t)
	c.dispatchLocked()
}

// finishTerminal resolves a terminally failed task: a valid lower-tier
// cached variant of the same path is delivered instead of the error, so
// callers degrade gracefully rather than fail.
func (c *Coordinator) finishTerminal(t *task, cause error) {
	for tier := t.key.Tier; tier > mediatype.TierLowest; {
		tier = tier.Lower()
		if e, ok := c.store.Lookup(mediatype.NewKey(t.key.Path, tier)); ok {
			c.log().Info("serving lower-tier fallback",
				"key", t.key.String(), "fallback_tier", tier.String(), "error", cause)
			c.finish(t, StateFailedTerminal, Outcome{Entry: e, Fallback: true}, nil)
			return
		}
	}
	c.log().Warn("download failed", "key", t.key.String(), "attempts", t.attempts, "error", cause)
	c.finish(t, StateFailedTerminal, Outcome{}, cause)
}

func (c *Coordinator) finish(t *task, state State, outcome Outcome, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(t, state, outcome, err)
}

// finishLocked moves t to a terminal state and wakes every waiter. Callers
// hold the coordinator mutex.
func (c *Coordinator) finishLocked(t *task, state State, outcome Outcome, err error) {
	if t.state.terminal() {
		return
	}
	if t.state == StateDownloading {
		c.inflight--
	}
	t.state = state
	t.outcome = outcome
	t.err = err
	delete(c.tasks, t.key)
	if t.release != nil {
		t.release()
	}
	close(t.done)
	t.closeSubs()
	c.dispatchLocked()
}

// fetchOnce performs a single metadata-then-transfer attempt and commits the
// bytes through the store's atomic write path.
func (c *Coordinator) fetchOnce(ctx context.Context, t *task) (store.Entry, error) {
	md, err := c.remote.Metadata(ctx, t.key.Path, t.key.Tier)
	if err != nil {
		return store.Entry{}, fmt.Errorf("metadata %s: %w", t.key.Path, err)
	}

	url, err := c.remote.DownloadURL(ctx, t.key.Path, t.key.Tier)
	if err != nil {
		return store.Entry{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return store.Entry{}, err
	}
	if d, ok := c.remote.(remote.RequestDecorator); ok {
		d.Decorate(req)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return store.Entry{}, err
	}
	defer resp.Body.Close()

	switch sc := resp.StatusCode; {
	case sc == http.StatusOK:
	case sc == http.StatusNotFound:
		return store.Entry{}, fmt.Errorf("%s: %w", t.key.Path, remote.ErrNotFound)
	case sc == http.StatusUnauthorized, sc == http.StatusForbidden:
		return store.Entry{}, fmt.Errorf("%s: %w", t.key.Path, remote.ErrNotAuthenticated)
	default:
		return store.Entry{}, &statusError{code: sc, status: resp.Status}
	}

	size := md.Size
	if size < 0 {
		size = resp.ContentLength
	}
	t.total.Store(size)

	body := &progressReader{r: resp.Body, t: t}
	entry, err := c.store.Put(t.key, body, store.PutInfo{
		Kind:   t.kind,
		Size:   size,
		Digest: md.Digest,
	})
	if err != nil {
		return store.Entry{}, fmt.Errorf("commit %s: %w", t.key.String(), err)
	}
	return entry, nil
}

// progressReader counts transferred bytes and publishes updates to task
// subscribers.
type progressReader struct {
	r io.Reader
	t *task
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.t.addProgress(int64(n))
	}
	return n, err
}
