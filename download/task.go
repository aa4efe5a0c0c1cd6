package download

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meigma/mediacache/internal/mediatype"
	"github.com/meigma/mediacache/store"
)

// State is the lifecycle state of a download task.
type State int

// Task states. Queued and Downloading are live; Cached, FailedTerminal, and
// Cancelled are terminal. FailedRetryable covers the backoff wait between
// attempts.
const (
	StateQueued State = iota
	StateDownloading
	StateFailedRetryable
	StateCached
	StateFailedTerminal
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDownloading:
		return "downloading"
	case StateFailedRetryable:
		return "failed-retryable"
	case StateCached:
		return "cached"
	case StateFailedTerminal:
		return "failed-terminal"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) terminal() bool {
	return s == StateCached || s == StateFailedTerminal || s == StateCancelled
}

// Progress is one point-in-time transfer update.
type Progress struct {
	BytesReceived int64

	// TotalBytes is the declared content size; negative when unknown.
	TotalBytes int64
}

// Outcome is the result delivered to every waiter of a task.
type Outcome struct {
	Entry store.Entry

	// Fallback is true when Entry is a lower-tier cached variant served
	// because the requested tier failed terminally.
	Fallback bool
}

// task is the coordinator's internal unit of work. Lifecycle fields are
// guarded by the coordinator mutex; progress counters are atomic.
type task struct {
	key        mediatype.Key
	kind       mediatype.Kind
	priority   mediatype.Priority
	enqueuedAt time.Time
	seq        uint64

	attempts int
	bo       backoff.BackOff

	state       State
	cancelFetch context.CancelFunc
	retryTimer  *time.Timer
	heapIndex   int

	release func() // store eviction protection

	done    chan struct{}
	outcome Outcome
	err     error

	received atomic.Int64
	total    atomic.Int64

	subMu sync.Mutex
	subs  map[int]chan Progress
	subID int
}

func (t *task) addProgress(n int64) {
	received := t.received.Add(n)
	p := Progress{BytesReceived: received, TotalBytes: t.total.Load()}

	t.subMu.Lock()
	for _, ch := range t.subs {
		select {
		case ch <- p:
		default:
			// Slow subscribers miss intermediate updates, never block the
			// transfer.
		}
	}
	t.subMu.Unlock()
}

func (t *task) closeSubs() {
	t.subMu.Lock()
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	t.subMu.Unlock()
}

// Handle is a caller's view of a submitted task. Concurrent submissions for
// the same key share one task; every handle observes the same outcome.
type Handle struct {
	c *Coordinator
	t *task
}

// Key returns the artifact key the task targets.
func (h *Handle) Key() mediatype.Key { return h.t.key }

// State returns the task's current state.
func (h *Handle) State() State {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.t.state
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-h.t.done:
		return h.t.outcome, h.t.err
	}
}

// Progress returns the latest transfer counters.
func (h *Handle) Progress() Progress {
	return Progress{
		BytesReceived: h.t.received.Load(),
		TotalBytes:    h.t.total.Load(),
	}
}

// Subscribe returns a channel of progress updates. The channel is closed
// when the task reaches a terminal state; cancel unsubscribes early and is
// safe to call more than once.
func (h *Handle) Subscribe() (<-chan Progress, func()) {
	ch := make(chan Progress, 16)

	h.t.subMu.Lock()
	select {
	case <-h.t.done:
		h.t.subMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := h.t.subID
	h.t.subID++
	if h.t.subs == nil {
		h.t.subs = make(map[int]chan Progress)
	}
	h.t.subs[id] = ch
	h.t.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.t.subMu.Lock()
			if _, ok := h.t.subs[id]; ok {
				delete(h.t.subs, id)
				close(ch)
			}
			h.t.subMu.Unlock()
		})
	}
}

// Cancel cancels the shared task. Because concurrent requesters share one
// task, cancellation is observed by all of them.
func (h *Handle) Cancel() {
	h.c.Cancel(h.t.key)
}

// taskHeap orders queued tasks by priority (high first), then enqueue order.
type taskHeap []*task

func (q taskHeap) Len() int { return len(q) }

func (q taskHeap) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskHeap) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *taskHeap) Push(x any) {
	t := x.(*task)
	t.heapIndex = len(*q)
	*q = append(*q, t)
}

func (q *taskHeap) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*q = old[:n-1]
	return t
}

// removeLocked takes t out of the queue. Callers hold the coordinator mutex.
func (q *taskHeap) removeLocked(t *task) {
	if t.heapIndex >= 0 && t.heapIndex < len(*q) && (*q)[t.heapIndex] == t {
		heap.Remove(q, t.heapIndex)
	}
}
