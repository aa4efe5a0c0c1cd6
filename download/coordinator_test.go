package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/mediacache/internal/mediatype"
	"github.com/meigma/mediacache/perf"
	"github.com/meigma/mediacache/remote"
	"github.com/meigma/mediacache/store"
)

// testRemote maps every key onto <base>/<tier>/<path> on a test server and
// reports sizes from the origin's body table.
type testRemote struct {
	baseURL string
	origin  *origin
}

func variantPath(path string, tier mediatype.Tier) string {
	return tier.String() + "/" + path
}

func (f *testRemote) Metadata(_ context.Context, path string, tier mediatype.Tier) (remote.Metadata, error) {
	if body, ok := f.origin.body(variantPath(path, tier)); ok {
		return remote.Metadata{Size: int64(len(body)), ContentType: "application/octet-stream"}, nil
	}
	return remote.Metadata{Size: -1}, nil
}

func (f *testRemote) DownloadURL(_ context.Context, path string, tier mediatype.Tier) (string, error) {
	return f.baseURL + "/" + variantPath(path, tier), nil
}

// origin is a scriptable httptest backend: per-variant bodies, a number of
// leading 500s, and gates that hold a response open until released.
type origin struct {
	mu     sync.Mutex
	bodies map[string][]byte
	fails  map[string]int
	gates  map[string]chan struct{}
	served []string
	hits   map[string]int
}

func newOrigin() *origin {
	return &origin{
		bodies: make(map[string][]byte),
		fails:  make(map[string]int),
		gates:  make(map[string]chan struct{}),
		hits:   make(map[string]int),
	}
}

func (o *origin) add(variant string, body []byte) {
	o.mu.Lock()
	o.bodies[variant] = body
	o.mu.Unlock()
}

func (o *origin) failFirst(variant string, n int) {
	o.mu.Lock()
	o.fails[variant] = n
	o.mu.Unlock()
}

// gate makes requests for variant block until the returned func is called.
func (o *origin) gate(variant string) func() {
	ch := make(chan struct{})
	o.mu.Lock()
	o.gates[variant] = ch
	o.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (o *origin) body(variant string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.bodies[variant]
	return b, ok
}

func (o *origin) servedOrder() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.served...)
}

func (o *origin) hitCount(variant string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[variant]
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	variant := r.URL.Path[1:]

	o.mu.Lock()
	o.hits[variant]++
	o.served = append(o.served, variant)
	gate := o.gates[variant]
	remaining := o.fails[variant]
	if remaining > 0 {
		o.fails[variant] = remaining - 1
	}
	body, ok := o.bodies[variant]
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if remaining > 0 {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Write(body)
}

type harness struct {
	coord  *Coordinator
	store  *store.Store
	origin *origin
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	o := newOrigin()
	srv := httptest.NewServer(o)
	t.Cleanup(srv.Close)

	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	objects := &testRemote{baseURL: srv.URL, origin: o}
	base := []Option{
		WithHTTPClient(srv.Client()),
		WithRetryPolicy(RetryPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 3}),
	}
	c := New(st, perf.NewTracker(), objects, append(base, opts...)...)
	t.Cleanup(c.Close)
	return &harness{coord: c, store: st, origin: o}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitDownloadsAndCaches(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key := mediatype.NewKey("videos/intro.mp4", mediatype.TierHigh)
	body := []byte("mp4 payload bytes")
	h.origin.add(variantPath(key.Path, key.Tier), body)

	handle, err := h.coord.Submit(key, mediatype.PriorityNormal)
	require.NoError(t, err)

	out, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.False(t, out.Fallback)
	assert.Equal(t, key, out.Entry.Key)
	assert.Equal(t, int64(len(body)), out.Entry.Size)
	assert.Equal(t, StateCached, handle.State())

	p := handle.Progress()
	assert.Equal(t, int64(len(body)), p.BytesReceived)
	assert.Equal(t, int64(len(body)), p.TotalBytes)

	_, ok := h.store.Lookup(key)
	assert.True(t, ok)
}

func TestSubmitDeduplicates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key := mediatype.NewKey("images/banner.png", mediatype.TierMedium)
	variant := variantPath(key.Path, key.Tier)
	h.origin.add(variant, []byte("png bytes"))
	release := h.origin.gate(variant)

	h1, err := h.coord.Submit(key, mediatype.PriorityNormal)
	require.NoError(t, err)
	h2, err := h.coord.Submit(key, mediatype.PriorityHigh)
	require.NoError(t, err)
	assert.Same(t, h1.t, h2.t, "same key attaches to the live task")

	release()
	out1, err := h1.Wait(waitCtx(t))
	require.NoError(t, err)
	out2, err := h2.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, out1.Entry.Location, out2.Entry.Location)
	assert.Equal(t, 1, h.origin.hitCount(variant), "one transfer serves all waiters")
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithMaxConcurrency(1))

	filler := mediatype.NewKey("docs/filler.txt", mediatype.TierLow)
	low := mediatype.NewKey("docs/low.txt", mediatype.TierLow)
	high := mediatype.NewKey("docs/high.txt", mediatype.TierLow)
	for _, k := range []mediatype.Key{filler, low, high} {
		h.origin.add(variantPath(k.Path, k.Tier), []byte("text"))
	}
	release := h.origin.gate(variantPath(filler.Path, filler.Tier))

	hf, err := h.coord.Submit(filler, mediatype.PriorityNormal)
	require.NoError(t, err)
	hl, err := h.coord.Submit(low, mediatype.PriorityLow)
	require.NoError(t, err)
	hh, err := h.coord.Submit(high, mediatype.PriorityHigh)
	require.NoError(t, err)

	release()
	for _, handle := range []*Handle{hf, hl, hh} {
		_, err := handle.Wait(waitCtx(t))
		require.NoError(t, err)
	}

	order := h.origin.servedOrder()
	require.Len(t, order, 3)
	assert.Equal(t, variantPath(high.Path, high.Tier), order[1], "high priority jumps the queue")
	assert.Equal(t, variantPath(low.Path, low.Tier), order[2])
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key := mediatype.NewKey("images/flaky.jpg", mediatype.TierMedium)
	variant := variantPath(key.Path, key.Tier)
	h.origin.add(variant, []byte("jpg bytes"))
	h.origin.failFirst(variant, 2)

	handle, err := h.coord.Submit(key, mediatype.PriorityNormal)
	require.NoError(t, err)

	out, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.False(t, out.Fallback)
	assert.Equal(t, 3, h.origin.hitCount(variant), "two 500s then success")
}

func TestTerminalNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key := mediatype.NewKey("images/ghost.png", mediatype.TierLow)

	handle, err := h.coord.Submit(key, mediatype.PriorityNormal)
	require.NoError(t, err)

	_, err = handle.Wait(waitCtx(t))
	require.ErrorIs(t, err, remote.ErrNotFound)
	assert.Equal(t, StateFailedTerminal, handle.State())
	assert.Equal(t, 1, h.origin.hitCount(variantPath(key.Path, key.Tier)), "404 is not retried")
}

func TestTerminalFallsBackToLowerTier(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	path := "videos/talk.mp4"
	lowKey := mediatype.NewKey(path, mediatype.TierLow)

	_, err := h.store.Put(lowKey, strings.NewReader("low-tier bytes"), store.PutInfo{
		Kind: mediatype.KindVideo,
		Size: int64(len("low-tier bytes")),
	})
	require.NoError(t, err)

	handle, err := h.coord.Submit(mediatype.NewKey(path, mediatype.TierHigh), mediatype.PriorityNormal)
	require.NoError(t, err)

	out, err := handle.Wait(waitCtx(t))
	require.NoError(t, err, "a cached lower tier stands in for the failed fetch")
	assert.True(t, out.Fallback)
	assert.Equal(t, lowKey, out.Entry.Key)
}

func TestSetNetworkPurgesIneligibleQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithMaxConcurrency(1))

	filler := mediatype.NewKey("docs/filler.txt", mediatype.TierLow)
	queued := mediatype.NewKey("docs/queued.txt", mediatype.TierLow)
	h.origin.add(variantPath(filler.Path, filler.Tier), []byte("text"))
	h.origin.add(variantPath(queued.Path, queued.Tier), []byte("text"))
	release := h.origin.gate(variantPath(filler.Path, filler.Tier))
	defer release()

	hf, err := h.coord.Submit(filler, mediatype.PriorityNormal)
	require.NoError(t, err)
	hq, err := h.coord.Submit(queued, mediatype.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, StateQueued, hq.State())

	h.coord.SetNetwork(mediatype.NetworkSnapshot{Class: mediatype.ConnOffline, Timestamp: time.Now()})

	_, err = hq.Wait(waitCtx(t))
	require.ErrorIs(t, err, ErrNetworkIneligible)
	assert.Equal(t, StateCancelled, hq.State())

	release()
	_, err = hf.Wait(waitCtx(t))
	require.NoError(t, err, "in-flight transfer is not purged")
}

func TestIneligibleSubmitWaitsForNetwork(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithNetwork(mediatype.NetworkSnapshot{Class: mediatype.ConnOffline}))
	key := mediatype.NewKey("docs/later.txt", mediatype.TierLow)
	h.origin.add(variantPath(key.Path, key.Tier), []byte("text"))

	handle, err := h.coord.Submit(key, mediatype.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, handle.State(), "ineligible work waits in queue")
	assert.Equal(t, 1, h.coord.Stats().Queued)

	h.coord.SetNetwork(mediatype.NetworkSnapshot{Class: mediatype.ConnWifi, Timestamp: time.Now()})
	_, err = handle.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithMaxConcurrency(1))

	filler := mediatype.NewKey("docs/filler.txt", mediatype.TierLow)
	victim := mediatype.NewKey("docs/victim.txt", mediatype.TierLow)
	h.origin.add(variantPath(filler.Path, filler.Tier), []byte("text"))
	h.origin.add(variantPath(victim.Path, victim.Tier), []byte("text"))
	release := h.origin.gate(variantPath(filler.Path, filler.Tier))
	defer release()

	_, err := h.coord.Submit(filler, mediatype.PriorityNormal)
	require.NoError(t, err)
	hv, err := h.coord.Submit(victim, mediatype.PriorityNormal)
	require.NoError(t, err)

	require.True(t, h.coord.Cancel(victim))
	_, err = hv.Wait(waitCtx(t))
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, hv.State())
	assert.False(t, h.coord.Cancel(victim), "no live task remains")
	assert.Zero(t, h.origin.hitCount(variantPath(victim.Path, victim.Tier)))
}

func TestSubscribeProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key := mediatype.NewKey("videos/clip.mp4", mediatype.TierMedium)
	body := make([]byte, 64<<10)
	h.origin.add(variantPath(key.Path, key.Tier), body)

	handle, err := h.coord.Submit(key, mediatype.PriorityNormal)
	require.NoError(t, err)
	updates, cancel := handle.Subscribe()
	defer cancel()

	var last Progress
	for p := range updates {
		assert.LessOrEqual(t, p.BytesReceived, int64(len(body)))
		last = p
	}
	if last.BytesReceived > 0 {
		assert.Equal(t, int64(len(body)), last.TotalBytes)
	}

	_, err = handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), handle.Progress().BytesReceived)
}

// decoratedRemote signs every transfer request, like an HTTPStore configured
// with credential headers.
type decoratedRemote struct {
	*testRemote
	token string
}

func (d *decoratedRemote) Decorate(req *http.Request) {
	req.Header.Set("Authorization", d.token)
}

func TestFetchDecoratesTransferRequests(t *testing.T) {
	t.Parallel()

	key := mediatype.NewKey("videos/private.mp4", mediatype.TierHigh)
	body := []byte("gated bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token xyz" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	objects := &decoratedRemote{
		testRemote: &testRemote{baseURL: srv.URL, origin: newOrigin()},
		token:      "token xyz",
	}
	c := New(st, perf.NewTracker(), objects, WithHTTPClient(srv.Client()))
	t.Cleanup(c.Close)

	handle, err := c.Submit(key, mediatype.PriorityNormal)
	require.NoError(t, err)

	out, err := handle.Wait(waitCtx(t))
	require.NoError(t, err, "the transfer carries the store's credentials")
	assert.Equal(t, int64(len(body)), out.Entry.Size)

	_, ok := st.Lookup(key)
	assert.True(t, ok)
}

func TestSubmitAfterClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.coord.Close()

	_, err := h.coord.Submit(mediatype.NewKey("docs/a.txt", mediatype.TierLow), mediatype.PriorityNormal)
	require.ErrorIs(t, err, ErrClosed)
}
