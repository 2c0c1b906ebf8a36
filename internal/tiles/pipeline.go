package tiles

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxWorkers       = 4
	defaultMaxRetries       = 3
	defaultRetryDelay       = 100 * time.Millisecond
	defaultFetchTimeout     = 5 * time.Second
	defaultCacheTiles       = 400
	defaultCleanupThreshold = 450
	defaultCoalesceWindow   = 50 * time.Millisecond
	defaultUserAgent        = "ASRA-GCS/2.0"

	// idlePollInterval is how long a worker sleeps when the queue is empty.
	idlePollInterval = 50 * time.Millisecond
)

// WithWorkers sets the number of concurrent fetch workers.
func WithWorkers(n int) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.maxWorkers = n
	}
}

// WithHTTPClient sets the HTTP client used for tile fetches.
func WithHTTPClient(client *http.Client) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.client = client
	}
}

// WithRetry sets the maximum retry count and base backoff delay for
// transient HTTP failures.
func WithRetry(maxRetries int, delay time.Duration) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.maxRetries = maxRetries
		p.retryDelay = delay
	}
}

// WithCacheSize sets the steady-state in-memory tile count and the hard
// ceiling at which a batch eviction pass runs.
func WithCacheSize(maxTiles, cleanupThreshold int) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.cacheTiles = maxTiles
		p.cleanupThreshold = cleanupThreshold
	}
}

// WithCoalesceWindow sets the window within which tile-ready notifications
// collapse into a single renderer wake-up.
func WithCoalesceWindow(window time.Duration) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.coalesceWindow = window
	}
}

// WithUserAgent sets the User-Agent header sent to tile servers.
func WithUserAgent(ua string) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.userAgent = ua
	}
}

// WithPipelineLogger sets the logger for the pipeline.
func WithPipelineLogger(logger *slog.Logger) func(p *Pipeline) {
	return func(p *Pipeline) {
		p.logger = logger.With(slog.String("component", "tile_pipeline"))
	}
}

// ReadyTile is a completed tile handed to the renderer: the composite key
// plus the raw encoded bytes. Decoding is the consumer's job.
type ReadyTile struct {
	Key  Key
	Data []byte
}

// Stats aggregates pipeline counters for diagnostics. Fetch failures are
// never surfaced per tile; this is the only place they are visible.
type Stats struct {
	CacheHits    uint64
	CacheMisses  uint64
	FetchFailure uint64
}

// Pipeline satisfies tile requests from the in-memory LRU, the persistent
// store, or the network, in that order. Network fetches run on a bounded
// worker pool with per-key deduplication and retry on transient HTTP
// statuses. Completions are delivered through a coalesced notification
// channel so bulk loads wake the renderer once, not once per tile.
type Pipeline struct {
	store  *Store
	client *http.Client
	logger *slog.Logger

	maxWorkers       int
	maxRetries       int
	retryDelay       time.Duration
	cacheTiles       int
	cleanupThreshold int
	coalesceWindow   time.Duration
	userAgent        string

	mu          sync.Mutex
	queue       []Key
	inflight    map[Key]struct{}
	lru         *simplelru.LRU[Key, []byte]
	ready       []ReadyTile
	notifyTimer *time.Timer

	hits     atomic.Uint64
	misses   atomic.Uint64
	failures atomic.Uint64

	notify chan struct{}

	isRunning atomic.Bool
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// NewPipeline creates a fetch pipeline over the given persistent store.
func NewPipeline(store *Store, options ...func(p *Pipeline)) (*Pipeline, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	p := Pipeline{
		store:            store,
		logger:           logger,
		maxWorkers:       defaultMaxWorkers,
		maxRetries:       defaultMaxRetries,
		retryDelay:       defaultRetryDelay,
		cacheTiles:       defaultCacheTiles,
		cleanupThreshold: defaultCleanupThreshold,
		coalesceWindow:   defaultCoalesceWindow,
		userAgent:        defaultUserAgent,
		inflight:         make(map[Key]struct{}),
		notify:           make(chan struct{}, 1),
	}

	for _, option := range options {
		option(&p)
	}

	if p.client == nil {
		p.client = &http.Client{Timeout: defaultFetchTimeout}
	}
	if p.maxWorkers <= 0 || p.cacheTiles <= 0 || p.cacheTiles > p.cleanupThreshold {
		return nil, fmt.Errorf("invalid pipeline parameters: workers=%d, cacheTiles=%d, cleanupThreshold=%d",
			p.maxWorkers, p.cacheTiles, p.cleanupThreshold)
	}

	lru, err := simplelru.NewLRU[Key, []byte](p.cleanupThreshold, nil)
	if err != nil {
		return nil, fmt.Errorf("creating tile cache: %w", err)
	}
	p.lru = lru

	return &p, nil
}

// Start launches the fetch worker pool.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline is already running")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < p.maxWorkers; i++ {
		p.group.Go(func() error {
			p.runWorker(ctx)
			return nil
		})
	}
	return nil
}

// Stop terminates the worker pool and waits for in-progress fetches to
// finish. In-flight fetches are never cancelled mid-request; they complete
// or time out.
func (p *Pipeline) Stop() {
	if !p.isRunning.Load() {
		return // already stopped
	}

	p.cancel()
	_ = p.group.Wait()
	p.isRunning.Store(false)
}

// RequestTile asks for a tile by key. An in-memory or persistent cache hit
// produces an immediate ready notification without touching the network. A
// miss enqueues the key for the worker pool unless the same key is already
// queued or in flight.
func (p *Pipeline) RequestTile(ctx context.Context, key Key) {
	p.mu.Lock()
	if data, ok := p.lru.Get(key); ok {
		p.hits.Add(1)
		p.appendReadyLocked(ReadyTile{Key: key, Data: data})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	// Bounded-time lookup; a busy store reports a miss.
	if data, ok := p.store.Get(ctx, key); ok {
		p.hits.Add(1)
		p.mu.Lock()
		p.insertLocked(key, data)
		p.appendReadyLocked(ReadyTile{Key: key, Data: data})
		p.mu.Unlock()
		return
	}

	p.misses.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[key]; ok {
		return // already queued or downloading
	}
	p.inflight[key] = struct{}{}
	p.queue = append(p.queue, key)
}

// Cached returns the tile bytes from the in-memory cache without consulting
// the store or the network. Intended for the paint path; the lock is held
// only for the lookup.
func (p *Pipeline) Cached(key Key) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Get(key)
}

// CachedTiles returns the current in-memory cache population.
func (p *Pipeline) CachedTiles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// Ready signals that one or more tiles completed since the last drain.
// Multiple completions within the coalescing window produce one signal.
func (p *Pipeline) Ready() <-chan struct{} {
	return p.notify
}

// DrainReady returns all completed tiles accumulated since the previous
// drain. Never blocks; returns nil when nothing is pending.
func (p *Pipeline) DrainReady() []ReadyTile {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.ready) == 0 {
		return nil
	}
	ready := p.ready
	p.ready = nil
	return ready
}

// Stats returns aggregate counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		CacheHits:    p.hits.Load(),
		CacheMisses:  p.misses.Load(),
		FetchFailure: p.failures.Load(),
	}
}

func (p *Pipeline) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		key, ok := p.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePollInterval):
			}
			continue
		}

		p.fetch(ctx, key)
	}
}

func (p *Pipeline) dequeue() (Key, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return Key{}, false
	}
	key := p.queue[0]
	p.queue = p.queue[1:]
	return key, true
}

// fetch downloads one tile with bounded retries, persists it, and publishes
// the completion. Whatever the outcome, the key leaves the in-flight set so
// future requests may retry it.
func (p *Pipeline) fetch(ctx context.Context, key Key) {
	defer func() {
		p.mu.Lock()
		delete(p.inflight, key)
		p.mu.Unlock()
	}()

	url, err := key.URL()
	if err != nil {
		p.failures.Add(1)
		p.logger.Warn("unfetchable tile", slog.String("key", key.String()), slog.String("error", err.Error()))
		return
	}

	data, err := p.download(ctx, url)
	if err != nil {
		p.failures.Add(1)
		p.logger.Debug("tile fetch failed", slog.String("key", key.String()), slog.String("error", err.Error()))
		return
	}

	p.store.Put(ctx, key, data)

	p.mu.Lock()
	p.insertLocked(key, data)
	p.appendReadyLocked(ReadyTile{Key: key, Data: data})
	p.mu.Unlock()
}

func (p *Pipeline) download(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Warn("retrying tile fetch",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("User-Agent", p.userAgent)
		req.Header.Set("Accept", "image/*,*/*;q=0.8")

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("fetching tile: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			data, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				lastErr = fmt.Errorf("reading tile body: %w", err)
				continue
			}
			return data, nil
		}

		_ = resp.Body.Close()
		lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
		if !retryableStatus(resp.StatusCode) {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// insertLocked adds a tile to the in-memory cache, running a batch eviction
// pass first when the cache has reached the cleanup threshold. Eviction
// removes a chunk of least-recently-used entries in one pass to amortize
// cost under sustained load. Callers must hold p.mu.
func (p *Pipeline) insertLocked(key Key, data []byte) {
	if n := p.lru.Len(); n >= p.cleanupThreshold {
		evict := min(50, n/4)
		for i := 0; i < evict; i++ {
			if _, _, ok := p.lru.RemoveOldest(); !ok {
				break
			}
		}
	}
	p.lru.Add(key, data)
}

// appendReadyLocked queues a completion for the consumer and arms the
// coalescing timer when one is not already pending. Callers must hold p.mu.
func (p *Pipeline) appendReadyLocked(tile ReadyTile) {
	p.ready = append(p.ready, tile)

	if p.notifyTimer != nil {
		return
	}
	p.notifyTimer = time.AfterFunc(p.coalesceWindow, func() {
		p.mu.Lock()
		p.notifyTimer = nil
		p.mu.Unlock()

		select {
		case p.notify <- struct{}{}:
		default:
		}
	})
}
