package ringside

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// PrefetchConfig configures the prefetch scheduler.
type PrefetchConfig struct {
	// Workers caps concurrently running prefetches. Default: 2.
	Workers int `json:"workers"`

	// QueueSize caps queued tasks. When the queue is full the lowest
	// priority task is dropped to make room. Default: 256.
	QueueSize int `json:"queue_size"`

	// DefaultTTL applies to tasks whose TTL is zero. Default: 60s.
	DefaultTTL time.Duration `json:"default_ttl"`
}

// DefaultPrefetchConfig returns a PrefetchConfig with sensible defaults.
func DefaultPrefetchConfig() PrefetchConfig {
	return PrefetchConfig{
		Workers:    2,
		QueueSize:  256,
		DefaultTTL: 60 * time.Second,
	}
}

// PrefetchTask describes one warm-up fetch.
type PrefetchTask struct {
	// Key is the cache key the result lands under.
	Key string
	// TTL overrides the scheduler's default freshness window.
	TTL time.Duration
	// Priority orders the queue; higher runs first.
	Priority int
	// Fetch loads the value. It shares dedupe with foreground reads.
	Fetch func(ctx context.Context) (any, error)
}

// PrefetchStats is a snapshot of scheduler counters. Scheduled counts
// accepted Schedule calls, including ones that superseded a queued task, so
// it can exceed the sum of the outcome counters.
type PrefetchStats struct {
	Scheduled int64 `json:"scheduled"`
	Completed int64 `json:"completed"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
	Canceled  int64 `json:"canceled"`
	QueueLen  int   `json:"queue_len"`
}

type queuedTask struct {
	task  PrefetchTask
	seq   int64
	index int
}

// taskHeap orders queued tasks by priority, highest first; equal priorities
// run in schedule order.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*queuedTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

var _ heap.Interface = (*taskHeap)(nil)

// Prefetcher warms the entry cache in the background. Tasks run by priority
// under a hard concurrency cap, share in-flight dedupe with foreground
// reads, and skip keys that are already fresh.
type Prefetcher struct {
	config PrefetchConfig
	cache  *EntryCache
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wake   chan struct{}

	mu     sync.Mutex
	queue  taskHeap
	queued map[string]*queuedTask
	seq    int64
	closed bool

	wg sync.WaitGroup

	scheduled atomic.Int64
	completed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	canceled  atomic.Int64
}

// NewPrefetcher creates a prefetch scheduler and starts its dispatcher.
func NewPrefetcher(config PrefetchConfig, cache *EntryCache, logger *slog.Logger) *Prefetcher {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Prefetcher{
		config: config,
		cache:  cache,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(int64(config.Workers)),
		wake:   make(chan struct{}, 1),
		queued: make(map[string]*queuedTask),
	}

	p.wg.Add(1)
	go p.dispatch()
	return p
}

// Schedule enqueues a prefetch task. Re-scheduling a key that is already
// queued replaces its priority and fetch instead of queueing a duplicate.
func (p *Prefetcher) Schedule(task PrefetchTask) error {
	if task.Key == "" || task.Fetch == nil {
		return errors.New("prefetch task requires a key and a fetch function")
	}
	if task.TTL <= 0 {
		task.TTL = p.config.DefaultTTL
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}

	p.scheduled.Add(1)

	if qt, ok := p.queued[task.Key]; ok {
		qt.task = task
		heap.Fix(&p.queue, qt.index)
		p.mu.Unlock()
		return nil
	}

	if len(p.queue) >= p.config.QueueSize {
		if !p.evictLowestLocked(task.Priority) {
			// Incoming task is the lowest priority of them all.
			p.mu.Unlock()
			p.canceled.Add(1)
			return nil
		}
	}

	p.seq++
	qt := &queuedTask{task: task, seq: p.seq}
	heap.Push(&p.queue, qt)
	p.queued[task.Key] = qt
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// evictLowestLocked drops the lowest-priority queued task to make room for
// one with priority incoming. Returns false when nothing queued is lower.
func (p *Prefetcher) evictLowestLocked(incoming int) bool {
	lowest := -1
	for i, qt := range p.queue {
		if qt.task.Priority >= incoming {
			continue
		}
		if lowest == -1 || p.queue.Less(lowest, i) {
			lowest = i
		}
	}
	if lowest == -1 {
		return false
	}

	dropped := heap.Remove(&p.queue, lowest).(*queuedTask)
	delete(p.queued, dropped.task.Key)
	p.canceled.Add(1)
	p.logger.Debug("prefetch queue full, dropped task",
		"key", dropped.task.Key, "priority", dropped.task.Priority)
	return true
}

// Cancel removes a queued task. A task that already started is not
// interrupted. Returns true if a queued task was removed.
func (p *Prefetcher) Cancel(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	qt, ok := p.queued[key]
	if !ok {
		return false
	}
	heap.Remove(&p.queue, qt.index)
	delete(p.queued, key)
	p.canceled.Add(1)
	return true
}

// Stats returns a snapshot of scheduler counters.
func (p *Prefetcher) Stats() PrefetchStats {
	p.mu.Lock()
	qlen := len(p.queue)
	p.mu.Unlock()

	return PrefetchStats{
		Scheduled: p.scheduled.Load(),
		Completed: p.completed.Load(),
		Skipped:   p.skipped.Load(),
		Failed:    p.failed.Load(),
		Canceled:  p.canceled.Load(),
		QueueLen:  qlen,
	}
}

// Close stops the scheduler, drops queued tasks, and waits for running
// prefetches to settle. Flights observe the scheduler context, so a fetch
// interrupted here returns ctx.Err() and never writes into the cache.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	dropped := len(p.queue)
	p.queue = nil
	p.queued = make(map[string]*queuedTask)
	p.mu.Unlock()

	p.canceled.Add(int64(dropped))
	p.cancel()
	p.wg.Wait()
}

func (p *Prefetcher) dispatch() {
	defer p.wg.Done()

	for {
		qt := p.next()
		if qt == nil {
			select {
			case <-p.ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.canceled.Add(1)
			return
		}

		p.wg.Add(1)
		go func(task PrefetchTask) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.run(task)
		}(qt.task)
	}
}

func (p *Prefetcher) next() *queuedTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	qt := heap.Pop(&p.queue).(*queuedTask)
	delete(p.queued, qt.task.Key)
	return qt
}

func (p *Prefetcher) run(task PrefetchTask) {
	if p.cache.Fresh(task.Key) {
		p.skipped.Add(1)
		return
	}

	_, err := p.cache.GetOrFetch(p.ctx, task.Key, task.TTL, task.Fetch)
	switch {
	case err == nil:
		p.completed.Add(1)
	case errors.Is(err, context.Canceled):
		p.canceled.Add(1)
	default:
		p.failed.Add(1)
		p.logger.Debug("prefetch failed", "key", task.Key, "err", err)
	}
}
