// Package modelcache keeps a small, bounded set of loaded models resident and
// hands out leases on them.
//
// The cache is keyed by (model id, device, precision). At most Capacity
// models are resident; a load at capacity evicts the least recently used
// model once the new one is loaded, so a failed load leaves the cache as it
// was. Concurrent misses for the same key share
// one load. A model evicted while a caller still holds a lease on it is closed
// when the last lease is released.
package modelcache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/tts/ttsutils"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// DefaultCapacity is the number of models kept resident when none is configured.
const DefaultCapacity = 3

// Error message formats.
const (
	errFmtLoad       = "%w: %s: %w"
	errFmtEmptyModel = "%w: model id is required"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("model cache is closed")

// Options tune a Cache.
type Options struct {
	Capacity int
	// LoadTimeout bounds one load; zero means no bound beyond the caller's.
	LoadTimeout time.Duration
	// MinFreeMemoryBytes triggers extra LRU eviction before a load while the
	// probe reports less available memory. Zero disables the check.
	MinFreeMemoryBytes uint64
	Probe              MemoryProbe
	Now                func() time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Resident     int    `json:"resident"`
	Capacity     int    `json:"capacity"`
	Hits         uint64 `json:"hits"`
	Loads        uint64 `json:"loads"`
	LoadFailures uint64 `json:"load_failures"`
	Evictions    uint64 `json:"evictions"`
	// Models lists resident models, most recently used first.
	Models []ModelStats `json:"models"`
}

// ModelStats describes one resident model.
type ModelStats struct {
	Key      string    `json:"key"`
	LastUsed time.Time `json:"last_used"`
	InFlight int       `json:"in_flight"`
}

// entry is one resident model.
type entry struct {
	model    core.Model
	key      core.ModelKey
	lastUsed time.Time
	leases   int
	evicted  bool
}

// Lease grants use of a model for the duration of one call.
type Lease struct {
	cache  *Cache
	handle *entry
	once   sync.Once
}

// Model returns the leased model.
func (l *Lease) Model() core.Model { return l.handle.model }

// Key returns the cache key of the leased model.
func (l *Lease) Key() core.ModelKey { return l.handle.key }

// Release returns the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.cache.release(l.handle)
	})
}

// Cache is a capacity-bounded LRU of loaded models.
type Cache struct {
	loader      core.ModelLoader
	log         *logger.Logger
	probe       MemoryProbe
	now         func() time.Time
	loads       singleflight.Group
	loadSlots   *semaphore.Weighted
	capacity    int
	loadTimeout time.Duration
	minFree     uint64

	mu      sync.Mutex
	entries map[core.ModelKey]*list.Element
	order   *list.List // front is most recently used
	closed  bool
	stats   Stats
}

// New creates a cache that loads models through loader.
func New(loader core.ModelLoader, opts Options, log *logger.Logger) *Cache {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Cache{
		loader:      loader,
		log:         log,
		probe:       opts.Probe,
		now:         now,
		loadSlots:   semaphore.NewWeighted(int64(capacity)),
		capacity:    capacity,
		loadTimeout: opts.LoadTimeout,
		minFree:     opts.MinFreeMemoryBytes,
		entries:     make(map[core.ModelKey]*list.Element),
		order:       list.New(),
	}
}

// Acquire returns a lease on the model for (modelID, device), loading it if
// needed. The caller must Release the lease when the call is done.
func (c *Cache) Acquire(ctx context.Context, modelID, device string) (*Lease, error) {
	if modelID == "" {
		return nil, fmt.Errorf(errFmtEmptyModel, core.ErrInvalidRequest)
	}

	key := core.NewModelKey(modelID, device)

	for {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return nil, ctxErr
		}

		lease, leaseErr := c.tryLease(key)
		if leaseErr != nil {
			return nil, leaseErr
		}

		if lease != nil {
			return lease, nil
		}

		loadErr := c.awaitLoad(ctx, key)
		if loadErr != nil {
			return nil, loadErr
		}
	}
}

// Resident returns the keys of resident models, most recently used first.
func (c *Cache) Resident() []core.ModelKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]core.ModelKey, 0, c.order.Len())
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*entry).key)
	}

	return keys
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Resident = c.order.Len()
	stats.Capacity = c.capacity
	stats.Models = make([]ModelStats, 0, c.order.Len())

	for element := c.order.Front(); element != nil; element = element.Next() {
		handle := element.Value.(*entry)
		stats.Models = append(stats.Models, ModelStats{
			Key:      handle.key.String(),
			LastUsed: handle.lastUsed,
			InFlight: handle.leases,
		})
	}

	return stats
}

// Close evicts every model. Models still leased are closed on release.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true

	var idle []*entry

	for c.order.Len() > 0 {
		if handle := c.evictOldestLocked(); handle != nil {
			idle = append(idle, handle)
		}
	}
	c.mu.Unlock()

	var errs []error

	for _, handle := range idle {
		closeErr := handle.model.Close()
		if closeErr != nil {
			errs = append(errs, fmt.Errorf("failed to close model %s: %w", handle.key, closeErr))
		}
	}

	return errors.Join(errs...)
}

func (c *Cache) tryLease(key core.ModelKey) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	element, ok := c.entries[key]
	if !ok {
		return nil, nil
	}

	handle := element.Value.(*entry)
	handle.lastUsed = c.now()
	handle.leases++
	c.order.MoveToFront(element)
	c.stats.Hits++

	return &Lease{cache: c, handle: handle}, nil
}

// awaitLoad joins or starts the single load for key and waits for it or
// for ctx to end. A caller giving up does not cancel the shared load.
func (c *Cache) awaitLoad(ctx context.Context, key core.ModelKey) error {
	results := c.loads.DoChan(key.String(), func() (any, error) {
		return nil, c.load(context.WithoutCancel(ctx), key)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-results:
		return result.Err
	}
}

func (c *Cache) load(ctx context.Context, key core.ModelKey) error {
	slotErr := c.loadSlots.Acquire(ctx, 1)
	if slotErr != nil {
		return fmt.Errorf(errFmtLoad, core.ErrModelLoadFailure, key, slotErr)
	}
	defer c.loadSlots.Release(1)

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return ErrClosed
	}

	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()

		return nil
	}

	c.stats.Loads++
	c.mu.Unlock()

	c.relieveMemoryPressure()

	if c.loadTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.loadTimeout)
		defer cancel()
	}

	started := c.now()

	model, loadErr := c.loader.Load(ctx, key)

	c.mu.Lock()

	if loadErr != nil {
		c.stats.LoadFailures++
		c.mu.Unlock()

		c.log.Error("Failed to load model %s: %v", key, loadErr)

		return fmt.Errorf(errFmtLoad, core.ErrModelLoadFailure, key, loadErr)
	}

	if c.closed {
		c.mu.Unlock()

		c.closeIdle([]*entry{{model: model, key: key}})

		return ErrClosed
	}

	var idle []*entry

	for c.order.Len() >= c.capacity {
		if handle := c.evictOldestLocked(); handle != nil {
			idle = append(idle, handle)
		}
	}

	handle := &entry{model: model, key: key, lastUsed: c.now()}
	c.entries[key] = c.order.PushFront(handle)
	c.mu.Unlock()

	c.closeIdle(idle)
	c.log.Info("Loaded model %s in %s", key, ttsutils.FormatDuration(c.now().Sub(started)))

	return nil
}

// evictOldestLocked removes the least recently used handle. It returns the
// handle when it has no outstanding leases and must be closed by the caller.
func (c *Cache) evictOldestLocked() *entry {
	element := c.order.Back()
	if element == nil {
		return nil
	}

	handle := element.Value.(*entry)
	c.order.Remove(element)
	delete(c.entries, handle.key)
	handle.evicted = true
	c.stats.Evictions++

	if handle.leases > 0 {
		c.log.Info("Evicted model %s, closing after %d in-flight call(s)", handle.key, handle.leases)

		return nil
	}

	c.log.Info("Evicted model %s", handle.key)

	return handle
}

func (c *Cache) release(handle *entry) {
	c.mu.Lock()
	handle.leases--
	closeNow := handle.evicted && handle.leases == 0
	c.mu.Unlock()

	if closeNow {
		c.closeIdle([]*entry{handle})
	}
}

func (c *Cache) closeIdle(handles []*entry) {
	for _, handle := range handles {
		closeErr := handle.model.Close()
		if closeErr != nil {
			c.log.Warn("Failed to release model %s: %v", handle.key, closeErr)
		}
	}
}

func (c *Cache) relieveMemoryPressure() {
	if c.minFree == 0 || c.probe == nil {
		return
	}

	for {
		available, probeErr := c.probe.AvailableBytes()
		if probeErr != nil {
			c.log.Warn("Memory probe failed, skipping pressure eviction: %v", probeErr)

			return
		}

		if available >= c.minFree {
			return
		}

		c.mu.Lock()
		if c.order.Len() == 0 {
			c.mu.Unlock()

			c.log.Warn("Available memory below threshold with no resident models to evict")

			return
		}

		handle := c.evictOldestLocked()
		c.mu.Unlock()

		if handle != nil {
			c.closeIdle([]*entry{handle})
		}
	}
}
