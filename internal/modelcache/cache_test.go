package modelcache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/modelcache"
	"github.com/book-expert/tts-studio/internal/tts/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLoadRefused = errors.New("weights unavailable")

type fakeModel struct {
	key    core.ModelKey
	closed atomic.Bool
}

func (m *fakeModel) Key() core.ModelKey { return m.key }

func (m *fakeModel) Generate(context.Context, string, core.GenerateParams) (audio.Waveform, error) {
	return audio.Waveform{Samples: []float32{0}, SampleRate: 24000, Channels: 1}, nil
}

func (m *fakeModel) CreateClonePrompt(context.Context, core.PromptSource) ([]byte, error) {
	return []byte("prompt"), nil
}

func (m *fakeModel) SupportedSpeakers(context.Context) ([]string, error) { return nil, nil }

func (m *fakeModel) SupportedLanguages(context.Context) ([]string, error) { return nil, nil }

func (m *fakeModel) Close() error {
	m.closed.Store(true)

	return nil
}

type fakeLoader struct {
	mu      sync.Mutex
	loads   map[string]int
	models  map[string]*fakeModel
	failing map[string]bool
	gate    chan struct{}
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		loads:   make(map[string]int),
		models:  make(map[string]*fakeModel),
		failing: make(map[string]bool),
	}
}

func (l *fakeLoader) Load(ctx context.Context, key core.ModelKey) (core.Model, error) {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.loads[key.ModelID]++

	if l.failing[key.ModelID] {
		return nil, errLoadRefused
	}

	model := &fakeModel{key: key}
	l.models[key.ModelID] = model

	return model, nil
}

func (l *fakeLoader) loadCount(modelID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.loads[modelID]
}

func (l *fakeLoader) model(modelID string) *fakeModel {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.models[modelID]
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "modelcache-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func acquireAndRelease(t *testing.T, cache *modelcache.Cache, modelID string) {
	t.Helper()

	lease, err := cache.Acquire(context.Background(), modelID, "cpu")
	require.NoError(t, err)

	lease.Release()
}

func residentIDs(cache *modelcache.Cache) []string {
	var ids []string
	for _, key := range cache.Resident() {
		ids = append(ids, key.ModelID)
	}

	return ids
}

func TestAcquire_HitsDoNotEvict(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	cache := modelcache.New(loader, modelcache.Options{Capacity: 3}, newTestLogger(t))

	for _, id := range []string{"A", "B", "C", "A"} {
		acquireAndRelease(t, cache, id)
	}

	assert.Equal(t, []string{"A", "C", "B"}, residentIDs(cache))
	assert.Equal(t, 1, loader.loadCount("A"))
	assert.Equal(t, 1, loader.loadCount("B"))
	assert.Equal(t, 1, loader.loadCount("C"))

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(3), stats.Loads)
	assert.Equal(t, uint64(0), stats.Evictions)
}

func TestAcquire_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	cache := modelcache.New(loader, modelcache.Options{Capacity: 3}, newTestLogger(t))

	for _, id := range []string{"A", "B", "C", "A", "D"} {
		acquireAndRelease(t, cache, id)
	}

	assert.Equal(t, []string{"D", "A", "C"}, residentIDs(cache))
	assert.True(t, loader.model("B").closed.Load(), "evicted model must be released")
	assert.False(t, loader.model("A").closed.Load())
	assert.Equal(t, uint64(1), cache.Stats().Evictions)

	// B comes back with a fresh load and pushes out C.
	acquireAndRelease(t, cache, "B")
	assert.Equal(t, 2, loader.loadCount("B"))
	assert.Equal(t, []string{"B", "D", "A"}, residentIDs(cache))
}

func TestAcquire_LoadFailureIsNotCached(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.failing["broken"] = true
	cache := modelcache.New(loader, modelcache.Options{Capacity: 2}, newTestLogger(t))

	acquireAndRelease(t, cache, "A")

	_, err := cache.Acquire(context.Background(), "broken", "cpu")
	require.ErrorIs(t, err, core.ErrModelLoadFailure)
	require.ErrorIs(t, err, errLoadRefused)
	assert.Equal(t, core.KindModelLoadFailure, core.KindOf(err))

	assert.Equal(t, []string{"A"}, residentIDs(cache))

	_, err = cache.Acquire(context.Background(), "broken", "cpu")
	require.ErrorIs(t, err, core.ErrModelLoadFailure)
	assert.Equal(t, 2, loader.loadCount("broken"), "a failed key is retried, not remembered")
	assert.Equal(t, uint64(2), cache.Stats().LoadFailures)
}

func TestAcquire_LoadFailureAtCapacity(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.failing["broken"] = true
	cache := modelcache.New(loader, modelcache.Options{Capacity: 2}, newTestLogger(t))

	acquireAndRelease(t, cache, "A")
	acquireAndRelease(t, cache, "B")
	require.Equal(t, []string{"B", "A"}, residentIDs(cache))

	_, err := cache.Acquire(context.Background(), "broken", "cpu")
	require.ErrorIs(t, err, core.ErrModelLoadFailure)

	assert.Equal(t, []string{"B", "A"}, residentIDs(cache))
	assert.False(t, loader.model("A").closed.Load(), "a failed load must not unload a resident model")
	assert.Equal(t, uint64(0), cache.Stats().Evictions)

	acquireAndRelease(t, cache, "A")
	assert.Equal(t, 1, loader.loadCount("A"))
}

func TestStats_ReportsResidentModels(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cache := modelcache.New(loader, modelcache.Options{
		Capacity: 3,
		Now:      func() time.Time { return clock },
	}, newTestLogger(t))

	acquireAndRelease(t, cache, "A")

	lease, err := cache.Acquire(context.Background(), "B", "cpu")
	require.NoError(t, err)

	defer lease.Release()

	stats := cache.Stats()
	require.Len(t, stats.Models, 2)
	assert.Equal(t, lease.Key().String(), stats.Models[0].Key)
	assert.Equal(t, 1, stats.Models[0].InFlight)
	assert.Equal(t, 0, stats.Models[1].InFlight)
	assert.Equal(t, clock, stats.Models[1].LastUsed)
}

func TestAcquire_ConcurrentMissesShareOneLoad(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.gate = make(chan struct{})
	cache := modelcache.New(loader, modelcache.Options{Capacity: 3}, newTestLogger(t))

	const callers = 8

	var wg sync.WaitGroup

	errs := make(chan error, callers)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			lease, err := cache.Acquire(context.Background(), "A", "cpu")
			if err == nil {
				lease.Release()
			}

			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(loader.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, loader.loadCount("A"))
}

func TestAcquire_CachedKeyNotBlockedByOtherLoad(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	cache := modelcache.New(loader, modelcache.Options{Capacity: 3}, newTestLogger(t))

	acquireAndRelease(t, cache, "A")

	loader.mu.Lock()
	loader.gate = make(chan struct{})
	gate := loader.gate
	loader.mu.Unlock()

	done := make(chan error, 1)

	go func() {
		lease, err := cache.Acquire(context.Background(), "B", "cpu")
		if err == nil {
			lease.Release()
		}

		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	lease, err := cache.Acquire(ctx, "A", "cpu")
	require.NoError(t, err, "a resident model must be served while another loads")
	lease.Release()

	close(gate)
	require.NoError(t, <-done)
}

func TestAcquire_EvictedWhileLeasedClosesOnRelease(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	cache := modelcache.New(loader, modelcache.Options{Capacity: 1}, newTestLogger(t))

	leaseA, err := cache.Acquire(context.Background(), "A", "cpu")
	require.NoError(t, err)

	acquireAndRelease(t, cache, "B")

	assert.Equal(t, []string{"B"}, residentIDs(cache))
	assert.False(t, loader.model("A").closed.Load(), "in-flight model stays usable")

	leaseA.Release()
	leaseA.Release()

	assert.True(t, loader.model("A").closed.Load())
}

func TestAcquire_PrecisionFollowsDevice(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	cache := modelcache.New(loader, modelcache.Options{Capacity: 3}, newTestLogger(t))

	for device, precision := range map[string]core.Precision{
		"cuda:0": core.PrecisionBFloat16,
		"mps":    core.PrecisionBFloat16,
		"cpu":    core.PrecisionFloat32,
	} {
		lease, err := cache.Acquire(context.Background(), "A", device)
		require.NoError(t, err)

		assert.Equal(t, precision, lease.Key().Precision, device)
		assert.Equal(t, precision, lease.Model().Key().Precision, device)
		lease.Release()
	}

	assert.Equal(t, 3, loader.loadCount("A"), "each device is its own slot")
}

func TestAcquire_CallerCancellationDoesNotAbortLoad(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	loader.gate = make(chan struct{})
	cache := modelcache.New(loader, modelcache.Options{Capacity: 3}, newTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := cache.Acquire(ctx, "A", "cpu")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(loader.gate)

	require.Eventually(t, func() bool {
		return len(cache.Resident()) == 1
	}, time.Second, 10*time.Millisecond)

	acquireAndRelease(t, cache, "A")
	assert.Equal(t, 1, loader.loadCount("A"))
}

func TestAcquire_RequiresModelID(t *testing.T) {
	t.Parallel()

	cache := modelcache.New(newFakeLoader(), modelcache.Options{}, newTestLogger(t))

	_, err := cache.Acquire(context.Background(), "", "cpu")
	require.ErrorIs(t, err, core.ErrInvalidRequest)
	assert.Equal(t, modelcache.DefaultCapacity, cache.Stats().Capacity)
}

type scriptedProbe struct {
	mu       sync.Mutex
	readings []uint64
}

func (p *scriptedProbe) AvailableBytes() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reading := p.readings[0]
	if len(p.readings) > 1 {
		p.readings = p.readings[1:]
	}

	return reading, nil
}

func TestAcquire_MemoryPressureEvictsExtra(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	probe := &scriptedProbe{readings: []uint64{1 << 40}}
	cache := modelcache.New(loader, modelcache.Options{
		Capacity:           3,
		MinFreeMemoryBytes: 1 << 30,
		Probe:              probe,
	}, newTestLogger(t))

	acquireAndRelease(t, cache, "A")
	acquireAndRelease(t, cache, "B")

	probe.mu.Lock()
	probe.readings = []uint64{1 << 20, 1 << 20, 1 << 40}
	probe.mu.Unlock()

	acquireAndRelease(t, cache, "C")

	assert.Equal(t, []string{"C"}, residentIDs(cache))
	assert.True(t, loader.model("A").closed.Load())
	assert.True(t, loader.model("B").closed.Load())
}

func TestClose(t *testing.T) {
	t.Parallel()

	loader := newFakeLoader()
	cache := modelcache.New(loader, modelcache.Options{Capacity: 3}, newTestLogger(t))

	acquireAndRelease(t, cache, "A")

	leaseB, err := cache.Acquire(context.Background(), "B", "cpu")
	require.NoError(t, err)

	require.NoError(t, cache.Close())
	assert.True(t, loader.model("A").closed.Load())
	assert.False(t, loader.model("B").closed.Load())

	leaseB.Release()
	assert.True(t, loader.model("B").closed.Load())

	_, err = cache.Acquire(context.Background(), "A", "cpu")
	require.ErrorIs(t, err, modelcache.ErrClosed)
}
