package authz

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	mu      sync.Mutex
	set     PermissionSet
	err     error
	calls   int32
	delay   time.Duration
	blockCh chan struct{}
}

func (f *fakeLoader) Load(ctx context.Context, principalID, dealerID int64) (PermissionSet, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.blockCh != nil {
		<-f.blockCh
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return PermissionSet{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return PermissionSet{}, f.err
	}
	return f.set.Clone(), nil
}

func (f *fakeLoader) setResult(set PermissionSet, err error) {
	f.mu.Lock()
	f.set = set
	f.err = err
	f.mu.Unlock()
}

func testSet(version int64, grants ...PermissionRef) PermissionSet {
	set := NewPermissionSet(version)
	for _, ref := range grants {
		if ref.IsSystem() {
			set.System[ref.System] = struct{}{}
			continue
		}
		addModuleKey(set, ref.Module, ref.Key)
	}
	return set
}

func newTestCache(t *testing.T, loader Loader) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewCache(client, loader, logger, CacheConfig{
		ShortTTL:       time.Minute,
		LongTTL:        10 * time.Minute,
		StaleCeiling:   time.Hour,
		ResolveTimeout: time.Second,
	})
	t.Cleanup(c.Close)
	return c, mr
}

func TestCacheGetRoundTrip(t *testing.T) {
	want := testSet(1,
		ModuleRef(ModuleSalesOrders, KeyViewOrders),
		SystemRef(PermViewSystemReports),
	)
	loader := &fakeLoader{set: want}
	c, _ := newTestCache(t, loader)
	ctx := context.Background()

	got, err := c.Get(ctx, 5, 10)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
	assert.False(t, got.Degraded)

	// Second read hits the short tier.
	got2, err := c.Get(ctx, 5, 10)
	require.NoError(t, err)
	assert.True(t, want.Equal(got2))
	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.calls))
}

func TestCacheDurableTierSurvivesProcessRestart(t *testing.T) {
	want := testSet(2, ModuleRef(ModuleContacts, KeyViewOrders))
	loader := &fakeLoader{set: want}
	c, mr := newTestCache(t, loader)
	ctx := context.Background()

	_, err := c.Get(ctx, 5, 10)
	require.NoError(t, err)

	// A new cache instance over the same Redis simulates a restart. The
	// durable entry seeds it without touching the loader.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	failing := &fakeLoader{err: errors.New("store down")}
	fresh := NewCache(client, failing, logger, CacheConfig{
		ShortTTL:     time.Minute,
		LongTTL:      10 * time.Minute,
		StaleCeiling: time.Hour,
	})
	defer fresh.Close()

	got, err := fresh.Get(ctx, 5, 10)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
	assert.Equal(t, int32(0), atomic.LoadInt32(&failing.calls))
}

func TestCacheSingleFlight(t *testing.T) {
	loader := &fakeLoader{
		set:     testSet(1, ModuleRef(ModuleStock, KeyViewOrders)),
		blockCh: make(chan struct{}),
	}
	c, _ := newTestCache(t, loader)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = c.Get(ctx, 5, 10)
		}(i)
	}
	// Let the goroutines pile onto the same key, then release the loader.
	time.Sleep(50 * time.Millisecond)
	close(loader.blockCh)
	wg.Wait()

	for _, err := range results {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.calls))
}

func TestCacheInvalidateIsIdempotent(t *testing.T) {
	loader := &fakeLoader{set: testSet(1, ModuleRef(ModuleChat, KeyViewOrders))}
	c, _ := newTestCache(t, loader)
	ctx := context.Background()

	_, err := c.Get(ctx, 5, 10)
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, 5, 10))
	require.NoError(t, c.Invalidate(ctx, 5, 10))
	// Never-cached pair is a no-op too.
	require.NoError(t, c.Invalidate(ctx, 404, 10))

	_, err = c.Get(ctx, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loader.calls))
}

func TestCacheVersionFloorDiscardsStaleEntries(t *testing.T) {
	loader := &fakeLoader{set: testSet(1, ModuleRef(ModuleReports, KeyViewOrders))}
	c, mr := newTestCache(t, loader)
	ctx := context.Background()

	_, err := c.Get(ctx, 5, 10)
	require.NoError(t, err)

	// A newer catalog version arrives through an invalidation event.
	c.ObserveVersion(2)
	mr.Del(durableKey(5, 10))

	loader.setResult(testSet(2, ModuleRef(ModuleReports, KeyExportData)), nil)
	got, err := c.Get(ctx, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.CatalogVersion)
	assert.True(t, got.HasModule(ModuleReports, KeyExportData))
	assert.False(t, got.HasModule(ModuleReports, KeyViewOrders))
}

func TestCacheDegradedServesLastKnownGood(t *testing.T) {
	want := testSet(1, ModuleRef(ModuleCarWash, KeyViewOrders))
	loader := &fakeLoader{set: want}
	c, _ := newTestCache(t, loader)
	ctx := context.Background()

	_, err := c.Get(ctx, 5, 10)
	require.NoError(t, err)

	// The store goes down right after a catalog bump: the cached copy is
	// below the version floor, resolution fails, and the last known good
	// durable entry is served flagged degraded.
	loader.setResult(PermissionSet{}, ErrStoreUnavailable)
	c.ObserveVersion(2)
	c.evictShort(5, 10)

	got, err := c.Get(ctx, 5, 10)
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.True(t, want.Equal(got))
}

func TestCacheFailsClosedPastStaleCeiling(t *testing.T) {
	loader := &fakeLoader{err: ErrStoreUnavailable}
	c, mr := newTestCache(t, loader)
	ctx := context.Background()

	// Nothing cached at all: deny.
	_, err := c.Get(ctx, 5, 10)
	require.ErrorIs(t, err, ErrUnavailable)

	// A durable entry past the ceiling must not be served, even degraded.
	old := testSet(1, ModuleRef(ModuleStock, KeyViewOrders))
	old.ResolvedAt = time.Now().Add(-2 * time.Hour)
	raw, err := encodeSet(old)
	require.NoError(t, err)
	require.NoError(t, mr.Set(durableKey(6, 10), string(raw)))
	c.ObserveVersion(2)

	_, err = c.Get(ctx, 6, 10)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestCacheCorruptDurableEntryIsAMiss(t *testing.T) {
	want := testSet(1, ModuleRef(ModuleSettings, KeyManageModule))
	loader := &fakeLoader{set: want}
	c, mr := newTestCache(t, loader)
	ctx := context.Background()

	require.NoError(t, mr.Set(durableKey(5, 10), "not json"))

	got, err := c.Get(ctx, 5, 10)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.calls))
}

func TestCacheGlobalEvictionSweepsAllDealers(t *testing.T) {
	loader := &fakeLoader{set: testSet(1, ModuleRef(ModuleChat, KeyViewOrders))}
	c, _ := newTestCache(t, loader)
	ctx := context.Background()

	for _, dealer := range []int64{10, 20, 30} {
		_, err := c.Get(ctx, 5, dealer)
		require.NoError(t, err)
	}
	_, err := c.Get(ctx, 6, 10)
	require.NoError(t, err)

	// dealerID zero sweeps every dealer context of principal 5 only.
	c.evictShort(5, 0)

	for _, dealer := range []int64{10, 20, 30} {
		_, ok := c.lookupShort(cacheKey(5, dealer), false)
		assert.False(t, ok)
	}
	_, ok := c.lookupShort(cacheKey(6, 10), false)
	assert.True(t, ok)
}

func TestCacheInvalidationListener(t *testing.T) {
	loader := &fakeLoader{set: testSet(1, ModuleRef(ModuleUsers, KeyViewOrders))}
	c, mr := newTestCache(t, loader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Listen(ctx)
	_, err := c.Get(ctx, 5, 10)
	require.NoError(t, err)

	evt := InvalidationEvent{
		CatalogVersion: 2,
		Targets:        []Target{{PrincipalID: 5, DealerID: 10}},
	}
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	mr.Publish(invalidationChannel, string(raw))

	require.Eventually(t, func() bool {
		_, ok := c.lookupShort(cacheKey(5, 10), false)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDurablePayloadVersionMismatchIsAMiss(t *testing.T) {
	raw := []byte(`{"v":99,"system":[],"modules":{},"catalog_version":1,"resolved_at":"2026-01-01T00:00:00Z"}`)
	_, err := decodeSet(raw)
	assert.Error(t, err)
}
