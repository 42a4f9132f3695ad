package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	invalidationChannel = "authz:invalidate"
	durableKeyPrefix    = "authz:pset:"
	// durablePayloadVersion guards the durable wire format. Entries with a
	// different version deserialize as a miss, never as an error.
	durablePayloadVersion = 1

	cacheShardCount = 16
)

// Loader produces a fresh PermissionSet for one (principal, dealer) pair.
type Loader interface {
	Load(ctx context.Context, principalID, dealerID int64) (PermissionSet, error)
}

// StoreLoader is the production Loader: resolve, filter to the dealer,
// aggregate, stamp with the current catalog version.
type StoreLoader struct {
	Resolver *Resolver
	Catalog  *Catalog
}

// Load implements Loader.
func (l *StoreLoader) Load(ctx context.Context, principalID, dealerID int64) (PermissionSet, error) {
	version, err := l.Catalog.Version(ctx)
	if err != nil {
		return PermissionSet{}, err
	}
	roles, err := l.Resolver.Resolve(ctx, principalID)
	if err != nil {
		return PermissionSet{}, err
	}
	return Aggregate(FilterForDealer(roles, dealerID), version), nil
}

// CacheConfig tunes the two cache tiers.
type CacheConfig struct {
	ShortTTL       time.Duration
	LongTTL        time.Duration
	StaleCeiling   time.Duration
	ResolveTimeout time.Duration
}

// Cache holds resolved permission sets across two tiers: a per-process
// short-TTL map and a durable Redis tier that survives process restarts
// within a session. It is constructed and injected explicitly; there is no
// package-level instance.
type Cache struct {
	rdb    *redis.Client
	loader Loader
	logger *slog.Logger
	cfg    CacheConfig

	group  singleflight.Group
	shards [cacheShardCount]cacheShard

	// version is the highest catalog version observed through loads,
	// durable reads and invalidation events. Entries stamped below it are
	// treated as misses.
	version atomic.Int64

	bg     sync.WaitGroup
	closed atomic.Bool
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	set      PermissionSet
	storedAt time.Time
}

// NewCache constructs the cache. Close must be called on shutdown.
func NewCache(rdb *redis.Client, loader Loader, logger *slog.Logger, cfg CacheConfig) *Cache {
	c := &Cache{rdb: rdb, loader: loader, logger: logger, cfg: cfg}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*cacheEntry)
	}
	return c
}

// Listen subscribes to the invalidation channel and evicts targeted entries
// as events arrive. It returns immediately; the subscription lives until the
// context is cancelled or Close is called.
func (c *Cache) Listen(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	pubsub := c.rdb.Subscribe(ctx, invalidationChannel)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt InvalidationEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					c.logger.Warn("bad invalidation payload", slog.Any("error", err))
					continue
				}
				c.ObserveVersion(evt.CatalogVersion)
				for _, t := range evt.Targets {
					c.evictShort(t.PrincipalID, t.DealerID)
				}
			}
		}
	}()
}

// Close waits for background refreshes and the listener to finish.
func (c *Cache) Close() {
	c.closed.Store(true)
	c.bg.Wait()
}

// ObserveVersion raises the staleness floor to the given catalog version.
func (c *Cache) ObserveVersion(version int64) {
	for {
		cur := c.version.Load()
		if version <= cur || c.version.CompareAndSwap(cur, version) {
			return
		}
	}
}

// Get returns the permission set for (principal, dealer), resolving on miss.
// Concurrent misses for the same key coalesce into one resolution. When the
// store is unreachable the last known good entry is served, flagged
// Degraded, up to the staleness ceiling; past it ErrUnavailable is returned.
func (c *Cache) Get(ctx context.Context, principalID, dealerID int64) (PermissionSet, error) {
	key := cacheKey(principalID, dealerID)

	if set, ok := c.lookupShort(key, false); ok {
		return set, nil
	}

	resultChan := c.group.DoChan(key, func() (any, error) {
		// Detached from the first caller so one cancelled request cannot
		// poison the shared fill.
		fillCtx := context.WithoutCancel(ctx)
		return c.fill(fillCtx, key, principalID, dealerID)
	})
	select {
	case <-ctx.Done():
		return PermissionSet{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return PermissionSet{}, res.Err
		}
		return res.Val.(PermissionSet), nil
	}
}

// Invalidate evicts both tiers for one (principal, dealer) pair. Evicting an
// already-empty entry is a no-op.
func (c *Cache) Invalidate(ctx context.Context, principalID, dealerID int64) error {
	c.evictShort(principalID, dealerID)
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Del(ctx, durableKey(principalID, dealerID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("authz: drop durable entry: %w", err)
	}
	return nil
}

// InvalidateAll evicts every listed target. Targets are independent; the
// first Redis failure is reported after all local evictions completed.
func (c *Cache) InvalidateAll(ctx context.Context, targets []Target) error {
	var firstErr error
	for _, t := range targets {
		if err := c.Invalidate(ctx, t.PrincipalID, t.DealerID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Cache) fill(ctx context.Context, key string, principalID, dealerID int64) (PermissionSet, error) {
	// Durable tier first: it seeds the short tier instantly after a process
	// restart instead of making the first request pay for resolution.
	if set, ok := c.readDurable(ctx, principalID, dealerID); ok {
		if set.CatalogVersion >= c.version.Load() {
			c.storeShort(key, set)
			if time.Since(set.ResolvedAt) > c.cfg.ShortTTL {
				c.scheduleRefresh(key, principalID, dealerID)
			}
			return set.Clone(), nil
		}
	}

	set, err := c.load(ctx, principalID, dealerID)
	if err == nil {
		stored := c.storeShort(key, set)
		c.writeDurable(ctx, principalID, dealerID, stored)
		return stored.Clone(), nil
	}

	c.logger.Warn("permission resolution failed, trying degraded read",
		slog.Int64("principal_id", principalID),
		slog.Int64("dealer_id", dealerID),
		slog.Any("error", err))

	if set, ok := c.lookupShort(key, true); ok {
		set.Degraded = true
		return set, nil
	}
	if set, ok := c.readDurable(ctx, principalID, dealerID); ok {
		if time.Since(set.ResolvedAt) <= c.cfg.StaleCeiling {
			set.Degraded = true
			c.storeShort(key, set)
			return set.Clone(), nil
		}
	}
	return PermissionSet{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (c *Cache) load(ctx context.Context, principalID, dealerID int64) (PermissionSet, error) {
	if c.cfg.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ResolveTimeout)
		defer cancel()
	}
	set, err := c.loader.Load(ctx, principalID, dealerID)
	if err != nil {
		return PermissionSet{}, err
	}
	c.ObserveVersion(set.CatalogVersion)
	return set, nil
}

func (c *Cache) scheduleRefresh(key string, principalID, dealerID int64) {
	if c.closed.Load() {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx := context.Background()
		set, err := c.load(ctx, principalID, dealerID)
		if err != nil {
			c.logger.Warn("background permission refresh failed",
				slog.Int64("principal_id", principalID),
				slog.Int64("dealer_id", dealerID),
				slog.Any("error", err))
			return
		}
		stored := c.storeShort(key, set)
		c.writeDurable(ctx, principalID, dealerID, stored)
	}()
}

// lookupShort returns a clone of the short-tier entry. With allowExpired
// false the entry must be younger than the short TTL and stamped at or above
// the version floor; with allowExpired true only the staleness ceiling
// applies (degraded reads).
func (c *Cache) lookupShort(key string, allowExpired bool) (PermissionSet, bool) {
	shard := c.shard(key)
	shard.mu.RLock()
	entry, ok := shard.entries[key]
	shard.mu.RUnlock()
	if !ok {
		return PermissionSet{}, false
	}
	age := time.Since(entry.storedAt)
	if allowExpired {
		if age > c.cfg.StaleCeiling {
			return PermissionSet{}, false
		}
		return entry.set.Clone(), true
	}
	if age > c.cfg.ShortTTL {
		return PermissionSet{}, false
	}
	if entry.set.CatalogVersion < c.version.Load() {
		return PermissionSet{}, false
	}
	return entry.set.Clone(), true
}

// storeShort installs the set unless an entry with a newer catalog version
// is already present; the stored value always carries the highest observed
// version. Returns whichever set ended up stored.
func (c *Cache) storeShort(key string, set PermissionSet) PermissionSet {
	shard := c.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if existing, ok := shard.entries[key]; ok && existing.set.CatalogVersion > set.CatalogVersion {
		return existing.set.Clone()
	}
	shard.entries[key] = &cacheEntry{set: set.Clone(), storedAt: time.Now()}
	return set
}

func (c *Cache) evictShort(principalID, dealerID int64) {
	if dealerID == 0 {
		// Global-role changes touch every dealer context the principal may
		// have cached, including dealers the fan-out query cannot know
		// about, so sweep by principal prefix.
		prefix := fmt.Sprintf("%d:", principalID)
		for i := range c.shards {
			shard := &c.shards[i]
			shard.mu.Lock()
			for key := range shard.entries {
				if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
					delete(shard.entries, key)
				}
			}
			shard.mu.Unlock()
		}
		return
	}
	key := cacheKey(principalID, dealerID)
	shard := c.shard(key)
	shard.mu.Lock()
	delete(shard.entries, key)
	shard.mu.Unlock()
}

type durablePayload struct {
	V              int                 `json:"v"`
	System         []string            `json:"system"`
	Modules        map[string][]string `json:"modules"`
	CatalogVersion int64               `json:"catalog_version"`
	ResolvedAt     time.Time           `json:"resolved_at"`
}

func (c *Cache) readDurable(ctx context.Context, principalID, dealerID int64) (PermissionSet, bool) {
	if c.rdb == nil {
		return PermissionSet{}, false
	}
	raw, err := c.rdb.Get(ctx, durableKey(principalID, dealerID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("durable tier read failed", slog.Any("error", err))
		}
		return PermissionSet{}, false
	}
	set, err := decodeSet(raw)
	if err != nil {
		// Corrupt or unrecognized entry: discard silently, treat as miss.
		_ = c.rdb.Del(ctx, durableKey(principalID, dealerID)).Err()
		return PermissionSet{}, false
	}
	c.ObserveVersion(set.CatalogVersion)
	return set, true
}

func (c *Cache) writeDurable(ctx context.Context, principalID, dealerID int64, set PermissionSet) {
	if c.rdb == nil {
		return
	}
	raw, err := encodeSet(set)
	if err != nil {
		c.logger.Warn("durable tier encode failed", slog.Any("error", err))
		return
	}
	if err := c.rdb.Set(ctx, durableKey(principalID, dealerID), raw, c.cfg.LongTTL).Err(); err != nil {
		c.logger.Warn("durable tier write failed", slog.Any("error", err))
	}
}

func encodeSet(set PermissionSet) ([]byte, error) {
	payload := durablePayload{
		V:              durablePayloadVersion,
		System:         make([]string, 0, len(set.System)),
		Modules:        make(map[string][]string, len(set.Modules)),
		CatalogVersion: set.CatalogVersion,
		ResolvedAt:     set.ResolvedAt,
	}
	for p := range set.System {
		payload.System = append(payload.System, string(p))
	}
	for m, keys := range set.Modules {
		list := make([]string, 0, len(keys))
		for k := range keys {
			list = append(list, string(k))
		}
		payload.Modules[string(m)] = list
	}
	return json.Marshal(payload)
}

func decodeSet(raw []byte) (PermissionSet, error) {
	var payload durablePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return PermissionSet{}, err
	}
	if payload.V != durablePayloadVersion {
		return PermissionSet{}, fmt.Errorf("authz: durable payload version %d", payload.V)
	}
	set := NewPermissionSet(payload.CatalogVersion)
	set.ResolvedAt = payload.ResolvedAt
	for _, p := range payload.System {
		set.System[SystemPermission(p)] = struct{}{}
	}
	for m, keys := range payload.Modules {
		moduleKeys := make(map[PermKey]struct{}, len(keys))
		for _, k := range keys {
			moduleKeys[PermKey(k)] = struct{}{}
		}
		set.Modules[Module(m)] = moduleKeys
	}
	return set, nil
}

func (c *Cache) shard(key string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.shards[h.Sum32()%cacheShardCount]
}

func cacheKey(principalID, dealerID int64) string {
	return fmt.Sprintf("%d:%d", principalID, dealerID)
}

func durableKey(principalID, dealerID int64) string {
	return fmt.Sprintf("%s%d:%d", durableKeyPrefix, principalID, dealerID)
}
