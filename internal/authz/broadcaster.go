package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// InvalidationEvent describes one role change to propagate. Enqueued to the
// worker without targets; published on the invalidation channel with the
// computed target list.
type InvalidationEvent struct {
	ID             string   `json:"id"`
	RoleID         int64    `json:"role_id"`
	CatalogVersion int64    `json:"catalog_version"`
	Targets        []Target `json:"targets,omitempty"`
}

// Enqueuer hands an invalidation event to the background queue. Implemented
// on top of asynq in the jobs package; nil falls back to an in-process
// goroutine so propagation still happens without a worker.
type Enqueuer interface {
	EnqueueInvalidation(ctx context.Context, evt InvalidationEvent) error
}

// TargetSource lists the (principal, dealer) pairs a role change touches.
type TargetSource interface {
	AssignmentTargets(ctx context.Context, roleID int64) ([]Target, error)
}

// Broadcaster propagates role changes to every cache holder. The
// administrative mutation only pays for an enqueue; the fan-out (assignment
// lookup, durable eviction, publish) runs in the background and is
// idempotent, so retries are safe.
type Broadcaster struct {
	repo     TargetSource
	cache    *Cache
	rdb      *redis.Client
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewBroadcaster constructs the broadcaster.
func NewBroadcaster(repo TargetSource, cache *Cache, rdb *redis.Client, enqueuer Enqueuer, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{repo: repo, cache: cache, rdb: rdb, enqueuer: enqueuer, logger: logger}
}

// OnRoleChanged implements ChangeListener. It never blocks on the fan-out.
func (b *Broadcaster) OnRoleChanged(ctx context.Context, roleID, newVersion int64) {
	evt := InvalidationEvent{
		ID:             uuid.NewString(),
		RoleID:         roleID,
		CatalogVersion: newVersion,
	}
	if b.cache != nil {
		b.cache.ObserveVersion(newVersion)
	}
	if b.enqueuer != nil {
		err := b.enqueuer.EnqueueInvalidation(ctx, evt)
		if err == nil {
			return
		}
		b.logger.Warn("invalidation enqueue failed, fanning out inline",
			slog.String("event_id", evt.ID), slog.Any("error", err))
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Fanout(ctx, evt); err != nil {
			b.logger.Error("inline invalidation fan-out failed",
				slog.String("event_id", evt.ID), slog.Any("error", err))
		}
	}()
}

// Fanout performs the actual invalidation for one event: collect the
// affected (principal, dealer) pairs, evict both cache tiers, and publish
// the event so caches in other processes evict theirs.
func (b *Broadcaster) Fanout(ctx context.Context, evt InvalidationEvent) error {
	targets, err := b.repo.AssignmentTargets(ctx, evt.RoleID)
	if err != nil {
		return err
	}
	evt.Targets = targets

	if b.cache != nil {
		b.cache.ObserveVersion(evt.CatalogVersion)
		if err := b.cache.InvalidateAll(ctx, targets); err != nil {
			return err
		}
	}

	if b.rdb != nil {
		payload, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		if err := b.rdb.Publish(ctx, invalidationChannel, payload).Err(); err != nil {
			return err
		}
	}

	b.logger.Info("invalidation fan-out complete",
		slog.String("event_id", evt.ID),
		slog.Int64("role_id", evt.RoleID),
		slog.Int64("catalog_version", evt.CatalogVersion),
		slog.Int("targets", len(targets)))
	return nil
}
