package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/aclprop/pkg/acl"
	"github.com/platinummonkey/aclprop/pkg/config"
	"github.com/platinummonkey/aclprop/pkg/observability"
)

// reconciler retrofits the active rule set onto existing grants. Scheduled
// runs that fire while one is still going are skipped.
type reconciler struct {
	manager *acl.Manager
	logger  *logrus.Logger
	metrics *observability.Metrics
	timeout time.Duration
	running atomic.Bool
}

func newReconciler(manager *acl.Manager, logger *logrus.Logger, metrics *observability.Metrics, timeout time.Duration) *reconciler {
	return &reconciler{
		manager: manager,
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
	}
}

// run performs one reconciliation. It returns false without doing anything
// when another run is in progress.
func (r *reconciler) run(ctx context.Context) (*acl.PropagationResult, bool, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Warn("reconciliation already running, skipping")
		return nil, false, nil
	}
	defer r.running.Store(false)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := r.manager.PropagateRoles(ctx, nil)
	r.metrics.UpdateDBStats(r.manager.Stats())
	if err != nil {
		r.logger.WithError(err).Error("reconciliation failed")
		return nil, true, err
	}
	return result, true, nil
}

// newCache builds the permission cache selected by cfg. The redis client is
// returned so it can be closed and health checked; it is nil otherwise.
func newCache(cfg config.CacheConfig) (acl.PermissionCache, *redis.Client, error) {
	switch cfg.Mode {
	case config.CacheLRU:
		return acl.NewLRUCache(cfg.Size, cfg.TTL), nil, nil
	case config.CacheRedis:
		opts, err := cfg.RedisOptions()
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		return acl.NewRedisCache(client, cfg.TTL, cfg.RedisPrefix), client, nil
	default:
		return nil, nil, nil
	}
}
