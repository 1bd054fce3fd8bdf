package acl

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/aclprop/pkg/observability"
)

const checkQuery = `
	SELECT DISTINCT r.name, r."read", r."update", r."delete"
	FROM access_control_list n
	JOIN access_control_roles r ON r.id = n.ac_role_id
	JOIN access_control_people p ON p.ac_list_id = n.id OR p.ac_list_id = n.base_id
	WHERE n.object_type = $1 AND n.object_id = $2 AND p.person_id = $3
	ORDER BY r.name`

// Checker answers permission checks. It never writes to the ACL tables.
type Checker struct {
	q       Querier
	cache   PermissionCache
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// NewChecker creates a checker. cache and metrics may be nil.
func NewChecker(q Querier, cache PermissionCache, logger *logrus.Logger, metrics *observability.Metrics) *Checker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Checker{q: q, cache: cache, logger: logger, metrics: metrics}
}

// IsAllowed reports whether actor may perform action on obj
func (c *Checker) IsAllowed(ctx context.Context, actor *Person, action Action, obj ObjectRef) (bool, error) {
	result, err := c.CheckPermission(ctx, PermissionCheck{Actor: actor, Action: action, Object: obj})
	if err != nil {
		return false, err
	}
	return result.Allowed, nil
}

// CheckPermission resolves a check in order: system role, cached outcome,
// then the nodes on the object whose role grants the action and whose holder
// set (or that of their base) contains the actor
func (c *Checker) CheckPermission(ctx context.Context, check PermissionCheck) (*PermissionCheckResult, error) {
	start := time.Now()
	result := &PermissionCheckResult{CheckedAt: start.UTC()}

	if check.Actor == nil {
		result.Reason = "no actor"
		c.metrics.ObserveCheck(string(check.Action), false, "system", time.Since(start))
		return result, nil
	}

	if check.Actor.SystemRole.allows(check.Action) {
		result.Allowed = true
		result.Reason = fmt.Sprintf("system role %s", check.Actor.SystemRole)
		c.metrics.ObserveCheck(string(check.Action), true, "system", time.Since(start))
		return result, nil
	}

	key := permissionCacheKey(check.Actor.ID, check.Action, check.Object)
	gen, cacheable := int64(0), false
	if c.cache != nil {
		var err error
		if gen, err = c.cache.Generation(ctx); err != nil {
			c.logger.WithError(err).WithField("cache", c.cache.Name()).Warn("permission cache generation failed")
		}
		cacheable = err == nil

		allowed, found, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.WithError(err).WithField("cache", c.cache.Name()).Warn("permission cache lookup failed")
		}
		if err == nil {
			c.metrics.ObserveCache(c.cache.Name(), found)
		}
		if err == nil && found {
			result.Allowed = allowed
			result.Cached = true
			result.Reason = "cached"
			c.metrics.ObserveCheck(string(check.Action), allowed, "cache", time.Since(start))
			return result, nil
		}
	}

	matched, err := c.matchingRoles(ctx, check)
	if err != nil {
		return nil, err
	}

	result.MatchedRoles = matched
	result.Allowed = len(matched) > 0
	if result.Allowed {
		result.Reason = fmt.Sprintf("granted by %d role(s) on %s", len(matched), check.Object)
	} else {
		result.Reason = fmt.Sprintf("no role on %s grants %s", check.Object, check.Action)
	}

	if cacheable {
		if err := c.cache.Set(ctx, key, gen, result.Allowed); err != nil {
			c.logger.WithError(err).WithField("cache", c.cache.Name()).Warn("permission cache store failed")
		}
	}

	c.metrics.ObserveCheck(string(check.Action), result.Allowed, "acl", time.Since(start))
	return result, nil
}

// matchingRoles returns the names of the actor's roles on the object that
// grant the action
func (c *Checker) matchingRoles(ctx context.Context, check PermissionCheck) ([]string, error) {
	rows, err := c.q.QueryContext(ctx, checkQuery, check.Object.Type, check.Object.ID, check.Actor.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check permission: %w", err)
	}
	defer rows.Close()

	var matched []string
	for rows.Next() {
		var name string
		var perms PermissionSet
		if err := rows.Scan(&name, &perms.Read, &perms.Update, &perms.Delete); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		if perms.Allows(check.Action) {
			matched = append(matched, name)
		}
	}
	return matched, rows.Err()
}
