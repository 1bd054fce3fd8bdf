package acl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/aclprop/pkg/observability"
)

func TestChecker_SystemRoles(t *testing.T) {
	f := newFixture(t)
	c := f.checker()
	obj := Ref(TypeControl, 1)

	tests := []struct {
		role    SystemRole
		allowed map[Action]bool
	}{
		{SystemRoleAdministrator, map[Action]bool{ActionRead: true, ActionUpdate: true, ActionDelete: true, ActionCreate: true}},
		{SystemRoleEditor, map[Action]bool{ActionRead: true, ActionUpdate: true, ActionDelete: true, ActionCreate: true}},
		{SystemRoleReader, map[Action]bool{ActionRead: true}},
		{SystemRoleCreator, map[Action]bool{ActionCreate: true}},
		{SystemRoleNone, map[Action]bool{}},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			actor := &Person{ID: 1, SystemRole: tt.role}
			for _, action := range []Action{ActionRead, ActionUpdate, ActionDelete, ActionCreate} {
				allowed, err := c.IsAllowed(f.ctx, actor, action, obj)
				require.NoError(t, err)
				assert.Equal(t, tt.allowed[action], allowed, "%s %s", tt.role, action)
			}
		})
	}

	t.Run("no actor", func(t *testing.T) {
		result, err := c.CheckPermission(f.ctx, PermissionCheck{Action: ActionRead, Object: obj})
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, "no actor", result.Reason)
	})
}

func TestChecker_PermissionResolution(t *testing.T) {
	f := newFixture(t)
	viewer := f.role("Viewer", TypeControl, ReadOnly)
	editor := f.role("Control Operators", TypeControl, PermissionSet{Read: true, Update: true})
	obj := Ref(TypeControl, 1)
	f.root(viewer, obj, 1)
	f.root(editor, obj, 2)
	c := f.checker()

	t.Run("viewer reads but cannot update", func(t *testing.T) {
		result, err := c.CheckPermission(f.ctx, PermissionCheck{Actor: &Person{ID: 1}, Action: ActionRead, Object: obj})
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, []string{"Viewer"}, result.MatchedRoles)

		allowed, err := c.IsAllowed(f.ctx, &Person{ID: 1}, ActionUpdate, obj)
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("create rides on update", func(t *testing.T) {
		allowed, err := c.IsAllowed(f.ctx, &Person{ID: 2}, ActionCreate, obj)
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = c.IsAllowed(f.ctx, &Person{ID: 1}, ActionCreate, obj)
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("non-holder is denied everything", func(t *testing.T) {
		for _, action := range []Action{ActionRead, ActionUpdate, ActionDelete, ActionCreate} {
			result, err := c.CheckPermission(f.ctx, PermissionCheck{Actor: &Person{ID: 3}, Action: action, Object: obj})
			require.NoError(t, err)
			assert.False(t, result.Allowed)
			assert.Empty(t, result.MatchedRoles)
		}
	})

	t.Run("holders are scoped to the object", func(t *testing.T) {
		allowed, err := c.IsAllowed(f.ctx, &Person{ID: 1}, ActionRead, Ref(TypeControl, 2))
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("unknown action", func(t *testing.T) {
		allowed, err := c.IsAllowed(f.ctx, &Person{ID: 1}, Action("approve"), obj)
		require.NoError(t, err)
		assert.False(t, allowed)
	})
}

func TestChecker_DirectHolderOnDerivedNode(t *testing.T) {
	f := newFixture(t)
	admin := f.role("Admin", TypeControl, FullAccess)
	root := f.root(admin, Ref(TypeControl, 1), 1)
	commentRole, err := f.roles.EnsureInternalRole(f.ctx, SynthesizeRoleName("Admin", root.ID), TypeComment, ReadOnly, &admin.ID)
	require.NoError(t, err)
	derived, err := f.nodes.CreateDerived(f.ctx, commentRole, Ref(TypeComment, 10), root)
	require.NoError(t, err)
	_, err = f.people.AddPeople(f.ctx, derived, []int64{2})
	require.NoError(t, err)

	c := f.checker()
	for _, personID := range []int64{1, 2} {
		allowed, err := c.IsAllowed(f.ctx, &Person{ID: personID}, ActionRead, Ref(TypeComment, 10))
		require.NoError(t, err)
		assert.True(t, allowed, "person %d", personID)
	}

	allowed, err := c.IsAllowed(f.ctx, &Person{ID: 2}, ActionRead, Ref(TypeControl, 1))
	require.NoError(t, err)
	assert.False(t, allowed, "holding a derived node grants nothing on the root object")
}

func TestChecker_Cache(t *testing.T) {
	f := newFixture(t)
	viewer := f.role("Viewer", TypeControl, ReadOnly)
	obj := Ref(TypeControl, 1)
	f.root(viewer, obj, 1)

	cache := NewLRUCache(100, 0)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	c := NewChecker(f.db, cache, quietLogger(), metrics)
	check := PermissionCheck{Actor: &Person{ID: 1}, Action: ActionRead, Object: obj}

	first, err := c.CheckPermission(f.ctx, check)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.False(t, first.Cached)

	second, err := c.CheckPermission(f.ctx, check)
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.True(t, second.Cached)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("lru")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("lru")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PermissionChecksTotal.WithLabelValues("read", "allowed", "cache")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PermissionChecksTotal.WithLabelValues("read", "allowed", "acl")))

	t.Run("system roles bypass the cache", func(t *testing.T) {
		_, err := c.CheckPermission(f.ctx, PermissionCheck{Actor: &Person{ID: 9, SystemRole: SystemRoleReader}, Action: ActionRead, Object: obj})
		require.NoError(t, err)
		assert.Equal(t, 1, cache.Len())
	})
}

// failingCache reports an error for every operation
type failingCache struct{}

func (failingCache) Generation(ctx context.Context) (int64, error) {
	return 0, errors.New("cache down")
}
func (failingCache) Get(ctx context.Context, key string) (bool, bool, error) {
	return false, false, errors.New("cache down")
}
func (failingCache) Set(ctx context.Context, key string, gen int64, allowed bool) error {
	return errors.New("cache down")
}
func (failingCache) Purge(ctx context.Context) error { return errors.New("cache down") }
func (failingCache) Name() string                    { return "failing" }

func TestChecker_CacheFailureFallsThrough(t *testing.T) {
	f := newFixture(t)
	viewer := f.role("Viewer", TypeControl, ReadOnly)
	f.root(viewer, Ref(TypeControl, 1), 1)

	c := NewChecker(f.db, failingCache{}, quietLogger(), nil)
	allowed, err := c.IsAllowed(f.ctx, &Person{ID: 1}, ActionRead, Ref(TypeControl, 1))
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestChecker_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("db down")
	mock.ExpectQuery("SELECT DISTINCT r.name").
		WithArgs(TypeControl, int64(1), int64(5)).
		WillReturnError(boom)

	c := NewChecker(db, nil, quietLogger(), nil)
	_, err = c.IsAllowed(context.Background(), &Person{ID: 5}, ActionRead, Ref(TypeControl, 1))
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChecker_MatchedRolesFromRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT DISTINCT r.name").
		WillReturnRows(sqlmock.NewRows([]string{"name", "read", "update", "delete"}).
			AddRow("Admin*4", true, false, false).
			AddRow("Control Owners", true, true, true))

	c := NewChecker(db, nil, quietLogger(), nil)
	result, err := c.CheckPermission(context.Background(), PermissionCheck{Actor: &Person{ID: 5}, Action: ActionDelete, Object: Ref(TypeControl, 1)})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, []string{"Control Owners"}, result.MatchedRoles)
}

// racingCache runs mutate right before the first Set reaches the wrapped cache,
// as a concurrent revoke and its purge would
type racingCache struct {
	PermissionCache
	mutate func()
	once   sync.Once
}

func (c *racingCache) Set(ctx context.Context, key string, gen int64, allowed bool) error {
	c.once.Do(c.mutate)
	return c.PermissionCache.Set(ctx, key, gen, allowed)
}

func TestChecker_CacheSkipsOutcomeOvertakenByPurge(t *testing.T) {
	_, client := newTestRedis(t)

	tests := []struct {
		name  string
		cache PermissionCache
	}{
		{name: "lru", cache: NewLRUCache(100, time.Minute)},
		{name: "redis", cache: NewRedisCache(client, time.Minute, "race")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			viewer := f.role("Viewer", TypeControl, ReadOnly)
			obj := Ref(TypeControl, 1)
			node := f.root(viewer, obj, 1)

			cache := &racingCache{PermissionCache: tt.cache}
			cache.mutate = func() {
				_, err := f.people.RemovePeople(f.ctx, node, []int64{1})
				require.NoError(t, err)
				require.NoError(t, tt.cache.Purge(f.ctx))
			}
			c := NewChecker(f.db, cache, quietLogger(), nil)
			check := PermissionCheck{Actor: &Person{ID: 1}, Action: ActionRead, Object: obj}

			first, err := c.CheckPermission(f.ctx, check)
			require.NoError(t, err)
			assert.True(t, first.Allowed)

			second, err := c.CheckPermission(f.ctx, check)
			require.NoError(t, err)
			assert.False(t, second.Cached)
			assert.False(t, second.Allowed)
		})
	}
}
