package acl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/aclprop/pkg/observability"
)

// Config configures a Manager
type Config struct {
	Dialect Dialect
	// Workers bounds the roots PropagateRoles processes concurrently
	Workers int
	Graph   *Graph
	Rules   *RuleSet
	Cache   PermissionCache
	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

// Tx bundles the stores bound to one database transaction
type Tx struct {
	Roles         *RoleCatalog
	Nodes         *NodeStore
	People        *Assignments
	Relationships *Relationships
	Propagator    *Propagator
}

// Manager is the entry point collaborators call from object lifecycle hooks
// and migrations. Every mutation runs in one transaction and purges the
// permission cache once committed.
type Manager struct {
	db      *sql.DB
	dialect Dialect
	workers int
	graph   *Graph
	rules   atomic.Pointer[RuleSet]
	cache   PermissionCache
	checker *Checker
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// NewManager creates a manager over db
func NewManager(db *sql.DB, cfg Config) *Manager {
	if cfg.Dialect == "" {
		cfg.Dialect = DialectPostgres
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Graph == nil {
		cfg.Graph = NewGraph()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Rules == nil {
		cfg.Rules = NewRuleSet()
	}

	m := &Manager{
		db:      db,
		dialect: cfg.Dialect,
		workers: cfg.Workers,
		graph:   cfg.Graph,
		cache:   cfg.Cache,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	m.rules.Store(cfg.Rules)
	m.checker = NewChecker(db, cfg.Cache, cfg.Logger, cfg.Metrics)
	return m
}

// Initialize runs pending migrations and seeds the built-in roles
func (m *Manager) Initialize(ctx context.Context) error {
	if err := RunMigrations(ctx, m.db, m.dialect, m.logger); err != nil {
		return err
	}
	created, err := InitializeBuiltInRoles(ctx, NewRoleCatalog(m.db))
	if err != nil {
		return err
	}
	m.logger.WithField("created", created).Info("built-in roles initialized")
	return nil
}

// Graph returns the object graph resolver
func (m *Manager) Graph() *Graph {
	return m.graph
}

// RuleSet returns the active rule set
func (m *Manager) RuleSet() *RuleSet {
	return m.rules.Load()
}

// SetRuleSet validates rs and makes it the active rule set
func (m *Manager) SetRuleSet(rs *RuleSet) error {
	if rs == nil {
		rs = NewRuleSet()
	}
	if err := rs.Validate(m.graph.Known); err != nil {
		return err
	}
	m.rules.Store(rs)
	m.logger.WithField("entries", rs.Len()).Info("rule set activated")
	return nil
}

// WithTx runs fn in a transaction. fn's error rolls everything back; on
// commit the permission cache is purged.
func (m *Manager) WithTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{
		Roles:         NewRoleCatalog(sqlTx),
		Nodes:         NewNodeStore(sqlTx),
		People:        NewAssignments(sqlTx),
		Relationships: NewRelationships(sqlTx),
		Propagator:    NewPropagator(sqlTx, m.graph, m.logger, m.metrics),
	}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			m.logger.WithError(rbErr).Warn("rollback failed")
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	m.purgeCache(ctx)
	return nil
}

func (m *Manager) purgeCache(ctx context.Context) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Purge(ctx); err != nil {
		m.logger.WithError(err).WithField("cache", m.cache.Name()).Error("permission cache purge failed")
		return
	}
	m.metrics.ObserveCachePurge(m.cache.Name())
}

func (m *Manager) log(ctx context.Context, actor *Person) *logrus.Entry {
	entry := observability.FromContext(ctx, m.logger)
	if actor == nil {
		return entry.WithField("actor", "system")
	}
	return entry.WithField("actor_id", actor.ID)
}

// Grant is the outcome of GrantRole
type Grant struct {
	Node        *Node
	People      PeopleDelta
	Propagation *PropagationResult
}

// GrantRole grants roleName on obj directly, assigns people to the new node
// and propagates it with the active rule set. An existing grant of the role
// on obj fails with ErrDuplicateGrant.
func (m *Manager) GrantRole(ctx context.Context, actor *Person, obj ObjectRef, roleName string, people []int64) (*Grant, error) {
	rules := m.RuleSet().Lookup(obj.Type, roleName)
	if err := ValidateRules(rules, m.graph.Known); err != nil {
		return nil, err
	}

	grant := &Grant{}
	err := m.WithTx(ctx, func(tx *Tx) error {
		role, err := tx.Roles.GetRole(ctx, obj.Type, roleName)
		if err != nil {
			return err
		}
		if grant.Node, err = tx.Nodes.CreateRoot(ctx, role, obj); err != nil {
			return err
		}
		if grant.People, err = tx.People.AddPeople(ctx, grant.Node, people); err != nil {
			return err
		}
		grant.Propagation, err = tx.Propagator.Propagate(ctx, grant.Node, rules)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.metrics.ObserveRootCreated()
	m.metrics.ObserveHolders(len(grant.People.Added), len(grant.People.Removed))
	m.log(ctx, actor).WithFields(logrus.Fields{
		"object":  obj.String(),
		"role":    roleName,
		"node_id": grant.Node.ID,
		"created": grant.Propagation.Created,
	}).Info("role granted")
	return grant, nil
}

// SetACL makes the holders of each named role on obj exactly the listed
// people, creating and propagating missing root grants. Roles not named keep
// their current grants. Unknown role names fail the whole call with an
// *InvalidACLDataError before anything is written.
func (m *Manager) SetACL(ctx context.Context, actor *Person, obj ObjectRef, acl map[string][]int64) (map[string]PeopleDelta, error) {
	names := make([]string, 0, len(acl))
	for name := range acl {
		names = append(names, name)
	}
	sort.Strings(names)

	rs := m.RuleSet()
	deltas := make(map[string]PeopleDelta, len(names))
	var created int

	err := m.WithTx(ctx, func(tx *Tx) error {
		catalog, err := tx.Roles.ListRoles(ctx, obj.Type)
		if err != nil {
			return err
		}
		byName := make(map[string]*Role, len(catalog))
		for i := range catalog {
			if !catalog[i].Internal {
				byName[catalog[i].Name] = &catalog[i]
			}
		}

		var unknown []string
		for _, name := range names {
			if _, ok := byName[name]; !ok {
				unknown = append(unknown, name)
			}
		}
		if len(unknown) > 0 {
			return &InvalidACLDataError{ObjectType: obj.Type, RoleNames: unknown}
		}

		existing, err := tx.Nodes.ListNodesForObject(ctx, obj)
		if err != nil {
			return err
		}
		roots := make(map[int64]*Node, len(existing))
		for i := range existing {
			if existing[i].IsRoot() {
				roots[existing[i].RoleID] = &existing[i]
			}
		}

		for _, name := range names {
			role := byName[name]
			node, ok := roots[role.ID]
			if !ok {
				if node, err = tx.Nodes.CreateRoot(ctx, role, obj); err != nil {
					return err
				}
				if _, err := tx.Propagator.Propagate(ctx, node, rs.Lookup(obj.Type, name)); err != nil {
					return err
				}
				created++
			}

			delta, err := tx.People.UpdatePeople(ctx, node, acl[name])
			if err != nil {
				return err
			}
			deltas[name] = delta
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := 0; i < created; i++ {
		m.metrics.ObserveRootCreated()
	}
	for _, delta := range deltas {
		m.metrics.ObserveHolders(len(delta.Added), len(delta.Removed))
	}
	m.log(ctx, actor).WithFields(logrus.Fields{
		"object":      obj.String(),
		"roles":       names,
		"roots_added": created,
	}).Info("acl set")
	return deltas, nil
}

// RevokeRole deletes a direct grant and everything propagated from it
func (m *Manager) RevokeRole(ctx context.Context, actor *Person, nodeID int64) (int64, error) {
	var deleted int64
	err := m.WithTx(ctx, func(tx *Tx) error {
		node, err := tx.Nodes.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if !node.IsRoot() {
			return fmt.Errorf("%w: node %d derives from %d", ErrNotRoot, node.ID, node.BaseID)
		}
		if deleted, err = tx.Nodes.DeleteSubtree(ctx, node); err != nil {
			return err
		}
		pruned, err := tx.Roles.PruneInternalRoles(ctx)
		m.metrics.ObservePruned(pruned)
		return err
	})
	if err != nil {
		return 0, err
	}

	m.metrics.ObserveDeleted("revoked", deleted)
	m.log(ctx, actor).WithFields(logrus.Fields{
		"node_id": nodeID,
		"deleted": deleted,
	}).Info("role revoked")
	return deleted, nil
}

// OnRelationshipCreated propagates the new edge. rel is inserted first when
// it has no id yet. Every chain touching either endpoint is re-propagated
// from its base, so only the nodes the edge makes reachable are created.
func (m *Manager) OnRelationshipCreated(ctx context.Context, rel *Relationship) (*PropagationResult, error) {
	rs := m.RuleSet()
	total := &PropagationResult{RunID: uuid.NewString()}
	start := time.Now()

	err := m.WithTx(ctx, func(tx *Tx) error {
		if rel.ID == 0 {
			if err := tx.Relationships.Create(ctx, rel); err != nil {
				return err
			}
		}

		bases := make(map[int64]struct{})
		for _, end := range []ObjectRef{rel.Source, rel.Destination} {
			nodes, err := tx.Nodes.ListNodesForObject(ctx, end)
			if err != nil {
				return err
			}
			for _, node := range nodes {
				bases[node.BaseID] = struct{}{}
			}
		}

		ids := make([]int64, 0, len(bases))
		for id := range bases {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			root, err := tx.Nodes.GetNode(ctx, id)
			if err != nil {
				return err
			}
			result, err := tx.Propagator.PropagateRuleSet(ctx, root, rs)
			if err != nil {
				return err
			}
			total.merge(result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	total.Elapsed = time.Since(start)
	m.logger.WithFields(logrus.Fields{
		"relationship_id": rel.ID,
		"source":          rel.Source.String(),
		"destination":     rel.Destination.String(),
		"created":         total.Created,
	}).Info("relationship propagated")
	return total, nil
}

// OnObjectDeleted removes every node bound to obj and everything derived
// from them
func (m *Manager) OnObjectDeleted(ctx context.Context, obj ObjectRef) (int64, error) {
	var deleted int64
	err := m.WithTx(ctx, func(tx *Tx) error {
		var err error
		if deleted, err = tx.Nodes.DeleteForObject(ctx, obj); err != nil {
			return err
		}
		pruned, err := tx.Roles.PruneInternalRoles(ctx)
		m.metrics.ObservePruned(pruned)
		return err
	})
	if err != nil {
		return 0, err
	}

	m.metrics.ObserveDeleted("object_deleted", deleted)
	m.logger.WithFields(logrus.Fields{
		"object":  obj.String(),
		"deleted": deleted,
	}).Info("object acl removed")
	return deleted, nil
}

// OnRelationshipDeleted removes the edge and the nodes propagated through it.
// Rules that map one end type straight to the other derive nodes on the far
// end without a relationship node; those are removed too unless another edge
// still links the two ends.
func (m *Manager) OnRelationshipDeleted(ctx context.Context, relID int64) (int64, error) {
	ref := ObjectRef{Type: TypeRelationship, ID: relID}
	var deleted int64
	err := m.WithTx(ctx, func(tx *Tx) error {
		rel, err := tx.Relationships.Get(ctx, relID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if deleted, err = tx.Nodes.DeleteForObject(ctx, ref); err != nil {
			return err
		}
		if err := tx.Relationships.Delete(ctx, relID); err != nil {
			return err
		}

		if rel != nil {
			n, err := m.deleteDirectlyDerived(ctx, tx, rel)
			if err != nil {
				return err
			}
			deleted += n
		}

		pruned, err := tx.Roles.PruneInternalRoles(ctx)
		m.metrics.ObservePruned(pruned)
		return err
	})
	if err != nil {
		return 0, err
	}

	m.metrics.ObserveDeleted("relationship_deleted", deleted)
	return deleted, nil
}

// deleteDirectlyDerived drops the subtrees one end of rel derived on the
// other. Must run after the edge itself is deleted.
func (m *Manager) deleteDirectlyDerived(ctx context.Context, tx *Tx, rel *Relationship) (int64, error) {
	linked, err := tx.Relationships.Linked(ctx, rel.Source, rel.Destination)
	if err != nil || linked {
		return 0, err
	}

	var deleted int64
	for _, pair := range [][2]ObjectRef{
		{rel.Source, rel.Destination},
		{rel.Destination, rel.Source},
	} {
		nodes, err := tx.Nodes.ListDerivedAcross(ctx, pair[0], pair[1])
		if err != nil {
			return 0, err
		}
		for i := range nodes {
			n, err := tx.Nodes.DeleteSubtree(ctx, &nodes[i])
			if err != nil {
				return 0, err
			}
			deleted += n
		}
	}
	return deleted, nil
}

// PropagateRoles retrofits rs (the active rule set when nil) onto every
// existing root grant it names. Each root runs in its own transaction, up to
// Config.Workers at a time; the first failure cancels the rest.
func (m *Manager) PropagateRoles(ctx context.Context, rs *RuleSet) (*PropagationResult, error) {
	if rs == nil {
		rs = m.RuleSet()
	}
	if err := rs.Validate(m.graph.Known); err != nil {
		return nil, err
	}

	total := &PropagationResult{RunID: uuid.NewString()}
	start := time.Now()
	log := m.logger.WithField("run_id", total.RunID)

	type job struct {
		root  Node
		entry RuleSetEntry
	}
	var jobs []job
	nodes := NewNodeStore(m.db)
	for _, entry := range rs.Entries() {
		matched, err := nodes.ListRoots(ctx, entry.ObjectType, []string{entry.RoleName})
		if err != nil {
			return nil, err
		}
		for _, root := range matched {
			jobs = append(jobs, job{root: root, entry: entry})
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for _, j := range jobs {
		j := j
		g.Go(func() (err error) {
			defer func() {
				if perr := observability.MustRecover(recover()); perr != nil {
					log.WithError(perr).WithField("root_id", j.root.ID).Error("propagation worker panicked")
					err = perr
				}
			}()
			return m.WithTx(gctx, func(tx *Tx) error {
				result, err := tx.Propagator.Propagate(gctx, &j.root, j.entry.Rules)
				if err != nil {
					return fmt.Errorf("failed to propagate %s on %s: %w", j.entry.RoleName, j.root.Object, err)
				}
				mu.Lock()
				total.merge(result)
				mu.Unlock()
				return nil
			})
		})
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("bulk propagation failed")
		return nil, err
	}

	total.Elapsed = time.Since(start)
	log.WithFields(logrus.Fields{
		"entries": rs.Len(),
		"roots":   len(jobs),
		"created": total.Created,
		"skipped": total.Skipped,
		"elapsed": total.Elapsed,
	}).Info("bulk propagation completed")
	return total, nil
}

// RemovePropagatedRoles deletes what was propagated from the root grants of
// roleNames on objectType
func (m *Manager) RemovePropagatedRoles(ctx context.Context, objectType string, roleNames []string) (int64, error) {
	var deleted int64
	err := m.WithTx(ctx, func(tx *Tx) error {
		var err error
		deleted, err = tx.Propagator.RemovePropagatedRoles(ctx, objectType, roleNames)
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// IsAllowed reports whether actor may perform action on obj
func (m *Manager) IsAllowed(ctx context.Context, actor *Person, action Action, obj ObjectRef) (bool, error) {
	return m.checker.IsAllowed(ctx, actor, action, obj)
}

// CheckPermission answers a check with the matched roles and a reason
func (m *Manager) CheckPermission(ctx context.Context, check PermissionCheck) (*PermissionCheckResult, error) {
	return m.checker.CheckPermission(ctx, check)
}

// Stats returns the connection pool statistics of the underlying database
func (m *Manager) Stats() sql.DBStats {
	return m.db.Stats()
}
