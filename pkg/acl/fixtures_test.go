package acl

import (
	"context"
	"database/sql"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fixture bundles the stores over one migrated in-memory database
type fixture struct {
	t      *testing.T
	ctx    context.Context
	db     *sql.DB
	roles  *RoleCatalog
	nodes  *NodeStore
	people *Assignments
	rels   *Relationships
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := OpenTestDB(t)
	return &fixture{
		t:      t,
		ctx:    context.Background(),
		db:     db,
		roles:  NewRoleCatalog(db),
		nodes:  NewNodeStore(db),
		people: NewAssignments(db),
		rels:   NewRelationships(db),
	}
}

func (f *fixture) role(name, objectType string, perms PermissionSet) *Role {
	f.t.Helper()
	role := &Role{
		Name:       name,
		ObjectType: objectType,
		Read:       perms.Read,
		Update:     perms.Update,
		Delete:     perms.Delete,
	}
	require.NoError(f.t, f.roles.CreateRole(f.ctx, role))
	return role
}

func (f *fixture) root(role *Role, obj ObjectRef, people ...int64) *Node {
	f.t.Helper()
	node, err := f.nodes.CreateRoot(f.ctx, role, obj)
	require.NoError(f.t, err)
	if len(people) > 0 {
		_, err = f.people.AddPeople(f.ctx, node, people)
		require.NoError(f.t, err)
	}
	return node
}

func (f *fixture) link(source, destination ObjectRef) *Relationship {
	f.t.Helper()
	rel := &Relationship{Source: source, Destination: destination}
	require.NoError(f.t, f.rels.Create(f.ctx, rel))
	return rel
}

func (f *fixture) count(table string) int {
	f.t.Helper()
	var n int
	require.NoError(f.t, f.db.QueryRowContext(f.ctx, "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func (f *fixture) countInternalRoles() int {
	f.t.Helper()
	var n int
	require.NoError(f.t, f.db.QueryRowContext(f.ctx,
		"SELECT COUNT(*) FROM access_control_roles WHERE internal = TRUE").Scan(&n))
	return n
}

func (f *fixture) allNodes() []Node {
	f.t.Helper()
	nodes, err := f.nodes.listNodes(f.ctx, `SELECT `+nodeColumns+` FROM access_control_list n ORDER BY n.id`)
	require.NoError(f.t, err)
	return nodes
}

func (f *fixture) propagator() *Propagator {
	return NewPropagator(f.db, NewGraph(), quietLogger(), nil)
}

func (f *fixture) checker() *Checker {
	return NewChecker(f.db, nil, quietLogger(), nil)
}

// adminCommentRules is {"Relationship R": {"Comment R": {}}}
func adminCommentRules() []RuleNode {
	return []RuleNode{
		MustRule("Relationship R",
			MustRule("Comment R"),
		),
	}
}
