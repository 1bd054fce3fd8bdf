package acl

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const nodeColumns = `n.id, n.ac_role_id, n.object_id, n.object_type, n.parent_id, n.base_id, n.created_at`

// subtreeCTE selects every node id reachable through parent_id from the
// nodes matched by the seed condition
const subtreeCTE = `
	WITH RECURSIVE subtree(id) AS (
		SELECT id FROM access_control_list WHERE %s
		UNION ALL
		SELECT c.id FROM access_control_list c JOIN subtree s ON c.parent_id = s.id
	)`

// NodeStore handles access_control_list persistence
type NodeStore struct {
	q Querier
}

// NewNodeStore creates a node store over a database handle or transaction
func NewNodeStore(q Querier) *NodeStore {
	return &NodeStore{q: q}
}

// CreateRoot inserts a directly granted node. base_id is self-assigned once
// the generated id is known.
func (s *NodeStore) CreateRoot(ctx context.Context, role *Role, obj ObjectRef) (*Node, error) {
	if role.ObjectType != obj.Type {
		return nil, &InvalidACLDataError{ObjectType: obj.Type, RoleNames: []string{role.Name}}
	}

	now := time.Now().UTC()
	node := &Node{RoleID: role.ID, Object: obj, CreatedAt: now}

	err := s.q.QueryRowContext(ctx, `
		INSERT INTO access_control_list (ac_role_id, object_id, object_type, parent_id, parent_id_nn, created_at)
		VALUES ($1, $2, $3, NULL, 0, $4)
		RETURNING id`,
		role.ID, obj.ID, obj.Type, now,
	).Scan(&node.ID)
	if isUniqueViolation(err) {
		return nil, &DuplicateGrantError{RoleID: role.ID, Object: obj, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create root node: %w", err)
	}

	if _, err := s.q.ExecContext(ctx, `UPDATE access_control_list SET base_id = $1 WHERE id = $1`, node.ID); err != nil {
		return nil, fmt.Errorf("failed to set base of node %d: %w", node.ID, err)
	}

	node.BaseID = node.ID
	return node, nil
}

// CreateDerived inserts a node propagated from parent; a duplicate is an error
func (s *NodeStore) CreateDerived(ctx context.Context, role *Role, obj ObjectRef, parent *Node) (*Node, error) {
	now := time.Now().UTC()
	parentID := parent.ID
	node := &Node{RoleID: role.ID, Object: obj, ParentID: &parentID, BaseID: parent.BaseID, CreatedAt: now}

	err := s.q.QueryRowContext(ctx, `
		INSERT INTO access_control_list (ac_role_id, object_id, object_type, parent_id, parent_id_nn, base_id, created_at)
		VALUES ($1, $2, $3, $4, $4, $5, $6)
		RETURNING id`,
		role.ID, obj.ID, obj.Type, parentID, parent.BaseID, now,
	).Scan(&node.ID)
	if isUniqueViolation(err) {
		return nil, &DuplicateGrantError{RoleID: role.ID, Object: obj, ParentID: parentID, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create derived node: %w", err)
	}

	return node, nil
}

// EnsureDerived inserts a node propagated from parent or returns the one that
// already exists for (role, object, parent). created is false when the row
// was already there, including when a concurrent transaction won the insert.
func (s *NodeStore) EnsureDerived(ctx context.Context, role *Role, obj ObjectRef, parent *Node) (*Node, bool, error) {
	now := time.Now().UTC()
	parentID := parent.ID
	node := &Node{RoleID: role.ID, Object: obj, ParentID: &parentID, BaseID: parent.BaseID, CreatedAt: now}

	err := s.q.QueryRowContext(ctx, `
		INSERT INTO access_control_list (ac_role_id, object_id, object_type, parent_id, parent_id_nn, base_id, created_at)
		VALUES ($1, $2, $3, $4, $4, $5, $6)
		ON CONFLICT (ac_role_id, object_id, object_type, parent_id_nn) DO NOTHING
		RETURNING id`,
		role.ID, obj.ID, obj.Type, parentID, parent.BaseID, now,
	).Scan(&node.ID)
	if err == nil {
		return node, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to ensure derived node: %w", err)
	}

	existing, err := scanNode(s.q.QueryRowContext(ctx, `
		SELECT `+nodeColumns+`
		FROM access_control_list n
		WHERE n.ac_role_id = $1 AND n.object_id = $2 AND n.object_type = $3 AND n.parent_id_nn = $4`,
		role.ID, obj.ID, obj.Type, parentID,
	))
	if err == sql.ErrNoRows {
		// The conflicting row was deleted between the insert and the read
		return nil, false, fmt.Errorf("%w: role %d on %s vanished during propagation", ErrNodeNotFound, role.ID, obj)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read existing derived node: %w", err)
	}
	return existing, false, nil
}

// GetNode retrieves a node by id
func (s *NodeStore) GetNode(ctx context.Context, id int64) (*Node, error) {
	node, err := scanNode(s.q.QueryRowContext(ctx, `
		SELECT `+nodeColumns+`
		FROM access_control_list n
		WHERE n.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

// FindBase returns the root of the node's propagation chain with a single
// lookup through base_id
func (s *NodeStore) FindBase(ctx context.Context, node *Node) (*Node, error) {
	if node.BaseID == node.ID {
		base := *node
		return &base, nil
	}
	return s.GetNode(ctx, node.BaseID)
}

// ListNodesForObject lists every node, root or derived, bound to obj
func (s *NodeStore) ListNodesForObject(ctx context.Context, obj ObjectRef) ([]Node, error) {
	return s.listNodes(ctx, `
		SELECT `+nodeColumns+`
		FROM access_control_list n
		WHERE n.object_type = $1 AND n.object_id = $2
		ORDER BY n.id`, obj.Type, obj.ID)
}

// ListChildren lists the nodes derived directly from nodeID
func (s *NodeStore) ListChildren(ctx context.Context, nodeID int64) ([]Node, error) {
	return s.listNodes(ctx, `
		SELECT `+nodeColumns+`
		FROM access_control_list n
		WHERE n.parent_id = $1
		ORDER BY n.id`, nodeID)
}

// ListDerivedAcross lists the nodes on obj whose parent node sits on parentObj
func (s *NodeStore) ListDerivedAcross(ctx context.Context, parentObj, obj ObjectRef) ([]Node, error) {
	return s.listNodes(ctx, `
		SELECT `+nodeColumns+`
		FROM access_control_list n
		JOIN access_control_list p ON p.id = n.parent_id
		WHERE n.object_type = $1 AND n.object_id = $2
		  AND p.object_type = $3 AND p.object_id = $4
		ORDER BY n.id`, obj.Type, obj.ID, parentObj.Type, parentObj.ID)
}

// ListRoots lists root nodes on objects of objectType whose role is one of
// roleNames. An empty roleNames matches every role.
func (s *NodeStore) ListRoots(ctx context.Context, objectType string, roleNames []string) ([]Node, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM access_control_list n
		JOIN access_control_roles r ON r.id = n.ac_role_id
		WHERE n.parent_id IS NULL AND n.object_type = $1`

	args := []interface{}{objectType}
	if len(roleNames) > 0 {
		placeholders := make([]string, len(roleNames))
		for i, name := range roleNames {
			args = append(args, name)
			placeholders[i] = fmt.Sprintf("$%d", i+2)
		}
		query += ` AND r.name IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY n.id`

	return s.listNodes(ctx, query, args...)
}

// CountSubtree counts the node and all its descendants
func (s *NodeStore) CountSubtree(ctx context.Context, nodeID int64) (int64, error) {
	var count int64
	query := fmt.Sprintf(subtreeCTE, "id = $1") + ` SELECT COUNT(DISTINCT id) FROM subtree`
	if err := s.q.QueryRowContext(ctx, query, nodeID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count subtree of %d: %w", nodeID, err)
	}
	return count, nil
}

// DeleteSubtree removes the node, every node derived from it and their holder
// rows. It is the only way a propagated branch leaves the store.
func (s *NodeStore) DeleteSubtree(ctx context.Context, root *Node) (int64, error) {
	return s.deleteSubtrees(ctx, "id = $1", root.ID)
}

// DeleteForObject removes every node bound to obj together with everything
// derived from those nodes
func (s *NodeStore) DeleteForObject(ctx context.Context, obj ObjectRef) (int64, error) {
	return s.deleteSubtrees(ctx, "object_type = $1 AND object_id = $2", obj.Type, obj.ID)
}

// deleteSubtrees reports the nodes it counted beforehand. Rows removed by the
// parent_id cascade are not included in RowsAffected on every driver.
func (s *NodeStore) deleteSubtrees(ctx context.Context, seed string, args ...interface{}) (int64, error) {
	cte := fmt.Sprintf(subtreeCTE, seed)

	var count int64
	if err := s.q.QueryRowContext(ctx, cte+`
		SELECT COUNT(DISTINCT id) FROM subtree`, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count subtree: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	if _, err := s.q.ExecContext(ctx, cte+`
		DELETE FROM access_control_people WHERE ac_list_id IN (SELECT id FROM subtree)`, args...); err != nil {
		return 0, fmt.Errorf("failed to delete subtree holders: %w", err)
	}

	if _, err := s.q.ExecContext(ctx, cte+`
		DELETE FROM access_control_list WHERE id IN (SELECT id FROM subtree)`, args...); err != nil {
		return 0, fmt.Errorf("failed to delete subtree: %w", err)
	}
	return count, nil
}

func (s *NodeStore) listNodes(ctx context.Context, query string, args ...interface{}) ([]Node, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

// scanNode scans a node from a database row
func scanNode(scanner interface {
	Scan(dest ...interface{}) error
}) (*Node, error) {
	var node Node
	var parentID, baseID sql.NullInt64

	err := scanner.Scan(
		&node.ID,
		&node.RoleID,
		&node.Object.ID,
		&node.Object.Type,
		&parentID,
		&baseID,
		&node.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	node.ParentID = int64Ptr(parentID)
	if baseID.Valid {
		node.BaseID = baseID.Int64
	}
	return &node, nil
}
