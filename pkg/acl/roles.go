package acl

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const roleColumns = `id, name, object_type, "read", "update", "delete", mandatory, internal, non_editable,
	my_work, notify_about_proposal, default_to_current_user, parent_id, created_at, updated_at`

// RoleCatalog handles access_control_roles persistence
type RoleCatalog struct {
	q Querier
}

// NewRoleCatalog creates a role catalog over a database handle or transaction
func NewRoleCatalog(q Querier) *RoleCatalog {
	return &RoleCatalog{q: q}
}

// GetRole retrieves a role by exact (object type, name) match
func (c *RoleCatalog) GetRole(ctx context.Context, objectType, name string) (*Role, error) {
	query := `SELECT ` + roleColumns + `
		FROM access_control_roles
		WHERE object_type = $1 AND name = $2`

	role, err := scanRole(c.q.QueryRowContext(ctx, query, objectType, name))
	if err == sql.ErrNoRows {
		return nil, &RoleNotFoundError{ObjectType: objectType, Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetRoleByID retrieves a role by id
func (c *RoleCatalog) GetRoleByID(ctx context.Context, id int64) (*Role, error) {
	query := `SELECT ` + roleColumns + `
		FROM access_control_roles
		WHERE id = $1`

	role, err := scanRole(c.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &RoleNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles lists every role for an object type, internal roles included
func (c *RoleCatalog) ListRoles(ctx context.Context, objectType string) ([]Role, error) {
	query := `SELECT ` + roleColumns + `
		FROM access_control_roles
		WHERE object_type = $1
		ORDER BY internal ASC, name ASC`

	rows, err := c.q.QueryContext(ctx, query, objectType)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
	}

	return roles, rows.Err()
}

// CreateRole inserts a new role
func (c *RoleCatalog) CreateRole(ctx context.Context, role *Role) error {
	query := `
		INSERT INTO access_control_roles (name, object_type, "read", "update", "delete", mandatory, internal,
			non_editable, my_work, notify_about_proposal, default_to_current_user, parent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`

	now := time.Now().UTC()
	err := c.q.QueryRowContext(ctx, query,
		role.Name,
		role.ObjectType,
		role.Read,
		role.Update,
		role.Delete,
		role.Mandatory,
		role.Internal,
		role.NonEditable,
		role.MyWork,
		role.NotifyAboutProposal,
		role.DefaultToCurrentUser,
		nullableInt64(role.ParentID),
		now,
		now,
	).Scan(&role.ID)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// EnsureInternalRole returns the internal, non-editable role registered under
// name on objectType, creating it when missing. An existing row is reused and
// its permission bits are brought in line with perms.
func (c *RoleCatalog) EnsureInternalRole(ctx context.Context, name, objectType string, perms PermissionSet, parentRoleID *int64) (*Role, error) {
	role := &Role{
		Name:        name,
		ObjectType:  objectType,
		Read:        perms.Read,
		Update:      perms.Update,
		Delete:      perms.Delete,
		Internal:    true,
		NonEditable: true,
		ParentID:    parentRoleID,
	}

	query := `
		INSERT INTO access_control_roles (name, object_type, "read", "update", "delete", mandatory, internal,
			non_editable, my_work, notify_about_proposal, default_to_current_user, parent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (name, object_type) DO NOTHING
		RETURNING id
	`

	now := time.Now().UTC()
	err := c.q.QueryRowContext(ctx, query,
		role.Name,
		role.ObjectType,
		role.Read,
		role.Update,
		role.Delete,
		false,
		true,
		true,
		false,
		false,
		false,
		nullableInt64(parentRoleID),
		now,
		now,
	).Scan(&role.ID)
	if err == nil {
		role.CreatedAt = now
		role.UpdatedAt = now
		return role, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to register internal role %s: %w", name, err)
	}

	existing, err := c.GetRole(ctx, objectType, name)
	if err != nil {
		return nil, err
	}
	if existing.Permissions() == perms {
		return existing, nil
	}

	_, err = c.q.ExecContext(ctx, `
		UPDATE access_control_roles
		SET "read" = $1, "update" = $2, "delete" = $3, updated_at = $4
		WHERE id = $5`,
		perms.Read, perms.Update, perms.Delete, now, existing.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update internal role %s: %w", name, err)
	}
	existing.Read, existing.Update, existing.Delete = perms.Read, perms.Update, perms.Delete
	existing.UpdatedAt = now
	return existing, nil
}

// PruneInternalRoles deletes internal roles no node refers to any more and
// returns how many rows went away
func (c *RoleCatalog) PruneInternalRoles(ctx context.Context) (int64, error) {
	result, err := c.q.ExecContext(ctx, `
		DELETE FROM access_control_roles
		WHERE internal = TRUE
		  AND NOT EXISTS (
			SELECT 1 FROM access_control_list n WHERE n.ac_role_id = access_control_roles.id
		  )`)
	if err != nil {
		return 0, fmt.Errorf("failed to prune internal roles: %w", err)
	}
	return result.RowsAffected()
}

// scanRole scans a role from a database row
func scanRole(scanner interface {
	Scan(dest ...interface{}) error
}) (*Role, error) {
	var role Role
	var parentID sql.NullInt64

	err := scanner.Scan(
		&role.ID,
		&role.Name,
		&role.ObjectType,
		&role.Read,
		&role.Update,
		&role.Delete,
		&role.Mandatory,
		&role.Internal,
		&role.NonEditable,
		&role.MyWork,
		&role.NotifyAboutProposal,
		&role.DefaultToCurrentUser,
		&parentID,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	role.ParentID = int64Ptr(parentID)
	return &role, nil
}

// BuiltInRoles returns the seeded catalog roles
func BuiltInRoles() []Role {
	rud := func(name, objectType string, perms PermissionSet, mandatory bool) Role {
		return Role{
			Name:       name,
			ObjectType: objectType,
			Read:       perms.Read,
			Update:     perms.Update,
			Delete:     perms.Delete,
			Mandatory:  mandatory,
			MyWork:     true,
		}
	}
	readUpdate := PermissionSet{Read: true, Update: true}

	roles := []Role{
		rud("Admin", TypeControl, FullAccess, true),
		rud("Control Operators", TypeControl, readUpdate, false),
		rud("Control Owners", TypeControl, FullAccess, false),
		rud("Other Contacts", TypeControl, ReadOnly, false),
		rud("Viewer", TypeControl, ReadOnly, false),
		rud("Audit Captains", TypeAudit, FullAccess, true),
		rud("Auditors", TypeAudit, ReadOnly, false),
		rud("Creators", TypeAssessment, readUpdate, true),
		rud("Assignees", TypeAssessment, readUpdate, true),
		rud("Verifiers", TypeAssessment, readUpdate, false),
		rud("Program Managers", TypeProgram, FullAccess, true),
		rud("Program Editors", TypeProgram, readUpdate, false),
		rud("Program Readers", TypeProgram, ReadOnly, false),
		rud("Admin", TypeIssue, FullAccess, true),
		rud("Primary Contacts", TypeIssue, readUpdate, false),
		rud("Secondary Contacts", TypeIssue, readUpdate, false),
	}

	// Proposal notifications go to the people who own the object
	for i := range roles {
		if roles[i].Name == "Admin" || roles[i].Name == "Program Managers" {
			roles[i].NotifyAboutProposal = true
		}
		if roles[i].Name == "Creators" || roles[i].Name == "Admin" {
			roles[i].DefaultToCurrentUser = true
		}
	}
	return roles
}
