package acl

import (
	"errors"
	"fmt"
)

var (
	ErrRoleNotFound   = errors.New("role not found")
	ErrDuplicateGrant = errors.New("duplicate grant")
	ErrMalformedRule  = errors.New("malformed propagation rule")
	ErrInvalidACLData = errors.New("invalid acl data")
	ErrNodeNotFound   = errors.New("acl node not found")
	ErrNotRoot        = errors.New("acl node is not a direct grant")
)

// RoleNotFoundError is returned when no role with the name exists for the
// object type
type RoleNotFoundError struct {
	ObjectType string
	Name       string
	ID         int64
}

func (e *RoleNotFoundError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("role not found: id %d", e.ID)
	}
	return fmt.Sprintf("role not found: %q on %s", e.Name, e.ObjectType)
}

func (e *RoleNotFoundError) Unwrap() error { return ErrRoleNotFound }

// DuplicateGrantError is returned when a node would violate
// (ac_role_id, object_id, object_type, parent_id_nn) uniqueness
type DuplicateGrantError struct {
	RoleID   int64
	Object   ObjectRef
	ParentID int64
	Err      error
}

func (e *DuplicateGrantError) Error() string {
	return fmt.Sprintf("duplicate grant: role %d on %s (parent %d)", e.RoleID, e.Object, e.ParentID)
}

func (e *DuplicateGrantError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDuplicateGrant}
	}
	return []error{ErrDuplicateGrant, e.Err}
}

// MalformedRuleError is returned for rule keys that cannot be parsed or that
// reference an object type the graph cannot resolve
type MalformedRuleError struct {
	Key    string
	Path   []string
	Reason string
}

func (e *MalformedRuleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("malformed propagation rule %q: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("malformed propagation rule %q under %v: %s", e.Key, e.Path, e.Reason)
}

func (e *MalformedRuleError) Unwrap() error { return ErrMalformedRule }

// InvalidACLDataError is returned when a caller-supplied ACL payload names a
// role that does not exist for the target object type
type InvalidACLDataError struct {
	ObjectType string
	RoleNames  []string
}

func (e *InvalidACLDataError) Error() string {
	return fmt.Sprintf("invalid acl data for %s: unknown roles %v", e.ObjectType, e.RoleNames)
}

func (e *InvalidACLDataError) Unwrap() error { return ErrInvalidACLData }
