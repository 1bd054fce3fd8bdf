package acl

import (
	"fmt"
	"strings"
	"time"
)

// Object types the engine knows about out of the box.
const (
	TypeControl      = "Control"
	TypeAudit        = "Audit"
	TypeAssessment   = "Assessment"
	TypeProgram      = "Program"
	TypeRelationship = "Relationship"
	TypeComment      = "Comment"
	TypeDocument     = "Document"
	TypeEvidence     = "Evidence"
	TypeIssue        = "Issue"
	TypeSnapshot     = "Snapshot"
)

// DefaultObjectTypes returns the object types registered with NewGraph when
// no explicit list is given.
func DefaultObjectTypes() []string {
	return []string{
		TypeControl,
		TypeAudit,
		TypeAssessment,
		TypeProgram,
		TypeRelationship,
		TypeComment,
		TypeDocument,
		TypeEvidence,
		TypeIssue,
		TypeSnapshot,
	}
}

// ObjectRef is a polymorphic reference to a domain object
type ObjectRef struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// Ref builds an ObjectRef
func Ref(objectType string, id int64) ObjectRef {
	return ObjectRef{Type: objectType, ID: id}
}

// IsZero reports whether the reference points at nothing
func (o ObjectRef) IsZero() bool {
	return o.Type == "" && o.ID == 0
}

// String returns "Type:id"
func (o ObjectRef) String() string {
	return fmt.Sprintf("%s:%d", o.Type, o.ID)
}

// Action is an operation checked by the permission query layer
type Action string

const (
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionCreate Action = "create"
)

// PermissionSet is the read/update/delete triple carried by a role
type PermissionSet struct {
	Read   bool `json:"read" yaml:"read"`
	Update bool `json:"update" yaml:"update"`
	Delete bool `json:"delete" yaml:"delete"`
}

// FullAccess grants read, update and delete
var FullAccess = PermissionSet{Read: true, Update: true, Delete: true}

// ReadOnly grants read only
var ReadOnly = PermissionSet{Read: true}

// Allows reports whether the set grants the action. Create at object level
// rides on update: creating a child mapped to an object modifies it.
func (p PermissionSet) Allows(action Action) bool {
	switch action {
	case ActionRead:
		return p.Read
	case ActionUpdate, ActionCreate:
		return p.Update
	case ActionDelete:
		return p.Delete
	default:
		return false
	}
}

// Letters renders the set in rule-key notation ("RUD", "R", "")
func (p PermissionSet) Letters() string {
	var b strings.Builder
	if p.Read {
		b.WriteByte('R')
	}
	if p.Update {
		b.WriteByte('U')
	}
	if p.Delete {
		b.WriteByte('D')
	}
	return b.String()
}

// Role is a Role Catalog entry; unique per (Name, ObjectType)
type Role struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	ObjectType           string    `json:"object_type"`
	Read                 bool      `json:"read"`
	Update               bool      `json:"update"`
	Delete               bool      `json:"delete"`
	Mandatory            bool      `json:"mandatory"`
	Internal             bool      `json:"internal"`
	NonEditable          bool      `json:"non_editable"`
	MyWork               bool      `json:"my_work"`
	NotifyAboutProposal  bool      `json:"notify_about_proposal"`
	DefaultToCurrentUser bool      `json:"default_to_current_user"`
	ParentID             *int64    `json:"parent_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Permissions returns the role's permission bits
func (r *Role) Permissions() PermissionSet {
	return PermissionSet{Read: r.Read, Update: r.Update, Delete: r.Delete}
}

// Node is one row of the ACL forest: role RoleID applies to Object.
// ParentID is nil for roots; BaseID points at the root of the chain.
type Node struct {
	ID        int64     `json:"id"`
	RoleID    int64     `json:"ac_role_id"`
	Object    ObjectRef `json:"object"`
	ParentID  *int64    `json:"parent_id,omitempty"`
	BaseID    int64     `json:"base_id"`
	CreatedAt time.Time `json:"created_at"`
}

// IsRoot reports whether the node was granted directly
func (n *Node) IsRoot() bool {
	return n.ParentID == nil
}

// ParentIDNN is the parent id with roots mapped to 0, matching the
// parent_id_nn column used by the uniqueness constraint
func (n *Node) ParentIDNN() int64 {
	if n.ParentID == nil {
		return 0
	}
	return *n.ParentID
}

// SystemRole is a role whose privilege applies across all objects
type SystemRole string

const (
	SystemRoleNone          SystemRole = ""
	SystemRoleAdministrator SystemRole = "Administrator"
	SystemRoleEditor        SystemRole = "Editor"
	SystemRoleReader        SystemRole = "Reader"
	SystemRoleCreator       SystemRole = "Creator"
)

// allows reports whether the system role alone grants the action
func (s SystemRole) allows(action Action) bool {
	switch s {
	case SystemRoleAdministrator, SystemRoleEditor:
		return true
	case SystemRoleReader:
		return action == ActionRead
	case SystemRoleCreator:
		return action == ActionCreate
	default:
		return false
	}
}

// Person is the actor of a permission check or a grant
type Person struct {
	ID         int64      `json:"id"`
	Email      string     `json:"email,omitempty"`
	SystemRole SystemRole `json:"system_role,omitempty"`
}

// Relationship is an edge of the object graph
type Relationship struct {
	ID          int64     `json:"id"`
	Source      ObjectRef `json:"source"`
	Destination ObjectRef `json:"destination"`
}

// Ref returns the relationship as an object reference
func (r *Relationship) Ref() ObjectRef {
	return ObjectRef{Type: TypeRelationship, ID: r.ID}
}

// PeopleDelta reports the holder rows an assignment call inserted or removed
type PeopleDelta struct {
	Added   []int64 `json:"added"`
	Removed []int64 `json:"removed"`
}

// Empty reports whether nothing changed
func (d PeopleDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// PermissionCheck is a permission check request
type PermissionCheck struct {
	Actor  *Person   `json:"actor"`
	Action Action    `json:"action"`
	Object ObjectRef `json:"object"`
}

// PermissionCheckResult is the outcome of a permission check
type PermissionCheckResult struct {
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason,omitempty"`
	MatchedRoles []string  `json:"matched_roles,omitempty"`
	Cached       bool      `json:"cached,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// PropagationResult summarizes one propagation run
type PropagationResult struct {
	RunID   string        `json:"run_id"`
	RootID  int64         `json:"root_id"`
	Created int           `json:"created"`
	Skipped int           `json:"skipped"`
	Depth   int           `json:"depth"`
	Elapsed time.Duration `json:"elapsed"`
}

func (r *PropagationResult) merge(other *PropagationResult) {
	if other == nil {
		return
	}
	r.Created += other.Created
	r.Skipped += other.Skipped
	if other.Depth > r.Depth {
		r.Depth = other.Depth
	}
}
