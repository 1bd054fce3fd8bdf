// Package acl implements access control list propagation for GRC objects.
//
// # Overview
//
// A role from the catalog is granted on an object by a root node in the ACL
// forest. Propagation rules attached to (object type, role) describe which
// related objects inherit a narrower, internal role from that grant:
//
//	rules := acl.NewRuleSet().Add(acl.TypeControl, "Admin",
//		acl.MustRule("Relationship R",
//			acl.MustRule("Comment R"),
//		),
//	)
//
// A person holding Admin on a Control can then read every Comment reachable
// through one Relationship hop. Derived nodes point at their parent through
// parent_id and at the root through base_id, so a chain's origin is one
// lookup away and deleting a root removes the whole branch.
//
// # Components
//
//	RoleCatalog   - access_control_roles
//	NodeStore     - access_control_list
//	Assignments   - access_control_people
//	Propagator    - rule tree walk over the object Graph
//	Checker       - permission checks with an optional PermissionCache
//	Manager       - transaction boundary and lifecycle hooks
//
// # Holders
//
// People are assigned to root nodes. A check on an object succeeds when one
// of its nodes carries a role granting the action and the person holds that
// node or its base.
//
// # Concurrency
//
// Every Manager mutation is one transaction. Concurrent propagation of the
// same subtree converges on the (ac_role_id, object_id, object_type,
// parent_id_nn) unique constraint; a lost insert is read back, not retried.
package acl
