package acl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// LinkFunc returns the objects of one sub type directly linked to from.
// origin is the object one level up the propagation chain (zero at the top),
// letting edge objects such as relationships answer with their far end.
type LinkFunc func(ctx context.Context, q Querier, from, origin ObjectRef) ([]ObjectRef, error)

// Graph resolves the live object graph during propagation. Every sub type a
// rule tree names must be registered; unregistered types fail validation.
type Graph struct {
	mu    sync.RWMutex
	links map[string]LinkFunc
}

// NewGraph registers objectTypes with the relationship-table resolver.
// With no arguments the DefaultObjectTypes are registered.
func NewGraph(objectTypes ...string) *Graph {
	if len(objectTypes) == 0 {
		objectTypes = DefaultObjectTypes()
	}
	g := &Graph{links: make(map[string]LinkFunc, len(objectTypes))}
	for _, objectType := range objectTypes {
		g.links[objectType] = nil
	}
	return g
}

// Register installs a custom resolver for a sub type. A nil fn keeps the
// relationship-table default.
func (g *Graph) Register(objectType string, fn LinkFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.links[objectType] = fn
}

// Known reports whether the sub type can be resolved
func (g *Graph) Known(objectType string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.links[objectType]
	return ok
}

// Types lists the registered object types
func (g *Graph) Types() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	types := make([]string, 0, len(g.links))
	for objectType := range g.links {
		types = append(types, objectType)
	}
	sort.Strings(types)
	return types
}

// Related returns the objects of subType directly linked to from
func (g *Graph) Related(ctx context.Context, q Querier, from, origin ObjectRef, subType string) ([]ObjectRef, error) {
	g.mu.RLock()
	fn, ok := g.links[subType]
	g.mu.RUnlock()
	if !ok {
		return nil, &MalformedRuleError{Key: subType, Reason: "unknown object type"}
	}
	if fn != nil {
		return fn(ctx, q, from, origin)
	}

	switch {
	case subType == TypeRelationship:
		return relationshipsOf(ctx, q, from)
	case from.Type == TypeRelationship:
		return relationshipEnds(ctx, q, from, origin, subType)
	default:
		return mappedObjects(ctx, q, from, subType)
	}
}

// relationshipsOf lists the relationship rows with from on either end
func relationshipsOf(ctx context.Context, q Querier, from ObjectRef) ([]ObjectRef, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM relationships
		WHERE (source_type = $1 AND source_id = $2)
		   OR (destination_type = $1 AND destination_id = $2)
		ORDER BY id`, from.Type, from.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships of %s: %w", from, err)
	}
	defer rows.Close()

	var refs []ObjectRef
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		refs = append(refs, ObjectRef{Type: TypeRelationship, ID: id})
	}
	return refs, rows.Err()
}

// relationshipEnds returns the ends of a relationship of subType, skipping
// the object the chain arrived from
func relationshipEnds(ctx context.Context, q Querier, rel, origin ObjectRef, subType string) ([]ObjectRef, error) {
	var r Relationship
	err := q.QueryRowContext(ctx, `
		SELECT id, source_type, source_id, destination_type, destination_id
		FROM relationships WHERE id = $1`, rel.ID).Scan(
		&r.ID, &r.Source.Type, &r.Source.ID, &r.Destination.Type, &r.Destination.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load relationship %d: %w", rel.ID, err)
	}

	var refs []ObjectRef
	for _, end := range []ObjectRef{r.Source, r.Destination} {
		if end.Type == subType && end != origin {
			refs = append(refs, end)
		}
	}
	return refs, nil
}

// mappedObjects lists objects of subType mapped to from in either direction
func mappedObjects(ctx context.Context, q Querier, from ObjectRef, subType string) ([]ObjectRef, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT destination_id FROM relationships
		WHERE source_type = $1 AND source_id = $2 AND destination_type = $3
		UNION
		SELECT source_id FROM relationships
		WHERE destination_type = $1 AND destination_id = $2 AND source_type = $3
		ORDER BY 1`, from.Type, from.ID, subType)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s mapped to %s: %w", subType, from, err)
	}
	defer rows.Close()

	var refs []ObjectRef
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan mapped object: %w", err)
		}
		refs = append(refs, ObjectRef{Type: subType, ID: id})
	}
	return refs, rows.Err()
}

// Relationships persists object graph edges. The surrounding application owns
// this table; the store exists so hooks and tests can record edges in the
// same transaction as the propagation they trigger.
type Relationships struct {
	q Querier
}

// NewRelationships creates a relationship store
func NewRelationships(q Querier) *Relationships {
	return &Relationships{q: q}
}

// Create inserts an edge and sets rel.ID
func (s *Relationships) Create(ctx context.Context, rel *Relationship) error {
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO relationships (source_type, source_id, destination_type, destination_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		rel.Source.Type, rel.Source.ID, rel.Destination.Type, rel.Destination.ID, time.Now().UTC(),
	).Scan(&rel.ID)
	if err != nil {
		return fmt.Errorf("failed to create relationship: %w", err)
	}
	return nil
}

// Get loads an edge by id
func (s *Relationships) Get(ctx context.Context, id int64) (*Relationship, error) {
	var r Relationship
	err := s.q.QueryRowContext(ctx, `
		SELECT id, source_type, source_id, destination_type, destination_id
		FROM relationships WHERE id = $1`, id).Scan(
		&r.ID, &r.Source.Type, &r.Source.ID, &r.Destination.Type, &r.Destination.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship %d: %w", id, err)
	}
	return &r, nil
}

// Delete removes an edge
func (s *Relationships) Delete(ctx context.Context, id int64) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM relationships WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete relationship %d: %w", id, err)
	}
	return nil
}

// Linked reports whether any edge still joins a and b in either direction
func (s *Relationships) Linked(ctx context.Context, a, b ObjectRef) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relationships
		WHERE (source_type = $1 AND source_id = $2 AND destination_type = $3 AND destination_id = $4)
		   OR (source_type = $3 AND source_id = $4 AND destination_type = $1 AND destination_id = $2)`,
		a.Type, a.ID, b.Type, b.ID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check link between %s and %s: %w", a, b, err)
	}
	return n > 0, nil
}
