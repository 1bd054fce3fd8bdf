package acl

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Assignments maintains the holder set of single ACL nodes. It knows nothing
// about propagation; callers mirror holders onto other nodes themselves.
type Assignments struct {
	q Querier
}

// NewAssignments creates an assignment store over a database handle or transaction
func NewAssignments(q Querier) *Assignments {
	return &Assignments{q: q}
}

// ListHolders returns the ids of the people holding the node, ascending
func (a *Assignments) ListHolders(ctx context.Context, nodeID int64) ([]int64, error) {
	rows, err := a.q.QueryContext(ctx, `
		SELECT person_id FROM access_control_people
		WHERE ac_list_id = $1
		ORDER BY person_id`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holders: %w", err)
	}
	defer rows.Close()

	var holders []int64
	for rows.Next() {
		var personID int64
		if err := rows.Scan(&personID); err != nil {
			return nil, fmt.Errorf("failed to scan holder: %w", err)
		}
		holders = append(holders, personID)
	}
	return holders, rows.Err()
}

// AddPeople inserts the people that do not hold the node yet
func (a *Assignments) AddPeople(ctx context.Context, node *Node, people []int64) (PeopleDelta, error) {
	existing, err := a.holderSet(ctx, node.ID)
	if err != nil {
		return PeopleDelta{}, err
	}

	var delta PeopleDelta
	delta.Added, err = a.insert(ctx, node.ID, difference(toSet(people), existing))
	return delta, err
}

// RemovePeople deletes the given people among the node's current holders;
// non-holders are ignored
func (a *Assignments) RemovePeople(ctx context.Context, node *Node, people []int64) (PeopleDelta, error) {
	existing, err := a.holderSet(ctx, node.ID)
	if err != nil {
		return PeopleDelta{}, err
	}

	var delta PeopleDelta
	delta.Removed, err = a.delete(ctx, node.ID, intersection(toSet(people), existing))
	return delta, err
}

// UpdatePeople makes the holder set exactly desired, touching only the rows
// that differ
func (a *Assignments) UpdatePeople(ctx context.Context, node *Node, desired []int64) (PeopleDelta, error) {
	existing, err := a.holderSet(ctx, node.ID)
	if err != nil {
		return PeopleDelta{}, err
	}
	want := toSet(desired)

	var delta PeopleDelta
	if delta.Removed, err = a.delete(ctx, node.ID, difference(existing, want)); err != nil {
		return delta, err
	}
	delta.Added, err = a.insert(ctx, node.ID, difference(want, existing))
	return delta, err
}

func (a *Assignments) holderSet(ctx context.Context, nodeID int64) (map[int64]struct{}, error) {
	holders, err := a.ListHolders(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return toSet(holders), nil
}

func (a *Assignments) insert(ctx context.Context, nodeID int64, people []int64) ([]int64, error) {
	now := time.Now().UTC()
	for _, personID := range people {
		_, err := a.q.ExecContext(ctx, `
			INSERT INTO access_control_people (ac_list_id, person_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (ac_list_id, person_id) DO NOTHING`,
			nodeID, personID, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to add person %d to node %d: %w", personID, nodeID, err)
		}
	}
	return people, nil
}

func (a *Assignments) delete(ctx context.Context, nodeID int64, people []int64) ([]int64, error) {
	for _, personID := range people {
		_, err := a.q.ExecContext(ctx, `
			DELETE FROM access_control_people
			WHERE ac_list_id = $1 AND person_id = $2`,
			nodeID, personID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to remove person %d from node %d: %w", personID, nodeID, err)
		}
	}
	return people, nil
}

func toSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// difference returns a - b, sorted
func difference(a, b map[int64]struct{}) []int64 {
	var out []int64
	for id := range a {
		if _, ok := b[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// intersection returns a ∩ b, sorted
func intersection(a, b map[int64]struct{}) []int64 {
	var out []int64
	for id := range a {
		if _, ok := b[id]; ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
