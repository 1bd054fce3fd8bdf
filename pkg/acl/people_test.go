package acl

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignments_AddRemoveUpdate(t *testing.T) {
	f := newFixture(t)
	admin := f.role("Admin", TypeControl, FullAccess)
	node := f.root(admin, Ref(TypeControl, 1))

	const p1, p2, p3 = int64(1), int64(2), int64(3)

	delta, err := f.people.AddPeople(f.ctx, node, []int64{p1, p2})
	require.NoError(t, err)
	assert.Equal(t, []int64{p1, p2}, delta.Added)
	assert.Empty(t, delta.Removed)

	delta, err = f.people.RemovePeople(f.ctx, node, []int64{p2})
	require.NoError(t, err)
	assert.Equal(t, []int64{p2}, delta.Removed)

	delta, err = f.people.UpdatePeople(f.ctx, node, []int64{p1, p3})
	require.NoError(t, err)
	assert.Equal(t, []int64{p3}, delta.Added)
	assert.Empty(t, delta.Removed)

	holders, err := f.people.ListHolders(f.ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{p1, p3}, holders)
}

func TestAssignments_Idempotent(t *testing.T) {
	f := newFixture(t)
	admin := f.role("Admin", TypeControl, FullAccess)
	node := f.root(admin, Ref(TypeControl, 1), 1, 2)

	t.Run("adding a holder again", func(t *testing.T) {
		delta, err := f.people.AddPeople(f.ctx, node, []int64{2, 2})
		require.NoError(t, err)
		assert.True(t, delta.Empty())
	})

	t.Run("removing a non-holder", func(t *testing.T) {
		delta, err := f.people.RemovePeople(f.ctx, node, []int64{99})
		require.NoError(t, err)
		assert.True(t, delta.Empty())
	})

	t.Run("update converges from any prior set", func(t *testing.T) {
		for _, desired := range [][]int64{{5}, {}, {1, 2, 3}, {3, 1}} {
			_, err := f.people.UpdatePeople(f.ctx, node, desired)
			require.NoError(t, err)

			holders, err := f.people.ListHolders(f.ctx, node.ID)
			require.NoError(t, err)
			assert.ElementsMatch(t, desired, holders)

			again, err := f.people.UpdatePeople(f.ctx, node, desired)
			require.NoError(t, err)
			assert.True(t, again.Empty())
		}
	})
}

func TestAssignments_UpdateWithoutChangesIssuesNoWrites(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT person_id FROM access_control_people").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"person_id"}).AddRow(int64(1)).AddRow(int64(2)))

	delta, err := NewAssignments(db).UpdatePeople(context.Background(), &Node{ID: 7}, []int64{2, 1})
	require.NoError(t, err)
	assert.True(t, delta.Empty())

	// Any INSERT or DELETE would have failed as unexpected
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignments_UpdateTouchesOnlyTheDifference(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT person_id FROM access_control_people").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"person_id"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectExec("DELETE FROM access_control_people").
		WithArgs(int64(7), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO access_control_people").
		WithArgs(int64(7), int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(10, 1))

	delta, err := NewAssignments(db).UpdatePeople(context.Background(), &Node{ID: 7}, []int64{1, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, delta.Added)
	assert.Equal(t, []int64{2}, delta.Removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignments_ListError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("db down")
	mock.ExpectQuery("SELECT person_id FROM access_control_people").WillReturnError(boom)

	_, err = NewAssignments(db).AddPeople(context.Background(), &Node{ID: 7}, []int64{1})
	assert.ErrorIs(t, err, boom)
}

func TestSetAlgebra(t *testing.T) {
	a := toSet([]int64{3, 1, 2})
	b := toSet([]int64{2, 4})
	assert.Equal(t, []int64{1, 3}, difference(a, b))
	assert.Equal(t, []int64{4}, difference(b, a))
	assert.Equal(t, []int64{2}, intersection(a, b))
	assert.Nil(t, intersection(toSet(nil), a))
}
