package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusProcessing, StatusDone, true},
		{StatusQueued, StatusDone, false},
		{StatusQueued, StatusCancelled, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusFailed, true},
		{StatusDone, StatusProcessing, false},
		{StatusDone, StatusDeleted, true},
		{StatusFailed, StatusDeleted, true},
		{StatusCancelled, StatusDeleted, true},
		{StatusQueued, StatusDeleted, false},
		{StatusDeleted, StatusDone, false},
		{StatusDeleted, StatusDeleted, true},
	}
	for _, tc := range cases {
		require.Equalf(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestNormalizeMode(t *testing.T) {
	t.Parallel()

	require.Equal(t, ModeA, NormalizeMode("A"))
	require.Equal(t, ModeA, NormalizeMode(" a-mode"))
	require.Equal(t, ModeTable, NormalizeMode("table"))
	require.Equal(t, ModeTable, NormalizeMode(""))
	require.Equal(t, ModeTable, NormalizeMode("B"))
}

func TestFieldsApply(t *testing.T) {
	t.Parallel()

	base := Batch{ID: "b1", Status: StatusQueued, Total: 4}
	processed := 2
	got := Fields{Processed: &processed}.Apply(base)
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, 2, got.Processed)
	require.Equal(t, 4, got.Total)

	got = WithStatus(StatusProcessing).Apply(got)
	require.Equal(t, StatusProcessing, got.Status)
	require.False(t, Fields{}.Apply(got).Deleted)
	require.True(t, Fields{}.Empty())
}

type mapStore struct {
	records map[string]Batch
}

func (m *mapStore) Create(_ context.Context, b Batch) error {
	m.records[b.ID] = b
	return nil
}

func (m *mapStore) Update(_ context.Context, id string, f Fields) error {
	b, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	m.records[id] = f.Apply(b)
	return nil
}

func (m *mapStore) Get(_ context.Context, id string) (Batch, error) {
	b, ok := m.records[id]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return b, nil
}

func (m *mapStore) ListRecent(context.Context, int) ([]string, error) { return nil, nil }

func TestTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &mapStore{records: map[string]Batch{"b1": {ID: "b1", Status: StatusQueued}}}

	total := 4
	got, err := Transition(ctx, store, "b1", StatusProcessing, Fields{Total: &total})
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, got.Status)
	require.Equal(t, 4, store.records["b1"].Total)

	_, err = Transition(ctx, store, "b1", StatusDeleted, Fields{})
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StatusProcessing, store.records["b1"].Status)

	_, err = Transition(ctx, store, "missing", StatusDone, Fields{})
	require.ErrorIs(t, err, ErrNotFound)
}
