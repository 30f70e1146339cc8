package drag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ezsched/internal/layout"
	"ezsched/internal/model"
)

var (
	t9  = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	t10 = t9.Add(time.Hour)
	// 15-minute slots drawn 20px tall.
	grid = Grid{PixelsPerSlot: 20, Slot: 15 * time.Minute}
)

func TestInterpret_MovePreservesDuration(t *testing.T) {
	span := model.Span{Start: t9, End: t10.Add(7 * time.Minute)}
	for _, px := range []float64{-1000, -31, -9, 0, 9, 11, 29, 31, 400, 12345.6} {
		got, err := Interpret(KindMove, span, px, grid)
		require.NoError(t, err)
		assert.Equal(t, span.Duration(), got.Duration(), "delta %v", px)
		assert.Zero(t, got.Start.Sub(span.Start)%grid.Slot, "delta %v not snapped", px)
	}
}

func TestInterpret_SnapsToNearestSlot(t *testing.T) {
	span := model.Span{Start: t9, End: t10}

	tests := []struct {
		px   float64
		want time.Duration
	}{
		{px: 9, want: 0},
		{px: 10, want: 15 * time.Minute}, // half a slot rounds away from zero
		{px: 29, want: 15 * time.Minute},
		{px: 31, want: 30 * time.Minute},
		{px: -25, want: -15 * time.Minute},
	}
	for _, tc := range tests {
		got, err := Interpret(KindMove, span, tc.px, grid)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.Start.Sub(t9), "px %v", tc.px)
	}
}

func TestInterpret_ResizeEndClamps(t *testing.T) {
	span := model.Span{Start: t9, End: t10}

	got, err := Interpret(KindResizeEnd, span, -500, grid)
	require.NoError(t, err)
	assert.True(t, got.Start.Equal(t9))
	assert.True(t, got.End.Equal(t9.Add(grid.Slot)), "end = %v", got.End)

	got, err = Interpret(KindResizeEnd, span, 40, grid)
	require.NoError(t, err)
	assert.True(t, got.End.Equal(t10.Add(30*time.Minute)))
}

func TestInterpret_ResizeStartClamps(t *testing.T) {
	span := model.Span{Start: t9, End: t10}

	got, err := Interpret(KindResizeStart, span, 500, grid)
	require.NoError(t, err)
	assert.True(t, got.End.Equal(t10))
	assert.True(t, got.Start.Equal(t10.Add(-grid.Slot)))

	got, err = Interpret(KindResizeStart, span, -20, grid)
	require.NoError(t, err)
	assert.True(t, got.Start.Equal(t9.Add(-15*time.Minute)))
	assert.Equal(t, 75*time.Minute, got.Duration())
}

func TestInterpret_Errors(t *testing.T) {
	span := model.Span{Start: t9, End: t10}

	_, err := Interpret("spin", span, 10, grid)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Interpret(KindMove, span, 10, Grid{PixelsPerSlot: 0, Slot: time.Minute})
	assert.ErrorIs(t, err, ErrInvalidGrid)

	_, err = ParseKind("resize-middle")
	assert.ErrorIs(t, err, ErrUnknownKind)
	k, err := ParseKind("resize-end")
	require.NoError(t, err)
	assert.Equal(t, KindResizeEnd, k)
}

func TestDrop(t *testing.T) {
	span := model.Span{Start: t9, End: t10}
	target := t9.Add(48 * time.Hour)

	ch, ok := Drop(span, []string{"room-a", "alice"}, "room-a", Target{Start: target, ResourceID: "room-b"})
	require.True(t, ok)
	assert.True(t, ch.Span.Start.Equal(target))
	assert.Equal(t, time.Hour, ch.Span.Duration())
	assert.Equal(t, []string{"room-b", "alice"}, ch.ResourceIDs)

	ch, ok = Drop(span, []string{"room-a"}, "room-a", Target{Start: target, ResourceID: "room-a"})
	require.True(t, ok)
	assert.Equal(t, []string{"room-a"}, ch.ResourceIDs)

	ch, ok = Drop(span, nil, "", Target{Start: target, ResourceID: "room-c"})
	require.True(t, ok)
	assert.Equal(t, []string{"room-c"}, ch.ResourceIDs)

	ch, ok = Drop(span, []string{"room-a", "room-b"}, "room-a", Target{Start: target, ResourceID: "room-b"})
	require.True(t, ok)
	assert.Equal(t, []string{"room-b"}, ch.ResourceIDs)

	_, ok = Drop(span, []string{"room-a"}, "room-a", Target{})
	assert.False(t, ok)
}

func TestAllowed(t *testing.T) {
	weekdays := model.WeekdaysOf(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
	resources := []model.Resource{
		{ID: "room-a", WorkingHours: &model.WorkingHours{StartHour: 8, EndHour: 18, Days: weekdays}},
		{ID: "room-b"},
	}
	// 2024-06-03 is a Monday.
	span := model.Span{Start: t9, End: t10}

	assert.True(t, Allowed(span, "room-a", resources, nil))
	assert.False(t, Allowed(span, "room-z", resources, nil))
	assert.False(t, Allowed(model.Span{Start: t9.Add(-2 * time.Hour), End: t9}, "room-a", resources, nil))
	assert.False(t, Allowed(model.Span{Start: t9.Add(8 * time.Hour), End: t9.Add(10 * time.Hour)}, "room-a", resources, nil))
	assert.False(t, Allowed(model.Span{Start: t9.Add(5 * 24 * time.Hour), End: t10.Add(5 * 24 * time.Hour)}, "room-a", resources, nil))

	holiday := model.Instance{
		ID:    "h",
		Start: t9.Add(30 * time.Minute),
		End:   t10.Add(time.Hour),
		Event: model.Event{ResourceIDs: []string{"room-b"}, Flags: model.Flags{Holiday: true}},
	}
	meeting := model.Instance{
		ID:    "m",
		Start: t9,
		End:   t10,
		Event: model.Event{ResourceIDs: []string{"room-b"}},
	}
	assert.False(t, Allowed(span, "room-b", resources, []model.Instance{meeting, holiday}))
	assert.True(t, Allowed(span, "room-a", resources, []model.Instance{holiday}))
	assert.True(t, Allowed(model.Span{Start: t10.Add(time.Hour), End: t10.Add(2 * time.Hour)}, "room-b", resources, []model.Instance{holiday}))
}

func TestTracker_UsesTimeAxis(t *testing.T) {
	span := model.Span{Start: t9, End: t10}

	vt := NewTracker(span, grid, layout.Vertical)
	got, err := vt.OnDragDelta(KindMove, 500, 40)
	require.NoError(t, err)
	assert.True(t, got.Start.Equal(t9.Add(30*time.Minute)))
	assert.True(t, vt.Changed())

	// Cumulative offsets: going back to zero restores the origin.
	got, err = vt.OnDragDelta(KindMove, 0, 0)
	require.NoError(t, err)
	assert.True(t, got.Start.Equal(t9))
	assert.False(t, vt.Changed())

	ht := NewTracker(span, grid, layout.Horizontal)
	got, err = ht.OnDragDelta(KindResizeEnd, 60, 999)
	require.NoError(t, err)
	assert.True(t, got.End.Equal(t10.Add(45*time.Minute)))

	_, err = ht.OnDragDelta("bogus", 10, 10)
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.True(t, ht.Current().End.Equal(t10.Add(45*time.Minute)))
}
