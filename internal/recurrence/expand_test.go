package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	appLog "ezsched/internal/log"
	"ezsched/internal/model"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestExpand_DailyCountScenario(t *testing.T) {
	root := model.Event{
		ID:    "s1",
		Title: "Standup",
		Start: utc(2024, 1, 1, 9, 0),
		End:   utc(2024, 1, 1, 10, 0),
		RRule: "FREQ=DAILY;COUNT=5",
	}

	res := Expand([]model.Event{root}, utc(2024, 1, 3, 0, 0), utc(2024, 1, 10, 0, 0), Options{})
	require.Len(t, res.Instances, 3)

	for i, inst := range res.Instances {
		wantStart := utc(2024, 1, 3+i, 9, 0)
		assert.Equal(t, model.InstanceID("s1", wantStart), inst.ID)
		assert.Equal(t, "s1", inst.SeriesID)
		assert.True(t, inst.Start.Equal(wantStart), "start %d = %v", i, inst.Start)
		assert.True(t, inst.End.Equal(wantStart.Add(time.Hour)), "end %d = %v", i, inst.End)
		assert.True(t, inst.OriginalStart.Equal(root.Start))
	}
	assert.Equal(t, "s1-1704272400000", res.Instances[0].ID)
}

func TestExpand_DailyInstanceCountAndSpacing(t *testing.T) {
	root := model.Event{
		ID:    "daily",
		Start: utc(2024, 3, 1, 8, 30),
		End:   utc(2024, 3, 1, 9, 15),
		RRule: "FREQ=DAILY",
	}

	tests := []struct {
		name       string
		start, end time.Time
		want       int
	}{
		{name: "aligned bounds include both ends", start: utc(2024, 3, 5, 8, 30), end: utc(2024, 3, 12, 8, 30), want: 8},
		{name: "midnight window", start: utc(2024, 3, 5, 0, 0), end: utc(2024, 3, 12, 0, 0), want: 7},
		{name: "single day", start: utc(2024, 3, 5, 0, 0), end: utc(2024, 3, 6, 0, 0), want: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := Expand([]model.Event{root}, tc.start, tc.end, Options{})
			require.Len(t, res.Instances, tc.want)

			days := int(tc.end.Sub(tc.start) / (24 * time.Hour))
			assert.Contains(t, []int{days, days + 1}, len(res.Instances))

			for i, inst := range res.Instances {
				assert.Equal(t, root.Duration(), inst.Duration())
				if i > 0 {
					assert.Equal(t, 24*time.Hour, inst.Start.Sub(res.Instances[i-1].Start))
				}
			}
		})
	}
}

func TestExpand_ExDateExcluded(t *testing.T) {
	start := utc(2026, 2, 2, 10, 0)
	ex := start.Add(7 * 24 * time.Hour)
	root := model.Event{
		ID:      "weekly",
		Start:   start,
		End:     start.Add(30 * time.Minute),
		RRule:   "FREQ=WEEKLY;COUNT=3;BYDAY=MO",
		ExDates: []time.Time{ex},
	}

	res := Expand([]model.Event{root}, start.Add(-time.Hour), start.Add(22*24*time.Hour), Options{})
	require.Len(t, res.Instances, 2)
	assert.True(t, res.Instances[0].Start.Equal(start))
	assert.True(t, res.Instances[1].Start.Equal(start.Add(14*24*time.Hour)))
	for _, inst := range res.Instances {
		assert.False(t, inst.Start.Equal(ex))
	}
}

func TestExpand_SingleEventPartialOverlap(t *testing.T) {
	ev := model.Event{
		ID:    "long",
		Start: utc(2024, 1, 1, 0, 0),
		End:   utc(2024, 1, 20, 0, 0),
	}
	outside := model.Event{
		ID:    "before",
		Start: utc(2023, 12, 1, 0, 0),
		End:   utc(2023, 12, 2, 0, 0),
	}

	res := Expand([]model.Event{outside, ev}, utc(2024, 1, 5, 0, 0), utc(2024, 1, 6, 0, 0), Options{})
	require.Len(t, res.Instances, 1)
	assert.Equal(t, "long", res.Instances[0].ID)
	assert.Empty(t, res.Instances[0].SeriesID)
}

func TestExpand_MalformedRuleFallsBackToRoot(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := appLog.Replace(zap.New(core))
	defer restore()

	bad := model.Event{
		ID:    "bad",
		Start: utc(2024, 1, 4, 9, 0),
		End:   utc(2024, 1, 4, 10, 0),
		RRule: "FREQ=SOMETIMES;COUNT=x",
	}
	offscreen := bad
	offscreen.ID = "bad-offscreen"
	offscreen.Start = utc(2023, 1, 4, 9, 0)
	offscreen.End = utc(2023, 1, 4, 10, 0)

	res := Expand([]model.Event{bad, offscreen}, utc(2024, 1, 1, 0, 0), utc(2024, 1, 7, 0, 0), Options{})
	require.Len(t, res.Instances, 1)
	assert.Equal(t, "bad", res.Instances[0].ID)
	assert.Equal(t, 2, logs.FilterMessageSnippet("failed to evaluate RRULE").Len())
}

func TestExpand_OrderFollowsInput(t *testing.T) {
	a := model.Event{ID: "a", Start: utc(2024, 1, 2, 12, 0), End: utc(2024, 1, 2, 13, 0)}
	series := model.Event{
		ID:    "b",
		Start: utc(2024, 1, 1, 9, 0),
		End:   utc(2024, 1, 1, 9, 30),
		RRule: "FREQ=DAILY;COUNT=3",
	}
	c := model.Event{ID: "c", Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 1, 1, 0)}

	res := Expand([]model.Event{a, series, c}, utc(2024, 1, 1, 0, 0), utc(2024, 1, 5, 0, 0), Options{})

	ids := make([]string, 0, len(res.Instances))
	for _, inst := range res.Instances {
		ids = append(ids, inst.ID)
	}
	assert.Equal(t, []string{
		"a",
		model.InstanceID("b", utc(2024, 1, 1, 9, 0)),
		model.InstanceID("b", utc(2024, 1, 2, 9, 0)),
		model.InstanceID("b", utc(2024, 1, 3, 9, 0)),
		"c",
	}, ids)

	again := Expand([]model.Event{a, series, c}, utc(2024, 1, 1, 0, 0), utc(2024, 1, 5, 0, 0), Options{})
	assert.Equal(t, res, again)
}

func TestExpand_CapTruncates(t *testing.T) {
	root := model.Event{
		ID:    "minutely",
		Start: utc(2024, 1, 1, 0, 0),
		End:   utc(2024, 1, 1, 0, 1),
		RRule: "FREQ=MINUTELY",
	}
	res := Expand([]model.Event{root}, utc(2024, 1, 1, 0, 0), utc(2024, 1, 2, 0, 0), Options{MaxOccurrences: 10})
	assert.Len(t, res.Instances, 10)
	assert.Equal(t, []string{"minutely"}, res.Truncated)
}

func TestExpand_LocationConversion(t *testing.T) {
	seoul := time.FixedZone("KST", 9*60*60)
	ev := model.Event{ID: "x", Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 1, 1, 0)}

	res := Expand([]model.Event{ev}, utc(2023, 12, 31, 0, 0), utc(2024, 1, 2, 0, 0), Options{Location: seoul})
	require.Len(t, res.Instances, 1)
	assert.Equal(t, 9, res.Instances[0].Start.Hour())
	assert.True(t, res.Instances[0].Start.Equal(ev.Start))
}

func TestExpand_InvertedRange(t *testing.T) {
	ev := model.Event{ID: "x", Start: utc(2024, 1, 1, 0, 0), End: utc(2024, 1, 1, 1, 0)}
	res := Expand([]model.Event{ev}, utc(2024, 1, 2, 0, 0), utc(2024, 1, 1, 0, 0), Options{})
	assert.Empty(t, res.Instances)
}

func TestValidateRule(t *testing.T) {
	assert.NoError(t, ValidateRule(""))
	assert.NoError(t, ValidateRule("FREQ=WEEKLY;BYDAY=MO,WE"))
	assert.NoError(t, ValidateRule("RRULE:FREQ=DAILY;COUNT=2"))
	assert.ErrorIs(t, ValidateRule("FREQ=NEVER"), model.ErrInvalid)
}
