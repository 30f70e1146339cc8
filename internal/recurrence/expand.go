package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "ezsched/internal/log"
	"ezsched/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// Options controls how recurrence expansion is performed.
type Options struct {
	// Location is the timezone instances are converted to. If nil, the
	// source event's location is kept.
	Location *time.Location

	// MaxOccurrences is a safety cap per series. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrences int
}

// Result wraps the expanded instances and the series that hit the cap.
type Result struct {
	Instances []model.Instance
	// Truncated records series ids that hit Options.MaxOccurrences.
	Truncated []string
}

// Expand turns events into concrete instances within [rangeStart, rangeEnd].
//
//   - Non-recurring events are kept if they intersect the range, bounds
//     inclusive.
//   - Series roots are expanded with rrule-go anchored at the root start;
//     occurrences whose start equals an ExDate are dropped and every
//     instance keeps the root duration.
//   - A rule that fails to parse is logged and the root is treated as a
//     single event.
//
// Output follows input order; a series expands in place, ordered by
// occurrence time.
func Expand(events []model.Event, rangeStart, rangeEnd time.Time, opts Options) Result {
	var result Result

	if rangeEnd.Before(rangeStart) {
		appLog.Error("expand: range end before start; nothing to expand",
			errors.New("inverted range"),
			"range_start", rangeStart.Format(time.RFC3339),
			"range_end", rangeEnd.Format(time.RFC3339),
		)
		return result
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = defaultMaxOccurrencesPerEvent
	}

	out := make([]model.Instance, 0, len(events))
	for _, ev := range events {
		if !ev.IsRecurring() {
			if intersects(ev.Start, ev.End, rangeStart, rangeEnd) {
				out = append(out, localize(model.SingleInstance(ev), opts.Location))
			}
			continue
		}

		insts, hitCap, err := expandSeries(ev, rangeStart, rangeEnd, opts.MaxOccurrences)
		if err != nil {
			appLog.Error("expand: failed to evaluate RRULE; using series root as-is", err,
				"id", ev.ID,
				"rrule", ev.RRule,
			)
			if intersects(ev.Start, ev.End, rangeStart, rangeEnd) {
				out = append(out, localize(model.SingleInstance(ev), opts.Location))
			}
			continue
		}
		if hitCap {
			result.Truncated = append(result.Truncated, ev.ID)
			appLog.Error("expand: truncated occurrences for series due to cap",
				errors.New("max occurrences reached"),
				"id", ev.ID,
				"cap", opts.MaxOccurrences,
			)
		}
		for _, inst := range insts {
			out = append(out, localize(inst, opts.Location))
		}
	}

	result.Instances = out
	return result
}

// expandSeries evaluates a series root. Panics inside the rule evaluator
// are reported as errors so one bad rule cannot take down a render pass.
func expandSeries(root model.Event, rangeStart, rangeEnd time.Time, limit int) (out []model.Instance, hitCap bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, hitCap = nil, false
			err = fmt.Errorf("rrule evaluation panicked: %v", r)
		}
	}()

	set, err := buildSet(root)
	if err != nil {
		return nil, false, err
	}

	// Compare in the root's own location so BYDAY/BYHOUR stay local.
	loc := root.Start.Location()
	starts := set.Between(rangeStart.In(loc), rangeEnd.In(loc), true)

	if len(starts) > limit {
		starts = starts[:limit]
		hitCap = true
	}

	out = make([]model.Instance, 0, len(starts))
	for _, s := range starts {
		out = append(out, model.Occurrence(root, s))
	}
	return out, hitCap, nil
}

func buildSet(root model.Event) (*rrule.Set, error) {
	opt, err := rrule.StrToROption(normalizeRule(root.RRule))
	if err != nil {
		return nil, fmt.Errorf("parse rrule: %w", err)
	}
	opt.Dtstart = root.Start

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("build rrule: %w", err)
	}

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range root.ExDates {
		// rrule-go works on second precision.
		set.ExDate(ex.In(root.Start.Location()).Truncate(time.Second))
	}
	return set, nil
}

// ValidateRule reports whether s parses as an RRULE body.
func ValidateRule(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if _, err := rrule.StrToROption(normalizeRule(s)); err != nil {
		return fmt.Errorf("%w: rrule %q: %v", model.ErrInvalid, s, err)
	}
	return nil
}

// normalizeRule accepts both "RRULE:FREQ=..." and the bare body.
func normalizeRule(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 6 && strings.EqualFold(s[:6], "RRULE:") {
		s = s[6:]
	}
	return s
}

func localize(inst model.Instance, loc *time.Location) model.Instance {
	if loc == nil {
		return inst
	}
	inst.Start = inst.Start.In(loc)
	inst.End = inst.End.In(loc)
	return inst
}

func intersects(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
