package web

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"ezsched/internal/drag"
	appLog "ezsched/internal/log"
	"ezsched/internal/layout"
	"ezsched/internal/model"
	"ezsched/internal/recurrence"
	"ezsched/internal/store"
	"ezsched/internal/view"
)

type boardResponse struct {
	View       view.Kind        `json:"view"`
	RangeStart time.Time        `json:"range_start"`
	RangeEnd   time.Time        `json:"range_end"`
	Days       int              `json:"days"`
	Extent     float64          `json:"extent"`
	Nesting    string           `json:"nesting"`
	Resources  []model.Resource `json:"resources"`
	Blocks     []view.Block     `json:"blocks"`
	Truncated  []string         `json:"truncated,omitempty"`
}

// board builds the positioned blocks for the view described by q.
//
// Query: view=day|week|timeline, date=YYYY-MM-DD, width=<px>, days=<n>
// (timeline only), by_resource=1, nesting=date_first|resource_first.
func (s *Server) board(ctx context.Context, q url.Values) (boardResponse, error) {
	kind, err := view.ParseKind(q.Get("view"))
	if err != nil {
		return boardResponse{}, fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	loc := s.cfg.Location()
	date, err := parseTimeParam(q.Get("date"), loc, s.now().In(loc))
	if err != nil {
		return boardResponse{}, fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}

	cfg := s.viewConfig(kind, date)
	if w, err := strconv.ParseFloat(q.Get("width"), 64); err == nil && w > 0 {
		cfg.Extent = w
	}
	if d, err := strconv.Atoi(q.Get("days")); err == nil && d > 0 && d <= 31 {
		cfg.Days = d
	}
	cfg.ByResource, _ = strconv.ParseBool(q.Get("by_resource"))
	switch n := q.Get("nesting"); n {
	case "":
	case "date_first", "resource_first":
		cfg.Nesting = layout.ParseNesting(n)
	default:
		return boardResponse{}, fmt.Errorf("%w: unknown nesting %q", model.ErrInvalid, n)
	}

	start, end, days := view.Window(cfg)
	events, version, err := s.coord.View(ctx, start, end)
	if err != nil {
		return boardResponse{}, err
	}
	res := s.memo.Expand(version, events, start, end)
	resources := s.cfg.ResourceModels()
	blocks := view.Compose(res.Instances, resources, cfg)
	if blocks == nil {
		blocks = []view.Block{}
	}

	return boardResponse{
		View:       kind,
		RangeStart: start,
		RangeEnd:   end,
		Days:       days,
		Extent:     cfg.Extent,
		Nesting:    cfg.Nesting.String(),
		Resources:  resources,
		Blocks:     blocks,
		Truncated:  res.Truncated,
	}, nil
}

func (s *Server) viewConfig(kind view.Kind, date time.Time) view.Config {
	sc := s.cfg.Scheduler
	dir := layout.LTR
	if sc.Direction == "rtl" {
		dir = layout.RTL
	}
	var tol time.Duration
	if kind == view.Timeline {
		tol = s.cfg.OverlapTolerance()
	}
	return view.Config{
		Kind:          kind,
		Date:          date,
		Location:      s.cfg.Location(),
		WeekStart:     s.cfg.WeekStartDay(),
		Days:          1,
		Slot:          s.cfg.Slot(),
		PixelsPerSlot: sc.PixelsPerSlot,
		MinLength:     sc.MinEventPx,
		Extent:        1000,
		Tolerance:     tol,
		TieBreak:      layout.ParseTieBreak(sc.TieBreak),
		Direction:     dir,
		Nesting:       layout.ParseNesting(sc.Nesting),
	}
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	b, err := s.board(r.Context(), r.URL.Query())
	if err != nil {
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type dragRequest struct {
	EventID         string    `json:"event_id"`
	OccurrenceStart time.Time `json:"occurrence_start,omitzero"`
	Kind            string    `json:"kind"`
	PixelDelta      float64   `json:"pixel_delta"`
	DryRun          bool      `json:"dry_run"`
}

type dropRequest struct {
	EventID         string    `json:"event_id"`
	OccurrenceStart time.Time `json:"occurrence_start,omitzero"`
	SourceResource  string    `json:"source_resource"`
	TargetStart     time.Time `json:"target_start"`
	TargetResource  string    `json:"target_resource"`
	DryRun          bool      `json:"dry_run"`
}

type gestureResponse struct {
	Applied     bool         `json:"applied"`
	Span        model.Span   `json:"span"`
	ResourceIDs []string     `json:"resource_ids,omitempty"`
	Event       *model.Event `json:"event,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// handleDrag interprets a finished drag or resize and commits it unless
// dry_run is set.
func (s *Server) handleDrag(w http.ResponseWriter, r *http.Request) {
	var req dragRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := drag.ParseKind(req.Kind)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	inst, err := s.resolveInstance(r.Context(), req.EventID, req.OccurrenceStart)
	if err != nil {
		writeMutationError(w, err)
		return
	}

	grid := drag.Grid{PixelsPerSlot: s.cfg.Scheduler.PixelsPerSlot, Slot: s.cfg.Slot()}
	span, err := drag.Interpret(kind, inst.Span(), req.PixelDelta, grid)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	resp := gestureResponse{Span: span, ResourceIDs: inst.Event.ResourceIDs}
	if req.DryRun || (span.Start.Equal(inst.Start) && span.End.Equal(inst.End)) {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	saved, err := s.coord.EditInstance(r.Context(), inst, span, inst.Event.ResourceIDs)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	resp.Applied = true
	resp.Event = &saved
	writeJSON(w, http.StatusOK, resp)
}

// handleDrop moves an instance onto a target slot, possibly on another
// resource. Drops onto unavailable slots are refused with 409.
func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	var req dropRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inst, err := s.resolveInstance(r.Context(), req.EventID, req.OccurrenceStart)
	if err != nil {
		writeMutationError(w, err)
		return
	}

	change, ok := drag.Drop(inst.Span(), inst.Event.ResourceIDs, req.SourceResource,
		drag.Target{Start: req.TargetStart, ResourceID: req.TargetResource})
	if !ok {
		writeJSON(w, http.StatusOK, gestureResponse{Span: inst.Span(), Reason: "no target slot"})
		return
	}

	blockers := s.blockersFor(r.Context(), change.Span, inst)
	if !drag.Allowed(change.Span, req.TargetResource, s.cfg.ResourceModels(), blockers) {
		writeJSON(w, http.StatusConflict, gestureResponse{
			Span:   change.Span,
			Reason: "target slot is not available",
		})
		return
	}

	resp := gestureResponse{Span: change.Span, ResourceIDs: change.ResourceIDs}
	if req.DryRun {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	saved, err := s.coord.EditInstance(r.Context(), inst, change.Span, change.ResourceIDs)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	resp.Applied = true
	resp.Event = &saved
	writeJSON(w, http.StatusOK, resp)
}

// resolveInstance finds the rendered instance for an event id, using
// occurrence to pick one occurrence of a series. The loaded window is
// refetched once when id is not in it.
func (s *Server) resolveInstance(ctx context.Context, id string, occurrence time.Time) (model.Instance, error) {
	if id == "" {
		return model.Instance{}, fmt.Errorf("%w: event_id is required", model.ErrInvalid)
	}
	events := s.coord.Events()
	if !slices.ContainsFunc(events, func(e model.Event) bool { return e.ID == id }) {
		if err := s.coord.Refresh(ctx); err != nil {
			return model.Instance{}, err
		}
		events = s.coord.Events()
	}
	for _, e := range events {
		if e.ID != id {
			continue
		}
		if !e.IsRecurring() {
			return model.SingleInstance(e), nil
		}
		if occurrence.IsZero() {
			return model.Instance{}, fmt.Errorf("%w: occurrence_start is required for series %s", model.ErrInvalid, id)
		}
		res := recurrence.Expand([]model.Event{e}, occurrence, occurrence, recurrence.Options{})
		for _, inst := range res.Instances {
			if inst.Recurring() && inst.Start.Equal(occurrence) {
				return inst, nil
			}
		}
		return model.Instance{}, fmt.Errorf("series %s has no occurrence at %s: %w", id, occurrence.Format(time.RFC3339), store.ErrNotFound)
	}
	return model.Instance{}, fmt.Errorf("event %s: %w", id, store.ErrNotFound)
}

// blockersFor expands the loaded events around span, skipping the moving
// instance itself.
func (s *Server) blockersFor(ctx context.Context, span model.Span, moving model.Instance) []model.Instance {
	events, version, err := s.coord.View(ctx, span.Start, span.End)
	if err != nil {
		appLog.Error("drop: could not load blockers", err)
		return nil
	}
	res := s.memo.Expand(version, events, span.Start, span.End)
	out := make([]model.Instance, 0, len(res.Instances))
	for _, inst := range res.Instances {
		if inst.ID == moving.ID {
			continue
		}
		out = append(out, inst)
	}
	return out
}
