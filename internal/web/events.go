package web

import (
	"fmt"
	"net/http"
	"time"

	"ezsched/internal/ics"
	appLog "ezsched/internal/log"
	"ezsched/internal/model"
)

type eventsResponse struct {
	Instances  []model.Instance `json:"instances"`
	Truncated  []string         `json:"truncated,omitempty"`
	RangeStart time.Time        `json:"range_start"`
	RangeEnd   time.Time        `json:"range_end"`
	Timezone   string           `json:"timezone"`
	Version    uint64           `json:"version"`
}

// handleListEvents returns expanded instances.
//
// GET /api/events?start=2024-04-01&end=2024-04-08
//
// start and end accept RFC 3339 or a bare date in the display timezone.
// Defaults are today and seven days later.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	loc := s.cfg.Location()
	q := r.URL.Query()

	start, err := parseTimeParam(q.Get("start"), loc, startOfDay(s.now().In(loc)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseTimeParam(q.Get("end"), loc, start.AddDate(0, 0, 7))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end is before start")
		return
	}

	events, version, err := s.coord.View(r.Context(), start, end)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	res := s.memo.Expand(version, events, start, end)

	appLog.Debug("api events", "start", start.Format(time.RFC3339), "end", end.Format(time.RFC3339),
		"instances", len(res.Instances), "version", version)

	instances := res.Instances
	if instances == nil {
		instances = []model.Instance{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		Instances:  instances,
		Truncated:  res.Truncated,
		RangeStart: start,
		RangeEnd:   end,
		Timezone:   loc.String(),
		Version:    version,
	})
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var d model.Draft
	if err := decodeBody(w, r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.coord.Create(r.Context(), d)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var e model.Event
	if err := decodeBody(w, r, &e); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e.ID = r.PathValue("id")
	saved, err := s.coord.Update(r.Context(), e)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeMutationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCalendar exports the loaded window as an ICS feed.
func (s *Server) handleCalendar(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="ezsched.ics"`)
	_, _ = w.Write([]byte(ics.Encode("ezsched", s.coord.Events())))
}

func parseTimeParam(v string, loc *time.Location, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(loc), nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, v, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("bad time %q: want RFC 3339 or YYYY-MM-DD", v)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
