package web

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"
	"regexp"
	"strconv"

	appLog "ezsched/internal/log"
	"ezsched/internal/view"
)

//go:embed templates/preview.html
var previewHTML string

var safeColor = regexp.MustCompile(`^(#[0-9a-fA-F]{3,8}|[a-zA-Z]{3,20})$`)

var previewTmpl = template.Must(template.New("preview").Funcs(template.FuncMap{
	"px": func(v float64) string {
		return strconv.FormatFloat(v, 'f', 2, 64) + "px"
	},
	"css": func(color string) template.CSS {
		if !safeColor.MatchString(color) {
			return "inherit"
		}
		return template.CSS(color)
	},
}).Parse(previewHTML))

type previewData struct {
	Board  boardResponse
	Dir    string
	Width  float64
	Height float64
}

// handlePreview renders the board as static HTML for screenshots. The
// board element carries data-ready="true" once rendered.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	b, err := s.board(r.Context(), r.URL.Query())
	if err != nil {
		writeMutationError(w, err)
		return
	}

	data := previewData{Board: b, Dir: s.cfg.Scheduler.Direction}
	slots := 24 * 60 / float64(s.cfg.Scheduler.SlotMinutes)
	if b.View == view.Timeline {
		data.Width = float64(b.Days) * slots * s.cfg.Scheduler.PixelsPerSlot
		data.Height = b.Extent
	} else {
		data.Width = b.Extent
		data.Height = slots * s.cfg.Scheduler.PixelsPerSlot
	}
	for _, blk := range b.Blocks {
		data.Width = max(data.Width, blk.Rect.Left+blk.Rect.Width)
		data.Height = max(data.Height, blk.Rect.Top+blk.Rect.Height)
	}

	var buf bytes.Buffer
	if err := previewTmpl.Execute(&buf, data); err != nil {
		appLog.Error("preview render failed", err)
		writeError(w, http.StatusInternalServerError, "preview render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
