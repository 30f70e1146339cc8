package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ezsched/internal/capture"
	"ezsched/internal/coordinator"
	"ezsched/internal/ics"
	appLog "ezsched/internal/log"
	"ezsched/internal/model"
	"ezsched/internal/recurrence"
	"ezsched/internal/store"
)

var (
	expandFrom string
	expandTo   string

	importResource string
	importBlock    bool

	snapshotURL    string
	snapshotOut    string
	snapshotWidth  int
	snapshotHeight int
)

func init() {
	expandCmd.Flags().StringVar(&expandFrom, "from", "", "range start (YYYY-MM-DD or RFC 3339), default today")
	expandCmd.Flags().StringVar(&expandTo, "to", "", "range end, default seven days after --from")

	importCmd.Flags().StringVar(&importResource, "resource", "", "resource assigned to events that name none")
	importCmd.Flags().BoolVar(&importBlock, "block", false, "mark imported events as blockers")

	snapshotCmd.Flags().StringVar(&snapshotURL, "url", "", "preview URL, default http://<listen>/preview")
	snapshotCmd.Flags().StringVarP(&snapshotOut, "output", "o", "preview.png", "PNG output path")
	snapshotCmd.Flags().IntVar(&snapshotWidth, "width", capture.DefaultWidth, "viewport width")
	snapshotCmd.Flags().IntVar(&snapshotHeight, "height", capture.DefaultHeight, "viewport height")
}

var expandCmd = &cobra.Command{
	Use:   "expand [file.ics]",
	Short: "Print expanded instances as JSON",
	Long: `expand prints every instance in the range as JSON. With a file argument
the events come from that ICS file, otherwise from the configured store.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		loc := cfg.Location()
		today := time.Now().In(loc)
		from, err := parseDay(expandFrom, loc, time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc))
		if err != nil {
			return err
		}
		to, err := parseDay(expandTo, loc, from.AddDate(0, 0, 7))
		if err != nil {
			return err
		}

		var src store.Store
		if len(args) == 1 {
			events, err := decodeFile(args[0])
			if err != nil {
				return err
			}
			src = store.NewMemory(events...)
		} else {
			st, closeStore, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			src = st
		}

		events, err := src.GetEvents(cmd.Context(), store.Range{Start: from, End: to})
		if err != nil {
			return err
		}
		res := recurrence.Expand(events, from, to, recurrence.Options{
			Location:       loc,
			MaxOccurrences: cfg.Scheduler.MaxOccurrences,
		})
		for _, id := range res.Truncated {
			appLog.Info("series truncated at occurrence cap", "series", id)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res.Instances)
	},
}

var importCmd = &cobra.Command{
	Use:   "import file.ics",
	Short: "Upsert the events of an ICS file into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		events, err := decodeFile(args[0])
		if err != nil {
			return err
		}
		st, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		for i := range events {
			if importResource != "" && len(events[i].ResourceIDs) == 0 {
				events[i].ResourceIDs = []string{importResource}
			}
			if importBlock {
				events[i].Flags.Block = true
			}
		}
		coord := coordinator.New(st, coordinator.Options{})
		imported, err := coord.UpsertAll(cmd.Context(), events)
		appLog.Info("import finished", "file", args[0], "imported", imported, "failed", len(events)-imported)
		return err
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Screenshot the board preview of a running server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		url := snapshotURL
		if url == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			url = "http://" + cfg.Listen + "/preview"
		}
		err := capture.CapturePNG(cmd.Context(), capture.Options{
			URL:    url,
			Output: snapshotOut,
			Width:  snapshotWidth,
			Height: snapshotHeight,
		})
		if err != nil {
			return err
		}
		appLog.Info("snapshot written", "url", url, "output", snapshotOut)
		return nil
	},
}

func decodeFile(path string) ([]model.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	events, err := ics.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return events, nil
}

func parseDay(v string, loc *time.Location, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(loc), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q: want RFC 3339 or YYYY-MM-DD", v)
	}
	return t, nil
}
