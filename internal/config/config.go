package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ezsched/internal/model"
)

// FeedConfig describes a single ICS subscription.
type FeedConfig struct {
	URL  string `yaml:"url" json:"url"`
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	// Resource is assigned to feed events that name none.
	Resource string `yaml:"resource,omitempty" json:"resource,omitempty"`
	// Block imports every event as a non-interactive blocker.
	Block bool `yaml:"block,omitempty" json:"block,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the web API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

type WorkingHoursConfig struct {
	StartHour int `yaml:"start_hour" json:"start_hour"`
	EndHour   int `yaml:"end_hour" json:"end_hour"`
	// Days are three-letter English weekday names; empty means every day.
	Days []string `yaml:"days,omitempty" json:"days,omitempty"`
}

type ResourceConfig struct {
	ID           string              `yaml:"id" json:"id"`
	Name         string              `yaml:"name" json:"name"`
	WorkingHours *WorkingHoursConfig `yaml:"working_hours,omitempty" json:"working_hours,omitempty"`
}

// SchedulerConfig tunes layout and drag behavior.
type SchedulerConfig struct {
	SlotMinutes   int     `yaml:"slot_minutes" json:"slot_minutes"`
	PixelsPerSlot float64 `yaml:"pixels_per_slot" json:"pixels_per_slot"`
	MinEventPx    float64 `yaml:"min_event_px" json:"min_event_px"`
	// OverlapToleranceMinutes lets touching timeline bars share a lane.
	OverlapToleranceMinutes int `yaml:"overlap_tolerance_minutes" json:"overlap_tolerance_minutes"`
	// TieBreak orders instances with equal starts: "shorter_first" or "input_order".
	TieBreak string `yaml:"tie_break" json:"tie_break"`
	// InstanceEdit is "standalone" or "fork".
	InstanceEdit string `yaml:"instance_edit" json:"instance_edit"`
	// Direction is "ltr" or "rtl".
	Direction string `yaml:"direction" json:"direction"`
	// Nesting orders the lane axis when days and resources are both shown:
	// "date_first" or "resource_first".
	Nesting string `yaml:"nesting" json:"nesting"`
	// MaxOccurrences caps the expansion of one series.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`
}

type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Listen   string `yaml:"listen" json:"listen"`
	Timezone string `yaml:"timezone" json:"timezone"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// WeekStart is "monday" (default) or "sunday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	// RefreshCron schedules feed syncs, e.g. "*/15 * * * *".
	RefreshCron string `yaml:"refresh" json:"refresh"`
	CacheDir    string `yaml:"cache_dir" json:"cache_dir"`

	Scheduler SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Store     StoreConfig      `yaml:"store" json:"store"`
	Resources []ResourceConfig `yaml:"resources" json:"resources"`
	Feeds     []FeedConfig     `yaml:"feeds" json:"feeds"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing or unknown values so partially-filled configs
// still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	switch c.LogLevel {
	case "debug", "info", "error":
	default:
		c.LogLevel = "info"
	}

	switch c.WeekStart {
	case "monday", "sunday":
	default:
		c.WeekStart = "monday"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.CacheDir == "" {
		c.CacheDir = "./var/ics-cache"
	}

	s := &c.Scheduler
	if s.SlotMinutes <= 0 {
		s.SlotMinutes = 30
	}
	if s.PixelsPerSlot <= 0 {
		s.PixelsPerSlot = 24
	}
	if s.MinEventPx <= 0 {
		s.MinEventPx = 12
	}
	if s.OverlapToleranceMinutes < 0 {
		s.OverlapToleranceMinutes = 0
	}
	switch s.TieBreak {
	case "shorter_first", "input_order":
	default:
		s.TieBreak = "shorter_first"
	}
	switch s.InstanceEdit {
	case "standalone", "fork":
	default:
		s.InstanceEdit = "standalone"
	}
	switch s.Direction {
	case "ltr", "rtl":
	default:
		s.Direction = "ltr"
	}
	switch s.Nesting {
	case "date_first", "resource_first":
	default:
		s.Nesting = "date_first"
	}
	if s.MaxOccurrences <= 0 {
		s.MaxOccurrences = 5000
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			c.Store.Path = "./var/ezsched.db"
		}
	default:
		c.Store.Driver = "memory"
	}

	if c.Resources == nil {
		c.Resources = []ResourceConfig{}
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	seen := map[string]bool{}
	for _, r := range c.Resources {
		if r.ID == "" {
			errs = append(errs, errors.New("resource with empty id"))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("duplicate resource id %q", r.ID))
		}
		seen[r.ID] = true
		if wh := r.WorkingHours; wh != nil {
			if wh.StartHour < 0 || wh.EndHour > 24 || wh.StartHour >= wh.EndHour {
				errs = append(errs, fmt.Errorf("resource %q: working hours %d-%d", r.ID, wh.StartHour, wh.EndHour))
			}
			if _, err := parseDays(wh.Days); err != nil {
				errs = append(errs, fmt.Errorf("resource %q: %w", r.ID, err))
			}
		}
	}
	feeds := map[string]bool{}
	for _, f := range c.Feeds {
		if f.ID == "" || f.URL == "" {
			errs = append(errs, fmt.Errorf("feed %q needs id and url", f.Name))
			continue
		}
		if feeds[f.ID] {
			errs = append(errs, fmt.Errorf("duplicate feed id %q", f.ID))
		}
		feeds[f.ID] = true
	}
	return errors.Join(errs...)
}

// ApplyOverrides copies values set on v (flags or EZSCHED_* environment
// variables) over the file configuration.
func (c *Config) ApplyOverrides(v *viper.Viper) {
	if v == nil {
		return
	}
	str := func(key string, dst *string) {
		if v.IsSet(key) && v.GetString(key) != "" {
			*dst = v.GetString(key)
		}
	}
	str("listen", &c.Listen)
	str("timezone", &c.Timezone)
	str("log_level", &c.LogLevel)
	str("store.driver", &c.Store.Driver)
	str("store.path", &c.Store.Path)
	str("scheduler.tie_break", &c.Scheduler.TieBreak)
	str("scheduler.instance_edit", &c.Scheduler.InstanceEdit)
	str("scheduler.nesting", &c.Scheduler.Nesting)
	str("refresh", &c.RefreshCron)
	c.Normalize()
}

// Location is the display timezone; invalid names fall back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) WeekStartDay() time.Weekday {
	if c.WeekStart == "sunday" {
		return time.Sunday
	}
	return time.Monday
}

func (c *Config) Slot() time.Duration {
	return time.Duration(c.Scheduler.SlotMinutes) * time.Minute
}

func (c *Config) OverlapTolerance() time.Duration {
	return time.Duration(c.Scheduler.OverlapToleranceMinutes) * time.Minute
}

// ResourceModels converts the configured resources. Invalid weekday names
// are ignored here; Validate reports them.
func (c *Config) ResourceModels() []model.Resource {
	out := make([]model.Resource, 0, len(c.Resources))
	for _, r := range c.Resources {
		res := model.Resource{ID: r.ID, Name: r.Name}
		if wh := r.WorkingHours; wh != nil {
			days, _ := parseDays(wh.Days)
			res.WorkingHours = &model.WorkingHours{StartHour: wh.StartHour, EndHour: wh.EndHour, Days: days}
		}
		out = append(out, res)
	}
	return out
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseDays(names []string) (model.Weekdays, error) {
	if len(names) == 0 {
		return model.AllWeek, nil
	}
	var days []time.Weekday
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return 0, fmt.Errorf("unknown weekday %q", n)
		}
		days = append(days, d)
	}
	return model.WeekdaysOf(days...), nil
}

// Load reads the YAML file at path. A missing file is created with the
// defaults (0600) and the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".ezsched-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
