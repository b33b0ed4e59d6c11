package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BriefingSpec is one row of the daily briefing table.
type BriefingSpec struct {
	Key      string `yaml:"key"`
	Hour     int    `yaml:"hour"`
	Minute   int    `yaml:"minute"`
	Disabled bool   `yaml:"disabled"`
}

// TaskOverride tweaks a registered task without a rebuild.
// Zero values leave the compiled-in setting untouched.
type TaskOverride struct {
	IntervalMins int  `yaml:"interval_mins"`
	Disabled     bool `yaml:"disabled"`
}

// Schedule is the content of the optional schedule file.
type Schedule struct {
	Briefings []BriefingSpec          `yaml:"briefings"`
	Tasks     map[string]TaskOverride `yaml:"tasks"`
}

// DefaultBriefings is used when the schedule file is missing or lists none.
func DefaultBriefings() []BriefingSpec {
	return []BriefingSpec{
		{Key: "market.open", Hour: 9, Minute: 35},
		{Key: "market.close", Hour: 16, Minute: 5},
		{Key: "supervisor.daily", Hour: 20, Minute: 0},
	}
}

// LoadSchedule reads the YAML schedule. A missing file yields the defaults.
func LoadSchedule(path string) (Schedule, error) {
	sched := Schedule{Briefings: DefaultBriefings()}
	if path == "" {
		return sched, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return sched, nil
	}
	if err != nil {
		return sched, fmt.Errorf("read schedule %s: %w", path, err)
	}

	var parsed Schedule
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return sched, fmt.Errorf("parse schedule %s: %w", path, err)
	}
	if err := parsed.Validate(); err != nil {
		return sched, fmt.Errorf("schedule %s: %w", path, err)
	}

	if len(parsed.Briefings) > 0 {
		sched.Briefings = parsed.Briefings
	}
	sched.Tasks = parsed.Tasks
	return sched, nil
}

// Validate rejects out-of-range times and duplicate keys.
func (s Schedule) Validate() error {
	seen := make(map[string]bool, len(s.Briefings))
	for _, b := range s.Briefings {
		if b.Key == "" {
			return errors.New("briefing without key")
		}
		if seen[b.Key] {
			return fmt.Errorf("duplicate briefing %q", b.Key)
		}
		seen[b.Key] = true
		if b.Hour < 0 || b.Hour > 23 || b.Minute < 0 || b.Minute > 59 {
			return fmt.Errorf("briefing %q: invalid time %02d:%02d", b.Key, b.Hour, b.Minute)
		}
	}
	for name, o := range s.Tasks {
		if o.IntervalMins < 0 {
			return fmt.Errorf("task %q: negative interval", name)
		}
	}
	return nil
}
