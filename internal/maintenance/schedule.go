package maintenance

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts 5 or 6 field specs and descriptors such as "@daily" or
// "@every 6h".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule turns a cron spec or a bare Go duration ("6h") into a
// schedule. Empty means the job is off and returns nil.
func ParseSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	if !strings.ContainsAny(s, " \t") && !strings.HasPrefix(s, "@") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q (use cron like '0 3 * * *', '@daily' or a duration like '6h')", raw)
		}
		if d < time.Second {
			return nil, fmt.Errorf("schedule %q: interval must be at least 1s", raw)
		}
		return cron.Every(d), nil
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return sched, nil
}

// Validate checks the timezone and every schedule of cfg.
func Validate(cfg Config) error {
	if _, err := location(cfg.Timezone); err != nil {
		return err
	}
	for _, j := range cfg.jobs() {
		if _, err := ParseSchedule(j.spec); err != nil {
			return fmt.Errorf("maintenance.%s_schedule: %w", j.name, err)
		}
	}
	return nil
}

func location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("maintenance.timezone %q: %w", tz, err)
	}
	return loc, nil
}
