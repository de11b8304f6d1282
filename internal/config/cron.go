package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// CronFromInterval renders a cron expression equivalent to running every
// interval seconds. The interval is the authoritative schedule value; the
// expression is regenerated on every write and never parsed back on read.
// Intervals with no clean cron form fall back to the @every descriptor.
func CronFromInterval(seconds int) string {
	switch {
	case seconds <= 0:
		return ""
	case seconds%86400 == 0:
		days := seconds / 86400
		if days == 1 {
			return "0 0 * * *"
		}
		return fmt.Sprintf("@every %ds", seconds)
	case seconds%3600 == 0:
		hours := seconds / 3600
		if hours == 1 {
			return "0 * * * *"
		}
		if 24%hours == 0 {
			return fmt.Sprintf("0 */%d * * *", hours)
		}
		return fmt.Sprintf("@every %ds", seconds)
	case seconds%60 == 0:
		minutes := seconds / 60
		if 60%minutes == 0 {
			return fmt.Sprintf("*/%d * * * *", minutes)
		}
		return fmt.Sprintf("@every %ds", seconds)
	default:
		return fmt.Sprintf("@every %ds", seconds)
	}
}

// ValidateCron reports whether expr parses as a standard cron expression
// or an @every descriptor.
func ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("config: invalid cron expression %q: %w", expr, err)
	}
	return nil
}
