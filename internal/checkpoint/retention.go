package checkpoint

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Retention configuration constants and defaults.
const (
	// DefaultRetention is how long checkpoints are kept (7 days).
	DefaultRetention = 7 * 24 * time.Hour

	// MinRetention is the shortest accepted retention window.
	MinRetention = time.Minute

	// MaxRetention is the longest accepted retention window (90 days).
	MaxRetention = 90 * 24 * time.Hour

	// hoursPerDay is used for day-suffixed durations.
	hoursPerDay = 24

	// EnvRetention overrides the retention window.
	EnvRetention = "BRAINOPS_CHECKPOINT_RETENTION"

	// EnvDir overrides the checkpoint directory.
	EnvDir = "BRAINOPS_CHECKPOINT_DIR"
)

// ErrInvalidRetention is returned for retention windows outside the accepted range.
var ErrInvalidRetention = fmt.Errorf("retention must be between %s and %s",
	FormatDuration(MinRetention), FormatDuration(MaxRetention))

// ParseRetention parses a retention window in various formats:
// - Integer seconds: "3600".
// - Duration string: "1h", "30m", "1h30m".
// - Days: "7d".
func ParseRetention(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var d time.Duration

	switch {
	case strings.HasSuffix(s, "d"):
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid retention format: %w", err)
		}
		d = time.Duration(days) * hoursPerDay * time.Hour
	default:
		if seconds, err := strconv.Atoi(s); err == nil {
			d = time.Duration(seconds) * time.Second
			break
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid retention format: %w", err)
		}
		d = parsed
	}

	if d < MinRetention || d > MaxRetention {
		return 0, fmt.Errorf("%w: got %s", ErrInvalidRetention, FormatDuration(d))
	}
	return d, nil
}

// RetentionFromEnv returns the retention window from EnvRetention, or def
// when unset or invalid.
func RetentionFromEnv(def time.Duration) time.Duration {
	v := os.Getenv(EnvRetention)
	if v == "" {
		return def
	}
	d, err := ParseRetention(v)
	if err != nil {
		return def
	}
	return d
}

// FormatDuration formats a duration in a human-readable way.
// Examples: "45s", "30m", "5h30m", "7d".
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	if d < hoursPerDay*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		if minutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	days := int(d.Hours()) / hoursPerDay
	hours := int(d.Hours()) % hoursPerDay
	if hours == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd%dh", days, hours)
}
