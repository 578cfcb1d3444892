package metrics

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultWindow is used when a caller does not ask for a specific window.
const DefaultWindow = 7 * 24 * time.Hour

// ParseWindow converts a window expression into a duration. It accepts day
// and week suffixes ("7d", "2w") on top of anything time.ParseDuration
// understands ("1h", "24h", "90m"). An empty string yields DefaultWindow.
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultWindow, nil
	}

	var d time.Duration
	switch unit := s[len(s)-1]; unit {
	case 'd', 'w':
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil {
			return 0, fmt.Errorf("window %q: %w", s, err)
		}
		d = time.Duration(n) * 24 * time.Hour
		if unit == 'w' {
			d *= 7
		}
	default:
		var err error
		d, err = time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("window %q: %w", s, err)
		}
	}

	if d <= 0 {
		return 0, fmt.Errorf("window %q must be positive", s)
	}
	return d, nil
}

// FormatWindow renders d the way ParseWindow accepts it, preferring whole
// days, then whole hours.
func FormatWindow(d time.Duration) string {
	const day = 24 * time.Hour
	switch {
	case d >= day && d%day == 0:
		return strconv.FormatInt(int64(d/day), 10) + "d"
	case d >= time.Hour && d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	default:
		return d.String()
	}
}
