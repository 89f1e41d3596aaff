package fleeting

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseTTL parses a retention period given in (possibly fractional) hours,
// the unit clients send in the expiryTime form field.
func ParseTTL(hours string) (time.Duration, error) {
	hours = strings.TrimSpace(hours)
	if hours == "" {
		return 0, fmt.Errorf("no expiry time given: %w", ErrInvalidTTL)
	}
	h, err := strconv.ParseFloat(hours, 64)
	if err != nil {
		return 0, fmt.Errorf("expiry time %q is not a number: %w", hours, ErrInvalidTTL)
	}
	if math.IsNaN(h) || math.IsInf(h, 0) || h <= 0 {
		return 0, fmt.Errorf("expiry time %q must be a positive number of hours: %w", hours, ErrInvalidTTL)
	}
	// anything past this overflows time.Duration, and would be clamped
	// by the Manager anyway
	if h > math.MaxInt64/float64(time.Hour) {
		return time.Duration(math.MaxInt64), nil
	}
	d := time.Duration(h * float64(time.Hour))
	if d <= 0 {
		return 0, fmt.Errorf("expiry time %q rounds down to nothing: %w", hours, ErrInvalidTTL)
	}
	return d, nil
}
