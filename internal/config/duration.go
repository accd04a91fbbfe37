package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued fields (dispatch tolerances, the sweep job timeout, the
// sqlite busy timeout) are Go duration strings. An omitted field means "use
// the component default", so both helpers treat "" as zero, not an error.

// ParseDurationField parses raw, rejecting negatives. path names the field in
// the returned error (e.g. "dispatch.snooze_interval").
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// omitted or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
