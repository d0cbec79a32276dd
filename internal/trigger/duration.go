package trigger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration decodes from the suffixed string format spec.md requires for
// interval-style catalog fields ("30s", "5m", "9.5h") instead of json's
// default raw-nanoseconds-integer encoding for time.Duration.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("trigger: duration must be a suffixed string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("trigger: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
