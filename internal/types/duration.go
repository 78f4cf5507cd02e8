package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so it serializes as integer milliseconds,
// the unit every client of this API counts down in.
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Millis returns the duration in whole milliseconds.
func (d Duration) Millis() int64 {
	return time.Duration(d).Milliseconds()
}

// MarshalJSON implements json.Marshaler, emitting milliseconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Millis())
}

// UnmarshalJSON implements json.Unmarshaler, accepting milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration: expected milliseconds: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// DurationMillis builds a Duration from a millisecond count.
func DurationMillis(ms int64) Duration {
	return Duration(time.Duration(ms) * time.Millisecond)
}
