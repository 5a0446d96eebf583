package clock

import "time"

// Clock abstracts the wall clock so billing and sweeps can be driven by tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
