package clock

import "time"

// Func returns the current time. It is injected where tests need a fixed time.
type Func func() time.Time

// Now returns the current time in UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// Fixed returns a Func that always reports t in UTC.
func Fixed(t time.Time) Func {
	return func() time.Time {
		return t.UTC()
	}
}
