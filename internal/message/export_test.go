package message

import "time"

// SetSleepForTest overrides the backoff sleep function for deterministic
// retry tests.
func SetSleepForTest(s *Store, sleep func(time.Duration)) {
	s.sleep = sleep
}
