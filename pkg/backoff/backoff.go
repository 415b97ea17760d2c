// Package backoff is the single exponential-backoff utility shared by the
// work queue (C) and the polling reconciler (E), per spec.md §9's note that
// the two components' retry/backoff math should not be duplicated.
package backoff

import "time"

// Policy is an exponential backoff schedule: delay doubles from Base on
// every attempt, capped at Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the backoff delay for the given 1-indexed attempt number.
// attempt <= 1 returns Base.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.Base
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}

// Default is the schedule named in spec.md §4.C: 1s, 2s, 4s, ... capped at 30s.
var Default = Policy{Base: time.Second, Max: 30 * time.Second}

// DeviceUnhealthy is the schedule named in spec.md §4.E for a device that
// has failed consecutive poll attempts: starts at the normal poll interval
// and backs off up to a 5-minute ceiling.
func DeviceUnhealthy(base time.Duration) Policy {
	return Policy{Base: base, Max: 5 * time.Minute}
}
