// Package lifecycle holds process state shared by the readiness probe and
// the practice socket handler.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle flips to draining once on shutdown. A nil *Lifecycle is never
// draining.
type Lifecycle struct {
	drainingSince atomic.Int64
}

// SetDraining marks the process as draining, or clears the mark.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if !draining {
		l.drainingSince.Store(0)
		return
	}
	l.drainingSince.CompareAndSwap(0, time.Now().UnixNano())
}

func (l *Lifecycle) IsDraining() bool {
	return l.DrainingSince() != (time.Time{})
}

// DrainingSince is when draining began, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	n := l.drainingSince.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
