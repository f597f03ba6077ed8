// Package lifecycle tracks the process phase shared by the readiness probe and the live
// endpoint.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle records when the process started and when it began draining. The zero value is
// usable; a nil *Lifecycle always reports serving.
type Lifecycle struct {
	started  atomic.Int64
	draining atomic.Int64 // unix nanos, zero while serving
}

func New(now time.Time) *Lifecycle {
	l := &Lifecycle{}
	l.started.Store(now.UnixNano())
	return l
}

// SetDraining enters or leaves the draining phase. Entering twice keeps the first timestamp.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if !draining {
		l.draining.Store(0)
		return
	}
	l.draining.CompareAndSwap(0, time.Now().UnixNano())
}

func (l *Lifecycle) IsDraining() bool {
	return l != nil && l.draining.Load() != 0
}

// DrainingSince returns when draining began.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	ns := l.draining.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Uptime is zero for a Lifecycle built without New.
func (l *Lifecycle) Uptime(now time.Time) time.Duration {
	if l == nil {
		return 0
	}
	ns := l.started.Load()
	if ns == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, ns))
}
