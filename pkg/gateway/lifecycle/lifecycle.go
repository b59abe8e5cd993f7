package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle records whether the process is draining. Handlers consult it to
// refuse new realtime sessions and to fail readiness during shutdown.
type Lifecycle struct {
	drainingSince atomic.Int64
}

// SetDraining starts or ends draining. Starting again keeps the original
// start time.
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
	return !l.DrainingSince().IsZero()
}

// DrainingSince is the zero time when not draining.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	ns := l.drainingSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
