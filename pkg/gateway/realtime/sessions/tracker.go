package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Controller is the part of a live relay session the tracker drives during drain.
// *session.Session satisfies it.
type Controller interface {
	Cancel()
	SendWarning(code, message string) error
}

// Info describes one tracked session.
type Info struct {
	ID        string
	Principal string
	StartedAt time.Time
}

// Tracker holds every live realtime session so the process can warn, cancel and
// wait for them on shutdown.
type Tracker struct {
	mu          sync.Mutex
	entries     map[string]*entry
	byPrincipal map[string]int
	wg          sync.WaitGroup
	now         func() time.Time
}

type entry struct {
	info Info
	ctl  Controller
	once sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		entries:     make(map[string]*entry),
		byPrincipal: make(map[string]int),
		now:         time.Now,
	}
}

// Register adds a session. Registering an id that is already tracked replaces
// the old entry. The returned func is idempotent.
func (t *Tracker) Register(id, principal string, ctl Controller) (unregister func()) {
	if t == nil {
		return func() {}
	}

	t.mu.Lock()
	if t.entries == nil {
		t.entries = make(map[string]*entry)
		t.byPrincipal = make(map[string]int)
	}
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	e := &entry{info: Info{ID: id, Principal: principal, StartedAt: now()}, ctl: ctl}
	old := t.entries[id]
	t.entries[id] = e
	t.byPrincipal[principal]++
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.remove(old)
	}
	return func() { t.remove(e) }
}

func (t *Tracker) remove(e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		if t.entries[e.info.ID] == e {
			delete(t.entries, e.info.ID)
		}
		if n := t.byPrincipal[e.info.Principal] - 1; n > 0 {
			t.byPrincipal[e.info.Principal] = n
		} else {
			delete(t.byPrincipal, e.info.Principal)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CountFor reports how many sessions the principal currently holds.
func (t *Tracker) CountFor(principal string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byPrincipal[principal]
}

// Sessions returns the tracked sessions, oldest first.
func (t *Tracker) Sessions() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Info, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.info)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *Tracker) controllers() []Controller {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Controller, 0, len(t.entries))
	for _, e := range t.entries {
		if e.ctl != nil {
			out = append(out, e.ctl)
		}
	}
	return out
}

// WarnAll sends a best-effort warning to every session and reports how many
// accepted it.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, ctl := range t.controllers() {
		if err := ctl.SendWarning(code, message); err == nil {
			sent++
		}
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, ctl := range t.controllers() {
		ctl.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	if ctx == nil {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
