package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config bounds realtime session admission per principal. Zero values disable
// the corresponding limit.
type Config struct {
	// Handshakes per second, with Burst allowed back to back.
	RPS   float64
	Burst int

	// Sessions a principal may hold at once.
	MaxConcurrentSessions int

	// Bounds for the in-memory principal table (single process only).
	MaxEntries int
	EntryTTL   time.Duration
}

// Reasons reported in Decision.Reason.
const (
	ReasonRate     = "rate"
	ReasonSessions = "session_limit"
)

const (
	defaultMaxEntries = 10_000
	defaultEntryTTL   = 30 * time.Minute
)

// Limiter admits realtime sessions per principal: a handshake rate limit
// followed by a cap on concurrently held sessions.
type Limiter struct {
	cfg Config

	mu         sync.Mutex
	principals map[string]*principalState
}

type principalState struct {
	handshakes *rate.Limiter // nil when rate limiting is off
	slots      chan struct{}
	lastSeen   time.Time
}

func (p *principalState) held() int { return len(p.slots) }

// Permit is a held session slot.
type Permit struct {
	once    sync.Once
	release func()
}

// Release returns the session slot. Safe to call more than once.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int // seconds
	Reason     string
	Permit     *Permit
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = defaultEntryTTL
	}
	return &Limiter{cfg: cfg, principals: make(map[string]*principalState)}
}

// PrincipalKeyFromAPIKey hashes the key so it can be held in memory and used
// as a metric-safe identifier.
func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "k_" + hex.EncodeToString(sum[:16])
}

func PrincipalKeyFromIP(ip string) string {
	if ip == "" {
		return "anonymous"
	}
	return "ip_" + ip
}

// AdmitSession charges one handshake and then takes a session slot. The
// permit must be released when the session ends. A nil Limiter admits
// everything.
func (l *Limiter) AdmitSession(principal string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	if principal == "" {
		principal = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateLocked(principal, now)

	if st.handshakes != nil {
		res := st.handshakes.ReserveN(now, 1)
		if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
			res.CancelAt(now)
			return Decision{Reason: ReasonRate, RetryAfter: retryAfterSeconds(delay)}
		}
	}

	if l.cfg.MaxConcurrentSessions <= 0 {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	select {
	case st.slots <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-st.slots }}}
	default:
		return Decision{Reason: ReasonSessions, RetryAfter: 1}
	}
}

// Active reports how many sessions the principal holds.
func (l *Limiter) Active(principal string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.principals[principal]; ok {
		return st.held()
	}
	return 0
}

func (l *Limiter) stateLocked(principal string, now time.Time) *principalState {
	if st, ok := l.principals[principal]; ok {
		st.lastSeen = now
		return st
	}
	if len(l.principals) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}

	st := &principalState{
		slots:    make(chan struct{}, max(1, l.cfg.MaxConcurrentSessions)),
		lastSeen: now,
	}
	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		st.handshakes = rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)
	}
	l.principals[principal] = st
	return st
}

// evictLocked drops idle principals past their TTL, then, if the table is
// still full, one arbitrary idle principal. Principals holding sessions are
// never evicted so their slots stay counted.
func (l *Limiter) evictLocked(now time.Time) {
	for k, st := range l.principals {
		if st.held() == 0 && now.Sub(st.lastSeen) > l.cfg.EntryTTL {
			delete(l.principals, k)
		}
	}
	if len(l.principals) < l.cfg.MaxEntries {
		return
	}
	for k, st := range l.principals {
		if st.held() == 0 {
			delete(l.principals, k)
			return
		}
	}
}

func retryAfterSeconds(delay time.Duration) int {
	if delay <= 0 || delay == rate.InfDuration {
		return 1
	}
	return max(1, int(math.Ceil(delay.Seconds())))
}
