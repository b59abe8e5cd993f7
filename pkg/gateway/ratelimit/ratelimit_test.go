package ratelimit

import (
	"strings"
	"testing"
	"time"
)

func TestAdmitSession_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrentSessions: 1})
	now := time.Now()

	first := l.AdmitSession("p1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}
	if l.Active("p1") != 1 {
		t.Fatalf("active=%d, want 1", l.Active("p1"))
	}

	second := l.AdmitSession("p1", now)
	if second.Allowed || second.Reason != ReasonSessions {
		t.Fatalf("second=%+v, want denied for session_limit", second)
	}

	other := l.AdmitSession("p2", now)
	if !other.Allowed {
		t.Fatalf("other principal should be independent")
	}

	first.Permit.Release()
	first.Permit.Release()
	if l.Active("p1") != 0 {
		t.Fatalf("active=%d after double release, want 0", l.Active("p1"))
	}
	third := l.AdmitSession("p1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAdmitSession_TokenBucket(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2; i++ {
		if d := l.AdmitSession("p", now); !d.Allowed {
			t.Fatalf("attempt %d denied", i)
		}
	}
	denied := l.AdmitSession("p", now)
	if denied.Allowed || denied.Reason != ReasonRate || denied.RetryAfter != 1 {
		t.Fatalf("denied=%+v, want rate limited with retry_after=1", denied)
	}

	if d := l.AdmitSession("p", now.Add(1100*time.Millisecond)); !d.Allowed {
		t.Fatalf("token should refill after one second")
	}
}

func TestAdmitSession_UnlimitedAndNil(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 5; i++ {
		d := l.AdmitSession("", time.Now())
		if !d.Allowed || d.Permit == nil {
			t.Fatalf("unlimited limiter denied: %+v", d)
		}
		d.Permit.Release()
	}

	var nilLimiter *Limiter
	if d := nilLimiter.AdmitSession("p", time.Now()); !d.Allowed {
		t.Fatalf("nil limiter should admit")
	}
}

func TestGC_KeepsEntriesHoldingSessions(t *testing.T) {
	l := New(Config{MaxConcurrentSessions: 1, MaxEntries: 1, EntryTTL: time.Minute})
	start := time.Unix(1_700_000_000, 0)

	held := l.AdmitSession("busy", start)
	if !held.Allowed {
		t.Fatalf("busy should be admitted")
	}
	later := start.Add(time.Hour)
	if d := l.AdmitSession("idle", later); !d.Allowed {
		t.Fatalf("idle should be admitted")
	}
	if d := l.AdmitSession("busy", later); d.Allowed {
		t.Fatalf("busy still holds its only slot; eviction lost the permit")
	}
}

func TestPrincipalKeys(t *testing.T) {
	k := PrincipalKeyFromAPIKey("secret")
	if !strings.HasPrefix(k, "k_") || len(k) != 34 || strings.Contains(k, "secret") {
		t.Fatalf("api key principal=%q", k)
	}
	if got := PrincipalKeyFromIP("10.0.0.1"); got != "ip_10.0.0.1" {
		t.Fatalf("ip principal=%q", got)
	}
	if got := PrincipalKeyFromIP(""); got != "anonymous" {
		t.Fatalf("empty ip principal=%q", got)
	}
}

func TestAdmitSession_DeniedHandshakeDoesNotConsumeToken(t *testing.T) {
	l := New(Config{RPS: 0.5, Burst: 1})
	now := time.Unix(1_700_000_000, 0)

	if d := l.AdmitSession("p", now); !d.Allowed {
		t.Fatalf("first handshake denied")
	}
	for i := 0; i < 3; i++ {
		d := l.AdmitSession("p", now.Add(time.Second))
		if d.Allowed || d.RetryAfter != 1 {
			t.Fatalf("retry %d: %+v, want denied with retry_after=1", i, d)
		}
	}
	if d := l.AdmitSession("p", now.Add(2*time.Second)); !d.Allowed {
		t.Fatalf("denied retries must not push the refill back")
	}
}
