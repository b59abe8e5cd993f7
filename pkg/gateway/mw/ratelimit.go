package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-voicerag/pkg/gateway/apierror"
	"github.com/vango-go/vai-voicerag/pkg/gateway/principal"
	"github.com/vango-go/vai-voicerag/pkg/gateway/ratelimit"
)

// Rejector is notified when admission is refused.
type Rejector interface {
	RecordRejection(reason string)
}

// AdmitSessions guards a long-lived handler: the permit taken on entry is held
// until the handler returns, which for /realtime is the end of the session.
func AdmitSessions(trustProxyHeaders bool, limiter *ratelimit.Limiter, rejector Rejector, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who := principal.Resolve(r, trustProxyHeaders)

		dec := limiter.AdmitSession(who.Key, time.Now())
		if !dec.Allowed {
			if rejector != nil {
				rejector.RecordRejection(dec.Reason)
			}
			reqID, _ := RequestIDFrom(r.Context())
			msg := "too many concurrent sessions"
			if dec.Reason == ratelimit.ReasonRate {
				msg = "rate limit exceeded"
			}
			var retryAfter *int
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				v := dec.RetryAfter
				retryAfter = &v
			}
			apierror.Write(w, http.StatusTooManyRequests, reqID, &apierror.Error{
				Type:       apierror.ErrRateLimit,
				Message:    msg,
				Code:       dec.Reason,
				RetryAfter: retryAfter,
			})
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}
