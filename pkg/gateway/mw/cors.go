package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-voicerag/pkg/gateway/apierror"
	"github.com/vango-go/vai-voicerag/pkg/gateway/config"
)

const (
	corsAllowMethods  = "GET, OPTIONS"
	corsAllowHeaders  = "Authorization, Content-Type, X-Request-ID, api-key"
	corsExposeHeaders = "X-Request-ID, Retry-After"
	corsMaxAge        = "600"

	// AnyOrigin in the allowlist admits every browser origin.
	AnyOrigin = "*"
)

// OriginAllowed reports whether a browser origin is on the allowlist.
func OriginAllowed(allowed map[string]struct{}, origin string) bool {
	if origin == "" {
		return false
	}
	if _, ok := allowed[AnyOrigin]; ok {
		return true
	}
	_, ok := allowed[origin]
	return ok
}

// CORS answers preflights for allowlisted origins and annotates their
// responses. Only GET is advertised: the gateway has no write endpoints.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowed := OriginAllowed(cfg.CORSAllowedOrigins, origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if !preflight {
			if allowed {
				w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)
			}
			next.ServeHTTP(w, r)
			return
		}

		method := strings.ToUpper(strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")))
		if !allowed || method != http.MethodGet {
			reqID, _ := RequestIDFrom(r.Context())
			apierror.Write(w, http.StatusForbidden, reqID, &apierror.Error{
				Type:    apierror.ErrPermission,
				Message: "cors preflight not allowed",
				Param:   "Origin",
			})
			return
		}
		w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
		w.Header().Set("Access-Control-Max-Age", corsMaxAge)
		w.WriteHeader(http.StatusNoContent)
	})
}
