package middleware

import (
	"net/http"
	"strings"
)

// corsPolicy is the parsed WEB_ALLOWED_ORIGINS list.
type corsPolicy struct {
	any     bool
	origins map[string]struct{}
}

func newCORSPolicy(list []string) corsPolicy {
	p := corsPolicy{origins: make(map[string]struct{}, len(list))}
	for _, o := range list {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			p.any = true
		default:
			p.origins[o] = struct{}{}
		}
	}
	return p
}

// isLocalhostOrigin returns true if the origin is http(s)://localhost[:port].
func isLocalhostOrigin(origin string) bool {
	for _, base := range []string{"http://localhost", "https://localhost", "http://127.0.0.1"} {
		if origin == base || strings.HasPrefix(origin, base+":") {
			return true
		}
	}
	return false
}

// allows reports whether origin may read responses. Local dashboards are
// always allowed.
func (p corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.any || isLocalhostOrigin(origin) {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// CORS returns middleware that lets browser dashboards on the allowed
// origins call the API and subscribe to event streams. "*" allows any origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newCORSPolicy(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if policy.allows(origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, Last-Event-ID")
				h.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-Id")
				h.Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders returns middleware for JSON API responses: nothing may be
// framed, sniffed or cached, since responses carry attendance records.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}
