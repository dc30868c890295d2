package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy lists what browsers on AllowedOrigins may send. "*" matches
// any origin.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// PublicCORSPolicy is what the booking wizard front end needs: reads,
// checkout posts and the request id header.
func PublicCORSPolicy(origins []string) CORSPolicy {
	return CORSPolicy{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept-Language", RequestIDHeader},
		MaxAge:         10 * time.Minute,
	}
}

type corsHeaders struct {
	origins     map[string]bool
	any         bool
	credentials bool
	methods     string
	headers     string
	maxAge      string
}

func (p CORSPolicy) compile() corsHeaders {
	c := corsHeaders{
		origins:     make(map[string]bool),
		credentials: p.AllowCredentials,
		methods:     strings.Join(trimAll(p.AllowedMethods), ", "),
		headers:     strings.Join(trimAll(p.AllowedHeaders), ", "),
	}
	for _, o := range trimAll(p.AllowedOrigins) {
		if o == "*" {
			c.any = true
			continue
		}
		c.origins[strings.ToLower(o)] = true
	}
	if secs := int(p.MaxAge.Seconds()); secs > 0 {
		c.maxAge = strconv.Itoa(secs)
	}
	return c
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when it is not allowed. A wildcard is echoed back as the origin when
// credentials are allowed, since browsers reject "*" with credentials.
func (c corsHeaders) allowOrigin(origin string) string {
	switch {
	case c.origins[strings.ToLower(origin)]:
		return origin
	case c.any && c.credentials:
		return origin
	case c.any:
		return "*"
	}
	return ""
}

// WithCORS answers preflights and decorates responses for allowed origins.
// Requests from other origins pass through untouched and the browser
// enforces the block. An empty AllowedOrigins disables it.
func WithCORS(p CORSPolicy) Middleware {
	if len(trimAll(p.AllowedOrigins)) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	c := p.compile()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allow := ""
			if origin != "" {
				allow = c.allowOrigin(origin)
			}
			if allow == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			h.Add("Vary", "Origin")
			if c.credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if !preflight {
				next.ServeHTTP(w, r)
				return
			}
			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			if c.methods != "" {
				h.Set("Access-Control-Allow-Methods", c.methods)
			}
			if c.headers != "" {
				h.Set("Access-Control-Allow-Headers", c.headers)
			}
			if c.maxAge != "" {
				h.Set("Access-Control-Max-Age", c.maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
