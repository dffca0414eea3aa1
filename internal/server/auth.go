// Package server provides the HTTP API, middleware and handlers for the
// anonymization pipeline.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dativo-io/anonimiza/internal/requestctx"
)

// AuthMiddleware validates X-Anonimiza-Key or Authorization: Bearer <key>
// and stores the client id in the context. apiKeys maps key -> client id.
func AuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Anonimiza-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			var clientID string
			if key != "" {
				for k, c := range apiKeys {
					if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
						clientID = c
						break
					}
				}
			}
			if clientID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(requestctx.SetClientID(r.Context(), clientID)))
		})
	}
}

// clientLimiter hands out one token bucket per client.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newClientLimiter(rps float64) *clientLimiter {
	if rps <= 0 {
		return nil
	}
	return &clientLimiter{
		limit:    rate.Limit(rps),
		burst:    int(math.Ceil(rps * 2)), // 2s worth
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *clientLimiter) allow(client string) bool {
	c.mu.Lock()
	lim, ok := c.limiters[client]
	if !ok {
		lim = rate.NewLimiter(c.limit, c.burst)
		c.limiters[client] = lim
	}
	c.mu.Unlock()
	return lim.Allow()
}

// rateLimitMiddleware returns 429 with Retry-After when a client exceeds its
// rate. Clients are identified by API key client id, or by remote address
// when authentication is off. A nil limiter disables the check.
func rateLimitMiddleware(lim *clientLimiter) func(http.Handler) http.Handler {
	if lim == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := requestctx.ClientID(r.Context())
			if client == "" {
				client = r.RemoteAddr
			}
			if !lim.allow(client) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware sets CORS headers. allowedOrigins can be ["*"] for any.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" {
				for _, o := range allowedOrigins {
					if o == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						break
					}
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Anonimiza-Key")
			w.Header().Set("Access-Control-Max-Age", "300")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
