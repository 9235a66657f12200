package api

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// authMiddleware accepts any one of the configured credentials: the static
// API token header, an HS256 bearer token, or admin basic auth. With no
// auth configured the API is open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := s.cfg.APIAuth
		if auth.Token == "" && auth.JWTSecret == "" && (auth.AdminUsername == "" || auth.AdminPassword == "") {
			next.ServeHTTP(w, r)
			return
		}

		if auth.Token != "" {
			token := r.Header.Get(auth.TokenHeader)
			if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(auth.Token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}

		if auth.JWTSecret != "" {
			if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && s.validJWT(raw) {
				next.ServeHTTP(w, r)
				return
			}
		}

		if auth.AdminUsername != "" && auth.AdminPassword != "" {
			if user, pass, ok := r.BasicAuth(); ok && s.adminCredentialsMatch(user, pass) {
				next.ServeHTTP(w, r)
				return
			}
		}

		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

func (s *Server) validJWT(raw string) bool {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.APIAuth.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}

// adminCredentialsMatch checks basic auth against the configured admin
// account. The stored password may be a bcrypt hash or plaintext.
func (s *Server) adminCredentialsMatch(user, pass string) bool {
	auth := s.cfg.APIAuth
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(auth.AdminUsername)) == 1

	var passOK bool
	if strings.HasPrefix(auth.AdminPassword, "$2") {
		passOK = bcrypt.CompareHashAndPassword([]byte(auth.AdminPassword), []byte(pass)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(pass), []byte(auth.AdminPassword)) == 1
	}
	return userOK && passOK
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimitMiddleware throttles mutating requests per client IP.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.RateLimitPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !s.getRateLimiter(s.clientIP(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getRateLimiter(key string) *rate.Limiter {
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()

	if entry, ok := s.rateLimiters[key]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}

	// Prune stale clients so the map cannot grow without bound.
	if len(s.rateLimiters) >= 1000 {
		cutoff := time.Now().Add(-10 * time.Minute)
		for k, entry := range s.rateLimiters {
			if entry.lastSeen.Before(cutoff) {
				delete(s.rateLimiters, k)
			}
		}
	}

	perMinute := s.cfg.API.RateLimitPerMinute
	limiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	s.rateLimiters[key] = &rateLimiterEntry{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

// clientIP resolves the address rate limits key on. Forwarding headers are
// only honored when the config says a trusted proxy sits in front.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.cfg.API.TrustProxy {
		return host
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return host
}
