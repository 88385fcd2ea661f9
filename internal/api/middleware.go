package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/npezzotti/go-chatrooms/internal/auth"
	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/npezzotti/go-chatrooms/internal/ratelimit"
	"github.com/npezzotti/go-chatrooms/internal/stats"
)

const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerReset      = "X-RateLimit-Reset"
	headerRetryAfter = "Retry-After"
)

func (s *GoChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the caller from the bearer token, session cookie
// or token query parameter and stores the identity in the request context.
func (s *GoChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.auth.Authenticate(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			if errors.Is(err, errs.ErrUnauthenticated) {
				s.log.Printf("failed to authenticate request: %v", err)
			}
			s.writeError(w, err)
			return
		}

		ctx := WithUser(r.Context(), user)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}

// rateLimitMiddleware applies the general window to every request. Callers
// presenting a valid token are keyed by identity, everyone else by address.
// The signature is checked here without a store lookup; authMiddleware
// still decides whether the identity is usable.
func (s *GoChatApp) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || r.Method == http.MethodOptions || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		key := ratelimit.AddrKey(r.RemoteAddr)
		if token := auth.TokenFromRequest(r); token != "" {
			if userId, err := s.auth.VerifyToken(token); err == nil {
				key = ratelimit.UserKey(userId)
			}
		}

		res, err := s.limiter.Allow(r.Context(), s.rule, key)
		setRateLimitHeaders(w, res)
		if err != nil {
			if errors.Is(err, errs.ErrRateLimited) {
				if s.stats != nil {
					s.stats.Incr(stats.NumRateLimited)
				}
				w.Header().Set(headerRetryAfter, strconv.Itoa(retryAfter(res.ResetAt)))
			}
			s.writeError(w, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	if res.Limit == 0 {
		return
	}

	w.Header().Set(headerLimit, strconv.Itoa(res.Limit))
	w.Header().Set(headerRemaining, strconv.Itoa(res.Remaining))
	if !res.ResetAt.IsZero() {
		w.Header().Set(headerReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
}

// retryAfter is the whole number of seconds until resetAt, at least one.
func retryAfter(resetAt time.Time) int {
	secs := int(math.Ceil(time.Until(resetAt).Seconds()))
	return max(1, secs)
}
