// Package ratelimit implements fixed window request limiting shared by the
// HTTP surface, live sessions and the assistant.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/npezzotti/go-chatrooms/internal/errs"
)

type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// Rule is a named window. FailOpen decides what happens when the store
// cannot be reached: allow the hit, or reject it with errs.ErrUnavailable.
type Rule struct {
	Name     string
	Window   time.Duration
	MaxHits  int
	FailOpen bool
}

type Limiter struct {
	store  Store
	prefix string
	now    func() time.Time
	log    *log.Logger
}

func NewLimiter(store Store, keyPrefix string, logger *log.Logger) *Limiter {
	return &Limiter{
		store:  store,
		prefix: keyPrefix,
		now:    time.Now,
		log:    logger,
	}
}

// Check records a hit for key. Hits past maxHits are rejected but still
// counted, so a rejected caller cannot shorten its own window.
func (l *Limiter) Check(ctx context.Context, key string, window time.Duration, maxHits int) (Result, error) {
	count, ttl, err := l.store.Hit(ctx, l.prefix+key, window)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Allowed:   count <= int64(maxHits),
		Remaining: max(0, maxHits-int(count)),
		ResetAt:   l.now().Add(ttl),
		Limit:     maxHits,
	}, nil
}

// Allow checks key against rule and returns errs.ErrRateLimited when the
// hit is rejected. The result is always returned so callers can report it.
func (l *Limiter) Allow(ctx context.Context, rule Rule, key string) (Result, error) {
	res, err := l.Check(ctx, rule.Name+":"+key, rule.Window, rule.MaxHits)
	if err != nil {
		l.log.Printf("rate limit store error: rule=%s key=%s fail_open=%t: %v", rule.Name, key, rule.FailOpen, err)
		if rule.FailOpen {
			return Result{Allowed: true, Remaining: rule.MaxHits, ResetAt: l.now().Add(rule.Window), Limit: rule.MaxHits}, nil
		}
		return Result{Limit: rule.MaxHits}, fmt.Errorf("%w: rate limiter unavailable", errs.ErrUnavailable)
	}

	if !res.Allowed {
		return res, errs.ErrRateLimited
	}
	return res, nil
}

func UserKey(userId int) string {
	return "user:" + strconv.Itoa(userId)
}

// AddrKey keys unauthenticated callers by host, ignoring the source port.
func AddrKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return "ip:" + host
}
