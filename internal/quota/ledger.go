// Package quota tracks each subscriber's assistant allowance for the
// current billing period. Period rollover belongs to the billing service.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/npezzotti/go-chatrooms/internal/types"
)

const (
	reserveQuery = "UPDATE usage_ledgers SET consumed = consumed + 1 " +
		"WHERE account_id = $1 AND consumed < monthly_allowance " +
		"RETURNING monthly_allowance - consumed"
	releaseQuery = "UPDATE usage_ledgers SET consumed = consumed - 1 WHERE account_id = $1 AND consumed > 0"
	getQuery     = "SELECT plan, monthly_allowance, consumed, period_start, period_end FROM usage_ledgers WHERE account_id = $1"
	ensureQuery  = "INSERT INTO usage_ledgers (account_id, plan, monthly_allowance, consumed, period_start, period_end) " +
		"VALUES ($1, $2, $3, 0, $4, $5) ON CONFLICT (account_id) DO NOTHING"
)

// Ledger is the per-identity allowance tracker consulted before every
// assistant invocation.
type Ledger interface {
	Get(ctx context.Context, userId int) (types.Quota, error)
	// Reserve consumes one unit and returns the allowance left afterwards,
	// or errs.ErrQuotaExceeded when nothing remains.
	Reserve(ctx context.Context, userId int) (int, error)
	// Release returns a unit taken by Reserve.
	Release(ctx context.Context, userId int) error
}

type PgLedger struct {
	db        *sql.DB
	plan      string
	allowance int
	now       func() time.Time
}

// NewPgLedger returns a ledger backed by the usage_ledgers table. Accounts
// without a row are enrolled in plan with the given monthly allowance.
func NewPgLedger(db *sql.DB, plan string, allowance int) *PgLedger {
	return &PgLedger{
		db:        db,
		plan:      plan,
		allowance: allowance,
		now:       time.Now,
	}
}

func (l *PgLedger) Get(ctx context.Context, userId int) (types.Quota, error) {
	q, err := l.get(ctx, userId)
	if errors.Is(err, sql.ErrNoRows) {
		if err := l.ensure(ctx, userId); err != nil {
			return types.Quota{}, err
		}
		q, err = l.get(ctx, userId)
	}
	if err != nil {
		return types.Quota{}, fmt.Errorf("get ledger: %w", err)
	}

	return q, nil
}

// Reserve is a single conditional update, so concurrent invocations by the
// same identity can never consume more than the allowance.
func (l *PgLedger) Reserve(ctx context.Context, userId int) (int, error) {
	remaining, err := l.reserve(ctx, userId)
	if !errors.Is(err, sql.ErrNoRows) {
		return remaining, err
	}

	// No row updated: either the allowance is spent or the account has
	// never been enrolled.
	if _, err := l.get(ctx, userId); err == nil {
		return 0, errs.ErrQuotaExceeded
	} else if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("get ledger: %w", err)
	}

	if err := l.ensure(ctx, userId); err != nil {
		return 0, err
	}

	remaining, err = l.reserve(ctx, userId)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.ErrQuotaExceeded
	}
	return remaining, err
}

func (l *PgLedger) Release(ctx context.Context, userId int) error {
	if _, err := l.db.ExecContext(ctx, releaseQuery, userId); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

func (l *PgLedger) reserve(ctx context.Context, userId int) (int, error) {
	var remaining int
	err := l.db.QueryRowContext(ctx, reserveQuery, userId).Scan(&remaining)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("reserve quota: %w", err)
	}
	return remaining, err
}

func (l *PgLedger) get(ctx context.Context, userId int) (types.Quota, error) {
	var q types.Quota
	err := l.db.QueryRowContext(ctx, getQuery, userId).Scan(
		&q.Plan,
		&q.Allowance,
		&q.Consumed,
		&q.PeriodStart,
		&q.PeriodEnd,
	)
	q.Remaining = max(0, q.Allowance-q.Consumed)
	return q, err
}

func (l *PgLedger) ensure(ctx context.Context, userId int) error {
	start, end := monthBounds(l.now())
	if _, err := l.db.ExecContext(ctx, ensureQuery, userId, l.plan, l.allowance, start, end); err != nil {
		return fmt.Errorf("enroll ledger: %w", err)
	}
	return nil
}

// monthBounds returns the calendar month containing t, in UTC.
func monthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
