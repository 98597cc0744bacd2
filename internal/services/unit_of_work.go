package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/mentwel/internal/lock"
)

// Clock returns the current time. Services take one so tests can pin time.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// UnitOfWork runs a mutation as one atomic unit: the keyed lock is taken
// first, then a database transaction is opened. Everything inside fn must go
// through tx; no network calls belong inside fn.
type UnitOfWork struct {
	db     *gorm.DB
	locker lock.Locker
}

// NewUnitOfWork creates a UnitOfWork. A nil locker falls back to an
// in-process keyed mutex.
func NewUnitOfWork(db *gorm.DB, locker lock.Locker) *UnitOfWork {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &UnitOfWork{db: db, locker: locker}
}

// Do executes fn inside the lock for keys and a transaction.
func (u *UnitOfWork) Do(ctx context.Context, keys []string, fn func(tx *gorm.DB) error) error {
	release, err := u.locker.Lock(ctx, keys...)
	if err != nil {
		return fmt.Errorf("acquire %v: %w", keys, err)
	}
	defer release()

	return u.db.WithContext(ctx).Transaction(fn)
}

// DB exposes the underlying handle for read-only queries.
func (u *UnitOfWork) DB() *gorm.DB {
	return u.db
}

func userKey(id uuid.UUID) string {
	return "user:" + id.String()
}

func paymentKey(reference string) string {
	return "payment:" + reference
}

// therapistDayKeys returns one key per UTC calendar day touched by
// [start, end). Two overlapping windows always share at least one day, so
// locking these keys serializes every pair of conflicting confirmations while
// leaving unrelated days of the same therapist independent.
func therapistDayKeys(therapistID uuid.UUID, start, end time.Time) []string {
	start = start.UTC()
	end = end.UTC()
	if !end.After(start) {
		end = start.Add(time.Nanosecond)
	}
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	var keys []string
	for day.Before(end) {
		keys = append(keys, fmt.Sprintf("therapist:%s:%s", therapistID, day.Format("2006-01-02")))
		day = day.AddDate(0, 0, 1)
	}
	return keys
}

// forUpdate adds a row lock; dialects without row locks ignore it.
func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
