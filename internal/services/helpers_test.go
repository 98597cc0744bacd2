package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/mentwel/internal/events"
	"github.com/example/mentwel/internal/lock"
	"github.com/example/mentwel/internal/models"
)

var testEpoch = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

// testClock is a settable clock shared by the services under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(at time.Time) *testClock {
	return &testClock{now: at}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestDB opens a private in-memory database with the full schema. A single
// connection keeps every transaction serialized at the driver.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.SessionPackage{},
		&models.PaymentTransaction{},
		&models.CreditLedgerEntry{},
		&models.Booking{},
		&models.GatewayEvent{},
	))
	return db
}

// testEnv wires every service against one database and clock.
type testEnv struct {
	db       *gorm.DB
	clock    *testClock
	uow      *UnitOfWork
	recorder *events.Recorder
	catalog  *CatalogService
	ledger   *LedgerService
	payments *PaymentService
	bookings *BookingService
}

const testWebhookSecret = "sk_test_mentwel"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithLocker(t, nil)
}

// newTestEnvWithLocker is newTestEnv with the unit-of-work locker replaced.
func newTestEnvWithLocker(t *testing.T, locker lock.Locker) *testEnv {
	t.Helper()

	db := newTestDB(t)
	clock := newTestClock(testEpoch)
	uow := NewUnitOfWork(db, locker)
	recorder := events.NewRecorder(64)
	ledger := NewLedgerService(uow, clock.Now)
	catalog := NewCatalogService(db)

	payments := NewPaymentService(uow, ledger, PaymentConfig{
		WebhookSecret: testWebhookSecret,
		Currency:      "NGN",
	}, nil, recorder, clock.Now)

	bookings := NewBookingService(uow, ledger, BookingPolicy{
		CancellationLeadTime: 24 * time.Hour,
		NoShowGrace:          15 * time.Minute,
		EarlyJoinWindow:      10 * time.Minute,
		RequestTimeout:       time.Hour,
		SessionDuration:      time.Hour,
		AutoConfirm:          true,
	}, recorder, clock.Now)

	return &testEnv{
		db:       db,
		clock:    clock,
		uow:      uow,
		recorder: recorder,
		catalog:  catalog,
		ledger:   ledger,
		payments: payments,
		bookings: bookings,
	}
}

func (e *testEnv) createClient(t *testing.T) *models.User {
	t.Helper()
	u := &models.User{AnonymousID: "MW-" + uuid.NewString()[:8]}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

func (e *testEnv) createTherapist(t *testing.T) *models.User {
	t.Helper()
	u := &models.User{
		AnonymousID:       "TH-" + uuid.NewString()[:8],
		IsTherapist:       true,
		TherapistVerified: true,
	}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

func (e *testEnv) createPackage(t *testing.T, name string, sessions, days int, price int64) *models.SessionPackage {
	t.Helper()
	pkg := &models.SessionPackage{
		Name:         name,
		SessionCount: sessions,
		DurationDays: days,
		Price:        price,
		IsActive:     true,
	}
	require.NoError(t, e.db.Create(pkg).Error)
	return pkg
}

// grantCredits inserts a verified transaction and its ledger entry directly.
func (e *testEnv) grantCredits(t *testing.T, userID uuid.UUID, sessions, days int, verifiedAt time.Time) *models.CreditLedgerEntry {
	t.Helper()
	pkg := e.createPackage(t, "pkg-"+uuid.NewString()[:8], sessions, days, int64(sessions)*500000)
	stamp := verifiedAt
	txn := &models.PaymentTransaction{
		UserID:           userID,
		PackageID:        pkg.ID,
		Package:          pkg.Snapshot(),
		Amount:           pkg.Price,
		Currency:         "NGN",
		GatewayReference: "MW-" + uuid.NewString(),
		Status:           models.PaymentStatusVerified,
		VerifiedAt:       &stamp,
	}
	require.NoError(t, e.db.Create(txn).Error)

	var entry *models.CreditLedgerEntry
	require.NoError(t, e.uow.Do(testContext(t), []string{userKey(userID)}, func(tx *gorm.DB) error {
		var err error
		entry, err = e.ledger.Grant(tx, userID, txn.ID, txn.Package, verifiedAt)
		return err
	}))
	return entry
}

func (e *testEnv) balance(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	n, err := e.ledger.Balance(testContext(t), userID)
	require.NoError(t, err)
	return n
}

// debitInUnit runs Debit in its own unit of work keyed by the user.
func (e *testEnv) debitInUnit(ctx context.Context, userID uuid.UUID, count int) ([]Allocation, error) {
	var out []Allocation
	err := e.uow.Do(ctx, []string{userKey(userID)}, func(tx *gorm.DB) error {
		var err error
		out, err = e.ledger.Debit(tx, userID, count, e.clock.Now())
		return err
	})
	return out, err
}

// creditInUnit runs Credit in its own unit of work keyed by the entry owner.
func (e *testEnv) creditInUnit(ctx context.Context, entryID uuid.UUID, count int) (*models.CreditLedgerEntry, error) {
	var owner models.CreditLedgerEntry
	if err := e.db.WithContext(ctx).Select("id", "user_id").Where("id = ?", entryID).First(&owner).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var out *models.CreditLedgerEntry
	err := e.uow.Do(ctx, []string{userKey(owner.UserID)}, func(tx *gorm.DB) error {
		var err error
		out, err = e.ledger.Credit(tx, entryID, count)
		return err
	})
	return out, err
}

// recordingLocker wraps a real Locker and records every key set it grants
// together with the peak number of simultaneous holders per key.
type recordingLocker struct {
	inner lock.Locker

	mu      sync.Mutex
	calls   [][]string
	holders map[string]int
	peak    map[string]int
}

func newRecordingLocker() *recordingLocker {
	return &recordingLocker{
		inner:   lock.NewKeyedMutex(),
		holders: make(map[string]int),
		peak:    make(map[string]int),
	}
}

func (l *recordingLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	release, err := l.inner.Lock(ctx, keys...)
	if err != nil {
		return release, err
	}

	l.mu.Lock()
	l.calls = append(l.calls, slices.Clone(keys))
	for _, k := range keys {
		l.holders[k]++
		l.peak[k] = max(l.peak[k], l.holders[k])
	}
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		for _, k := range keys {
			l.holders[k]--
		}
		l.mu.Unlock()
		release()
	}, nil
}

// reset forgets the calls recorded so far.
func (l *recordingLocker) reset() {
	l.mu.Lock()
	l.calls = nil
	clear(l.peak)
	l.mu.Unlock()
}

// callsHolding returns the recorded key sets that include key.
func (l *recordingLocker) callsHolding(key string) [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out [][]string
	for _, c := range l.calls {
		if slices.Contains(c, key) {
			out = append(out, c)
		}
	}
	return out
}

func (l *recordingLocker) peakHolders(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak[key]
}
