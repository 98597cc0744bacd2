package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/mentwel/internal/models"
)

// Allocation records how many credits a debit took from one ledger entry.
type Allocation struct {
	EntryID uuid.UUID `json:"entry_id"`
	Count   int       `json:"count"`
}

// EntryView is a ledger entry together with its standing at a point in time.
type EntryView struct {
	models.CreditLedgerEntry
	Usable  int  `json:"usable"`
	Expired bool `json:"expired"`
}

// LedgerService is the authoritative session-credit balance engine. Mutating
// methods take the transaction of the caller's unit of work; the ledger never
// opens its own boundary except in the *InUnit convenience wrappers.
type LedgerService struct {
	uow   *UnitOfWork
	clock Clock
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(uow *UnitOfWork, clock Clock) *LedgerService {
	if clock == nil {
		clock = SystemClock
	}
	return &LedgerService{uow: uow, clock: clock}
}

// Grant creates the single entry backed by a verified payment. When an entry
// already references the payment it is returned with ErrDuplicateGrant.
func (s *LedgerService) Grant(tx *gorm.DB, userID, paymentTransactionID uuid.UUID, snapshot models.PackageSnapshot, verifiedAt time.Time) (*models.CreditLedgerEntry, error) {
	if snapshot.SessionCount <= 0 || snapshot.DurationDays <= 0 {
		return nil, fmt.Errorf("grant for payment %s: %w", paymentTransactionID, ErrInvalidCount)
	}

	var existing models.CreditLedgerEntry
	err := tx.Where("payment_transaction_id = ?", paymentTransactionID).First(&existing).Error
	if err == nil {
		return &existing, ErrDuplicateGrant
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	entry := models.CreditLedgerEntry{
		UserID:               userID,
		PaymentTransactionID: paymentTransactionID,
		CreditsGranted:       snapshot.SessionCount,
		CreditsConsumed:      0,
		ExpiresAt:            verifiedAt.UTC().AddDate(0, 0, snapshot.DurationDays),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("create ledger entry: %w", err)
	}

	log.Infof("[Ledger] granted %d credits to %s (payment %s, expires %s)",
		entry.CreditsGranted, userID, paymentTransactionID, entry.ExpiresAt.Format(time.RFC3339))
	return &entry, nil
}

// AvailableBalance sums the usable credits of the user at asOf. It runs
// outside any unit of work and is meant for display; Debit re-checks.
func (s *LedgerService) AvailableBalance(ctx context.Context, userID uuid.UUID, asOf time.Time) (int, error) {
	entries, err := s.loadEntries(s.uow.DB().WithContext(ctx), userID, false)
	if err != nil {
		return 0, err
	}
	return usableBalance(entries, asOf), nil
}

// Balance is AvailableBalance at the current time.
func (s *LedgerService) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.AvailableBalance(ctx, userID, s.clock())
}

// Entries lists every entry of the user, earliest expiry first.
func (s *LedgerService) Entries(ctx context.Context, userID uuid.UUID) ([]EntryView, error) {
	entries, err := s.loadEntries(s.uow.DB().WithContext(ctx), userID, false)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, EntryView{
			CreditLedgerEntry: e,
			Usable:            e.Usable(now),
			Expired:           !now.Before(e.ExpiresAt),
		})
	}
	return views, nil
}

// Debit consumes count credits, earliest-expiring entries first. It either
// takes all count credits or changes nothing.
func (s *LedgerService) Debit(tx *gorm.DB, userID uuid.UUID, count int, asOf time.Time) ([]Allocation, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}

	entries, err := s.loadEntries(forUpdate(tx), userID, true)
	if err != nil {
		return nil, err
	}

	allocations, err := allocate(entries, count, asOf)
	if err != nil {
		return nil, err
	}

	for _, a := range allocations {
		res := tx.Model(&models.CreditLedgerEntry{}).
			Where("id = ? AND credits_consumed + ? <= credits_granted", a.EntryID, a.Count).
			Update("credits_consumed", gorm.Expr("credits_consumed + ?", a.Count))
		if res.Error != nil {
			return nil, fmt.Errorf("debit entry %s: %w", a.EntryID, res.Error)
		}
		if res.RowsAffected != 1 {
			// The row changed under us; the unit of work must not commit.
			return nil, fmt.Errorf("debit entry %s: concurrent modification: %w", a.EntryID, ErrInsufficientCredits)
		}
	}
	return allocations, nil
}

// Credit reverses count previously debited credits on entryID.
func (s *LedgerService) Credit(tx *gorm.DB, entryID uuid.UUID, count int) (*models.CreditLedgerEntry, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}

	var entry models.CreditLedgerEntry
	if err := forUpdate(tx).Where("id = ?", entryID).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if entry.CreditsConsumed-count < 0 {
		log.Errorf("[Ledger] over-refund on entry %s: consumed=%d refund=%d granted=%d",
			entry.ID, entry.CreditsConsumed, count, entry.CreditsGranted)
		return nil, ErrOverRefund
	}

	entry.CreditsConsumed -= count
	if err := tx.Model(&models.CreditLedgerEntry{}).
		Where("id = ?", entry.ID).
		Update("credits_consumed", entry.CreditsConsumed).Error; err != nil {
		return nil, fmt.Errorf("credit entry %s: %w", entry.ID, err)
	}
	return &entry, nil
}

// Revoke stops the entry granted for a payment from contributing to the
// balance. Already consumed credits stay consumed.
func (s *LedgerService) Revoke(tx *gorm.DB, paymentTransactionID uuid.UUID, at time.Time) error {
	res := tx.Model(&models.CreditLedgerEntry{}).
		Where("payment_transaction_id = ? AND revoked_at IS NULL", paymentTransactionID).
		Update("revoked_at", at)
	if res.Error != nil {
		return fmt.Errorf("revoke entry of payment %s: %w", paymentTransactionID, res.Error)
	}
	return nil
}

func (s *LedgerService) loadEntries(q *gorm.DB, userID uuid.UUID, activeOnly bool) ([]models.CreditLedgerEntry, error) {
	q = q.Where("user_id = ?", userID)
	if activeOnly {
		q = q.Where("revoked_at IS NULL AND credits_consumed < credits_granted")
	}
	var entries []models.CreditLedgerEntry
	if err := q.Order("expires_at asc").Order("created_at asc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load ledger entries for %s: %w", userID, err)
	}
	return entries, nil
}

// usableBalance is the balance formula as a pure function of the entries.
func usableBalance(entries []models.CreditLedgerEntry, asOf time.Time) int {
	total := 0
	for i := range entries {
		total += entries[i].Usable(asOf)
	}
	return total
}

// allocate plans an earliest-expiry-first debit over entries sorted by
// expires_at. It fails without a partial plan when the balance is short.
func allocate(entries []models.CreditLedgerEntry, count int, asOf time.Time) ([]Allocation, error) {
	if usableBalance(entries, asOf) < count {
		return nil, ErrInsufficientCredits
	}
	var out []Allocation
	left := count
	for i := range entries {
		if left == 0 {
			break
		}
		usable := entries[i].Usable(asOf)
		if usable == 0 {
			continue
		}
		take := min(usable, left)
		out = append(out, Allocation{EntryID: entries[i].ID, Count: take})
		left -= take
	}
	return out, nil
}
