package models

import (
	"time"

	"github.com/google/uuid"
)

// CreditLedgerEntry ties a batch of granted session credits to the payment
// that bought them. Entries are never deleted; an expired, exhausted or
// revoked entry simply stops contributing to the balance.
type CreditLedgerEntry struct {
	BaseModel
	UserID               uuid.UUID  `gorm:"type:uuid;index;not null" json:"user_id"`
	PaymentTransactionID uuid.UUID  `gorm:"type:uuid;uniqueIndex;not null" json:"payment_transaction_id"`
	CreditsGranted       int        `gorm:"not null" json:"credits_granted"`
	CreditsConsumed      int        `gorm:"not null;default:0" json:"credits_consumed"`
	ExpiresAt            time.Time  `gorm:"index;not null" json:"expires_at"`
	RevokedAt            *time.Time `json:"revoked_at"`
}

// Remaining is the number of credits not yet consumed, ignoring expiry.
func (e *CreditLedgerEntry) Remaining() int {
	if r := e.CreditsGranted - e.CreditsConsumed; r > 0 {
		return r
	}
	return 0
}

// Usable is the number of credits the entry contributes to the balance at asOf.
func (e *CreditLedgerEntry) Usable(asOf time.Time) int {
	if e.RevokedAt != nil || !asOf.Before(e.ExpiresAt) {
		return 0
	}
	return e.Remaining()
}
