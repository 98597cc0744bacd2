package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the lifecycle state of a purchase attempt.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusVerified PaymentStatus = "verified"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:  {PaymentStatusVerified, PaymentStatusFailed},
	PaymentStatusVerified: {PaymentStatusRefunded},
}

// Valid reports whether s is a known status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusVerified, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// CanTransitionTo reports whether the move from s to next is listed.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Settled reports whether the payment already went through verification.
func (s PaymentStatus) Settled() bool {
	return s == PaymentStatusVerified || s == PaymentStatusRefunded
}

// PaymentTransaction records one purchase attempt and its gateway reference.
type PaymentTransaction struct {
	BaseModel
	UserID           uuid.UUID       `gorm:"type:uuid;index;not null" json:"user_id"`
	PackageID        uuid.UUID       `gorm:"type:uuid;index;not null" json:"package_id"`
	Package          PackageSnapshot `gorm:"embedded;embeddedPrefix:package_" json:"package"`
	Amount           int64           `gorm:"not null" json:"amount"`
	Currency         string          `gorm:"size:8;not null" json:"currency"`
	GatewayReference string          `gorm:"uniqueIndex;size:100;not null" json:"gateway_reference"`
	Status           PaymentStatus   `gorm:"size:16;index;not null" json:"status"`
	VerifiedAt       *time.Time      `json:"verified_at"`
	FailedAt         *time.Time      `json:"failed_at"`
	RefundedAt       *time.Time      `json:"refunded_at"`
}

// TransitionTo moves the transaction to next, stamping the matching timestamp.
func (t *PaymentTransaction) TransitionTo(next PaymentStatus, at time.Time) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("payment %s: %s -> %s not allowed", t.GatewayReference, t.Status, next)
	}
	stamp := at
	switch next {
	case PaymentStatusVerified:
		t.VerifiedAt = &stamp
	case PaymentStatusFailed:
		t.FailedAt = &stamp
	case PaymentStatusRefunded:
		t.RefundedAt = &stamp
	}
	t.Status = next
	return nil
}
