package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BookingState is the lifecycle state of a therapy-session booking.
type BookingState string

const (
	BookingRequested  BookingState = "requested"
	BookingConfirmed  BookingState = "confirmed"
	BookingInProgress BookingState = "in_progress"
	BookingCompleted  BookingState = "completed"
	BookingCancelled  BookingState = "cancelled"
	BookingNoShow     BookingState = "no_show"
	BookingExpired    BookingState = "expired"
)

// bookingTransitions lists every legal move; anything else is rejected.
var bookingTransitions = map[BookingState][]BookingState{
	BookingRequested:  {BookingConfirmed, BookingCancelled, BookingExpired},
	BookingConfirmed:  {BookingInProgress, BookingCancelled, BookingNoShow},
	BookingInProgress: {BookingCompleted},
}

// ActiveBookingStates occupy a therapist's time.
var ActiveBookingStates = []BookingState{BookingConfirmed, BookingInProgress}

// Valid reports whether s is a known state.
func (s BookingState) Valid() bool {
	switch s {
	case BookingRequested, BookingConfirmed, BookingInProgress, BookingCompleted,
		BookingCancelled, BookingNoShow, BookingExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is accepted from s.
func (s BookingState) Terminal() bool {
	return s.Valid() && len(bookingTransitions[s]) == 0
}

// CanTransitionTo reports whether the move from s to next is listed.
func (s BookingState) CanTransitionTo(next BookingState) bool {
	for _, allowed := range bookingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Booking is a single therapy session reservation between a client and a therapist.
type Booking struct {
	BaseModel
	ClientID       uuid.UUID    `gorm:"type:uuid;index;not null" json:"client_id"`
	TherapistID    uuid.UUID    `gorm:"type:uuid;index;not null" json:"therapist_id"`
	LedgerEntryID  *uuid.UUID   `gorm:"type:uuid;index" json:"ledger_entry_id"`
	State          BookingState `gorm:"size:16;index;not null" json:"state"`
	RequestedAt    time.Time    `gorm:"not null" json:"requested_at"`
	ScheduledAt    time.Time    `gorm:"index;not null" json:"scheduled_at"`
	EndsAt         time.Time    `gorm:"not null" json:"ends_at"`
	StateChangedAt time.Time    `gorm:"not null" json:"state_changed_at"`
	JoinedAt       *time.Time   `json:"joined_at"`
	CancelledBy    *uuid.UUID   `gorm:"type:uuid" json:"cancelled_by"`
	CreditRefunded bool         `json:"credit_refunded"`
}

// TransitionTo moves the booking to next at the given instant.
func (b *Booking) TransitionTo(next BookingState, at time.Time) error {
	if !b.State.CanTransitionTo(next) {
		return fmt.Errorf("booking %s: %s -> %s not allowed", b.ID, b.State, next)
	}
	b.State = next
	b.StateChangedAt = at
	return nil
}

// Overlaps reports whether the booking window intersects [start, end).
func (b *Booking) Overlaps(start, end time.Time) bool {
	return b.ScheduledAt.Before(end) && start.Before(b.EndsAt)
}

// HasParticipant reports whether userID is the client or the therapist.
func (b *Booking) HasParticipant(userID uuid.UUID) bool {
	return userID == b.ClientID || userID == b.TherapistID
}
