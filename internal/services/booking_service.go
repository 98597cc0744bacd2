package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/mentwel/internal/events"
	"github.com/example/mentwel/internal/models"
	"github.com/example/mentwel/internal/utils"
)

// BookingPolicy holds the time rules of the booking lifecycle.
type BookingPolicy struct {
	CancellationLeadTime time.Duration
	NoShowGrace          time.Duration
	EarlyJoinWindow      time.Duration
	RequestTimeout       time.Duration
	SessionDuration      time.Duration
	// AutoConfirm debits and confirms in the same unit as the request. When
	// false the therapist confirms later through ConfirmBooking.
	AutoConfirm bool
}

// BookingFilter narrows List.
type BookingFilter struct {
	State      models.BookingState
	Pagination utils.Pagination
}

// BookingService drives bookings through their state machine and spends
// ledger credits on confirmation.
type BookingService struct {
	uow       *UnitOfWork
	ledger    *LedgerService
	policy    BookingPolicy
	publisher events.Publisher
	clock     Clock
}

// NewBookingService creates a BookingService.
func NewBookingService(uow *UnitOfWork, ledger *LedgerService, policy BookingPolicy, publisher events.Publisher, clock Clock) *BookingService {
	if clock == nil {
		clock = SystemClock
	}
	if publisher == nil {
		publisher = events.NewFanout()
	}
	if policy.SessionDuration <= 0 {
		policy.SessionDuration = time.Hour
	}
	return &BookingService{
		uow:       uow,
		ledger:    ledger,
		policy:    policy,
		publisher: publisher,
		clock:     clock,
	}
}

// Policy returns the active time rules.
func (s *BookingService) Policy() BookingPolicy {
	return s.policy
}

// RequestBooking books a session with a therapist. With AutoConfirm the
// booking is confirmed and one credit is spent in the same unit; any failure
// leaves no booking behind.
func (s *BookingService) RequestBooking(ctx context.Context, clientID, therapistID uuid.UUID, scheduledAt time.Time) (*models.Booking, error) {
	now := s.clock()
	scheduledAt = scheduledAt.UTC()
	if !scheduledAt.After(now) {
		return nil, ErrInvalidSchedule
	}
	if clientID == therapistID {
		return nil, ErrSelfBooking
	}

	db := s.uow.DB().WithContext(ctx)
	var therapist models.User
	if err := db.First(&therapist, "id = ?", therapistID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTherapistNotFound
		}
		return nil, err
	}
	if !therapist.CanTakeBookings() {
		return nil, ErrTherapistNotFound
	}

	var client models.User
	if err := db.First(&client, "id = ?", clientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	booking := models.Booking{
		ClientID:       clientID,
		TherapistID:    therapistID,
		State:          models.BookingRequested,
		RequestedAt:    now,
		ScheduledAt:    scheduledAt,
		EndsAt:         scheduledAt.Add(s.policy.SessionDuration),
		StateChangedAt: now,
	}

	err := s.uow.Do(ctx, bookingKeys(&booking), func(tx *gorm.DB) error {
		if err := tx.Create(&booking).Error; err != nil {
			return fmt.Errorf("create booking: %w", err)
		}
		if !s.policy.AutoConfirm {
			return nil
		}
		return s.confirm(tx, &booking, now)
	})
	if err != nil {
		log.Infof("[Booking] request by %s with %s at %s rejected: %v",
			clientID, therapistID, scheduledAt.Format(time.RFC3339), err)
		return nil, err
	}

	if booking.State == models.BookingConfirmed {
		s.publish(ctx, events.BookingConfirmed, &booking, nil)
	}
	log.Infof("[Booking] %s %s: client=%s therapist=%s at=%s",
		booking.ID, booking.State, clientID, therapistID, scheduledAt.Format(time.RFC3339))
	return &booking, nil
}

// ConfirmBooking lets the therapist accept a requested booking, spending one
// of the client's credits.
func (s *BookingService) ConfirmBooking(ctx context.Context, bookingID, actorID uuid.UUID) (*models.Booking, error) {
	existing, err := s.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if actorID != existing.TherapistID {
		return nil, ErrNotParticipant
	}

	var booking models.Booking
	err = s.uow.Do(ctx, bookingKeys(existing), func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&booking, "id = ?", bookingID).Error; err != nil {
			return err
		}
		now := s.clock()
		if booking.State != models.BookingRequested || s.requestStale(&booking, now) {
			return ErrInvalidStateTransition
		}
		return s.confirm(tx, &booking, now)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.BookingConfirmed, &booking, nil)
	log.Infof("[Booking] %s confirmed by therapist %s", booking.ID, actorID)
	return &booking, nil
}

// confirm checks the therapist's calendar, debits one credit and moves the
// booking to confirmed. The caller's unit rolls back on any error.
func (s *BookingService) confirm(tx *gorm.DB, b *models.Booking, now time.Time) error {
	if !b.ScheduledAt.After(now) {
		return ErrInvalidSchedule
	}

	var active []models.Booking
	if err := forUpdate(tx).
		Where("therapist_id = ? AND state IN ? AND id <> ?", b.TherapistID, models.ActiveBookingStates, b.ID).
		Find(&active).Error; err != nil {
		return fmt.Errorf("load therapist calendar: %w", err)
	}
	for i := range active {
		if active[i].Overlaps(b.ScheduledAt, b.EndsAt) {
			return ErrTherapistUnavailable
		}
	}

	allocations, err := s.ledger.Debit(tx, b.ClientID, 1, now)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return fmt.Errorf("%w: %w", ErrNoCreditsAvailable, ErrInsufficientCredits)
		}
		return err
	}

	entryID := allocations[0].EntryID
	b.LedgerEntryID = &entryID
	if err := b.TransitionTo(models.BookingConfirmed, now); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
	}
	return tx.Model(b).Updates(map[string]interface{}{
		"state":            b.State,
		"state_changed_at": b.StateChangedAt,
		"ledger_entry_id":  b.LedgerEntryID,
	}).Error
}

// CancelBooking cancels on behalf of the client or the therapist, only before
// the scheduled start. A confirmed booking gets its credit back only when
// cancelled more than the lead time before the start.
func (s *BookingService) CancelBooking(ctx context.Context, bookingID, actorID uuid.UUID) (*models.Booking, error) {
	existing, err := s.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !existing.HasParticipant(actorID) {
		return nil, ErrNotParticipant
	}

	var booking models.Booking
	err = s.uow.Do(ctx, bookingKeys(existing), func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&booking, "id = ?", bookingID).Error; err != nil {
			return err
		}
		now := s.clock()

		if !now.Before(booking.ScheduledAt) {
			return ErrInvalidStateTransition
		}
		switch booking.State {
		case models.BookingRequested:
		case models.BookingConfirmed:
			if booking.ScheduledAt.Sub(now) > s.policy.CancellationLeadTime && booking.LedgerEntryID != nil {
				if _, err := s.ledger.Credit(tx, *booking.LedgerEntryID, 1); err != nil {
					return err
				}
				booking.CreditRefunded = true
			}
		default:
			return ErrInvalidStateTransition
		}

		if err := booking.TransitionTo(models.BookingCancelled, now); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
		}
		actor := actorID
		booking.CancelledBy = &actor
		return tx.Model(&booking).Updates(map[string]interface{}{
			"state":            booking.State,
			"state_changed_at": booking.StateChangedAt,
			"cancelled_by":     booking.CancelledBy,
			"credit_refunded":  booking.CreditRefunded,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.BookingCancelled, &booking, map[string]string{
		"cancelled_by":    actorID.String(),
		"credit_refunded": strconv.FormatBool(booking.CreditRefunded),
	})
	log.Infof("[Booking] %s cancelled by %s (credit refunded: %t)", booking.ID, actorID, booking.CreditRefunded)
	return &booking, nil
}

// JoinSession starts a confirmed session inside the join window. A second
// participant joining an in-progress session gets the booking back unchanged.
func (s *BookingService) JoinSession(ctx context.Context, bookingID, actorID uuid.UUID) (*models.Booking, error) {
	existing, err := s.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !existing.HasParticipant(actorID) {
		return nil, ErrNotParticipant
	}

	var booking models.Booking
	err = s.uow.Do(ctx, bookingKeys(existing), func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&booking, "id = ?", bookingID).Error; err != nil {
			return err
		}
		if booking.State == models.BookingInProgress {
			return nil
		}
		if booking.State != models.BookingConfirmed {
			return ErrInvalidStateTransition
		}

		now := s.clock()
		opens := booking.ScheduledAt.Add(-s.policy.EarlyJoinWindow)
		closes := booking.ScheduledAt.Add(s.policy.NoShowGrace)
		if now.Before(opens) || now.After(closes) {
			return ErrJoinWindowClosed
		}

		if err := booking.TransitionTo(models.BookingInProgress, now); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
		}
		booking.JoinedAt = &now
		return tx.Model(&booking).Updates(map[string]interface{}{
			"state":            booking.State,
			"state_changed_at": booking.StateChangedAt,
			"joined_at":        booking.JoinedAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// CompleteSession closes an in-progress session.
func (s *BookingService) CompleteSession(ctx context.Context, bookingID, actorID uuid.UUID) (*models.Booking, error) {
	existing, err := s.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !existing.HasParticipant(actorID) {
		return nil, ErrNotParticipant
	}

	var booking models.Booking
	err = s.uow.Do(ctx, bookingKeys(existing), func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&booking, "id = ?", bookingID).Error; err != nil {
			return err
		}
		if err := booking.TransitionTo(models.BookingCompleted, s.clock()); err != nil {
			return ErrInvalidStateTransition
		}
		return tx.Model(&booking).Updates(map[string]interface{}{
			"state":            booking.State,
			"state_changed_at": booking.StateChangedAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.BookingCompleted, &booking, nil)
	return &booking, nil
}

// ExpireStaleRequests moves requests that were never confirmed in time to
// expired. It returns how many bookings changed.
func (s *BookingService) ExpireStaleRequests(ctx context.Context) (int, error) {
	now := s.clock()
	var candidates []models.Booking
	if err := s.uow.DB().WithContext(ctx).
		Where("state = ? AND (requested_at <= ? OR scheduled_at <= ?)",
			models.BookingRequested, now.Add(-s.policy.RequestTimeout), now).
		Find(&candidates).Error; err != nil {
		return 0, err
	}

	changed := 0
	for i := range candidates {
		ok, err := s.sweepOne(ctx, &candidates[i], models.BookingExpired, func(b *models.Booking, at time.Time) bool {
			return b.State == models.BookingRequested && s.requestStale(b, at)
		}, nil)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// MarkNoShows moves confirmed bookings nobody joined before the grace period
// ended to no_show. The credit stays spent and the client's no-show counter
// goes up.
func (s *BookingService) MarkNoShows(ctx context.Context) (int, error) {
	now := s.clock()
	var candidates []models.Booking
	if err := s.uow.DB().WithContext(ctx).
		Where("state = ? AND scheduled_at < ?", models.BookingConfirmed, now.Add(-s.policy.NoShowGrace)).
		Find(&candidates).Error; err != nil {
		return 0, err
	}

	changed := 0
	for i := range candidates {
		ok, err := s.sweepOne(ctx, &candidates[i], models.BookingNoShow, func(b *models.Booking, at time.Time) bool {
			return b.State == models.BookingConfirmed && at.After(b.ScheduledAt.Add(s.policy.NoShowGrace))
		}, func(tx *gorm.DB, b *models.Booking) error {
			return tx.Model(&models.User{}).
				Where("id = ?", b.ClientID).
				Update("no_show_count", gorm.Expr("no_show_count + 1")).Error
		})
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// sweepOne re-checks a sweep candidate under its keys and applies the
// transition when due is still true.
func (s *BookingService) sweepOne(ctx context.Context, candidate *models.Booking, next models.BookingState,
	due func(*models.Booking, time.Time) bool, also func(*gorm.DB, *models.Booking) error) (bool, error) {
	var (
		booking models.Booking
		applied bool
	)
	err := s.uow.Do(ctx, bookingKeys(candidate), func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&booking, "id = ?", candidate.ID).Error; err != nil {
			return err
		}
		now := s.clock()
		if !due(&booking, now) {
			return nil
		}
		if err := booking.TransitionTo(next, now); err != nil {
			return err
		}
		if err := tx.Model(&booking).Updates(map[string]interface{}{
			"state":            booking.State,
			"state_changed_at": booking.StateChangedAt,
		}).Error; err != nil {
			return err
		}
		if also != nil {
			if err := also(tx, &booking); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("sweep booking %s to %s: %w", candidate.ID, next, err)
	}

	if applied {
		eventType := events.BookingExpired
		if next == models.BookingNoShow {
			eventType = events.BookingNoShow
		}
		s.publish(ctx, eventType, &booking, nil)
		log.Infof("[Booking] %s moved to %s", booking.ID, next)
	}
	return applied, nil
}

// Get loads a booking by id.
func (s *BookingService) Get(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	if err := s.uow.DB().WithContext(ctx).First(&booking, "id = ?", bookingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &booking, nil
}

// List returns bookings where the user is the client or the therapist,
// soonest first.
func (s *BookingService) List(ctx context.Context, userID uuid.UUID, f BookingFilter) ([]models.Booking, int64, error) {
	q := s.uow.DB().WithContext(ctx).Model(&models.Booking{}).
		Where("client_id = ? OR therapist_id = ?", userID, userID)
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Pagination.Limit
	if limit <= 0 {
		limit = 20
	}
	var bookings []models.Booking
	if err := q.Order("scheduled_at asc").Limit(limit).Offset(f.Pagination.Offset).Find(&bookings).Error; err != nil {
		return nil, 0, err
	}
	return bookings, total, nil
}

func (s *BookingService) requestStale(b *models.Booking, now time.Time) bool {
	if !now.Before(b.ScheduledAt) {
		return true
	}
	return s.policy.RequestTimeout > 0 && !now.Before(b.RequestedAt.Add(s.policy.RequestTimeout))
}

func (s *BookingService) publish(ctx context.Context, eventType string, b *models.Booking, extra map[string]string) {
	attrs := map[string]string{
		"client_id":    b.ClientID.String(),
		"therapist_id": b.TherapistID.String(),
		"scheduled_at": b.ScheduledAt.Format(time.RFC3339),
		"state":        string(b.State),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	_ = s.publisher.Publish(ctx, events.New(eventType, b.ID, b.StateChangedAt, attrs))
}

func bookingKeys(b *models.Booking) []string {
	return append([]string{userKey(b.ClientID)}, therapistDayKeys(b.TherapistID, b.ScheduledAt, b.EndsAt)...)
}
