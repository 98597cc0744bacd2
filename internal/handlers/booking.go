package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/mentwel/internal/models"
	"github.com/example/mentwel/internal/services"
	"github.com/example/mentwel/internal/utils"
)

// BookingHandler exposes the booking lifecycle to clients and therapists.
type BookingHandler struct {
	bookings *services.BookingService
}

// NewBookingHandler constructs BookingHandler.
func NewBookingHandler(bookings *services.BookingService) *BookingHandler {
	return &BookingHandler{bookings: bookings}
}

type createBookingRequest struct {
	TherapistID string `json:"therapist_id" validate:"required,uuid"`
	ScheduledAt string `json:"scheduled_at" validate:"required"`
}

// Create requests a session with a therapist.
func (h *BookingHandler) Create(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	var req createBookingRequest
	if err := parseAndValidate(c, &req); err != nil {
		return err
	}
	therapistID, err := parseUUID(req.TherapistID, "therapist_id")
	if err != nil {
		return err
	}
	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "scheduled_at must be RFC 3339")
	}

	booking, err := h.bookings.RequestBooking(c.UserContext(), userID, therapistID, scheduledAt)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": booking})
}

// List returns the current user's bookings, optionally filtered by ?state=.
func (h *BookingHandler) List(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	pg := utils.ParsePagination(c)

	bookings, total, err := h.bookings.List(c.UserContext(), userID, services.BookingFilter{
		State:      models.BookingState(c.Query("state")),
		Pagination: pg,
	})
	if err != nil {
		return err
	}
	return paginated(c, bookings, pg.Page, pg.Limit, total)
}

// Get returns one booking the current user takes part in.
func (h *BookingHandler) Get(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}

	booking, err := h.bookings.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	if !booking.HasParticipant(userID) {
		return services.ErrNotParticipant
	}
	return c.JSON(fiber.Map{"success": true, "data": booking})
}

// Confirm is called by the therapist to accept a request.
func (h *BookingHandler) Confirm(c *fiber.Ctx) error {
	return h.transition(c, h.bookings.ConfirmBooking)
}

// Cancel is available to both participants.
func (h *BookingHandler) Cancel(c *fiber.Ctx) error {
	return h.transition(c, h.bookings.CancelBooking)
}

// Join starts the session inside the join window.
func (h *BookingHandler) Join(c *fiber.Ctx) error {
	return h.transition(c, h.bookings.JoinSession)
}

// Complete closes an in-progress session.
func (h *BookingHandler) Complete(c *fiber.Ctx) error {
	return h.transition(c, h.bookings.CompleteSession)
}

type bookingAction func(ctx context.Context, bookingID, actorID uuid.UUID) (*models.Booking, error)

func (h *BookingHandler) transition(c *fiber.Ctx, action bookingAction) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := paramUUID(c, "id")
	if err != nil {
		return err
	}

	booking, err := action(c.UserContext(), id, userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": booking})
}
