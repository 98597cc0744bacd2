package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/mentwel/internal/services"
)

// CreditsHandler reports the current user's session credits.
type CreditsHandler struct {
	ledger *services.LedgerService
}

// NewCreditsHandler constructs CreditsHandler.
func NewCreditsHandler(ledger *services.LedgerService) *CreditsHandler {
	return &CreditsHandler{ledger: ledger}
}

// Balance returns the number of usable credits.
func (h *CreditsHandler) Balance(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	balance, err := h.ledger.Balance(c.UserContext(), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": fiber.Map{"available": balance}})
}

// Entries lists ledger entries with their usable counts.
func (h *CreditsHandler) Entries(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	entries, err := h.ledger.Entries(c.UserContext(), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": entries})
}
