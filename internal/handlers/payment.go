package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/mentwel/internal/payment_gateway/paystack"
	"github.com/example/mentwel/internal/services"
	"github.com/example/mentwel/internal/utils"
)

// PaymentHandler exposes purchases, the gateway webhook and payment admin.
type PaymentHandler struct {
	payments *services.PaymentService
}

// NewPaymentHandler constructs PaymentHandler.
func NewPaymentHandler(payments *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

type createPurchaseRequest struct {
	PackageID string `json:"package_id" validate:"required,uuid"`
}

// Webhook receives Paystack deliveries. Processed deliveries and harmless
// repeats both answer 200 so the gateway stops retrying.
func (h *PaymentHandler) Webhook(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)
	result, err := h.payments.SubmitWebhook(c.UserContext(), body, c.Get(paystack.SignatureHeader))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"status":    result.Transaction.Status,
		"duplicate": result.Duplicate,
	})
}

// CreatePurchase starts a package purchase for the current user.
func (h *PaymentHandler) CreatePurchase(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}

	var req createPurchaseRequest
	if err := parseAndValidate(c, &req); err != nil {
		return err
	}
	packageID, err := parseUUID(req.PackageID, "package_id")
	if err != nil {
		return err
	}

	checkout, err := h.payments.InitiatePurchase(c.UserContext(), userID, packageID)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": checkout})
}

// ListPurchases returns the current user's transactions.
func (h *PaymentHandler) ListPurchases(c *fiber.Ctx) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	pg := utils.ParsePagination(c)

	txns, total, err := h.payments.ListTransactions(c.UserContext(), userID, pg)
	if err != nil {
		return err
	}
	return paginated(c, txns, pg.Page, pg.Limit, total)
}

// Refund refunds a verified payment and revokes its remaining credits.
func (h *PaymentHandler) Refund(c *fiber.Ctx) error {
	txn, err := h.payments.RefundTransaction(c.UserContext(), c.Params("reference"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": txn})
}

// ListGatewayEvents returns recorded gateway deliveries for review.
func (h *PaymentHandler) ListGatewayEvents(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	rows, total, err := h.payments.ListGatewayEvents(c.UserContext(), services.GatewayEventFilter{
		Reference:    c.Query("reference"),
		OnlyFailed:   c.QueryBool("failed"),
		OnlyUnsigned: c.QueryBool("unsigned"),
		Pagination:   pg,
	})
	if err != nil {
		return err
	}
	return paginated(c, rows, pg.Page, pg.Limit, total)
}
