package routes

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/example/mentwel/internal/config"
	"github.com/example/mentwel/internal/handlers"
	"github.com/example/mentwel/internal/middleware"
	"github.com/example/mentwel/internal/services"
)

// Deps are the services the HTTP layer is built from.
type Deps struct {
	DB       *gorm.DB
	Config   *config.Config
	Catalog  *services.CatalogService
	Ledger   *services.LedgerService
	Payments *services.PaymentService
	Bookings *services.BookingService
	Webhooks *middleware.WebhookLimiter
}

// Register wires up all HTTP routes.
func Register(app *fiber.App, d Deps) {
	packageHandler := handlers.NewPackageHandler(d.Catalog)
	paymentHandler := handlers.NewPaymentHandler(d.Payments)
	creditsHandler := handlers.NewCreditsHandler(d.Ledger)
	bookingHandler := handlers.NewBookingHandler(d.Bookings)

	api := app.Group("/api")

	// Gateway callbacks are authenticated by signature, not by JWT.
	webhook := []fiber.Handler{paymentHandler.Webhook}
	if d.Webhooks != nil {
		webhook = append([]fiber.Handler{d.Webhooks.Handler()}, webhook...)
	}
	api.Post("/paystack/webhook", webhook...)

	packages := api.Group("/packages")
	packages.Get("/", packageHandler.List)
	packages.Get("/:id", packageHandler.Get)

	// Protected routes
	protected := api.Group("", middleware.AuthMiddleware(d.Config))

	protected.Post("/purchases", paymentHandler.CreatePurchase)
	protected.Get("/purchases", paymentHandler.ListPurchases)

	protected.Get("/credits/balance", creditsHandler.Balance)
	protected.Get("/credits/entries", creditsHandler.Entries)

	protected.Post("/bookings", bookingHandler.Create)
	protected.Get("/bookings", bookingHandler.List)
	protected.Get("/bookings/:id", bookingHandler.Get)
	protected.Post("/bookings/:id/confirm", bookingHandler.Confirm)
	protected.Post("/bookings/:id/cancel", bookingHandler.Cancel)
	protected.Post("/bookings/:id/join", bookingHandler.Join)
	protected.Post("/bookings/:id/complete", bookingHandler.Complete)

	// Admin routes
	admin := protected.Group("/admin", middleware.AdminOnly(d.DB))

	admin.Get("/packages", packageHandler.ListAll)
	admin.Post("/packages", packageHandler.Create)
	admin.Put("/packages/:id", packageHandler.Update)
	admin.Post("/packages/:id/deactivate", packageHandler.Deactivate)

	admin.Post("/payments/:reference/refund", paymentHandler.Refund)
	admin.Get("/gateway-events", paymentHandler.ListGatewayEvents)
}
