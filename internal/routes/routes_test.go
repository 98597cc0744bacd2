package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/mentwel/internal/config"
	"github.com/example/mentwel/internal/database"
	"github.com/example/mentwel/internal/events"
	"github.com/example/mentwel/internal/handlers"
	"github.com/example/mentwel/internal/middleware"
	"github.com/example/mentwel/internal/models"
	"github.com/example/mentwel/internal/payment_gateway/paystack"
	"github.com/example/mentwel/internal/services"
	"github.com/example/mentwel/internal/utils"
)

const (
	testJWTSecret     = "jwt-test-secret"
	testWebhookSecret = "sk_test_mentwel"
)

var testNow = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

type apiEnv struct {
	app      *fiber.App
	db       *gorm.DB
	recorder *events.Recorder
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Status  string          `json:"status"`
	Error   struct {
		Code    string              `json:"code"`
		Message string              `json:"message"`
		Fields  map[string][]string `json:"fields"`
	} `json:"error"`
}

func newAPIEnv(t *testing.T) *apiEnv {
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
	require.NoError(t, database.Migrate(db))

	clock := func() time.Time { return testNow }
	recorder := events.NewRecorder(64)

	uow := services.NewUnitOfWork(db, nil)
	catalog := services.NewCatalogService(db)
	ledger := services.NewLedgerService(uow, clock)
	payments := services.NewPaymentService(uow, ledger, services.PaymentConfig{
		WebhookSecret: testWebhookSecret,
		Currency:      "NGN",
	}, nil, recorder, clock)
	bookings := services.NewBookingService(uow, ledger, services.BookingPolicy{
		CancellationLeadTime: 24 * time.Hour,
		NoShowGrace:          15 * time.Minute,
		EarlyJoinWindow:      10 * time.Minute,
		RequestTimeout:       time.Hour,
		SessionDuration:      time.Hour,
		AutoConfirm:          true,
	}, recorder, clock)

	_, err = catalog.SeedDefaults(testContext(t))
	require.NoError(t, err)

	app := fiber.New(fiber.Config{ErrorHandler: handlers.ErrorHandler})
	Register(app, Deps{
		DB:       db,
		Config:   &config.Config{JWTSecret: testJWTSecret},
		Catalog:  catalog,
		Ledger:   ledger,
		Payments: payments,
		Bookings: bookings,
		Webhooks: middleware.NewWebhookLimiter(100, 100),
	})

	return &apiEnv{app: app, db: db, recorder: recorder}
}

func (e *apiEnv) createUser(t *testing.T, mutate func(u *models.User)) (*models.User, string) {
	t.Helper()
	u := &models.User{AnonymousID: "MW" + uuid.NewString()[:8]}
	if mutate != nil {
		mutate(u)
	}
	require.NoError(t, e.db.Create(u).Error)

	token, err := utils.GenerateToken(testJWTSecret, u.ID, time.Hour)
	require.NoError(t, err)
	return u, token
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.send(t, req)
}

func (e *apiEnv) send(t *testing.T, req *http.Request) (int, envelope) {
	t.Helper()

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func (e *apiEnv) webhook(t *testing.T, reference, status string, amount int64, secret string) (int, envelope) {
	t.Helper()

	payload, err := json.Marshal(map[string]any{
		"event": "charge.success",
		"data": map[string]any{
			"id":        time.Now().UnixNano(),
			"reference": reference,
			"status":    status,
			"amount":    amount,
			"currency":  "NGN",
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(fiber.MethodPost, "/api/paystack/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(paystack.SignatureHeader, paystack.Sign(payload, secret))
	return e.send(t, req)
}

func (e *apiEnv) packageByName(t *testing.T, name string) models.SessionPackage {
	t.Helper()
	var pkg models.SessionPackage
	require.NoError(t, e.db.Where("name = ?", name).First(&pkg).Error)
	return pkg
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestListPackagesIsPublic(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, fiber.MethodGet, "/api/packages", "", nil)
	require.Equal(t, fiber.StatusOK, status)

	pkgs := decode[[]models.SessionPackage](t, body.Data)
	require.Len(t, pkgs, len(services.DefaultPackages))
	assert.Equal(t, "Single Session", pkgs[0].Name, "cheapest first")

	status, body = env.do(t, fiber.MethodGet, "/api/packages/"+pkgs[1].ID.String(), "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, pkgs[1].ID, decode[models.SessionPackage](t, body.Data).ID)

	status, body = env.do(t, fiber.MethodGet, "/api/packages/"+uuid.NewString(), "", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "NotFound", body.Error.Code)

	status, _ = env.do(t, fiber.MethodGet, "/api/packages/not-a-uuid", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newAPIEnv(t)

	status, _ := env.do(t, fiber.MethodGet, "/api/credits/balance", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = env.do(t, fiber.MethodGet, "/api/credits/balance", "garbage", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestPurchaseToBookingFlow(t *testing.T) {
	env := newAPIEnv(t)
	client, clientToken := env.createUser(t, nil)
	therapist, therapistToken := env.createUser(t, func(u *models.User) {
		u.IsTherapist = true
		u.TherapistVerified = true
	})

	starter := env.packageByName(t, "Starter Pack")

	status, body := env.do(t, fiber.MethodPost, "/api/purchases", clientToken, map[string]string{
		"package_id": starter.ID.String(),
	})
	require.Equal(t, fiber.StatusCreated, status, body.Error.Message)
	checkout := decode[services.Checkout](t, body.Data)
	assert.Equal(t, int64(1350000), checkout.Amount)
	assert.Empty(t, checkout.AuthorizationURL)

	status, body = env.webhook(t, checkout.Reference, "success", checkout.Amount, testWebhookSecret)
	require.Equal(t, fiber.StatusOK, status, body.Error.Code)
	assert.Equal(t, string(models.PaymentStatusVerified), body.Status)

	// Redelivery is acknowledged without a second grant.
	status, _ = env.webhook(t, checkout.Reference, "success", checkout.Amount, testWebhookSecret)
	require.Equal(t, fiber.StatusOK, status)

	assert.Equal(t, []string{events.PaymentVerified}, env.recorder.Types())

	status, body = env.do(t, fiber.MethodGet, "/api/credits/balance", clientToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, 3, decode[map[string]int](t, body.Data)["available"])

	status, body = env.do(t, fiber.MethodGet, "/api/purchases", clientToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, decode[[]models.PaymentTransaction](t, body.Data), 1)

	scheduled := testNow.Add(48 * time.Hour)
	status, body = env.do(t, fiber.MethodPost, "/api/bookings", clientToken, map[string]string{
		"therapist_id": therapist.ID.String(),
		"scheduled_at": scheduled.Format(time.RFC3339),
	})
	require.Equal(t, fiber.StatusCreated, status, body.Error.Code)
	booking := decode[models.Booking](t, body.Data)
	assert.Equal(t, models.BookingConfirmed, booking.State)
	assert.Equal(t, client.ID, booking.ClientID)

	status, body = env.do(t, fiber.MethodGet, "/api/credits/balance", clientToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, 2, decode[map[string]int](t, body.Data)["available"])

	status, body = env.do(t, fiber.MethodGet, "/api/bookings?state=confirmed", therapistToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, decode[[]models.Booking](t, body.Data), 1)

	_, strangerToken := env.createUser(t, nil)
	status, body = env.do(t, fiber.MethodGet, "/api/bookings/"+booking.ID.String(), strangerToken, nil)
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "NotParticipant", body.Error.Code)

	status, body = env.do(t, fiber.MethodPost, "/api/bookings/"+booking.ID.String()+"/cancel", clientToken, nil)
	require.Equal(t, fiber.StatusOK, status, body.Error.Code)
	cancelled := decode[models.Booking](t, body.Data)
	assert.Equal(t, models.BookingCancelled, cancelled.State)
	assert.True(t, cancelled.CreditRefunded)

	status, body = env.do(t, fiber.MethodGet, "/api/credits/balance", clientToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, 3, decode[map[string]int](t, body.Data)["available"])

	status, body = env.do(t, fiber.MethodPost, "/api/bookings/"+booking.ID.String()+"/join", clientToken, nil)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "InvalidStateTransition", body.Error.Code)
}

func TestBookingWithoutCreditsIsRejected(t *testing.T) {
	env := newAPIEnv(t)
	_, clientToken := env.createUser(t, nil)
	therapist, _ := env.createUser(t, func(u *models.User) {
		u.IsTherapist = true
		u.TherapistVerified = true
	})

	status, body := env.do(t, fiber.MethodPost, "/api/bookings", clientToken, map[string]string{
		"therapist_id": therapist.ID.String(),
		"scheduled_at": testNow.Add(48 * time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, fiber.StatusPaymentRequired, status)
	assert.Equal(t, "NoCreditsAvailable", body.Error.Code)

	var n int64
	require.NoError(t, env.db.Model(&models.Booking{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestBookingRequestValidation(t *testing.T) {
	env := newAPIEnv(t)
	_, token := env.createUser(t, nil)

	status, body := env.do(t, fiber.MethodPost, "/api/bookings", token, map[string]string{
		"therapist_id": "nope",
	})
	require.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "ValidationFailed", body.Error.Code)
	assert.Contains(t, body.Error.Fields, "therapist_id")
	assert.Contains(t, body.Error.Fields, "scheduled_at")

	status, _ = env.do(t, fiber.MethodPost, "/api/bookings", token, map[string]string{
		"therapist_id": uuid.NewString(),
		"scheduled_at": "tomorrow",
	})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestWebhookRejections(t *testing.T) {
	env := newAPIEnv(t)
	_, token := env.createUser(t, nil)
	single := env.packageByName(t, "Single Session")

	status, body := env.do(t, fiber.MethodPost, "/api/purchases", token, map[string]string{
		"package_id": single.ID.String(),
	})
	require.Equal(t, fiber.StatusCreated, status)
	checkout := decode[services.Checkout](t, body.Data)

	tests := []struct {
		name      string
		reference string
		amount    int64
		secret    string
		want      int
		code      string
	}{
		{"bad signature", checkout.Reference, checkout.Amount, "wrong-secret", fiber.StatusUnauthorized, "InvalidSignature"},
		{"unknown reference", "MW-UNKNOWN", checkout.Amount, testWebhookSecret, fiber.StatusNotFound, "UnknownTransaction"},
		{"amount mismatch", checkout.Reference, checkout.Amount / 10, testWebhookSecret, fiber.StatusConflict, "AmountMismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.webhook(t, tt.reference, "success", tt.amount, tt.secret)
			assert.Equal(t, tt.want, status)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}

	var txn models.PaymentTransaction
	require.NoError(t, env.db.Where("gateway_reference = ?", checkout.Reference).First(&txn).Error)
	assert.Equal(t, models.PaymentStatusPending, txn.Status)
}

func TestAdminRoutes(t *testing.T) {
	env := newAPIEnv(t)
	_, userToken := env.createUser(t, nil)
	_, adminToken := env.createUser(t, func(u *models.User) { u.IsAdmin = true })

	newPackage := map[string]any{
		"name":          "Weekend Intensive",
		"session_count": 2,
		"duration_days": 7,
		"price":         1000000,
	}

	status, _ := env.do(t, fiber.MethodPost, "/api/admin/packages", userToken, newPackage)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body := env.do(t, fiber.MethodPost, "/api/admin/packages", adminToken, newPackage)
	require.Equal(t, fiber.StatusCreated, status, body.Error.Code)
	created := decode[models.SessionPackage](t, body.Data)
	assert.True(t, created.IsActive)

	status, body = env.do(t, fiber.MethodPut, "/api/admin/packages/"+created.ID.String(), adminToken, map[string]any{
		"price": 0,
	})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status, body.Error.Code)

	status, body = env.do(t, fiber.MethodPut, "/api/admin/packages/"+created.ID.String(), adminToken, map[string]any{
		"price": 1200000,
	})
	require.Equal(t, fiber.StatusOK, status, body.Error.Code)
	assert.Equal(t, int64(1200000), decode[models.SessionPackage](t, body.Data).Price)

	status, _ = env.do(t, fiber.MethodPost, "/api/admin/packages/"+created.ID.String()+"/deactivate", adminToken, nil)
	require.Equal(t, fiber.StatusOK, status)

	status, body = env.do(t, fiber.MethodGet, "/api/packages", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, decode[[]models.SessionPackage](t, body.Data), len(services.DefaultPackages))

	status, body = env.do(t, fiber.MethodGet, "/api/admin/packages", adminToken, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, decode[[]models.SessionPackage](t, body.Data), len(services.DefaultPackages)+1)

	status, _ = env.do(t, fiber.MethodGet, "/api/admin/gateway-events?unsigned=true", adminToken, nil)
	assert.Equal(t, fiber.StatusOK, status)

	status, body = env.do(t, fiber.MethodPost, "/api/admin/payments/MW-NOPE/refund", adminToken, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "UnknownTransaction", body.Error.Code)
}
