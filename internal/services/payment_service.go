package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/mentwel/internal/events"
	"github.com/example/mentwel/internal/models"
	"github.com/example/mentwel/internal/payment_gateway/paystack"
	"github.com/example/mentwel/internal/utils"
)

// GatewayEvent is one delivery from the payment gateway. Signature is checked
// against Payload; the other fields are trusted only once it matches.
type GatewayEvent struct {
	EventType string
	Reference string
	Status    string
	Amount    int64
	Signature string
	Payload   []byte
}

// SubmitResult describes the state after a delivery was applied.
type SubmitResult struct {
	Transaction *models.PaymentTransaction `json:"transaction"`
	Entry       *models.CreditLedgerEntry  `json:"entry,omitempty"`
	Duplicate   bool                       `json:"duplicate"`
}

// Checkout is returned to the client after a purchase is initiated.
type Checkout struct {
	Transaction      *models.PaymentTransaction `json:"transaction"`
	Reference        string                     `json:"reference"`
	Amount           int64                      `json:"amount"`
	Currency         string                     `json:"currency"`
	AuthorizationURL string                     `json:"authorization_url,omitempty"`
}

// CheckoutGateway starts a hosted checkout for a pending transaction.
type CheckoutGateway interface {
	InitializeTransaction(ctx context.Context, req paystack.InitializeRequest) (*paystack.InitializeResponse, error)
}

// PaymentConfig carries the gateway settings the processor needs.
type PaymentConfig struct {
	WebhookSecret string
	Currency      string
	CallbackURL   string
}

type gatewayOutcome int

const (
	outcomeSuccess gatewayOutcome = iota + 1
	outcomeFailure
	outcomeRefund
)

// PaymentService turns gateway deliveries into payment transitions and
// ledger grants, exactly once per successful payment.
type PaymentService struct {
	uow       *UnitOfWork
	ledger    *LedgerService
	cfg       PaymentConfig
	gateway   CheckoutGateway
	publisher events.Publisher
	clock     Clock
}

// NewPaymentService creates a PaymentService. gateway may be nil, in which
// case InitiatePurchase returns no authorization URL.
func NewPaymentService(uow *UnitOfWork, ledger *LedgerService, cfg PaymentConfig, gateway CheckoutGateway, publisher events.Publisher, clock Clock) *PaymentService {
	if clock == nil {
		clock = SystemClock
	}
	if publisher == nil {
		publisher = events.NewFanout()
	}
	if cfg.Currency == "" {
		cfg.Currency = "NGN"
	}
	return &PaymentService{
		uow:       uow,
		ledger:    ledger,
		cfg:       cfg,
		gateway:   gateway,
		publisher: publisher,
		clock:     clock,
	}
}

// InitiatePurchase records a pending transaction for the package at its
// current price and, when a gateway is configured, opens a hosted checkout.
func (s *PaymentService) InitiatePurchase(ctx context.Context, userID, packageID uuid.UUID) (*Checkout, error) {
	db := s.uow.DB().WithContext(ctx)

	var user models.User
	if err := db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var pkg models.SessionPackage
	if err := db.First(&pkg, "id = ?", packageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !pkg.IsActive {
		return nil, ErrPackageInactive
	}

	txn := models.PaymentTransaction{
		UserID:           userID,
		PackageID:        pkg.ID,
		Package:          pkg.Snapshot(),
		Amount:           pkg.Price,
		Currency:         s.cfg.Currency,
		GatewayReference: newReference(),
		Status:           models.PaymentStatusPending,
	}

	err := s.uow.Do(ctx, []string{userKey(userID)}, func(tx *gorm.DB) error {
		return tx.Create(&txn).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create pending transaction: %w", err)
	}

	log.Infof("[Payment] purchase initiated: ref=%s user=%s package=%q amount=%d",
		txn.GatewayReference, userID, pkg.Name, txn.Amount)

	checkout := &Checkout{
		Transaction: &txn,
		Reference:   txn.GatewayReference,
		Amount:      txn.Amount,
		Currency:    txn.Currency,
	}
	if s.gateway == nil {
		return checkout, nil
	}

	resp, err := s.gateway.InitializeTransaction(ctx, paystack.InitializeRequest{
		Email:       checkoutEmail(&user),
		Amount:      txn.Amount,
		Currency:    txn.Currency,
		Reference:   txn.GatewayReference,
		CallbackURL: s.cfg.CallbackURL,
		Metadata: map[string]string{
			"user_id":    userID.String(),
			"package_id": pkg.ID.String(),
		},
	})
	if err != nil {
		log.Errorf("[Payment] checkout initialization failed for %s: %v", txn.GatewayReference, err)
		return nil, fmt.Errorf("initialize checkout: %w", err)
	}
	checkout.AuthorizationURL = resp.Data.AuthorizationURL
	return checkout, nil
}

// SubmitWebhook parses a raw gateway delivery and applies it.
func (s *PaymentService) SubmitWebhook(ctx context.Context, body []byte, signature string) (*SubmitResult, error) {
	ev := GatewayEvent{Signature: signature, Payload: body}

	n, parseErr := paystack.ParseWebhook(body)
	if parseErr == nil {
		ev.EventType = n.Event
		ev.Reference = n.Reference
		ev.Status = n.Status
		ev.Amount = n.Amount
	} else if paystack.VerifySignature(body, signature, s.cfg.WebhookSecret) {
		// Signed by the gateway but unreadable: keep it for review.
		if _, row, err := recordGatewayEvent(ctx, s.uow.DB(), ev, true); err == nil {
			_ = markGatewayEventProcessed(ctx, s.uow.DB(), row, s.clock(), parseErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedStatus, parseErr)
	}

	return s.SubmitEvent(ctx, ev)
}

// SubmitEvent applies one gateway delivery. Signature and amount are checked
// before the unit of work; the transition and the grant happen inside it.
func (s *PaymentService) SubmitEvent(ctx context.Context, ev GatewayEvent) (*SubmitResult, error) {
	valid := paystack.VerifySignature(ev.Payload, ev.Signature, s.cfg.WebhookSecret)

	_, row, err := recordGatewayEvent(ctx, s.uow.DB(), ev, valid)
	if err != nil {
		log.Errorf("[Payment] failed to record gateway event for %s: %v", ev.Reference, err)
		row = nil
	}

	result, err := s.applyEvent(ctx, ev, valid)
	if row != nil {
		if markErr := markGatewayEventProcessed(ctx, s.uow.DB(), row, s.clock(), err); markErr != nil {
			log.Warnf("[Payment] failed to mark gateway event %s processed: %v", row.ID, markErr)
		}
	}
	return result, err
}

func (s *PaymentService) applyEvent(ctx context.Context, ev GatewayEvent, signatureValid bool) (*SubmitResult, error) {
	if !signatureValid {
		log.Warnf("[Payment] rejected delivery for %q: invalid signature", ev.Reference)
		return nil, ErrInvalidSignature
	}

	outcome, err := classify(ev)
	if err != nil {
		log.Warnf("[Payment] rejected delivery for %q: event=%s status=%s", ev.Reference, ev.EventType, ev.Status)
		return nil, err
	}

	txn, err := s.findByReference(ctx, ev.Reference)
	if err != nil {
		if errors.Is(err, ErrUnknownTransaction) {
			log.Warnf("[Payment] delivery for unknown reference %q", ev.Reference)
		}
		return nil, err
	}

	if amountMustMatch(outcome, txn.Status) && ev.Amount != txn.Amount {
		log.Warnf("[Payment] amount mismatch on %s: reported=%d recorded=%d", txn.GatewayReference, ev.Amount, txn.Amount)
		s.reject(ctx, txn, ErrAmountMismatch, ev.Amount)
		return nil, ErrAmountMismatch
	}

	var (
		result    = &SubmitResult{}
		published []events.Event
	)
	err = s.uow.Do(ctx, []string{userKey(txn.UserID), paymentKey(txn.GatewayReference)}, func(tx *gorm.DB) error {
		var current models.PaymentTransaction
		if err := forUpdate(tx).First(&current, "id = ?", txn.ID).Error; err != nil {
			return err
		}
		result.Transaction = &current
		now := s.clock()

		switch outcome {
		case outcomeSuccess:
			switch current.Status {
			case models.PaymentStatusVerified, models.PaymentStatusRefunded:
				result.Duplicate = true
				return nil
			case models.PaymentStatusFailed:
				return ErrInvalidStateTransition
			}
			entry, err := s.verify(tx, &current, now)
			if err != nil {
				return err
			}
			result.Entry = entry
			published = append(published, events.New(events.PaymentVerified, current.ID, now, map[string]string{
				"reference": current.GatewayReference,
				"user_id":   current.UserID.String(),
				"package":   current.Package.PackageName,
				"amount":    strconv.FormatInt(current.Amount, 10),
				"currency":  current.Currency,
				"credits":   strconv.Itoa(entry.CreditsGranted),
			}))

		case outcomeFailure:
			if current.Status != models.PaymentStatusPending {
				result.Duplicate = true
				return nil
			}
			if err := current.TransitionTo(models.PaymentStatusFailed, now); err != nil {
				return err
			}
			if err := tx.Model(&current).Updates(map[string]interface{}{
				"status":    current.Status,
				"failed_at": current.FailedAt,
			}).Error; err != nil {
				return err
			}
			published = append(published, events.New(events.PaymentFailed, current.ID, now, map[string]string{
				"reference": current.GatewayReference,
				"user_id":   current.UserID.String(),
			}))

		case outcomeRefund:
			if current.Status == models.PaymentStatusRefunded {
				result.Duplicate = true
				return nil
			}
			if err := s.refund(tx, &current, now); err != nil {
				return err
			}
			published = append(published, events.New(events.PaymentRefunded, current.ID, now, map[string]string{
				"reference": current.GatewayReference,
				"user_id":   current.UserID.String(),
			}))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidStateTransition) {
			log.Warnf("[Payment] %s: gateway reported %s on a %s transaction", txn.GatewayReference, ev.Status, txn.Status)
			s.reject(ctx, txn, ErrInvalidStateTransition, ev.Amount)
		}
		return nil, err
	}

	if result.Duplicate {
		log.Infof("[Payment] duplicate delivery for %s ignored (status=%s)", txn.GatewayReference, result.Transaction.Status)
		if result.Transaction.Status.Settled() {
			var entry models.CreditLedgerEntry
			if err := s.uow.DB().WithContext(ctx).
				Where("payment_transaction_id = ?", txn.ID).
				First(&entry).Error; err == nil {
				result.Entry = &entry
			}
		}
	}

	for _, e := range published {
		_ = s.publisher.Publish(ctx, e)
	}
	return result, nil
}

// amountMustMatch reports whether a delivery would move money state and so
// has to carry the recorded amount. Redeliveries on a settled transaction
// fall through to the duplicate path whatever amount they report.
func amountMustMatch(outcome gatewayOutcome, status models.PaymentStatus) bool {
	switch outcome {
	case outcomeSuccess:
		return status == models.PaymentStatusPending
	case outcomeRefund:
		return status == models.PaymentStatusVerified
	}
	return false
}

// verify moves a pending transaction to verified and grants its credits.
func (s *PaymentService) verify(tx *gorm.DB, txn *models.PaymentTransaction, now time.Time) (*models.CreditLedgerEntry, error) {
	if err := txn.TransitionTo(models.PaymentStatusVerified, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
	}
	if err := tx.Model(txn).Updates(map[string]interface{}{
		"status":      txn.Status,
		"verified_at": txn.VerifiedAt,
	}).Error; err != nil {
		return nil, err
	}

	entry, err := s.ledger.Grant(tx, txn.UserID, txn.ID, txn.Package, now)
	if errors.Is(err, ErrDuplicateGrant) {
		log.Warnf("[Payment] %s already had a ledger entry; keeping it", txn.GatewayReference)
		return entry, nil
	}
	if err != nil {
		return nil, err
	}

	log.Infof("[Payment] %s verified: %d credits for user %s", txn.GatewayReference, entry.CreditsGranted, txn.UserID)
	return entry, nil
}

// refund moves a verified transaction to refunded and revokes its entry.
func (s *PaymentService) refund(tx *gorm.DB, txn *models.PaymentTransaction, now time.Time) error {
	if err := txn.TransitionTo(models.PaymentStatusRefunded, now); err != nil {
		return ErrInvalidStateTransition
	}
	if err := tx.Model(txn).Updates(map[string]interface{}{
		"status":      txn.Status,
		"refunded_at": txn.RefundedAt,
	}).Error; err != nil {
		return err
	}
	if err := s.ledger.Revoke(tx, txn.ID, now); err != nil {
		return err
	}
	log.Infof("[Payment] %s refunded; remaining credits revoked", txn.GatewayReference)
	return nil
}

// RefundTransaction refunds a verified payment on an administrator's request.
func (s *PaymentService) RefundTransaction(ctx context.Context, reference string) (*models.PaymentTransaction, error) {
	txn, err := s.findByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	var (
		out      models.PaymentTransaction
		refunded bool
	)
	err = s.uow.Do(ctx, []string{userKey(txn.UserID), paymentKey(txn.GatewayReference)}, func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&out, "id = ?", txn.ID).Error; err != nil {
			return err
		}
		if out.Status == models.PaymentStatusRefunded {
			return nil
		}
		if err := s.refund(tx, &out, s.clock()); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if refunded {
		_ = s.publisher.Publish(ctx, events.New(events.PaymentRefunded, out.ID, s.clock(), map[string]string{
			"reference": out.GatewayReference,
			"user_id":   out.UserID.String(),
		}))
	}
	return &out, nil
}

// GetTransaction loads a transaction by its gateway reference.
func (s *PaymentService) GetTransaction(ctx context.Context, reference string) (*models.PaymentTransaction, error) {
	return s.findByReference(ctx, reference)
}

// ListTransactions returns a page of the user's transactions, newest first.
func (s *PaymentService) ListTransactions(ctx context.Context, userID uuid.UUID, pg utils.Pagination) ([]models.PaymentTransaction, int64, error) {
	q := s.uow.DB().WithContext(ctx).Model(&models.PaymentTransaction{}).Where("user_id = ?", userID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := pg.Limit
	if limit <= 0 {
		limit = 20
	}
	var txns []models.PaymentTransaction
	if err := q.Order("created_at desc").Limit(limit).Offset(pg.Offset).Find(&txns).Error; err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

// ListGatewayEvents returns recorded deliveries for manual review.
func (s *PaymentService) ListGatewayEvents(ctx context.Context, f GatewayEventFilter) ([]models.GatewayEvent, int64, error) {
	return listGatewayEvents(ctx, s.uow.DB(), f)
}

func (s *PaymentService) findByReference(ctx context.Context, reference string) (*models.PaymentTransaction, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrUnknownTransaction
	}
	var txn models.PaymentTransaction
	if err := s.uow.DB().WithContext(ctx).
		Where("gateway_reference = ?", reference).
		First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownTransaction
		}
		return nil, err
	}
	return &txn, nil
}

// reject announces a delivery that needs manual review.
func (s *PaymentService) reject(ctx context.Context, txn *models.PaymentTransaction, reason *Error, reportedAmount int64) {
	_ = s.publisher.Publish(ctx, events.New(events.PaymentRejected, txn.ID, s.clock(), map[string]string{
		"reference":       txn.GatewayReference,
		"reason":          reason.Name,
		"status":          string(txn.Status),
		"amount":          strconv.FormatInt(txn.Amount, 10),
		"reported_amount": strconv.FormatInt(reportedAmount, 10),
		"currency":        txn.Currency,
	}))
}

func classify(ev GatewayEvent) (gatewayOutcome, error) {
	if ev.EventType == paystack.EventRefundProcessed {
		return outcomeRefund, nil
	}
	switch strings.ToLower(strings.TrimSpace(ev.Status)) {
	case "success":
		return outcomeSuccess, nil
	case "failed", "abandoned", "reversed":
		return outcomeFailure, nil
	}
	return 0, ErrUnsupportedStatus
}

func newReference() string {
	return "MW-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func checkoutEmail(u *models.User) string {
	local := u.AnonymousID
	if local == "" {
		local = u.ID.String()
	}
	return strings.ToLower(local) + "@clients.mentwel.app"
}
