package paystack

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Notification is the subset of a webhook delivery the payment core trusts.
type Notification struct {
	Event     string
	Reference string
	Status    string
	Amount    int64
	Currency  string
}

// IsRefund reports whether the notification announces a processed refund.
func (n Notification) IsRefund() bool {
	return n.Event == EventRefundProcessed
}

// ParseWebhook decodes a raw webhook body into a Notification.
func ParseWebhook(body []byte) (*Notification, error) {
	var env WebhookEvent
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("paystack: decode webhook: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("paystack: webhook without event name")
	}

	if strings.HasPrefix(env.Event, "refund.") {
		var data RefundData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("paystack: decode refund data: %w", err)
		}
		return &Notification{
			Event:     env.Event,
			Reference: strings.TrimSpace(data.TransactionReference),
			Status:    data.Status,
			Amount:    data.Amount,
			Currency:  data.Currency,
		}, nil
	}

	var data ChargeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("paystack: decode charge data: %w", err)
	}
	status := data.Status
	if status == "" {
		// charge.success deliveries always mean success even if data.status is trimmed.
		switch env.Event {
		case EventChargeSuccess:
			status = "success"
		case EventChargeFailed:
			status = "failed"
		}
	}
	return &Notification{
		Event:     env.Event,
		Reference: strings.TrimSpace(data.Reference),
		Status:    status,
		Amount:    data.Amount,
		Currency:  data.Currency,
	}, nil
}
