package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/example/mentwel/internal/events"
)

// TelegramService sends admin alerts to a Telegram chat.
type TelegramService struct {
	botToken    string
	adminChatID string
	apiBaseURL  string
	httpClient  *http.Client
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(botToken, adminChatID string) *TelegramService {
	return &TelegramService{
		botToken:    botToken,
		adminChatID: adminChatID,
		apiBaseURL:  "https://api.telegram.org",
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether both the token and the admin chat are configured.
func (s *TelegramService) Enabled() bool {
	return s != nil && s.botToken != "" && s.adminChatID != ""
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends a message to specified chat.
func (s *TelegramService) SendMessage(ctx context.Context, chatID, text string) error {
	if s.botToken == "" {
		log.Debug("[Telegram] Bot token not configured")
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBaseURL, s.botToken)

	body, err := json.Marshal(telegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Warnf("[Telegram] Failed to send message: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warnf("[Telegram] Unexpected status: %d", resp.StatusCode)
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	return nil
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(ctx context.Context, text string) error {
	if s.adminChatID == "" {
		log.Debug("[Telegram] Admin chat ID not configured")
		return nil
	}
	return s.SendMessage(ctx, s.adminChatID, text)
}

// FormatAmount renders minor units as major units with thousand separators,
// e.g. 1350000 NGN becomes "13,500.00 NGN".
func FormatAmount(minor int64, currency string) string {
	if currency == "" {
		currency = "NGN"
	}
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}

	str := strconv.FormatInt(minor/100, 10)
	var result strings.Builder
	length := len(str)
	for i, digit := range str {
		if i > 0 && (length-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}

	return fmt.Sprintf("%s%s.%02d %s", sign, result.String(), minor%100, currency)
}

// Publish implements events.Publisher. Only events an operator has to see
// produce a message; the rest are ignored.
func (s *TelegramService) Publish(ctx context.Context, ev events.Event) error {
	if !s.Enabled() {
		return nil
	}
	text, ok := formatAdminAlert(ev)
	if !ok {
		return nil
	}
	return s.SendToAdmin(ctx, text)
}

func formatAdminAlert(ev events.Event) (string, bool) {
	attrs := ev.Attributes
	amount := func(key string) string {
		v, err := strconv.ParseInt(attrs[key], 10, 64)
		if err != nil {
			return attrs[key]
		}
		return FormatAmount(v, attrs["currency"])
	}

	switch ev.Type {
	case events.PaymentVerified:
		return strings.TrimSpace(fmt.Sprintf(`<b>✅ PAYMENT VERIFIED</b>
<b>Reference:</b> %s
<b>Package:</b> %s
<b>Credits:</b> %s
<b>Amount:</b> %s
━━━━━━━━━━━━━━━━━━
<i>MentWel</i>`,
			attrs["reference"],
			attrs["package"],
			attrs["credits"],
			amount("amount"),
		)), true

	case events.PaymentRejected:
		return strings.TrimSpace(fmt.Sprintf(`<b>⚠️ PAYMENT NEEDS REVIEW</b>
<b>Reference:</b> %s
<b>Reason:</b> %s
<b>Status:</b> %s
<b>Recorded:</b> %s
<b>Reported:</b> %s
━━━━━━━━━━━━━━━━━━
<i>MentWel</i>`,
			attrs["reference"],
			attrs["reason"],
			attrs["status"],
			amount("amount"),
			amount("reported_amount"),
		)), true

	case events.PaymentRefunded:
		return fmt.Sprintf("<b>↩️ PAYMENT REFUNDED</b>\n<b>Reference:</b> %s", attrs["reference"]), true
	}
	return "", false
}
