package paystack

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw request body.
const SignatureHeader = "x-paystack-signature"

// Sign returns the hex HMAC-SHA512 of payload keyed with secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the payload in constant time.
func VerifySignature(payload []byte, signature, secret string) bool {
	sig := strings.TrimSpace(signature)
	key := strings.TrimSpace(secret)
	if sig == "" || key == "" {
		return false
	}

	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	mac := hmac.New(sha512.New, []byte(key))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decoded)
}
