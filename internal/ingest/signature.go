package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"deliveryd/internal/delivery"
)

// SignatureHeader carries "sha256=<hex HMAC-SHA256(app secret, body)>".
const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature checks header against body. An empty secret never verifies.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return delivery.ErrSignatureInvalid
	}
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return delivery.ErrSignatureInvalid
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return delivery.ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return delivery.ErrSignatureInvalid
	}
	return nil
}

// Sign returns the header value for body. Used by tests and local tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
