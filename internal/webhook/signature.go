package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/SirClappington/enrichq/internal/outbox"
)

// SignatureHeaders are checked in order.
var SignatureHeaders = []string{"x-webhook-signature", "x-hub-signature-256"}

// Signature returns the first signature header present on h.
func Signature(h http.Header) string {
	for _, name := range SignatureHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// Verify checks sig, either bare hex or "sha256=<hex>", in constant time.
func Verify(secret string, body []byte, sig string) bool {
	sig = strings.TrimSpace(sig)
	sig = strings.TrimPrefix(sig, "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	want, _ := hex.DecodeString(outbox.Sign(secret, body))
	return hmac.Equal(got, want)
}
