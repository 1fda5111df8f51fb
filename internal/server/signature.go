package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignaturePrefix precedes the hex digest in X-Hub-Signature-256.
const SignaturePrefix = "sha256="

// VerifySignature checks a GitHub X-Hub-Signature-256 header against the
// HMAC-SHA256 of payload keyed with the workspace secret.
func VerifySignature(payload []byte, signature, secret string) bool {
	received, ok := strings.CutPrefix(signature, SignaturePrefix)
	if !ok || received == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(received))
}
