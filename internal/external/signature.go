package external

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/resend/resend-go/v2"
)

// Webhook signature headers.
const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderPostmarkSecret   = "X-Postmark-Secret"
	HeaderSvixID           = "svix-id"
	HeaderSvixTimestamp    = "svix-timestamp"
	HeaderSvixSignature    = "svix-signature"
)

// ComputeHMAC returns the hex HMAC-SHA256 of body under secret.
func ComputeHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a hex HMAC-SHA256 signature, optionally prefixed with
// "sha256=", in constant time.
func VerifyHMAC(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	expected := ComputeHMAC(body, secret)
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

// VerifySharedSecret compares a static header value with the stored secret.
func VerifySharedSecret(got, secret string) bool {
	if secret == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// svixVerifier is the subset of the Resend webhook service used for
// signature checks.
type svixVerifier interface {
	Verify(options *resend.VerifyWebhookOptions) error
}

// VerifySvix checks Resend's svix headers: each space separated `v1,<sig>`
// entry is compared with base64 HMAC-SHA256 of `{id}.{timestamp}.{body}`
// keyed by the secret after its `whsec_` prefix. Timestamps outside the
// tolerance window are rejected.
func VerifySvix(v svixVerifier, body []byte, headers http.Header, secret string) bool {
	if secret == "" || len(body) == 0 {
		return false
	}
	err := v.Verify(&resend.VerifyWebhookOptions{
		Payload: string(body),
		Headers: resend.WebhookHeaders{
			Id:        headers.Get(HeaderSvixID),
			Timestamp: headers.Get(HeaderSvixTimestamp),
			Signature: headers.Get(HeaderSvixSignature),
		},
		WebhookSecret: secret,
	})
	return err == nil
}
