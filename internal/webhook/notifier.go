// Package webhook signs and verifies rotation event payloads.
//
// Signatures are HMAC-SHA256 over the canonical JSON encoding of the
// payload, hex-encoded. Canonical means the struct field order of
// model.RotationWebhookPayload with timestamps normalized to UTC, so
// signing and verification always operate on identical bytes.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cavelabs/caved/internal/model"
)

// Notifier produces signed rotation webhooks for outbound delivery and
// verifies signatures on inbound acknowledgements.
type Notifier struct {
	secret []byte
}

func NewNotifier(secret []byte) *Notifier {
	return &Notifier{secret: secret}
}

// ParseSecret decodes a configured webhook secret. Base64 values are
// decoded; anything else is used verbatim so plain-text secrets in env
// vars keep working.
func ParseSecret(raw string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) > 0 {
		return decoded
	}
	return []byte(raw)
}

// Sign canonicalizes the payload and returns it wrapped with a fresh
// event ID and its hex HMAC-SHA256 signature.
func (n *Notifier) Sign(payload model.RotationWebhookPayload) (model.SignedWebhook, error) {
	canonical, err := canonicalBytes(payload)
	if err != nil {
		return model.SignedWebhook{}, fmt.Errorf("canonicalize webhook payload: %w", err)
	}

	eventID, err := uuid.NewV7()
	if err != nil {
		return model.SignedWebhook{}, fmt.Errorf("generate event id: %w", err)
	}

	return model.SignedWebhook{
		EventID:   eventID.String(),
		Signature: n.sign(canonical),
		Payload:   payload,
	}, nil
}

// Verify checks a hex signature against the canonical form of a raw
// JSON payload body. Malformed JSON or a non-rotation payload fails
// verification rather than erroring.
func (n *Notifier) Verify(body []byte, signature string) bool {
	var payload model.RotationWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return n.VerifyPayload(payload, signature)
}

// VerifyPayload checks a hex signature against a decoded payload.
func (n *Notifier) VerifyPayload(payload model.RotationWebhookPayload, signature string) bool {
	canonical, err := canonicalBytes(payload)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(n.sign(canonical))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

func (n *Notifier) sign(canonical []byte) string {
	mac := hmac.New(sha256.New, n.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

func canonicalBytes(payload model.RotationWebhookPayload) ([]byte, error) {
	payload.RotatedAt = payload.RotatedAt.UTC()
	return json.Marshal(payload)
}
