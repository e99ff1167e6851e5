package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/stagehand/internal/apperr"
)

// Provider verifies and parses one payment provider's webhooks.
type Provider interface {
	Name() string
	VerifySignature(signature string, payload []byte) bool
	ParseEvent(payload []byte) (Event, error)
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACProvider accepts the normalized event shape signed with a shared
// secret. The demo provider and any provider configured through
// WEBHOOK_SECRETS use it.
type HMACProvider struct {
	name   string
	secret string
}

func NewHMACProvider(name, secret string) *HMACProvider {
	return &HMACProvider{name: name, secret: secret}
}

func (p *HMACProvider) Name() string { return p.name }

func (p *HMACProvider) VerifySignature(signature string, payload []byte) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	expected := Sign(p.secret, payload)
	return hmac.Equal([]byte(signature), []byte(expected))
}

type wirePayload struct {
	EventID        string          `json:"eventId"`
	Type           EventType       `json:"type"`
	OrganizationID string          `json:"organizationId"`
	InvoiceID      string          `json:"invoiceId"`
	ProviderRef    string          `json:"providerRef"`
	AmountCents    json.RawMessage `json:"amountCents"`
	Currency       string          `json:"currency"`
	OccurredAt     string          `json:"occurredAt"`
}

func (p *HMACProvider) ParseEvent(payload []byte) (Event, error) {
	var w wirePayload
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, apperr.Validation("invalid webhook payload")
	}

	if w.EventID == "" || w.Type == "" || w.OrganizationID == "" || w.InvoiceID == "" ||
		w.ProviderRef == "" || w.Currency == "" || len(w.AmountCents) == 0 || string(w.AmountCents) == "null" {
		return Event{}, apperr.Validation("invalid webhook payload: missing field")
	}
	if _, ok := w.Type.PaymentStatus(); !ok {
		return Event{}, apperr.Validation("invalid webhook payload: unknown event type %q", w.Type)
	}
	amount, ok := parseAmount(w.AmountCents)
	if !ok {
		return Event{}, apperr.Validation("invalid webhook payload: amountCents must be a non-negative integer")
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, w.OccurredAt)
	if err != nil {
		return Event{}, apperr.Validation("invalid webhook payload: bad occurredAt")
	}

	return Event{
		Provider:       p.name,
		EventID:        w.EventID,
		Type:           w.Type,
		OrganizationID: w.OrganizationID,
		InvoiceID:      w.InvoiceID,
		ProviderRef:    w.ProviderRef,
		AmountCents:    amount,
		Currency:       w.Currency,
		OccurredAt:     occurredAt.UTC(),
		Raw:            json.RawMessage(payload),
	}, nil
}

// parseAmount accepts a bare non-negative JSON integer. Quoted numbers,
// fractions and exponents are rejected.
func parseAmount(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || raw[0] < '0' || raw[0] > '9' {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	return n, err == nil
}

// ProvidersFromSecrets builds an HMACProvider per configured secret.
func ProvidersFromSecrets(secrets map[string]string) []Provider {
	out := make([]Provider, 0, len(secrets))
	for name, secret := range secrets {
		out = append(out, NewHMACProvider(name, secret))
	}
	return out
}
