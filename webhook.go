package porch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Alert Webhook
// ============================================================================
//
// Emergency and system alerts can reach a device without a live broker
// connection: the backend's edge functions POST them to a registered
// endpoint. Verified payloads feed the Notification Engine like any other
// raw event.

// AlertPayload is the signed alert webhook body.
type AlertPayload struct {
	Source       string           `json:"source"`
	Event        string           `json:"event"`
	Timestamp    int64            `json:"timestamp"`
	ID           string           `json:"id"`
	Kind         NotificationKind `json:"kind"`
	OriginatorID string           `json:"originatorId"`
	Title        string           `json:"title"`
	Body         string           `json:"body"`
	Priority     Priority         `json:"priority"`
}

// VerifyWebhookSignature verifies an alert webhook signature using
// HMAC-SHA256 with constant-time comparison.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseAlertPayload parses and validates a raw alert webhook body.
func ParseAlertPayload(body string) (*AlertPayload, error) {
	var payload AlertPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Source != "porch_alerts" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.ID == "" || payload.Kind == "" {
		return nil, fmt.Errorf("missing required fields in webhook payload (id, kind)")
	}
	return &payload, nil
}

// RawEvent converts the payload into a notification candidate.
func (p *AlertPayload) RawEvent() RawEvent {
	return RawEvent{
		ID:           p.ID,
		Kind:         p.Kind,
		OriginatorID: p.OriginatorID,
		Title:        p.Title,
		Body:         p.Body,
		Priority:     p.Priority,
		CreatedAt:    time.Unix(p.Timestamp, 0),
	}
}

// ============================================================================
// AlertWebhook
// ============================================================================

// AlertWebhook verifies, parses, and dispatches signed alert webhooks into
// an Engine.
type AlertWebhook struct {
	secret string
	engine *Engine
}

// NewAlertWebhook creates a webhook receiver feeding engine.
func NewAlertWebhook(secret string, engine *Engine) (*AlertWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &AlertWebhook{secret: secret, engine: engine}, nil
}

// Verify checks the HMAC-SHA256 signature.
func (w *AlertWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes one webhook request (verify + parse + arbitrate).
// Returns the status code and response body for the caller to write.
func (w *AlertWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseAlertPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	outcome := w.engine.OnRawEvent(context.Background(), payload.RawEvent())
	return http.StatusOK, map[string]any{
		"ok":        true,
		"delivered": outcome.Delivered,
		"reason":    string(outcome.Reason),
	}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
func (w *AlertWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")

		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get("X-Porch-Signature"))
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}
