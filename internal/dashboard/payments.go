package dashboard

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/apperr"
	"github.com/filmgen/backend/internal/handlers"
	"github.com/filmgen/backend/internal/ledger"
	"github.com/filmgen/backend/internal/models"
)

const (
	// maxPurchase caps a single purchase grant.
	maxPurchase = 100000

	signatureHeader = "X-Webhook-Signature"
	timestampHeader = "X-Webhook-Timestamp"
	signatureMaxAge = 5 * time.Minute
	maxWebhookBody  = 64 << 10
)

type paymentEvent struct {
	UserID      uuid.UUID `json:"user_id"`
	Amount      int       `json:"amount"`
	Reference   string    `json:"reference"`
	Description string    `json:"description"`
}

// SignPayment returns the signature header value for body sent at ts.
func SignPayment(secret []byte, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// PaymentWebhook handles POST /payments/webhook. The payment provider calls
// it once a checkout settles; only signed calls grant credits.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if len(h.webhookSecret) == 0 {
		handlers.WriteError(w, h.log, apperr.NotFound("payments"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		handlers.WriteError(w, h.log, apperr.Invalid("unreadable body"))
		return
	}
	if !h.validSignature(r, body) {
		h.log.Warn("payment webhook signature rejected", "remote", r.RemoteAddr)
		handlers.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var ev paymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		handlers.WriteError(w, h.log, apperr.Invalid("invalid JSON body"))
		return
	}
	if ev.UserID == uuid.Nil || strings.TrimSpace(ev.Reference) == "" {
		handlers.WriteError(w, h.log, apperr.Invalid("user_id and reference are required"))
		return
	}
	if ev.Amount <= 0 || ev.Amount > maxPurchase {
		handlers.WriteError(w, h.log, apperr.Invalid("amount must be between 1 and 100000"))
		return
	}
	desc := strings.TrimSpace(ev.Description)
	if desc == "" {
		desc = "Credit purchase"
	}
	b, err := h.ledger.Add(r.Context(), ledger.AddParams{
		UserID:      ev.UserID,
		Amount:      ev.Amount,
		Type:        models.TxTypePurchase,
		Description: desc,
		Metadata:    map[string]any{"payment_reference": ev.Reference},
	})
	if err != nil {
		handlers.WriteError(w, h.log, err)
		return
	}
	h.log.Info("credits purchased", "user_id", ev.UserID, "amount", ev.Amount, "reference", ev.Reference)
	handlers.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) validSignature(r *http.Request, body []byte) bool {
	sec, err := strconv.ParseInt(r.Header.Get(timestampHeader), 10, 64)
	if err != nil {
		return false
	}
	ts := time.Unix(sec, 0)
	if age := h.now().Sub(ts); age > signatureMaxAge || age < -signatureMaxAge {
		return false
	}
	want := SignPayment(h.webhookSecret, ts, body)
	return hmac.Equal([]byte(want), []byte(r.Header.Get(signatureHeader)))
}
