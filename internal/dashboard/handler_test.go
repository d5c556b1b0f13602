package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filmgen/backend/internal/ledger"
	"github.com/filmgen/backend/internal/middleware"
	"github.com/filmgen/backend/internal/models"
	"github.com/filmgen/backend/internal/repository"
)

type oneUser struct{ u *models.User }

func (o oneUser) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	if id != o.u.ID {
		return nil, repository.ErrNotFound
	}
	return o.u, nil
}

type memLedger struct {
	ledger.Service
	balance int
	txs     []*models.Transaction
}

func (l *memLedger) GetOrCreateBalance(_ context.Context, userID uuid.UUID) (*models.Balance, error) {
	return &models.Balance{UserID: userID, Balance: l.balance}, nil
}

func (l *memLedger) CheckBalance(_ context.Context, _ uuid.UUID, required int) (ledger.BalanceCheck, error) {
	return ledger.BalanceCheck{HasEnough: l.balance >= required, Balance: l.balance, Required: required}, nil
}

func (l *memLedger) Cost(action string) (int, error) {
	if action == "video" {
		return 25, nil
	}
	return 0, ledger.ErrUnknownAction
}

func (l *memLedger) Add(_ context.Context, p ledger.AddParams) (*models.Balance, error) {
	l.balance += p.Amount
	l.txs = append(l.txs, &models.Transaction{UserID: p.UserID, Amount: p.Amount, Type: p.Type, Description: p.Description})
	return &models.Balance{UserID: p.UserID, Balance: l.balance}, nil
}

func (l *memLedger) ListTransactions(context.Context, uuid.UUID, int, int) ([]*models.Transaction, error) {
	return l.txs, nil
}

type memNotes struct {
	list []*models.Notification
}

func (m *memNotes) List(_ context.Context, _ uuid.UUID, unreadOnly bool, _, _ int) ([]*models.Notification, error) {
	var out []*models.Notification
	for _, n := range m.list {
		if !unreadOnly || !n.Read {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memNotes) MarkRead(_ context.Context, _, id uuid.UUID) error {
	for _, n := range m.list {
		if n.ID == id {
			n.Read = true
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memNotes) MarkAllRead(context.Context, uuid.UUID) (int64, error) {
	var n int64
	for _, x := range m.list {
		if !x.Read {
			x.Read = true
			n++
		}
	}
	return n, nil
}

func TestDashboard(t *testing.T) {
	user := &models.User{ID: uuid.New(), Email: "e@example.com", Name: "E", PasswordHash: "secret-hash"}
	l := &memLedger{balance: 40}
	notes := &memNotes{list: []*models.Notification{
		{ID: uuid.New(), Type: models.NotificationRequestApproved},
		{ID: uuid.New(), Type: models.NotificationGenerationFailed, Read: true},
	}}
	h := NewHandler(oneUser{user}, l, notes, "", nil)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /account/me", h.GetMe)
	mux.HandleFunc("GET /credit-ledger", h.ListCreditLedger)
	mux.HandleFunc("POST /credits/check", h.CheckCredits)
	mux.HandleFunc("GET /notifications", h.ListNotifications)
	mux.HandleFunc("POST /notifications/{id}/read", h.MarkRead)
	mux.HandleFunc("POST /notifications/read-all", h.MarkAllRead)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req = req.WithContext(middleware.WithUserID(req.Context(), user.ID))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodGet, "/account/me", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"e@example.com"`)
	assert.Contains(t, rec.Body.String(), `"balance":40`)
	assert.NotContains(t, rec.Body.String(), "secret-hash")

	rec = do(http.MethodPost, "/credits/check", `{"action":"video","quantity":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var check ledger.BalanceCheck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	assert.Equal(t, ledger.BalanceCheck{HasEnough: false, Balance: 40, Required: 50}, check)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/credits/check", `{"action":"sculpture"}`).Code)

	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/credits/purchase", `{"amount":100}`).Code)
	_, err := l.Add(context.Background(), ledger.AddParams{UserID: user.ID, Amount: 100, Type: models.TxTypePurchase})
	require.NoError(t, err)

	rec = do(http.MethodGet, "/credit-ledger", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"amount":100`)

	rec = do(http.MethodGet, "/notifications?unread=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var unread []models.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &unread))
	assert.Len(t, unread, 1)

	assert.Equal(t, http.StatusNoContent, do(http.MethodPost, "/notifications/"+notes.list[0].ID.String()+"/read", "").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/notifications/"+uuid.NewString()+"/read", "").Code)

	notes.list[0].Read = false
	rec = do(http.MethodPost, "/notifications/read-all", "")
	assert.JSONEq(t, `{"updated":1}`, rec.Body.String())
}

func TestPaymentWebhook(t *testing.T) {
	secret := []byte("whsec-test")
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	buyer := uuid.New()
	l := &memLedger{}
	h := NewHandler(oneUser{&models.User{ID: buyer}}, l, &memNotes{}, string(secret), nil)
	h.now = func() time.Time { return now }

	send := func(h *Handler, body, sig string, ts time.Time) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(body))
		req.Header.Set(timestampHeader, strconv.FormatInt(ts.Unix(), 10))
		req.Header.Set(signatureHeader, sig)
		rec := httptest.NewRecorder()
		h.PaymentWebhook(rec, req)
		return rec
	}
	body := `{"user_id":"` + buyer.String() + `","amount":500,"reference":"cs_123"}`

	t.Run("signed call grants credits", func(t *testing.T) {
		rec := send(h, body, SignPayment(secret, now, []byte(body)), now)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, 500, l.balance)
		require.Len(t, l.txs, 1)
		assert.Equal(t, buyer, l.txs[0].UserID)
		assert.Equal(t, models.TxTypePurchase, l.txs[0].Type)
		assert.Equal(t, "Credit purchase", l.txs[0].Description)
	})

	t.Run("rejected calls grant nothing", func(t *testing.T) {
		before := l.balance
		forged := SignPayment([]byte("guess"), now, []byte(body))
		assert.Equal(t, http.StatusUnauthorized, send(h, body, forged, now).Code)
		assert.Equal(t, http.StatusUnauthorized, send(h, body, "", now).Code)

		old := now.Add(-time.Hour)
		assert.Equal(t, http.StatusUnauthorized, send(h, body, SignPayment(secret, old, []byte(body)), old).Code)

		tampered := strings.Replace(body, "500", "99999", 1)
		assert.Equal(t, http.StatusUnauthorized, send(h, tampered, SignPayment(secret, now, []byte(body)), now).Code)

		huge := `{"user_id":"` + buyer.String() + `","amount":100001,"reference":"cs_9"}`
		assert.Equal(t, http.StatusBadRequest, send(h, huge, SignPayment(secret, now, []byte(huge)), now).Code)
		noRef := `{"user_id":"` + buyer.String() + `","amount":5}`
		assert.Equal(t, http.StatusBadRequest, send(h, noRef, SignPayment(secret, now, []byte(noRef)), now).Code)
		assert.Equal(t, before, l.balance)
	})

	t.Run("disabled without a secret", func(t *testing.T) {
		off := NewHandler(oneUser{&models.User{ID: buyer}}, l, &memNotes{}, "", nil)
		assert.Equal(t, http.StatusNotFound, send(off, body, SignPayment(nil, now, []byte(body)), now).Code)
	})
}
