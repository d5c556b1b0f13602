package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filmgen/backend/internal/ledger"
	"github.com/filmgen/backend/internal/models"
)

type recordingLedger struct {
	ledger.Service
	balance int
	added   []ledger.AddParams
}

func (l *recordingLedger) GetOrCreateBalance(_ context.Context, userID uuid.UUID) (*models.Balance, error) {
	return &models.Balance{UserID: userID, Balance: l.balance}, nil
}

func (l *recordingLedger) Add(_ context.Context, p ledger.AddParams) (*models.Balance, error) {
	l.added = append(l.added, p)
	l.balance += p.Amount
	return &models.Balance{UserID: p.UserID, Balance: l.balance}, nil
}

func TestRunGrant(t *testing.T) {
	ctx := context.Background()
	user := uuid.New()
	l := &recordingLedger{balance: 5}
	var out bytes.Buffer

	err := runGrant(ctx, l, &out, grantOptions{user: user.String(), amount: 50, txType: "Refund"})
	require.NoError(t, err)
	require.Len(t, l.added, 1)
	assert.Equal(t, models.TxTypeRefund, l.added[0].Type)
	assert.Equal(t, "Manual refund", l.added[0].Description)
	assert.Contains(t, out.String(), "balance 55")

	err = runGrant(ctx, l, &out, grantOptions{user: user.String(), amount: 10, txType: "purchase", description: "invoice 7"})
	require.NoError(t, err)
	assert.Equal(t, "invoice 7", l.added[1].Description)

	for name, opts := range map[string]grantOptions{
		"bad user":     {user: "nope", amount: 1, txType: "bonus"},
		"zero amount":  {user: user.String(), amount: 0, txType: "bonus"},
		"unknown type": {user: user.String(), amount: 1, txType: "image"},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, runGrant(ctx, l, &out, opts))
		})
	}
	assert.Len(t, l.added, 2)
}

func TestRunBalance(t *testing.T) {
	user := uuid.New()
	var out bytes.Buffer
	require.NoError(t, runBalance(context.Background(), &recordingLedger{balance: 42}, &out, user.String()))
	assert.Equal(t, user.String()+"\t42\n", out.String())
	assert.Error(t, runBalance(context.Background(), &recordingLedger{}, &out, "x"))
}

func TestCommandTree(t *testing.T) {
	cmd, _, err := newRootCmd().Find([]string{"credits", "grant"})
	require.NoError(t, err)
	assert.Equal(t, "grant", cmd.Name())
	assert.NotNil(t, cmd.Flags().Lookup("description"))

	cmd, _, err = newRootCmd().Find([]string{"migrate", "down"})
	require.NoError(t, err)
	assert.Equal(t, "down", cmd.Name())
}
