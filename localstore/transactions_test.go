// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func accountBalance(t *testing.T, s *Store, id string) decimal.Decimal {
	t.Helper()
	a, err := s.AccountByID(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func createTx(t *testing.T, s *Store, tr *Transaction) *Transaction {
	t.Helper()
	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		return tx.CreateTransaction(tr)
	}))
	return tr
}

func TestCreateTransactionAdjustsBalance(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s)
	a := seedAccount(t, s, u.ID, decimal.NewFromInt(100))
	require.True(t, accountBalance(t, s, a.ID).Equal(decimal.NewFromInt(100)))

	createTx(t, s, &Transaction{
		UserID: u.ID, AccountID: a.ID,
		TxType: TxCashIn, Amount: decimal.NewFromInt(50),
	})
	require.True(t, accountBalance(t, s, a.ID).Equal(decimal.NewFromInt(150)))

	createTx(t, s, &Transaction{
		UserID: u.ID, AccountID: a.ID,
		TxType: TxSendOut, Amount: decimal.NewFromInt(30),
	})
	require.True(t, accountBalance(t, s, a.ID).Equal(decimal.NewFromInt(120)))
}

func TestRecurringAndOnBehalfTransactionsLeaveBalanceAlone(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s)
	a := seedAccount(t, s, u.ID, decimal.NewFromInt(100))

	createTx(t, s, &Transaction{
		UserID: u.ID, AccountID: a.ID,
		TxType: TxCashOut, Amount: decimal.NewFromInt(40), Recurring: true,
	})
	createTx(t, s, &Transaction{
		UserID: u.ID, AccountID: a.ID,
		TxType: TxCashOut, Amount: decimal.NewFromInt(40), OnBehalfOf: true,
	})
	require.True(t, accountBalance(t, s, a.ID).Equal(decimal.NewFromInt(100)))
}

func TestUpdateTransactionMovesBalanceEffect(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s)
	a := seedAccount(t, s, u.ID, decimal.NewFromInt(100))
	tr := createTx(t, s, &Transaction{
		UserID: u.ID, AccountID: a.ID,
		TxType: TxCashIn, Amount: decimal.NewFromInt(50),
	})

	tr.Amount = decimal.NewFromInt(20)
	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		return tx.UpdateTransaction(tr)
	}))
	require.True(t, accountBalance(t, s, a.ID).Equal(decimal.NewFromInt(120)))
}

func TestUpdateTransactionAcrossAccounts(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s)
	a := seedAccount(t, s, u.ID, decimal.NewFromInt(100))
	b := seedAccount(t, s, u.ID, decimal.NewFromInt(100))
	tr := createTx(t, s, &Transaction{
		UserID: u.ID, AccountID: a.ID,
		TxType: TxCashIn, Amount: decimal.NewFromInt(50),
	})

	tr.AccountID = b.ID
	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		return tx.UpdateTransaction(tr)
	}))
	require.True(t, accountBalance(t, s, a.ID).Equal(decimal.NewFromInt(100)))
	require.True(t, accountBalance(t, s, b.ID).Equal(decimal.NewFromInt(150)))
}

func TestDeleteTransactionRevertsBalance(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s)
	a := seedAccount(t, s, u.ID, decimal.NewFromInt(100))
	tr := createTx(t, s, &Transaction{
		UserID: u.ID, AccountID: a.ID,
		TxType: TxCashOut, Amount: decimal.NewFromInt(25),
	})
	require.True(t, accountBalance(t, s, a.ID).Equal(decimal.NewFromInt(75)))

	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		return tx.DeleteTransaction(tr.ID)
	}))
	require.True(t, accountBalance(t, s, a.ID).Equal(decimal.NewFromInt(100)))
	_, err := s.TransactionByID(context.Background(), tr.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelTransactionRevertsBalanceOnce(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s)
	a := seedAccount(t, s, u.ID, decimal.NewFromInt(100))
	tr := createTx(t, s, &Transaction{
		UserID: u.ID, AccountID: a.ID,
		TxType: TxCashIn, Amount: decimal.NewFromInt(50),
	})

	for i := 0; i < 2; i++ { // canceling twice must not double-revert
		require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
			return tx.CancelTransaction(tr.ID)
		}))
	}
	require.True(t, accountBalance(t, s, a.ID).Equal(decimal.NewFromInt(100)))

	got, err := s.TransactionByID(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Equal(t, TxCanceled, got.Status)
}

func seedProxyPayment(t *testing.T, s *Store, userID, accountID, contactID string) (*ProxyPayment, *Transaction, *Transaction) {
	t.Helper()
	original := &Transaction{
		UserID: userID, AccountID: accountID,
		TxType: TxCashOut, Amount: decimal.NewFromInt(30),
		Note: "paid for dinner",
	}
	adjustment := &Transaction{
		UserID: userID, AccountID: accountID, ContactID: &contactID,
		TxType: TxLend, Amount: decimal.NewFromInt(30),
		Note: "debt adjustment",
	}
	var pp *ProxyPayment
	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		var err error
		pp, err = tx.CreateProxyPayment(original, adjustment, contactID)
		return err
	}))
	return pp, original, adjustment
}

func TestProxyPaymentCreateBalancesOnlyAdjustment(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s)
	a := seedAccount(t, s, u.ID, decimal.NewFromInt(100))
	c := &Contact{UserID: u.ID, Name: "Bilal"}
	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		return tx.CreateContact(c)
	}))

	_, original, _ := seedProxyPayment(t, s, u.ID, a.ID, c.ID)

	// The original leg is on-behalf-of, so only the adjustment moves money.
	require.True(t, accountBalance(t, s, a.ID).Equal(decimal.NewFromInt(70)))

	got, err := s.TransactionByID(context.Background(), original.ID)
	require.NoError(t, err)
	require.True(t, got.OnBehalfOf)
	require.Equal(t, &c.ID, got.ContactID)
}

func TestDeleteOriginalCascadesToProxyPayment(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s)
	a := seedAccount(t, s, u.ID, decimal.NewFromInt(100))
	c := &Contact{UserID: u.ID, Name: "Bilal"}
	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		return tx.CreateContact(c)
	}))
	pp, original, adjustment := seedProxyPayment(t, s, u.ID, a.ID, c.ID)
	require.Equal(t, original.ID, pp.OriginalTxID)

	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		return tx.DeleteTransaction(original.ID)
	}))

	require.True(t, accountBalance(t, s, a.ID).Equal(decimal.NewFromInt(100)))
	_, err := s.TransactionByID(context.Background(), original.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.TransactionByID(context.Background(), adjustment.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.ProxyPaymentByOriginal(context.Background(), original.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelOriginalCancelsBothLegs(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s)
	a := seedAccount(t, s, u.ID, decimal.NewFromInt(100))
	c := &Contact{UserID: u.ID, Name: "Bilal"}
	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		return tx.CreateContact(c)
	}))
	_, original, adjustment := seedProxyPayment(t, s, u.ID, a.ID, c.ID)

	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		return tx.CancelTransaction(original.ID)
	}))

	require.True(t, accountBalance(t, s, a.ID).Equal(decimal.NewFromInt(100)))
	for _, id := range []string{original.ID, adjustment.ID} {
		got, err := s.TransactionByID(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, TxCanceled, got.Status)
	}
}
