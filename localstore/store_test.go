// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smartdebt.db")
	s, err := Open(path, &Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store) *User {
	t.Helper()
	u := &User{Name: "Amina", Email: "amina@example.com"}
	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		return tx.CreateUser(u)
	}))
	return u
}

func seedAccount(t *testing.T, s *Store, userID string, initial decimal.Decimal) *Account {
	t.Helper()
	a := &Account{
		UserID:        userID,
		Name:          "Cash",
		AccountType:   "cash_in_cash_out",
		Currency:      "PKR",
		InitialAmount: initial,
	}
	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		return tx.CreateAccount(a)
	}))
	return a
}

func TestWriteRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s)

	boom := errors.New("boom")
	err := s.Write(context.Background(), func(tx *Tx) error {
		a := &Account{UserID: u.ID, Name: "Doomed", AccountType: "cash_in_cash_out"}
		if err := tx.CreateAccount(a); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	accounts, err := s.AccountsByUser(context.Background(), u.ID)
	require.NoError(t, err)
	require.Empty(t, accounts)

	// The ledger entry written in the same transaction is gone too.
	entries, err := s.PendingLedger(context.Background(), u.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1) // only the user create survives
	require.Equal(t, TableUsers, entries[0].TableName)
}

func TestOpenRecoversCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a database"), 0o644))

	s, err := Open(path, &Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	defer s.Close()

	u := &User{Name: "Fresh", Email: "fresh@example.com"}
	require.NoError(t, s.Write(context.Background(), func(tx *Tx) error {
		return tx.CreateUser(u)
	}))
	got, err := s.UserByID(context.Background(), u.ID)
	require.NoError(t, err)
	require.Equal(t, "Fresh", got.Name)
}

func TestOpenRecoversUnknownSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	_, err = s.db.Exec(`PRAGMA user_version = 99`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, &Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow(`PRAGMA user_version`).Scan(&version))
	require.Equal(t, schemaVersion, version)
}

func TestWatchDeliversCommittedChanges(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s)

	ch := s.Watch(TableAccounts)
	a := seedAccount(t, s, u.ID, decimal.NewFromInt(10))

	select {
	case cs := <-ch:
		require.Equal(t, TableAccounts, cs.Table)
		require.Contains(t, cs.Insertions, a.ID)
	default:
		t.Fatal("expected a change set after commit")
	}
}

func TestWatchNotNotifiedOnRollback(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s)

	ch := s.Watch(TableAccounts)
	boom := errors.New("boom")
	err := s.Write(context.Background(), func(tx *Tx) error {
		if err := tx.CreateAccount(&Account{UserID: u.ID, Name: "X", AccountType: "cash_in_cash_out"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	select {
	case <-ch:
		t.Fatal("rolled-back write must not notify watchers")
	default:
	}
}

func TestNewLocalIDIsLocalShaped(t *testing.T) {
	id := NewLocalID()
	require.True(t, len(id) > len("local-"))
	require.Equal(t, "local-", id[:6])
}
