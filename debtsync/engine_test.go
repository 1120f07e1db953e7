// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

package debtsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hamza112255/go-smartdebt/localstore"
	"github.com/hamza112255/go-smartdebt/remotestore"
)

// fakeRemote is an in-memory stand-in for the hosted backend's REST surface.
type fakeRemote struct {
	mu    sync.Mutex
	rows  map[string]map[string]map[string]any // table -> id -> row
	calls []string                             // "METHOD table"
	fail  map[string]int                       // "METHOD table" -> status
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows: make(map[string]map[string]map[string]any),
		fail: make(map[string]int),
	}
}

func (f *fakeRemote) seed(table, id string, row map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[table] == nil {
		f.rows[table] = make(map[string]map[string]any)
	}
	row["id"] = id
	f.rows[table][id] = row
}

func (f *fakeRemote) row(table, id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[table][id]
}

func (f *fakeRemote) tableLen(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[table])
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
		if r.Method != http.MethodHead {
			require.NotEmpty(t, r.Header.Get("Authorization"), "missing bearer token")
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, r.Method+" "+table)

		if status, ok := f.fail[r.Method+" "+table]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{"message": "injected failure"})
			return
		}
		if f.rows[table] == nil {
			f.rows[table] = make(map[string]map[string]any)
		}

		filterID := strings.TrimPrefix(r.URL.Query().Get("id"), "eq.")
		switch r.Method {
		case http.MethodPost:
			var row map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&row))
			id, _ := row["id"].(string)
			if id == "" {
				id = uuid.NewString()
				row["id"] = id
			}
			f.rows[table][id] = row
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(row)
		case http.MethodPatch:
			var patch map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
			row := f.rows[table][filterID]
			if row == nil {
				row = map[string]any{"id": filterID}
			}
			for k, v := range patch {
				row[k] = v
			}
			f.rows[table][filterID] = row
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(row)
		case http.MethodDelete:
			delete(f.rows[table], filterID)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
}

type entitled bool

func (e entitled) SyncAllowed(ctx context.Context, userID string) (bool, error) {
	return bool(e), nil
}

type online bool

func (o online) Online(ctx context.Context) bool { return bool(o) }

type harness struct {
	store  *localstore.Store
	remote *fakeRemote
	engine *Engine
	userID string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := localstore.Open(filepath.Join(t.TempDir(), "smartdebt.db"),
		&localstore.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := newFakeRemote()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	client := remotestore.NewClient(srv.URL,
		func(ctx context.Context) (string, error) { return "test-token", nil }, logger)

	h := &harness{
		store:  store,
		remote: fake,
		engine: New(store, client, entitled(true), online(true), nil, logger),
		userID: uuid.NewString(),
	}

	// The remote user row is provisioned at signup; the local row mirrors it
	// under the same identifier.
	fake.seed(localstore.TableUsers, h.userID, map[string]any{
		"name": "Amina", "email": "amina@example.com",
	})
	u := &localstore.User{Name: "Amina", Email: "amina@example.com", PasswordHash: "argon2:xyz"}
	u.ID = h.userID
	require.NoError(t, store.Write(context.Background(), func(tx *localstore.Tx) error {
		return tx.CreateUser(u)
	}))
	return h
}

func (h *harness) run(t *testing.T, opts *RunOptions) *RunSummary {
	t.Helper()
	summary, err := h.engine.Run(context.Background(), h.userID, opts)
	require.NoError(t, err)
	return summary
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := &localstore.Account{
		UserID: h.userID, Name: "Wallet", AccountType: "cash_in_cash_out",
		Currency: "PKR", InitialAmount: decimal.NewFromInt(100),
	}
	c := &localstore.Contact{UserID: h.userID, Name: "Bilal", Phone: "+92300"}
	require.NoError(t, h.store.Write(ctx, func(tx *localstore.Tx) error {
		if err := tx.CreateAccount(a); err != nil {
			return err
		}
		return tx.CreateContact(c)
	}))
	tr := &localstore.Transaction{
		UserID: h.userID, AccountID: a.ID, ContactID: &c.ID,
		TxType: localstore.TxCashIn, Amount: decimal.NewFromInt(50),
		Note: "repayment",
	}
	require.NoError(t, h.store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.CreateTransaction(tr)
	}))

	var progress []int
	summary := h.run(t, &RunOptions{
		Progress: func(current, total int, message string) {
			require.Equal(t, 4, total)
			progress = append(progress, current)
		},
	})
	require.Equal(t, 4, summary.Total)
	require.Equal(t, 4, summary.Succeeded)
	require.Zero(t, summary.Failed)
	require.Equal(t, []int{1, 2, 3, 4}, progress)

	// Every record now carries a server identifier.
	accounts, err := h.store.AccountsByUser(ctx, h.userID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	got := accounts[0]
	_, err = uuid.Parse(got.ID)
	require.NoError(t, err, "account id %q should be server-assigned", got.ID)
	require.Equal(t, localstore.SyncSynced, got.SyncStatus)
	require.False(t, got.NeedsUpload)
	require.NotNil(t, got.RemoteID)
	require.Equal(t, got.ID, *got.RemoteID)
	// The folded-back server row preserves the post-transaction balance.
	require.True(t, got.Balance.Equal(decimal.NewFromInt(150)))
	require.True(t, got.InitialAmount.Equal(decimal.NewFromInt(100)))

	// Dependent references were rewritten to the server identifiers.
	txs, err := h.store.TransactionsByAccount(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	_, err = uuid.Parse(txs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, txs[0].ContactID)
	_, err = uuid.Parse(*txs[0].ContactID)
	require.NoError(t, err)

	// The uploaded rows use remote naming and enum tokens and resolved keys.
	remoteTx := h.remote.row(localstore.TableTransactions, txs[0].ID)
	require.NotNil(t, remoteTx)
	require.Equal(t, "cash_in", remoteTx["type"])
	require.Equal(t, got.ID, remoteTx["account_id"])
	require.Equal(t, h.userID, remoteTx["user_id"])

	remoteUser := h.remote.row(localstore.TableUsers, h.userID)
	require.NotContains(t, remoteUser, "password_hash")
	require.NotContains(t, remoteUser, "passwordHash")
	require.NotContains(t, remoteUser, "sync_status")

	// Drained: a second run is a no-op.
	entries, err := h.store.PendingLedger(ctx, h.userID)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Zero(t, h.run(t, nil).Total)
}

func TestUserCreateAppliedAsRemoteUpdate(t *testing.T) {
	h := newHarness(t)
	h.run(t, nil)

	for _, call := range h.remote.callLog() {
		require.NotEqual(t, "POST users", call,
			"user rows are provisioned at signup and must never be inserted")
	}
	require.Contains(t, h.remote.callLog(), "PATCH users")
	require.Equal(t, 1, h.remote.tableLen(localstore.TableUsers))
}

func TestRunSkipsWhenNotEntitled(t *testing.T) {
	h := newHarness(t)
	h.engine.entitlements = entitled(false)

	summary := h.run(t, nil)
	require.Zero(t, summary.Total)
	require.Empty(t, h.remote.callLog())

	entries, err := h.store.PendingLedger(context.Background(), h.userID)
	require.NoError(t, err)
	require.Len(t, entries, 1) // ledger keeps accumulating
}

func TestRunSkipsWhenOffline(t *testing.T) {
	h := newHarness(t)
	h.engine.connectivity = online(false)

	summary := h.run(t, nil)
	require.Zero(t, summary.Total)
	require.Empty(t, h.remote.callLog())
}

func TestFailedEntryContinuesRunAndRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := &localstore.Account{UserID: h.userID, Name: "Wallet", AccountType: "cash_in_cash_out"}
	c := &localstore.Contact{UserID: h.userID, Name: "Bilal"}
	require.NoError(t, h.store.Write(ctx, func(tx *localstore.Tx) error {
		if err := tx.CreateAccount(a); err != nil {
			return err
		}
		return tx.CreateContact(c)
	}))
	tr := &localstore.Transaction{
		UserID: h.userID, AccountID: a.ID,
		TxType: localstore.TxCashOut, Amount: decimal.NewFromInt(10),
	}
	require.NoError(t, h.store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.CreateTransaction(tr)
	}))

	h.remote.fail["POST accounts"] = http.StatusInternalServerError
	summary := h.run(t, nil)
	require.Equal(t, 4, summary.Total)
	require.Equal(t, 2, summary.Succeeded) // user + contact
	require.Equal(t, 2, summary.Failed)    // account + dependent transaction

	// The account apply failed remotely; the dependent transaction failed
	// loudly on its unresolved account reference without touching the wire.
	require.Zero(t, h.remote.tableLen(localstore.TableTransactions))
	gotAccount, err := h.store.AccountByID(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, localstore.SyncFailed, gotAccount.SyncStatus)

	// Failed entries are retried on the next run and heal in dependency order.
	delete(h.remote.fail, "POST accounts")
	summary = h.run(t, nil)
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 2, summary.Succeeded)
	require.Zero(t, summary.Failed)

	entries, err := h.store.PendingLedger(ctx, h.userID)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Equal(t, 1, h.remote.tableLen(localstore.TableTransactions))
}

func TestUnregisteredTableEntryFailsWithoutAbortingRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// An entry the engine has no apply path for, queued ahead of a normal one.
	require.NoError(t, h.store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.RecordChange(localstore.OpCreate, localstore.TableProxyPayments, "pp-1", h.userID)
	}))
	c := &localstore.Contact{UserID: h.userID, Name: "Bilal"}
	require.NoError(t, h.store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.CreateContact(c)
	}))

	summary := h.run(t, nil) // h.run asserts Run returned no error
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 2, summary.Succeeded) // user + contact
	require.Equal(t, 1, summary.Failed)

	// The unregistered entry is marked failed with its error recorded, not
	// left pending.
	entries, err := h.store.LedgerEntriesForRecord(ctx, localstore.TableProxyPayments, "pp-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, localstore.LedgerFailed, entries[0].Status)
	require.NotNil(t, entries[0].Error)
	require.Contains(t, *entries[0].Error, "not registered")

	// The entries on registered tables all drained.
	contacts, err := h.store.LedgerEntriesForRecord(ctx, localstore.TableContacts, c.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.Equal(t, localstore.LedgerCompleted, contacts[0].Status)
	require.Equal(t, 1, h.remote.tableLen(localstore.TableContacts))
}

func TestDeleteOfSyncedRecordReachesRemote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.run(t, nil) // drain the user create

	contactID := uuid.NewString()
	h.remote.seed(localstore.TableContacts, contactID, map[string]any{
		"user_id": h.userID, "name": "Bilal",
	})
	now := time.Now()
	c := &localstore.Contact{UserID: h.userID, Name: "Bilal"}
	c.ID = contactID
	c.RemoteID = &contactID
	c.SyncStatus = localstore.SyncSynced
	c.CreatedOn = now
	c.UpdatedOn = now
	require.NoError(t, h.store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.PutContact(c)
	}))

	require.NoError(t, h.store.Write(ctx, func(tx *localstore.Tx) error {
		return tx.DeleteContact(contactID)
	}))

	summary := h.run(t, nil)
	require.Equal(t, 1, summary.Total)
	require.Equal(t, 1, summary.Succeeded)
	require.Contains(t, h.remote.callLog(), "DELETE contacts")
	require.Zero(t, h.remote.tableLen(localstore.TableContacts))
}

func TestSortEntriesDependencyOrder(t *testing.T) {
	now := time.Now()
	mk := func(table, op string, offset time.Duration) *localstore.LedgerEntry {
		return &localstore.LedgerEntry{TableName: table, Operation: op, CreatedOn: now.Add(offset)}
	}
	entries := []*localstore.LedgerEntry{
		mk(localstore.TableTransactions, localstore.OpCreate, 0),
		mk(localstore.TableAccounts, localstore.OpDelete, time.Second),
		mk(localstore.TableContacts, localstore.OpCreate, 2*time.Second),
		mk(localstore.TableAccounts, localstore.OpCreate, 3*time.Second),
		mk(localstore.TableUsers, localstore.OpUpdate, 4*time.Second),
		mk(localstore.TableAccounts, localstore.OpCreate, 5*time.Second),
	}
	e := New(nil, nil, nil, nil, nil, nil)
	e.sortEntries(entries)

	type key struct{ table, op string }
	var got []key
	for _, e := range entries {
		got = append(got, key{e.TableName, e.Operation})
	}
	require.Equal(t, []key{
		{localstore.TableUsers, localstore.OpUpdate},
		{localstore.TableAccounts, localstore.OpCreate},
		{localstore.TableAccounts, localstore.OpCreate},
		{localstore.TableAccounts, localstore.OpDelete},
		{localstore.TableContacts, localstore.OpCreate},
		{localstore.TableTransactions, localstore.OpCreate},
	}, got)

	// Same table and op: creation order is preserved.
	require.True(t, entries[1].CreatedOn.Before(entries[2].CreatedOn))
}
