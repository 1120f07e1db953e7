// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

package debtsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hamza112255/go-smartdebt/localstore"
)

// applyEntry applies one ledger entry remotely and folds the result back into
// the local store. The ledger entry transitions to completed inside the same
// local write as the fold-back, so a crash between the two is impossible.
func (e *Engine) applyEntry(ctx context.Context, entry *localstore.LedgerEntry, ids *IDMap) error {
	switch entry.TableName {
	case localstore.TableUsers:
		return e.applyUser(ctx, entry, ids)
	case localstore.TableAccounts:
		return e.applyAccount(ctx, entry, ids)
	case localstore.TableContacts:
		return e.applyContact(ctx, entry, ids)
	case localstore.TableTransactions:
		return e.applyTransaction(ctx, entry, ids)
	default:
		return fmt.Errorf("table %q is not registered for sync", entry.TableName)
	}
}

// --- users ---

// applyUser handles the users special case: the remote user row is created at
// account-provisioning time, so a queued create is applied as an update
// against the already-existing row, never as an insert.
func (e *Engine) applyUser(ctx context.Context, entry *localstore.LedgerEntry, ids *IDMap) error {
	if entry.Operation == localstore.OpDelete {
		remoteID, err := ids.Resolve(localstore.TableUsers, entry.RecordID)
		if err != nil {
			return err
		}
		if err := e.remote.From(localstore.TableUsers).Eq("id", remoteID).Delete(ctx); err != nil {
			return fmt.Errorf("remote delete of user %s failed: %w", remoteID, err)
		}
		return e.store.Write(ctx, func(tx *localstore.Tx) error {
			if err := tx.RemoveUser(entry.RecordID); err != nil {
				return err
			}
			return tx.MarkLedgerCompleted(entry.ID)
		})
	}

	u, err := e.store.UserByID(ctx, entry.RecordID)
	if err != nil {
		return fmt.Errorf("user %s missing locally: %w", entry.RecordID, err)
	}
	remoteID, err := e.remoteIdentity(localstore.TableUsers, u.RemoteID, u.ID, ids)
	if err != nil {
		return err
	}

	wire, err := encodeRemote(userToRow(u))
	if err != nil {
		return err
	}
	var resp map[string]any
	if err := e.remote.From(localstore.TableUsers).Eq("id", remoteID).Update(ctx, wire, &resp); err != nil {
		return fmt.Errorf("remote update of user %s failed: %w", remoteID, err)
	}
	var folded userRow
	if err := decodeRemote(resp, &folded); err != nil {
		return err
	}

	oldID := u.ID
	foldUserRow(u, folded)
	u.ID = remoteID
	u.MarkSynced(remoteID, time.Now())

	err = e.store.Write(ctx, func(tx *localstore.Tx) error {
		if oldID != remoteID {
			if err := tx.RemoveUser(oldID); err != nil {
				return err
			}
			if err := tx.RelinkUser(oldID, remoteID); err != nil {
				return err
			}
		}
		if err := tx.PutUser(u); err != nil {
			return err
		}
		return tx.MarkLedgerCompleted(entry.ID)
	})
	if err != nil {
		return err
	}
	ids.Record(localstore.TableUsers, oldID, remoteID)
	return nil
}

// --- accounts ---

func (e *Engine) applyAccount(ctx context.Context, entry *localstore.LedgerEntry, ids *IDMap) error {
	switch entry.Operation {
	case localstore.OpCreate:
		return e.applyAccountCreate(ctx, entry, ids)
	case localstore.OpUpdate:
		return e.applyAccountUpdate(ctx, entry, ids)
	case localstore.OpDelete:
		return e.applyRemoteDelete(ctx, entry, ids, func(tx *localstore.Tx) error {
			return tx.RemoveAccount(entry.RecordID)
		})
	default:
		return fmt.Errorf("unknown operation %q", entry.Operation)
	}
}

func (e *Engine) applyAccountCreate(ctx context.Context, entry *localstore.LedgerEntry, ids *IDMap) error {
	a, err := e.store.AccountByID(ctx, entry.RecordID)
	if err != nil {
		return fmt.Errorf("account %s missing locally: %w", entry.RecordID, err)
	}
	row, err := accountToRow(a, ids)
	if err != nil {
		return err
	}
	// The remote store assigns the identifier; no client id is sent.
	wire, err := encodeRemote(row)
	if err != nil {
		return err
	}
	var resp map[string]any
	if err := e.remote.From(localstore.TableAccounts).Insert(ctx, wire, &resp); err != nil {
		return fmt.Errorf("remote insert of account failed: %w", err)
	}
	newID, err := remoteRowID(resp)
	if err != nil {
		return err
	}
	var folded accountRow
	if err := decodeRemote(resp, &folded); err != nil {
		return err
	}

	oldID := a.ID
	foldAccountRow(a, folded)
	a.ID = newID
	a.MarkSynced(newID, time.Now())

	err = e.store.Write(ctx, func(tx *localstore.Tx) error {
		if err := tx.RemoveAccount(oldID); err != nil {
			return err
		}
		if err := tx.PutAccount(a); err != nil {
			return err
		}
		if err := tx.RelinkAccount(oldID, newID); err != nil {
			return err
		}
		return tx.MarkLedgerCompleted(entry.ID)
	})
	if err != nil {
		return err
	}
	ids.Record(localstore.TableAccounts, oldID, newID)
	return nil
}

func (e *Engine) applyAccountUpdate(ctx context.Context, entry *localstore.LedgerEntry, ids *IDMap) error {
	a, err := e.store.AccountByID(ctx, entry.RecordID)
	if err != nil {
		return fmt.Errorf("account %s missing locally: %w", entry.RecordID, err)
	}
	remoteID, err := e.remoteIdentity(localstore.TableAccounts, a.RemoteID, a.ID, ids)
	if err != nil {
		return err
	}
	row, err := accountToRow(a, ids)
	if err != nil {
		return err
	}
	wire, err := encodeRemote(row)
	if err != nil {
		return err
	}
	var resp map[string]any
	if err := e.remote.From(localstore.TableAccounts).Eq("id", remoteID).Update(ctx, wire, &resp); err != nil {
		return fmt.Errorf("remote update of account %s failed: %w", remoteID, err)
	}
	var folded accountRow
	if err := decodeRemote(resp, &folded); err != nil {
		return err
	}

	oldID := a.ID
	foldAccountRow(a, folded)
	a.ID = remoteID
	a.MarkSynced(remoteID, time.Now())

	return e.store.Write(ctx, func(tx *localstore.Tx) error {
		if oldID != remoteID {
			if err := tx.RemoveAccount(oldID); err != nil {
				return err
			}
			if err := tx.RelinkAccount(oldID, remoteID); err != nil {
				return err
			}
		}
		if err := tx.PutAccount(a); err != nil {
			return err
		}
		return tx.MarkLedgerCompleted(entry.ID)
	})
}

// --- contacts ---

func (e *Engine) applyContact(ctx context.Context, entry *localstore.LedgerEntry, ids *IDMap) error {
	switch entry.Operation {
	case localstore.OpCreate:
		return e.applyContactCreate(ctx, entry, ids)
	case localstore.OpUpdate:
		return e.applyContactUpdate(ctx, entry, ids)
	case localstore.OpDelete:
		return e.applyRemoteDelete(ctx, entry, ids, func(tx *localstore.Tx) error {
			return tx.RemoveContact(entry.RecordID)
		})
	default:
		return fmt.Errorf("unknown operation %q", entry.Operation)
	}
}

func (e *Engine) applyContactCreate(ctx context.Context, entry *localstore.LedgerEntry, ids *IDMap) error {
	c, err := e.store.ContactByID(ctx, entry.RecordID)
	if err != nil {
		return fmt.Errorf("contact %s missing locally: %w", entry.RecordID, err)
	}
	row, err := contactToRow(c, ids)
	if err != nil {
		return err
	}
	wire, err := encodeRemote(row)
	if err != nil {
		return err
	}
	var resp map[string]any
	if err := e.remote.From(localstore.TableContacts).Insert(ctx, wire, &resp); err != nil {
		return fmt.Errorf("remote insert of contact failed: %w", err)
	}
	newID, err := remoteRowID(resp)
	if err != nil {
		return err
	}
	var folded contactRow
	if err := decodeRemote(resp, &folded); err != nil {
		return err
	}

	oldID := c.ID
	foldContactRow(c, folded)
	c.ID = newID
	c.MarkSynced(newID, time.Now())

	err = e.store.Write(ctx, func(tx *localstore.Tx) error {
		if err := tx.RemoveContact(oldID); err != nil {
			return err
		}
		if err := tx.PutContact(c); err != nil {
			return err
		}
		if err := tx.RelinkContact(oldID, newID); err != nil {
			return err
		}
		return tx.MarkLedgerCompleted(entry.ID)
	})
	if err != nil {
		return err
	}
	ids.Record(localstore.TableContacts, oldID, newID)
	return nil
}

func (e *Engine) applyContactUpdate(ctx context.Context, entry *localstore.LedgerEntry, ids *IDMap) error {
	c, err := e.store.ContactByID(ctx, entry.RecordID)
	if err != nil {
		return fmt.Errorf("contact %s missing locally: %w", entry.RecordID, err)
	}
	remoteID, err := e.remoteIdentity(localstore.TableContacts, c.RemoteID, c.ID, ids)
	if err != nil {
		return err
	}
	row, err := contactToRow(c, ids)
	if err != nil {
		return err
	}
	wire, err := encodeRemote(row)
	if err != nil {
		return err
	}
	var resp map[string]any
	if err := e.remote.From(localstore.TableContacts).Eq("id", remoteID).Update(ctx, wire, &resp); err != nil {
		return fmt.Errorf("remote update of contact %s failed: %w", remoteID, err)
	}
	var folded contactRow
	if err := decodeRemote(resp, &folded); err != nil {
		return err
	}

	oldID := c.ID
	foldContactRow(c, folded)
	c.ID = remoteID
	c.MarkSynced(remoteID, time.Now())

	return e.store.Write(ctx, func(tx *localstore.Tx) error {
		if oldID != remoteID {
			if err := tx.RemoveContact(oldID); err != nil {
				return err
			}
			if err := tx.RelinkContact(oldID, remoteID); err != nil {
				return err
			}
		}
		if err := tx.PutContact(c); err != nil {
			return err
		}
		return tx.MarkLedgerCompleted(entry.ID)
	})
}

// --- transactions ---

func (e *Engine) applyTransaction(ctx context.Context, entry *localstore.LedgerEntry, ids *IDMap) error {
	switch entry.Operation {
	case localstore.OpCreate:
		return e.applyTransactionCreate(ctx, entry, ids)
	case localstore.OpUpdate:
		return e.applyTransactionUpdate(ctx, entry, ids)
	case localstore.OpDelete:
		return e.applyRemoteDelete(ctx, entry, ids, func(tx *localstore.Tx) error {
			return tx.RemoveTransaction(entry.RecordID)
		})
	default:
		return fmt.Errorf("unknown operation %q", entry.Operation)
	}
}

func (e *Engine) applyTransactionCreate(ctx context.Context, entry *localstore.LedgerEntry, ids *IDMap) error {
	tr, err := e.store.TransactionByID(ctx, entry.RecordID)
	if err != nil {
		return fmt.Errorf("transaction %s missing locally: %w", entry.RecordID, err)
	}
	row, err := transactionToRow(tr, ids)
	if err != nil {
		return err
	}
	// Unlike other tables, transactions pre-generate a fresh UUID locally:
	// the remote schema validates the id column's format before assignment.
	row.ID = uuid.New().String()

	wire, err := encodeRemote(row)
	if err != nil {
		return err
	}
	var resp map[string]any
	if err := e.remote.From(localstore.TableTransactions).Insert(ctx, wire, &resp); err != nil {
		return fmt.Errorf("remote insert of transaction failed: %w", err)
	}
	newID, err := remoteRowID(resp)
	if err != nil {
		return err
	}
	var folded transactionRow
	if err := decodeRemote(resp, &folded); err != nil {
		return err
	}

	oldID := tr.ID
	if err := foldTransactionRow(tr, folded); err != nil {
		return err
	}
	tr.ID = newID
	tr.MarkSynced(newID, time.Now())

	err = e.store.Write(ctx, func(tx *localstore.Tx) error {
		if err := tx.RemoveTransaction(oldID); err != nil {
			return err
		}
		if err := tx.PutTransaction(tr); err != nil {
			return err
		}
		if err := tx.RelinkTransaction(oldID, newID); err != nil {
			return err
		}
		return tx.MarkLedgerCompleted(entry.ID)
	})
	if err != nil {
		return err
	}
	ids.Record(localstore.TableTransactions, oldID, newID)
	return nil
}

func (e *Engine) applyTransactionUpdate(ctx context.Context, entry *localstore.LedgerEntry, ids *IDMap) error {
	tr, err := e.store.TransactionByID(ctx, entry.RecordID)
	if err != nil {
		return fmt.Errorf("transaction %s missing locally: %w", entry.RecordID, err)
	}
	remoteID, err := e.remoteIdentity(localstore.TableTransactions, tr.RemoteID, tr.ID, ids)
	if err != nil {
		return err
	}
	row, err := transactionToRow(tr, ids)
	if err != nil {
		return err
	}
	wire, err := encodeRemote(row)
	if err != nil {
		return err
	}
	var resp map[string]any
	if err := e.remote.From(localstore.TableTransactions).Eq("id", remoteID).Update(ctx, wire, &resp); err != nil {
		return fmt.Errorf("remote update of transaction %s failed: %w", remoteID, err)
	}
	var folded transactionRow
	if err := decodeRemote(resp, &folded); err != nil {
		return err
	}

	oldID := tr.ID
	if err := foldTransactionRow(tr, folded); err != nil {
		return err
	}
	tr.ID = remoteID
	tr.MarkSynced(remoteID, time.Now())

	return e.store.Write(ctx, func(tx *localstore.Tx) error {
		if oldID != remoteID {
			if err := tx.RemoveTransaction(oldID); err != nil {
				return err
			}
			if err := tx.RelinkTransaction(oldID, remoteID); err != nil {
				return err
			}
		}
		if err := tx.PutTransaction(tr); err != nil {
			return err
		}
		return tx.MarkLedgerCompleted(entry.ID)
	})
}

// --- shared helpers ---

// applyRemoteDelete issues the remote delete and removes any lingering local
// row. A locally-missing record is tolerated: deletes are queued after the
// local row is already gone.
func (e *Engine) applyRemoteDelete(ctx context.Context, entry *localstore.LedgerEntry, ids *IDMap, removeLocal func(tx *localstore.Tx) error) error {
	remoteID, err := ids.Resolve(entry.TableName, entry.RecordID)
	if err != nil {
		return err
	}
	if err := e.remote.From(entry.TableName).Eq("id", remoteID).Delete(ctx); err != nil {
		return fmt.Errorf("remote delete of %s %s failed: %w", entry.TableName, remoteID, err)
	}
	return e.store.Write(ctx, func(tx *localstore.Tx) error {
		if err := removeLocal(tx); err != nil && !errors.Is(err, localstore.ErrNotFound) {
			return err
		}
		return tx.MarkLedgerCompleted(entry.ID)
	})
}

// remoteIdentity resolves the remote identifier to address for an update:
// the stored remote id when present, otherwise the local id via the
// reconciliation map (which also passes through ids already in remote
// format). An unresolvable identifier fails the entry; the engine never
// guesses.
func (e *Engine) remoteIdentity(table string, storedRemoteID *string, localID string, ids *IDMap) (string, error) {
	if storedRemoteID != nil && *storedRemoteID != "" {
		return *storedRemoteID, nil
	}
	return ids.Resolve(table, localID)
}

// remoteRowID extracts the server-assigned identifier from an inserted
// representation.
func remoteRowID(resp map[string]any) (string, error) {
	id, ok := resp["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("remote response missing id field")
	}
	return id, nil
}
