// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordChange appends a pending ledger entry. It runs inside the same write
// transaction as the domain mutation it describes, so the two are
// transactionally inseparable.
func (t *Tx) RecordChange(op, table, recordID, userID string) error {
	entry := LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		TableName: table,
		RecordID:  recordID,
		Operation: op,
		Status:    LedgerPending,
		CreatedOn: time.Now(),
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO sync_log (id, user_id, table_name, record_id, operation, status, error, created_on, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, NULL)`,
		entry.ID, entry.UserID, entry.TableName, entry.RecordID, entry.Operation,
		string(entry.Status), timeToDB(entry.CreatedOn))
	if err != nil {
		return fmt.Errorf("failed to record %s change for %s.%s: %w", op, table, recordID, err)
	}
	return nil
}

// recordUpdateChange folds an update into a preceding un-synced create: if a
// pending create entry already exists for the record, the create alone carries
// the latest state and no update entry is written. A pending update entry is
// likewise left as-is (the engine always uploads the current record state).
func (t *Tx) recordUpdateChange(table, recordID, userID string) error {
	hasCreate, err := t.hasUnsyncedEntry(table, recordID, OpCreate)
	if err != nil {
		return err
	}
	if hasCreate {
		return nil
	}
	hasUpdate, err := t.hasUnsyncedEntry(table, recordID, OpUpdate)
	if err != nil {
		return err
	}
	if hasUpdate {
		return nil
	}
	return t.RecordChange(OpUpdate, table, recordID, userID)
}

// recordDeleteChange applies the coalescing policy for deletions:
//   - un-synced create pending → drop the create entry and write nothing (the
//     record never reached the remote store);
//   - pending update → drop the update entry and write a delete entry;
//   - otherwise → write a delete entry.
func (t *Tx) recordDeleteChange(table, recordID, userID string) error {
	hasCreate, err := t.hasUnsyncedEntry(table, recordID, OpCreate)
	if err != nil {
		return err
	}
	if hasCreate {
		return t.dropUnsyncedEntries(table, recordID, OpCreate, OpUpdate)
	}
	if err := t.dropUnsyncedEntries(table, recordID, OpUpdate); err != nil {
		return err
	}
	return t.RecordChange(OpDelete, table, recordID, userID)
}

func (t *Tx) hasUnsyncedEntry(table, recordID, op string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT EXISTS(
			SELECT 1 FROM sync_log
			WHERE table_name = ? AND record_id = ? AND operation = ?
			  AND status IN ('pending','failed'))`,
		table, recordID, op).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger for %s.%s: %w", table, recordID, err)
	}
	return exists, nil
}

func (t *Tx) dropUnsyncedEntries(table, recordID string, ops ...string) error {
	for _, op := range ops {
		_, err := t.tx.ExecContext(t.ctx, `
			DELETE FROM sync_log
			WHERE table_name = ? AND record_id = ? AND operation = ?
			  AND status IN ('pending','failed')`,
			table, recordID, op)
		if err != nil {
			return fmt.Errorf("failed to drop %s entry for %s.%s: %w", op, table, recordID, err)
		}
	}
	return nil
}

// syncedTables are the tables that carry sync bookkeeping columns.
var syncedTables = map[string]bool{
	TableUsers:        true,
	TableAccounts:     true,
	TableContacts:     true,
	TableTransactions: true,
}

// IsSyncedTable reports whether table carries sync bookkeeping columns.
func IsSyncedTable(table string) bool {
	return syncedTables[table]
}

// SetSyncStatus updates the sync status column of a record in a synced table.
// A missing record is not an error (it may have been deleted since).
func (t *Tx) SetSyncStatus(table, id string, status SyncStatus) error {
	if !syncedTables[table] {
		return fmt.Errorf("table %q does not carry sync status", table)
	}
	_, err := t.tx.ExecContext(t.ctx,
		fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE id = ?`, table), string(status), id)
	if err != nil {
		return fmt.Errorf("failed to set sync status on %s.%s: %w", table, id, err)
	}
	return nil
}

const ledgerCols = `id, user_id, table_name, record_id, operation, status, error, created_on, processed_at`

func scanLedgerEntry(r rowScanner) (*LedgerEntry, error) {
	var e LedgerEntry
	var errMsg, processedAt sql.NullString
	var createdOn string
	err := r.Scan(&e.ID, &e.UserID, &e.TableName, &e.RecordID, &e.Operation,
		&e.Status, &errMsg, &createdOn, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.Error = strPtrFromDB(errMsg)
	if e.CreatedOn, err = timeFromDB(createdOn); err != nil {
		return nil, err
	}
	if e.ProcessedAt, err = timePtrFromDB(processedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// PendingLedger returns all pending and failed ledger entries for a user in
// creation order. Failed entries are retry-eligible and re-selected every run.
func (s *Store) PendingLedger(ctx context.Context, userID string) ([]*LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ledgerCols+` FROM sync_log
		WHERE user_id = ? AND status IN ('pending','failed')
		ORDER BY created_on`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending ledger: %w", err)
	}
	defer rows.Close()
	var out []*LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LedgerEntriesForRecord returns every ledger entry for a (table, record) pair
// in creation order, regardless of status.
func (s *Store) LedgerEntriesForRecord(ctx context.Context, table, recordID string) ([]*LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ledgerCols+` FROM sync_log
		WHERE table_name = ? AND record_id = ?
		ORDER BY created_on`, table, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger for record: %w", err)
	}
	defer rows.Close()
	var out []*LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkLedgerCompleted transitions a ledger entry to completed.
func (t *Tx) MarkLedgerCompleted(id string) error {
	return t.markLedger(id, LedgerCompleted, nil)
}

// MarkLedgerFailed transitions a ledger entry to failed with an error message.
// Failed entries remain retry-eligible for the next sync run.
func (t *Tx) MarkLedgerFailed(id, errMsg string) error {
	return t.markLedger(id, LedgerFailed, &errMsg)
}

func (t *Tx) markLedger(id string, status LedgerStatus, errMsg *string) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE sync_log SET status = ?, error = ?, processed_at = ? WHERE id = ?`,
		string(status), strPtrToDB(errMsg), timeToDB(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark ledger entry %s as %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check ledger update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ledger entry %s: %w", id, ErrNotFound)
	}
	return nil
}
