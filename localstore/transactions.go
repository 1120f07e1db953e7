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
	"github.com/shopspring/decimal"
)

const txCols = `id, user_id, account_id, contact_id, category_id, tx_type, amount, note, tx_date,
	recurring, on_behalf_of, status,
	remote_id, sync_status, needs_upload, last_sync_at, created_on, updated_on`

func scanTransaction(r rowScanner) (*Transaction, error) {
	var tr Transaction
	var recurring, onBehalfOf, needsUpload int
	var contactID, categoryID, remoteID, lastSyncAt sql.NullString
	var amount, txDate, createdOn, updatedOn string
	err := r.Scan(&tr.ID, &tr.UserID, &tr.AccountID, &contactID, &categoryID,
		&tr.TxType, &amount, &tr.Note, &txDate,
		&recurring, &onBehalfOf, &tr.Status,
		&remoteID, &tr.SyncStatus, &needsUpload, &lastSyncAt, &createdOn, &updatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tr.Recurring = recurring != 0
	tr.OnBehalfOf = onBehalfOf != 0
	tr.NeedsUpload = needsUpload != 0
	tr.ContactID = strPtrFromDB(contactID)
	tr.CategoryID = strPtrFromDB(categoryID)
	tr.RemoteID = strPtrFromDB(remoteID)
	if tr.Amount, err = decimalFromDB(amount); err != nil {
		return nil, err
	}
	if tr.TxDate, err = timeFromDB(txDate); err != nil {
		return nil, err
	}
	if tr.LastSyncAt, err = timePtrFromDB(lastSyncAt); err != nil {
		return nil, err
	}
	if tr.CreatedOn, err = timeFromDB(createdOn); err != nil {
		return nil, err
	}
	if tr.UpdatedOn, err = timeFromDB(updatedOn); err != nil {
		return nil, err
	}
	return &tr, nil
}

// TransactionByID loads a transaction by local id.
func (s *Store) TransactionByID(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txCols+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

func (t *Tx) TransactionByID(id string) (*Transaction, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+txCols+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

// TransactionsByAccount lists the transactions of an account, newest first.
func (s *Store) TransactionsByAccount(ctx context.Context, accountID string) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txCols+` FROM transactions WHERE account_id = ? ORDER BY tx_date DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()
	var out []*Transaction
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// PutTransaction inserts or replaces a transaction row without ledger or
// balance bookkeeping. Used by the sync engine to fold server state back.
func (t *Tx) PutTransaction(tr *Transaction) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT OR REPLACE INTO transactions (`+txCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.UserID, tr.AccountID, strPtrToDB(tr.ContactID), strPtrToDB(tr.CategoryID),
		string(tr.TxType), tr.Amount.String(), tr.Note, timeToDB(tr.TxDate),
		boolToDB(tr.Recurring), boolToDB(tr.OnBehalfOf), string(tr.Status),
		strPtrToDB(tr.RemoteID), string(tr.SyncStatus), boolToDB(tr.NeedsUpload),
		timePtrToDB(tr.LastSyncAt), timeToDB(tr.CreatedOn), timeToDB(tr.UpdatedOn))
	if err != nil {
		return fmt.Errorf("failed to put transaction: %w", err)
	}
	return nil
}

// RemoveTransaction deletes the transaction row without ledger or balance
// bookkeeping.
func (t *Tx) RemoveTransaction(id string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM transactions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove transaction: %w", err)
	}
	t.noteDelete(TableTransactions, id)
	return nil
}

// balanceEffect is the signed amount a transaction contributes to its owning
// account's running balance. Recurring templates defer balance updates to
// generated child occurrences, on-behalf-of legs are compensated by their debt
// adjustment, and canceled transactions carry no effect.
func balanceEffect(tr *Transaction) decimal.Decimal {
	if tr.Recurring || tr.OnBehalfOf || tr.Status == TxCanceled {
		return decimal.Zero
	}
	dir := tr.TxType.Direction()
	if dir == 0 {
		return decimal.Zero
	}
	return tr.Amount.Mul(decimal.NewFromInt(int64(dir)))
}

// adjustAccountBalance applies a signed delta to the account balance and
// queues the account change for upload.
func (t *Tx) adjustAccountBalance(accountID string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	a, err := t.AccountByID(accountID)
	if err != nil {
		return fmt.Errorf("failed to load account %s for balance adjustment: %w", accountID, err)
	}
	a.Balance = a.Balance.Add(delta)
	return t.UpdateAccount(a)
}

// CreateTransaction inserts a transaction, adjusts the owning account balance
// and queues a create ledger entry, all in the enclosing write transaction.
func (t *Tx) CreateTransaction(tr *Transaction) error {
	tr.prepareCreate(time.Now())
	if tr.Status == "" {
		tr.Status = TxActive
	}
	if tr.TxDate.IsZero() {
		tr.TxDate = tr.CreatedOn
	}
	if err := t.PutTransaction(tr); err != nil {
		return err
	}
	t.noteInsert(TableTransactions, tr.ID)
	if err := t.adjustAccountBalance(tr.AccountID, balanceEffect(tr)); err != nil {
		return err
	}
	return t.RecordChange(OpCreate, TableTransactions, tr.ID, tr.UserID)
}

// UpdateTransaction replaces a transaction, moving the balance effect from the
// old state to the new one (including across accounts).
func (t *Tx) UpdateTransaction(tr *Transaction) error {
	old, err := t.TransactionByID(tr.ID)
	if err != nil {
		return fmt.Errorf("failed to load transaction %s for update: %w", tr.ID, err)
	}
	tr.prepareUpdate(time.Now())
	if err := t.PutTransaction(tr); err != nil {
		return err
	}
	t.noteUpdate(TableTransactions, tr.ID)

	oldEffect := balanceEffect(old)
	newEffect := balanceEffect(tr)
	if old.AccountID == tr.AccountID {
		if err := t.adjustAccountBalance(tr.AccountID, newEffect.Sub(oldEffect)); err != nil {
			return err
		}
	} else {
		if err := t.adjustAccountBalance(old.AccountID, oldEffect.Neg()); err != nil {
			return err
		}
		if err := t.adjustAccountBalance(tr.AccountID, newEffect); err != nil {
			return err
		}
	}
	return t.recordUpdateChange(TableTransactions, tr.ID, tr.UserID)
}

// DeleteTransaction removes a transaction and reverts its balance effect. If
// the transaction is the original leg of a proxy payment, the deletion is
// routed through the proxy-payment aggregate so the linked debt adjustment is
// removed in the same write.
func (t *Tx) DeleteTransaction(id string) error {
	pp, err := t.ProxyPaymentByOriginal(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if pp != nil {
		return t.DeleteProxyPayment(pp.ID)
	}
	return t.deleteTransactionLeg(id)
}

// deleteTransactionLeg removes a single transaction with balance revert and
// ledger coalescing, without consulting proxy links.
func (t *Tx) deleteTransactionLeg(id string) error {
	tr, err := t.TransactionByID(id)
	if err != nil {
		return err
	}
	if err := t.RemoveTransaction(id); err != nil {
		return err
	}
	if err := t.adjustAccountBalance(tr.AccountID, balanceEffect(tr).Neg()); err != nil {
		return err
	}
	return t.recordDeleteChange(TableTransactions, id, tr.UserID)
}

// CancelTransaction marks a transaction canceled and reverts its balance
// effect. Canceling the original leg of a proxy payment cancels the linked
// adjustment as well.
func (t *Tx) CancelTransaction(id string) error {
	pp, err := t.ProxyPaymentByOriginal(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if pp != nil {
		return t.CancelProxyPayment(pp.ID)
	}
	return t.cancelTransactionLeg(id)
}

func (t *Tx) cancelTransactionLeg(id string) error {
	tr, err := t.TransactionByID(id)
	if err != nil {
		return err
	}
	if tr.Status == TxCanceled {
		return nil
	}
	effect := balanceEffect(tr)
	tr.Status = TxCanceled
	if err := t.UpdateTransactionNoBalance(tr); err != nil {
		return err
	}
	return t.adjustAccountBalance(tr.AccountID, effect.Neg())
}

// UpdateTransactionNoBalance persists a transaction change and queues it for
// upload without touching the account balance. Callers own the balance math.
func (t *Tx) UpdateTransactionNoBalance(tr *Transaction) error {
	tr.prepareUpdate(time.Now())
	if err := t.PutTransaction(tr); err != nil {
		return err
	}
	t.noteUpdate(TableTransactions, tr.ID)
	return t.recordUpdateChange(TableTransactions, tr.ID, tr.UserID)
}

// --- proxy payments ---

const proxyCols = `id, user_id, contact_id, original_tx_id, adjustment_tx_id, status, created_on`

func scanProxyPayment(r rowScanner) (*ProxyPayment, error) {
	var p ProxyPayment
	var createdOn string
	err := r.Scan(&p.ID, &p.UserID, &p.ContactID, &p.OriginalTxID, &p.AdjustmentTxID,
		&p.Status, &createdOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan proxy payment: %w", err)
	}
	if p.CreatedOn, err = timeFromDB(createdOn); err != nil {
		return nil, err
	}
	return &p, nil
}

// ProxyPaymentByID loads a proxy payment by id.
func (t *Tx) ProxyPaymentByID(id string) (*ProxyPayment, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+proxyCols+` FROM proxy_payments WHERE id = ?`, id)
	return scanProxyPayment(row)
}

// ProxyPaymentByOriginal loads the proxy payment whose original leg is txID.
func (t *Tx) ProxyPaymentByOriginal(txID string) (*ProxyPayment, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+proxyCols+` FROM proxy_payments WHERE original_tx_id = ?`, txID)
	return scanProxyPayment(row)
}

// ProxyPaymentByOriginal loads the proxy payment whose original leg is txID.
func (s *Store) ProxyPaymentByOriginal(ctx context.Context, txID string) (*ProxyPayment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proxyCols+` FROM proxy_payments WHERE original_tx_id = ?`, txID)
	return scanProxyPayment(row)
}

// CreateProxyPayment creates both legs of a proxy payment and the link record
// in one write: the original transaction is flagged on-behalf-of (no balance
// effect) and the compensating debt adjustment carries the balance effect.
func (t *Tx) CreateProxyPayment(original, adjustment *Transaction, contactID string) (*ProxyPayment, error) {
	original.OnBehalfOf = true
	if original.ContactID == nil {
		original.ContactID = &contactID
	}
	if err := t.CreateTransaction(original); err != nil {
		return nil, err
	}
	if err := t.CreateTransaction(adjustment); err != nil {
		return nil, err
	}
	p := &ProxyPayment{
		ID:             uuid.New().String(),
		UserID:         original.UserID,
		ContactID:      contactID,
		OriginalTxID:   original.ID,
		AdjustmentTxID: adjustment.ID,
		Status:         TxActive,
		CreatedOn:      time.Now(),
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO proxy_payments (`+proxyCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.ContactID, p.OriginalTxID, p.AdjustmentTxID,
		string(p.Status), timeToDB(p.CreatedOn))
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy payment: %w", err)
	}
	t.noteInsert(TableProxyPayments, p.ID)
	return p, nil
}

// DeleteProxyPayment owns the cascade invariant: the adjustment transaction
// and the original transaction are deleted together, the adjustment's balance
// effect reverted first, all inside the enclosing write.
func (t *Tx) DeleteProxyPayment(id string) error {
	p, err := t.ProxyPaymentByID(id)
	if err != nil {
		return err
	}
	if err := t.deleteLegIfPresent(p.AdjustmentTxID); err != nil {
		return err
	}
	if err := t.deleteLegIfPresent(p.OriginalTxID); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM proxy_payments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete proxy payment: %w", err)
	}
	t.noteDelete(TableProxyPayments, id)
	return nil
}

func (t *Tx) deleteLegIfPresent(txID string) error {
	err := t.deleteTransactionLeg(txID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// CancelProxyPayment cancels both legs, reverting the adjustment's balance
// effect, and marks the link canceled.
func (t *Tx) CancelProxyPayment(id string) error {
	p, err := t.ProxyPaymentByID(id)
	if err != nil {
		return err
	}
	if err := t.cancelTransactionLeg(p.AdjustmentTxID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := t.cancelTransactionLeg(p.OriginalTxID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`UPDATE proxy_payments SET status = ? WHERE id = ?`, string(TxCanceled), id); err != nil {
		return fmt.Errorf("failed to cancel proxy payment: %w", err)
	}
	t.noteUpdate(TableProxyPayments, id)
	return nil
}
