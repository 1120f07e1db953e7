// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import "fmt"

// Relink helpers rewrite foreign-key columns after the sync engine replaces a
// local identifier with the server-assigned one. They run in the same write
// transaction as the identifier swap so dependent records never observe a
// dangling reference.

// RelinkUser rewrites user references across all owning tables, including the
// change ledger itself so later runs still find the pending entries.
func (t *Tx) RelinkUser(oldID, newID string) error {
	stmts := []string{
		`UPDATE accounts SET user_id = ? WHERE user_id = ?`,
		`UPDATE contacts SET user_id = ? WHERE user_id = ?`,
		`UPDATE transactions SET user_id = ? WHERE user_id = ?`,
		`UPDATE categories SET user_id = ? WHERE user_id = ?`,
		`UPDATE budgets SET user_id = ? WHERE user_id = ?`,
		`UPDATE proxy_payments SET user_id = ? WHERE user_id = ?`,
		`UPDATE reports SET user_id = ? WHERE user_id = ?`,
		`UPDATE sync_log SET user_id = ? WHERE user_id = ?`,
	}
	return t.relink(stmts, oldID, newID)
}

// RelinkAccount rewrites account references held by transactions.
func (t *Tx) RelinkAccount(oldID, newID string) error {
	return t.relink([]string{
		`UPDATE transactions SET account_id = ? WHERE account_id = ?`,
	}, oldID, newID)
}

// RelinkContact rewrites contact references held by transactions and proxy
// payments.
func (t *Tx) RelinkContact(oldID, newID string) error {
	return t.relink([]string{
		`UPDATE transactions SET contact_id = ? WHERE contact_id = ?`,
		`UPDATE proxy_payments SET contact_id = ? WHERE contact_id = ?`,
	}, oldID, newID)
}

// RelinkTransaction rewrites transaction references held by proxy payments.
func (t *Tx) RelinkTransaction(oldID, newID string) error {
	return t.relink([]string{
		`UPDATE proxy_payments SET original_tx_id = ? WHERE original_tx_id = ?`,
		`UPDATE proxy_payments SET adjustment_tx_id = ? WHERE adjustment_tx_id = ?`,
	}, oldID, newID)
}

func (t *Tx) relink(stmts []string, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := t.tx.ExecContext(t.ctx, stmt, newID, oldID); err != nil {
			return fmt.Errorf("failed to relink %s -> %s: %w", oldID, newID, err)
		}
	}
	return nil
}
