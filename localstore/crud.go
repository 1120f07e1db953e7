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

// ErrNotFound is returned when a record does not exist locally.
var ErrNotFound = errors.New("record not found")

type rowScanner interface {
	Scan(dest ...any) error
}

// NewLocalID generates a provisional identifier for a locally-created record.
// The "local-" prefix distinguishes it from server-assigned UUIDs so the sync
// engine can detect foreign keys that were never reconciled.
func NewLocalID() string {
	return "local-" + uuid.New().String()
}

func (m *SyncMeta) prepareCreate(now time.Time) {
	if m.ID == "" {
		m.ID = NewLocalID()
	}
	m.CreatedOn = now
	m.UpdatedOn = now
	m.SyncStatus = SyncPending
	m.NeedsUpload = true
}

func (m *SyncMeta) prepareUpdate(now time.Time) {
	m.UpdatedOn = now
	m.SyncStatus = SyncPending
	m.NeedsUpload = true
}

// MarkSynced stamps the record as fully reconciled with the remote store.
func (m *SyncMeta) MarkSynced(remoteID string, at time.Time) {
	m.RemoteID = &remoteID
	m.SyncStatus = SyncSynced
	m.NeedsUpload = false
	t := at.UTC()
	m.LastSyncAt = &t
}

func decimalFromDB(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse stored decimal %q: %w", s, err)
	}
	return d, nil
}

// --- users ---

const userCols = `id, name, email, password_hash, entitled,
	remote_id, sync_status, needs_upload, last_sync_at, created_on, updated_on`

func scanUser(r rowScanner) (*User, error) {
	var u User
	var entitled, needsUpload int
	var remoteID, lastSyncAt sql.NullString
	var createdOn, updatedOn string
	err := r.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &entitled,
		&remoteID, &u.SyncStatus, &needsUpload, &lastSyncAt, &createdOn, &updatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.Entitled = entitled != 0
	u.NeedsUpload = needsUpload != 0
	u.RemoteID = strPtrFromDB(remoteID)
	if u.LastSyncAt, err = timePtrFromDB(lastSyncAt); err != nil {
		return nil, err
	}
	if u.CreatedOn, err = timeFromDB(createdOn); err != nil {
		return nil, err
	}
	if u.UpdatedOn, err = timeFromDB(updatedOn); err != nil {
		return nil, err
	}
	return &u, nil
}

// UserByID loads a user by local id.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (t *Tx) UserByID(id string) (*User, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// PutUser inserts or replaces a user row without touching the ledger. Used by
// the sync engine to fold server state back into the store.
func (t *Tx) PutUser(u *User) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT OR REPLACE INTO users (`+userCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.PasswordHash, boolToDB(u.Entitled),
		strPtrToDB(u.RemoteID), string(u.SyncStatus), boolToDB(u.NeedsUpload),
		timePtrToDB(u.LastSyncAt), timeToDB(u.CreatedOn), timeToDB(u.UpdatedOn))
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// CreateUser inserts a user and queues a create ledger entry.
func (t *Tx) CreateUser(u *User) error {
	u.prepareCreate(time.Now())
	if err := t.PutUser(u); err != nil {
		return err
	}
	t.noteInsert(TableUsers, u.ID)
	return t.RecordChange(OpCreate, TableUsers, u.ID, u.ID)
}

// UpdateUser updates a user and queues an update ledger entry unless an
// un-synced create entry already covers the latest state.
func (t *Tx) UpdateUser(u *User) error {
	u.prepareUpdate(time.Now())
	if err := t.PutUser(u); err != nil {
		return err
	}
	t.noteUpdate(TableUsers, u.ID)
	return t.recordUpdateChange(TableUsers, u.ID, u.ID)
}

// RemoveUser deletes the user row without ledger bookkeeping.
func (t *Tx) RemoveUser(id string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove user: %w", err)
	}
	t.noteDelete(TableUsers, id)
	return nil
}

// --- accounts ---

const accountCols = `id, user_id, name, account_type, currency, initial_amount, balance, archived,
	remote_id, sync_status, needs_upload, last_sync_at, created_on, updated_on`

func scanAccount(r rowScanner) (*Account, error) {
	var a Account
	var archived, needsUpload int
	var remoteID, lastSyncAt sql.NullString
	var initialAmount, balance, createdOn, updatedOn string
	err := r.Scan(&a.ID, &a.UserID, &a.Name, &a.AccountType, &a.Currency,
		&initialAmount, &balance, &archived,
		&remoteID, &a.SyncStatus, &needsUpload, &lastSyncAt, &createdOn, &updatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.Archived = archived != 0
	a.NeedsUpload = needsUpload != 0
	a.RemoteID = strPtrFromDB(remoteID)
	if a.InitialAmount, err = decimalFromDB(initialAmount); err != nil {
		return nil, err
	}
	if a.Balance, err = decimalFromDB(balance); err != nil {
		return nil, err
	}
	if a.LastSyncAt, err = timePtrFromDB(lastSyncAt); err != nil {
		return nil, err
	}
	if a.CreatedOn, err = timeFromDB(createdOn); err != nil {
		return nil, err
	}
	if a.UpdatedOn, err = timeFromDB(updatedOn); err != nil {
		return nil, err
	}
	return &a, nil
}

// AccountByID loads an account by local id.
func (s *Store) AccountByID(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (t *Tx) AccountByID(id string) (*Account, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// AccountsByUser lists accounts owned by a user, newest first.
func (s *Store) AccountsByUser(ctx context.Context, userID string) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountCols+` FROM accounts WHERE user_id = ? ORDER BY created_on DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PutAccount inserts or replaces an account row without touching the ledger.
func (t *Tx) PutAccount(a *Account) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT OR REPLACE INTO accounts (`+accountCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Name, a.AccountType, a.Currency,
		a.InitialAmount.String(), a.Balance.String(), boolToDB(a.Archived),
		strPtrToDB(a.RemoteID), string(a.SyncStatus), boolToDB(a.NeedsUpload),
		timePtrToDB(a.LastSyncAt), timeToDB(a.CreatedOn), timeToDB(a.UpdatedOn))
	if err != nil {
		return fmt.Errorf("failed to put account: %w", err)
	}
	return nil
}

// CreateAccount inserts an account and queues a create ledger entry. The
// running balance starts at the initial amount.
func (t *Tx) CreateAccount(a *Account) error {
	a.prepareCreate(time.Now())
	if a.Balance.IsZero() && !a.InitialAmount.IsZero() {
		a.Balance = a.InitialAmount
	}
	if err := t.PutAccount(a); err != nil {
		return err
	}
	t.noteInsert(TableAccounts, a.ID)
	return t.RecordChange(OpCreate, TableAccounts, a.ID, a.UserID)
}

// UpdateAccount updates an account and queues an update ledger entry unless a
// pending create already covers it.
func (t *Tx) UpdateAccount(a *Account) error {
	a.prepareUpdate(time.Now())
	if err := t.PutAccount(a); err != nil {
		return err
	}
	t.noteUpdate(TableAccounts, a.ID)
	return t.recordUpdateChange(TableAccounts, a.ID, a.UserID)
}

// DeleteAccount removes an account, applying the ledger coalescing policy.
func (t *Tx) DeleteAccount(id string) error {
	a, err := t.AccountByID(id)
	if err != nil {
		return err
	}
	if err := t.RemoveAccount(id); err != nil {
		return err
	}
	return t.recordDeleteChange(TableAccounts, id, a.UserID)
}

// RemoveAccount deletes the account row without ledger bookkeeping.
func (t *Tx) RemoveAccount(id string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}
	t.noteDelete(TableAccounts, id)
	return nil
}

// --- contacts ---

const contactCols = `id, user_id, name, phone, email,
	remote_id, sync_status, needs_upload, last_sync_at, created_on, updated_on`

func scanContact(r rowScanner) (*Contact, error) {
	var c Contact
	var needsUpload int
	var remoteID, lastSyncAt sql.NullString
	var createdOn, updatedOn string
	err := r.Scan(&c.ID, &c.UserID, &c.Name, &c.Phone, &c.Email,
		&remoteID, &c.SyncStatus, &needsUpload, &lastSyncAt, &createdOn, &updatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}
	c.NeedsUpload = needsUpload != 0
	c.RemoteID = strPtrFromDB(remoteID)
	if c.LastSyncAt, err = timePtrFromDB(lastSyncAt); err != nil {
		return nil, err
	}
	if c.CreatedOn, err = timeFromDB(createdOn); err != nil {
		return nil, err
	}
	if c.UpdatedOn, err = timeFromDB(updatedOn); err != nil {
		return nil, err
	}
	return &c, nil
}

// ContactByID loads a contact by local id.
func (s *Store) ContactByID(ctx context.Context, id string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactCols+` FROM contacts WHERE id = ?`, id)
	return scanContact(row)
}

func (t *Tx) ContactByID(id string) (*Contact, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+contactCols+` FROM contacts WHERE id = ?`, id)
	return scanContact(row)
}

// PutContact inserts or replaces a contact row without touching the ledger.
func (t *Tx) PutContact(c *Contact) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT OR REPLACE INTO contacts (`+contactCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Name, c.Phone, c.Email,
		strPtrToDB(c.RemoteID), string(c.SyncStatus), boolToDB(c.NeedsUpload),
		timePtrToDB(c.LastSyncAt), timeToDB(c.CreatedOn), timeToDB(c.UpdatedOn))
	if err != nil {
		return fmt.Errorf("failed to put contact: %w", err)
	}
	return nil
}

// CreateContact inserts a contact and queues a create ledger entry.
func (t *Tx) CreateContact(c *Contact) error {
	c.prepareCreate(time.Now())
	if err := t.PutContact(c); err != nil {
		return err
	}
	t.noteInsert(TableContacts, c.ID)
	return t.RecordChange(OpCreate, TableContacts, c.ID, c.UserID)
}

// UpdateContact updates a contact and queues an update ledger entry unless a
// pending create already covers it.
func (t *Tx) UpdateContact(c *Contact) error {
	c.prepareUpdate(time.Now())
	if err := t.PutContact(c); err != nil {
		return err
	}
	t.noteUpdate(TableContacts, c.ID)
	return t.recordUpdateChange(TableContacts, c.ID, c.UserID)
}

// DeleteContact removes a contact, applying the ledger coalescing policy.
func (t *Tx) DeleteContact(id string) error {
	c, err := t.ContactByID(id)
	if err != nil {
		return err
	}
	if err := t.RemoveContact(id); err != nil {
		return err
	}
	return t.recordDeleteChange(TableContacts, id, c.UserID)
}

// RemoveContact deletes the contact row without ledger bookkeeping.
func (t *Tx) RemoveContact(id string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM contacts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove contact: %w", err)
	}
	t.noteDelete(TableContacts, id)
	return nil
}

// --- local-only entities ---

// PutCategory inserts or replaces a category. Categories are local-only and
// never enter the change ledger.
func (t *Tx) PutCategory(c *Category) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now()
	if c.CreatedOn.IsZero() {
		c.CreatedOn = now
	}
	c.UpdatedOn = now
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT OR REPLACE INTO categories (id, user_id, name, kind, icon, created_on, updated_on)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Name, c.Kind, c.Icon, timeToDB(c.CreatedOn), timeToDB(c.UpdatedOn))
	if err != nil {
		return fmt.Errorf("failed to put category: %w", err)
	}
	t.noteUpdate(TableCategories, c.ID)
	return nil
}

// DeleteCategory removes a category row.
func (t *Tx) DeleteCategory(id string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM categories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete category: %w", err)
	}
	t.noteDelete(TableCategories, id)
	return nil
}

// CategoriesByUser lists a user's categories by name.
func (s *Store) CategoriesByUser(ctx context.Context, userID string) ([]*Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, kind, icon, created_on, updated_on
		FROM categories WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()
	var out []*Category
	for rows.Next() {
		var c Category
		var createdOn, updatedOn string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Kind, &c.Icon, &createdOn, &updatedOn); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		if c.CreatedOn, err = timeFromDB(createdOn); err != nil {
			return nil, err
		}
		if c.UpdatedOn, err = timeFromDB(updatedOn); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// PutBudget inserts or replaces a budget. Budgets are local-only.
func (t *Tx) PutBudget(b *Budget) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := time.Now()
	if b.CreatedOn.IsZero() {
		b.CreatedOn = now
	}
	b.UpdatedOn = now
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT OR REPLACE INTO budgets (id, user_id, category_id, limit_amount, period, created_on, updated_on)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.CategoryID, b.LimitAmount.String(), b.Period,
		timeToDB(b.CreatedOn), timeToDB(b.UpdatedOn))
	if err != nil {
		return fmt.Errorf("failed to put budget: %w", err)
	}
	t.noteUpdate(TableBudgets, b.ID)
	return nil
}

// DeleteBudget removes a budget row.
func (t *Tx) DeleteBudget(id string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM budgets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete budget: %w", err)
	}
	t.noteDelete(TableBudgets, id)
	return nil
}

// PutCodeList inserts or replaces a code list and its elements.
func (t *Tx) PutCodeList(l *CodeList, elements []CodeElement) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT OR REPLACE INTO code_lists (id, name) VALUES (?, ?)`, l.ID, l.Name); err != nil {
		return fmt.Errorf("failed to put code list: %w", err)
	}
	for i := range elements {
		e := &elements[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		e.ListID = l.ID
		if _, err := t.tx.ExecContext(t.ctx, `
			INSERT OR REPLACE INTO code_elements (id, list_id, code, label, sort_order)
			VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.ListID, e.Code, e.Label, e.SortOrder); err != nil {
			return fmt.Errorf("failed to put code element: %w", err)
		}
	}
	t.noteUpdate(TableCodeLists, l.ID)
	return nil
}

// CodeElements lists the elements of a code list in sort order.
func (s *Store) CodeElements(ctx context.Context, listID string) ([]CodeElement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, list_id, code, label, sort_order
		FROM code_elements WHERE list_id = ? ORDER BY sort_order`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query code elements: %w", err)
	}
	defer rows.Close()
	var out []CodeElement
	for rows.Next() {
		var e CodeElement
		if err := rows.Scan(&e.ID, &e.ListID, &e.Code, &e.Label, &e.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan code element: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutReport inserts or replaces a saved report definition.
func (t *Tx) PutReport(r *Report) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedOn.IsZero() {
		r.CreatedOn = time.Now()
	}
	if r.Params == "" {
		r.Params = "{}"
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT OR REPLACE INTO reports (id, user_id, name, params, created_on)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Name, r.Params, timeToDB(r.CreatedOn))
	if err != nil {
		return fmt.Errorf("failed to put report: %w", err)
	}
	t.noteUpdate(TableReports, r.ID)
	return nil
}

func boolToDB(b bool) int {
	if b {
		return 1
	}
	return 0
}
