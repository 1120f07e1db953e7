// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

package debtsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hamza112255/go-smartdebt/localstore"
)

// Typed wire rows, one per synced table. Local-only bookkeeping (sync status
// flags, the remote identifier field, the password hash) never appears here.
// The structs carry local key names; encodeRemote/decodeRemote apply the deep
// key and enum transform at the JSON boundary.

type userRow struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Entitled  bool   `json:"entitled"`
	CreatedOn string `json:"createdOn,omitempty"`
	UpdatedOn string `json:"updatedOn,omitempty"`
}

type accountRow struct {
	ID            string          `json:"id,omitempty"`
	UserID        string          `json:"userId"`
	Name          string          `json:"name"`
	AccountType   string          `json:"accountType"`
	Currency      string          `json:"currency"`
	InitialAmount decimal.Decimal `json:"initialAmount"`
	Balance       decimal.Decimal `json:"balance"`
	Archived      bool            `json:"archived"`
	CreatedOn     string          `json:"createdOn,omitempty"`
	UpdatedOn     string          `json:"updatedOn,omitempty"`
}

type contactRow struct {
	ID        string `json:"id,omitempty"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	CreatedOn string `json:"createdOn,omitempty"`
	UpdatedOn string `json:"updatedOn,omitempty"`
}

type transactionRow struct {
	ID         string          `json:"id,omitempty"`
	UserID     string          `json:"userId"`
	AccountID  string          `json:"accountId"`
	ContactID  *string         `json:"contactId,omitempty"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Note       string          `json:"note"`
	TxDate     string          `json:"txDate"`
	Recurring  bool            `json:"recurring"`
	OnBehalfOf bool            `json:"onBehalfOf"`
	Status     string          `json:"status"`
	CreatedOn  string          `json:"createdOn,omitempty"`
	UpdatedOn  string          `json:"updatedOn,omitempty"`
}

func wireTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseWireTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse remote timestamp %q: %w", s, err)
	}
	return t, nil
}

// encodeRemote turns a typed row into the remote wire map: snake_case keys
// and remote enum tokens.
func encodeRemote(row any) (map[string]any, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal row: %w", err)
	}
	var local map[string]any
	if err := json.Unmarshal(data, &local); err != nil {
		return nil, fmt.Errorf("failed to stage row for transform: %w", err)
	}
	remote, ok := ToRemoteKeys(local).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("transformed row is not an object")
	}
	return remote, nil
}

// decodeRemote turns a remote wire map back into a typed row.
func decodeRemote(remote map[string]any, out any) error {
	local := ToLocalKeys(remote)
	data, err := json.Marshal(local)
	if err != nil {
		return fmt.Errorf("failed to stage remote row for decode: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode remote row: %w", err)
	}
	return nil
}

// --- per-entity mappings (pure, total) ---

func userToRow(u *localstore.User) userRow {
	return userRow{
		Name:      u.Name,
		Email:     u.Email,
		Entitled:  u.Entitled,
		CreatedOn: wireTime(u.CreatedOn),
		UpdatedOn: wireTime(u.UpdatedOn),
	}
}

func foldUserRow(u *localstore.User, r userRow) {
	u.Name = r.Name
	u.Email = r.Email
	u.Entitled = r.Entitled
}

func accountToRow(a *localstore.Account, ids *IDMap) (accountRow, error) {
	userID, err := ids.Resolve(localstore.TableUsers, a.UserID)
	if err != nil {
		return accountRow{}, err
	}
	return accountRow{
		UserID:        userID,
		Name:          a.Name,
		AccountType:   a.AccountType,
		Currency:      a.Currency,
		InitialAmount: a.InitialAmount,
		Balance:       a.Balance,
		Archived:      a.Archived,
		CreatedOn:     wireTime(a.CreatedOn),
		UpdatedOn:     wireTime(a.UpdatedOn),
	}, nil
}

func foldAccountRow(a *localstore.Account, r accountRow) {
	if r.UserID != "" {
		a.UserID = r.UserID
	}
	a.Name = r.Name
	a.AccountType = r.AccountType
	a.Currency = r.Currency
	a.InitialAmount = r.InitialAmount
	a.Balance = r.Balance
	a.Archived = r.Archived
}

func contactToRow(c *localstore.Contact, ids *IDMap) (contactRow, error) {
	userID, err := ids.Resolve(localstore.TableUsers, c.UserID)
	if err != nil {
		return contactRow{}, err
	}
	return contactRow{
		UserID:    userID,
		Name:      c.Name,
		Phone:     c.Phone,
		Email:     c.Email,
		CreatedOn: wireTime(c.CreatedOn),
		UpdatedOn: wireTime(c.UpdatedOn),
	}, nil
}

func foldContactRow(c *localstore.Contact, r contactRow) {
	if r.UserID != "" {
		c.UserID = r.UserID
	}
	c.Name = r.Name
	c.Phone = r.Phone
	c.Email = r.Email
}

func transactionToRow(tr *localstore.Transaction, ids *IDMap) (transactionRow, error) {
	userID, err := ids.Resolve(localstore.TableUsers, tr.UserID)
	if err != nil {
		return transactionRow{}, err
	}
	accountID, err := ids.Resolve(localstore.TableAccounts, tr.AccountID)
	if err != nil {
		return transactionRow{}, err
	}
	var contactID *string
	if tr.ContactID != nil {
		resolved, err := ids.Resolve(localstore.TableContacts, *tr.ContactID)
		if err != nil {
			return transactionRow{}, err
		}
		contactID = &resolved
	}
	return transactionRow{
		UserID:     userID,
		AccountID:  accountID,
		ContactID:  contactID,
		Type:       string(tr.TxType),
		Amount:     tr.Amount,
		Note:       tr.Note,
		TxDate:     wireTime(tr.TxDate),
		Recurring:  tr.Recurring,
		OnBehalfOf: tr.OnBehalfOf,
		Status:     string(tr.Status),
		CreatedOn:  wireTime(tr.CreatedOn),
		UpdatedOn:  wireTime(tr.UpdatedOn),
	}, nil
}

func foldTransactionRow(tr *localstore.Transaction, r transactionRow) error {
	if r.UserID != "" {
		tr.UserID = r.UserID
	}
	if r.AccountID != "" {
		tr.AccountID = r.AccountID
	}
	tr.ContactID = r.ContactID
	tr.TxType = localstore.TransactionType(r.Type)
	tr.Amount = r.Amount
	tr.Note = r.Note
	tr.Recurring = r.Recurring
	tr.OnBehalfOf = r.OnBehalfOf
	if r.Status != "" {
		tr.Status = localstore.TransactionStatus(r.Status)
	}
	if r.TxDate != "" {
		txDate, err := parseWireTime(r.TxDate)
		if err != nil {
			return err
		}
		tr.TxDate = txDate
	}
	return nil
}
