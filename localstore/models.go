// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"time"

	"github.com/shopspring/decimal"
)

// Table name constants for synced and local-only tables.
const (
	TableUsers         = "users"
	TableAccounts      = "accounts"
	TableContacts      = "contacts"
	TableTransactions  = "transactions"
	TableCategories    = "categories"
	TableBudgets       = "budgets"
	TableProxyPayments = "proxy_payments"
	TableCodeLists     = "code_lists"
	TableCodeElements  = "code_elements"
	TableReports       = "reports"
)

// Operation constants for ledger entries
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// SyncStatus describes the sync state of a domain record.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncPending SyncStatus = "pending"
	SyncFailed  SyncStatus = "failed"
)

// LedgerStatus describes the lifecycle state of a ledger entry.
type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "pending"
	LedgerCompleted LedgerStatus = "completed"
	LedgerFailed    LedgerStatus = "failed"
)

// TransactionType uses the local (medial-capitalized) tokens of the app.
// The remote schema uses underscore tokens; see the debtsync value mapping.
type TransactionType string

const (
	TxCashIn  TransactionType = "cashIn"
	TxCashOut TransactionType = "cashOut"
	TxCredit  TransactionType = "credit"
	TxDebit   TransactionType = "debit"
	TxReceive TransactionType = "receive"
	TxSendOut TransactionType = "sendOut"
	TxBorrow  TransactionType = "borrow"
	TxLend    TransactionType = "lend"
)

// Direction returns +1 for inflow types, -1 for outflow types, and 0 for
// unknown types (which never move a balance).
func (t TransactionType) Direction() int {
	switch t {
	case TxCashIn, TxCredit, TxReceive, TxBorrow:
		return 1
	case TxCashOut, TxDebit, TxSendOut, TxLend:
		return -1
	default:
		return 0
	}
}

// TransactionStatus describes the business state of a transaction.
type TransactionStatus string

const (
	TxActive   TransactionStatus = "active"
	TxCanceled TransactionStatus = "canceled"
)

// SyncMeta carries the sync bookkeeping fields shared by all synced records.
// These fields are local-only and are stripped before upload.
type SyncMeta struct {
	ID          string
	RemoteID    *string
	SyncStatus  SyncStatus
	NeedsUpload bool
	LastSyncAt  *time.Time
	CreatedOn   time.Time
	UpdatedOn   time.Time
}

// User is the locally-signed-in user. The remote user row is provisioned at
// signup, so a queued user create is applied remotely as an update.
type User struct {
	SyncMeta
	Name         string
	Email        string
	PasswordHash string // never uploaded
	Entitled     bool
}

// Account is a money account owned by the user.
type Account struct {
	SyncMeta
	UserID        string
	Name          string
	AccountType   string
	Currency      string
	InitialAmount decimal.Decimal
	Balance       decimal.Decimal
	Archived      bool
}

// Contact is a counterparty for debts and proxy payments.
type Contact struct {
	SyncMeta
	UserID string
	Name   string
	Phone  string
	Email  string
}

// Transaction is a single money movement against an account.
type Transaction struct {
	SyncMeta
	UserID     string
	AccountID  string
	ContactID  *string
	CategoryID *string
	TxType     TransactionType
	Amount     decimal.Decimal
	Note       string
	TxDate     time.Time
	Recurring  bool
	OnBehalfOf bool
	Status     TransactionStatus
}

// Category is local-only classification metadata.
type Category struct {
	ID        string
	UserID    string
	Name      string
	Kind      string // "income" or "expense"
	Icon      string
	CreatedOn time.Time
	UpdatedOn time.Time
}

// Budget is a local-only spending limit per category.
type Budget struct {
	ID          string
	UserID      string
	CategoryID  string
	LimitAmount decimal.Decimal
	Period      string // "weekly", "monthly", "yearly"
	CreatedOn   time.Time
	UpdatedOn   time.Time
}

// ProxyPayment links an original transaction paid on behalf of a contact to
// the compensating debt-adjustment transaction. It owns only the relationship
// between the two transaction ids, not the transactions themselves.
type ProxyPayment struct {
	ID             string
	UserID         string
	ContactID      string
	OriginalTxID   string
	AdjustmentTxID string
	Status         TransactionStatus
	CreatedOn      time.Time
}

// CodeList is a local-only enumerated value list.
type CodeList struct {
	ID   string
	Name string
}

// CodeElement is one element of a CodeList.
type CodeElement struct {
	ID        string
	ListID    string
	Code      string
	Label     string
	SortOrder int
}

// Report is a local-only saved report definition.
type Report struct {
	ID        string
	UserID    string
	Name      string
	Params    string // JSON blob of report parameters
	CreatedOn time.Time
}

// LedgerEntry is one row of the change ledger (sync log). It is written in
// the same transaction as the domain mutation it describes and is never sent
// remotely.
type LedgerEntry struct {
	ID          string
	UserID      string
	TableName   string
	RecordID    string
	Operation   string
	Status      LedgerStatus
	Error       *string
	CreatedOn   time.Time
	ProcessedAt *time.Time
}

// ChangeSet is delivered to table watchers after a commit that touched the
// watched table.
type ChangeSet struct {
	Table         string
	Insertions    []string
	Modifications []string
	Deletions     []string
}
