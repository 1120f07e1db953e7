// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

// Package debtsync drains the local change ledger against the remote store.
// Queued mutations are applied strictly sequentially in dependency order,
// building up a per-run identifier reconciliation map so that dependent
// records reference server-assigned identifiers, never stale local ones.
package debtsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hamza112255/go-smartdebt/localstore"
	"github.com/hamza112255/go-smartdebt/remotestore"
)

// Config controls which tables the engine syncs and their apply order.
type Config struct {
	// Tables lists the synced tables in dependency order: a table must come
	// after every table it references. Unknown tables sort last and fail.
	Tables []string
}

// DefaultConfig returns the table set of the app schema: transactions
// reference accounts and contacts, which reference users.
func DefaultConfig() *Config {
	return &Config{Tables: []string{
		localstore.TableUsers,
		localstore.TableAccounts,
		localstore.TableContacts,
		localstore.TableTransactions,
	}}
}

const unknownTablePriority = 100

var opPriority = map[string]int{
	localstore.OpCreate: 0,
	localstore.OpUpdate: 1,
	localstore.OpDelete: 2,
}

// Entitlements gates whether sync is attempted at all. Free-tier users
// accumulate a ledger but never apply it remotely; the local store remains
// their sole source of truth indefinitely.
type Entitlements interface {
	SyncAllowed(ctx context.Context, userID string) (bool, error)
}

// Connectivity reports whether the device can reach the remote store.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// ProgressFunc observes per-entry progress. It has no effect on control flow.
type ProgressFunc func(current, total int, message string)

// RunSummary describes the outcome of one drain run.
type RunSummary struct {
	Total     int
	Succeeded int
	Failed    int
	IDMap     *IDMap
}

// RunOptions configures a single run.
type RunOptions struct {
	Progress ProgressFunc
}

// Engine drains the change ledger. Construct with New and reuse across runs;
// the reconciliation map itself is per-run state.
type Engine struct {
	store        *localstore.Store
	remote       *remotestore.Client
	entitlements Entitlements
	connectivity Connectivity
	logger       *slog.Logger
	tableRank    map[string]int
}

// New creates a sync engine. A nil cfg means DefaultConfig; a nil logger
// defaults to slog.Default().
func New(store *localstore.Store, remote *remotestore.Client, ent Entitlements, conn Connectivity, cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	rank := make(map[string]int, len(cfg.Tables))
	for i, table := range cfg.Tables {
		rank[table] = i
	}
	return &Engine{
		store:        store,
		remote:       remote,
		entitlements: ent,
		connectivity: conn,
		logger:       logger,
		tableRank:    rank,
	}
}

// Run drains the pending ledger for userID. Preconditions: the user is
// entitled, the device is online, and at least one entry is pending or
// failed; otherwise the run is a no-op returning a zero-count summary.
// Entries are applied one at a time; a single failure marks that entry
// failed and the run continues.
func (e *Engine) Run(ctx context.Context, userID string, opts *RunOptions) (*RunSummary, error) {
	summary := &RunSummary{IDMap: NewIDMap()}

	allowed, err := e.entitlements.SyncAllowed(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check entitlement: %w", err)
	}
	if !allowed {
		e.logger.Debug("sync skipped: user not entitled", "user", userID)
		return summary, nil
	}
	if !e.connectivity.Online(ctx) {
		e.logger.Debug("sync skipped: offline", "user", userID)
		return summary, nil
	}

	entries, err := e.store.PendingLedger(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending ledger: %w", err)
	}
	if len(entries) == 0 {
		return summary, nil
	}

	e.sortEntries(entries)
	summary.Total = len(entries)

	for i, entry := range entries {
		applyErr := e.applyEntry(ctx, entry, summary.IDMap)
		if applyErr != nil {
			summary.Failed++
			e.logger.Warn("ledger entry failed",
				"table", entry.TableName, "op", entry.Operation,
				"record", entry.RecordID, "error", applyErr)
			if err := e.markFailed(ctx, entry, applyErr); err != nil {
				return summary, err
			}
		} else {
			summary.Succeeded++
		}
		if opts != nil && opts.Progress != nil {
			opts.Progress(i+1, summary.Total,
				fmt.Sprintf("%s %s %s", entry.Operation, entry.TableName, entry.RecordID))
		}
	}

	e.logger.Info("sync run finished",
		"user", userID, "total", summary.Total,
		"succeeded", summary.Succeeded, "failed", summary.Failed)
	return summary, nil
}

// markFailed records the failure on the ledger entry and flags the record
// itself, when it still exists, as failed. Entries on tables without sync
// bookkeeping still get their ledger failure recorded.
func (e *Engine) markFailed(ctx context.Context, entry *localstore.LedgerEntry, applyErr error) error {
	err := e.store.Write(ctx, func(tx *localstore.Tx) error {
		if err := tx.MarkLedgerFailed(entry.ID, applyErr.Error()); err != nil {
			return err
		}
		if entry.Operation != localstore.OpDelete && localstore.IsSyncedTable(entry.TableName) {
			return tx.SetSyncStatus(entry.TableName, entry.RecordID, localstore.SyncFailed)
		}
		return nil
	})
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return fmt.Errorf("failed to record ledger failure: %w", err)
	}
	return nil
}

// sortEntries orders entries by table priority, then operation priority, then
// creation time. The ordering is mandatory: violating it would either fail a
// dependent apply or silently upload a stale local identifier.
func (e *Engine) sortEntries(entries []*localstore.LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := e.rank(entries[i].TableName), e.rank(entries[j].TableName)
		if ti != tj {
			return ti < tj
		}
		oi, oj := opRank(entries[i].Operation), opRank(entries[j].Operation)
		if oi != oj {
			return oi < oj
		}
		return entries[i].CreatedOn.Before(entries[j].CreatedOn)
	})
}

func (e *Engine) rank(table string) int {
	if p, ok := e.tableRank[table]; ok {
		return p
	}
	return unknownTablePriority
}

func opRank(op string) int {
	if p, ok := opPriority[op]; ok {
		return p
	}
	return len(opPriority)
}
