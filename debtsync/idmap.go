// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

package debtsync

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnmappedReference means a foreign key still holds a local identifier that
// no completed create in this run has mapped, and the value is not already in
// remote identifier format. The engine fails the entry rather than guess.
var ErrUnmappedReference = errors.New("unmapped local reference")

// IDMap is the per-run identifier reconciliation map: local id → server id,
// per table. It is rebuilt from scratch every run and never persisted; pending
// foreign-key references are resolved by replaying the ledger in dependency
// order within the same run.
type IDMap struct {
	tables map[string]map[string]string
}

// NewIDMap creates an empty reconciliation map.
func NewIDMap() *IDMap {
	return &IDMap{tables: make(map[string]map[string]string)}
}

// Record stores a local→remote identifier mapping for a table.
func (m *IDMap) Record(table, localID, remoteID string) {
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]string)
		m.tables[table] = t
	}
	t[localID] = remoteID
}

// Lookup returns the remote id mapped to localID, if any.
func (m *IDMap) Lookup(table, localID string) (string, bool) {
	remoteID, ok := m.tables[table][localID]
	return remoteID, ok
}

// Table returns a copy of the mappings recorded for one table.
func (m *IDMap) Table(table string) map[string]string {
	out := make(map[string]string, len(m.tables[table]))
	for k, v := range m.tables[table] {
		out[k] = v
	}
	return out
}

// Len returns the total number of recorded mappings.
func (m *IDMap) Len() int {
	n := 0
	for _, t := range m.tables {
		n += len(t)
	}
	return n
}

// Resolve rewrites an identifier that may be a pre-sync local id: a mapped id
// is replaced, an id already in remote format passes through, anything else is
// an ErrUnmappedReference.
func (m *IDMap) Resolve(table, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	if remoteID, ok := m.Lookup(table, id); ok {
		return remoteID, nil
	}
	if isRemoteShaped(id) {
		return id, nil
	}
	return "", fmt.Errorf("%s id %q: %w", table, id, ErrUnmappedReference)
}

// isRemoteShaped reports whether an identifier is already in the remote
// store's identifier format (UUID).
func isRemoteShaped(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
