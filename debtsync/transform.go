// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

package debtsync

import (
	"strings"
	"unicode"
)

// Local records use medial capitalization ("accountId"); remote rows use
// underscore separation ("account_id"). ToRemoteKeys/ToLocalKeys apply the
// rename deeply to plain maps and arrays. Keys named "type" or "account_type"
// additionally pass their value through the enum mapping tables instead of a
// pure rename, because the remote schema uses different enum tokens.

// txTypeToRemote maps local transaction-type tokens to remote enum tokens.
var txTypeToRemote = map[string]string{
	"cashIn":  "cash_in",
	"cashOut": "cash_out",
	"sendOut": "send_out",
	"credit":  "credit",
	"debit":   "debit",
	"receive": "receive",
	"borrow":  "borrow",
	"lend":    "lend",
}

// accountTypeToRemote maps local account-type tokens to remote enum tokens.
var accountTypeToRemote = map[string]string{
	"cash_in_cash_out": "cash_in_out",
	"receive_send_out": "receive_send",
}

var txTypeToLocal = invert(txTypeToRemote)
var accountTypeToLocal = invert(accountTypeToRemote)

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// ToRemoteKeys deep-renames map keys from local to remote naming and remaps
// enumerated values on type columns. Scalars pass through unchanged.
func ToRemoteKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			key := snakeCase(k)
			out[key] = enumToRemote(key, ToRemoteKeys(inner))
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = ToRemoteKeys(inner)
		}
		return out
	default:
		return v
	}
}

// ToLocalKeys is the inverse of ToRemoteKeys.
func ToLocalKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[camelCase(k)] = enumToLocal(k, ToLocalKeys(inner))
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = ToLocalKeys(inner)
		}
		return out
	default:
		return v
	}
}

func enumToRemote(remoteKey string, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch remoteKey {
	case "type", "tx_type":
		if mapped, ok := txTypeToRemote[s]; ok {
			return mapped
		}
	case "account_type":
		if mapped, ok := accountTypeToRemote[s]; ok {
			return mapped
		}
	}
	return v
}

func enumToLocal(remoteKey string, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch remoteKey {
	case "type", "tx_type":
		if mapped, ok := txTypeToLocal[s]; ok {
			return mapped
		}
	case "account_type":
		if mapped, ok := accountTypeToLocal[s]; ok {
			return mapped
		}
	}
	return v
}

// snakeCase converts "accountId" to "account_id". Existing underscores are
// preserved.
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// camelCase converts "account_id" to "accountId".
func camelCase(s string) string {
	var b strings.Builder
	upper := false
	for _, r := range s {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
