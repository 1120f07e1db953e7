// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotestore is the client for the hosted backend. The backend is
// authoritative only for assigning final identifiers and optional cross-device
// durability; it is consumed exclusively through narrow insert/update/delete/
// select primitives scoped by table and filter.
package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks JSON over HTTP to the hosted backend's REST surface.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   func(ctx context.Context) (string, error) // returns the session JWT
	logger  *slog.Logger
}

// NewClient creates a remote store client. token supplies the bearer token for
// every request.
func NewClient(baseURL string, token func(ctx context.Context) (string, error), logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Token:   token,
		logger:  logger,
	}
}

// RemoteError is a rejection from the remote store: constraint violation,
// auth failure, or any non-2xx response.
type RemoteError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details"`
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote store error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote store error %d: %s", e.StatusCode, e.Message)
}

// From starts a query against a table.
func (c *Client) From(table string) *Query {
	return &Query{c: c, table: table, params: url.Values{}}
}

// Query accumulates filters and projection for one table operation.
type Query struct {
	c      *Client
	table  string
	params url.Values
}

// Select sets the column projection for Rows/Single.
func (q *Query) Select(cols ...string) *Query {
	if len(cols) == 0 {
		q.params.Set("select", "*")
	} else {
		q.params.Set("select", strings.Join(cols, ","))
	}
	return q
}

// Eq adds an equality filter on a column.
func (q *Query) Eq(col string, val any) *Query {
	q.params.Add(col, fmt.Sprintf("eq.%v", val))
	return q
}

// Or adds a disjunction filter expression, e.g. "status.eq.pending,status.eq.failed".
func (q *Query) Or(expr string) *Query {
	q.params.Set("or", "("+expr+")")
	return q
}

// Order sets the result ordering for Rows.
func (q *Query) Order(col string, desc bool) *Query {
	dir := "asc"
	if desc {
		dir = "desc"
	}
	q.params.Set("order", col+"."+dir)
	return q
}

// Insert posts a new row. The remote store assigns the identifier unless the
// row carries one. When out is non-nil the inserted representation is decoded
// into it.
func (q *Query) Insert(ctx context.Context, row, out any) error {
	return q.c.do(ctx, http.MethodPost, q.table, q.params, row, out)
}

// Update patches the rows matching the accumulated filters with the given
// representation. When out is non-nil the updated representation is decoded
// into it.
func (q *Query) Update(ctx context.Context, row, out any) error {
	return q.c.do(ctx, http.MethodPatch, q.table, q.params, row, out)
}

// Delete removes the rows matching the accumulated filters.
func (q *Query) Delete(ctx context.Context) error {
	return q.c.do(ctx, http.MethodDelete, q.table, q.params, nil, nil)
}

// Rows fetches the matching rows into out (a pointer to a slice).
func (q *Query) Rows(ctx context.Context, out any) error {
	if q.params.Get("select") == "" {
		q.Select()
	}
	return q.c.do(ctx, http.MethodGet, q.table, q.params, nil, out)
}

// Single fetches exactly one matching row into out. Zero or multiple matches
// are a *RemoteError from the server.
func (q *Query) Single(ctx context.Context, out any) error {
	if q.params.Get("select") == "" {
		q.Select()
	}
	return q.c.doSingle(ctx, http.MethodGet, q.table, q.params, nil, out)
}

func (c *Client) do(ctx context.Context, method, table string, params url.Values, body, out any) error {
	single := out != nil && method != http.MethodGet
	if single {
		return c.doSingle(ctx, method, table, params, body, out)
	}
	return c.send(ctx, method, table, params, body, out, false)
}

func (c *Client) doSingle(ctx context.Context, method, table string, params url.Values, body, out any) error {
	return c.send(ctx, method, table, params, body, out, true)
}

func (c *Client) send(ctx context.Context, method, table string, params url.Values, body, out any, single bool) error {
	reqURL := c.BaseURL + "/rest/v1/" + table
	if enc := params.Encode(); enc != "" {
		reqURL += "?" + enc
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if out != nil && method != http.MethodGet {
		httpReq.Header.Set("Prefer", "return=representation")
	}
	if single {
		httpReq.Header.Set("Accept", "application/vnd.pgrst.object+json")
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to reach remote store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseRemoteError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode remote response: %w", err)
	}
	return nil
}

func parseRemoteError(resp *http.Response) error {
	remoteErr := &RemoteError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, remoteErr); err != nil || remoteErr.Message == "" {
		remoteErr.Message = strings.TrimSpace(string(data))
		if remoteErr.Message == "" {
			remoteErr.Message = resp.Status
		}
	}
	return remoteErr
}

// Prober reports device connectivity by probing the remote base URL. Any
// HTTP response, including an auth rejection, counts as online; only a
// transport-level failure counts as offline.
type Prober struct {
	BaseURL string
	HTTP    *http.Client
}

// NewProber creates a connectivity prober with a short timeout.
func NewProber(baseURL string) *Prober {
	return &Prober{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Online reports whether the remote store is reachable.
func (p *Prober) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.BaseURL+"/rest/v1/", nil)
	if err != nil {
		return false
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}
