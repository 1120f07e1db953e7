// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

package remotestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth state change events, mirroring the hosted backend's auth client.
const (
	EventSignedIn       = "SIGNED_IN"
	EventSignedOut      = "SIGNED_OUT"
	EventTokenRefreshed = "TOKEN_REFRESHED"
)

// ErrNoSession is returned when no valid session is present.
var ErrNoSession = errors.New("no active session")

// Session is the authenticated user's session, derived from the backend's
// access token claims.
type Session struct {
	AccessToken string
	UserID      string
	Email       string
	Entitled    bool // paid tier; gates whether sync is attempted at all
	ExpiresAt   time.Time
}

// Auth holds the current session and notifies subscribers of state changes.
type Auth struct {
	mu      sync.Mutex
	session *Session
	subs    map[int]func(event string, s *Session)
	nextSub int
}

// NewAuth creates an empty auth holder.
func NewAuth() *Auth {
	return &Auth{subs: make(map[int]func(event string, s *Session))}
}

// SetSession installs a session from an access token. The token signature is
// verified server-side; locally only the claims are read.
func (a *Auth) SetSession(accessToken string) (*Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("access token missing sub claim")
	}
	email, _ := claims["email"].(string)
	entitled, _ := claims["entitled"].(bool)

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}

	session := &Session{
		AccessToken: accessToken,
		UserID:      sub,
		Email:       email,
		Entitled:    entitled,
		ExpiresAt:   expiresAt,
	}

	a.mu.Lock()
	refreshed := a.session != nil && a.session.UserID == session.UserID
	a.session = session
	subs := a.snapshotSubs()
	a.mu.Unlock()

	event := EventSignedIn
	if refreshed {
		event = EventTokenRefreshed
	}
	for _, fn := range subs {
		fn(event, session)
	}
	return session, nil
}

// SignOut clears the session.
func (a *Auth) SignOut() {
	a.mu.Lock()
	a.session = nil
	subs := a.snapshotSubs()
	a.mu.Unlock()
	for _, fn := range subs {
		fn(EventSignedOut, nil)
	}
}

// GetSession returns the current session, or ErrNoSession when absent or
// expired.
func (a *Auth) GetSession(ctx context.Context) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, ErrNoSession
	}
	if !a.session.ExpiresAt.IsZero() && time.Now().After(a.session.ExpiresAt) {
		return nil, fmt.Errorf("session expired at %s: %w", a.session.ExpiresAt, ErrNoSession)
	}
	return a.session, nil
}

// OnAuthStateChange subscribes to auth events. The returned function
// unsubscribes.
func (a *Auth) OnAuthStateChange(fn func(event string, s *Session)) func() {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

func (a *Auth) snapshotSubs() []func(event string, s *Session) {
	out := make([]func(event string, s *Session), 0, len(a.subs))
	for _, fn := range a.subs {
		out = append(out, fn)
	}
	return out
}

// Token adapts the session to the Client.Token function shape.
func (a *Auth) Token(ctx context.Context) (string, error) {
	s, err := a.GetSession(ctx)
	if err != nil {
		return "", err
	}
	return s.AccessToken, nil
}

// SyncAllowed reports whether the signed-in user may attempt remote sync.
// Free-tier users accumulate a ledger but never apply it remotely, and a
// session belonging to a different user never authorizes this one.
func (a *Auth) SyncAllowed(ctx context.Context, userID string) (bool, error) {
	s, err := a.GetSession(ctx)
	if errors.Is(err, ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.UserID != userID {
		return false, nil
	}
	return s.Entitled, nil
}
