// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	"errors"
	"time"
)

// Issuer issues the short-lived tokens that the gateway uses as MQTT password
type Issuer interface {
	IssueToken(now time.Time) (*Token, error)
	IsValid(token *Token, now time.Time, safetyMargin time.Duration) bool
}

// Token is a signed session token
type Token struct {
	Raw       string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Audience  string
}

// ValidAt returns false once now is within safetyMargin of the expiry
func (t *Token) ValidAt(now time.Time, safetyMargin time.Duration) bool {
	if t == nil || t.Raw == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-safetyMargin))
}

// DefaultLifetime of issued tokens
const DefaultLifetime = 20 * time.Hour

// DefaultSafetyMargin before expiry at which tokens are renewed
const DefaultSafetyMargin = 5 * time.Minute

// ErrUnknownAlgorithm is returned for signing algorithms other than RS256 and ES256
var ErrUnknownAlgorithm = errors.New("Unknown signing algorithm")
