// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	"fmt"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// Signing algorithms accepted by the device registry
const (
	RS256 = "RS256"
	ES256 = "ES256"
)

// JWTConfig contains the configuration of a JWTIssuer
type JWTConfig struct {
	ProjectID      string
	Algorithm      string
	PrivateKeyFile string
	Lifetime       time.Duration
}

// JWTIssuer issues JSON Web Tokens signed with the gateway's private key
type JWTIssuer struct {
	ctx      log.Interface
	method   jwt.SigningMethod
	key      interface{}
	audience string
	lifetime time.Duration
}

// NewJWT loads the private key and returns a new JWTIssuer. The key is loaded once;
// a new key is only picked up after a restart.
func NewJWT(config JWTConfig, ctx log.Interface) (*JWTIssuer, error) {
	pem, err := os.ReadFile(config.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("auth: could not read private key: %w", err)
	}
	method, key, err := LoadPrivateKey(config.Algorithm, pem)
	if err != nil {
		return nil, err
	}
	ctx.WithField("Algorithm", config.Algorithm).WithField("File", config.PrivateKeyFile).Info("Loaded private key")
	return newJWT(config, method, key, ctx), nil
}

func newJWT(config JWTConfig, method jwt.SigningMethod, key interface{}, ctx log.Interface) *JWTIssuer {
	if config.Lifetime == 0 {
		config.Lifetime = DefaultLifetime
	}
	return &JWTIssuer{
		ctx:      ctx.WithField("Component", "JWT"),
		method:   method,
		key:      key,
		audience: config.ProjectID,
		lifetime: config.Lifetime,
	}
}

// LoadPrivateKey parses a PEM encoded private key for the given algorithm
func LoadPrivateKey(algorithm string, pem []byte) (method jwt.SigningMethod, key interface{}, err error) {
	switch algorithm {
	case RS256:
		key, err = jwt.ParseRSAPrivateKeyFromPEM(pem)
		method = jwt.SigningMethodRS256
	case ES256:
		key, err = jwt.ParseECPrivateKeyFromPEM(pem)
		method = jwt.SigningMethodES256
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("auth: could not parse %s private key: %w", algorithm, err)
	}
	return method, key, nil
}

// IssueToken implements the Issuer interface
func (i *JWTIssuer) IssueToken(now time.Time) (*Token, error) {
	token := &Token{
		IssuedAt:  now,
		ExpiresAt: now.Add(i.lifetime),
		Audience:  i.audience,
	}
	// The registry expects "aud" as a plain string, which rules out jwt.RegisteredClaims
	claims := jwt.MapClaims{
		"iat": token.IssuedAt.Unix(),
		"exp": token.ExpiresAt.Unix(),
		"aud": token.Audience,
	}
	raw, err := jwt.NewWithClaims(i.method, claims).SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("auth: could not sign token: %w", err)
	}
	token.Raw = raw
	i.ctx.WithField("ExpiresAt", token.ExpiresAt).Debug("Issued token")
	return token, nil
}

// IsValid implements the Issuer interface
func (i *JWTIssuer) IsValid(token *Token, now time.Time, safetyMargin time.Duration) bool {
	return token.ValidAt(now, safetyMargin)
}
