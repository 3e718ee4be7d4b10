// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session manages per-client sessions: each owns an event
// emitter, a cancellation scope, and signed resume tokens for suspended
// interactions.
package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/maestro/pkg/errors"
)

// DefaultTokenTTL bounds how long a suspended interaction stays
// resumable.
const DefaultTokenTTL = 24 * time.Hour

// Claims are the resume-token claims. The registered exp claim is the
// suspension deadline.
type Claims struct {
	jwt.RegisteredClaims
	SessionID     string `json:"session_id"`
	InteractionID string `json:"interaction_id"`
}

// TokenIssuer mints and verifies HS256 resume tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates an issuer signing with the given secret.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, &errors.ConfigError{
			Key:    "secret",
			Reason: "resume token secret cannot be empty",
		}
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: secret, issuer: "maestro", ttl: ttl}, nil
}

// Mint signs a resume token for the interaction. The returned expiry is
// what goes on the wire in the suspend envelope.
func (i *TokenIssuer) Mint(sessionID, interactionID string) (string, time.Time, error) {
	expiresAt := time.Now().Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID:     sessionID,
		InteractionID: interactionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign resume token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a resume token.
func (i *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, &errors.ValidationError{
			Field:   "resumeToken",
			Message: "resume token is empty",
		}
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "resumeToken",
			Message: fmt.Sprintf("invalid resume token: %v", err),
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, &errors.ValidationError{
			Field:   "resumeToken",
			Message: "invalid resume token claims",
		}
	}
	if claims.SessionID == "" || claims.InteractionID == "" {
		return nil, &errors.ValidationError{
			Field:   "resumeToken",
			Message: "resume token missing session or interaction id",
		}
	}
	return claims, nil
}
