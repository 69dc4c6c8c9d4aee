// Package token issues and verifies the bearer tokens that authenticate
// sync clients.
//
// Tokens are HS256 JWTs signed with the shared server secret. Two kinds
// exist: long-lived client tokens (issued at registration, on the order
// of a year) and short-lived registration tokens (minted from the
// secret itself, on the order of an hour) that authorise the
// registration endpoint.
//
// Verification here is stateless - signature and expiry only. Revocation
// is layered by the caller: a verified subject must still exist in the
// credential store. This keeps revocation out of the signed token, so
// the server can stop trusting a client without a revocation list.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RegistrationSubject is the subject claim of registration tokens.
// It proves possession of the shared secret, not a client identity.
const RegistrationSubject = "registration"

// Claims are the signed fields of a statesync token.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Authority issues and verifies bearer tokens with a shared secret.
// Issuance is a pure function of the secret and inputs; persistence of
// issued tokens is the credential store's responsibility.
type Authority struct {
	secret          []byte
	clientTTL       time.Duration
	registrationTTL time.Duration
}

// NewAuthority creates a token authority. Non-positive TTLs fall back
// to the defaults (one year for clients, one hour for registration).
func NewAuthority(secret string, clientTTL, registrationTTL time.Duration) *Authority {
	if clientTTL <= 0 {
		clientTTL = 365 * 24 * time.Hour
	}
	if registrationTTL <= 0 {
		registrationTTL = time.Hour
	}
	return &Authority{
		secret:          []byte(secret),
		clientTTL:       clientTTL,
		registrationTTL: registrationTTL,
	}
}

// IssueClient builds and signs a long-lived token for a registered client.
func (a *Authority) IssueClient(subjectID, displayName string) (string, error) {
	return a.issue(subjectID, displayName, a.clientTTL)
}

// IssueRegistration builds and signs a short-lived token that authorises
// the register-client endpoint. Minting one requires the shared secret,
// which is exactly the credential registration demands.
func (a *Authority) IssueRegistration() (string, error) {
	return a.issue(RegistrationSubject, "", a.registrationTTL)
}

// issue signs a token for the given subject with the given validity window.
func (a *Authority) issue(subjectID, displayName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Name: displayName,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks a token's signature and expiry and returns its subject.
//
// It fails with ErrTokenExpired when the token is past expiry and
// ErrTokenMalformed for any structural or signature problem. It does
// NOT check registration membership - that is layered by the caller.
func (a *Authority) Verify(tokenString string) (string, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return "", fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return "", ErrTokenMalformed
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrTokenMalformed)
	}

	return claims.Subject, nil
}
