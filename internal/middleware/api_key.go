// Package middleware provides the HTTP request middleware for the addonrules
// server: bearer-token authentication backed by bcrypt-hashed API keys,
// per-IP throttling of failed attempts, and request logging.
package middleware

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)) == nil
}

// KeyHashLookup resolves an API key ID to its stored secret hash.
type KeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

// APIKeyValidator validates "id.secret" bearer tokens against stored hashes.
type APIKeyValidator struct {
	lookup KeyHashLookup
}

func NewAPIKeyValidator(lookup KeyHashLookup) *APIKeyValidator {
	return &APIKeyValidator{lookup: lookup}
}

// ValidateToken splits the token into key ID and secret, fetches the stored
// hash for the ID, and compares. It returns the key ID on success.
func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", errInvalidAuthorizationHeader
	}

	hash, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", errInvalidAuthorizationHeader
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", errInvalidAuthorizationHeader
	}

	return keyID, nil
}
