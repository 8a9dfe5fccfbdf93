// Package middleware holds the transport-agnostic request plumbing shared by
// the HTTP and gRPC servers: bearer API-key authentication, request logging
// with request ids and per-IP throttling of failed authentication attempts.
package middleware

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}

// SplitAPIKey splits a "<keyid>.<secret>" bearer token.
func SplitAPIKey(token string) (keyID, secret string, ok bool) {
	keyID, secret, ok = strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}
