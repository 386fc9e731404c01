package secrets

import (
	"context"
)

// Secret keys the chat service reads
const (
	KeyJWTSecret  = "jwt_secret"
	KeyServiceKey = "chat_service_key"
)

// Manager provides access to secrets from various sources
type Manager interface {
	// GetSecret retrieves a secret by key
	GetSecret(ctx context.Context, key string) (string, error)

	// GetSecretWithDefault retrieves a secret with a default value if not found
	GetSecretWithDefault(ctx context.Context, key, defaultValue string) string
}

// Error represents a secrets management error
type Error string

// Error implements the error interface
func (e Error) Error() string {
	return string(e)
}

// Common errors
const (
	ErrSecretNotFound = Error("secret not found")
	ErrNoVaultToken   = Error("no vault token provided")
	ErrNoVaultAddress = Error("no vault address provided")
)
