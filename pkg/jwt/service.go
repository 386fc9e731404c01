package jwt

import (
	"time"
)

const devSecret = "devJwtSecretDoNotUseInProduction"

// Service is a wrapper for JWT operations
type Service struct {
	secretKey []byte
	expiry    time.Duration
}

// NewService creates a new JWT service
func NewService(secretKey string, expiry time.Duration) *Service {
	if secretKey == "" {
		secretKey = devSecret
	}

	if expiry == 0 {
		expiry = 24 * time.Hour
	}

	return &Service{
		secretKey: []byte(secretKey),
		expiry:    expiry,
	}
}

// GenerateToken generates a JWT token for a user. Tokens are normally issued by
// the identity service; this is used by tests and local tooling.
func (s *Service) GenerateToken(userID string, role Role) (string, error) {
	return generateToken(s.secretKey, userID, role, s.expiry)
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*JWTClaims, error) {
	return validateToken(s.secretKey, tokenString)
}
