// Package auth turns bearer tokens into the dues principal.
// Stateless: any instance holding the secret can verify a token.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/dues-engine/dues"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
)

// Claims represents the JWT claims for association members.
type Claims struct {
	UserID     string `json:"uid"`
	Role       string `json:"role"`                  // "admin" or "resident"
	FlatNumber string `json:"flat_number,omitempty"` // residents only
	SuperAdmin bool   `json:"super_admin,omitempty"`
	jwt.RegisteredClaims
}

// Principal converts the claims to the caller identity used by the core.
func (c *Claims) Principal() (dues.Principal, error) {
	role := dues.Role(c.Role)
	switch role {
	case dues.RoleAdmin:
	case dues.RoleResident:
		if c.FlatNumber == "" {
			return dues.Principal{}, fmt.Errorf("%w: resident token without flat_number", ErrInvalidToken)
		}
	default:
		// system is never issued to clients
		return dues.Principal{}, fmt.Errorf("%w: %q", ErrInvalidRole, c.Role)
	}
	return dues.Principal{
		ID:         c.UserID,
		Role:       role,
		SuperAdmin: c.SuperAdmin,
		FlatNumber: c.FlatNumber,
	}, nil
}

// TokenService provides stateless JWT token operations.
// Thread-safe and suitable for concurrent use.
type TokenService struct {
	secret     []byte
	issuer     string
	expiration time.Duration
	now        func() time.Time
}

// NewTokenService creates a new JWT token service.
// If secret is empty, a random 32-byte secret is generated and tokens do not
// survive a restart.
func NewTokenService(secret string, expiration time.Duration) *TokenService {
	var secretBytes []byte
	if secret == "" {
		secretBytes = make([]byte, 32)
		rand.Read(secretBytes)
	} else {
		secretBytes = []byte(secret)
	}

	if expiration == 0 {
		expiration = 24 * time.Hour
	}

	return &TokenService{
		secret:     secretBytes,
		issuer:     "dues-engine",
		expiration: expiration,
		now:        time.Now,
	}
}

// GenerateToken signs a token for p.
func (s *TokenService) GenerateToken(p dues.Principal) (string, time.Time, error) {
	if p.ID == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	if p.Role != dues.RoleAdmin && p.Role != dues.RoleResident {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidRole, p.Role)
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.expiration)

	claims := Claims{
		UserID:     p.ID,
		Role:       string(p.Role),
		FlatNumber: p.FlatNumber,
		SuperAdmin: p.SuperAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate validates tokenString and returns its principal.
func (s *TokenService) Authenticate(tokenString string) (dues.Principal, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return dues.Principal{}, err
	}
	return claims.Principal()
}
