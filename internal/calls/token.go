package calls

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCallToken is returned for tokens that fail verification or
// name a different caller/callee pair.
var ErrInvalidCallToken = errors.New("invalid call token")

// TokenClaims are carried by a call token. The JWT ID is the attempt id.
type TokenClaims struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
	jwt.RegisteredClaims
}

// Signer issues and verifies call tokens. Nodes sharing a secret accept
// each other's tokens, so the node that opened an attempt need not be the
// one that receives the answer.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns a Signer. A zero ttl issues tokens that never expire.
func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for attempt a.
func (s *Signer) Issue(a Attempt) (string, error) {
	now := s.now()
	claims := TokenClaims{
		Caller: a.Caller,
		Callee: a.Callee,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       a.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign call token: %w", err)
	}
	return signed, nil
}

// Parse verifies tokenString and returns its claims.
func (s *Signer) Parse(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallToken, err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid || claims.ID == "" {
		return nil, ErrInvalidCallToken
	}
	return claims, nil
}

// Verify parses tokenString and checks it belongs to caller→callee.
func (s *Signer) Verify(tokenString, caller, callee string) (*TokenClaims, error) {
	claims, err := s.Parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Caller != caller || claims.Callee != callee {
		return nil, fmt.Errorf("%w: issued for %s→%s", ErrInvalidCallToken, claims.Caller, claims.Callee)
	}
	return claims, nil
}
