package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scarecrow-farm/scarecrow-server/internal/config"
)

// Verifier validates access tokens issued by the external auth
// provider. This service never issues tokens itself; login, signup and
// session management live with the provider.
type Verifier struct {
	config *config.JWTConfig
}

// NewVerifier creates a token verifier
func NewVerifier(cfg *config.JWTConfig) *Verifier {
	return &Verifier{config: cfg}
}

// Claims represents the verified identity claims
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Verify validates a token and returns its claims
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.config.Secret), nil
	})

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
