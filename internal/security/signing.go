// Package security implements the caller-identity layer: signed bearer
// tokens that authenticate which user_id an execution request is admitted
// under.
package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the caller a token was issued to.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// SignatureVerifier issues and validates the bearer tokens callers present
// to the admission endpoint.
type SignatureVerifier struct {
	secretKey []byte
	issuer    string
	ttl       time.Duration
}

// NewSignatureVerifier builds a verifier signing with HS256. ttl controls
// how long an issued token remains valid.
func NewSignatureVerifier(secretKey, issuer string, ttl time.Duration) *SignatureVerifier {
	return &SignatureVerifier{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		ttl:       ttl,
	}
}

// IssueToken mints a signed token for userID.
func (v *SignatureVerifier) IssueToken(userID string) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    v.issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// Verify validates tokenString and returns the identified caller.
func (v *SignatureVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secretKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID == "" {
		return nil, errors.New("token missing user_id claim")
	}
	return claims, nil
}
