package issuance

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "concord/issuance"

// RevealClaims is carried by the token handed to the requester after a
// reveal. It lets a client prove which pack it was issued without
// re-fetching the signed entry.
type RevealClaims struct {
	jwt.RegisteredClaims
	PackID        string `json:"packId"`
	PackRequestID string `json:"packRequestId"`
	PackRoot      string `json:"packRoot"`
	EntryID       string `json:"entryId"`
}

// TokenIssuer signs and validates reveal tokens with HMAC-SHA256.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}
}

// Sign mints a token for an issued pack.
func (ti *TokenIssuer) Sign(p *IssuedPayload, entryID string) (string, error) {
	now := ti.now().UTC()
	claims := RevealClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       p.PackID,
			Subject:  p.IssuedTo,
			Issuer:   tokenIssuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		PackID:        p.PackID,
		PackRequestID: p.PackRequestID,
		PackRoot:      p.PackRoot,
		EntryID:       entryID,
	}
	if ti.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ti.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
}

// Parse validates a token and returns its claims.
func (ti *TokenIssuer) Parse(token string) (*RevealClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &RevealClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(ti.now))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*RevealClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid reveal token")
	}
	return claims, nil
}
