// Package qrcode issues and verifies the signed payloads printed as QR codes
// on waste bins. A payload is an HS256 JWT whose subject is the bin id.
package qrcode

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Prefix marks ecoscan payloads inside a scanned QR code.
const Prefix = "ecoscan:bin:"

var ErrInvalidCode = errors.New("invalid QR code")

// Claims carried by a bin QR code.
type Claims struct {
	BinID string `json:"bin"`
	jwt.RegisteredClaims
}

// Signer signs and verifies bin codes with a shared secret.
type Signer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewSigner creates a signer. The key must be at least 32 bytes.
func NewSigner(key, issuer string) (*Signer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("qr signing key must be at least 32 bytes, got %d", len(key))
	}
	if issuer == "" {
		issuer = "ecoscan"
	}
	return &Signer{key: []byte(key), issuer: issuer, now: time.Now}, nil
}

// Sign returns a new payload for binID. Each call yields a distinct code.
func (s *Signer) Sign(binID string) (string, error) {
	now := s.now()
	claims := &Claims{
		BinID: binID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  binID,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign qr code: %w", err)
	}
	return Prefix + token, nil
}

// Verify checks the signature and issuer of a scanned payload and returns
// the bin id. The Prefix is optional.
func (s *Signer) Verify(code string) (string, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(code), Prefix)
	if raw == "" {
		return "", ErrInvalidCode
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.BinID == "" || claims.Subject != claims.BinID {
		return "", ErrInvalidCode
	}
	return claims.BinID, nil
}
