// Package receipt issues whistleblower receipts and receiver credentials.
package receipt

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/scrypt"
)

// Digits is the length of a receipt.
const Digits = 16

const (
	scryptN   = 1 << 14
	scryptR   = 8
	scryptP   = 1
	keyLen    = 32
	saltLen   = 16
	hashLabel = "scrypt"
)

var ErrMismatch = errors.New("receipt does not match")

// New returns a random numeric receipt.
func New() (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < Digits; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

// Hash returns the stored form of a receipt: scrypt$<salt>$<key>.
func Hash(receipt string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key, err := scrypt.Key([]byte(receipt), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s$%s$%s", hashLabel, hex.EncodeToString(salt), hex.EncodeToString(key)), nil
}

// Verify checks a receipt against its stored hash.
func Verify(receipt, stored string) error {
	parts := strings.Split(stored, "$")
	if len(parts) != 3 || parts[0] != hashLabel {
		return errors.New("malformed receipt hash")
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("receipt salt: %w", err)
	}
	want, err := hex.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("receipt key: %w", err)
	}
	got, err := scrypt.Key([]byte(receipt), salt, scryptN, scryptR, scryptP, len(want))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrMismatch
	}
	return nil
}

type receiverClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

const receiverRole = "receiver"

// MintReceiverToken signs an HS256 bearer token for a receiver.
func MintReceiverToken(secret, receiverID string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := receiverClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   receiverID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: receiverRole,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseReceiverToken validates a bearer token and returns the receiver id.
func ParseReceiverToken(secret, token string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &receiverClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("subject claim required")
	}
	if claims.Role != receiverRole {
		return "", fmt.Errorf("role %q cannot read submissions", claims.Role)
	}
	return claims.Subject, nil
}
