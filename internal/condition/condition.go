// Package condition implements the hash-lock primitive shared by buyer and
// seller: a random 32 byte fulfillment (preimage) and its SHA-256 condition.
package condition

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// Size is the length in bytes of both fulfillments and conditions.
const Size = 32

var (
	ErrInvalidEncoding = errors.New("invalid canonical encoding")
	ErrInvalidLength   = errors.New("invalid length")
)

// Fulfillment is the secret preimage. Only the seller holds it until a
// payment against its condition has been verified.
type Fulfillment [Size]byte

// Condition is the public SHA-256 commitment to a Fulfillment.
type Condition [Size]byte

// GenerateSecret reads a fresh fulfillment from the OS CSPRNG.
func GenerateSecret() (Fulfillment, error) {
	var f Fulfillment
	if _, err := rand.Read(f[:]); err != nil {
		return Fulfillment{}, fmt.Errorf("read random preimage: %w", err)
	}
	return f, nil
}

// Commit returns the SHA-256 digest of preimage.
func Commit(preimage []byte) Condition {
	return Condition(sha256.Sum256(preimage))
}

// NewPair generates a fulfillment together with its condition.
func NewPair() (Fulfillment, Condition, error) {
	f, err := GenerateSecret()
	if err != nil {
		return Fulfillment{}, Condition{}, err
	}
	return f, f.Condition(), nil
}

// Encode renders b as unpadded URL-safe base64, the form used in headers,
// URLs, transfer fields and CLI arguments.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode is the inverse of Encode. Padded or standard-alphabet input is
// rejected so every value has exactly one textual form.
func Decode(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return b, nil
}

// ParseFulfillment decodes canonical text into a Fulfillment.
func ParseFulfillment(s string) (Fulfillment, error) {
	var f Fulfillment
	if err := decodeFixed(s, f[:]); err != nil {
		return Fulfillment{}, fmt.Errorf("fulfillment: %w", err)
	}
	return f, nil
}

// ParseCondition decodes canonical text into a Condition.
func ParseCondition(s string) (Condition, error) {
	var c Condition
	if err := decodeFixed(s, c[:]); err != nil {
		return Condition{}, fmt.Errorf("condition: %w", err)
	}
	return c, nil
}

func decodeFixed(s string, dst []byte) error {
	b, err := Decode(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidLength, len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

// Condition returns the commitment for f.
func (f Fulfillment) Condition() Condition {
	return Commit(f[:])
}

func (f Fulfillment) String() string {
	return Encode(f[:])
}

func (c Condition) String() string {
	return Encode(c[:])
}

// Verify reports whether f is the preimage of c.
func Verify(f Fulfillment, c Condition) bool {
	got := f.Condition()
	return subtle.ConstantTimeCompare(got[:], c[:]) == 1
}
