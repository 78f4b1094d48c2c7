package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// KdfType selects the password-stretching algorithm. The numeric values are
// part of the wire protocol (clients send and receive them as integers).
type KdfType int

const (
	KdfPbkdf2Sha256 KdfType = 0
)

const (
	MasterKeySize = 32

	Pbkdf2MinIterations = 5000
	Pbkdf2MaxIterations = 1_000_000

	DefaultKdfType       = KdfPbkdf2Sha256
	DefaultKdfIterations = 100_000
)

var ErrInvalidKdfParams = errors.New("crypto: invalid kdf parameters")

// KdfParams describes how an account stretches its master password. Stored
// per account so iterations can be raised later without a flag day.
type KdfParams struct {
	Type       KdfType
	Iterations int
}

func DefaultKdfParams() KdfParams {
	return KdfParams{Type: DefaultKdfType, Iterations: DefaultKdfIterations}
}

// Validate checks the iteration count against the allowed range for the
// algorithm. Out-of-range values are rejected, never clamped.
func (p KdfParams) Validate() error {
	switch p.Type {
	case KdfPbkdf2Sha256:
		if p.Iterations < Pbkdf2MinIterations || p.Iterations > Pbkdf2MaxIterations {
			return fmt.Errorf("%w: pbkdf2 iterations %d outside [%d, %d]",
				ErrInvalidKdfParams, p.Iterations, Pbkdf2MinIterations, Pbkdf2MaxIterations)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kdf type %d", ErrInvalidKdfParams, p.Type)
	}
}

// MakeKey stretches a master password into a 32-byte master key. The salt is
// the account email, used exactly as given (case-sensitive). Deterministic:
// the same inputs always produce the same key.
func MakeKey(password, salt string, p KdfParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(password), []byte(salt), p.Iterations, MasterKeySize, sha256.New), nil
}

// Expand derives a 32-byte subkey from a 32-byte key using HKDF-Expand with
// the purpose string ("enc" or "mac") as info. This is the exact expansion
// the clients use to split one key into independent encryption and MAC
// subkeys; it is not the same as slicing the key in half.
func Expand(key []byte, purpose string) ([]byte, error) {
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("crypto: expand wants a %d-byte key, got %d", MasterKeySize, len(key))
	}
	out := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, key, []byte(purpose)), out); err != nil {
		return nil, err
	}
	return out, nil
}
