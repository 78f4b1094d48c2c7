package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/crypto/pbkdf2"
)

// HashPassword computes the server-verifiable login hash: the master key is
// run through one more PBKDF2 round keyed on the raw password as salt, then
// base64-encoded. The server stores and compares only this value, so a
// database leak yields neither the password nor vault-unlocking material.
func HashPassword(password, salt string, p KdfParams) (string, error) {
	master, err := MakeKey(password, salt, p)
	if err != nil {
		return "", err
	}
	defer Zero(master)
	h := pbkdf2.Key(master, []byte(password), 1, MasterKeySize, sha256.New)
	return base64.StdEncoding.EncodeToString(h), nil
}

// HashesEqual compares a stored login hash against a candidate in constant
// time (length first, then every byte).
func HashesEqual(stored, candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}
