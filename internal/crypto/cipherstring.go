package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CipherString types. The values are fixed by the client protocol.
const (
	TypeAesCbc256B64             = 0
	TypeAesCbc128HmacSha256B64   = 1
	TypeAesCbc256HmacSha256B64   = 2
	TypeRsa2048OaepSha256B64     = 3
	TypeRsa2048OaepSha1B64       = 4
	TypeRsa2048OaepSha256HmacB64 = 5
	TypeRsa2048OaepSha1HmacB64   = 6
)

const (
	ivSize  = aes.BlockSize // 16
	macSize = sha256.Size   // 32
)

var (
	ErrInvalidCipherString = errors.New("crypto: invalid cipher string")
	ErrInvalidKeySize      = errors.New("crypto: invalid key size")
	ErrInvalidMAC          = errors.New("crypto: message authentication failed")
	ErrDecryptFailed       = errors.New("crypto: decryption failed")
)

// CipherString is the authenticated-encryption envelope every stored secret
// travels in, serialized as "<type>.<iv_b64>|<ct_b64>|<mac_b64>" with the mac
// segment present only for MACed types. Immutable once built; re-encrypting
// always produces a new envelope with a fresh IV.
type CipherString struct {
	Type int
	IV   []byte
	CT   []byte
	MAC  []byte
}

// ParseCipherString parses the wire form. Malformed input (no dot, no pipe,
// non-numeric type, bad base64, missing mac on a MACed type) is rejected,
// never defaulted.
func ParseCipherString(s string) (CipherString, error) {
	dot := strings.IndexByte(s, '.')
	if dot < 1 {
		return CipherString{}, fmt.Errorf("%w: %q", ErrInvalidCipherString, s)
	}
	typ, err := strconv.Atoi(s[:dot])
	if err != nil {
		return CipherString{}, fmt.Errorf("%w: bad type in %q", ErrInvalidCipherString, s)
	}

	segs := strings.Split(s[dot+1:], "|")
	if len(segs) < 2 || len(segs) > 3 {
		return CipherString{}, fmt.Errorf("%w: %q", ErrInvalidCipherString, s)
	}

	cs := CipherString{Type: typ}
	if cs.IV, err = base64.StdEncoding.DecodeString(segs[0]); err != nil {
		return CipherString{}, fmt.Errorf("%w: bad iv", ErrInvalidCipherString)
	}
	if cs.CT, err = base64.StdEncoding.DecodeString(segs[1]); err != nil {
		return CipherString{}, fmt.Errorf("%w: bad ciphertext", ErrInvalidCipherString)
	}
	if len(segs) == 3 {
		if cs.MAC, err = base64.StdEncoding.DecodeString(segs[2]); err != nil {
			return CipherString{}, fmt.Errorf("%w: bad mac", ErrInvalidCipherString)
		}
	}

	switch typ {
	case TypeAesCbc256B64:
		if cs.MAC != nil {
			return CipherString{}, fmt.Errorf("%w: type 0 carries no mac", ErrInvalidCipherString)
		}
	case TypeAesCbc256HmacSha256B64:
		if cs.MAC == nil {
			return CipherString{}, fmt.Errorf("%w: type 2 requires a mac", ErrInvalidCipherString)
		}
	}
	return cs, nil
}

func (cs CipherString) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(cs.Type))
	b.WriteByte('.')
	b.WriteString(base64.StdEncoding.EncodeToString(cs.IV))
	b.WriteByte('|')
	b.WriteString(base64.StdEncoding.EncodeToString(cs.CT))
	if cs.MAC != nil {
		b.WriteByte('|')
		b.WriteString(base64.StdEncoding.EncodeToString(cs.MAC))
	}
	return b.String()
}

// splitKey turns a 32- or 64-byte key into (encKey, macKey). A 32-byte key is
// expanded into independent subkeys; a 64-byte key is already split, first
// half encryption, second half MAC.
func splitKey(key []byte) (encKey, macKey []byte, err error) {
	switch len(key) {
	case 32:
		if encKey, err = Expand(key, "enc"); err != nil {
			return nil, nil, err
		}
		if macKey, err = Expand(key, "mac"); err != nil {
			return nil, nil, err
		}
		return encKey, macKey, nil
	case 64:
		return key[0:32], key[32:64], nil
	default:
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeySize, len(key))
	}
}

// Encrypt seals plaintext into a CipherString with a fresh random IV.
// TypeAesCbc256B64 takes the raw 32-byte key directly and produces no MAC;
// TypeAesCbc256HmacSha256B64 splits the key per splitKey and MACs iv||ct.
func Encrypt(pt, key []byte, typ int) (CipherString, error) {
	var encKey, macKey []byte
	var err error

	switch typ {
	case TypeAesCbc256B64:
		if len(key) != 32 {
			return CipherString{}, fmt.Errorf("%w: %d bytes", ErrInvalidKeySize, len(key))
		}
		encKey = key
	case TypeAesCbc256HmacSha256B64:
		if encKey, macKey, err = splitKey(key); err != nil {
			return CipherString{}, err
		}
	default:
		return CipherString{}, fmt.Errorf("crypto: unsupported cipher string type %d", typ)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return CipherString{}, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return CipherString{}, err
	}
	padded := pkcs7Pad(pt, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	cs := CipherString{Type: typ, IV: iv, CT: ct}
	if macKey != nil {
		cs.MAC = computeMAC(macKey, iv, ct)
	}
	return cs, nil
}

// Decrypt opens a CipherString. For MACed types the MAC is verified before
// any decryption is attempted; on mismatch nothing is decrypted and
// ErrInvalidMAC is returned.
func Decrypt(cs CipherString, key []byte) ([]byte, error) {
	var encKey []byte
	var err error

	switch cs.Type {
	case TypeAesCbc256B64:
		if len(key) != 32 {
			return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeySize, len(key))
		}
		encKey = key
	case TypeAesCbc256HmacSha256B64:
		var macKey []byte
		if encKey, macKey, err = splitKey(key); err != nil {
			return nil, err
		}
		cmac := computeMAC(macKey, cs.IV, cs.CT)
		if !macsEqual(macKey, cs.MAC, cmac) {
			return nil, ErrInvalidMAC
		}
	default:
		return nil, fmt.Errorf("crypto: unsupported cipher string type %d", cs.Type)
	}

	if len(cs.IV) != ivSize || len(cs.CT) == 0 || len(cs.CT)%aes.BlockSize != 0 {
		return nil, ErrDecryptFailed
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(cs.CT))
	cipher.NewCBCDecrypter(block, cs.IV).CryptBlocks(pt, cs.CT)
	return pkcs7Unpad(pt, aes.BlockSize)
}

// DecryptString parses then decrypts.
func DecryptString(s string, key []byte) ([]byte, error) {
	cs, err := ParseCipherString(s)
	if err != nil {
		return nil, err
	}
	return Decrypt(cs, key)
}

// MakeEncKey generates a fresh random 64-byte vault key and seals it under
// the given master key, returning the serialized envelope. This is the value
// stored in the account's Key column; the server never sees it unwrapped.
func MakeEncKey(key []byte, typ int) (string, error) {
	vk := make([]byte, 64)
	if _, err := rand.Read(vk); err != nil {
		return "", err
	}
	defer Zero(vk)
	cs, err := Encrypt(vk, key, typ)
	if err != nil {
		return "", err
	}
	return cs.String(), nil
}

func computeMAC(macKey, iv, ct []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(ct)
	return mac.Sum(nil)
}

// macsEqual compares two MACs by HMACing each under macKey and comparing the
// results in constant time. Comparing the raw MACs directly, even
// byte-by-byte, can leak where the first mismatch falls; hashing both first
// destroys that structure.
func macsEqual(macKey, mac1, mac2 []byte) bool {
	h1 := hmac.New(sha256.New, macKey)
	h1.Write(mac1)
	h2 := hmac.New(sha256.New, macKey)
	h2.Write(mac2)
	return subtle.ConstantTimeCompare(h1.Sum(nil), h2.Sum(nil)) == 1
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, ErrDecryptFailed
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrDecryptFailed
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrDecryptFailed
		}
	}
	return b[:len(b)-n], nil
}
