package store

import (
	"time"

	"keywarden/internal/crypto"
)

// Account mirrors the users table of the original schema. Key holds the
// account's random vault key as a serialized CipherString encrypted under the
// master key; the server never sees it unwrapped.
type Account struct {
	UUID          string
	Email         string // unique, stored lowercase
	Name          string
	EmailVerified bool
	Premium       bool
	PasswordHash  string // login proof, base64
	PasswordHint  string
	Key           string // vault key envelope
	PublicKey     string
	PrivateKey    string // CipherString, set by web vault
	KdfType       crypto.KdfType
	KdfIterations int
	TOTPSecret    string
	SecurityStamp string
	Culture       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (a *Account) TwoFactorEnabled() bool {
	return a.TOTPSecret != ""
}

func (a *Account) KdfParams() crypto.KdfParams {
	return crypto.KdfParams{Type: a.KdfType, Iterations: a.KdfIterations}
}

// Device is one client installation. The UUID is client-supplied and stable
// across logins; it is a display convenience, not proof of identity.
type Device struct {
	UUID         string
	AccountUUID  string
	Name         string
	Type         int
	PushToken    string
	AccessToken  string
	RefreshToken string
	TokenExpires time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Cipher is an opaque vault item. Data is the client-encrypted JSON blob; the
// server stores and returns it without ever being able to read it.
type Cipher struct {
	UUID        string
	AccountUUID string
	FolderUUID  string
	Type        int
	Data        []byte
	Favorite    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Folder struct {
	UUID        string
	AccountUUID string
	Name        string // CipherString
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
