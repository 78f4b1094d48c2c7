// Package store persists accounts, devices, ciphers and folders behind a
// narrow repository interface so the session core has no dependency on how
// rows are physically stored.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrDuplicateEmail = errors.New("store: email already in use")
)

type Store interface {
	AccountByUUID(ctx context.Context, uuid string) (*Account, error)
	AccountByEmail(ctx context.Context, email string) (*Account, error)
	// SaveAccount upserts in a single atomic write. Inserting a second
	// account with an existing email fails with ErrDuplicateEmail.
	SaveAccount(ctx context.Context, a *Account) error

	DeviceByUUID(ctx context.Context, uuid string) (*Device, error)
	DeviceByRefreshToken(ctx context.Context, token string) (*Device, error)
	// SaveDevice upserts in a single atomic write, so a refresh and a
	// concurrent login on the same device cannot interleave token pairs.
	SaveDevice(ctx context.Context, d *Device) error
	DeleteDevice(ctx context.Context, uuid string) error

	CiphersByAccount(ctx context.Context, accountUUID string) ([]*Cipher, error)
	CipherByUUID(ctx context.Context, accountUUID, uuid string) (*Cipher, error)
	SaveCipher(ctx context.Context, c *Cipher) error
	DeleteCipher(ctx context.Context, accountUUID, uuid string) error

	FoldersByAccount(ctx context.Context, accountUUID string) ([]*Folder, error)
	FolderByUUID(ctx context.Context, accountUUID, uuid string) (*Folder, error)
	SaveFolder(ctx context.Context, f *Folder) error
	// DeleteFolder removes the folder and detaches any ciphers filed in it.
	DeleteFolder(ctx context.Context, accountUUID, uuid string) error

	Close() error
}
