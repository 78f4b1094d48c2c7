package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"keywarden/internal/crypto"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func testAccount(email string) *Account {
	return &Account{
		UUID:          uuid.NewString(),
		Email:         email,
		EmailVerified: true,
		Premium:       true,
		PasswordHash:  "hash",
		Key:           "0.aaaa|bbbb",
		KdfType:       crypto.KdfPbkdf2Sha256,
		KdfIterations: 100000,
		SecurityStamp: uuid.NewString(),
	}
}

func TestAccountRoundtrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := testAccount("someone@example.com")
			a.Name = "Someone"
			a.TOTPSecret = "JBSWY3DPEHPK3PXP"
			if err := s.SaveAccount(ctx, a); err != nil {
				t.Fatalf("save: %v", err)
			}

			got, err := s.AccountByUUID(ctx, a.UUID)
			if err != nil {
				t.Fatalf("by uuid: %v", err)
			}
			if got.Email != a.Email || got.PasswordHash != a.PasswordHash ||
				got.KdfIterations != a.KdfIterations || got.TOTPSecret != a.TOTPSecret ||
				got.SecurityStamp != a.SecurityStamp {
				t.Fatalf("roundtrip mismatch: %+v", got)
			}
			if !got.TwoFactorEnabled() {
				t.Fatal("expected two factor enabled")
			}

			got, err = s.AccountByEmail(ctx, "Someone@Example.COM ")
			if err != nil {
				t.Fatalf("by email (case folded): %v", err)
			}
			if got.UUID != a.UUID {
				t.Fatalf("wrong account: %s", got.UUID)
			}

			got.SecurityStamp = uuid.NewString()
			if err := s.SaveAccount(ctx, got); err != nil {
				t.Fatalf("update: %v", err)
			}
			again, _ := s.AccountByUUID(ctx, a.UUID)
			if again.SecurityStamp == a.SecurityStamp {
				t.Fatal("security stamp not updated")
			}
		})
	}
}

func TestAccountNotFound(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.AccountByEmail(context.Background(), "nobody@example.com"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("want ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDuplicateEmail(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.SaveAccount(ctx, testAccount("dup@example.com")); err != nil {
				t.Fatalf("first save: %v", err)
			}
			err := s.SaveAccount(ctx, testAccount("dup@example.com"))
			if !errors.Is(err, ErrDuplicateEmail) {
				t.Fatalf("want ErrDuplicateEmail, got %v", err)
			}
		})
	}
}

func TestDeviceUpsertAndLookup(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := testAccount("dev@example.com")
			if err := s.SaveAccount(ctx, a); err != nil {
				t.Fatalf("save account: %v", err)
			}

			d := &Device{
				UUID:         uuid.NewString(),
				AccountUUID:  a.UUID,
				Name:         "Firefox",
				Type:         3,
				RefreshToken: "refresh-1",
			}
			if err := s.SaveDevice(ctx, d); err != nil {
				t.Fatalf("save device: %v", err)
			}

			got, err := s.DeviceByRefreshToken(ctx, "refresh-1")
			if err != nil {
				t.Fatalf("by refresh: %v", err)
			}
			if got.UUID != d.UUID || got.AccountUUID != a.UUID {
				t.Fatalf("wrong device: %+v", got)
			}

			got.RefreshToken = "refresh-2"
			if err := s.SaveDevice(ctx, got); err != nil {
				t.Fatalf("rotate refresh: %v", err)
			}
			if _, err := s.DeviceByRefreshToken(ctx, "refresh-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("old refresh still resolves: %v", err)
			}
			if _, err := s.DeviceByRefreshToken(ctx, "refresh-2"); err != nil {
				t.Fatalf("new refresh: %v", err)
			}

			if err := s.DeleteDevice(ctx, d.UUID); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := s.DeleteDevice(ctx, d.UUID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("double delete: %v", err)
			}
		})
	}
}

func TestCipherOwnership(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			owner := testAccount("owner@example.com")
			other := testAccount("other@example.com")
			for _, a := range []*Account{owner, other} {
				if err := s.SaveAccount(ctx, a); err != nil {
					t.Fatalf("save account: %v", err)
				}
			}

			c := &Cipher{
				UUID:        uuid.NewString(),
				AccountUUID: owner.UUID,
				Type:        1,
				Data:        []byte(`{"Name":"2.abc|def|ghi"}`),
			}
			if err := s.SaveCipher(ctx, c); err != nil {
				t.Fatalf("save cipher: %v", err)
			}

			if _, err := s.CipherByUUID(ctx, other.UUID, c.UUID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("cross-account read: %v", err)
			}
			if err := s.DeleteCipher(ctx, other.UUID, c.UUID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("cross-account delete: %v", err)
			}

			got, err := s.CipherByUUID(ctx, owner.UUID, c.UUID)
			if err != nil {
				t.Fatalf("owner read: %v", err)
			}
			if string(got.Data) != string(c.Data) {
				t.Fatalf("data mismatch: %s", got.Data)
			}
		})
	}
}

func TestDeleteFolderDetachesCiphers(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := testAccount("folders@example.com")
			if err := s.SaveAccount(ctx, a); err != nil {
				t.Fatalf("save account: %v", err)
			}

			f := &Folder{UUID: uuid.NewString(), AccountUUID: a.UUID, Name: "2.enc|name|mac"}
			if err := s.SaveFolder(ctx, f); err != nil {
				t.Fatalf("save folder: %v", err)
			}
			c := &Cipher{
				UUID:        uuid.NewString(),
				AccountUUID: a.UUID,
				FolderUUID:  f.UUID,
				Type:        1,
			}
			if err := s.SaveCipher(ctx, c); err != nil {
				t.Fatalf("save cipher: %v", err)
			}

			if err := s.DeleteFolder(ctx, a.UUID, f.UUID); err != nil {
				t.Fatalf("delete folder: %v", err)
			}
			if _, err := s.FolderByUUID(ctx, a.UUID, f.UUID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("folder survives delete: %v", err)
			}
			got, err := s.CipherByUUID(ctx, a.UUID, c.UUID)
			if err != nil {
				t.Fatalf("cipher after folder delete: %v", err)
			}
			if got.FolderUUID != "" {
				t.Fatalf("cipher still attached to %s", got.FolderUUID)
			}
		})
	}
}
