package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"keywarden/internal/auth"
	"keywarden/internal/crypto"
	"keywarden/internal/store"
	"keywarden/internal/totp"
)

const (
	testEmail    = "user@example.com"
	testPassword = "secret password"
	testIters    = 5000
)

var testKey, _ = rsa.GenerateKey(rand.Reader, 2048)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(store.NewMemory(), auth.NewSigningContext(testKey, "keywarden-test"))
	svc.now = time.Now
	return svc
}

func registerTestAccount(t *testing.T, svc *Service) (*store.Account, string) {
	t.Helper()
	hash, err := crypto.HashPassword(testPassword, testEmail,
		crypto.KdfParams{Type: crypto.KdfPbkdf2Sha256, Iterations: testIters})
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	master, err := crypto.MakeKey(testPassword, testEmail,
		crypto.KdfParams{Type: crypto.KdfPbkdf2Sha256, Iterations: testIters})
	if err != nil {
		t.Fatalf("make key: %v", err)
	}
	envelope, err := crypto.MakeEncKey(master, crypto.TypeAesCbc256HmacSha256B64)
	if err != nil {
		t.Fatalf("make enc key: %v", err)
	}
	acct, err := svc.Register(context.Background(), RegisterRequest{
		Email:              testEmail,
		Name:               "Test User",
		MasterPasswordHash: hash,
		Key:                envelope,
		KdfIterations:      testIters,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return acct, hash
}

func passwordGrant(t *testing.T, svc *Service, hash, deviceUUID string) *TokenResponse {
	t.Helper()
	resp, err := svc.PasswordGrant(context.Background(), PasswordGrantRequest{
		Email:        testEmail,
		PasswordHash: hash,
		Device:       DeviceInfo{UUID: deviceUUID, Name: "Firefox", Type: 3},
	})
	if err != nil {
		t.Fatalf("password grant: %v", err)
	}
	return resp
}

func TestPasswordGrant(t *testing.T) {
	svc := newTestService(t)
	acct, hash := registerTestAccount(t, svc)

	resp := passwordGrant(t, svc, hash, "dev-1")
	if resp.TokenType != "Bearer" || resp.ExpiresIn != 3600 {
		t.Fatalf("unexpected grant shape: %+v", resp)
	}
	if resp.Key != acct.Key {
		t.Fatal("vault key envelope not returned")
	}
	if resp.Kdf != 0 || resp.KdfIterations != testIters {
		t.Fatalf("kdf advertisement wrong: %d/%d", resp.Kdf, resp.KdfIterations)
	}
	if len(resp.RefreshToken) != 64 {
		t.Fatalf("refresh token length %d", len(resp.RefreshToken))
	}

	got, claims, err := svc.AccountFromToken(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("validate access token: %v", err)
	}
	if got.UUID != acct.UUID || claims.Device != "dev-1" {
		t.Fatalf("token resolves wrong identity: %s / %s", got.UUID, claims.Device)
	}
	if claims.Email != testEmail || !claims.Premium {
		t.Fatalf("profile claims wrong: %+v", claims)
	}
}

func TestPasswordGrantRejectsBadCredentials(t *testing.T) {
	svc := newTestService(t)
	_, _ = registerTestAccount(t, svc)

	cases := []PasswordGrantRequest{
		{Email: testEmail, PasswordHash: "d3JvbmcgaGFzaA==", Device: DeviceInfo{UUID: "d"}},
		{Email: "nobody@example.com", PasswordHash: "d3JvbmcgaGFzaA==", Device: DeviceInfo{UUID: "d"}},
		{Email: testEmail, PasswordHash: "", Device: DeviceInfo{UUID: "d"}},
	}
	for i, req := range cases {
		if _, err := svc.PasswordGrant(context.Background(), req); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("case %d: want ErrInvalidCredentials, got %v", i, err)
		}
	}
}

func TestPasswordGrantCaseFoldsEmail(t *testing.T) {
	svc := newTestService(t)
	_, hash := registerTestAccount(t, svc)

	_, err := svc.PasswordGrant(context.Background(), PasswordGrantRequest{
		Email:        " User@EXAMPLE.com ",
		PasswordHash: hash,
		Device:       DeviceInfo{UUID: "dev-1"},
	})
	if err != nil {
		t.Fatalf("case-folded grant: %v", err)
	}
}

func TestTwoFactorGate(t *testing.T) {
	svc := newTestService(t)
	acct, hash := registerTestAccount(t, svc)

	secret, err := totp.GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	acct.TOTPSecret = secret
	if err := svc.Store.SaveAccount(context.Background(), acct); err != nil {
		t.Fatalf("enable totp: %v", err)
	}

	req := PasswordGrantRequest{
		Email:        testEmail,
		PasswordHash: hash,
		Device:       DeviceInfo{UUID: "dev-1"},
	}
	if _, err := svc.PasswordGrant(context.Background(), req); !errors.Is(err, ErrTwoFactorRequired) {
		t.Fatalf("want ErrTwoFactorRequired, got %v", err)
	}

	req.TwoFactorToken = "000000"
	if _, err := svc.PasswordGrant(context.Background(), req); !errors.Is(err, ErrTwoFactorInvalid) {
		t.Fatalf("want ErrTwoFactorInvalid, got %v", err)
	}

	// wrong password must not leak whether the 2FA code was right
	code, err := totp.CurrentCode(secret, time.Now())
	if err != nil {
		t.Fatalf("current code: %v", err)
	}
	bad := req
	bad.PasswordHash = "d3JvbmcgaGFzaA=="
	bad.TwoFactorToken = code
	if _, err := svc.PasswordGrant(context.Background(), bad); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("want ErrInvalidCredentials, got %v", err)
	}

	req.TwoFactorToken = code
	if _, err := svc.PasswordGrant(context.Background(), req); err != nil {
		t.Fatalf("grant with valid code: %v", err)
	}
}

func TestRefreshGrant(t *testing.T) {
	svc := newTestService(t)
	_, hash := registerTestAccount(t, svc)

	first := passwordGrant(t, svc, hash, "dev-1")
	second, err := svc.RefreshGrant(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken != first.RefreshToken {
		t.Fatal("refresh token rotated; it should be stable per device")
	}
	if second.AccessToken == first.AccessToken {
		t.Fatal("access token not reissued")
	}

	// the pre-refresh access token stays valid until expiry or revocation
	if _, _, err := svc.AccountFromToken(context.Background(), first.AccessToken); err != nil {
		t.Fatalf("pre-refresh token rejected: %v", err)
	}
	if _, _, err := svc.AccountFromToken(context.Background(), second.AccessToken); err != nil {
		t.Fatalf("post-refresh token rejected: %v", err)
	}

	if _, err := svc.RefreshGrant(context.Background(), "no-such-token"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("want ErrInvalidGrant, got %v", err)
	}
}

func TestRepeatLoginKeepsRefreshToken(t *testing.T) {
	svc := newTestService(t)
	_, hash := registerTestAccount(t, svc)

	first := passwordGrant(t, svc, hash, "dev-1")
	second := passwordGrant(t, svc, hash, "dev-1")
	if second.RefreshToken != first.RefreshToken {
		t.Fatal("repeat login on same device rotated the refresh token")
	}
}

func TestDeviceTakeover(t *testing.T) {
	svc := newTestService(t)
	_, hash := registerTestAccount(t, svc)

	otherHash, _ := crypto.HashPassword("other password", "other@example.com",
		crypto.KdfParams{Type: crypto.KdfPbkdf2Sha256, Iterations: testIters})
	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:              "other@example.com",
		MasterPasswordHash: otherHash,
		KdfIterations:      testIters,
	}); err != nil {
		t.Fatalf("register other: %v", err)
	}

	first := passwordGrant(t, svc, hash, "shared-dev")

	taken, err := svc.PasswordGrant(context.Background(), PasswordGrantRequest{
		Email:        "other@example.com",
		PasswordHash: otherHash,
		Device:       DeviceInfo{UUID: "shared-dev"},
	})
	if err != nil {
		t.Fatalf("takeover grant: %v", err)
	}
	if taken.RefreshToken == first.RefreshToken {
		t.Fatal("new owner inherited the old refresh token")
	}

	// the old owner's tokens die with the device row
	if _, err := svc.RefreshGrant(context.Background(), first.RefreshToken); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("old refresh token survived takeover: %v", err)
	}
	if _, _, err := svc.AccountFromToken(context.Background(), first.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("old access token survived takeover: %v", err)
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	svc := newTestService(t)
	acct, hash := registerTestAccount(t, svc)
	resp := passwordGrant(t, svc, hash, "dev-1")

	newParams := crypto.KdfParams{Type: crypto.KdfPbkdf2Sha256, Iterations: testIters}
	newHash, _ := crypto.HashPassword("brand new password", testEmail, newParams)
	newMaster, _ := crypto.MakeKey("brand new password", testEmail, newParams)
	newEnvelope, _ := crypto.MakeEncKey(newMaster, crypto.TypeAesCbc256HmacSha256B64)

	if err := svc.ChangePassword(context.Background(), acct.UUID, "d3JvbmcgaGFzaA==", newHash, newEnvelope); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("change with wrong current hash: %v", err)
	}
	if err := svc.ChangePassword(context.Background(), acct.UUID, hash, newHash, newEnvelope); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, _, err := svc.AccountFromToken(context.Background(), resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("old access token survived password change: %v", err)
	}
	if _, err := svc.PasswordGrant(context.Background(), PasswordGrantRequest{
		Email:        testEmail,
		PasswordHash: hash,
		Device:       DeviceInfo{UUID: "dev-1"},
	}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still grants: %v", err)
	}
	if _, err := svc.PasswordGrant(context.Background(), PasswordGrantRequest{
		Email:        testEmail,
		PasswordHash: newHash,
		Device:       DeviceInfo{UUID: "dev-1"},
	}); err != nil {
		t.Fatalf("new password grant: %v", err)
	}
}

func TestAccountFromTokenRejectsExpired(t *testing.T) {
	svc := newTestService(t)
	_, hash := registerTestAccount(t, svc)

	past := time.Now().Add(-2 * time.Hour)
	svc.now = func() time.Time { return past }
	resp := passwordGrant(t, svc, hash, "dev-1")
	svc.now = time.Now

	if _, _, err := svc.AccountFromToken(context.Background(), resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
	// the refresh token has no expiry of its own
	if _, err := svc.RefreshGrant(context.Background(), resp.RefreshToken); err != nil {
		t.Fatalf("refresh after access expiry: %v", err)
	}
}

func TestPrelogin(t *testing.T) {
	svc := newTestService(t)
	_, _ = registerTestAccount(t, svc)

	p := svc.Prelogin(context.Background(), testEmail)
	if p.Iterations != testIters {
		t.Fatalf("known account iterations: %d", p.Iterations)
	}
	p = svc.Prelogin(context.Background(), "unknown@example.com")
	if p.Type != crypto.KdfPbkdf2Sha256 || p.Iterations != crypto.DefaultKdfIterations {
		t.Fatalf("unknown account should get defaults, got %+v", p)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t)
	acct, _ := registerTestAccount(t, svc)

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:              "USER@example.com",
		MasterPasswordHash: "aGFzaA==",
		Key:                acct.Key,
		KdfIterations:      testIters,
	})
	if !errors.Is(err, store.ErrDuplicateEmail) {
		t.Fatalf("duplicate email: %v", err)
	}

	_, err = svc.Register(context.Background(), RegisterRequest{
		Email:              "keyless@example.com",
		MasterPasswordHash: "aGFzaA==",
		KdfIterations:      testIters,
	})
	if !errors.Is(err, crypto.ErrInvalidCipherString) {
		t.Fatalf("missing vault key: %v", err)
	}

	_, err = svc.Register(context.Background(), RegisterRequest{
		Email:              "keyless@example.com",
		MasterPasswordHash: "aGFzaA==",
		Key:                "not an envelope",
		KdfIterations:      testIters,
	})
	if !errors.Is(err, crypto.ErrInvalidCipherString) {
		t.Fatalf("malformed vault key: %v", err)
	}

	_, err = svc.Register(context.Background(), RegisterRequest{
		Email:              "weak@example.com",
		MasterPasswordHash: "aGFzaA==",
		KdfIterations:      4999,
	})
	if !errors.Is(err, crypto.ErrInvalidKdfParams) {
		t.Fatalf("undersized iterations: %v", err)
	}

	svc.AllowSignups = false
	_, err = svc.Register(context.Background(), RegisterRequest{
		Email:              "new@example.com",
		MasterPasswordHash: "aGFzaA==",
	})
	if !errors.Is(err, ErrSignupsDisabled) {
		t.Fatalf("signups disabled: %v", err)
	}
}

func TestUpdateKeys(t *testing.T) {
	svc := newTestService(t)
	acct, hash := registerTestAccount(t, svc)

	master, _ := crypto.MakeKey(testPassword, testEmail,
		crypto.KdfParams{Type: crypto.KdfPbkdf2Sha256, Iterations: testIters})
	enc, _ := crypto.Encrypt([]byte("fake private key der"), master, crypto.TypeAesCbc256HmacSha256B64)

	if err := svc.UpdateKeys(context.Background(), acct.UUID, "pubkey-der-b64", enc.String()); err != nil {
		t.Fatalf("update keys: %v", err)
	}
	resp := passwordGrant(t, svc, hash, "dev-1")
	if resp.PrivateKey != enc.String() {
		t.Fatal("private key envelope not returned by grant")
	}

	if err := svc.UpdateKeys(context.Background(), acct.UUID, "", "not a cipherstring"); err == nil {
		t.Fatal("malformed private key accepted")
	}
}
