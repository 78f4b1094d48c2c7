// Package session implements the account and token lifecycle: registration,
// the password and refresh_token grants, TOTP gating, password changes and
// access token validation against the live security stamp.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"keywarden/internal/auth"
	"keywarden/internal/crypto"
	"keywarden/internal/store"
	"keywarden/internal/totp"
)

const defaultTokenTTL = time.Hour

type Service struct {
	Store        store.Store
	Signer       *auth.SigningContext
	TokenTTL     time.Duration
	AllowSignups bool

	now func() time.Time
}

func NewService(st store.Store, signer *auth.SigningContext) *Service {
	return &Service{
		Store:        st,
		Signer:       signer,
		TokenTTL:     defaultTokenTTL,
		AllowSignups: true,
		now:          time.Now,
	}
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Service) ttl() time.Duration {
	if s.TokenTTL > 0 {
		return s.TokenTTL
	}
	return defaultTokenTTL
}

// DeviceInfo is the client-supplied identity of the installation performing a
// grant. The UUID is stable across logins for one installation.
type DeviceInfo struct {
	UUID      string
	Name      string
	Type      int
	PushToken string
}

type PasswordGrantRequest struct {
	Email          string
	PasswordHash   string // login proof, base64
	TwoFactorToken string
	Device         DeviceInfo
}

// TokenResponse is the grant response body, shaped for the upstream client
// protocol: snake_case OAuth fields next to PascalCase vault fields.
type TokenResponse struct {
	AccessToken   string `json:"access_token"`
	ExpiresIn     int    `json:"expires_in"`
	TokenType     string `json:"token_type"`
	RefreshToken  string `json:"refresh_token"`
	Key           string `json:"Key"`
	PrivateKey    string `json:"PrivateKey,omitempty"`
	Kdf           int    `json:"Kdf"`
	KdfIterations int    `json:"KdfIterations"`
}

// PasswordGrant checks the login proof and, when the account has TOTP
// enabled, the current code, then binds a fresh access token to the device.
// A device row owned by a different account is destroyed and recreated, so
// the previous owner's tokens for that device die with the row.
func (s *Service) PasswordGrant(ctx context.Context, req PasswordGrantRequest) (*TokenResponse, error) {
	if req.Email == "" || req.PasswordHash == "" || req.Device.UUID == "" {
		return nil, ErrInvalidCredentials
	}
	acct, err := s.Store.AccountByEmail(ctx, req.Email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !crypto.HashesEqual(req.PasswordHash, acct.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if acct.TwoFactorEnabled() {
		if req.TwoFactorToken == "" {
			return nil, ErrTwoFactorRequired
		}
		if !totp.Verify(req.TwoFactorToken, acct.TOTPSecret, s.clock()) {
			return nil, ErrTwoFactorInvalid
		}
	}

	device, err := s.Store.DeviceByUUID(ctx, req.Device.UUID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		device = &store.Device{UUID: req.Device.UUID, AccountUUID: acct.UUID}
	case err != nil:
		return nil, err
	case device.AccountUUID != acct.UUID:
		// same installation, different account: the row changes hands
		if err := s.Store.DeleteDevice(ctx, device.UUID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		device = &store.Device{UUID: req.Device.UUID, AccountUUID: acct.UUID}
	}
	if req.Device.Name != "" {
		device.Name = req.Device.Name
	}
	if req.Device.Type != 0 {
		device.Type = req.Device.Type
	}
	if req.Device.PushToken != "" {
		device.PushToken = req.Device.PushToken
	}
	return s.issueTokens(ctx, acct, device)
}

// RefreshGrant exchanges a refresh token for a fresh access token. The
// refresh token itself is not rotated; it lives as long as the device row.
func (s *Service) RefreshGrant(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, ErrInvalidGrant
	}
	device, err := s.Store.DeviceByRefreshToken(ctx, refreshToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, err
	}
	acct, err := s.Store.AccountByUUID(ctx, device.AccountUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, err
	}
	return s.issueTokens(ctx, acct, device)
}

func (s *Service) issueTokens(ctx context.Context, acct *store.Account, device *store.Device) (*TokenResponse, error) {
	now := s.clock()
	expires := now.Add(s.ttl())

	claims := &auth.AccessClaims{
		Premium:       acct.Premium,
		Name:          acct.Name,
		Email:         acct.Email,
		EmailVerified: acct.EmailVerified,
		SecurityStamp: acct.SecurityStamp,
		Device:        device.UUID,
		Scope:         []string{"api", "offline_access"},
		Amr:           []string{"Application"},
	}
	claims.Issuer = s.Signer.Issuer
	claims.Subject = acct.UUID
	claims.NotBefore = jwt.NewNumericDate(now.Add(-auth.NotBeforeSkew))
	claims.ExpiresAt = jwt.NewNumericDate(expires)

	access, err := s.Signer.Sign(claims)
	if err != nil {
		return nil, fmt.Errorf("session: sign access token: %w", err)
	}
	if device.RefreshToken == "" {
		device.RefreshToken, err = auth.NewRefreshToken()
		if err != nil {
			return nil, err
		}
	}
	device.AccessToken = access
	device.TokenExpires = expires
	if err := s.Store.SaveDevice(ctx, device); err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken:   access,
		ExpiresIn:     int(s.ttl().Seconds()),
		TokenType:     "Bearer",
		RefreshToken:  device.RefreshToken,
		Key:           acct.Key,
		PrivateKey:    acct.PrivateKey,
		Kdf:           int(acct.KdfType),
		KdfIterations: acct.KdfIterations,
	}, nil
}

type RegisterRequest struct {
	Email              string
	Name               string
	MasterPasswordHash string
	MasterPasswordHint string
	Key                string // vault key envelope
	KdfType            crypto.KdfType
	KdfIterations      int
}

// Register creates an account. The server stores the login proof and the
// already-encrypted vault key as given; it never derives or sees key material.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*store.Account, error) {
	if !s.AllowSignups {
		return nil, ErrSignupsDisabled
	}
	if req.Email == "" || req.MasterPasswordHash == "" {
		return nil, fmt.Errorf("session: email and master password hash are required")
	}
	if req.KdfIterations == 0 {
		req.KdfIterations = crypto.DefaultKdfIterations
	}
	params := crypto.KdfParams{Type: req.KdfType, Iterations: req.KdfIterations}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	// Clients can never unwrap a vault without its key envelope, so an
	// account without one is unusable. Reject rather than store it.
	if _, err := crypto.ParseCipherString(req.Key); err != nil {
		return nil, fmt.Errorf("session: vault key: %w", err)
	}

	acct := &store.Account{
		UUID:          uuid.NewString(),
		Email:         normalizeEmail(req.Email),
		Name:          req.Name,
		EmailVerified: true,
		Premium:       true,
		PasswordHash:  req.MasterPasswordHash,
		PasswordHint:  req.MasterPasswordHint,
		Key:           req.Key,
		KdfType:       req.KdfType,
		KdfIterations: req.KdfIterations,
		SecurityStamp: uuid.NewString(),
		Culture:       "en-US",
	}
	if err := s.Store.SaveAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Prelogin reports the KDF settings a client must use to derive its login
// proof. Unknown emails get the defaults so the response does not reveal
// which accounts exist.
func (s *Service) Prelogin(ctx context.Context, email string) crypto.KdfParams {
	acct, err := s.Store.AccountByEmail(ctx, email)
	if err != nil {
		return crypto.DefaultKdfParams()
	}
	return acct.KdfParams()
}

// ChangePassword swaps the login proof and the re-wrapped vault key in one
// write and rotates the security stamp, which revokes every outstanding
// access token for the account.
func (s *Service) ChangePassword(ctx context.Context, accountUUID, currentHash, newHash, newKey string) error {
	acct, err := s.Store.AccountByUUID(ctx, accountUUID)
	if err != nil {
		return err
	}
	if !crypto.HashesEqual(currentHash, acct.PasswordHash) {
		return ErrInvalidCredentials
	}
	if newHash == "" {
		return fmt.Errorf("session: new master password hash is required")
	}
	if newKey != "" {
		if _, err := crypto.ParseCipherString(newKey); err != nil {
			return fmt.Errorf("session: vault key: %w", err)
		}
		acct.Key = newKey
	}
	acct.PasswordHash = newHash
	acct.SecurityStamp = uuid.NewString()
	return s.Store.SaveAccount(ctx, acct)
}

// UpdateKeys stores the account's asymmetric keypair: the public key in the
// clear, the private key as a CipherString under the vault key.
func (s *Service) UpdateKeys(ctx context.Context, accountUUID, publicKey, encryptedPrivateKey string) error {
	acct, err := s.Store.AccountByUUID(ctx, accountUUID)
	if err != nil {
		return err
	}
	if encryptedPrivateKey != "" {
		if _, err := crypto.ParseCipherString(encryptedPrivateKey); err != nil {
			return fmt.Errorf("session: private key: %w", err)
		}
		acct.PrivateKey = encryptedPrivateKey
	}
	if publicKey != "" {
		acct.PublicKey = publicKey
	}
	return s.Store.SaveAccount(ctx, acct)
}

// AccountFromToken resolves an access token to its account. Beyond signature
// and expiry, the device named in the token must still exist and belong to
// the subject, and the token's sstamp must match the account's live stamp;
// rotating the stamp is how sessions are revoked.
func (s *Service) AccountFromToken(ctx context.Context, token string) (*store.Account, *auth.AccessClaims, error) {
	claims, err := s.Signer.Validate(token)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}
	acct, err := s.Store.AccountByUUID(ctx, claims.Subject)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}
	if claims.SecurityStamp != acct.SecurityStamp {
		return nil, nil, ErrInvalidToken
	}
	device, err := s.Store.DeviceByUUID(ctx, claims.Device)
	if err != nil || device.AccountUUID != acct.UUID {
		return nil, nil, ErrInvalidToken
	}
	return acct, claims, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
