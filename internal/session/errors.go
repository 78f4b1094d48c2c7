package session

import "errors"

var (
	// ErrInvalidCredentials deliberately covers both unknown email and wrong
	// password so login responses do not reveal which accounts exist.
	ErrInvalidCredentials = errors.New("session: invalid username or password")

	// ErrTwoFactorRequired means the password checked out but the account
	// has TOTP enabled and no (or an empty) code was supplied.
	ErrTwoFactorRequired = errors.New("session: two factor required")

	// ErrTwoFactorInvalid means the supplied TOTP code did not verify.
	ErrTwoFactorInvalid = errors.New("session: two factor code invalid")

	// ErrInvalidGrant covers unknown refresh tokens and unsupported grant
	// or scope values.
	ErrInvalidGrant = errors.New("session: invalid grant")

	// ErrInvalidToken means a presented access token failed signature,
	// expiry, device or security stamp checks.
	ErrInvalidToken = errors.New("session: invalid access token")

	// ErrSignupsDisabled is returned by Register when the deployment does
	// not accept new accounts.
	ErrSignupsDisabled = errors.New("session: signups are disabled")
)
