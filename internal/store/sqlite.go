package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the default Store. Schema follows the original deployment's
// tables so existing databases remain readable.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	uuid TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	email_verified INTEGER NOT NULL DEFAULT 1,
	premium INTEGER NOT NULL DEFAULT 1,
	name TEXT,
	password_hash TEXT NOT NULL,
	password_hint TEXT,
	key TEXT,
	public_key BLOB,
	private_key BLOB,
	kdf_type INTEGER NOT NULL DEFAULT 0,
	kdf_iterations INTEGER NOT NULL,
	totp_secret TEXT,
	security_stamp TEXT NOT NULL,
	culture TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);

CREATE TABLE IF NOT EXISTS devices (
	uuid TEXT PRIMARY KEY,
	user_uuid TEXT NOT NULL REFERENCES users(uuid),
	name TEXT,
	type INTEGER,
	push_token TEXT,
	access_token TEXT,
	refresh_token TEXT,
	token_expires_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_uuid);
CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_refresh ON devices(refresh_token);

CREATE TABLE IF NOT EXISTS ciphers (
	uuid TEXT PRIMARY KEY,
	user_uuid TEXT NOT NULL REFERENCES users(uuid),
	folder_uuid TEXT,
	type INTEGER NOT NULL,
	data BLOB,
	favorite INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ciphers_user ON ciphers(user_uuid);
CREATE INDEX IF NOT EXISTS idx_ciphers_folder ON ciphers(folder_uuid);

CREATE TABLE IF NOT EXISTS folders (
	uuid TEXT PRIMARY KEY,
	user_uuid TEXT NOT NULL REFERENCES users(uuid),
	name BLOB,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_folders_user ON folders(user_uuid);
`

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

const accountCols = `uuid, email, email_verified, premium, name, password_hash, password_hint,
	key, public_key, private_key, kdf_type, kdf_iterations, totp_secret, security_stamp,
	culture, created_at, updated_at`

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	var name, hint, key, pub, priv, totp, culture sql.NullString
	var created, updated int64
	err := row.Scan(&a.UUID, &a.Email, &a.EmailVerified, &a.Premium, &name, &a.PasswordHash,
		&hint, &key, &pub, &priv, &a.KdfType, &a.KdfIterations, &totp, &a.SecurityStamp,
		&culture, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Name, a.PasswordHint, a.Key = name.String, hint.String, key.String
	a.PublicKey, a.PrivateKey = pub.String, priv.String
	a.TOTPSecret, a.Culture = totp.String, culture.String
	a.CreatedAt, a.UpdatedAt = time.Unix(created, 0), time.Unix(updated, 0)
	return &a, nil
}

func (s *SQLite) AccountByUUID(ctx context.Context, uuid string) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM users WHERE uuid = ?`, uuid))
}

func (s *SQLite) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email))))
}

func (s *SQLite) SaveAccount(ctx context.Context, a *Account) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+accountCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			email = excluded.email,
			email_verified = excluded.email_verified,
			premium = excluded.premium,
			name = excluded.name,
			password_hash = excluded.password_hash,
			password_hint = excluded.password_hint,
			key = excluded.key,
			public_key = excluded.public_key,
			private_key = excluded.private_key,
			kdf_type = excluded.kdf_type,
			kdf_iterations = excluded.kdf_iterations,
			totp_secret = excluded.totp_secret,
			security_stamp = excluded.security_stamp,
			culture = excluded.culture,
			updated_at = excluded.updated_at`,
		a.UUID, a.Email, a.EmailVerified, a.Premium, a.Name, a.PasswordHash, a.PasswordHint,
		a.Key, a.PublicKey, a.PrivateKey, a.KdfType, a.KdfIterations, a.TOTPSecret,
		a.SecurityStamp, a.Culture, a.CreatedAt.Unix(), a.UpdatedAt.Unix())
	if err != nil && strings.Contains(err.Error(), "users.email") {
		return ErrDuplicateEmail
	}
	return err
}

const deviceCols = `uuid, user_uuid, name, type, push_token, access_token, refresh_token,
	token_expires_at, created_at, updated_at`

func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	var name, push, access, refresh sql.NullString
	var typ sql.NullInt64
	var expires, created, updated int64
	err := row.Scan(&d.UUID, &d.AccountUUID, &name, &typ, &push, &access, &refresh,
		&expires, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Name, d.PushToken = name.String, push.String
	d.AccessToken, d.RefreshToken = access.String, refresh.String
	d.Type = int(typ.Int64)
	d.TokenExpires = time.Unix(expires, 0)
	d.CreatedAt, d.UpdatedAt = time.Unix(created, 0), time.Unix(updated, 0)
	return &d, nil
}

func (s *SQLite) DeviceByUUID(ctx context.Context, uuid string) (*Device, error) {
	return scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE uuid = ?`, uuid))
}

func (s *SQLite) DeviceByRefreshToken(ctx context.Context, token string) (*Device, error) {
	return scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE refresh_token = ?`, token))
}

func (s *SQLite) SaveDevice(ctx context.Context, d *Device) error {
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			user_uuid = excluded.user_uuid,
			name = excluded.name,
			type = excluded.type,
			push_token = excluded.push_token,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			updated_at = excluded.updated_at`,
		d.UUID, d.AccountUUID, d.Name, d.Type, d.PushToken, d.AccessToken, d.RefreshToken,
		d.TokenExpires.Unix(), d.CreatedAt.Unix(), d.UpdatedAt.Unix())
	return err
}

func (s *SQLite) DeleteDevice(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE uuid = ?`, uuid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const cipherCols = `uuid, user_uuid, folder_uuid, type, data, favorite, created_at, updated_at`

func (s *SQLite) CiphersByAccount(ctx context.Context, accountUUID string) ([]*Cipher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cipherCols+` FROM ciphers WHERE user_uuid = ?`, accountUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Cipher
	for rows.Next() {
		var c Cipher
		var folder sql.NullString
		var created, updated int64
		if err := rows.Scan(&c.UUID, &c.AccountUUID, &folder, &c.Type, &c.Data,
			&c.Favorite, &created, &updated); err != nil {
			return nil, err
		}
		c.FolderUUID = folder.String
		c.CreatedAt, c.UpdatedAt = time.Unix(created, 0), time.Unix(updated, 0)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLite) CipherByUUID(ctx context.Context, accountUUID, uuid string) (*Cipher, error) {
	var c Cipher
	var folder sql.NullString
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT `+cipherCols+` FROM ciphers WHERE user_uuid = ? AND uuid = ?`,
		accountUUID, uuid).
		Scan(&c.UUID, &c.AccountUUID, &folder, &c.Type, &c.Data, &c.Favorite, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.FolderUUID = folder.String
	c.CreatedAt, c.UpdatedAt = time.Unix(created, 0), time.Unix(updated, 0)
	return &c, nil
}

func (s *SQLite) SaveCipher(ctx context.Context, c *Cipher) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	var folder any
	if c.FolderUUID != "" {
		folder = c.FolderUUID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ciphers (`+cipherCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			folder_uuid = excluded.folder_uuid,
			type = excluded.type,
			data = excluded.data,
			favorite = excluded.favorite,
			updated_at = excluded.updated_at`,
		c.UUID, c.AccountUUID, folder, c.Type, c.Data, c.Favorite,
		c.CreatedAt.Unix(), c.UpdatedAt.Unix())
	return err
}

func (s *SQLite) DeleteCipher(ctx context.Context, accountUUID, uuid string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ciphers WHERE user_uuid = ? AND uuid = ?`, accountUUID, uuid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const folderCols = `uuid, user_uuid, name, created_at, updated_at`

func (s *SQLite) FoldersByAccount(ctx context.Context, accountUUID string) ([]*Folder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+folderCols+` FROM folders WHERE user_uuid = ?`, accountUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Folder
	for rows.Next() {
		var f Folder
		var created, updated int64
		if err := rows.Scan(&f.UUID, &f.AccountUUID, &f.Name, &created, &updated); err != nil {
			return nil, err
		}
		f.CreatedAt, f.UpdatedAt = time.Unix(created, 0), time.Unix(updated, 0)
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *SQLite) FolderByUUID(ctx context.Context, accountUUID, uuid string) (*Folder, error) {
	var f Folder
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT `+folderCols+` FROM folders WHERE user_uuid = ? AND uuid = ?`,
		accountUUID, uuid).
		Scan(&f.UUID, &f.AccountUUID, &f.Name, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.CreatedAt, f.UpdatedAt = time.Unix(created, 0), time.Unix(updated, 0)
	return &f, nil
}

func (s *SQLite) SaveFolder(ctx context.Context, f *Folder) error {
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (`+folderCols+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at`,
		f.UUID, f.AccountUUID, f.Name, f.CreatedAt.Unix(), f.UpdatedAt.Unix())
	return err
}

func (s *SQLite) DeleteFolder(ctx context.Context, accountUUID, uuid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM folders WHERE user_uuid = ? AND uuid = ?`, accountUUID, uuid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ciphers SET folder_uuid = NULL WHERE user_uuid = ? AND folder_uuid = ?`,
		accountUUID, uuid); err != nil {
		return err
	}
	return tx.Commit()
}
