package secondfactor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/authgate/internal/sqlitedb"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS totp_configurations (
		username   TEXT    PRIMARY KEY,
		secret     TEXT    NOT NULL,
		algorithm  TEXT    NOT NULL,
		digits     INTEGER NOT NULL,
		period     INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webauthn_devices (
		username         TEXT    NOT NULL,
		rpid             TEXT    NOT NULL,
		credential_id    BLOB    NOT NULL,
		description      TEXT    NOT NULL DEFAULT '',
		public_key       BLOB    NOT NULL,
		attestation_type TEXT    NOT NULL DEFAULT '',
		transports       TEXT    NOT NULL DEFAULT '',
		aaguid           BLOB,
		sign_count       INTEGER NOT NULL DEFAULT 0,
		clone_warning    INTEGER NOT NULL DEFAULT 0,
		flags            INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL,
		last_used_at     INTEGER,
		PRIMARY KEY (username, rpid, credential_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_preferences (
		username         TEXT PRIMARY KEY,
		second_factor    TEXT NOT NULL
	)`,
}

// SQLiteStore implements [Store] on the embedded SQL database.
type SQLiteStore struct {
	db   *sql.DB
	owns bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens the database file at path and owns it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(ctx, path, sqliteSchema...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &SQLiteStore{db: db, owns: true}, nil
}

// NewSQLite creates the tables in an existing database. Close leaves db open.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// SaveTOTP replaces the user's TOTP configuration.
func (s *SQLiteStore) SaveTOTP(ctx context.Context, cfg TOTPConfig) error {
	if cfg.Username == "" || cfg.Secret == "" {
		return errors.New("totp configuration requires username and secret")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO totp_configurations (username, secret, algorithm, digits, period, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (username) DO UPDATE SET
			secret = excluded.secret,
			algorithm = excluded.algorithm,
			digits = excluded.digits,
			period = excluded.period,
			created_at = excluded.created_at`,
		cfg.Username, cfg.Secret, cfg.Algorithm, cfg.Digits, cfg.Period, cfg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) LoadTOTP(ctx context.Context, username string) (*TOTPConfig, error) {
	var (
		cfg     = TOTPConfig{Username: username}
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT secret, algorithm, digits, period, created_at FROM totp_configurations WHERE username = ?`,
		username,
	).Scan(&cfg.Secret, &cfg.Algorithm, &cfg.Digits, &cfg.Period, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cfg.CreatedAt = time.Unix(created, 0)
	return &cfg, nil
}

func (s *SQLiteStore) DeleteTOTP(ctx context.Context, username string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM totp_configurations WHERE username = ?`, username); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SaveWebAuthnDevice inserts dev, replacing a device with the same key.
func (s *SQLiteStore) SaveWebAuthnDevice(ctx context.Context, dev WebAuthnDevice) error {
	if dev.Username == "" || dev.RPID == "" || len(dev.CredentialID) == 0 {
		return errors.New("webauthn device requires username, rpid and credential id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webauthn_devices (username, rpid, credential_id, description, public_key,
			attestation_type, transports, aaguid, sign_count, clone_warning, flags, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (username, rpid, credential_id) DO UPDATE SET
			description = excluded.description,
			public_key = excluded.public_key,
			attestation_type = excluded.attestation_type,
			transports = excluded.transports,
			aaguid = excluded.aaguid,
			sign_count = excluded.sign_count,
			clone_warning = excluded.clone_warning,
			flags = excluded.flags`,
		dev.Username, dev.RPID, dev.CredentialID, dev.Description, dev.PublicKey,
		dev.AttestationType, strings.Join(dev.Transports, ","), dev.AAGUID,
		int64(dev.SignCount), boolToInt(dev.CloneWarning), int(dev.Flags),
		dev.CreatedAt.Unix(), nullableUnix(dev.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// LoadWebAuthnDevices returns the user's devices for rpID, oldest first.
// A user without devices yields ErrNotFound.
func (s *SQLiteStore) LoadWebAuthnDevices(ctx context.Context, username, rpID string) ([]WebAuthnDevice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT credential_id, description, public_key, attestation_type, transports, aaguid,
			sign_count, clone_warning, flags, created_at, last_used_at
		 FROM webauthn_devices WHERE username = ? AND rpid = ?
		 ORDER BY created_at, rowid`,
		username, rpID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []WebAuthnDevice
	for rows.Next() {
		var (
			dev        = WebAuthnDevice{Username: username, RPID: rpID}
			transports string
			signCount  int64
			clone      int
			flags      int
			created    int64
			lastUsed   sql.NullInt64
		)
		if err := rows.Scan(&dev.CredentialID, &dev.Description, &dev.PublicKey, &dev.AttestationType,
			&transports, &dev.AAGUID, &signCount, &clone, &flags, &created, &lastUsed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if transports != "" {
			dev.Transports = strings.Split(transports, ",")
		}
		dev.SignCount = uint32(signCount)
		dev.CloneWarning = clone != 0
		dev.Flags = byte(flags)
		dev.CreatedAt = time.Unix(created, 0)
		if lastUsed.Valid {
			dev.LastUsedAt = time.Unix(lastUsed.Int64, 0)
		}
		out = append(out, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// UpdateWebAuthnSignCount records a successful assertion.
func (s *SQLiteStore) UpdateWebAuthnSignCount(ctx context.Context, username, rpID string, credentialID []byte, signCount uint32, cloneWarning bool, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webauthn_devices SET sign_count = ?, clone_warning = ?, last_used_at = ?
		 WHERE username = ? AND rpid = ? AND credential_id = ?`,
		int64(signCount), boolToInt(cloneWarning), usedAt.Unix(), username, rpID, credentialID,
	)
	return affected(res, err)
}

func (s *SQLiteStore) DeleteWebAuthnDevice(ctx context.Context, username, rpID string, credentialID []byte) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webauthn_devices WHERE username = ? AND rpid = ? AND credential_id = ?`,
		username, rpID, credentialID,
	)
	return affected(res, err)
}

func (s *SQLiteStore) SavePreferredMethod(ctx context.Context, username string, m Method) error {
	if !m.Valid() {
		return fmt.Errorf("unknown second factor method %q", m)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_preferences (username, second_factor) VALUES (?, ?)
		 ON CONFLICT (username) DO UPDATE SET second_factor = excluded.second_factor`,
		username, string(m),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) LoadPreferredMethod(ctx context.Context, username string) (Method, error) {
	var m string
	err := s.db.QueryRowContext(ctx,
		`SELECT second_factor FROM user_preferences WHERE username = ?`, username,
	).Scan(&m)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Method(m), nil
}

// Close closes the database when the store opened it.
func (s *SQLiteStore) Close() error {
	if !s.owns {
		return nil
	}
	return s.db.Close()
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
