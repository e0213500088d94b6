// Package store persists the hub's durable state: key/value settings,
// registered users, bans/kicks, and GeoIP zone buckets, via an abstract
// row interface over setup/reglist/banlist/kicklist/zone tables.
package store

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by key finds no row.
var ErrNotFound = errors.New("store: not found")

// Store persists hub state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type migration struct {
	name string
	stmt string
}

var migrations = []migration{
	{
		name: "001_setup",
		stmt: `CREATE TABLE IF NOT EXISTS setup (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	},
	{
		name: "002_reglist",
		stmt: `CREATE TABLE IF NOT EXISTS reglist (
			nick TEXT PRIMARY KEY,
			class INTEGER NOT NULL DEFAULT 1,
			password TEXT NOT NULL DEFAULT '',
			enc_kind TEXT NOT NULL DEFAULT 'plain',
			enabled INTEGER NOT NULL DEFAULT 1,
			op_note TEXT NOT NULL DEFAULT '',
			user_note TEXT NOT NULL DEFAULT '',
			first_login_unix INTEGER NOT NULL DEFAULT 0,
			last_login_unix INTEGER NOT NULL DEFAULT 0,
			last_ip TEXT NOT NULL DEFAULT ''
		)`,
	},
	{
		name: "003_banlist",
		stmt: `CREATE TABLE IF NOT EXISTS banlist (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			nick TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			ip_mask TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			op_nick TEXT NOT NULL DEFAULT '',
			start_unix INTEGER NOT NULL,
			end_unix INTEGER NOT NULL DEFAULT 0
		)`,
	},
	{
		name: "004_banlist_indexes",
		stmt: `CREATE INDEX IF NOT EXISTS idx_banlist_nick ON banlist(nick);
CREATE INDEX IF NOT EXISTS idx_banlist_ip ON banlist(ip);`,
	},
	{
		name: "005_kicklist",
		stmt: `CREATE TABLE IF NOT EXISTS kicklist (
			id TEXT PRIMARY KEY,
			nick TEXT NOT NULL,
			ip TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			op_nick TEXT NOT NULL DEFAULT '',
			created_unix INTEGER NOT NULL
		)`,
	},
	{
		name: "006_zone",
		stmt: `CREATE TABLE IF NOT EXISTS zone (
			country_code TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT ''
		)`,
	},
	{
		name: "007_schema_migrations",
		stmt: `CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_unix INTEGER NOT NULL
		)`,
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("store: enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("store: set busy_timeout: %w", err)
	}

	// schema_migrations itself must exist before we can check it.
	if _, err := s.db.ExecContext(ctx, migrations[len(migrations)-1].stmt); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE name = ?`, m.name).Scan(&applied)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: check migration %s: %w", m.name, err)
		}
		if _, err := s.db.ExecContext(ctx, m.stmt); err != nil {
			return fmt.Errorf("store: run migration %s: %w", m.name, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (name, applied_unix) VALUES (?, ?)`, m.name, time.Now().Unix()); err != nil {
			return fmt.Errorf("store: record migration %s: %w", m.name, err)
		}
		slog.Debug("migration applied", "name", m.name)
	}
	return nil
}

// --- setup (key/value config rows) ---

// GetSetting returns the value for key, or ("", ErrNotFound) if absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM setup WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get setting %q: %w", key, err)
	}
	return v, nil
}

// SetSetting upserts a key/value config row.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const q = `INSERT INTO setup (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("store: set setting %q: %w", key, err)
	}
	return nil
}

// --- reglist (registered users) ---

// EncryptionKind names how RegUser.Password is encoded.
type EncryptionKind string

const (
	EncPlain  EncryptionKind = "plain"
	EncLegacy EncryptionKind = "legacy"
	EncMD5    EncryptionKind = "md5"
	EncBcrypt EncryptionKind = "bcrypt"
)

// RegUser is one reglist row: a registered nick and its class/credential.
type RegUser struct {
	Nick           string
	Class          int
	Password       string
	EncKind        EncryptionKind
	Enabled        bool
	OpNote         string
	UserNote       string
	FirstLoginUnix int64
	LastLoginUnix  int64
	LastIP         string
}

// HashPassword encodes plain according to kind, using saltLen for the
// legacy/md5 salted forms ("md5 with configured salt length"). EncBcrypt
// ignores saltLen; bcrypt manages its own salt.
func HashPassword(plain string, kind EncryptionKind, saltLen int) (string, error) {
	switch kind {
	case EncPlain:
		return plain, nil
	case EncLegacy, EncMD5:
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("store: generate salt: %w", err)
		}
		sum := md5.Sum(append(salt, []byte(plain)...))
		return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum[:]), nil
	case EncBcrypt:
		h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("store: bcrypt hash: %w", err)
		}
		return string(h), nil
	default:
		return "", fmt.Errorf("store: unknown encryption kind %q", kind)
	}
}

// VerifyPassword checks plain against stored, which was produced by
// HashPassword with the same kind.
func VerifyPassword(plain, stored string, kind EncryptionKind) bool {
	switch kind {
	case EncPlain:
		return plain == stored
	case EncLegacy, EncMD5:
		parts := strings.SplitN(stored, ":", 2)
		if len(parts) != 2 {
			return false
		}
		salt, err := hex.DecodeString(parts[0])
		if err != nil {
			return false
		}
		sum := md5.Sum(append(salt, []byte(plain)...))
		return hex.EncodeToString(sum[:]) == parts[1]
	case EncBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(plain)) == nil
	default:
		return false
	}
}

// GetRegUser returns a registered user by nick (case-sensitive; callers
// are expected to have already folded the nick via internal/nmdchash).
func (s *Store) GetRegUser(ctx context.Context, nick string) (RegUser, error) {
	const q = `SELECT nick, class, password, enc_kind, enabled, op_note, user_note,
		first_login_unix, last_login_unix, last_ip FROM reglist WHERE nick = ?`
	var u RegUser
	var enabled int
	var enc string
	err := s.db.QueryRowContext(ctx, q, nick).Scan(
		&u.Nick, &u.Class, &u.Password, &enc, &enabled, &u.OpNote, &u.UserNote,
		&u.FirstLoginUnix, &u.LastLoginUnix, &u.LastIP,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RegUser{}, ErrNotFound
	}
	if err != nil {
		return RegUser{}, fmt.Errorf("store: get reg user %q: %w", nick, err)
	}
	u.EncKind = EncryptionKind(enc)
	u.Enabled = enabled != 0
	return u, nil
}

// UpsertRegUser inserts or replaces a reglist row.
func (s *Store) UpsertRegUser(ctx context.Context, u RegUser) error {
	const q = `INSERT INTO reglist (
		nick, class, password, enc_kind, enabled, op_note, user_note,
		first_login_unix, last_login_unix, last_ip
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(nick) DO UPDATE SET
		class = excluded.class,
		password = excluded.password,
		enc_kind = excluded.enc_kind,
		enabled = excluded.enabled,
		op_note = excluded.op_note,
		user_note = excluded.user_note,
		first_login_unix = excluded.first_login_unix,
		last_login_unix = excluded.last_login_unix,
		last_ip = excluded.last_ip`
	enabled := 0
	if u.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, q, u.Nick, u.Class, u.Password, string(u.EncKind), enabled,
		u.OpNote, u.UserNote, u.FirstLoginUnix, u.LastLoginUnix, u.LastIP)
	if err != nil {
		return fmt.Errorf("store: upsert reg user %q: %w", u.Nick, err)
	}
	return nil
}

// TouchLogin records a successful login's timestamp and source IP.
func (s *Store) TouchLogin(ctx context.Context, nick, ip string, when time.Time) error {
	const q = `UPDATE reglist SET last_login_unix = ?, last_ip = ?,
		first_login_unix = CASE WHEN first_login_unix = 0 THEN ? ELSE first_login_unix END
		WHERE nick = ?`
	_, err := s.db.ExecContext(ctx, q, when.Unix(), ip, when.Unix(), nick)
	if err != nil {
		return fmt.Errorf("store: touch login %q: %w", nick, err)
	}
	return nil
}

// DeleteRegUser removes a registration.
func (s *Store) DeleteRegUser(ctx context.Context, nick string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reglist WHERE nick = ?`, nick); err != nil {
		return fmt.Errorf("store: delete reg user %q: %w", nick, err)
	}
	return nil
}

// --- banlist / kicklist ---

// BanKind distinguishes the four lookup buckets: exact nick (temporary
// or permanent) and exact/range IP (temporary or permanent).
type BanKind string

const (
	BanNick   BanKind = "nick"
	BanIP     BanKind = "ip"
	BanIPMask BanKind = "ip_mask"
)

// BanRow is one banlist entry. EndUnix == 0 means permanent.
type BanRow struct {
	ID       string
	Kind     BanKind
	Nick     string
	IP       string
	IPMask   string
	Reason   string
	OpNick   string
	StartUnix int64
	EndUnix   int64
}

// InsertBan records a new ban and returns its generated ID.
func (s *Store) InsertBan(ctx context.Context, b BanRow) (string, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	const q = `INSERT INTO banlist (id, kind, nick, ip, ip_mask, reason, op_nick, start_unix, end_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, b.ID, string(b.Kind), b.Nick, b.IP, b.IPMask, b.Reason, b.OpNick, b.StartUnix, b.EndUnix)
	if err != nil {
		return "", fmt.Errorf("store: insert ban: %w", err)
	}
	return b.ID, nil
}

// FindBanByNick looks up active bans for nick, temporary ones first
// (matching the four-index lookup order).
func (s *Store) FindBanByNick(ctx context.Context, nick string, now time.Time) ([]BanRow, error) {
	const q = `SELECT id, kind, nick, ip, ip_mask, reason, op_nick, start_unix, end_unix
		FROM banlist WHERE kind = 'nick' AND nick = ? AND (end_unix = 0 OR end_unix > ?)
		ORDER BY (end_unix = 0) ASC, end_unix ASC`
	return s.queryBans(ctx, q, nick, now.Unix())
}

// FindBanByIP looks up active exact-IP and IP-range bans, exact first.
func (s *Store) FindBanByIP(ctx context.Context, ip string, now time.Time) ([]BanRow, error) {
	const q = `SELECT id, kind, nick, ip, ip_mask, reason, op_nick, start_unix, end_unix
		FROM banlist WHERE kind IN ('ip', 'ip_mask') AND (ip = ? OR ip_mask != '')
		AND (end_unix = 0 OR end_unix > ?)
		ORDER BY (kind = 'ip_mask') ASC, (end_unix = 0) ASC, end_unix ASC`
	return s.queryBans(ctx, q, ip, now.Unix())
}

// ListBans returns every active ban row, temporary ones first, for the
// admin status surface and the `vhubd` ban-listing CLI command.
func (s *Store) ListBans(ctx context.Context, now time.Time) ([]BanRow, error) {
	const q = `SELECT id, kind, nick, ip, ip_mask, reason, op_nick, start_unix, end_unix
		FROM banlist WHERE end_unix = 0 OR end_unix > ?
		ORDER BY (end_unix = 0) ASC, end_unix ASC`
	return s.queryBans(ctx, q, now.Unix())
}

func (s *Store) queryBans(ctx context.Context, q string, args ...any) ([]BanRow, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query bans: %w", err)
	}
	defer rows.Close()
	var out []BanRow
	for rows.Next() {
		var b BanRow
		var kind string
		if err := rows.Scan(&b.ID, &kind, &b.Nick, &b.IP, &b.IPMask, &b.Reason, &b.OpNick, &b.StartUnix, &b.EndUnix); err != nil {
			return nil, fmt.Errorf("store: scan ban: %w", err)
		}
		b.Kind = BanKind(kind)
		out = append(out, b)
	}
	return out, rows.Err()
}

// PurgeExpiredBans deletes temporary bans whose end has passed.
func (s *Store) PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM banlist WHERE end_unix != 0 AND end_unix <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: purge expired bans: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteBan removes a ban by ID (used by ban.Checker.Unban and the `vhubd`
// unban CLI command).
func (s *Store) DeleteBan(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM banlist WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete ban %q: %w", id, err)
	}
	return nil
}

// --- zone (country-code buckets) ---

// UpsertZone records a country-code description, used by internal/geoip
// to attach a human-readable zone label.
func (s *Store) UpsertZone(ctx context.Context, code, description string) error {
	const q = `INSERT INTO zone (country_code, description) VALUES (?, ?)
		ON CONFLICT(country_code) DO UPDATE SET description = excluded.description`
	if _, err := s.db.ExecContext(ctx, q, code, description); err != nil {
		return fmt.Errorf("store: upsert zone %q: %w", code, err)
	}
	return nil
}

// GetZone returns the description for a country code.
func (s *Store) GetZone(ctx context.Context, code string) (string, error) {
	var desc string
	err := s.db.QueryRowContext(ctx, `SELECT description FROM zone WHERE country_code = ?`, code).Scan(&desc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get zone %q: %w", code, err)
	}
	return desc, nil
}

// Backup writes a consistent snapshot of the database to dstPath using
// SQLite's VACUUM INTO, matching the reference hub's live-backup command.
func (s *Store) Backup(ctx context.Context, dstPath string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dstPath); err != nil {
		return fmt.Errorf("store: backup to %q: %w", dstPath, err)
	}
	return nil
}
