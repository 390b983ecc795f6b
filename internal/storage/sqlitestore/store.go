// Package sqlitestore provides a SQLite-backed storage.Store.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"devicehub/internal/storage"
	"devicehub/internal/storage/sqlitestore/migrations"
)

// Store persists devicehub state in a single SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Grant expiry is compared at full precision, so grants use nanoseconds.
func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(v int64) time.Time { return time.Unix(0, v).UTC() }

// Open opens the database at path and applies embedded migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer keeps read-modify-write transactions serialized
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("sqlite store opened", slog.String("path", path))
	return &Store{db: db, logger: logger.With(slog.String("component", "sqlitestore"))}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// withTx runs fn in a transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Licenses

const licenseColumns = `key, activated, bound_device_id, activated_at, activated_by_name, activated_by_model, assigned_package_ref`

func scanLicense(row rowScanner) (storage.LicenseRecord, error) {
	var (
		rec         storage.LicenseRecord
		activated   int
		activatedAt sql.NullInt64
	)
	if err := row.Scan(&rec.Key, &activated, &rec.BoundDeviceID, &activatedAt,
		&rec.ActivatedByName, &rec.ActivatedByModel, &rec.AssignedPackageRef); err != nil {
		return storage.LicenseRecord{}, err
	}
	rec.Activated = activated != 0
	if activatedAt.Valid {
		t := fromMillis(activatedAt.Int64)
		rec.ActivatedAt = &t
	}
	return rec, nil
}

func licenseArgs(rec storage.LicenseRecord) []any {
	var activatedAt sql.NullInt64
	if rec.ActivatedAt != nil {
		activatedAt = sql.NullInt64{Int64: toMillis(*rec.ActivatedAt), Valid: true}
	}
	activated := 0
	if rec.Activated {
		activated = 1
	}
	return []any{activated, rec.BoundDeviceID, activatedAt, rec.ActivatedByName, rec.ActivatedByModel, rec.AssignedPackageRef}
}

func getLicense(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, key string) (storage.LicenseRecord, error) {
	rec, err := scanLicense(q.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.LicenseRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.LicenseRecord{}, fmt.Errorf("get license: %w", err)
	}
	return rec, nil
}

func (s *Store) GetLicense(ctx context.Context, key string) (storage.LicenseRecord, error) {
	return getLicense(ctx, s.db, key)
}

func (s *Store) ListLicenses(ctx context.Context) ([]storage.LicenseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+licenseColumns+` FROM licenses ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var out []storage.LicenseRecord
	for rows.Next() {
		rec, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutLicense(ctx context.Context, rec storage.LicenseRecord) error {
	args := append([]any{rec.Key}, licenseArgs(rec)...)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO licenses (key, seq, activated, bound_device_id, activated_at, activated_by_name, activated_by_model, assigned_package_ref)
VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM licenses), ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    activated = excluded.activated,
    bound_device_id = excluded.bound_device_id,
    activated_at = excluded.activated_at,
    activated_by_name = excluded.activated_by_name,
    activated_by_model = excluded.activated_by_model,
    assigned_package_ref = excluded.assigned_package_ref`, args...)
	if err != nil {
		return fmt.Errorf("put license: %w", err)
	}
	return nil
}

func (s *Store) UpdateLicense(ctx context.Context, key string, fn func(*storage.LicenseRecord) error) (storage.LicenseRecord, error) {
	var out storage.LicenseRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getLicense(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.Key = key

		args := append(licenseArgs(rec), key)
		if _, err := tx.ExecContext(ctx, `
UPDATE licenses SET activated = ?, bound_device_id = ?, activated_at = ?,
    activated_by_name = ?, activated_by_model = ?, assigned_package_ref = ?
WHERE key = ?`, args...); err != nil {
			return fmt.Errorf("update license: %w", err)
		}
		out = rec
		return nil
	})
	return out, err
}

// Packages

const packageColumns = `id, name, kind, variant, version, source_dir, size_hint, created_at`

func scanPackage(row rowScanner) (storage.Package, error) {
	var (
		p         storage.Package
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Kind, &p.Variant, &p.Version, &p.SourceDir, &p.SizeHint, &createdAt); err != nil {
		return storage.Package{}, err
	}
	p.CreatedAt = fromMillis(createdAt)
	return p, nil
}

func (s *Store) GetPackage(ctx context.Context, id string) (storage.Package, error) {
	p, err := scanPackage(s.db.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Package{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Package{}, fmt.Errorf("get package: %w", err)
	}
	return p, nil
}

func (s *Store) ListPackages(ctx context.Context) ([]storage.Package, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+packageColumns+` FROM packages ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var out []storage.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CreatePackage(ctx context.Context, p storage.Package) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO packages (`+packageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Kind, p.Variant, p.Version, p.SourceDir, p.SizeHint, toMillis(p.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("create package: %w", err)
	}
	return nil
}

func (s *Store) UpdatePackage(ctx context.Context, id string, fn func(*storage.Package) error) (storage.Package, error) {
	var out storage.Package
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := scanPackage(tx.QueryRowContext(ctx,
			`SELECT `+packageColumns+` FROM packages WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get package: %w", err)
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.ID = id

		if _, err := tx.ExecContext(ctx, `
UPDATE packages SET name = ?, kind = ?, variant = ?, version = ?, source_dir = ?, size_hint = ?
WHERE id = ?`, p.Name, p.Kind, p.Variant, p.Version, p.SourceDir, p.SizeHint, id); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrDuplicate
			}
			return fmt.Errorf("update package: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Store) RemovePackage(ctx context.Context, id string) (int, error) {
	var cleared int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete package: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}

		res, err = tx.ExecContext(ctx,
			`UPDATE licenses SET assigned_package_ref = '' WHERE assigned_package_ref = ?`, id)
		if err != nil {
			return fmt.Errorf("clear assignments: %w", err)
		}
		n, _ := res.RowsAffected()
		cleared = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cleared, nil
}

// Grants

const grantColumns = `token, package_ref, file_name, file_size, checksum, artifact_path, target_device_id, target_transport_id, issued_at, expires_at`

func scanGrant(row rowScanner) (storage.DownloadGrant, error) {
	var (
		g                   storage.DownloadGrant
		issuedAt, expiresAt int64
	)
	if err := row.Scan(&g.Token, &g.PackageRef, &g.FileName, &g.FileSize, &g.Checksum, &g.ArtifactPath,
		&g.TargetDeviceID, &g.TargetTransportID, &issuedAt, &expiresAt); err != nil {
		return storage.DownloadGrant{}, err
	}
	g.IssuedAt = fromNanos(issuedAt)
	g.ExpiresAt = fromNanos(expiresAt)
	return g, nil
}

func (s *Store) PutGrant(ctx context.Context, g storage.DownloadGrant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO grants (`+grantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.Token, g.PackageRef, g.FileName, g.FileSize, g.Checksum, g.ArtifactPath,
		g.TargetDeviceID, g.TargetTransportID, toNanos(g.IssuedAt), toNanos(g.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

func (s *Store) GetGrant(ctx context.Context, token string) (storage.DownloadGrant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM grants WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DownloadGrant{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.DownloadGrant{}, fmt.Errorf("get grant: %w", err)
	}
	return g, nil
}

func (s *Store) ListGrants(ctx context.Context) ([]storage.DownloadGrant, error) {
	return s.queryGrants(ctx, `SELECT `+grantColumns+` FROM grants ORDER BY issued_at, token`)
}

func (s *Store) queryGrants(ctx context.Context, query string, args ...any) ([]storage.DownloadGrant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	var out []storage.DownloadGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExpiredGrants(ctx context.Context, now time.Time) ([]storage.DownloadGrant, error) {
	var removed []storage.DownloadGrant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+grantColumns+` FROM grants WHERE expires_at < ? ORDER BY issued_at, token`, toNanos(now))
		if err != nil {
			return fmt.Errorf("query expired grants: %w", err)
		}
		for rows.Next() {
			g, err := scanGrant(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan grant: %w", err)
			}
			removed = append(removed, g)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM grants WHERE expires_at < ?`, toNanos(now)); err != nil {
			return fmt.Errorf("delete expired grants: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *Store) DeletePackageGrants(ctx context.Context, packageRef string) ([]storage.DownloadGrant, error) {
	var removed []storage.DownloadGrant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+grantColumns+` FROM grants WHERE package_ref = ? ORDER BY issued_at, token`, packageRef)
		if err != nil {
			return fmt.Errorf("query package grants: %w", err)
		}
		for rows.Next() {
			g, err := scanGrant(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan grant: %w", err)
			}
			removed = append(removed, g)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM grants WHERE package_ref = ?`, packageRef); err != nil {
			return fmt.Errorf("delete package grants: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Activations

func (s *Store) AppendActivation(ctx context.Context, e storage.ActivationEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activations (license_key, device_id, display_name, model, at) VALUES (?, ?, ?, ?, ?)`,
		e.Key, e.DeviceID, e.DisplayName, e.Model, toMillis(e.At))
	if err != nil {
		return fmt.Errorf("append activation: %w", err)
	}
	return nil
}

// ListActivations returns the activation history, oldest first.
func (s *Store) ListActivations(ctx context.Context) ([]storage.ActivationEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT license_key, device_id, display_name, model, at FROM activations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	var out []storage.ActivationEntry
	for rows.Next() {
		var (
			e  storage.ActivationEntry
			at int64
		)
		if err := rows.Scan(&e.Key, &e.DeviceID, &e.DisplayName, &e.Model, &at); err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		e.At = fromMillis(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
