package adapterstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Ledger records which adapter module version was admitted under each
// logical adapter name, and rejects admitting an older version over a
// newer one already on record — the same rollback protection a pack
// trust system applies to signed packs, here applied to adapter modules.
type Ledger struct {
	db *sql.DB
}

// NewLedger wraps an open *sql.DB (expected to be a lib/pq connection) as
// an adapter admission ledger. The caller owns the DB's lifecycle.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// EnsureSchema creates the ledger table if it does not already exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS adapter_admissions (
	name          TEXT PRIMARY KEY,
	version       TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	admitted_at   TIMESTAMPTZ NOT NULL
)`
	_, err := l.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("adapterstore: ensure ledger schema: %w", err)
	}
	return nil
}

// ErrRollback is returned when an admission would downgrade a logical
// adapter's recorded version.
var ErrRollback = errors.New("adapterstore: admission would roll back adapter version")

// Admit records that contentHash was admitted as version of the named
// adapter, at the given time. It fails with ErrRollback if an existing
// record for name carries a newer version.
func (l *Ledger) Admit(ctx context.Context, name, version, contentHash string, at time.Time) error {
	newVersion, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("adapterstore: invalid adapter version %q: %w", version, err)
	}

	row := l.db.QueryRowContext(ctx, `SELECT version FROM adapter_admissions WHERE name = $1`, name)
	var existing string
	switch err := row.Scan(&existing); {
	case errors.Is(err, sql.ErrNoRows):
		// first admission, proceed
	case err != nil:
		return fmt.Errorf("adapterstore: read existing admission: %w", err)
	default:
		currentVersion, err := semver.NewVersion(existing)
		if err == nil && newVersion.LessThan(currentVersion) {
			return ErrRollback
		}
	}

	_, err = l.db.ExecContext(ctx, `
INSERT INTO adapter_admissions (name, version, content_hash, admitted_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE SET version = $2, content_hash = $3, admitted_at = $4
`, name, version, contentHash, at)
	if err != nil {
		return fmt.Errorf("adapterstore: record admission: %w", err)
	}
	return nil
}

// Lookup returns the currently-admitted version and content hash for name.
func (l *Ledger) Lookup(ctx context.Context, name string) (version, contentHash string, err error) {
	row := l.db.QueryRowContext(ctx, `SELECT version, content_hash FROM adapter_admissions WHERE name = $1`, name)
	if err := row.Scan(&version, &contentHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", fmt.Errorf("adapterstore: no admission recorded for %q", name)
		}
		return "", "", fmt.Errorf("adapterstore: lookup admission: %w", err)
	}
	return version, contentHash, nil
}
