// Package store persists issued API key records. It is a dumb keyed
// container: uniqueness and lookup are enforced here, while lifecycle
// invariants (one active key per rotation chain) belong to the key service.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/cavelabs/caved/internal/model"
)

// Store manages the daemon's key database. SQLite by default; Postgres when
// the DSN says so.
type Store struct {
	db *sqlx.DB
}

// NewStore opens the key database. An empty dsn selects an in-memory SQLite
// database (used by tests and throwaway runs). A dsn starting with
// postgres:// or postgresql:// connects via the pgx driver. Anything else is
// treated as a data directory holding the SQLite file.
func NewStore(dsn string) (*Store, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err = sqlx.Connect("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres key database: %w", err)
		}

	case dsn == "":
		db, err = sqlx.Connect("sqlite", ":memory:?_journal_mode=WAL")
		if err != nil {
			return nil, fmt.Errorf("open in-memory key database: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	default:
		if err := os.MkdirAll(dsn, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		path := filepath.Join(dsn, "caved.db") + "?_journal_mode=WAL&_busy_timeout=5000"
		db, err = sqlx.Connect("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open key database: %w", err)
		}
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate key database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const insertKeyQ = `INSERT INTO api_keys
	(id, lookup_hash, key_prefix, scope_type, scope_namespace, rate_limit,
	 revoked, created_at, last_used_at, expires_at, rotated_from, rotated_at)
	VALUES
	(:id, :lookup_hash, :key_prefix, :scope_type, :scope_namespace, :rate_limit,
	 :revoked, :created_at, :last_used_at, :expires_at, :rotated_from, :rotated_at)`

// Insert persists a new key record. Returns ErrConflict if a record with the
// same id or lookup hash already exists.
func (s *Store) Insert(ctx context.Context, rec *model.KeyRecord) error {
	if _, err := s.db.NamedExecContext(ctx, insertKeyQ, rec); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetByID returns the key record with the given id.
func (s *Store) GetByID(ctx context.Context, id string) (*model.KeyRecord, error) {
	var rec model.KeyRecord
	q := s.db.Rebind("SELECT * FROM api_keys WHERE id = ?")
	if err := s.db.GetContext(ctx, &rec, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &rec, nil
}

// GetByLookupHash returns the key record whose token hashes to the given
// value. This is the authentication path.
func (s *Store) GetByLookupHash(ctx context.Context, hash string) (*model.KeyRecord, error) {
	var rec model.KeyRecord
	q := s.db.Rebind("SELECT * FROM api_keys WHERE lookup_hash = ?")
	if err := s.db.GetContext(ctx, &rec, q, hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return &rec, nil
}

// List returns all key records in issuance order.
func (s *Store) List(ctx context.Context) ([]model.KeyRecord, error) {
	var recs []model.KeyRecord
	if err := s.db.SelectContext(ctx, &recs, "SELECT * FROM api_keys ORDER BY created_at"); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return recs, nil
}

// Count returns the number of key records, revoked ones included.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM api_keys"); err != nil {
		return 0, fmt.Errorf("count api keys: %w", err)
	}
	return n, nil
}

// MarkRevoked flips a key to revoked. Revoking an already-revoked key is a
// no-op, not an error; ErrNotFound is returned only for unknown ids.
func (s *Store) MarkRevoked(ctx context.Context, id string) error {
	q := s.db.Rebind("UPDATE api_keys SET revoked = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, true, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed sets the last_used_at timestamp. Best-effort: lost updates
// under races are acceptable and an unknown id is not an error.
func (s *Store) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	q := s.db.Rebind("UPDATE api_keys SET last_used_at = ? WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, q, at, id); err != nil {
		return fmt.Errorf("touch api key usage: %w", err)
	}
	return nil
}

// Rotate retires the predecessor and inserts its successor in one
// transaction, so no reader observes both active or both revoked. Returns
// ErrConflict if the predecessor was already revoked by a concurrent writer
// (exactly one of two racing rotations wins).
func (s *Store) Rotate(ctx context.Context, predecessorID string, successor *model.KeyRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	q := tx.Rebind("UPDATE api_keys SET revoked = ? WHERE id = ? AND revoked = ?")
	result, err := tx.ExecContext(ctx, q, true, predecessorID, false)
	if err != nil {
		return fmt.Errorf("retire predecessor: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("retire predecessor rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}

	if _, err := tx.NamedExecContext(ctx, insertKeyQ, successor); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert successor key: %w", err)
	}

	return tx.Commit()
}

// isUniqueViolation reports whether err is a unique constraint failure, for
// either backend.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
