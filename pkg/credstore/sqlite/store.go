package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aussiebroadwan/sunga/pkg/credstore"
	"github.com/aussiebroadwan/sunga/pkg/cryptox"
	_ "modernc.org/sqlite"
)

// dbtx is the subset of *sql.DB and *sql.Tx the queries need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is an on-device credential store backed by a sqlite file.
type Store struct {
	db  *sql.DB
	dsn string
}

// NewStore opens the database. Call ApplyMigrations before use.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// A single writer keeps WithTx from racing with plain Set calls
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, dsn: dsn}, nil
}

// FileDSN builds the DSN the CLI uses for a database file.
func FileDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return getCredential(ctx, s.db, key)
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return setCredential(ctx, s.db, key, value)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return removeCredential(ctx, s.db, key)
}

// WithTx executes fn within a transaction, automatically handling commit/rollback.
func (s *Store) WithTx(ctx context.Context, fn func(tx credstore.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}

	return tx.Commit()
}

// Salt returns the per-database salt used to derive the sealing key,
// creating it on first use.
func (s *Store) Salt(ctx context.Context) ([]byte, error) {
	var salt []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE name = 'salt'`).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	salt, err = cryptox.RandomBytes(cryptox.SaltSize)
	if err != nil {
		return nil, err
	}

	// Another process may have won the race; read back whatever is stored.
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO store_meta (name, value) VALUES ('salt', ?) ON CONFLICT(name) DO NOTHING`,
		salt,
	); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE name = 'salt'`).Scan(&salt)
	return salt, err
}

func getCredential(ctx context.Context, q dbtx, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", mapNotFound(err)
	}
	return value, nil
}

func setCredential(ctx context.Context, q dbtx, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	return err
}

func removeCredential(ctx context.Context, q dbtx, key string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key)
	return err
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return credstore.ErrNotFound
	}
	return err
}
