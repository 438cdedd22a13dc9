package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/juju/clock"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchemaSQL string

//go:embed schema_postgres.sql
var postgresSchemaSQL string

// Schema version tracking (SQLite only):
// 0 - Empty database
// 1 - Initial seqd schema
// 2 - Added index on moderation_subject_status.reverse_at
const currentSchemaVersion = 2

// schemaLockID serializes concurrent schema setup on PostgreSQL. It must not
// collide with the job lock ids.
const schemaLockID = 7001

// Dialect identifies the SQL backend behind a Store.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	case DialectPostgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// Notifier delivers a notification on a named channel to other components
// and processes. notify.Hub and notify.FileBridge implement it.
type Notifier interface {
	Notify(ctx context.Context, channel string) error
}

// Option configures a Store.
type Option func(*Store)

// WithNotifier sets the Notifier used on SQLite, where the database has no
// pub/sub of its own. It is ignored on PostgreSQL.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithClock sets the clock used for committed_at, sequenced_at and
// moderation timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger for failures that do not fail the call, such as
// a notification lost after commit.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store provides durable storage for committed events, the outgoing stream
// and moderation state.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return newStore(db, DialectSQLite, opts), nil
}

// OpenPostgres connects to a PostgreSQL database and creates the schema if
// it does not exist yet.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := applyPostgresSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return newStore(db, DialectPostgres, opts), nil
}

func newStore(db *sql.DB, dialect Dialect, opts []Option) *Store {
	s := &Store{db: db, dialect: dialect, clock: clock.WallClock, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sqliteDSN makes every transaction BEGIN IMMEDIATE, so two processes never
// both read inside a transaction and then race to upgrade to a write lock.
func sqliteDSN(path string) string {
	if strings.Contains(path, "_txlock=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate"
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Queries must use the dialect's placeholder syntax.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect reports which backend the store is connected to.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Clock returns the clock the store stamps rows with.
func (s *Store) Clock() clock.Clock {
	return s.clock
}

// Notify raises a notification on channel. On PostgreSQL this is pg_notify
// and reaches every listening connection; on SQLite it is handed to the
// configured Notifier, if any.
func (s *Store) Notify(ctx context.Context, channel string) error {
	if s.dialect == DialectPostgres {
		if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, '')`, channel); err != nil {
			return fmt.Errorf("notify %s: %w", channel, err)
		}
		return nil
	}
	if s.notifier == nil {
		return nil
	}
	if err := s.notifier.Notify(ctx, channel); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
// Queries in this package never contain a literal question mark.
func (s *Store) rebind(query string) string {
	return rebind(s.dialect, query)
}

func rebind(d Dialect, query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV2 adds the reverse_at index for databases created at v1.
// New databases get it from the schema file.
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_subject_status_reverse_at
		ON moderation_subject_status(reverse_at)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// applyPostgresSchema runs the schema under a transaction-scoped advisory
// lock so that processes starting together do not race on CREATE TABLE.
func applyPostgresSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, postgresSchemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return tx.Commit()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
