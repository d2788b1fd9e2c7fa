package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	// PostgreSQL driver registered as "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
	// Pure-Go SQLite driver registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/good-yellow-bee/blazealert/internal/metrics"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Default query cache settings.
const (
	DefaultCacheSize = 256
	DefaultCacheTTL  = time.Minute
)

// Config configures a SQLStorage.
type Config struct {
	Driver string // sqlite (default) or postgres
	Path   string // sqlite database file
	DSN    string // postgres connection string

	// CacheSize is the number of window query results kept. Negative
	// disables the cache; zero selects the default.
	CacheSize int
	CacheTTL  time.Duration
}

// SQLStorage implements Storage on SQLite or PostgreSQL.
type SQLStorage struct {
	cfg   Config
	db    *sql.DB
	cache *queryCache

	alerts       *sqlAlertRepo
	definitions  *sqlDefinitionRepo
	conditions   *sqlConditionRepo
	resources    *sqlResourceRepo
	measurements *sqlMeasurementRepo
	subjects     *sqlSubjectRepo
	escalations  *sqlEscalationRepo
}

// New creates a new SQL storage. Call Open before use.
func New(cfg Config) *SQLStorage {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	return &SQLStorage{cfg: cfg}
}

// NewSQLiteStorage creates a new SQLite storage at path.
func NewSQLiteStorage(path string) *SQLStorage {
	return New(Config{Driver: DriverSQLite, Path: path})
}

// Open initializes the database connection.
func (s *SQLStorage) Open() error {
	ctx := context.Background()

	var (
		db  *sql.DB
		err error
	)
	switch s.cfg.Driver {
	case DriverSQLite:
		if s.cfg.Path == "" {
			return fmt.Errorf("database path is required")
		}
		dsn := "file:" + s.cfg.Path + "?" + url.Values{
			"_pragma": []string{"foreign_keys(1)", "journal_mode(WAL)", "busy_timeout(5000)"},
		}.Encode()
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		// SQLite is single-writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	case DriverPostgres:
		if s.cfg.DSN == "" {
			return fmt.Errorf("database dsn is required")
		}
		db, err = sql.Open("pgx", s.cfg.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	default:
		return fmt.Errorf("unsupported database driver %q", s.cfg.Driver)
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	s.db = db
	if s.cfg.CacheSize > 0 {
		s.cache = newQueryCache(s.cfg.CacheSize, s.cfg.CacheTTL)
	}

	// Initialize repositories
	base := repo{db: db, driver: s.cfg.Driver, cache: s.cache}
	s.alerts = &sqlAlertRepo{repo: base}
	s.definitions = &sqlDefinitionRepo{repo: base}
	s.conditions = &sqlConditionRepo{repo: base}
	s.resources = &sqlResourceRepo{repo: base}
	s.measurements = &sqlMeasurementRepo{repo: base}
	s.subjects = &sqlSubjectRepo{repo: base}
	s.escalations = &sqlEscalationRepo{repo: base}

	return nil
}

// Close closes the database connection.
func (s *SQLStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database connection for health checks.
func (s *SQLStorage) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *SQLStorage) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database not open")
	}
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations.
func (s *SQLStorage) Migrate() error {
	return runMigrations(s.db, s.cfg.Driver)
}

// Alerts returns the alert repository.
func (s *SQLStorage) Alerts() AlertRepository {
	return s.alerts
}

// Definitions returns the alert definition repository.
func (s *SQLStorage) Definitions() DefinitionRepository {
	return s.definitions
}

// Conditions returns the alert condition repository.
func (s *SQLStorage) Conditions() ConditionRepository {
	return s.conditions
}

// Resources returns the resource repository.
func (s *SQLStorage) Resources() ResourceRepository {
	return s.resources
}

// Measurements returns the measurement repository.
func (s *SQLStorage) Measurements() MeasurementRepository {
	return s.measurements
}

// Subjects returns the subject repository.
func (s *SQLStorage) Subjects() SubjectRepository {
	return s.subjects
}

// Escalations returns the escalation state repository.
func (s *SQLStorage) Escalations() EscalationRepository {
	return s.escalations
}

// repo holds what every repository shares.
type repo struct {
	db     *sql.DB
	driver string
	cache  *queryCache
}

// q rewrites ? placeholders for the active driver.
func (r repo) q(query string) string {
	return rebind(r.driver, query)
}

// observe starts a latency measurement for op.
func (r repo) observe(op string) func() {
	start := time.Now()
	return func() {
		metrics.StorageQueryDuration.WithLabelValues(op, r.driver).Observe(time.Since(start).Seconds())
	}
}

// fail records a storage error and wraps it.
func (r repo) fail(op string, err error) error {
	metrics.StorageErrors.WithLabelValues(op, r.driver).Inc()
	return &Error{Op: op, Err: err}
}

// written drops cached query results after a successful write.
func (r repo) written() {
	r.cache.purge()
}

// rebind converts ? placeholders to $n for PostgreSQL. Queries never carry a
// literal question mark.
func rebind(driver, query string) string {
	if driver != DriverPostgres || !strings.Contains(query, "?") {
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

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
