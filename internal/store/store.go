// Package store provides the Postgres-backed Execution Store (spec §4.D):
// a transactional, typed store of Execution records, plus read access to
// the Script/Dependency/Schedule rows the Provisioner, Coordinator, and
// Scheduler need. The scripts/tags/schedules CRUD surface itself belongs to
// an external collaborator (spec §1); this package owns only the schema and
// the engine-side operations against it.
package store

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds Postgres connection configuration.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Store wraps the Postgres connection pool backing the engine's relational
// state.
type Store struct {
	db *sql.DB
}

func validateConfig(config Config) error {
	if config.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil {
		hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
		if !hostnameRegex.MatchString(config.Host) {
			return fmt.Errorf("invalid database host: %s", config.Host)
		}
	}

	if config.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	port, err := strconv.Atoi(config.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s (must be 1-65535)", config.Port)
	}

	if config.User == "" {
		return fmt.Errorf("database user cannot be empty")
	}
	userRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !userRegex.MatchString(config.User) {
		return fmt.Errorf("invalid database user: %s", config.User)
	}

	if config.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	dbNameRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !dbNameRegex.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name: %s", config.DBName)
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if config.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if config.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid SSL mode: %s (must be one of: %s)", config.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}

	return nil
}

// New opens a connection pool to Postgres and verifies it with a ping.
func New(config Config) (*Store, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewForTesting wraps an existing *sql.DB (e.g. from sqlmock) for unit tests.
func NewForTesting(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates the relational schema if it does not already exist.
// Timestamps are TIMESTAMPTZ throughout (spec §6: "stored in UTC with
// timezone information preserved").
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS scripts (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) UNIQUE NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS tags (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) UNIQUE NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS script_tags (
			script_id INT NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
			tag_id INT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			PRIMARY KEY (script_id, tag_id)
		)`,

		`CREATE TABLE IF NOT EXISTS dependencies (
			id SERIAL PRIMARY KEY,
			script_id INT NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
			package_name VARCHAR(255) NOT NULL,
			version_spec VARCHAR(100) NOT NULL DEFAULT '',
			installed_version VARCHAR(100) NOT NULL DEFAULT '',
			UNIQUE(script_id, package_name)
		)`,

		`CREATE TABLE IF NOT EXISTS schedules (
			id SERIAL PRIMARY KEY,
			script_id INT NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
			cron_expression VARCHAR(100) NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id BIGSERIAL PRIMARY KEY,
			script_id INT NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
			schedule_id INT REFERENCES schedules(id) ON DELETE SET NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			status VARCHAR(20) NOT NULL,
			log_output TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		)`,

		// Invariant I1: at most one PENDING/RUNNING execution per script,
		// enforced as a database constraint rather than an
		// application-level query-and-update (spec §9 REDESIGN FLAGS).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_one_active_per_script
			ON executions(script_id) WHERE status IN ('PENDING', 'RUNNING')`,

		`CREATE INDEX IF NOT EXISTS idx_executions_script_id ON executions(script_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_script_status ON executions(script_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_dependencies_script_id ON dependencies(script_id)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_script_id ON schedules(script_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w\nstatement: %s", err, migration)
		}
	}

	return nil
}
