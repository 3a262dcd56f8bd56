package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host             string        // Database host
	Port             string        // Database port
	User             string        // Database user
	Password         string        // Database password
	Database         string        // Database name
	SSLMode          string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns     int           // Maximum number of idle connections
	MaxOpenConns     int           // Maximum number of open connections
	MaxLifetime      time.Duration // Maximum lifetime of a connection
	StatementTimeout time.Duration // Per-statement timeout applied to every connection
	DatabaseURL      string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.DatabaseURL != "" {
		if c.StatementTimeout <= 0 || strings.Contains(c.DatabaseURL, "statement_timeout=") {
			return c.DatabaseURL
		}
		sep := "?"
		if strings.Contains(c.DatabaseURL, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sstatement_timeout=%d", c.DatabaseURL, sep, c.StatementTimeout.Milliseconds())
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s options='-c statement_timeout=%d'",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.StatementTimeout.Milliseconds())
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// GetDB returns the underlying sql.DB handle
func (d *DB) GetDB() *sql.DB {
	return d.client
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.client.Close()
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	// Set defaults for optional fields
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 30
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 75
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}
	if config.StatementTimeout == 0 {
		config.StatementTimeout = 25 * time.Second
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	// Test connection
	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// Initialise schema and stored procedures
	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	log.Info().
		Int("max_open_conns", config.MaxOpenConns).
		Dur("statement_timeout", config.StatementTimeout).
		Msg("Connected to PostgreSQL")

	return &DB{client: client, config: config}, nil
}

// NewFromClient wraps an existing connection handle without touching pool
// settings or schema. Used by tests and embedding services that manage the
// pool themselves.
func NewFromClient(client *sql.DB, config *Config) *DB {
	if config == nil {
		config = &Config{}
	}
	return &DB{client: client, config: config}
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	// If DATABASE_URL is provided, use it with default pool settings
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return New(&Config{DatabaseURL: url})
	}

	return New(&Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	})
}

// Execute runs a database operation in a transaction
func (d *DB) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
