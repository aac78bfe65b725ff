package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence: vendor pricing
// rules (the backing store behind the rule cache) and processed invoices.
type Repository interface {
	// Rule operations. GetRule returns the rule regardless of its active
	// flag or activation window; classification happens in the rule store.
	SaveRule(ctx context.Context, rule *PricingRule) error
	GetRule(ctx context.Context, vendorCode, serviceName string) (*PricingRule, error)
	ListRules(ctx context.Context) ([]*PricingRule, error)
	DeleteRule(ctx context.Context, vendorCode, serviceName string) error

	// Processed invoice operations
	SaveInvoice(ctx context.Context, inv *ProcessedInvoice) error
	GetInvoice(ctx context.Context, id string) (*ProcessedInvoice, error)
	ListInvoicesByBatch(ctx context.Context, batchID string) ([]*ProcessedInvoice, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
