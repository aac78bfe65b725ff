// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers. Monetary amounts are
// stored as TEXT so decimals round-trip without float drift.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRule upserts a pricing rule keyed by (vendor_code, service_name).
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.PricingRule) error {
	if rule == nil || rule.VendorCode == "" || rule.ServiceName == "" {
		return fmt.Errorf("%w: vendorCode and serviceName are required", ErrInvalidInput)
	}

	active := 0
	if rule.Active {
		active = 1
	}

	query := `
		INSERT INTO vendor_rules (
			id, vendor_code, service_name, pricing_type,
			fixed_amount, min_amount, max_amount, currency, guard,
			effective_from, effective_to, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vendor_code, service_name) DO UPDATE SET
			pricing_type = excluded.pricing_type,
			fixed_amount = excluded.fixed_amount,
			min_amount = excluded.min_amount,
			max_amount = excluded.max_amount,
			currency = excluded.currency,
			guard = excluded.guard,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.VendorCode, rule.ServiceName, string(rule.PricingType),
		encodeAmount(rule.FixedAmount), encodeAmount(rule.MinAmount), encodeAmount(rule.MaxAmount),
		rule.Currency, rule.Guard,
		rule.EffectiveFrom, encodeTime(rule.EffectiveTo), active,
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// GetRule retrieves a pricing rule by vendor code and service name. The
// active flag and activation window are returned as stored; callers decide
// whether the rule applies.
func (r *SQLRepository) GetRule(ctx context.Context, vendorCode, serviceName string) (*domain.PricingRule, error) {
	if vendorCode == "" || serviceName == "" {
		return nil, fmt.Errorf("%w: vendorCode and serviceName are required", ErrInvalidInput)
	}

	query := `
		SELECT id, vendor_code, service_name, pricing_type,
			   fixed_amount, min_amount, max_amount, currency, guard,
			   effective_from, effective_to, active, created_at, updated_at
		FROM vendor_rules
		WHERE vendor_code = ? AND service_name = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), vendorCode, serviceName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules retrieves all pricing rules ordered by vendor and service.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.PricingRule, error) {
	query := `
		SELECT id, vendor_code, service_name, pricing_type,
			   fixed_amount, min_amount, max_amount, currency, guard,
			   effective_from, effective_to, active, created_at, updated_at
		FROM vendor_rules
		ORDER BY vendor_code, service_name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.PricingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteRule removes a pricing rule.
func (r *SQLRepository) DeleteRule(ctx context.Context, vendorCode, serviceName string) error {
	if vendorCode == "" || serviceName == "" {
		return fmt.Errorf("%w: vendorCode and serviceName are required", ErrInvalidInput)
	}

	result, err := r.db.ExecContext(ctx,
		r.rebind(`DELETE FROM vendor_rules WHERE vendor_code = ? AND service_name = ?`),
		vendorCode, serviceName,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveInvoice stores a processed invoice row.
func (r *SQLRepository) SaveInvoice(ctx context.Context, inv *domain.ProcessedInvoice) error {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("%w: invoice id is required", ErrInvalidInput)
	}

	duplicate := 0
	if inv.Duplicate {
		duplicate = 1
	}

	query := `
		INSERT INTO invoices (
			id, invoice_number, vendor, vendor_code, service,
			invoice_date, amount, status, duplicate, rejection_reason,
			batch_id, source, note, created_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		inv.ID, inv.InvoiceNumber, inv.Vendor, inv.VendorCode, inv.Service,
		inv.InvoiceDate, inv.Amount.String(), string(inv.Status), duplicate, inv.RejectionReason,
		inv.BatchID, inv.Source, inv.Note, inv.CreatedAt, inv.ProcessedAt,
	)
	return err
}

// GetInvoice retrieves a processed invoice by ID.
func (r *SQLRepository) GetInvoice(ctx context.Context, id string) (*domain.ProcessedInvoice, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: invoice id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, invoice_number, vendor, vendor_code, service,
			   invoice_date, amount, status, duplicate, rejection_reason,
			   batch_id, source, note, created_at, processed_at
		FROM invoices
		WHERE id = ?
	`

	inv, err := scanInvoice(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inv, err
}

// ListInvoicesByBatch retrieves all processed invoices for a batch.
func (r *SQLRepository) ListInvoicesByBatch(ctx context.Context, batchID string) ([]*domain.ProcessedInvoice, error) {
	if batchID == "" {
		return nil, fmt.Errorf("%w: batchID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, invoice_number, vendor, vendor_code, service,
			   invoice_date, amount, status, duplicate, rejection_reason,
			   batch_id, source, note, created_at, processed_at
		FROM invoices
		WHERE batch_id = ?
		ORDER BY processed_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []*domain.ProcessedInvoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}

	return invoices, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.PricingRule, error) {
	var rule domain.PricingRule
	var pricingType string
	var fixedAmount, minAmount, maxAmount sql.NullString
	var effectiveTo sql.NullTime
	var active int

	err := row.Scan(
		&rule.ID, &rule.VendorCode, &rule.ServiceName, &pricingType,
		&fixedAmount, &minAmount, &maxAmount, &rule.Currency, &rule.Guard,
		&rule.EffectiveFrom, &effectiveTo, &active,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.PricingType = domain.PricingType(pricingType)
	rule.Active = active == 1
	if effectiveTo.Valid {
		t := effectiveTo.Time
		rule.EffectiveTo = &t
	}

	if rule.FixedAmount, err = decodeAmount(fixedAmount); err != nil {
		return nil, fmt.Errorf("failed to parse fixed_amount for %s/%s: %w", rule.VendorCode, rule.ServiceName, err)
	}
	if rule.MinAmount, err = decodeAmount(minAmount); err != nil {
		return nil, fmt.Errorf("failed to parse min_amount for %s/%s: %w", rule.VendorCode, rule.ServiceName, err)
	}
	if rule.MaxAmount, err = decodeAmount(maxAmount); err != nil {
		return nil, fmt.Errorf("failed to parse max_amount for %s/%s: %w", rule.VendorCode, rule.ServiceName, err)
	}

	return &rule, nil
}

func scanInvoice(row rowScanner) (*domain.ProcessedInvoice, error) {
	var inv domain.ProcessedInvoice
	var amount, status string
	var duplicate int

	err := row.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.Vendor, &inv.VendorCode, &inv.Service,
		&inv.InvoiceDate, &amount, &status, &duplicate, &inv.RejectionReason,
		&inv.BatchID, &inv.Source, &inv.Note, &inv.CreatedAt, &inv.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Status = domain.ResultStatus(status)
	inv.Duplicate = duplicate == 1

	if inv.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount for invoice %s: %w", inv.ID, err)
	}

	return &inv, nil
}

func encodeAmount(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func decodeAmount(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func encodeTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
