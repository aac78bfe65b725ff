package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL. Amount columns are TEXT so
// fixed-point decimals survive round-trips exactly.

const schemaVendorRules = `
CREATE TABLE IF NOT EXISTS vendor_rules (
    id TEXT NOT NULL,
    vendor_code TEXT NOT NULL,
    service_name TEXT NOT NULL,
    pricing_type TEXT NOT NULL,
    fixed_amount TEXT,
    min_amount TEXT,
    max_amount TEXT,
    currency TEXT,
    guard TEXT,
    effective_from TIMESTAMP NOT NULL,
    effective_to TIMESTAMP,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (vendor_code, service_name)
);

CREATE INDEX IF NOT EXISTS idx_vendor_rules_active ON vendor_rules(active);
`

const schemaInvoices = `
CREATE TABLE IF NOT EXISTS invoices (
    id TEXT PRIMARY KEY,
    invoice_number TEXT NOT NULL,
    vendor TEXT NOT NULL,
    vendor_code TEXT NOT NULL,
    service TEXT NOT NULL,
    invoice_date TIMESTAMP NOT NULL,
    amount TEXT NOT NULL,
    status TEXT NOT NULL,
    duplicate INTEGER NOT NULL DEFAULT 0,
    rejection_reason TEXT,
    batch_id TEXT NOT NULL,
    source TEXT,
    note TEXT,
    created_at TIMESTAMP NOT NULL,
    processed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoices_batch ON invoices(batch_id);
CREATE INDEX IF NOT EXISTS idx_invoices_number ON invoices(invoice_number);
CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaVendorRules,
		schemaInvoices,
	}
}
