package repository

// Schema definitions for Harrier database.
// Compatible with both SQLite and PostgreSQL.

const schemaProviders = `
CREATE TABLE IF NOT EXISTS providers (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    trust_score INTEGER NOT NULL DEFAULT 100,
    kyc_status TEXT NOT NULL DEFAULT '',
    documents_submitted INTEGER NOT NULL DEFAULT 0,
    onboarding_complete INTEGER NOT NULL DEFAULT 0,
    payouts_connected INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_providers_status ON providers(tenant_id, status);
`

const schemaBookings = `
CREATE TABLE IF NOT EXISTS bookings (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bookings_provider ON bookings(tenant_id, provider_id);
CREATE INDEX IF NOT EXISTS idx_bookings_created ON bookings(tenant_id, provider_id, created_at);
`

const schemaReviews = `
CREATE TABLE IF NOT EXISTS reviews (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    rating REAL NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reviews_provider ON reviews(tenant_id, provider_id);
`

const schemaIncidents = `
CREATE TABLE IF NOT EXISTS incidents (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    category TEXT NOT NULL,
    resolved INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_incidents_provider ON incidents(tenant_id, provider_id);
`

const schemaSuspensions = `
CREATE TABLE IF NOT EXISTS suspensions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    reason TEXT,
    starts_at TIMESTAMP NOT NULL,
    ends_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_suspensions_provider ON suspensions(tenant_id, provider_id);
`

const schemaDisputes = `
CREATE TABLE IF NOT EXISTS disputes (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_disputes_provider ON disputes(tenant_id, provider_id);
`

// Amounts are stored as decimal strings and summed with shopspring/decimal
// so both drivers produce exact totals.
const schemaRefunds = `
CREATE TABLE IF NOT EXISTS refunds (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_refunds_provider ON refunds(tenant_id, provider_id);
`

const schemaRiskRules = `
CREATE TABLE IF NOT EXISTS risk_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    incident_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    trust_score_penalty INTEGER NOT NULL DEFAULT 0,
    auto_suspend INTEGER NOT NULL DEFAULT 0,
    suspend_duration_days INTEGER,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_risk_rules_tenant ON risk_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_risk_rules_enabled ON risk_rules(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaProviders,
		schemaBookings,
		schemaReviews,
		schemaIncidents,
		schemaSuspensions,
		schemaDisputes,
		schemaRefunds,
		schemaRiskRules,
	}
}
