package repository

// Schema definitions for the Ibis database.
// Compatible with both SQLite and PostgreSQL.

const schemaRawMessages = `
CREATE TABLE IF NOT EXISTS raw_messages (
    id TEXT PRIMARY KEY,
    institution_id TEXT NOT NULL,
    sender TEXT NOT NULL,
    body TEXT NOT NULL,
    received_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    parse_status TEXT NOT NULL DEFAULT 'unparsed',
    parse_error TEXT NOT NULL DEFAULT '',
    resolution_status TEXT NOT NULL DEFAULT 'open',
    resolution_note TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_raw_messages_institution ON raw_messages(institution_id);
CREATE INDEX IF NOT EXISTS idx_raw_messages_status ON raw_messages(institution_id, parse_status, resolution_status);
CREATE INDEX IF NOT EXISTS idx_raw_messages_received ON raw_messages(institution_id, received_at);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    institution_id TEXT NOT NULL,
    amount_minor BIGINT NOT NULL,
    currency TEXT NOT NULL,
    payer_name TEXT NOT NULL DEFAULT '',
    payer_phone TEXT NOT NULL DEFAULT '',
    momo_reference TEXT NOT NULL DEFAULT '',
    internal_reference TEXT NOT NULL DEFAULT '',
    allocation_status TEXT NOT NULL DEFAULT 'unallocated',
    confidence REAL NOT NULL DEFAULT 0,
    raw_message_id TEXT NOT NULL DEFAULT '',
    member_id TEXT NOT NULL DEFAULT '',
    group_id TEXT NOT NULL DEFAULT '',
    allocated_at TIMESTAMP,
    reversal_reason TEXT NOT NULL DEFAULT '',
    reversed_at TIMESTAMP,
    duplicate_dismissed INTEGER NOT NULL DEFAULT 0,
    occurred_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_institution ON transactions(institution_id);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(institution_id, allocation_status);
CREATE INDEX IF NOT EXISTS idx_transactions_reference ON transactions(institution_id, momo_reference);
CREATE INDEX IF NOT EXISTS idx_transactions_occurred ON transactions(institution_id, occurred_at);
`

const schemaParsingConfigs = `
CREATE TABLE IF NOT EXISTS parsing_configs (
    institution_id TEXT PRIMARY KEY,
    parse_mode TEXT NOT NULL,
    confidence_threshold REAL NOT NULL,
    dedupe_window_minutes INTEGER NOT NULL,
    review_rules TEXT NOT NULL DEFAULT '[]',
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRawMessages,
		schemaTransactions,
		schemaParsingConfigs,
	}
}
