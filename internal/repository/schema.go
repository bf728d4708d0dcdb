package repository

// Schema definitions for the Kestrel event store.
// Compatible with both SQLite and PostgreSQL.

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    type TEXT NOT NULL,
    meta TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_user_type ON events(user_id, type, created_at);
CREATE INDEX IF NOT EXISTS idx_events_product ON events(product_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`

const schemaProducts = `
CREATE TABLE IF NOT EXISTS products (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    category_id TEXT NOT NULL,
    price BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_products_category ON products(category_id);
`

const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvents,
		schemaProducts,
		schemaUsers,
	}
}
