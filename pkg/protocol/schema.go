package protocol

// SchemaDDL defines the SQLite schema of the origin-scoped state database.
// Table kv is the shared key-value store read and written by every instance
// and by the agent. Rows are never locked across a read-then-write; the last
// writer wins.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
