package sqlite

import "fmt"

const schema = `
-- Synthetic address to domain mappings handed out by the DNS authority
CREATE TABLE IF NOT EXISTS mappings (
    ip TEXT PRIMARY KEY,
    domain TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Application settings
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Active session tracking
CREATE TABLE IF NOT EXISTS active_session (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    pid INTEGER NOT NULL,
    device_name TEXT NOT NULL,
    server TEXT NOT NULL,
    dns_listen TEXT NOT NULL,
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Indexes for performance
CREATE INDEX IF NOT EXISTS idx_mappings_domain ON mappings(domain);
CREATE INDEX IF NOT EXISTS idx_mappings_last_seen ON mappings(last_seen);

-- Triggers for updated_at
CREATE TRIGGER IF NOT EXISTS update_settings_timestamp AFTER UPDATE ON settings
BEGIN
    UPDATE settings SET updated_at = CURRENT_TIMESTAMP WHERE key = NEW.key;
END;
`

// schemaVersion is recorded in settings on first start.
const schemaVersion = "1"

func runMigrations(db *DB) error {
	if _, err := db.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	_, err := db.db.Exec(`INSERT OR IGNORE INTO settings (key, value) VALUES ('schema_version', ?)`, schemaVersion)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}
