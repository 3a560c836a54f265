package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"shadowtun/internal/storage"
	"shadowtun/internal/storage/models"
)

// dbHandle is the common interface between *sql.DB and *sql.Tx.
type dbHandle interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB implements the Storage interface using SQLite
type DB struct {
	db *sql.DB
}

// New creates a new SQLite storage instance
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	storage := &DB{db: db}

	// Run migrations
	if err := runMigrations(storage); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return storage, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) handle() dbHandle { return d.db }

// BeginTx starts a new transaction
func (d *DB) BeginTx(ctx context.Context) (storage.Transaction, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx implements the Transaction interface
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Commit() error    { return t.tx.Commit() }
func (t *Tx) Rollback() error  { return t.tx.Rollback() }
func (t *Tx) handle() dbHandle { return t.tx }

func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

func (t *Tx) Close() error { return nil }

// ─── Mapping operations ─────────────────────────────────────────────────────

func (d *DB) SaveMapping(ctx context.Context, mapping *models.Mapping) error {
	return saveMapping(ctx, d.handle(), mapping)
}
func (t *Tx) SaveMapping(ctx context.Context, mapping *models.Mapping) error {
	return saveMapping(ctx, t.handle(), mapping)
}

// saveMapping upserts by ip. A new domain on a reused address restarts
// created_at; the same domain only refreshes last_seen.
func saveMapping(ctx context.Context, h dbHandle, mapping *models.Mapping) error {
	now := time.Now().UTC()
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now
	}
	if mapping.LastSeen.IsZero() {
		mapping.LastSeen = now
	}

	query := `
		INSERT INTO mappings (ip, domain, created_at, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			created_at = CASE WHEN domain = excluded.domain THEN created_at ELSE excluded.created_at END,
			domain = excluded.domain,
			last_seen = excluded.last_seen
	`
	_, err := h.ExecContext(ctx, query,
		mapping.IP, mapping.Domain, mapping.CreatedAt.UTC(), mapping.LastSeen.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save mapping %s: %w", mapping.IP, err)
	}
	return nil
}

func (d *DB) SaveMappings(ctx context.Context, mappings []*models.Mapping) error {
	tx, err := d.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := tx.SaveMappings(ctx, mappings); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
func (t *Tx) SaveMappings(ctx context.Context, mappings []*models.Mapping) error {
	for _, m := range mappings {
		if err := saveMapping(ctx, t.handle(), m); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) GetMapping(ctx context.Context, ip string) (*models.Mapping, error) {
	return getMapping(ctx, d.handle(), ip)
}
func (t *Tx) GetMapping(ctx context.Context, ip string) (*models.Mapping, error) {
	return getMapping(ctx, t.handle(), ip)
}

func getMapping(ctx context.Context, h dbHandle, ip string) (*models.Mapping, error) {
	query := `SELECT ip, domain, created_at, last_seen FROM mappings WHERE ip = ?`
	mapping := &models.Mapping{}
	err := h.QueryRowContext(ctx, query, ip).Scan(
		&mapping.IP, &mapping.Domain, &mapping.CreatedAt, &mapping.LastSeen,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("mapping not found: %s", ip)
	}
	if err != nil {
		return nil, err
	}
	return mapping, nil
}

func (d *DB) ListMappings(ctx context.Context, filter storage.MappingFilter) ([]*models.Mapping, error) {
	return listMappings(ctx, d.handle(), filter)
}
func (t *Tx) ListMappings(ctx context.Context, filter storage.MappingFilter) ([]*models.Mapping, error) {
	return listMappings(ctx, t.handle(), filter)
}

func listMappings(ctx context.Context, h dbHandle, filter storage.MappingFilter) ([]*models.Mapping, error) {
	query := `SELECT ip, domain, created_at, last_seen FROM mappings WHERE 1=1`
	var args []interface{}

	if filter.SearchTerm != "" {
		query += " AND (domain LIKE ? OR ip LIKE ?)"
		term := "%" + filter.SearchTerm + "%"
		args = append(args, term, term)
	}

	query += " ORDER BY last_seen DESC, ip ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []*models.Mapping
	for rows.Next() {
		mapping := &models.Mapping{}
		if err := rows.Scan(&mapping.IP, &mapping.Domain, &mapping.CreatedAt, &mapping.LastSeen); err != nil {
			return nil, err
		}
		mappings = append(mappings, mapping)
	}
	return mappings, rows.Err()
}

func (d *DB) CountMappings(ctx context.Context) (int, error) {
	return countMappings(ctx, d.handle())
}
func (t *Tx) CountMappings(ctx context.Context) (int, error) {
	return countMappings(ctx, t.handle())
}

func countMappings(ctx context.Context, h dbHandle) (int, error) {
	var n int
	if err := h.QueryRowContext(ctx, "SELECT COUNT(*) FROM mappings").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (d *DB) PruneMappings(ctx context.Context, before time.Time) (int64, error) {
	return pruneMappings(ctx, d.handle(), before)
}
func (t *Tx) PruneMappings(ctx context.Context, before time.Time) (int64, error) {
	return pruneMappings(ctx, t.handle(), before)
}

func pruneMappings(ctx context.Context, h dbHandle, before time.Time) (int64, error) {
	result, err := h.ExecContext(ctx, "DELETE FROM mappings WHERE last_seen < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune mappings: %w", err)
	}
	return result.RowsAffected()
}

// ─── Settings operations ────────────────────────────────────────────────────

func (d *DB) GetSetting(ctx context.Context, key string) (string, error) {
	return getSetting(ctx, d.handle(), key)
}
func (t *Tx) GetSetting(ctx context.Context, key string) (string, error) {
	return getSetting(ctx, t.handle(), key)
}

func getSetting(ctx context.Context, h dbHandle, key string) (string, error) {
	var value string
	err := h.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("setting not found: %s", key)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (d *DB) SetSetting(ctx context.Context, key, value string) error {
	return setSetting(ctx, d.handle(), key, value)
}
func (t *Tx) SetSetting(ctx context.Context, key, value string) error {
	return setSetting(ctx, t.handle(), key, value)
}

func setSetting(ctx context.Context, h dbHandle, key, value string) error {
	query := `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := h.ExecContext(ctx, query, key, value)
	return err
}

func (d *DB) GetAllSettings(ctx context.Context) (map[string]string, error) {
	return getAllSettings(ctx, d.handle())
}
func (t *Tx) GetAllSettings(ctx context.Context) (map[string]string, error) {
	return getAllSettings(ctx, t.handle())
}

func getAllSettings(ctx context.Context, h dbHandle) (map[string]string, error) {
	rows, err := h.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// ─── Active session operations ──────────────────────────────────────────────

func (d *DB) SetActiveSession(ctx context.Context, session *models.ActiveSession) error {
	return setActiveSession(ctx, d.handle(), session)
}
func (t *Tx) SetActiveSession(ctx context.Context, session *models.ActiveSession) error {
	return setActiveSession(ctx, t.handle(), session)
}

func setActiveSession(ctx context.Context, h dbHandle, session *models.ActiveSession) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO active_session (id, pid, device_name, server, dns_listen, started_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pid = excluded.pid,
			device_name = excluded.device_name,
			server = excluded.server,
			dns_listen = excluded.dns_listen,
			started_at = excluded.started_at
	`
	_, err := h.ExecContext(ctx, query,
		session.PID, session.DeviceName, session.Server, session.DNSListen, session.StartedAt.UTC(),
	)
	return err
}

func (d *DB) GetActiveSession(ctx context.Context) (*models.ActiveSession, error) {
	return getActiveSession(ctx, d.handle())
}
func (t *Tx) GetActiveSession(ctx context.Context) (*models.ActiveSession, error) {
	return getActiveSession(ctx, t.handle())
}

func getActiveSession(ctx context.Context, h dbHandle) (*models.ActiveSession, error) {
	query := `SELECT id, pid, device_name, server, dns_listen, started_at FROM active_session WHERE id = 1`
	session := &models.ActiveSession{}
	err := h.QueryRowContext(ctx, query).Scan(
		&session.ID, &session.PID, &session.DeviceName, &session.Server, &session.DNSListen, &session.StartedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (d *DB) ClearActiveSession(ctx context.Context) error {
	return clearActiveSession(ctx, d.handle())
}
func (t *Tx) ClearActiveSession(ctx context.Context) error {
	return clearActiveSession(ctx, t.handle())
}

func clearActiveSession(ctx context.Context, h dbHandle) error {
	_, err := h.ExecContext(ctx, "DELETE FROM active_session WHERE id = 1")
	return err
}
