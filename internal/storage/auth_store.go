package storage

import (
	"context"
	"database/sql"
	"time"

	"llmshield/internal/auth"
	"llmshield/internal/ratelimit"
)

// SQLiteKeyStorage implements auth.KeyStorage against the same database
// the gateway already uses for session history, for deployments that
// want API keys to survive restarts without a separate JSON file.
type SQLiteKeyStorage struct {
	db *sql.DB
}

// NewSQLiteKeyStorage wraps an already-migrated SQLiteStore's connection.
func NewSQLiteKeyStorage(store *SQLiteStore) *SQLiteKeyStorage {
	return &SQLiteKeyStorage{db: store.db}
}

func (s *SQLiteKeyStorage) Store(ctx context.Context, key auth.ApiKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO api_keys (id, name, hashed_value, tier, created_at, expires_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.HashedValue, string(key.Tier), key.CreatedAt, key.ExpiresAt, key.Active,
	)
	return err
}

func (s *SQLiteKeyStorage) GetByHash(ctx context.Context, hashedValue string) (auth.ApiKey, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, hashed_value, tier, created_at, expires_at, active
		FROM api_keys WHERE hashed_value = ?`, hashedValue)
	return scanApiKey(row)
}

func (s *SQLiteKeyStorage) GetByID(ctx context.Context, id string) (auth.ApiKey, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, hashed_value, tier, created_at, expires_at, active
		FROM api_keys WHERE id = ?`, id)
	return scanApiKey(row)
}

func (s *SQLiteKeyStorage) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

func (s *SQLiteKeyStorage) List(ctx context.Context) ([]auth.ApiKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, hashed_value, tier, created_at, expires_at, active FROM api_keys`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.ApiKey
	for rows.Next() {
		key, _, err := scanApiKeyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *SQLiteKeyStorage) Update(ctx context.Context, key auth.ApiKey) error {
	return s.Store(ctx, key)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanApiKey(row *sql.Row) (auth.ApiKey, bool, error) {
	return scanApiKeyRow(row)
}

func scanApiKeyRow(row rowScanner) (auth.ApiKey, bool, error) {
	var key auth.ApiKey
	var tier string
	var expiresAt sql.NullTime
	var active bool

	err := row.Scan(&key.ID, &key.Name, &key.HashedValue, &tier, &key.CreatedAt, &expiresAt, &active)
	if err == sql.ErrNoRows {
		return auth.ApiKey{}, false, nil
	}
	if err != nil {
		return auth.ApiKey{}, false, err
	}

	key.Tier = ratelimit.Tier(tier)
	key.Active = active
	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	return key, true, nil
}

// ScanAuditRecord is one logged scan/anonymize decision, for the
// /control/audit surface and offline policy review.
type ScanAuditRecord struct {
	SessionID   string    `json:"session_id,omitempty"`
	Surface     string    `json:"surface"` // "prompt" or "output"
	IsValid     bool      `json:"is_valid"`
	RiskScore   float64   `json:"risk_score"`
	RiskFactors []string  `json:"risk_factors,omitempty"`
	CacheHit    bool      `json:"cache_hit"`
	CreatedAt   time.Time `json:"created_at"`
}

// SaveScanAudit appends one scan decision to the audit trail.
func (s *SQLiteStore) SaveScanAudit(record ScanAuditRecord) error {
	factors := ""
	for i, f := range record.RiskFactors {
		if i > 0 {
			factors += ","
		}
		factors += f
	}
	_, err := s.db.Exec(`
		INSERT INTO scan_audit (session_id, surface, is_valid, risk_score, risk_factors, cache_hit)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.SessionID, record.Surface, record.IsValid, record.RiskScore, factors, record.CacheHit,
	)
	return err
}

// ListScanAudit returns the most recent limit audit records, newest first.
func (s *SQLiteStore) ListScanAudit(limit int) ([]ScanAuditRecord, error) {
	rows, err := s.db.Query(`
		SELECT session_id, surface, is_valid, risk_score, risk_factors, cache_hit, created_at
		FROM scan_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScanAuditRecord
	for rows.Next() {
		var r ScanAuditRecord
		var sessionID sql.NullString
		var factors string
		if err := rows.Scan(&sessionID, &r.Surface, &r.IsValid, &r.RiskScore, &factors, &r.CacheHit, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.SessionID = sessionID.String
		if factors != "" {
			r.RiskFactors = splitCSV(factors)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
