// Package idempotency maps deterministic request fingerprints to prior
// results. Duplicate submissions inside the TTL window short-circuit with the
// recorded outcome instead of re-running the pipeline. The ledger is SQLite
// so it survives process restarts.
package idempotency

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"readerforge/internal/canon"
	"readerforge/internal/config"
	"readerforge/internal/logging"
)

// Record states.
const (
	StateRegistered = "registered"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// ErrNotRegistered is returned when completing a request the store never saw.
var ErrNotRegistered = errors.New("idempotency: request not registered")

// Record is one fingerprint entry in the ledger.
type Record struct {
	Fingerprint   string            `json:"fingerprint"`
	CorrelationID string            `json:"correlationId"`
	State         string            `json:"state"`
	Result        json.RawMessage   `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
}

// Store is the SQLite-backed ledger.
type Store struct {
	db  *sql.DB
	cfg config.IdempotencyConfig
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    fingerprint    TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    state          TEXT NOT NULL,
    result         TEXT,
    error          TEXT,
    metadata       TEXT,
    created_at     INTEGER NOT NULL,
    expires_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_correlation
    ON idempotency_records(correlation_id);
CREATE INDEX IF NOT EXISTS idx_idempotency_expiry
    ON idempotency_records(expires_at);
`

// Open opens (creating if needed) the ledger at path and applies the schema.
func Open(path string, cfg config.IdempotencyConfig) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening idempotency db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating idempotency schema: %w", err)
	}
	return &Store{db: db, cfg: cfg, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// fingerprintInput is what GenerateKey canonicalizes. Field order is
// irrelevant; canonical encoding sorts keys.
type fingerprintInput struct {
	Operation   string      `json:"operation"`
	Request     interface{} `json:"request"`
	Attachments []string    `json:"attachments,omitempty"`
}

// GenerateKey produces the deterministic fingerprint for an operation over a
// request plus any attachment hashes. Identical inputs always map to the same
// key across runs and processes.
func (s *Store) GenerateKey(operation string, request interface{}, attachments []string) (string, error) {
	return canon.Key("idem", fingerprintInput{
		Operation:   operation,
		Request:     request,
		Attachments: attachments,
	})
}

// CheckDuplicate returns the existing record for a fingerprint if it is
// present and not expired. Expired rows are deleted on sight.
func (s *Store) CheckDuplicate(fingerprint string) (*Record, bool, error) {
	record, err := s.load(fingerprint)
	if err != nil {
		return nil, false, err
	}
	if record == nil {
		return nil, false, nil
	}
	if s.now().After(record.ExpiresAt) {
		if _, err := s.db.Exec(`DELETE FROM idempotency_records WHERE fingerprint = ?`, fingerprint); err != nil {
			logging.Get(logging.CategoryIdempotency).Warn("purging expired record %s: %v", fingerprint, err)
		}
		return nil, false, nil
	}
	return record, true, nil
}

// RegisterRequest reserves a fingerprint in state registered. A second
// registration for the same key returns the existing record with
// created=false rather than creating a new one.
func (s *Store) RegisterRequest(fingerprint, correlationID string, metadata map[string]string, ttl time.Duration) (*Record, bool, error) {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTLDuration()
	}
	now := s.now()

	metaJSON := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, false, fmt.Errorf("encoding metadata: %w", err)
		}
		metaJSON = string(raw)
	}

	res, err := s.db.Exec(`
        INSERT INTO idempotency_records
            (fingerprint, correlation_id, state, metadata, created_at, expires_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(fingerprint) DO NOTHING`,
		fingerprint, correlationID, StateRegistered, metaJSON,
		now.UnixMilli(), now.Add(ttl).UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("registering request: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	record, err := s.load(fingerprint)
	if err != nil {
		return nil, false, err
	}
	if record == nil {
		return nil, false, fmt.Errorf("record %s vanished after registration", fingerprint)
	}
	if inserted == 0 {
		if now.After(record.ExpiresAt) {
			// The previous reservation ran out its TTL; take over the slot.
			_, err := s.db.Exec(`
                UPDATE idempotency_records
                SET correlation_id = ?, state = ?, result = NULL, error = '',
                    metadata = ?, created_at = ?, expires_at = ?
                WHERE fingerprint = ?`,
				correlationID, StateRegistered, metaJSON,
				now.UnixMilli(), now.Add(ttl).UnixMilli(), fingerprint)
			if err != nil {
				return nil, false, fmt.Errorf("reclaiming expired fingerprint: %w", err)
			}
			record, err = s.load(fingerprint)
			if err != nil {
				return nil, false, err
			}
			return record, true, nil
		}
		logging.Get(logging.CategoryIdempotency).Debug("fingerprint %s already registered by %s",
			fingerprint, record.CorrelationID)
		return record, false, nil
	}
	return record, true, nil
}

// CompleteRequest transitions the record owned by correlationID from
// registered to completed (or failed when errMsg is non-empty) and stores
// the result for the TTL window. Completion is idempotent: once a record is
// terminal, further calls leave it untouched.
func (s *Store) CompleteRequest(correlationID string, result json.RawMessage, errMsg string) error {
	state := StateCompleted
	if errMsg != "" {
		state = StateFailed
	}
	var resultText sql.NullString
	if len(result) > 0 {
		resultText = sql.NullString{String: string(result), Valid: true}
	}

	res, err := s.db.Exec(`
        UPDATE idempotency_records
        SET state = ?, result = ?, error = ?
        WHERE correlation_id = ? AND state = ?`,
		state, resultText, errMsg, correlationID, StateRegistered)
	if err != nil {
		return fmt.Errorf("completing request %s: %w", correlationID, err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if updated > 0 {
		return nil
	}

	// No registered row: either already terminal (idempotent no-op) or the
	// request was never registered (caller bug).
	var existing int
	err = s.db.QueryRow(`SELECT COUNT(1) FROM idempotency_records WHERE correlation_id = ?`,
		correlationID).Scan(&existing)
	if err != nil {
		return err
	}
	if existing == 0 {
		return fmt.Errorf("%w: %s", ErrNotRegistered, correlationID)
	}
	return nil
}

// ByCorrelation fetches the record registered under a correlation id.
func (s *Store) ByCorrelation(correlationID string) (*Record, bool, error) {
	row := s.db.QueryRow(`
        SELECT fingerprint, correlation_id, state, result, error, metadata, created_at, expires_at
        FROM idempotency_records WHERE correlation_id = ?`, correlationID)
	return scanRecord(row)
}

// PurgeExpired removes rows past their TTL. Returns the number removed.
func (s *Store) PurgeExpired() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM idempotency_records WHERE expires_at < ?`,
		s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purging expired records: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) load(fingerprint string) (*Record, error) {
	row := s.db.QueryRow(`
        SELECT fingerprint, correlation_id, state, result, error, metadata, created_at, expires_at
        FROM idempotency_records WHERE fingerprint = ?`, fingerprint)
	record, ok, err := scanRecord(row)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

func scanRecord(row *sql.Row) (*Record, bool, error) {
	var (
		r                Record
		result, errText  sql.NullString
		metaText         sql.NullString
		createdMs, expMs int64
	)
	err := row.Scan(&r.Fingerprint, &r.CorrelationID, &r.State,
		&result, &errText, &metaText, &createdMs, &expMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	if errText.Valid {
		r.Error = errText.String
	}
	if metaText.Valid && metaText.String != "" && metaText.String != "{}" {
		if err := json.Unmarshal([]byte(metaText.String), &r.Metadata); err != nil {
			return nil, false, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	r.CreatedAt = time.UnixMilli(createdMs)
	r.ExpiresAt = time.UnixMilli(expMs)
	return &r, true, nil
}
