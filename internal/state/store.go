package state

import (
	"alertpipe/internal/types"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists open incidents and delivery history across restarts
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	rule TEXT NOT NULL,
	host_key TEXT NOT NULL,
	id TEXT NOT NULL,
	severity TEXT NOT NULL,
	observed_count INTEGER,
	first_seen DATETIME,
	last_seen DATETIME,
	rule_json TEXT,
	PRIMARY KEY (rule, host_key)
);
CREATE TABLE IF NOT EXISTS deliveries (
	rule TEXT NOT NULL,
	host_key TEXT NOT NULL,
	severity TEXT NOT NULL,
	sink TEXT NOT NULL,
	alert_id TEXT,
	last_success DATETIME,
	PRIMARY KEY (rule, host_key, severity, sink)
);
CREATE TABLE IF NOT EXISTS attempts (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	alert_id TEXT,
	rule TEXT,
	host_key TEXT,
	severity TEXT,
	sink TEXT,
	attempt_number INTEGER,
	ts DATETIME,
	outcome TEXT,
	error TEXT
);`

// NewStore opens (and creates if needed) the sqlite database at dbPath
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveOpen replaces the stored set of open incidents
func (s *Store) SaveOpen(alerts []types.Alert) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM alerts`); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO alerts
		(rule, host_key, id, severity, observed_count, first_seen, last_seen, rule_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range alerts {
		ruleJSON, err := json.Marshal(a.Rule)
		if err != nil {
			return fmt.Errorf("failed to encode rule %s: %w", a.Rule.Name, err)
		}
		if _, err := stmt.Exec(a.Rule.Name, a.Key, a.ID, string(a.Severity), a.ObservedCount,
			a.FirstSeen.UTC(), a.LastSeen.UTC(), string(ruleJSON)); err != nil {
			return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
		}
	}

	return tx.Commit()
}

// LoadOpen returns the stored open incidents
func (s *Store) LoadOpen() ([]types.Alert, error) {
	rows, err := s.db.Query(`SELECT id, host_key, severity, observed_count, first_seen, last_seen, rule_json FROM alerts ORDER BY rule, host_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []types.Alert
	for rows.Next() {
		var a types.Alert
		var severity, ruleJSON string
		if err := rows.Scan(&a.ID, &a.Key, &severity, &a.ObservedCount, &a.FirstSeen, &a.LastSeen, &ruleJSON); err != nil {
			return nil, err
		}
		a.Severity = types.Severity(severity)
		if err := json.Unmarshal([]byte(ruleJSON), &a.Rule); err != nil {
			return nil, fmt.Errorf("failed to decode rule for alert %s: %w", a.ID, err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// RecordAttempt appends to the attempt history and, on success, updates the
// last successful delivery used for suppression
func (s *Store) RecordAttempt(a types.DeliveryAttempt) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO attempts (alert_id, rule, host_key, severity, sink, attempt_number, ts, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AlertID, a.RuleName, a.Key, string(a.Severity), a.Sink, a.AttemptNumber, a.Timestamp.UTC(), string(a.Outcome), a.Error)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	if a.Outcome == types.OutcomeSuccess {
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO deliveries (rule, host_key, severity, sink, alert_id, last_success)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.RuleName, a.Key, string(a.Severity), a.Sink, a.AlertID, a.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("failed to record delivery: %w", err)
		}
	}

	return tx.Commit()
}

// LoadSuppression returns the last successful delivery per (rule, key,
// severity, sink) at or after since
func (s *Store) LoadSuppression(since time.Time) ([]types.DeliveryAttempt, error) {
	rows, err := s.db.Query(`SELECT rule, host_key, severity, sink, alert_id, last_success FROM deliveries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.DeliveryAttempt
	for rows.Next() {
		var a types.DeliveryAttempt
		var severity string
		if err := rows.Scan(&a.RuleName, &a.Key, &severity, &a.Sink, &a.AlertID, &a.Timestamp); err != nil {
			return nil, err
		}
		if a.Timestamp.Before(since) {
			continue
		}
		a.Severity = types.Severity(severity)
		a.Outcome = types.OutcomeSuccess
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecentAttempts returns up to limit attempts, newest first
func (s *Store) RecentAttempts(limit int) ([]types.DeliveryAttempt, error) {
	rows, err := s.db.Query(`
		SELECT alert_id, rule, host_key, severity, sink, attempt_number, ts, outcome, COALESCE(error, '')
		FROM attempts ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.DeliveryAttempt
	for rows.Next() {
		var a types.DeliveryAttempt
		var severity, outcome string
		if err := rows.Scan(&a.AlertID, &a.RuleName, &a.Key, &severity, &a.Sink, &a.AttemptNumber, &a.Timestamp, &outcome, &a.Error); err != nil {
			return nil, err
		}
		a.Severity = types.Severity(severity)
		a.Outcome = types.Outcome(outcome)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
