package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteJournal persists entries to an embedded SQLite database.
type SQLiteJournal struct {
	db    *sql.DB
	owned bool
}

// OpenSQLite opens (or creates) the database at path and migrates the
// schema. Close releases the connection.
func OpenSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit journal: %w", err)
	}
	j, err := NewSQLiteJournal(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	j.owned = true
	return j, nil
}

// NewSQLiteJournal wraps an existing handle; the caller keeps ownership of
// db and Close leaves it open.
func NewSQLiteJournal(db *sql.DB) (*SQLiteJournal, error) {
	j := &SQLiteJournal{db: db}
	if err := j.migrate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		policy_id TEXT,
		action TEXT,
		orchestra TEXT,
		tenant_id TEXT,
		user_id TEXT,
		allowed INTEGER,
		reason TEXT,
		trace_id TEXT,
		timestamp TEXT NOT NULL,
		details JSON
	);
	CREATE INDEX IF NOT EXISTS idx_audit_kind_ts ON audit_entries (kind, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_policy ON audit_entries (policy_id);`
	_, err := j.db.ExecContext(context.Background(), query)
	return err
}

func (j *SQLiteJournal) Record(ctx context.Context, e Entry) error {
	e = withDefaults(e)
	detailsJSON, _ := json.Marshal(e.Details)

	var allowed sql.NullInt64
	if e.Allowed != nil {
		allowed.Valid = true
		if *e.Allowed {
			allowed.Int64 = 1
		}
	}

	query := `INSERT INTO audit_entries (
		id, kind, policy_id, action, orchestra, tenant_id, user_id, allowed, reason, trace_id, timestamp, details
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, query,
		e.ID, string(e.Kind), e.PolicyID, e.Action, e.Orchestra, e.TenantID, e.UserID,
		allowed, e.Reason, e.TraceID, e.Timestamp.UTC().Format(time.RFC3339Nano), string(detailsJSON),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Entries(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.PolicyID != "" {
		where = append(where, "policy_id = ?")
		args = append(args, q.PolicyID)
	}
	if q.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if !q.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.From.UTC().Format(time.RFC3339Nano))
	}
	if !q.To.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, q.To.UTC().Format(time.RFC3339Nano))
	}

	query := `SELECT id, kind, policy_id, action, orchestra, tenant_id, user_id, allowed, reason, trace_id, timestamp, details FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e           Entry
		kind        string
		allowed     sql.NullInt64
		timestamp   string
		detailsJSON sql.NullString
	)
	if err := rows.Scan(&e.ID, &kind, &e.PolicyID, &e.Action, &e.Orchestra, &e.TenantID, &e.UserID,
		&allowed, &e.Reason, &e.TraceID, &timestamp, &detailsJSON); err != nil {
		return Entry{}, err
	}
	e.Kind = Kind(kind)
	if allowed.Valid {
		e.Allowed = Bool(allowed.Int64 != 0)
	}
	if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		e.Timestamp = t
	}
	if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "null" {
		_ = json.Unmarshal([]byte(detailsJSON.String), &e.Details)
	}
	return e, nil
}

func (j *SQLiteJournal) Close() error {
	if j.owned {
		return j.db.Close()
	}
	return nil
}
