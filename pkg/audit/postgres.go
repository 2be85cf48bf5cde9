package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// PostgresJournal persists entries to PostgreSQL for multi-node
// deployments where every kernel writes to a shared journal.
type PostgresJournal struct {
	db    *sql.DB
	owned bool
}

// OpenPostgres connects using a lib/pq DSN and migrates the schema.
func OpenPostgres(dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres audit journal: %w", err)
	}
	j, err := NewPostgresJournal(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	j.owned = true
	return j, nil
}

// NewPostgresJournal wraps an existing handle; the caller keeps ownership
// of db and Close leaves it open.
func NewPostgresJournal(db *sql.DB) (*PostgresJournal, error) {
	j := &PostgresJournal{db: db}
	if err := j.migrate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *PostgresJournal) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		policy_id TEXT,
		action TEXT,
		orchestra TEXT,
		tenant_id TEXT,
		user_id TEXT,
		allowed BOOLEAN,
		reason TEXT,
		trace_id TEXT,
		timestamp TIMESTAMPTZ NOT NULL,
		details JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_audit_kind_ts ON audit_entries (kind, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_policy ON audit_entries (policy_id)`
	_, err := j.db.ExecContext(context.Background(), query)
	return err
}

func (j *PostgresJournal) Record(ctx context.Context, e Entry) error {
	e = withDefaults(e)
	detailsJSON, _ := json.Marshal(e.Details)

	var allowed sql.NullBool
	if e.Allowed != nil {
		allowed = sql.NullBool{Bool: *e.Allowed, Valid: true}
	}

	query := `INSERT INTO audit_entries (
		id, kind, policy_id, action, orchestra, tenant_id, user_id, allowed, reason, trace_id, timestamp, details
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := j.db.ExecContext(ctx, query,
		e.ID, string(e.Kind), e.PolicyID, e.Action, e.Orchestra, e.TenantID, e.UserID,
		allowed, e.Reason, e.TraceID, e.Timestamp.UTC(), string(detailsJSON),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Entries(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Kind != "" {
		where = append(where, "kind = "+arg(string(q.Kind)))
	}
	if q.PolicyID != "" {
		where = append(where, "policy_id = "+arg(q.PolicyID))
	}
	if q.TenantID != "" {
		where = append(where, "tenant_id = "+arg(q.TenantID))
	}
	if !q.From.IsZero() {
		where = append(where, "timestamp >= "+arg(q.From.UTC()))
	}
	if !q.To.IsZero() {
		where = append(where, "timestamp <= "+arg(q.To.UTC()))
	}

	query := `SELECT id, kind, policy_id, action, orchestra, tenant_id, user_id, allowed, reason, trace_id, timestamp, details FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e           Entry
			kind        string
			allowed     sql.NullBool
			detailsJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &kind, &e.PolicyID, &e.Action, &e.Orchestra, &e.TenantID, &e.UserID,
			&allowed, &e.Reason, &e.TraceID, &e.Timestamp, &detailsJSON); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		if allowed.Valid {
			e.Allowed = Bool(allowed.Bool)
		}
		if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "null" {
			_ = json.Unmarshal([]byte(detailsJSON.String), &e.Details)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *PostgresJournal) Close() error {
	if j.owned {
		return j.db.Close()
	}
	return nil
}
