package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/acteon-io/gateway/internal/contracts"
)

// SQLiteStore is the BackendStore persisting AuditRecord as an indexed
// row plus its full JSON encoding, queried back out via AuditFilter.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite at %s: %w", path, err)
	}
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT NOT NULL,
	namespace TEXT NOT NULL,
	tenant TEXT NOT NULL,
	provider TEXT NOT NULL,
	action_type TEXT NOT NULL,
	outcome TEXT NOT NULL,
	verdict TEXT NOT NULL,
	matched_rule TEXT,
	caller_id TEXT,
	chain_id TEXT,
	dispatched_at TEXT NOT NULL,
	sequence_number INTEGER,
	body TEXT NOT NULL,
	PRIMARY KEY (namespace, tenant, id)
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_records(namespace, tenant, dispatched_at);
CREATE INDEX IF NOT EXISTS idx_audit_chain ON audit_records(namespace, tenant, chain_id);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("audit: migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Store(ctx context.Context, record contracts.AuditRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO audit_records
	(id, namespace, tenant, provider, action_type, outcome, verdict, matched_rule, caller_id, chain_id, dispatched_at, sequence_number, body)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Namespace, record.Tenant, record.Provider, record.ActionType,
		string(record.Outcome.Kind), string(record.Verdict.Kind), record.MatchedRule,
		record.CallerID, record.ChainID, record.DispatchedAt.UTC().Format(timeLayout), record.SequenceNumber, body,
	)
	if err != nil {
		return fmt.Errorf("audit: insert record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ns contracts.Namespace, tenant contracts.TenantId, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE namespace = ? AND tenant = ? AND id = ?`, ns, tenant, id)
	if err != nil {
		return fmt.Errorf("audit: delete record: %w", err)
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *SQLiteStore) Query(ctx context.Context, filter contracts.AuditFilter) (contracts.AuditPage, error) {
	var where []string
	var args []any

	addEq := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	addEq("namespace", string(filter.Namespace))
	addEq("tenant", string(filter.Tenant))
	addEq("provider", string(filter.Provider))
	addEq("action_type", filter.ActionType)
	addEq("outcome", string(filter.Outcome))
	addEq("verdict", string(filter.Verdict))
	addEq("matched_rule", filter.MatchedRule)
	addEq("caller_id", filter.CallerID)
	addEq("chain_id", filter.ChainID)
	if !filter.From.IsZero() {
		where = append(where, "dispatched_at >= ?")
		args = append(args, filter.From.UTC().Format(timeLayout))
	}
	if !filter.To.IsZero() {
		where = append(where, "dispatched_at <= ?")
		args = append(args, filter.To.UTC().Format(timeLayout))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM audit_records %s", whereClause)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return contracts.AuditPage{}, fmt.Errorf("audit: count query: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf("SELECT body FROM audit_records %s ORDER BY dispatched_at ASC, sequence_number ASC LIMIT ? OFFSET ?", whereClause)
	rows, err := s.db.QueryContext(ctx, query, append(append([]any{}, args...), limit+1, filter.Offset)...)
	if err != nil {
		return contracts.AuditPage{}, fmt.Errorf("audit: list query: %w", err)
	}
	defer rows.Close()

	var records []contracts.AuditRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return contracts.AuditPage{}, fmt.Errorf("audit: scan row: %w", err)
		}
		var rec contracts.AuditRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return contracts.AuditPage{}, fmt.Errorf("audit: decode row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return contracts.AuditPage{}, fmt.Errorf("audit: iterate rows: %w", err)
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	return contracts.AuditPage{Records: records, Total: total, HasMore: hasMore}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
