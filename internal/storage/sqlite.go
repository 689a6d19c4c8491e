package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ent0n29/foreman/internal/improve"
	"github.com/ent0n29/foreman/internal/reliability"
	"github.com/ent0n29/foreman/internal/tasks"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending_plans (
	conversation_id INTEGER PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS active_tasks (
	id TEXT PRIMARY KEY,
	conversation_id INTEGER NOT NULL,
	payload TEXT NOT NULL,
	started_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS improve_loops (
	conversation_id INTEGER PRIMARY KEY,
	status TEXT NOT NULL,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SQLiteStore is an embedded single-file store. Records are kept as JSON payloads keyed by
// their identity columns.
type SQLiteStore struct {
	db    *sql.DB
	retry reliability.Policy
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, retry: reliability.DefaultPolicy}, nil
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func (s *SQLiteStore) SavePlan(ctx context.Context, plan tasks.PendingPlan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO pending_plans (conversation_id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		int64(plan.ConversationID), string(payload), nowText())
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadPlan(ctx context.Context, conv tasks.ConversationID) (tasks.PendingPlan, error) {
	var plan tasks.PendingPlan
	if err := s.loadPayload(ctx, `SELECT payload FROM pending_plans WHERE conversation_id=?`, int64(conv), &plan); err != nil {
		return tasks.PendingPlan{}, err
	}
	return plan, nil
}

func (s *SQLiteStore) DeletePlan(ctx context.Context, conv tasks.ConversationID) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM pending_plans WHERE conversation_id=?`, int64(conv))
	if err != nil {
		return false, fmt.Errorf("delete plan: %w", err)
	}
	return affected(res), nil
}

func (s *SQLiteStore) SaveActiveTask(ctx context.Context, rec tasks.ActiveTaskRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal active task: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO active_tasks (id, conversation_id, payload, started_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload=excluded.payload`,
		rec.ID, int64(rec.ConversationID), string(payload), rec.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save active task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteActiveTask(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM active_tasks WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete active task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListActiveTasks(ctx context.Context) ([]tasks.ActiveTaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM active_tasks ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query active tasks: %w", err)
	}
	defer rows.Close()

	var out []tasks.ActiveTaskRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan active task: %w", err)
		}
		var rec tasks.ActiveTaskRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode active task: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active tasks: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SaveLoopState(ctx context.Context, state improve.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal loop state: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO improve_loops (conversation_id, status, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET status=excluded.status, payload=excluded.payload, updated_at=excluded.updated_at`,
		int64(state.ConversationID), string(state.Status), string(payload), nowText())
	if err != nil {
		return fmt.Errorf("save loop state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadLoopState(ctx context.Context, conv tasks.ConversationID) (improve.State, error) {
	var state improve.State
	if err := s.loadPayload(ctx, `SELECT payload FROM improve_loops WHERE conversation_id=?`, int64(conv), &state); err != nil {
		return improve.State{}, err
	}
	return state, nil
}

func (s *SQLiteStore) DeleteLoopState(ctx context.Context, conv tasks.ConversationID) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM improve_loops WHERE conversation_id=?`, int64(conv))
	if err != nil {
		return false, fmt.Errorf("delete loop state: %w", err)
	}
	return affected(res), nil
}

func (s *SQLiteStore) ListLoopStates(ctx context.Context) ([]improve.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM improve_loops ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("query loop states: %w", err)
	}
	defer rows.Close()

	var out []improve.State
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan loop state: %w", err)
		}
		var state improve.State
		if err := json.Unmarshal([]byte(payload), &state); err != nil {
			return nil, fmt.Errorf("decode loop state: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate loop states: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) loadPayload(ctx context.Context, query string, key int64, v any) error {
	var payload string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.ErrStoreNotFound
	}
	if err != nil {
		return fmt.Errorf("query payload: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func affected(res sql.Result) bool {
	if res == nil {
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func nowText() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
