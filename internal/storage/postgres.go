package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/foreman/internal/improve"
	"github.com/ent0n29/foreman/internal/reliability"
	"github.com/ent0n29/foreman/internal/tasks"
)

type PostgresStore struct {
	pool  *pgxpool.Pool
	retry reliability.Policy
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, retry: reliability.DefaultPolicy}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pending_plans (
			conversation_id BIGINT PRIMARY KEY,
			task TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			complexity TEXT NOT NULL,
			working_dir TEXT NOT NULL DEFAULT '',
			raw_message TEXT NOT NULL DEFAULT '',
			memory_context TEXT[] NOT NULL DEFAULT '{}',
			plan_text TEXT NOT NULL,
			revision_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS active_tasks (
			id TEXT PRIMARY KEY,
			conversation_id BIGINT NOT NULL,
			task TEXT NOT NULL,
			working_dir TEXT NOT NULL DEFAULT '',
			external_session_id TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS improve_loops (
			conversation_id BIGINT PRIMARY KEY,
			status TEXT NOT NULL,
			state JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_improve_loops_status ON improve_loops (status);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init store schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) exec(ctx context.Context, sql string, args ...any) (int64, error) {
	var rows int64
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		rows = tag.RowsAffected()
		return nil
	})
	return rows, err
}

func (s *PostgresStore) SavePlan(ctx context.Context, plan tasks.PendingPlan) error {
	memory := plan.MemoryContext
	if memory == nil {
		memory = []string{}
	}
	_, err := s.exec(ctx,
		`INSERT INTO pending_plans (
			conversation_id, task, context, complexity, working_dir, raw_message, memory_context,
			plan_text, revision_count, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (conversation_id) DO UPDATE SET
			task=EXCLUDED.task,
			context=EXCLUDED.context,
			complexity=EXCLUDED.complexity,
			working_dir=EXCLUDED.working_dir,
			raw_message=EXCLUDED.raw_message,
			memory_context=EXCLUDED.memory_context,
			plan_text=EXCLUDED.plan_text,
			revision_count=EXCLUDED.revision_count,
			created_at=EXCLUDED.created_at`,
		int64(plan.ConversationID),
		plan.Task,
		plan.Context,
		string(plan.Complexity),
		plan.WorkingDir,
		plan.RawMessage,
		memory,
		plan.PlanText,
		plan.RevisionCount,
		plan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadPlan(ctx context.Context, conv tasks.ConversationID) (tasks.PendingPlan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT task, context, complexity, working_dir, raw_message, memory_context, plan_text,
		        revision_count, created_at
		   FROM pending_plans WHERE conversation_id=$1`,
		int64(conv),
	)
	plan := tasks.PendingPlan{ConversationID: conv}
	var complexity string
	err := row.Scan(
		&plan.Task,
		&plan.Context,
		&complexity,
		&plan.WorkingDir,
		&plan.RawMessage,
		&plan.MemoryContext,
		&plan.PlanText,
		&plan.RevisionCount,
		&plan.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return tasks.PendingPlan{}, tasks.ErrStoreNotFound
	}
	if err != nil {
		return tasks.PendingPlan{}, fmt.Errorf("get plan: %w", err)
	}
	plan.Complexity = tasks.Complexity(complexity)
	if len(plan.MemoryContext) == 0 {
		plan.MemoryContext = nil
	}
	return plan, nil
}

func (s *PostgresStore) DeletePlan(ctx context.Context, conv tasks.ConversationID) (bool, error) {
	n, err := s.exec(ctx, `DELETE FROM pending_plans WHERE conversation_id=$1`, int64(conv))
	if err != nil {
		return false, fmt.Errorf("delete plan: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) SaveActiveTask(ctx context.Context, rec tasks.ActiveTaskRecord) error {
	_, err := s.exec(ctx,
		`INSERT INTO active_tasks (id, conversation_id, task, working_dir, external_session_id, started_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET
			external_session_id=EXCLUDED.external_session_id`,
		rec.ID,
		int64(rec.ConversationID),
		rec.Task,
		rec.WorkingDir,
		rec.ExternalSessionID,
		rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert active task: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteActiveTask(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM active_tasks WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete active task: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveTasks(ctx context.Context) ([]tasks.ActiveTaskRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, task, working_dir, external_session_id, started_at
		   FROM active_tasks ORDER BY started_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()

	var out []tasks.ActiveTaskRecord
	for rows.Next() {
		var (
			rec  tasks.ActiveTaskRecord
			conv int64
		)
		if err := rows.Scan(&rec.ID, &conv, &rec.Task, &rec.WorkingDir, &rec.ExternalSessionID, &rec.StartedAt); err != nil {
			return nil, fmt.Errorf("scan active task: %w", err)
		}
		rec.ConversationID = tasks.ConversationID(conv)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active tasks: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveLoopState(ctx context.Context, state improve.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal loop state: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO improve_loops (conversation_id, status, state, updated_at)
		 VALUES ($1,$2,$3,now())
		 ON CONFLICT (conversation_id) DO UPDATE SET
			status=EXCLUDED.status,
			state=EXCLUDED.state,
			updated_at=EXCLUDED.updated_at`,
		int64(state.ConversationID),
		string(state.Status),
		payload,
	)
	if err != nil {
		return fmt.Errorf("upsert loop state: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadLoopState(ctx context.Context, conv tasks.ConversationID) (improve.State, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM improve_loops WHERE conversation_id=$1`, int64(conv)).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return improve.State{}, tasks.ErrStoreNotFound
	}
	if err != nil {
		return improve.State{}, fmt.Errorf("get loop state: %w", err)
	}
	var state improve.State
	if err := json.Unmarshal(payload, &state); err != nil {
		return improve.State{}, fmt.Errorf("decode loop state: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) DeleteLoopState(ctx context.Context, conv tasks.ConversationID) (bool, error) {
	n, err := s.exec(ctx, `DELETE FROM improve_loops WHERE conversation_id=$1`, int64(conv))
	if err != nil {
		return false, fmt.Errorf("delete loop state: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListLoopStates(ctx context.Context) ([]improve.State, error) {
	rows, err := s.pool.Query(ctx, `SELECT state FROM improve_loops ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("list loop states: %w", err)
	}
	defer rows.Close()

	var out []improve.State
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan loop state: %w", err)
		}
		var state improve.State
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, fmt.Errorf("decode loop state: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate loop states: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
