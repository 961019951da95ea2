package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLStore is a Postgres-backed Store. Schema (see spec §6):
//
//	schedules(id, creator, timezone, cron, run_at, workflow, inputs,
//	          output_context, run_count, failure_count, status,
//	          last_error, last_run_at, next_run_at, created_at, updated_at)
//	locks(schedule_id PK, token, holder_node_id, expires_at)
//
// grounded on the teacher's PostgresStore pool configuration and
// IncrementDurableEpoch atomic-UPSERT idiom.
type SQLStore struct {
	pool *pgxpool.Pool
}

// NewSQLStore connects to dsn with the same pool tuning the teacher
// uses for its control-plane Postgres store.
func NewSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SQLStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() { s.pool.Close() }

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return json.Marshal(map[string]any{})
	}
	return json.Marshal(v)
}

func (s *SQLStore) Create(ctx context.Context, sch *Schedule) error {
	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}
	inputs, err := marshalJSON(sch.Inputs)
	if err != nil {
		return err
	}
	outCtx, err := marshalJSON(sch.OutputContext)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (id, creator, timezone, cron, run_at, workflow, inputs,
			output_context, run_count, failure_count, status, last_error,
			last_run_at, next_run_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now())
	`, sch.ID, sch.Creator, sch.Timezone, nullStr(sch.Cron), nullTime(sch.RunAt), sch.Workflow,
		inputs, outCtx, sch.RunCount, sch.FailureCount, string(sch.Status), sch.LastError,
		nullTime(sch.LastRunAt), nullTime(sch.NextRunAt))
	return err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *SQLStore) scanRow(row pgx.Row) (*Schedule, error) {
	var sch Schedule
	var cron, lastErr *string
	var runAt, lastRunAt, nextRunAt *time.Time
	var inputs, outCtx []byte
	var status string
	err := row.Scan(&sch.ID, &sch.Creator, &sch.Timezone, &cron, &runAt, &sch.Workflow,
		&inputs, &outCtx, &sch.RunCount, &sch.FailureCount, &status, &lastErr,
		&lastRunAt, &nextRunAt, &sch.CreatedAt, &sch.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if cron != nil {
		sch.Cron = *cron
	}
	if runAt != nil {
		sch.RunAt = *runAt
	}
	if lastErr != nil {
		sch.LastError = *lastErr
	}
	if lastRunAt != nil {
		sch.LastRunAt = *lastRunAt
	}
	if nextRunAt != nil {
		sch.NextRunAt = *nextRunAt
	}
	sch.Status = Status(status)
	_ = json.Unmarshal(inputs, &sch.Inputs)
	_ = json.Unmarshal(outCtx, &sch.OutputContext)
	return &sch, nil
}

const selectCols = `id, creator, timezone, cron, run_at, workflow, inputs, output_context,
	run_count, failure_count, status, last_error, last_run_at, next_run_at, created_at, updated_at`

func (s *SQLStore) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+selectCols+" FROM schedules WHERE id=$1", id)
	sch, err := s.scanRow(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return sch, err
}

func (s *SQLStore) queryAll(ctx context.Context, where string, args ...any) ([]*Schedule, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+selectCols+" FROM schedules "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Schedule
	for rows.Next() {
		sch, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetAll(ctx context.Context) ([]*Schedule, error) {
	return s.queryAll(ctx, "")
}

func (s *SQLStore) GetActive(ctx context.Context) ([]*Schedule, error) {
	return s.queryAll(ctx, "WHERE status=$1", string(StatusActive))
}

func (s *SQLStore) GetDue(ctx context.Context, now time.Time) ([]*Schedule, error) {
	return s.queryAll(ctx, "WHERE status=$1 AND next_run_at IS NOT NULL AND next_run_at <= $2 ORDER BY next_run_at ASC, id ASC", string(StatusActive), now)
}

func (s *SQLStore) Update(ctx context.Context, sch *Schedule) error {
	inputs, err := marshalJSON(sch.Inputs)
	if err != nil {
		return err
	}
	outCtx, err := marshalJSON(sch.OutputContext)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET creator=$2, timezone=$3, cron=$4, run_at=$5, workflow=$6,
			inputs=$7, output_context=$8, run_count=$9, failure_count=$10, status=$11,
			last_error=$12, last_run_at=$13, next_run_at=$14, updated_at=now()
		WHERE id=$1
	`, sch.ID, sch.Creator, sch.Timezone, nullStr(sch.Cron), nullTime(sch.RunAt), sch.Workflow,
		inputs, outCtx, sch.RunCount, sch.FailureCount, string(sch.Status), sch.LastError,
		nullTime(sch.LastRunAt), nullTime(sch.NextRunAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM schedules WHERE id=$1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Flush(ctx context.Context) error { return nil }

// TryAcquireLock uses the same atomic-UPSERT fencing idiom as the
// teacher's IncrementDurableEpoch: insert if absent, or steal if the
// existing lock has expired, all in one statement.
func (s *SQLStore) TryAcquireLock(ctx context.Context, scheduleID, nodeID string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO locks (schedule_id, token, holder_node_id, expires_at)
		VALUES ($1, $2, $3, now() + $4::interval)
		ON CONFLICT (schedule_id) DO UPDATE
		SET token = EXCLUDED.token, holder_node_id = EXCLUDED.holder_node_id, expires_at = EXCLUDED.expires_at
		WHERE locks.expires_at < now()
	`, scheduleID, token, nodeID, ttl.String())
	if err != nil {
		return "", false, err
	}
	if tag.RowsAffected() == 0 {
		return "", false, nil
	}
	return token, true, nil
}

func (s *SQLStore) RenewLock(ctx context.Context, scheduleID, token string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE locks SET expires_at = now() + $3::interval
		WHERE schedule_id = $1 AND token = $2 AND expires_at >= now()
	`, scheduleID, token, ttl.String())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *SQLStore) ReleaseLock(ctx context.Context, scheduleID, token string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM locks WHERE schedule_id=$1 AND token=$2", scheduleID, token)
	return err
}

func (s *SQLStore) Sweep(ctx context.Context, grace time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM locks WHERE expires_at < now() - $1::interval", grace.String())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

var _ Store = (*SQLStore)(nil)

// Schema is the DDL a deployment must apply before using SQLStore.
const Schema = `
CREATE TABLE IF NOT EXISTS schedules (
	id              TEXT PRIMARY KEY,
	creator         TEXT NOT NULL,
	timezone        TEXT NOT NULL,
	cron            TEXT,
	run_at          TIMESTAMPTZ,
	workflow        TEXT NOT NULL,
	inputs          JSONB NOT NULL DEFAULT '{}',
	output_context  JSONB NOT NULL DEFAULT '{}',
	run_count       INTEGER NOT NULL DEFAULT 0,
	failure_count   INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	last_error      TEXT,
	last_run_at     TIMESTAMPTZ,
	next_run_at     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS locks (
	schedule_id     TEXT PRIMARY KEY,
	token           TEXT NOT NULL,
	holder_node_id  TEXT NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL
);
`
