package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"toolq/internal/job"
	logx "toolq/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveJob(ctx context.Context, j *job.Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, tool_id, tool_name, owner, tier, status, retry_count, queued_at, started_at, completed_at, payload)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, retry_count=excluded.retry_count,
		   started_at=excluded.started_at, completed_at=excluded.completed_at,
		   payload=excluded.payload`,
		j.ID, j.ToolID, j.ToolName, j.Owner, string(j.Tier), string(j.Status), j.RetryCount,
		j.QueuedAt.Format(time.RFC3339Nano), nullTime(j.StartedAt), nullTime(j.CompletedAt), string(payload),
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var j job.Job
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context, f JobFilter) ([]*job.Job, error) {
	q := `SELECT payload FROM jobs WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Owner != "" {
		q += ` AND owner = ?`
		args = append(args, f.Owner)
	}
	if f.ToolID != "" {
		q += ` AND tool_id = ?`
		args = append(args, f.ToolID)
	}
	q += ` ORDER BY queued_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var j job.Job
		if err := json.Unmarshal([]byte(payload), &j); err != nil {
			return nil, err
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendExecution(ctx context.Context, rec ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, job_id, attempt, status, error_kind, error_msg, started_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, rec.JobID, rec.Attempt, string(rec.Status), nullStr(string(rec.ErrorKind)), nullStr(rec.ErrorMsg),
		rec.StartedAt.Format(time.RFC3339Nano), rec.FinishedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListExecutions(ctx context.Context, jobID string) ([]ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, attempt, status, error_kind, error_msg, started_at, finished_at
		 FROM executions WHERE job_id = ? ORDER BY attempt ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var kind, msg sql.NullString
		var started, finished string
		var status string
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Attempt, &status, &kind, &msg, &started, &finished); err != nil {
			return nil, err
		}
		rec.Status = job.Status(status)
		rec.ErrorKind = job.Kind(kind.String)
		rec.ErrorMsg = msg.String
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveBatch(ctx context.Context, b BatchRecord) error {
	ids, err := json.Marshal(b.JobIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches(id, owner, status, stop_on_error, concurrency, job_ids, created_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, completed_at=excluded.completed_at, job_ids=excluded.job_ids`,
		b.ID, b.Owner, b.Status, boolInt(b.StopOnError), b.Concurrency, string(ids),
		b.CreatedAt.Format(time.RFC3339Nano), nullTime(b.CompletedAt),
	)
	return err
}

func (s *sqliteStore) GetBatch(ctx context.Context, id string) (BatchRecord, error) {
	var b BatchRecord
	var ids, created string
	var stopOnErr int
	var completed sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, status, stop_on_error, concurrency, job_ids, created_at, completed_at
		 FROM batches WHERE id = ?`, id).
		Scan(&b.ID, &b.Owner, &b.Status, &stopOnErr, &b.Concurrency, &ids, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return BatchRecord{}, ErrNotFound
	}
	if err != nil {
		return BatchRecord{}, err
	}
	b.StopOnError = stopOnErr != 0
	_ = json.Unmarshal([]byte(ids), &b.JobIDs)
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if completed.Valid {
		b.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed.String)
	}
	return b, nil
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, sc ScheduleRecord) error {
	args, err := json.Marshal(sc.Arguments)
	if err != nil {
		return err
	}
	opts, err := json.Marshal(sc.Options)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, owner, tier, tool_id, tool_name, cron_expr, active, arguments, options, last_run_at, next_run_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   cron_expr=excluded.cron_expr, active=excluded.active,
		   arguments=excluded.arguments, options=excluded.options,
		   last_run_at=excluded.last_run_at, next_run_at=excluded.next_run_at`,
		sc.ID, sc.Owner, string(sc.Tier), sc.ToolID, sc.ToolName, sc.CronExpr, boolInt(sc.Active),
		string(args), string(opts), nullTime(sc.LastRunAt), nullTime(sc.NextRunAt),
		sc.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (ScheduleRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, tier, tool_id, tool_name, cron_expr, active, arguments, options, last_run_at, next_run_at, created_at
		 FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleRecord{}, ErrNotFound
	}
	return sc, err
}

func (s *sqliteStore) ListSchedules(ctx context.Context, activeOnly bool) ([]ScheduleRecord, error) {
	q := `SELECT id, owner, tier, tool_id, tool_name, cron_expr, active, arguments, options, last_run_at, next_run_at, created_at FROM schedules`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleRecord
	for rows.Next() {
		sc, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSchedule(scan func(...any) error) (ScheduleRecord, error) {
	var sc ScheduleRecord
	var tier, created string
	var active int
	var args, opts, lastRun, nextRun sql.NullString
	err := scan(&sc.ID, &sc.Owner, &tier, &sc.ToolID, &sc.ToolName, &sc.CronExpr, &active,
		&args, &opts, &lastRun, &nextRun, &created)
	if err != nil {
		return ScheduleRecord{}, err
	}
	sc.Tier = job.Tier(tier)
	sc.Active = active != 0
	if args.Valid {
		_ = json.Unmarshal([]byte(args.String), &sc.Arguments)
	}
	if opts.Valid {
		_ = json.Unmarshal([]byte(opts.String), &sc.Options)
	}
	if lastRun.Valid {
		sc.LastRunAt, _ = time.Parse(time.RFC3339Nano, lastRun.String)
	}
	if nextRun.Valid {
		sc.NextRunAt, _ = time.Parse(time.RFC3339Nano, nextRun.String)
	}
	sc.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return sc, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
