package repository

import (
	"context"
	"database/sql"
	"time"

	"aigateway/internal/model"

	"github.com/google/uuid"
)

type ReconcileJobRepositoryInterface interface {
	Create(ctx context.Context, job *model.ReconcileJob) error
	GetByEventID(ctx context.Context, eventID string) (*model.ReconcileJob, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.ReconcileJob, error)
	Claim(ctx context.Context, job *model.ReconcileJob, lease time.Time) (bool, error)
	Finish(ctx context.Context, id string, state model.ReconcileState, lastErr string) error
	Reschedule(ctx context.Context, id string, runAt time.Time, lastErr string) error
}

var _ ReconcileJobRepositoryInterface = (*ReconcileJobRepository)(nil)

type ReconcileJobRepository struct {
	db DBTX
}

func NewReconcileJobRepository(db DBTX) *ReconcileJobRepository {
	return &ReconcileJobRepository{db: db}
}

const reconcileJobColumns = `id, event_id, user_id, project_id, request_id, generation_id, model,
	estimate_input_tokens, estimate_output_tokens, state, attempts, run_at, last_error, created_at, updated_at`

func (r *ReconcileJobRepository) Create(ctx context.Context, job *model.ReconcileJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.State == "" {
		job.State = model.ReconcilePending
	}

	// 同一事件只排一次
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reconcile_jobs (`+reconcileJobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		job.ID, job.EventID, job.UserID, job.ProjectID, job.RequestID, job.GenerationID, job.Model,
		job.EstimateInputTokens, job.EstimateOutputTokens, job.State, job.Attempts, toMillis(job.RunAt), job.LastError,
		toMillis(job.CreatedAt), toMillis(job.UpdatedAt),
	)
	return err
}

func (r *ReconcileJobRepository) GetByEventID(ctx context.Context, eventID string) (*model.ReconcileJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+reconcileJobColumns+` FROM reconcile_jobs WHERE event_id = ?`, eventID)
	job, err := scanReconcileJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (r *ReconcileJobRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.ReconcileJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+reconcileJobColumns+` FROM reconcile_jobs
		 WHERE state = ? AND run_at <= ? ORDER BY run_at LIMIT ?`,
		model.ReconcilePending, now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.ReconcileJob
	for rows.Next() {
		job, err := scanReconcileJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Claim 把 run_at 推到租约时间并累加尝试次数；CAS 失败说明已被其他 worker 领取
func (r *ReconcileJobRepository) Claim(ctx context.Context, job *model.ReconcileJob, lease time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE reconcile_jobs SET run_at = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND state = ? AND run_at = ?`,
		lease.UnixMilli(), time.Now().UnixMilli(), job.ID, model.ReconcilePending, toMillis(job.RunAt),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil || rows != 1 {
		return false, err
	}
	job.Attempts++
	job.RunAt = lease.UTC()
	return true, nil
}

func (r *ReconcileJobRepository) Finish(ctx context.Context, id string, state model.ReconcileState, lastErr string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE reconcile_jobs SET state = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		state, lastErr, time.Now().UnixMilli(), id,
	)
	return err
}

func (r *ReconcileJobRepository) Reschedule(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE reconcile_jobs SET run_at = ?, last_error = ?, updated_at = ? WHERE id = ? AND state = ?`,
		runAt.UnixMilli(), lastErr, time.Now().UnixMilli(), id, model.ReconcilePending,
	)
	return err
}

func scanReconcileJob(s rowScanner) (*model.ReconcileJob, error) {
	j := &model.ReconcileJob{}
	var runAt, createdAt, updatedAt int64
	err := s.Scan(&j.ID, &j.EventID, &j.UserID, &j.ProjectID, &j.RequestID, &j.GenerationID, &j.Model,
		&j.EstimateInputTokens, &j.EstimateOutputTokens, &j.State, &j.Attempts, &runAt, &j.LastError,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.RunAt = fromMillis(runAt)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return j, nil
}
