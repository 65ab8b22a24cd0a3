package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository is the background-job persistence contract.
type Repository interface {
	Create(ctx context.Context, j Job) (Job, error)
	UpdateStatus(ctx context.Context, jobID string, status Status, subStatus string) error
	UpdateStatusWithMetadata(ctx context.Context, jobID string, status Status, subStatus string, meta Metadata) error
	MarkRunning(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, errMsg string) error
	MarkCanceled(ctx context.Context, jobID, reason string) error
	GetByID(ctx context.Context, jobID string) (Job, error)
	GetByStatus(ctx context.Context, statuses []Status) ([]Job, error)
	GetByMetadataField(ctx context.Context, key, value string) ([]Job, error)
}

type row struct {
	ID           string          `db:"id"`
	TaskType     string          `db:"task_type"`
	Payload      json.RawMessage `db:"payload"`
	SessionID    sql.NullString  `db:"session_id"`
	ProjectID    sql.NullString  `db:"project_id"`
	Priority     int             `db:"priority"`
	Status       string          `db:"status"`
	SubStatus    sql.NullString  `db:"sub_status_message"`
	ErrorMessage sql.NullString  `db:"error_message"`
	Metadata     json.RawMessage `db:"metadata"`
	CreatedAt    time.Time       `db:"created_at"`
	StartedAt    sql.NullTime    `db:"started_at"`
	CompletedAt  sql.NullTime    `db:"completed_at"`
	RunAfter     time.Time       `db:"run_after"`
}

func (r row) toJob() (Job, error) {
	var payload map[string]interface{}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return Job{}, fmt.Errorf("unmarshal job payload: %w", err)
		}
	}
	var meta Metadata
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			return Job{}, fmt.Errorf("unmarshal job metadata: %w", err)
		}
	}
	j := Job{
		ID:           r.ID,
		TaskType:     r.TaskType,
		Payload:      payload,
		SessionID:    r.SessionID.String,
		ProjectID:    r.ProjectID.String,
		Priority:     r.Priority,
		Status:       Status(r.Status),
		SubStatus:    r.SubStatus.String,
		ErrorMessage: r.ErrorMessage.String,
		Metadata:     meta,
		CreatedAt:    r.CreatedAt,
		RunAfter:     r.RunAfter,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		j.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// PostgresRepository is the sqlx-backed Repository implementation.
type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, j Job) (Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.RunAfter.IsZero() {
		j.RunAfter = j.CreatedAt
	}

	payloadJSON, err := json.Marshal(j.Payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal job payload: %w", err)
	}
	metaJSON, err := json.Marshal(j.Metadata)
	if err != nil {
		return Job{}, fmt.Errorf("marshal job metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO background_jobs
			(id, task_type, payload, session_id, project_id, priority, status,
			 sub_status_message, error_message, metadata, created_at, run_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, j.ID, j.TaskType, payloadJSON, nullableString(j.SessionID), nullableString(j.ProjectID),
		j.Priority, string(j.Status), nullableString(j.SubStatus), nullableString(j.ErrorMessage),
		metaJSON, j.CreatedAt, j.RunAfter)
	if err != nil {
		return Job{}, fmt.Errorf("insert background_job: %w", err)
	}
	return j, nil
}

// UpdateStatus changes status and sub-status only; the metadata column
// is left untouched so workflow tags survive status churn.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, jobID string, status Status, subStatus string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = $2, sub_status_message = $3
		WHERE id = $1
	`, jobID, string(status), nullableString(subStatus))
	if err != nil {
		return fmt.Errorf("update background_job status: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateStatusWithMetadata(ctx context.Context, jobID string, status Status, subStatus string, meta Metadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = $2, sub_status_message = $3, metadata = $4
		WHERE id = $1
	`, jobID, string(status), nullableString(subStatus), metaJSON)
	if err != nil {
		return fmt.Errorf("update background_job status: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkRunning(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE background_jobs SET status = $2, started_at = $3 WHERE id = $1
	`, jobID, string(StatusRunning), now)
	return err
}

func (r *PostgresRepository) MarkCompleted(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE background_jobs SET status = $2, completed_at = $3 WHERE id = $1
	`, jobID, string(StatusCompleted), now)
	return err
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE background_jobs SET status = $2, error_message = $3, completed_at = $4 WHERE id = $1
	`, jobID, string(StatusFailed), errMsg, now)
	return err
}

func (r *PostgresRepository) MarkCanceled(ctx context.Context, jobID, reason string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE background_jobs SET status = $2, error_message = $3, completed_at = $4 WHERE id = $1
	`, jobID, string(StatusCanceled), reason, now)
	return err
}

func (r *PostgresRepository) GetByID(ctx context.Context, jobID string) (Job, error) {
	var rr row
	if err := r.db.GetContext(ctx, &rr, `
		SELECT id, task_type, payload, session_id, project_id, priority, status,
		       sub_status_message, error_message, metadata, created_at, started_at, completed_at, run_after
		FROM background_jobs WHERE id = $1
	`, jobID); err != nil {
		return Job{}, err
	}
	return rr.toJob()
}

func (r *PostgresRepository) GetByStatus(ctx context.Context, statuses []Status) ([]Job, error) {
	strStatuses := make([]string, len(statuses))
	for i, s := range statuses {
		strStatuses[i] = string(s)
	}
	query, args, err := sqlx.In(`
		SELECT id, task_type, payload, session_id, project_id, priority, status,
		       sub_status_message, error_message, metadata, created_at, started_at, completed_at, run_after
		FROM background_jobs WHERE status IN (?)
		ORDER BY created_at ASC
	`, strStatuses)
	if err != nil {
		return nil, fmt.Errorf("build status-in query: %w", err)
	}
	query = r.db.Rebind(query)

	var rows []row
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select background_jobs by status: %w", err)
	}
	return toJobs(rows)
}

func (r *PostgresRepository) GetByMetadataField(ctx context.Context, key, value string) ([]Job, error) {
	var rows []row
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT id, task_type, payload, session_id, project_id, priority, status,
		       sub_status_message, error_message, metadata, created_at, started_at, completed_at, run_after
		FROM background_jobs WHERE metadata ->> $1 = $2
		ORDER BY created_at ASC
	`, key, value); err != nil {
		return nil, fmt.Errorf("select background_jobs by metadata field: %w", err)
	}
	return toJobs(rows)
}

func toJobs(rows []row) ([]Job, error) {
	out := make([]Job, 0, len(rows))
	for _, rr := range rows {
		j, err := rr.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
