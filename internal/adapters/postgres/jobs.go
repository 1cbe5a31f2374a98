package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"vigil/internal/domain"
)

const jobColumns = `id, lane, status, status_reason, priority, user_id, service_id,
	repo_url, context_path, is_private, image_name, image_tag, custom_build_file,
	username, git_credential, registry_credential, pipeline_ref, pipeline_url,
	created_at, finished_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Lane, &j.Status, &j.StatusReason, &j.Priority, &j.UserID, &j.ServiceID,
		&j.RepoURL, &j.ContextPath, &j.IsPrivate, &j.ImageName, &j.ImageTag, &j.CustomBuildFile,
		&j.Username, &j.GitCredential, &j.RegistryCredential, &j.PipelineRef, &j.PipelineURL,
		&j.CreatedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (db *DB) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO jobs (id, lane, status, priority, user_id, service_id,
			repo_url, context_path, is_private, image_name, image_tag,
			custom_build_file, username, git_credential, registry_credential, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, job.ID, job.Lane, domain.StatusQueued, job.Priority, job.UserID, job.ServiceID,
		job.RepoURL, job.ContextPath, job.IsPrivate, job.ImageName, job.ImageTag,
		job.CustomBuildFile, job.Username, job.GitCredential, job.RegistryCredential, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	return job, err
}

func (db *DB) GetJobStatus(ctx context.Context, id string) (domain.JobStatus, error) {
	var status domain.JobStatus
	err := db.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrJobNotFound
	}
	return status, err
}

// UpdateJobStatus applies a transition unless the job is already terminal.
// Terminal absorption is enforced here, in one place, so neither the
// dispatcher nor the poller can overwrite a finished job.
func (db *DB) UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET
			status = $2,
			status_reason = CASE WHEN $3 <> '' THEN $3 ELSE status_reason END,
			finished_at = CASE WHEN $2 IN ('SUCCESS','FAILED','FAILED_TRIGGER','CANCELLED')
				THEN now() ELSE finished_at END
		WHERE id = $1
		  AND status NOT IN ('SUCCESS','FAILED','FAILED_TRIGGER','CANCELLED')
	`, id, status, reason)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetJobStatus(ctx, id); err != nil {
			return err
		}
		return domain.ErrJobTerminal
	}
	return nil
}

func (db *DB) SetPipelineRef(ctx context.Context, id, ref, webURL string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE jobs SET pipeline_ref=$2, pipeline_url=$3 WHERE id=$1`, id, ref, webURL)
	return err
}

func (db *DB) FindActiveJobForService(ctx context.Context, serviceID string) (*domain.Job, bool, error) {
	job, err := scanJob(db.Pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE service_id = $1 AND status IN ('QUEUED','RUNNING')
		ORDER BY created_at DESC
		LIMIT 1
	`, serviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (db *DB) CountActiveProjectsForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT service_id) FROM jobs
		WHERE user_id = $1 AND status IN ('QUEUED','RUNNING')
	`, userID).Scan(&n)
	return n, err
}

func (db *DB) ListRunningWithRef(ctx context.Context) ([]domain.Job, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'RUNNING' AND pipeline_ref <> ''
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (db *DB) CancelQueued(ctx context.Context, id, reason string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET status='CANCELLED',
			status_reason = CASE WHEN $2 <> '' THEN $2 ELSE status_reason END,
			finished_at = now()
		WHERE id = $1 AND status = 'QUEUED'
	`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetJobStatus(ctx, id); err != nil {
			return err
		}
		return domain.ErrNotCancellable
	}
	return nil
}

func (db *DB) DeleteJob(ctx context.Context, id string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	return err
}
