package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/airp2/storyforge/internal/domain"
)

// insertJob persists a freshly created job row.
func insertJob(ctx context.Context, db *sql.DB, job domain.PipelineJob) error {
	specJSON, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("scheduler: encode run spec: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO pipeline_jobs (id, novel_id, owner_user_id, spec_json, status, current_step, progress, log_path, error, result_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '{}', ?)`,
		job.ID, job.NovelID, job.OwnerUserID, string(specJSON), string(job.Status), job.CurrentStep, job.Progress, job.LogPath, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("scheduler: insert job: %w", err)
	}
	return nil
}

// updateJob persists the mutable fields of job, overwriting the row in
// place.
func updateJob(ctx context.Context, db *sql.DB, job domain.PipelineJob) error {
	resultJSON, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("scheduler: encode job result: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`UPDATE pipeline_jobs
		 SET status = ?, current_step = ?, progress = ?, error = ?, result_json = ?,
		     started_at = ?, finished_at = ?
		 WHERE id = ?`,
		string(job.Status), job.CurrentStep, job.Progress, job.Error, string(resultJSON),
		nullTime(job.StartedAt), nullTime(job.FinishedAt), job.ID)
	if err != nil {
		return fmt.Errorf("scheduler: update job: %w", err)
	}
	return nil
}

// getJob loads one job by id.
func getJob(ctx context.Context, db *sql.DB, jobID string) (domain.PipelineJob, error) {
	var job domain.PipelineJob
	var specJSON string
	var jobError, resultJSON, logPath sql.NullString
	var status string
	var startedAt, finishedAt sql.NullTime

	err := db.QueryRowContext(ctx,
		`SELECT id, novel_id, owner_user_id, spec_json, status, current_step, progress,
		        log_path, error, result_json, created_at, started_at, finished_at
		 FROM pipeline_jobs WHERE id = ?`, jobID,
	).Scan(&job.ID, &job.NovelID, &job.OwnerUserID, &specJSON, &status, &job.CurrentStep, &job.Progress,
		&logPath, &jobError, &resultJSON, &job.CreatedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PipelineJob{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.PipelineJob{}, err
	}

	job.Status = domain.JobStatus(status)
	job.LogPath = logPath.String
	job.Error = jobError.String
	if specJSON != "" {
		_ = json.Unmarshal([]byte(specJSON), &job.Spec)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		_ = json.Unmarshal([]byte(resultJSON.String), &job.Result)
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

// recoverOrphanedJobs moves every job still marked queued/running to
// failed("aborted"), the state a job is left in when the process that was
// supposed to finish it died uncleanly.
func recoverOrphanedJobs(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`UPDATE pipeline_jobs SET status = ?, error = ?, finished_at = ?
		 WHERE status IN (?, ?)`,
		string(domain.JobFailed), "aborted", time.Now().UTC(), string(domain.JobQueued), string(domain.JobRunning))
	if err != nil {
		return fmt.Errorf("scheduler: recover orphaned jobs: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
