// Package scheduler serializes pipeline ingestion runs: at most one job
// may be queued or running process-wide, progress and results persist to
// the state database, and every status transition is reported to a
// caller-supplied callback so the owning novel's status can be kept in
// sync and cached retrieval services invalidated.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/storage"
)

// StatusCallback is invoked after every persisted status transition
// (queued, running, succeeded, failed), letting the caller update the
// owning novel's status/last_job_id/last_error and drop any cached
// retrieval service once the job reaches a terminal state.
type StatusCallback func(job domain.PipelineJob)

// Scheduler runs at most one pipeline job at a time.
type Scheduler struct {
	db       *sql.DB
	runner   Runner
	onUpdate StatusCallback

	mu           sync.Mutex
	runningJobID string
}

// New builds a Scheduler and recovers any job left queued/running by a
// previous process, which is moved to failed("aborted") — such a job can
// never legitimately still be in flight once this constructor is called.
func New(ctx context.Context, db *sql.DB, runner Runner, onUpdate StatusCallback) (*Scheduler, error) {
	if err := recoverOrphanedJobs(ctx, db); err != nil {
		return nil, err
	}
	return &Scheduler{db: db, runner: runner, onUpdate: onUpdate}, nil
}

// Start validates the single-running-job invariant, persists a queued job
// row, and launches a detached worker goroutine to run it.
func (s *Scheduler) Start(ctx context.Context, ownerUserID, novelID string, paths storage.NovelPaths, spec domain.PipelineRunSpec, logPath string) (domain.PipelineJob, error) {
	s.mu.Lock()
	if s.runningJobID != "" {
		s.mu.Unlock()
		return domain.PipelineJob{}, domain.ErrJobBusy
	}

	job := domain.PipelineJob{
		ID:          uuid.New().String(),
		NovelID:     novelID,
		OwnerUserID: ownerUserID,
		Spec:        spec,
		Status:      domain.JobQueued,
		LogPath:     logPath,
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertJob(ctx, s.db, job); err != nil {
		s.mu.Unlock()
		return domain.PipelineJob{}, err
	}
	s.runningJobID = job.ID
	s.mu.Unlock()

	s.notify(job)
	go s.runJob(job, paths)

	return job, nil
}

// Get loads a job by id.
func (s *Scheduler) Get(ctx context.Context, jobID string) (domain.PipelineJob, error) {
	return getJob(ctx, s.db, jobID)
}

// TailLogs returns the last n lines of a job's log file, or empty string
// if the log file is missing; an unknown job id returns
// domain.ErrJobNotFound.
func (s *Scheduler) TailLogs(ctx context.Context, jobID string, n int) (string, error) {
	job, err := getJob(ctx, s.db, jobID)
	if err != nil {
		return "", err
	}
	return tailTextFile(job.LogPath, n)
}

func (s *Scheduler) runJob(job domain.PipelineJob, paths storage.NovelPaths) {
	defer func() {
		s.mu.Lock()
		if s.runningJobID == job.ID {
			s.runningJobID = ""
		}
		s.mu.Unlock()
	}()

	logger, closeLog, err := newJobLogger(job.LogPath)
	if err != nil {
		s.fail(job, fmt.Sprintf("open log file: %v", err))
		return
	}
	defer closeLog()

	defer func() {
		if r := recover(); r != nil {
			s.fail(job, fmt.Sprintf("panic: %v", r))
		}
	}()

	ctx := context.Background()
	now := time.Now().UTC()
	job.Status = domain.JobRunning
	job.StartedAt = &now
	job.Progress = 0.01
	s.save(ctx, job)

	steps := []int{1, 2, 3, 4, 5}
	if job.Spec.Step != nil {
		steps = []int{*job.Spec.Step}
	}

	merged := map[string]any{}
	for i, step := range steps {
		if err := checkStepPreconditions(paths, step); err != nil {
			s.fail(job, err.Error())
			return
		}

		job.CurrentStep = step
		if job.Spec.Step == nil {
			job.Progress = float64(i) / float64(len(steps))
		} else {
			job.Progress = 0.1
		}
		s.save(ctx, job)

		result, err := s.runner.RunStep(ctx, paths, step, job.Spec.Force, job.Spec.RedoChapter, logger)
		if err != nil {
			s.fail(job, err.Error())
			return
		}
		for k, v := range result {
			merged[k] = v
		}
	}

	for k, v := range loadRunStats(paths) {
		merged[k] = v
	}

	finished := time.Now().UTC()
	job.Status = domain.JobSucceeded
	job.Progress = 1.0
	job.Result = merged
	job.FinishedAt = &finished
	s.save(ctx, job)
}

func (s *Scheduler) fail(job domain.PipelineJob, message string) {
	finished := time.Now().UTC()
	job.Status = domain.JobFailed
	job.Error = message
	job.FinishedAt = &finished
	s.save(context.Background(), job)
}

func (s *Scheduler) save(ctx context.Context, job domain.PipelineJob) {
	if err := updateJob(ctx, s.db, job); err != nil {
		return
	}
	s.notify(job)
}

func (s *Scheduler) notify(job domain.PipelineJob) {
	if s.onUpdate != nil {
		s.onUpdate(job)
	}
}

// newJobLogger opens (creating parents as needed) a per-job log file and
// returns a structured logger writing to it.
func newJobLogger(logPath string) (*slog.Logger, func(), error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("scheduler: create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: open log file: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(f, nil))
	return logger, func() { _ = f.Close() }, nil
}

func tailTextFile(path string, n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	lines := splitLines(string(data))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return joinLines(lines), nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
