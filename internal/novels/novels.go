// Package novels owns the novels table: tenant CRUD, ownership and
// visibility checks, and the status transitions the ingestion scheduler
// drives a novel through as a job progresses.
package novels

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/storage"
)

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugUnsafe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "novel"
	}
	return s
}

// Service is the DB-backed novels store, paired with a storage.Layout for
// the per-novel filesystem workspace it provisions on create and tears
// down on delete.
type Service struct {
	db     *sql.DB
	layout storage.Layout
}

// New builds a Service.
func New(db *sql.DB, layout storage.Layout) *Service {
	return &Service{db: db, layout: layout}
}

func scanNovel(row interface {
	Scan(dest ...any) error
}) (domain.Novel, error) {
	var n domain.Novel
	var visibility, status string
	var statsJSON sql.NullString
	var sourceFilename sql.NullString
	var sourceBytes, sourceChars, sourceLines sql.NullInt64
	var lastJobID, lastError sql.NullString

	err := row.Scan(&n.ID, &n.OwnerUserID, &n.Title, &visibility, &status,
		&sourceFilename, &sourceBytes, &sourceChars, &sourceLines,
		&statsJSON, &lastJobID, &lastError, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return domain.Novel{}, err
	}

	n.Visibility = domain.Visibility(visibility)
	n.Status = domain.NovelStatus(status)
	n.Source = domain.SourceMeta{
		Filename:  sourceFilename.String,
		Bytes:     sourceBytes.Int64,
		CharCount: int(sourceChars.Int64),
		LineCount: int(sourceLines.Int64),
	}
	n.LastJobID = lastJobID.String
	n.LastError = lastError.String
	n.Stats = map[string]any{}
	if statsJSON.Valid && statsJSON.String != "" {
		_ = json.Unmarshal([]byte(statsJSON.String), &n.Stats)
	}
	return n, nil
}

const selectColumns = `id, owner_user_id, title, visibility, status,
	source_filename, source_bytes, source_char_count, source_line_count,
	stats_json, last_job_id, last_error, created_at, updated_at`

// Get loads a non-deleted novel by id.
func (s *Service) Get(ctx context.Context, novelID string) (domain.Novel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM novels WHERE id = ?`, novelID)
	n, err := scanNovel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Novel{}, domain.ErrNovelNotFound
	}
	if err != nil {
		return domain.Novel{}, err
	}
	if n.Status == domain.NovelStatusDeleted {
		return domain.Novel{}, domain.ErrNovelNotFound
	}
	return n, nil
}

// ListByOwner returns every non-deleted novel owned by ownerUserID, most
// recently updated first.
func (s *Service) ListByOwner(ctx context.Context, ownerUserID string) ([]domain.Novel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM novels WHERE owner_user_id = ? AND status != ? ORDER BY updated_at DESC`,
		ownerUserID, string(domain.NovelStatusDeleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Novel
	for rows.Next() {
		n, err := scanNovel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListPublic returns every publicly visible, non-deleted novel, most
// recently updated first.
func (s *Service) ListPublic(ctx context.Context) ([]domain.Novel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM novels WHERE visibility = ? AND status != ? ORDER BY updated_at DESC`,
		string(domain.VisibilityPublic), string(domain.NovelStatusDeleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Novel
	for rows.Next() {
		n, err := scanNovel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Create allocates a globally unique novel id derived from title, inserts
// the row, and provisions the novel's filesystem workspace.
func (s *Service) Create(ctx context.Context, ownerUserID, title string) (domain.Novel, error) {
	ownerUserID = strings.TrimSpace(ownerUserID)
	if ownerUserID == "" {
		return domain.Novel{}, domain.NewValidationError("owner_user_id", ownerUserID, domain.ErrAuthRequired)
	}
	title = strings.TrimSpace(title)
	slug := slugify(title)

	novelID, err := s.allocateID(ctx, slug)
	if err != nil {
		return domain.Novel{}, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO novels (id, owner_user_id, title, visibility, status, created_at, updated_at, stats_json, last_job_id, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '{}', '', '')`,
		novelID, ownerUserID, title, string(domain.VisibilityPrivate), string(domain.NovelStatusCreated), now, now)
	if err != nil {
		return domain.Novel{}, fmt.Errorf("novels: insert: %w", err)
	}

	if _, err := s.layout.EnsureNovelDirs(ownerUserID, novelID); err != nil {
		return domain.Novel{}, fmt.Errorf("novels: provision workspace: %w", err)
	}

	return s.Get(ctx, novelID)
}

// allocateID tries up to 50 random suffixes appended to slug until one is
// free, matching the collision-retry budget of the reference allocator.
func (s *Service) allocateID(ctx context.Context, slug string) (string, error) {
	for i := 0; i < 50; i++ {
		suffix, err := randomHex(3)
		if err != nil {
			return "", err
		}
		candidate := fmt.Sprintf("%s-%s", slug, suffix)

		var existing string
		err = s.db.QueryRowContext(ctx, `SELECT id FROM novels WHERE id = ?`, candidate).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("novels: failed to allocate novel id after many attempts")
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// AssertOwner loads the novel and returns domain.ErrForbidden unless
// ownerUserID matches its owner.
func (s *Service) AssertOwner(ctx context.Context, ownerUserID, novelID string) (domain.Novel, error) {
	n, err := s.Get(ctx, novelID)
	if err != nil {
		return domain.Novel{}, err
	}
	if n.OwnerUserID != ownerUserID {
		return domain.Novel{}, domain.ErrForbidden
	}
	return n, nil
}

// CanRead reports whether actorUserID (empty for an unauthenticated or
// guest caller) may read novelID: owners always can, everyone else only
// when the novel is public.
func (s *Service) CanRead(ctx context.Context, actorUserID, novelID string) (bool, error) {
	n, err := s.Get(ctx, novelID)
	if err != nil {
		return false, err
	}
	if actorUserID != "" && actorUserID == n.OwnerUserID {
		return true, nil
	}
	return n.Visibility == domain.VisibilityPublic, nil
}

// Paths returns the filesystem workspace for novelID.
func (s *Service) Paths(ctx context.Context, novelID string) (storage.NovelPaths, error) {
	n, err := s.Get(ctx, novelID)
	if err != nil {
		return storage.NovelPaths{}, err
	}
	return s.layout.UserNovelPaths(n.OwnerUserID, n.ID)
}

// UpdateFields is the set of mutable novel fields Update may change.
type UpdateFields struct {
	Title      *string
	Visibility *string
}

// Update applies title/visibility edits, owner-only.
func (s *Service) Update(ctx context.Context, ownerUserID, novelID string, fields UpdateFields) (domain.Novel, error) {
	n, err := s.AssertOwner(ctx, ownerUserID, novelID)
	if err != nil {
		return domain.Novel{}, err
	}

	sets := []string{}
	args := []any{}
	if fields.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, strings.TrimSpace(*fields.Title))
	}
	if fields.Visibility != nil {
		v := strings.ToLower(strings.TrimSpace(*fields.Visibility))
		if v != string(domain.VisibilityPrivate) && v != string(domain.VisibilityPublic) {
			return domain.Novel{}, domain.NewValidationError("visibility", v, domain.ErrInvalidVisibility)
		}
		sets = append(sets, "visibility = ?")
		args = append(args, v)
	}
	if len(sets) == 0 {
		return n, nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, n.ID)

	_, err = s.db.ExecContext(ctx, `UPDATE novels SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return domain.Novel{}, fmt.Errorf("novels: update: %w", err)
	}
	return s.Get(ctx, n.ID)
}

// UpdateSourceMeta records the uploaded source file's stats and moves the
// novel to "uploaded", clearing any prior error.
func (s *Service) UpdateSourceMeta(ctx context.Context, ownerUserID, novelID string, source domain.SourceMeta) (domain.Novel, error) {
	n, err := s.AssertOwner(ctx, ownerUserID, novelID)
	if err != nil {
		return domain.Novel{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE novels SET source_filename = ?, source_bytes = ?, source_char_count = ?, source_line_count = ?,
		 status = ?, updated_at = ?, last_error = '' WHERE id = ?`,
		source.Filename, source.Bytes, source.CharCount, source.LineCount,
		string(domain.NovelStatusUploaded), time.Now().UTC(), n.ID)
	if err != nil {
		return domain.Novel{}, fmt.Errorf("novels: update source meta: %w", err)
	}
	return s.Get(ctx, n.ID)
}

// SetProcessing moves the novel to "processing" and records the driving
// job id. Used directly as (part of) the scheduler's StatusCallback.
func (s *Service) SetProcessing(ctx context.Context, novelID, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE novels SET status = ?, last_job_id = ?, updated_at = ? WHERE id = ?`,
		string(domain.NovelStatusProcessing), jobID, time.Now().UTC(), novelID)
	return err
}

// SetReady moves the novel to "ready", records final stats, and clears
// any prior error.
func (s *Service) SetReady(ctx context.Context, novelID, jobID string, stats map[string]any) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("novels: encode stats: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE novels SET status = ?, last_job_id = ?, stats_json = ?, updated_at = ?, last_error = '' WHERE id = ?`,
		string(domain.NovelStatusReady), jobID, string(statsJSON), time.Now().UTC(), novelID)
	return err
}

// SetFailed moves the novel to "failed" and records the error.
func (s *Service) SetFailed(ctx context.Context, novelID, jobID, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE novels SET status = ?, last_job_id = ?, updated_at = ?, last_error = ? WHERE id = ?`,
		string(domain.NovelStatusFailed), jobID, time.Now().UTC(), errMsg, novelID)
	return err
}

// ApplyJobStatus folds a scheduler job's terminal/in-flight status into
// the owning novel's row; wire this as the scheduler.StatusCallback.
func (s *Service) ApplyJobStatus(ctx context.Context, job domain.PipelineJob) {
	switch job.Status {
	case domain.JobQueued, domain.JobRunning:
		_ = s.SetProcessing(ctx, job.NovelID, job.ID)
	case domain.JobSucceeded:
		_ = s.SetReady(ctx, job.NovelID, job.ID, job.Result)
	case domain.JobFailed:
		_ = s.SetFailed(ctx, job.NovelID, job.ID, job.Error)
	}
}

// Delete soft-deletes the novel row (preserving job history) and tears
// down its filesystem workspace, optionally including the vector store.
func (s *Service) Delete(ctx context.Context, ownerUserID, novelID string, deleteVectorDB bool) error {
	n, err := s.AssertOwner(ctx, ownerUserID, novelID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE novels SET status = ?, updated_at = ? WHERE id = ?`,
		string(domain.NovelStatusDeleted), time.Now().UTC(), n.ID)
	if err != nil {
		return fmt.Errorf("novels: soft delete: %w", err)
	}
	return s.layout.DeleteUserNovel(n.OwnerUserID, n.ID, deleteVectorDB)
}
