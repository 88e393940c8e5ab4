package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/novels"
	"github.com/airp2/storyforge/internal/storage"
)

// jobLogPath picks a fresh log file path under a novel's log directory,
// named job_{id}.log per the documented persisted-state layout.
func jobLogPath(layout storage.Layout, ownerUserID, novelID string) (string, error) {
	paths, err := layout.UserNovelPaths(ownerUserID, novelID)
	if err != nil {
		return "", err
	}
	return filepath.Join(paths.LogDir, fmt.Sprintf("job_%s.log", uuid.New().String())), nil
}

const maxUploadBytes = 50 * 1024 * 1024 // 50 MiB

type createNovelRequest struct {
	Title string `json:"title"`
}

func (a *app) handleListNovels(w http.ResponseWriter, r *http.Request) {
	act, err := a.actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := a.novels.ListByOwner(r.Context(), act.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *app) handleCreateNovel(w http.ResponseWriter, r *http.Request) {
	act, err := a.actor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createNovelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}

	n, err := a.novels.Create(r.Context(), act.UserID, req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (a *app) handleGetNovel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	act, _ := a.actor(r)

	ok, err := a.novels.CanRead(r.Context(), act.UserID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, domain.ErrForbidden)
		return
	}

	n, err := a.novels.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (a *app) handleUpdateNovel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	act, err := a.actor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Title      *string `json:"title"`
		Visibility *string `json:"visibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err)
		return
	}

	n, err := a.novels.Update(r.Context(), act.UserID, id, novels.UpdateFields{Title: body.Title, Visibility: body.Visibility})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (a *app) handleDeleteNovel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	act, err := a.actor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	deleteVectorDB := r.URL.Query().Get("delete_vector_db") == "true"
	if err := a.novels.Delete(r.Context(), act.UserID, id, deleteVectorDB); err != nil {
		writeError(w, err)
		return
	}
	a.retrieval.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleListPublicNovels(w http.ResponseWriter, r *http.Request) {
	list, err := a.novels.ListPublic(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *app) handleGetPublicNovel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := a.novels.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if n.Visibility != domain.VisibilityPublic {
		writeError(w, domain.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (a *app) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	act, err := a.actor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := a.novels.AssertOwner(r.Context(), act.UserID, id); err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, domain.NewValidationError("file", "", fmt.Errorf("request too large or malformed: %w", err)))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, domain.NewValidationError("file", "", err))
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".txt") {
		writeError(w, domain.NewValidationError("file", header.Filename, fmt.Errorf("only .txt files are accepted")))
		return
	}

	paths, err := a.novels.Paths(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := os.MkdirAll(paths.InputDir, 0o755); err != nil {
		writeError(w, err)
		return
	}
	dst, err := os.Create(paths.SourceFile)
	if err != nil {
		writeError(w, err)
		return
	}
	written, err := io.Copy(dst, file)
	dst.Close()
	if err != nil {
		writeError(w, err)
		return
	}

	content, err := os.ReadFile(paths.SourceFile)
	if err != nil {
		writeError(w, err)
		return
	}
	source := domain.SourceMeta{
		Filename:  header.Filename,
		Bytes:     written,
		CharCount: len([]rune(string(content))),
		LineCount: strings.Count(string(content), "\n") + 1,
	}

	n, err := a.novels.UpdateSourceMeta(r.Context(), act.UserID, id, source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type runPipelineRequest struct {
	Step        *int `json:"step"`
	Force       bool `json:"force"`
	RedoChapter *int `json:"redo_chapter"`
}

func (a *app) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	act, err := a.actor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	n, err := a.novels.AssertOwner(r.Context(), act.UserID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req runPipelineRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Step != nil && (*req.Step < 1 || *req.Step > 5) {
		writeError(w, domain.ErrInvalidStep)
		return
	}

	paths, err := a.novels.Paths(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	logPath, err := jobLogPath(a.layout, n.OwnerUserID, n.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := a.scheduler.Start(r.Context(), n.OwnerUserID, n.ID, paths,
		domain.PipelineRunSpec{Step: req.Step, Force: req.Force, RedoChapter: req.RedoChapter}, logPath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}
