// Package storage derives the filesystem layout for user- and
// guest-scoped novel workspaces and keeps path arithmetic safe against
// traversal via crafted ids.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func validateID(value, name string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is empty", name)
	}
	if strings.ContainsAny(value, "/\\") || strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: invalid %s %q", name, value)
	}
	return value, nil
}

func isWithinDir(path, root string) bool {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	pathAbs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(rootAbs, pathAbs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Layout roots the three independent data trees a deployment manages:
// raw/derived novel artifacts, the local vector store, and pipeline logs.
type Layout struct {
	DataRoot     string
	VectorDBRoot string
	LogsRoot     string
}

// NewLayout builds a Layout, defaulting any empty root to a sibling
// directory of the others under dataRoot.
func NewLayout(dataRoot, vectorDBRoot, logsRoot string) Layout {
	if vectorDBRoot == "" {
		vectorDBRoot = filepath.Join(dataRoot, "vectordb")
	}
	if logsRoot == "" {
		logsRoot = filepath.Join(dataRoot, "logs")
	}
	return Layout{DataRoot: dataRoot, VectorDBRoot: vectorDBRoot, LogsRoot: logsRoot}
}

// UserRoot returns the root directory for a registered user's data.
func (l Layout) UserRoot(userID string) (string, error) {
	userID, err := validateID(userID, "user_id")
	if err != nil {
		return "", err
	}
	return filepath.Join(l.DataRoot, "users", userID), nil
}

// GuestRoot returns the root directory for an anonymous guest's data.
func (l Layout) GuestRoot(guestID string) (string, error) {
	guestID, err := validateID(guestID, "guest_id")
	if err != nil {
		return "", err
	}
	return filepath.Join(l.DataRoot, "guests", guestID), nil
}

// NovelPaths is the full set of directories and files a single novel's
// pipeline run reads from and writes to.
type NovelPaths struct {
	NovelDir      string
	InputDir      string
	SourceFile    string
	ChaptersDir   string
	ScenesDir     string
	AnnotatedDir  string
	ProfilesDir   string
	VectorDBPath  string
	LogDir        string
}

// UserNovelPaths computes every path belonging to a user-owned novel
// workspace without touching the filesystem.
func (l Layout) UserNovelPaths(ownerUserID, novelID string) (NovelPaths, error) {
	ownerUserID, err := validateID(ownerUserID, "owner_user_id")
	if err != nil {
		return NovelPaths{}, err
	}
	novelID, err = validateID(novelID, "novel_id")
	if err != nil {
		return NovelPaths{}, err
	}

	userRoot, err := l.UserRoot(ownerUserID)
	if err != nil {
		return NovelPaths{}, err
	}

	novelDir := filepath.Join(userRoot, "novels", novelID)
	inputDir := filepath.Join(novelDir, "input")

	return NovelPaths{
		NovelDir:     novelDir,
		InputDir:     inputDir,
		SourceFile:   filepath.Join(inputDir, "source.txt"),
		ChaptersDir:  filepath.Join(novelDir, "chapters"),
		ScenesDir:    filepath.Join(novelDir, "scenes"),
		AnnotatedDir: filepath.Join(novelDir, "annotated"),
		ProfilesDir:  filepath.Join(novelDir, "profiles"),
		VectorDBPath: filepath.Join(l.VectorDBRoot, "users", ownerUserID, novelID),
		LogDir:       filepath.Join(l.LogsRoot, "users", ownerUserID, "novels", novelID),
	}, nil
}

// SessionsScopeOpts selects the session-storage scope: a user or a guest,
// and optionally a single novel rather than the cross-novel global scope.
type SessionsScopeOpts struct {
	UserID  string
	GuestID string
	NovelID string
}

// SessionsScopeDir returns the directory under which session-state files
// for the given scope are stored. Exactly one of UserID/GuestID must be
// set; a guest id is required when UserID is empty since guest sessions
// have no other stable identity to key storage on.
func (l Layout) SessionsScopeDir(opts SessionsScopeOpts) (string, error) {
	var base string
	if opts.UserID != "" {
		root, err := l.UserRoot(opts.UserID)
		if err != nil {
			return "", err
		}
		base = filepath.Join(root, "sessions")
	} else {
		root, err := l.GuestRoot(opts.GuestID)
		if err != nil {
			return "", err
		}
		base = filepath.Join(root, "sessions")
	}

	if opts.NovelID != "" {
		novelID, err := validateID(opts.NovelID, "novel_id")
		if err != nil {
			return "", err
		}
		return filepath.Join(base, "novels", novelID), nil
	}
	return filepath.Join(base, "global"), nil
}

// EnsureNovelDirs computes a novel's paths and creates every directory
// in it, returning the computed paths for the caller to use immediately.
func (l Layout) EnsureNovelDirs(ownerUserID, novelID string) (NovelPaths, error) {
	paths, err := l.UserNovelPaths(ownerUserID, novelID)
	if err != nil {
		return NovelPaths{}, err
	}
	dirs := []string{
		paths.InputDir, paths.ChaptersDir, paths.ScenesDir,
		paths.AnnotatedDir, paths.ProfilesDir, paths.VectorDBPath, paths.LogDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return NovelPaths{}, fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}
	return paths, nil
}

// DeleteUserNovel removes a novel's workspace directory, and optionally
// its vector-store directory, refusing to act unless the resolved path
// is genuinely contained within the expected root (defense against a
// symlink or path-computation bug turning this into an arbitrary delete).
func (l Layout) DeleteUserNovel(ownerUserID, novelID string, deleteVectorDB bool) error {
	paths, err := l.UserNovelPaths(ownerUserID, novelID)
	if err != nil {
		return err
	}
	userRoot, err := l.UserRoot(ownerUserID)
	if err != nil {
		return err
	}

	if info, statErr := os.Stat(paths.NovelDir); statErr == nil && info.IsDir() {
		if !isWithinDir(paths.NovelDir, userRoot) {
			return fmt.Errorf("storage: refusing to delete %s outside %s", paths.NovelDir, userRoot)
		}
		if err := os.RemoveAll(paths.NovelDir); err != nil {
			return fmt.Errorf("storage: delete novel dir: %w", err)
		}
	}

	if deleteVectorDB {
		vdbRoot := filepath.Join(l.VectorDBRoot, "users", ownerUserID)
		if info, statErr := os.Stat(paths.VectorDBPath); statErr == nil && info.IsDir() {
			if !isWithinDir(paths.VectorDBPath, vdbRoot) {
				return fmt.Errorf("storage: refusing to delete %s outside %s", paths.VectorDBPath, vdbRoot)
			}
			if err := os.RemoveAll(paths.VectorDBPath); err != nil {
				return fmt.Errorf("storage: delete vector db dir: %w", err)
			}
		}
	}
	return nil
}
