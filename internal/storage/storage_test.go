package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLayout(t *testing.T) Layout {
	t.Helper()
	root := t.TempDir()
	return NewLayout(filepath.Join(root, "data"), "", "")
}

func TestUserNovelPathsShape(t *testing.T) {
	l := testLayout(t)
	paths, err := l.UserNovelPaths("alice", "novel-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(paths.SourceFile) != "source.txt" {
		t.Fatalf("unexpected source file: %s", paths.SourceFile)
	}
	if !filepathContains(paths.ChaptersDir, "alice") || !filepathContains(paths.ChaptersDir, "novel-1") {
		t.Fatalf("expected chapters dir to be scoped by owner and novel, got %s", paths.ChaptersDir)
	}
}

func TestValidateIDRejectsTraversal(t *testing.T) {
	l := testLayout(t)
	cases := []string{"../escape", "a/b", `a\b`, "", "  "}
	for _, c := range cases {
		if _, err := l.UserNovelPaths(c, "novel-1"); err == nil {
			t.Fatalf("expected error for owner id %q", c)
		}
		if _, err := l.UserNovelPaths("alice", c); err == nil {
			t.Fatalf("expected error for novel id %q", c)
		}
	}
}

func TestEnsureNovelDirsCreatesTree(t *testing.T) {
	l := testLayout(t)
	paths, err := l.EnsureNovelDirs("alice", "novel-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, dir := range []string{paths.InputDir, paths.ChaptersDir, paths.ScenesDir, paths.AnnotatedDir, paths.ProfilesDir, paths.VectorDBPath, paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory to exist: %s (%v)", dir, err)
		}
	}
}

func TestSessionsScopeDirUserVsGuestVsNovel(t *testing.T) {
	l := testLayout(t)

	userGlobal, err := l.SessionsScopeDir(SessionsScopeOpts{UserID: "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(userGlobal) != "global" {
		t.Fatalf("expected global scope dir, got %s", userGlobal)
	}

	userNovel, err := l.SessionsScopeDir(SessionsScopeOpts{UserID: "alice", NovelID: "novel-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(userNovel) != "novel-1" {
		t.Fatalf("expected novel-scoped dir, got %s", userNovel)
	}

	guestGlobal, err := l.SessionsScopeDir(SessionsScopeOpts{GuestID: "guest-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepathContains(guestGlobal, "guests") {
		t.Fatalf("expected guest root in path, got %s", guestGlobal)
	}
}

func TestSessionsScopeDirRequiresGuestID(t *testing.T) {
	l := testLayout(t)
	if _, err := l.SessionsScopeDir(SessionsScopeOpts{}); err == nil {
		t.Fatal("expected error when neither user nor guest id is set")
	}
}

func TestDeleteUserNovelRemovesWorkspace(t *testing.T) {
	l := testLayout(t)
	paths, err := l.EnsureNovelDirs("alice", "novel-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.DeleteUserNovel("alice", "novel-1", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(paths.NovelDir); !os.IsNotExist(err) {
		t.Fatalf("expected novel dir to be removed, stat err=%v", err)
	}
	if _, err := os.Stat(paths.VectorDBPath); !os.IsNotExist(err) {
		t.Fatalf("expected vector db dir to be removed, stat err=%v", err)
	}
}

func TestDeleteUserNovelMissingIsNoop(t *testing.T) {
	l := testLayout(t)
	if err := l.DeleteUserNovel("alice", "never-created", false); err != nil {
		t.Fatalf("expected no error deleting nonexistent novel, got %v", err)
	}
}

func filepathContains(path, part string) bool {
	for _, seg := range strings.Split(path, string(filepath.Separator)) {
		if seg == part {
			return true
		}
	}
	return false
}
