package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewRejectsUnsafeIDs(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"", "../escape", "a/b", ".hidden", "run..1"} {
		if _, err := New(root, id); err == nil {
			t.Errorf("New(%q) expected error", id)
		}
	}
	if _, err := New("", "run-1"); err == nil {
		t.Error("expected error for empty root")
	}
}

func TestLayout(t *testing.T) {
	root := t.TempDir()
	ws, err := New(root, "run-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ws.Exists() {
		t.Error("workspace must not exist before Materialize")
	}
	if err := ws.Materialize(); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !ws.Exists() {
		t.Error("workspace should exist after Materialize")
	}

	want := map[string]string{
		"hypotheses":     filepath.Join(root, "run-1", "hypotheses.json"),
		"findings":       filepath.Join(root, "run-1", "analysis", "findings_ledger.json"),
		"progress":       filepath.Join(root, "run-1", "analysis", "progress.txt"),
		"memory":         filepath.Join(root, "run-1", "analysis", "memory_document.md"),
		"logs directory": filepath.Join(root, "run-1", "analysis", "logs"),
	}
	got := map[string]string{
		"hypotheses":     ws.HypothesesPath(),
		"findings":       ws.FindingsPath(),
		"progress":       ws.ProgressPath(),
		"memory":         ws.MemoryPath(),
		"logs directory": ws.LogsDir(),
	}
	for k, w := range want {
		if got[k] != w {
			t.Errorf("%s path = %s, want %s", k, got[k], w)
		}
	}

	for _, dir := range []string{ws.FilesDir(), ws.LogsDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", dir)
		}
	}
}

func TestSessionPaths(t *testing.T) {
	ws, _ := New(t.TempDir(), "run-1")

	p, err := ws.SessionPaths("H1")
	if err != nil {
		t.Fatalf("SessionPaths: %v", err)
	}
	if ws.Rel(p.ScriptsDir) != "analysis/sessions/H1/scripts" {
		t.Errorf("unexpected scripts dir %s", ws.Rel(p.ScriptsDir))
	}
	if ws.Rel(p.ArtifactsDir) != "analysis/sessions/H1/artifacts" {
		t.Errorf("unexpected artifacts dir %s", ws.Rel(p.ArtifactsDir))
	}
	if p.RunDir != ws.Dir {
		t.Errorf("RunDir = %s, want %s", p.RunDir, ws.Dir)
	}
	if _, err := os.Stat(p.ScriptsDir); err != nil {
		t.Errorf("scripts dir not created: %v", err)
	}

	if _, err := ws.SessionPaths("../H2"); err == nil {
		t.Error("expected error for unsafe hypothesis id")
	}
}

func TestImportAndListFiles(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sales.csv"), []byte("region,revenue\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "nested", "users.csv"), []byte("id\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ws, _ := New(t.TempDir(), "run-1")
	if err := ws.Materialize(); err != nil {
		t.Fatal(err)
	}

	files, err := ws.DataFiles()
	if err != nil || len(files) != 0 {
		t.Fatalf("expected no data files before import, got %v (%v)", files, err)
	}

	n, err := ws.ImportFiles(src)
	if err != nil {
		t.Fatalf("ImportFiles: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 files imported, got %d", n)
	}

	files, err = ws.DataFiles()
	if err != nil {
		t.Fatalf("DataFiles: %v", err)
	}
	want := []string{"analysis/files/nested/users.csv", "analysis/files/sales.csv"}
	if len(files) != len(want) || files[0] != want[0] || files[1] != want[1] {
		t.Errorf("DataFiles = %v, want %v", files, want)
	}
}

func TestImportSingleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "orders.csv")
	if err := os.WriteFile(src, []byte("id\n1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ws, _ := New(t.TempDir(), "run-1")
	n, err := ws.ImportFiles(src)
	if err != nil || n != 1 {
		t.Fatalf("ImportFiles = %d, %v", n, err)
	}
	if _, err := os.Stat(filepath.Join(ws.FilesDir(), "orders.csv")); err != nil {
		t.Errorf("imported file missing: %v", err)
	}
}

func TestListFilesMissingDir(t *testing.T) {
	files, err := ListFiles(filepath.Join(t.TempDir(), "nope"), t.TempDir())
	if err != nil {
		t.Fatalf("expected no error for missing dir, got %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected empty list, got %v", files)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "doc.json")

	if err := WriteFileAtomic(path, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteJSONAtomic(path, map[string]int{"v": 2}); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\n  \"v\": 2\n}\n" {
		t.Errorf("unexpected content %q", data)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}
