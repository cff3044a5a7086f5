// Package workspace lays out the on-disk tree of one investigation run.
//
// Layout (all paths under <root>/<run_id>):
//
//   hypotheses.json                      hypothesis ledger
//   analysis/findings_ledger.json        findings ledger
//   analysis/progress.txt                progress log
//   analysis/memory_document.md          compiled hand-off document
//   analysis/files/                      data files visible to sessions
//   analysis/logs/                       session logs (markdown + JSON summary)
//   analysis/sessions/<hid>/scripts/     scripts written by one session
//   analysis/sessions/<hid>/artifacts/   other files written by one session
//
// Every side effect of a session is scoped below its run directory.
package workspace

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	HypothesesFile = "hypotheses.json"
	AnalysisDir    = "analysis"
	FindingsFile   = "findings_ledger.json"
	ProgressFile   = "progress.txt"
	MemoryFile     = "memory_document.md"
	FilesDir       = "files"
	LogsDir        = "logs"
	SessionsDir    = "sessions"
	ScriptsDir     = "scripts"
	ArtifactsDir   = "artifacts"
)

var safeID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidID reports whether id can be used as a path component.
func ValidID(id string) bool {
	return safeID.MatchString(id) && !strings.Contains(id, "..")
}

// Workspace is the directory tree of one run.
type Workspace struct {
	Root  string
	RunID string
	Dir   string
}

// Paths are the per-hypothesis locations handed to a session.
type Paths struct {
	RunID string

	// RunDir is the run directory; sessions use it as their working directory.
	RunDir       string
	FilesDir     string
	LogsDir      string
	ScriptsDir   string
	ArtifactsDir string
}

// New returns the workspace of runID below root. Nothing is created on disk.
func New(root, runID string) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if !ValidID(runID) {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Workspace{Root: abs, RunID: runID, Dir: filepath.Join(abs, runID)}, nil
}

func (w *Workspace) AnalysisDir() string    { return filepath.Join(w.Dir, AnalysisDir) }
func (w *Workspace) HypothesesPath() string { return filepath.Join(w.Dir, HypothesesFile) }
func (w *Workspace) FindingsPath() string   { return filepath.Join(w.AnalysisDir(), FindingsFile) }
func (w *Workspace) ProgressPath() string   { return filepath.Join(w.AnalysisDir(), ProgressFile) }
func (w *Workspace) MemoryPath() string     { return filepath.Join(w.AnalysisDir(), MemoryFile) }
func (w *Workspace) FilesDir() string       { return filepath.Join(w.AnalysisDir(), FilesDir) }
func (w *Workspace) LogsDir() string        { return filepath.Join(w.AnalysisDir(), LogsDir) }

// Exists reports whether the run directory is present.
func (w *Workspace) Exists() bool {
	info, err := os.Stat(w.Dir)
	return err == nil && info.IsDir()
}

// Materialize creates the run-level directories.
func (w *Workspace) Materialize() error {
	for _, dir := range []string{w.FilesDir(), w.LogsDir(), filepath.Join(w.AnalysisDir(), SessionsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// SessionPaths creates and returns the directories of one hypothesis session.
func (w *Workspace) SessionPaths(hypothesisID string) (Paths, error) {
	if !ValidID(hypothesisID) {
		return Paths{}, fmt.Errorf("invalid hypothesis id %q", hypothesisID)
	}
	base := filepath.Join(w.AnalysisDir(), SessionsDir, hypothesisID)
	p := Paths{
		RunID:        w.RunID,
		RunDir:       w.Dir,
		FilesDir:     w.FilesDir(),
		LogsDir:      w.LogsDir(),
		ScriptsDir:   filepath.Join(base, ScriptsDir),
		ArtifactsDir: filepath.Join(base, ArtifactsDir),
	}
	for _, dir := range []string{p.FilesDir, p.LogsDir, p.ScriptsDir, p.ArtifactsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return p, nil
}

// Rel returns path relative to the run directory, using forward slashes.
func (w *Workspace) Rel(path string) string {
	rel, err := filepath.Rel(w.Dir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// DataFiles lists the data files available to sessions, relative to the run
// directory, sorted.
func (w *Workspace) DataFiles() ([]string, error) {
	return ListFiles(w.FilesDir(), w.Dir)
}

// ListFiles walks dir and returns regular files relative to base, sorted.
// A missing dir yields an empty list.
func ListFiles(dir, base string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.Type().IsRegular() {
			rel, relErr := filepath.Rel(base, path)
			if relErr != nil {
				return relErr
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// ImportFiles copies every regular file below src into the data files
// directory, keeping the relative layout. Returns the number of files copied.
func (w *Workspace) ImportFiles(src string) (int, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("stat data source: %w", err)
	}

	dst := w.FilesDir()
	if !info.IsDir() {
		if err := copyFile(src, filepath.Join(dst, filepath.Base(src))); err != nil {
			return 0, err
		}
		return 1, nil
	}

	count := 0
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if err := copyFile(path, filepath.Join(dst, rel)); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("import data files: %w", err)
	}
	return count, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// WriteFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path. Readers never observe a partial document.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return WriteFileAtomic(path, append(data, '\n'))
}
