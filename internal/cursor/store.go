// Package cursor persists, per workspace, the identifier of the last change
// handed to a build.
//
// The cursor lives in a single plain-text file inside the workspace's VCS
// control directory (<workspace>/.hg/currentBuildFile for Mercurial). The
// file holds exactly one line: the change identifier, or the sentinel "0"
// when nothing has been handed out yet. Writes are atomic and durable, so a
// reader sees either the previous value or the complete new one.
package cursor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sentinel is the cursor value before any change has been popped.
const Sentinel = "0"

// FileName is the name of the cursor file inside the control directory.
const FileName = "currentBuildFile"

// Store reads and writes cursor files.
type Store struct {
	controlDir string
}

// NewStore returns a store keeping cursors in <workspace>/<controlDir>.
func NewStore(controlDir string) (*Store, error) {
	if strings.TrimSpace(controlDir) == "" {
		return nil, errors.New("controlDir is required")
	}
	return &Store{controlDir: controlDir}, nil
}

// IsSentinel reports whether id is the "nothing processed yet" value.
func IsSentinel(id string) bool {
	return id == Sentinel
}

// Path returns the cursor file of workspace.
func (s *Store) Path(workspace string) string {
	return filepath.Join(workspace, s.controlDir, FileName)
}

// Read returns the stored identifier of workspace. A missing or empty file
// yields Sentinel.
func (s *Store) Read(workspace string) (string, error) {
	data, err := os.ReadFile(s.Path(workspace))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Sentinel, nil
		}
		return "", fmt.Errorf("read cursor: %w", err)
	}

	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return Sentinel, nil
	}
	return id, nil
}

// Write atomically replaces the stored identifier of workspace, creating
// the control directory if needed.
func (s *Store) Write(workspace, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("cursor id is required")
	}
	if strings.ContainsAny(id, "\r\n") {
		return fmt.Errorf("cursor id must be a single line: %q", id)
	}

	path := s.Path(workspace)
	if err := ensureDirDurable(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure control dir: %w", err)
	}
	if err := writeFileAtomicDurable(path, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	// Sync the new directory and its parent so the entry survives a crash.
	if err := fsyncDir(dir); err != nil {
		return err
	}
	if parent := filepath.Dir(dir); parent != dir {
		return fsyncDir(parent)
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
