// Package persist reads and writes the engine's versioned JSON state files.
//
// Every file carries a top-level "version" field. Writers go through a temp
// file in the same directory followed by a rename, so a crash mid-write
// leaves either the old file or the new one, never a torn one. Readers
// refuse files whose version does not match instead of guessing a layout.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrVersionMismatch is returned by ReadJSON when the file was written with
// a different format version.
var ErrVersionMismatch = errors.New("persisted state version mismatch")

type versionProbe struct {
	Version *int `json:"version"`
}

// WriteJSON atomically writes v as JSON to path.
func WriteJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadJSON decodes path into v after checking its version field.
// A missing file is reported as os.ErrNotExist (check with errors.Is).
func ReadJSON(path string, version int, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var probe versionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if probe.Version == nil {
		return fmt.Errorf("%s: no version field: %w", filepath.Base(path), ErrVersionMismatch)
	}
	if *probe.Version != version {
		return fmt.Errorf("%s: version %d, want %d: %w", filepath.Base(path), *probe.Version, version, ErrVersionMismatch)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Remove deletes path, treating a missing file as success.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}
