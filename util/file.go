package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// WriteJson writes JSON object to a file creating parent directories if required.
// The output JSON is pretty-formatted and replaces the file atomically.
func WriteJson(ctx context.Context, file string, obj interface{}) error {
	bs, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return WriteBytes(ctx, file, bs, 0o644)
}

// WriteBytes writes bs to file using a temp file and a rename, so readers never observe
// partial content.
func WriteBytes(ctx context.Context, file string, bs []byte, perm os.FileMode) error {
	if ctx.Err() != nil {
		return fmt.Errorf("write bytes start: %w", ctx.Err())
	}

	dir, name := filepath.Split(file)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, ".*"+name)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tempFileName := tempFile.Name()

	defer func() {
		if _, err := os.Stat(tempFileName); err == nil {
			if err := os.Remove(tempFileName); err != nil {
				log.Debugf("failed to remove temp file %s: %v", tempFileName, err)
			}
		}
	}()

	if _, err = tempFile.Write(bs); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write: %w", err)
	}

	if err = tempFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tempFileName, err)
	}

	if err := os.Chmod(tempFileName, perm); err != nil {
		return fmt.Errorf("set permissions of %s: %w", tempFileName, err)
	}

	if ctx.Err() != nil {
		return fmt.Errorf("after temp file: %w", ctx.Err())
	}

	if err = os.Rename(tempFileName, file); err != nil {
		return fmt.Errorf("move %s to %s: %w", tempFileName, file, err)
	}

	return nil
}

// ReadJson reads JSON file and maps to a provided interface
func ReadJson(file string, res interface{}) (interface{}, error) {
	bs, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(bs, res); err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}

	return res, nil
}

// RemoveJson removes the specified JSON file if it exists
func RemoveJson(file string) error {
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove JSON file %s: %w", file, err)
	}

	return nil
}

// DeleteDir removes dir with its content. A missing directory is not an error.
func DeleteDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete directory %s: %w", dir, err)
	}
	return nil
}
