// Package archive unpacks launcher bundles. A bundle wraps its payload in a single top
// level directory which is stripped on extraction.
package archive

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v3"
	log "github.com/sirupsen/logrus"

	"github.com/clickstart/clickstart/internal/failure"
	"github.com/clickstart/clickstart/internal/progress"
)

const taskUnpack = "Unpacking..."

// ErrTargetExists is returned when the target directory is already present. Callers
// delete a previous installation before extracting a new one.
var ErrTargetExists = errors.New("target directory already exists")

// SkippedEntry is an archive entry that would have been written outside the target.
type SkippedEntry struct {
	Name        string
	Destination string
}

// Result summarizes an extraction.
type Result struct {
	Entries   int
	Extracted int
	Skipped   []SkippedEntry
}

// Warnings returns one ExtractSkippedEntry failure per skipped entry.
func (r *Result) Warnings() []error {
	warnings := make([]error, 0, len(r.Skipped))
	for _, s := range r.Skipped {
		warnings = append(warnings, failure.New(failure.ExtractSkippedEntry, "extract",
			fmt.Sprintf("entry %q resolves to %s outside of the target directory", s.Name, s.Destination)))
	}
	return warnings
}

// Extract unpacks archivePath into targetDir, which must not exist yet. The archive
// format is derived from the file extension, so the caller names the file accordingly.
func Extract(archivePath, targetDir string, observer progress.Observer) (*Result, error) {
	if observer == nil {
		observer = progress.Nop
	}

	if _, err := os.Lstat(targetDir); err == nil {
		return nil, failure.Wrapf(failure.ExtractFailed, "extract", ErrTargetExists, "%s", targetDir)
	} else if !os.IsNotExist(err) {
		return nil, failure.Wrap(failure.ExtractFailed, "extract", err)
	}

	walker, err := walkerFor(archivePath)
	if err != nil {
		return nil, failure.Wrap(failure.ExtractFailed, "extract", err)
	}

	target, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, failure.Wrap(failure.ExtractFailed, "extract", err)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, failure.Wrap(failure.ExtractFailed, "extract", fmt.Errorf("create target directory: %w", err))
	}

	count, err := countEntries(walker, archivePath)
	if err != nil {
		return nil, failure.Wrap(failure.ExtractFailed, "extract", err)
	}
	progress.Subtask(observer, taskUnpack, int64(count))

	x := &extractor{target: target, result: &Result{Entries: count}}
	var walkErr error
	err = walker.Walk(archivePath, func(f archiver.File) error {
		if err := x.entry(f); err != nil {
			walkErr = err
			return err
		}
		progress.Work(observer, 1)
		return nil
	})
	if walkErr != nil {
		err = walkErr
	}
	if err != nil {
		return x.result, failure.Wrap(failure.ExtractFailed, "extract", err)
	}

	log.Infof("extracted %d of %d entries from %s to %s", x.result.Extracted, count, filepath.Base(archivePath), target)
	return x.result, nil
}

func walkerFor(archivePath string) (archiver.Walker, error) {
	format, err := archiver.ByExtension(archivePath)
	if err != nil {
		return nil, err
	}
	walker, ok := format.(archiver.Walker)
	if !ok {
		return nil, fmt.Errorf("format %T of %s cannot be walked", format, filepath.Base(archivePath))
	}
	return walker, nil
}

func countEntries(walker archiver.Walker, archivePath string) (int, error) {
	count := 0
	err := walker.Walk(archivePath, func(archiver.File) error {
		count++
		return nil
	})
	return count, err
}

type extractor struct {
	target string
	result *Result
}

func (x *extractor) entry(f archiver.File) error {
	name, kind := describe(f)

	dest, ok := x.resolve(name)
	if !ok {
		log.Warnf("archive entry contains invalid path. Expecting: %s but was %s", x.target, dest)
		x.result.Skipped = append(x.result.Skipped, SkippedEntry{Name: name, Destination: dest})
		return nil
	}

	switch kind {
	case kindDir:
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dest, err)
		}
	case kindFile:
		if err := writeFile(dest, f, f.Mode().Perm()); err != nil {
			return err
		}
	default:
		log.Warnf("skipping unsupported archive entry %s", name)
		return nil
	}

	x.result.Extracted++
	return nil
}

// resolve strips the top level directory from name and returns the destination below
// the target. ok is false when the destination escapes the target.
func (x *extractor) resolve(name string) (string, bool) {
	normalized := strings.TrimPrefix(strings.ReplaceAll(name, `\`, "/"), "./")
	extractName := normalized[strings.Index(normalized, "/")+1:]

	dest := filepath.Join(x.target, filepath.FromSlash(extractName))
	if dest == x.target || strings.HasPrefix(dest, x.target+string(filepath.Separator)) {
		return dest, true
	}
	return dest, false
}

type entryKind int

const (
	kindFile entryKind = iota
	kindDir
	kindOther
)

func describe(f archiver.File) (string, entryKind) {
	switch h := f.Header.(type) {
	case zip.FileHeader:
		if strings.HasSuffix(h.Name, "/") || f.IsDir() {
			return h.Name, kindDir
		}
		return h.Name, kindFile
	case *tar.Header:
		switch h.Typeflag {
		case tar.TypeDir:
			return h.Name, kindDir
		case tar.TypeReg:
			return h.Name, kindFile
		default:
			return h.Name, kindOther
		}
	default:
		if f.IsDir() {
			return f.Name(), kindDir
		}
		return f.Name(), kindFile
	}
}

func writeFile(dest string, r io.Reader, perm os.FileMode) (err error) {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", dest, err)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o200)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", dest, cerr)
		}
	}()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}

// Ext returns the extension Extract needs to recognize the format of a bundle called
// name. Bundles without a known extension are zip files.
func Ext(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range []string{".tar.gz", ".tgz", ".tar", ".zip"} {
		if strings.HasSuffix(lower, ext) {
			return ext
		}
	}
	return ".zip"
}
