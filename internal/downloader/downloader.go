package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/clickstart/clickstart/internal/failure"
	"github.com/clickstart/clickstart/internal/progress"
	"github.com/clickstart/clickstart/internal/trust"
	"github.com/clickstart/clickstart/version"
)

const (
	userAgent    = "clickstart/%s"
	tempSuffix   = ".download"
	bufferSize   = 32 * 1024
	taskDownload = "Downloading..."
)

// File is a completed download.
type File struct {
	// Path is the temporary file holding the content.
	Path string
	// SuggestedName is the file name from the Content-Disposition header, if any.
	SuggestedName string
	Size          int64
}

// HTTPError describes a response with a non-2xx status.
type HTTPError struct {
	URL        string
	StatusCode int
	Reason     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("Request: %s\nStatus: %d\nResponse: %s", e.URL, e.StatusCode, e.Reason)
}

// Manager downloads files over pinned connections.
type Manager struct {
	client   *http.Client
	observer progress.Observer
}

// New returns a manager using client for every request. The client is expected to come
// from trust.Validator.HTTPClient.
func New(client *http.Client, observer progress.Observer) *Manager {
	if observer == nil {
		observer = progress.Nop
	}
	return &Manager{
		client:   client,
		observer: observer,
	}
}

// Download fetches url into a new temporary file in destDir and reports the progress.
func (m *Manager) Download(ctx context.Context, url, destDir string) (*File, error) {
	return m.Fetch(ctx, url, destDir, progress.NewTransfer(url))
}

// Fetch is Download with a transfer state owned by the caller.
func (m *Manager) Fetch(ctx context.Context, url, destDir string, transfer *progress.TransferState) (*File, error) {
	file, err := m.fetch(ctx, url, destDir, transfer, true)
	if err != nil {
		transfer.Fail(err.Error())
		return nil, err
	}
	return file, nil
}

// DownloadOptional fetches an optional resource such as the icon or the splash image.
// An empty url is not an error, nil is returned. No progress is reported.
func (m *Manager) DownloadOptional(ctx context.Context, url, destDir string) (*File, error) {
	if url == "" {
		return nil, nil
	}
	return m.fetch(ctx, url, destDir, progress.NewTransfer(url), false)
}

func (m *Manager) fetch(ctx context.Context, url, destDir string, transfer *progress.TransferState, report bool) (file *File, err error) {
	log.Debugf("starting download from %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, failure.Wrapf(failure.DownloadFailed, "download", err, "Request: %s", url)
	}
	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, version.ClickstartVersion()))

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, classify(ctx, url, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, failure.Wrap(failure.DownloadFailed, "download", &HTTPError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Reason:     reasonPhrase(resp),
		})
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, failure.Wrap(failure.DownloadFailed, "download", fmt.Errorf("create destination directory %q: %w", destDir, err))
	}

	dstFile := filepath.Join(destDir, uuid.NewString()+tempSuffix)
	out, err := os.OpenFile(dstFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, failure.Wrap(failure.DownloadFailed, "download", fmt.Errorf("failed to create destination file %q: %w", dstFile, err))
	}
	transfer.Retarget(dstFile)

	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = failure.Wrap(failure.DownloadFailed, "download", fmt.Errorf("close %q: %w", dstFile, cerr))
		}
		if err != nil {
			if rerr := os.Remove(dstFile); rerr != nil && !os.IsNotExist(rerr) {
				log.Warnf("failed to remove incomplete download %s: %v", dstFile, rerr)
			}
			file = nil
		}
	}()

	total := resp.ContentLength
	transfer.Start(total)
	if report {
		progress.SubtaskBytes(m.observer, taskDownload, total)
	}

	written, err := m.copy(out, resp.Body, transfer, report)
	if err != nil {
		return nil, classify(ctx, url, err)
	}

	log.Infof("downloaded %s from %s to %s", humanize.Bytes(uint64(written)), url, dstFile)

	return &File{
		Path:          dstFile,
		SuggestedName: fileNameFromDisposition(resp.Header.Get("Content-Disposition")),
		Size:          written,
	}, nil
}

func (m *Manager) copy(dst io.Writer, src io.Reader, transfer *progress.TransferState, report bool) (int64, error) {
	buf := make([]byte, bufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("failed to write response body to file: %w", werr)
			}
			written += int64(n)
			transfer.Advance(int64(n))
			if report {
				progress.Work(m.observer, int64(n))
			}
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func classify(ctx context.Context, url string, err error) error {
	switch {
	case trust.IsTrustError(err):
		return failure.Wrapf(failure.TrustError, "download", err, "Request: %s", url)
	case ctx.Err() != nil:
		return failure.Wrapf(failure.Cancelled, "download", ctx.Err(), "Request: %s", url)
	default:
		return failure.Wrapf(failure.DownloadFailed, "download", err, "Request: %s", url)
	}
}

func reasonPhrase(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); reason != "" {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}

// fileNameFromDisposition extracts the file name from a Content-Disposition header.
// Surrounding quotes are removed and only the base name is kept.
func fileNameFromDisposition(header string) string {
	if header == "" {
		return ""
	}

	var name string
	if _, params, err := mime.ParseMediaType(header); err == nil {
		name = params["filename"]
	} else {
		for _, part := range strings.Split(header, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && strings.EqualFold(strings.TrimSpace(key), "filename") {
				name = strings.TrimSpace(value)
				break
			}
		}
	}

	name = strings.Trim(name, `"`)
	if name == "" {
		return ""
	}
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
