// Package lock serializes installer and launcher processes on one host. Ownership of the
// installation root is the exclusive creation of a well-known lock file.
//
// A lock file left behind by a crashed process is not detected by default and blocks
// every later installation until it is removed by hand. WithStaleOwnerCheck opts into
// breaking a lock whose recorded owner is no longer running on this host.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"

	"github.com/clickstart/clickstart/internal/failure"
)

// DefaultPollInterval is the delay between two attempts to create the lock file.
const DefaultPollInterval = 500 * time.Millisecond

// ErrCancelled is returned when the wait for the lock is aborted.
var ErrCancelled = errors.New("waiting for the install lock has been cancelled")

// Owner is written into the lock file for diagnostics.
type Owner struct {
	PID      int       `json:"pid"`
	Host     string    `json:"host"`
	Acquired time.Time `json:"acquired"`
}

func (o Owner) String() string {
	return fmt.Sprintf("pid %d on %s since %s", o.PID, o.Host, o.Acquired.Format(time.RFC3339))
}

// Handle is the ownership of a lock file.
type Handle struct {
	path string

	once sync.Once
	err  error
}

// Path returns the lock file.
func (h *Handle) Path() string {
	return h.path
}

// Release removes the lock file. Further calls return the result of the first.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			h.err = fmt.Errorf("remove lock file %s: %w", h.path, err)
			return
		}
		log.Debugf("released lock %s", h.path)
	})
	return h.err
}

type options struct {
	onWait          func(Owner)
	staleOwnerCheck bool
}

// Option configures Acquire.
type Option func(*options)

// OnWait registers fn to be called once, when the lock is found to be held by someone
// else. The owner is empty if it cannot be read.
func OnWait(fn func(Owner)) Option {
	return func(o *options) {
		o.onWait = fn
	}
}

// WithStaleOwnerCheck breaks a lock whose owner process is not alive on this host.
func WithStaleOwnerCheck() Option {
	return func(o *options) {
		o.staleOwnerCheck = true
	}
}

// Acquire creates the lock file at path, waiting pollInterval between attempts for as
// long as it exists. isCancelled is consulted after every wait; when it returns true, or
// ctx is done, the wait is aborted with an error wrapping ErrCancelled.
func Acquire(ctx context.Context, path string, pollInterval time.Duration, isCancelled func() bool, opts ...Option) (*Handle, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if isCancelled == nil {
		isCancelled = func() bool { return false }
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	var watcher *removalWatcher
	defer func() {
		watcher.Close()
	}()

	waiting := false
	for {
		h, err := tryCreate(path)
		if err == nil {
			log.Debugf("acquired lock %s", path)
			return h, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, failure.Wrap(failure.PermissionDenied, "acquire lock", err)
		}

		if o.staleOwnerCheck && breakStale(path) {
			continue
		}

		if !waiting {
			waiting = true
			owner, _ := ReadOwner(path)
			log.Infof("lock %s is held by %s, waiting", path, owner)
			if o.onWait != nil {
				o.onWait(owner)
			}
			// retry once the watcher is in place, a removal before that is not notified
			watcher = watchRemoval(path)
			continue
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, failure.Wrap(failure.Cancelled, "acquire lock", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
		case <-timer.C:
		case <-watcher.Removed():
			timer.Stop()
		}

		if isCancelled() {
			return nil, failure.Wrap(failure.Cancelled, "acquire lock", ErrCancelled)
		}
	}
}

func tryCreate(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	owner := Owner{PID: os.Getpid(), Host: host, Acquired: time.Now().UTC()}
	if err := json.NewEncoder(f).Encode(owner); err != nil {
		log.Warnf("failed to write owner into lock file %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		log.Warnf("failed to close lock file %s: %v", path, err)
	}

	return &Handle{path: path}, nil
}

// ReadOwner returns the owner recorded in the lock file at path.
func ReadOwner(path string) (Owner, error) {
	var owner Owner
	data, err := os.ReadFile(path)
	if err != nil {
		return owner, err
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		return owner, fmt.Errorf("invalid lock file content: %w", err)
	}
	return owner, nil
}

// breakStale removes the lock file when its owner ran on this host and is gone.
func breakStale(path string) bool {
	owner, err := ReadOwner(path)
	if err != nil {
		log.Debugf("cannot read owner of %s: %v", path, err)
		return false
	}

	host, _ := os.Hostname()
	if owner.Host != host || owner.PID <= 0 || owner.PID == os.Getpid() {
		return false
	}

	alive, err := process.PidExists(int32(owner.PID))
	if err != nil || alive {
		return false
	}

	log.Warnf("breaking stale lock %s held by %s", path, owner)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("failed to remove stale lock %s: %v", path, err)
		return false
	}
	return true
}

// removalWatcher signals the removal of the lock file so a waiter does not have to
// sleep for the full poll interval. Polling remains the fallback when the platform
// offers no notifications.
type removalWatcher struct {
	watcher *fsnotify.Watcher
	removed chan struct{}
	done    chan struct{}
}

func watchRemoval(path string) *removalWatcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debugf("lock file notifications unavailable: %v", err)
		return nil
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		log.Debugf("failed to watch %s: %v", filepath.Dir(path), err)
		_ = w.Close()
		return nil
	}

	rw := &removalWatcher{
		watcher: w,
		removed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go rw.run(filepath.Clean(path))
	return rw
}

func (rw *removalWatcher) run(path string) {
	defer close(rw.done)
	for {
		select {
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || !(event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
				continue
			}
			select {
			case rw.removed <- struct{}{}:
			default:
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			log.Debugf("lock watcher error: %v", err)
		}
	}
}

// Removed returns a channel receiving a value for each removal. A nil watcher returns a
// nil channel, which never fires.
func (rw *removalWatcher) Removed() <-chan struct{} {
	if rw == nil {
		return nil
	}
	return rw.removed
}

func (rw *removalWatcher) Close() {
	if rw == nil {
		return
	}
	if err := rw.watcher.Close(); err != nil {
		log.Debugf("failed to close lock watcher: %v", err)
	}
	<-rw.done
}
