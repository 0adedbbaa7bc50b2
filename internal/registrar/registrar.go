// Package registrar records installed applications: a JSON installation record, desktop
// shortcuts and, on Windows, the per-user uninstall entry.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/clickstart/clickstart/internal/descriptor"
	"github.com/clickstart/clickstart/internal/failure"
	"github.com/clickstart/clickstart/internal/paths"
	"github.com/clickstart/clickstart/util"
)

// Registrar makes an installed application known to the operating system. Register must
// be idempotent: registering the same application twice does not duplicate shortcuts.
type Registrar interface {
	Register(appID string, d *descriptor.Descriptor, layout paths.Layout) error
	IsRegistered(appID string) bool
	Unregister(appID string) error
}

// Record is the persisted installation record.
type Record struct {
	AppUID               string   `json:"appUid"`
	DisplayName          string   `json:"displayName"`
	Publisher            string   `json:"publisher"`
	DisplayIcon          string   `json:"displayIcon,omitempty"`
	InstallLocation      string   `json:"installLocation"`
	Descriptor           string   `json:"descriptor"`
	InstallDate          string   `json:"installDate"`
	UninstallString      string   `json:"uninstallString"`
	QuietUninstallString string   `json:"quietUninstallString"`
	Shortcuts            []string `json:"shortcuts,omitempty"`
	NoModifyAndRepair    bool     `json:"noModifyAndRepair"`
}

// FileRegistrar keeps installation records as JSON files below the registry directory.
type FileRegistrar struct {
	layout paths.Layout
	now    func() time.Time
}

// NewFile returns a registrar storing its records in layout.RegistryDir.
func NewFile(layout paths.Layout) *FileRegistrar {
	return &FileRegistrar{
		layout: layout,
		now:    time.Now,
	}
}

// Register writes the installation record of appID. Shortcuts are only created when the
// existing record does not reference any shortcut that is still present.
func (r *FileRegistrar) Register(appID string, d *descriptor.Descriptor, layout paths.Layout) error {
	if appID == "" {
		return failure.New(failure.RegistrarFailure, "register", "application id is empty")
	}

	rec, err := r.Read(appID)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("replacing unreadable installation record of %s: %v", appID, err)
	}
	if rec == nil {
		rec = &Record{}
	}

	descriptorPath := layout.AppDescriptor(appID)
	launcher := layout.LauncherExecutable()

	rec.AppUID = appID
	rec.DisplayName = d.DisplayName()
	rec.Publisher = d.Publisher()
	rec.DisplayIcon = findIcon(layout.AppDir(appID))
	rec.InstallLocation = layout.AppDir(appID)
	rec.Descriptor = descriptorPath
	rec.InstallDate = r.now().Format("20060102")
	rec.UninstallString = fmt.Sprintf("%q --uninstall %q", launcher, descriptorPath)
	rec.QuietUninstallString = fmt.Sprintf("%q --unattended --uninstall %q", launcher, descriptorPath)
	rec.NoModifyAndRepair = true

	if !anyExists(rec.Shortcuts) {
		shortcuts, err := createShortcuts(layout.ShortcutDirs, appID, rec, launcher)
		if err != nil {
			return failure.Wrap(failure.RegistrarFailure, "register", err)
		}
		rec.Shortcuts = shortcuts
	} else {
		log.Debugf("shortcuts of %s already present", appID)
	}

	if err := util.WriteJson(context.Background(), r.layout.RecordFile(appID), rec); err != nil {
		return failure.Wrap(failure.RegistrarFailure, "register", fmt.Errorf("write installation record: %w", err))
	}

	if err := writeUninstallEntry(rec); err != nil {
		return failure.Wrap(failure.RegistrarFailure, "register", err)
	}

	log.Infof("registered %s", rec.DisplayName)
	return nil
}

// IsRegistered reports whether an installation record exists for appID.
func (r *FileRegistrar) IsRegistered(appID string) bool {
	return appID != "" && util.FileExists(r.layout.RecordFile(appID))
}

// Unregister removes the shortcuts, the uninstall entry and the record of appID. It
// continues past individual failures and reports all of them.
func (r *FileRegistrar) Unregister(appID string) error {
	var merr *multierror.Error

	rec, err := r.Read(appID)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		merr = multierror.Append(merr, err)
	}
	if rec != nil {
		for _, shortcut := range rec.Shortcuts {
			if err := os.Remove(shortcut); err != nil && !errors.Is(err, os.ErrNotExist) {
				merr = multierror.Append(merr, fmt.Errorf("remove shortcut: %w", err))
			}
		}
	}

	if err := removeUninstallEntry(appID); err != nil {
		merr = multierror.Append(merr, err)
	}

	if err := util.RemoveJson(r.layout.RecordFile(appID)); err != nil {
		merr = multierror.Append(merr, err)
	}

	if err := failure.FormatErrorOrNil(merr); err != nil {
		return failure.Wrap(failure.RegistrarFailure, "unregister", err)
	}

	log.Infof("unregistered %s", appID)
	return nil
}

// Read returns the installation record of appID.
func (r *FileRegistrar) Read(appID string) (*Record, error) {
	res, err := util.ReadJson(r.layout.RecordFile(appID), &Record{})
	if err != nil {
		return nil, err
	}
	return res.(*Record), nil
}

func anyExists(files []string) bool {
	for _, f := range files {
		if util.FileExists(f) {
			return true
		}
	}
	return false
}

func findIcon(appDir string) string {
	matches, err := filepath.Glob(filepath.Join(appDir, "icon.*"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	return matches[0]
}

func shortcutName(appID string) string {
	return "clickstart-" + strings.ToLower(appID) + ".desktop"
}
