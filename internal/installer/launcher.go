package installer

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/clickstart/clickstart/internal/archive"
	"github.com/clickstart/clickstart/internal/descriptor"
	"github.com/clickstart/clickstart/internal/downloader"
	"github.com/clickstart/clickstart/internal/failure"
	"github.com/clickstart/clickstart/internal/paths"
	"github.com/clickstart/clickstart/internal/progress"
	"github.com/clickstart/clickstart/util"
	"github.com/clickstart/clickstart/version"
)

// LauncherInstalled reports whether the launcher executable is present and at least as
// new as the version the descriptor requires.
func LauncherInstalled(layout paths.Layout, d *descriptor.Descriptor) bool {
	if !util.FileExists(layout.LauncherExecutable()) {
		return false
	}
	return !version.Outdated(InstalledLauncherVersion(layout), d.LauncherVersion)
}

// InstalledLauncherVersion returns the content of the version marker, empty if missing.
func InstalledLauncherVersion(layout paths.Layout) string {
	data, err := os.ReadFile(layout.LauncherVersionFile())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ReplaceLauncher downloads the bundle of d and extracts it into the launcher
// directory, replacing the previous content. The caller holds the install lock.
func ReplaceLauncher(ctx context.Context, layout paths.Layout, d *descriptor.Descriptor, mgr *downloader.Manager, observer progress.Observer) error {
	transfer := progress.NewTransfer(d.BundleURL)

	if err := os.MkdirAll(layout.TmpDir, 0o755); err != nil {
		return failure.Wrap(failure.PermissionDenied, "install launcher", err)
	}
	defer func() {
		if err := util.DeleteDir(layout.TmpDir); err != nil {
			log.Warnf("failed to clean up downloads: %v", err)
		}
	}()

	file, err := mgr.Fetch(ctx, d.BundleURL, layout.TmpDir, transfer)
	if err != nil {
		return err
	}

	name := file.SuggestedName
	if name == "" {
		name = urlBase(d.BundleURL)
	}
	bundle := strings.TrimSuffix(file.Path, filepath.Ext(file.Path)) + archive.Ext(name)
	if err := os.Rename(file.Path, bundle); err != nil {
		transfer.Fail(err.Error())
		return failure.Wrap(failure.Internal, "install launcher", err)
	}
	transfer.Retarget(bundle)

	// extraction requires the target to be absent
	if err := util.DeleteDir(layout.LauncherDir); err != nil {
		transfer.Fail(err.Error())
		return failure.Wrap(failure.PermissionDenied, "install launcher", err)
	}

	transfer.Extracting()
	res, err := archive.Extract(bundle, layout.LauncherDir, observer)
	if err != nil {
		transfer.Fail(err.Error())
		return err
	}
	for _, w := range res.Warnings() {
		log.Warn(w)
	}

	if err := util.WriteBytes(ctx, layout.LauncherVersionFile(), []byte(d.LauncherVersion+"\n"), 0o644); err != nil {
		transfer.Fail(err.Error())
		return failure.Wrap(failure.Internal, "install launcher", fmt.Errorf("write version marker: %w", err))
	}

	transfer.Installed()
	log.Infof("launcher %s", transfer.Snapshot())
	return nil
}

func urlBase(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return path.Base(u.Path)
}
