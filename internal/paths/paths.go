// Package paths describes where clickstart keeps its files. A Layout is created once by
// the command layer and passed to every component that touches the disk.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// HomeEnv overrides the default home directory.
	HomeEnv = "CLICKSTART_HOME"

	lockFileName         = ".lock"
	versionMarkerName    = ".version"
	appDescriptorName    = "launch.descriptor"
	updateResultFileName = "update-result.json"
)

// Layout is the set of directories and well-known files below the home directory.
type Layout struct {
	// Home is the root of everything clickstart writes.
	Home string
	// LauncherDir holds the extracted launcher bundle.
	LauncherDir string
	// AppsDir holds one sub directory per installed application.
	AppsDir string
	// TmpDir receives downloads before they are extracted.
	TmpDir string
	// LogsDir receives the rotated log files.
	LogsDir string
	// RegistryDir holds the installation records.
	RegistryDir string
	// ShortcutDirs are the directories desktop shortcuts are written to.
	// Empty disables shortcut creation.
	ShortcutDirs []string
}

// New returns the layout rooted at home.
func New(home string) Layout {
	return Layout{
		Home:        home,
		LauncherDir: filepath.Join(home, "launcher"),
		AppsDir:     filepath.Join(home, "apps"),
		TmpDir:      filepath.Join(home, "tmp"),
		LogsDir:     filepath.Join(home, "logs"),
		RegistryDir: filepath.Join(home, "registry"),
	}
}

// Default resolves the home directory from the environment and the current user and
// returns the layout rooted there, including the user's shortcut directories.
func Default() (Layout, error) {
	home, err := DefaultHome()
	if err != nil {
		return Layout{}, err
	}
	l := New(home)
	l.ShortcutDirs = defaultShortcutDirs()
	return l, nil
}

// Resolve returns the default layout, rooted at home instead when home is not empty.
// The user's shortcut directories are kept in both cases.
func Resolve(home string) (Layout, error) {
	l, err := Default()
	if err != nil {
		return Layout{}, err
	}
	if home == "" {
		return l, nil
	}

	abs, err := filepath.Abs(home)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve home directory: %w", err)
	}
	shortcuts := l.ShortcutDirs
	l = New(abs)
	l.ShortcutDirs = shortcuts
	return l, nil
}

// DefaultHome returns $CLICKSTART_HOME or the per-user default.
func DefaultHome() (string, error) {
	if home := os.Getenv(HomeEnv); home != "" {
		return filepath.Abs(home)
	}

	if runtime.GOOS == "windows" {
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "Clickstart"), nil
		}
	}

	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(userHome, ".clickstart"), nil
}

func defaultShortcutDirs() []string {
	if runtime.GOOS == "windows" {
		return nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(userHome, "Desktop"),
		filepath.Join(userHome, ".local", "share", "applications"),
	}
}

// LockFile is the file whose exclusive creation guards the home directory.
func (l Layout) LockFile() string {
	return filepath.Join(l.Home, lockFileName)
}

// UpdateResultFile is written by the launcher right before it relaunches itself.
func (l Layout) UpdateResultFile() string {
	return filepath.Join(l.Home, updateResultFileName)
}

// LauncherVersionFile records the version of the extracted launcher bundle.
func (l Layout) LauncherVersionFile() string {
	return filepath.Join(l.LauncherDir, versionMarkerName)
}

// LauncherExecutable is the native launcher shipped in the bundle.
func (l Layout) LauncherExecutable() string {
	return filepath.Join(l.LauncherDir, executable("clickstart"))
}

// ApplicationLauncher is the program the native launcher runs for an application.
// It exits with the update sentinel when a newer bundle is required.
func (l Layout) ApplicationLauncher() string {
	return filepath.Join(l.LauncherDir, "bin", executable("launcher"))
}

// AppDir is the home directory of the application with the given uid.
func (l Layout) AppDir(appUID string) string {
	return filepath.Join(l.AppsDir, appUID)
}

// AppDescriptor is the local descriptor the launcher is invoked with.
func (l Layout) AppDescriptor(appUID string) string {
	return filepath.Join(l.AppDir(appUID), appDescriptorName)
}

// RecordFile is the installation record of the application with the given uid.
func (l Layout) RecordFile(appUID string) string {
	return filepath.Join(l.RegistryDir, appUID+".json")
}

// Prepare creates the home, launcher, apps and registry directories.
func (l Layout) Prepare() error {
	for _, dir := range []string{l.Home, l.LauncherDir, l.AppsDir, l.RegistryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Writable reports whether files can be created in the home directory. The directory
// is created when missing.
func (l Layout) Writable() error {
	if err := os.MkdirAll(l.Home, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(l.Home, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	return errors.Join(f.Close(), os.Remove(name))
}

func executable(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}
