// Package installer provisions the launcher and an application onto the machine. It is
// the worker behind the installer binary and the uninstall switch of the launcher.
package installer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/clickstart/clickstart/internal/descriptor"
	"github.com/clickstart/clickstart/internal/downloader"
	"github.com/clickstart/clickstart/internal/failure"
	"github.com/clickstart/clickstart/internal/lock"
	"github.com/clickstart/clickstart/internal/paths"
	"github.com/clickstart/clickstart/internal/progress"
	"github.com/clickstart/clickstart/internal/registrar"
	"github.com/clickstart/clickstart/internal/trust"
	"github.com/clickstart/clickstart/util"
)

const (
	taskWaiting   = "Waiting for other installations to finish..."
	taskPreparing = "Preparing..."
	taskRegister  = "Registering application..."
	taskUpdate    = "Updating application registration..."

	launcherOnlyName   = "Clickstart Launcher"
	launcherOnlyVendor = "Clickstart Team"
)

// Installer runs Setup and Uninstall for one descriptor.
type Installer struct {
	layout    paths.Layout
	desc      *descriptor.Descriptor
	observer  progress.Observer
	registrar registrar.Registrar
	client    *http.Client
	loadErr   error

	pollInterval time.Duration
	lockOptions  []lock.Option
	start        func(cmd *exec.Cmd) error

	cancelled atomic.Bool
}

// Option configures an Installer.
type Option func(*Installer)

// WithObserver sends progress events to o.
func WithObserver(o progress.Observer) Option {
	return func(i *Installer) {
		i.observer = o
	}
}

// WithRegistrar replaces the file based registrar.
func WithRegistrar(r registrar.Registrar) Option {
	return func(i *Installer) {
		i.registrar = r
	}
}

// WithHTTPClient replaces the client pinned to the descriptor certificate.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Installer) {
		i.client = c
	}
}

// WithLoadError records why no descriptor could be loaded. Setup reports it as the
// reason of the configuration error.
func WithLoadError(err error) Option {
	return func(i *Installer) {
		i.loadErr = err
	}
}

// WithPollInterval sets the delay between two attempts to acquire the install lock.
func WithPollInterval(d time.Duration) Option {
	return func(i *Installer) {
		i.pollInterval = d
	}
}

// WithLockOptions passes additional options to lock.Acquire.
func WithLockOptions(opts ...lock.Option) Option {
	return func(i *Installer) {
		i.lockOptions = append(i.lockOptions, opts...)
	}
}

// New returns an installer for desc. desc may be nil, Setup then fails with a
// configuration error.
func New(layout paths.Layout, desc *descriptor.Descriptor, opts ...Option) *Installer {
	i := &Installer{
		layout:       layout,
		desc:         desc,
		observer:     progress.Nop,
		registrar:    registrar.NewFile(layout),
		pollInterval: lock.DefaultPollInterval,
		start:        startDetached,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.client == nil && desc != nil && desc.RootCertificate != nil {
		i.client = trust.FromDescriptor(desc).HTTPClient()
	}
	return i
}

// Cancel aborts a pending wait for the install lock. Work that already started runs to
// completion.
func (i *Installer) Cancel() {
	i.cancelled.Store(true)
}

func (i *Installer) isCancelled() bool {
	return i.cancelled.Load()
}

// Setup installs the launcher, when missing or outdated, and the application of the
// descriptor. A failure is reported once to the observer before it is returned.
func (i *Installer) Setup(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			i.observer.Notify(progress.Event{Kind: progress.Error, Message: err.Error()})
		}
	}()

	if err := i.checkDescriptor(); err != nil {
		return err
	}

	if err := i.layout.Writable(); err != nil {
		log.Errorf("home directory %s is not writable: %v", i.layout.Home, err)
		return failure.New(failure.PermissionDenied, "setup",
			fmt.Sprintf("Installation directory is read-only. Please check permissions.\n\n%s=%s", paths.HomeEnv, i.layout.Home))
	}
	i.appInfo()

	if err := i.layout.Prepare(); err != nil {
		return failure.Wrap(failure.PermissionDenied, "setup", err)
	}
	if i.desc.CanInstallApp() {
		if err := os.MkdirAll(i.layout.AppDir(i.desc.AppUID), 0o755); err != nil {
			return failure.Wrap(failure.PermissionDenied, "setup", err)
		}
	}

	progress.Subtask(i.observer, taskWaiting, -1)
	handle, err := i.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Release(); err != nil {
			log.Warnf("failed to release install lock: %v", err)
		}
	}()

	// only the wait for the lock can be cancelled
	ctx = context.WithoutCancel(ctx)
	mgr := downloader.New(i.client, i.observer)

	if i.desc.CanInstallApp() {
		progress.Subtask(i.observer, taskPreparing, -1)
		if err := i.downloadIcon(ctx, mgr); err != nil {
			return err
		}
		if err := i.downloadSplash(ctx, mgr); err != nil {
			return err
		}
	}

	if !LauncherInstalled(i.layout, i.desc) {
		if err := ReplaceLauncher(ctx, i.layout, i.desc, mgr, i.observer); err != nil {
			return err
		}
	} else {
		log.Infof("launcher %s is up to date", InstalledLauncherVersion(i.layout))
	}

	if !i.desc.CanInstallApp() {
		i.observer.Notify(progress.Event{Kind: progress.LauncherInstalled})
		return nil
	}
	return i.installApplication(ctx)
}

func (i *Installer) checkDescriptor() error {
	var problem error
	if i.desc == nil {
		problem = i.loadErr
		if problem == nil {
			problem = fmt.Errorf("no descriptor")
		}
	} else if err := i.desc.Validate(); err != nil {
		problem = err
	} else if !i.desc.CanInstallLauncher() {
		problem = fmt.Errorf("descriptor does not allow to install the launcher")
	}
	if problem == nil {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("Configuration is invalid or corrupt.\n\n")
	fmt.Fprintf(&sb, "Reason:\n%v\n\n", problem)
	fmt.Fprintf(&sb, "Configuration:\n%s\n", i.desc)
	fmt.Fprintf(&sb, "Embedded:\n%s", descriptor.EmbeddedText())
	return failure.New(failure.ConfigInvalid, "setup", sb.String())
}

func (i *Installer) appInfo() {
	if !i.desc.CanInstallApp() {
		i.observer.Notify(progress.Event{Kind: progress.AppInfo, Name: launcherOnlyName, Vendor: launcherOnlyVendor})
		return
	}
	i.observer.Notify(progress.Event{Kind: progress.AppInfo, Name: i.desc.AppName, Vendor: i.desc.Vendor})
}

func (i *Installer) acquire(ctx context.Context) (*lock.Handle, error) {
	opts := append([]lock.Option{
		lock.OnWait(func(owner lock.Owner) {
			i.observer.Notify(progress.Event{Kind: progress.Waiting, Message: "another installation is in progress"})
		}),
	}, i.lockOptions...)

	handle, err := lock.Acquire(ctx, i.layout.LockFile(), i.pollInterval, i.isCancelled, opts...)
	if failure.Is(err, failure.Cancelled) {
		return nil, failure.Wrapf(failure.Cancelled, "setup", err, "Installation has been canceled by the user.")
	}
	return handle, err
}

func (i *Installer) downloadIcon(ctx context.Context, mgr *downloader.Manager) error {
	file, err := i.storeOptional(ctx, mgr, i.desc.IconURL, "icon")
	if err != nil {
		return err
	}
	if file != "" {
		i.observer.Notify(progress.Event{Kind: progress.IconLoaded, Path: file})
	}
	return nil
}

func (i *Installer) downloadSplash(ctx context.Context, mgr *downloader.Manager) error {
	_, err := i.storeOptional(ctx, mgr, i.desc.SplashURL, "splash")
	return err
}

// storeOptional downloads an optional resource into the application directory as
// <base><ext>. A server failing the certificate pin aborts the setup, any other
// failure is logged and ignored.
func (i *Installer) storeOptional(ctx context.Context, mgr *downloader.Manager, rawURL, base string) (string, error) {
	appDir := i.layout.AppDir(i.desc.AppUID)
	file, err := mgr.DownloadOptional(ctx, rawURL, appDir)
	if err != nil {
		if trust.IsTrustError(err) {
			log.Errorf("application %s served by an untrusted server: %v", base, err)
			return "", err
		}
		log.Warnf("cannot download application %s: %v", base, err)
		return "", nil
	}
	if file == nil {
		return "", nil
	}

	ext := path.Ext(file.SuggestedName)
	if ext == "" {
		if u, err := url.Parse(rawURL); err == nil {
			ext = path.Ext(u.Path)
		}
	}

	target := filepath.Join(appDir, base+ext)
	if err := os.Rename(file.Path, target); err != nil {
		log.Warnf("cannot store application %s: %v", base, err)
		_ = os.Remove(file.Path)
		return "", nil
	}
	return target, nil
}

func (i *Installer) installApplication(ctx context.Context) error {
	var buf bytes.Buffer
	if err := i.desc.Encode(&buf); err != nil {
		return failure.Wrap(failure.Internal, "install application", err)
	}

	// always rewritten as the previous copy may be outdated
	descriptorPath := i.layout.AppDescriptor(i.desc.AppUID)
	if err := util.WriteBytes(ctx, descriptorPath, buf.Bytes(), 0o644); err != nil {
		return failure.Wrap(failure.PermissionDenied, "install application", err)
	}

	registered := i.registrar.IsRegistered(i.desc.AppUID)
	if registered {
		progress.Subtask(i.observer, taskUpdate, -1)
	} else {
		progress.Subtask(i.observer, taskRegister, -1)
	}
	// Register runs again for a known application to restore removed shortcuts
	if err := i.registrar.Register(i.desc.AppUID, i.desc, i.layout); err != nil {
		return failure.Wrap(failure.RegistrarFailure, "install application", err)
	}

	if registered {
		log.Infof("updated %s", i.desc.DisplayName())
	} else {
		log.Infof("installed %s", i.desc.DisplayName())
	}
	return nil
}

// Launch starts the launcher with the installed application and returns without
// waiting for it.
func (i *Installer) Launch() error {
	if !i.desc.CanInstallApp() {
		return failure.New(failure.ConfigInvalid, "launch", "no application to launch")
	}
	cmd := exec.Command(i.layout.LauncherExecutable(), i.layout.AppDescriptor(i.desc.AppUID))
	if err := i.start(cmd); err != nil {
		return failure.Wrap(failure.Internal, "launch", err)
	}
	return nil
}

// Uninstall removes the application described by the descriptor at descriptorPath. The
// descriptor is read before anything is deleted since it lives in the application
// directory.
func (i *Installer) Uninstall(ctx context.Context, descriptorPath string) (err error) {
	defer func() {
		if err != nil {
			i.observer.Notify(progress.Event{Kind: progress.Error, Message: err.Error()})
		}
	}()

	d, err := descriptor.LoadFile(descriptorPath)
	if err != nil {
		return err
	}
	if d.AppUID == "" {
		return failure.New(failure.ConfigInvalid, "uninstall", "descriptor does not name an application")
	}

	progress.Subtask(i.observer, taskWaiting, -1)
	handle, err := i.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Release(); err != nil {
			log.Warnf("failed to release install lock: %v", err)
		}
	}()

	var merr *multierror.Error
	if err := i.registrar.Unregister(d.AppUID); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := util.DeleteDir(i.layout.AppDir(d.AppUID)); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := failure.FormatErrorOrNil(merr); err != nil {
		return failure.Wrap(failure.RegistrarFailure, "uninstall", err)
	}

	log.Infof("uninstalled %s", d.DisplayName())
	return nil
}

func startDetached(cmd *exec.Cmd) error {
	util.SetDetachedProcAttr(cmd)
	log.Infof("starting %s", cmd.String())
	if err := cmd.Start(); err != nil {
		return err
	}
	if err := cmd.Process.Release(); err != nil {
		log.Warnf("failed to release process: %v", err)
	}
	return nil
}
