package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickstart/clickstart/internal/descriptor"
	"github.com/clickstart/clickstart/internal/failure"
	"github.com/clickstart/clickstart/internal/lock"
	"github.com/clickstart/clickstart/internal/paths"
	"github.com/clickstart/clickstart/internal/progress"
)

type fakeRegistrar struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
	err          error
}

func (f *fakeRegistrar) Register(appID string, _ *descriptor.Descriptor, _ paths.Layout) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, appID)
	return f.err
}

func (f *fakeRegistrar) IsRegistered(appID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.registered {
		if id == appID {
			return true
		}
	}
	return false
}

func (f *fakeRegistrar) Unregister(appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, appID)
	return f.err
}

func buildBundle(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	_, err := zw.Create("launcher-1.0/")
	require.NoError(t, err)

	for name, mode := range map[string]os.FileMode{
		"launcher-1.0/clickstart":   0o755,
		"launcher-1.0/bin/launcher": 0o755,
		"launcher-1.0/README":       0o644,
	} {
		h := &zip.FileHeader{Name: name, Method: zip.Deflate}
		h.SetMode(mode)
		w, err := zw.CreateHeader(h)
		require.NoError(t, err)
		_, err = w.Write([]byte("content of " + name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type testServer struct {
	*httptest.Server
	bundleHits atomic.Int32
	bundleCode atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	bundle := buildBundle(t)
	ts := &testServer{}
	ts.bundleCode.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("/launcher.zip", func(w http.ResponseWriter, r *http.Request) {
		ts.bundleHits.Add(1)
		if code := int(ts.bundleCode.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		_, _ = w.Write(bundle)
	})
	mux.HandleFunc("/icon", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="app.png"`)
		_, _ = w.Write([]byte("png"))
	})
	mux.HandleFunc("/splash", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	ts.Server = httptest.NewTLSServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) descriptor(installApp bool) *descriptor.Descriptor {
	d := &descriptor.Descriptor{
		BundleURL:       ts.URL + "/launcher.zip",
		RootCertificate: ts.Certificate(),
		InstallLauncher: true,
		LauncherVersion: "1.0.0",
	}
	if installApp {
		d.InstallApp = true
		d.AppUID = "crm"
		d.AppName = "CRM"
		d.Vendor = "ACME"
		d.InstanceGroup = "prod"
		d.Instance = "eu"
		d.IconURL = ts.URL + "/icon"
		d.SplashURL = ts.URL + "/splash"
	}
	return d
}

func newInstaller(layout paths.Layout, d *descriptor.Descriptor, reg *fakeRegistrar, rec *progress.Recorder, opts ...Option) *Installer {
	all := append([]Option{
		WithRegistrar(reg),
		WithObserver(rec),
		WithPollInterval(20 * time.Millisecond),
	}, opts...)
	return New(layout, d, all...)
}

func TestSetup_LauncherOnly(t *testing.T) {
	ts := newTestServer(t)
	layout := paths.New(t.TempDir())
	reg := &fakeRegistrar{}
	rec := &progress.Recorder{}

	err := newInstaller(layout, ts.descriptor(false), reg, rec).Setup(context.Background())
	require.NoError(t, err)

	assert.FileExists(t, layout.LauncherExecutable())
	assert.FileExists(t, layout.ApplicationLauncher())
	assert.Equal(t, "1.0.0", InstalledLauncherVersion(layout))
	assert.NoFileExists(t, layout.LockFile())
	assert.NoDirExists(t, layout.TmpDir)

	entries, err := os.ReadDir(layout.AppsDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no application directory without an application")
	assert.Empty(t, reg.registered)

	assert.Len(t, rec.OfKind(progress.LauncherInstalled), 1)
	info := rec.OfKind(progress.AppInfo)
	require.Len(t, info, 1)
	assert.Equal(t, launcherOnlyName, info[0].Name)
	assert.Empty(t, rec.OfKind(progress.Error))
}

func TestSetup_InstallApp(t *testing.T) {
	ts := newTestServer(t)
	layout := paths.New(t.TempDir())
	reg := &fakeRegistrar{}
	rec := &progress.Recorder{}

	err := newInstaller(layout, ts.descriptor(true), reg, rec).Setup(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"crm"}, reg.registered)
	assert.FileExists(t, filepath.Join(layout.AppDir("crm"), "icon.png"))
	assert.NoFileExists(t, filepath.Join(layout.AppDir("crm"), "splash"), "missing splash is ignored")

	icons := rec.OfKind(progress.IconLoaded)
	require.Len(t, icons, 1)
	assert.Equal(t, filepath.Join(layout.AppDir("crm"), "icon.png"), icons[0].Path)
	assert.Empty(t, rec.OfKind(progress.LauncherInstalled))

	local, err := descriptor.LoadFile(layout.AppDescriptor("crm"))
	require.NoError(t, err)
	assert.Equal(t, "crm", local.AppUID)
	assert.True(t, local.RootCertificate.Equal(ts.Certificate()))
}

func TestSetup_SkipsUpToDateLauncher(t *testing.T) {
	ts := newTestServer(t)
	layout := paths.New(t.TempDir())
	require.NoError(t, os.MkdirAll(layout.LauncherDir, 0o755))
	require.NoError(t, os.WriteFile(layout.LauncherExecutable(), []byte("old"), 0o755))
	require.NoError(t, os.WriteFile(layout.LauncherVersionFile(), []byte("2.0.0\n"), 0o644))

	err := newInstaller(layout, ts.descriptor(false), &fakeRegistrar{}, &progress.Recorder{}).Setup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ts.bundleHits.Load())
}

func TestSetup_ReplacesOutdatedLauncher(t *testing.T) {
	ts := newTestServer(t)
	layout := paths.New(t.TempDir())
	require.NoError(t, os.MkdirAll(layout.LauncherDir, 0o755))
	require.NoError(t, os.WriteFile(layout.LauncherExecutable(), []byte("old"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(layout.LauncherDir, "stale.jar"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(layout.LauncherVersionFile(), []byte("0.9.0\n"), 0o644))

	err := newInstaller(layout, ts.descriptor(false), &fakeRegistrar{}, &progress.Recorder{}).Setup(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 1, ts.bundleHits.Load())
	assert.NoFileExists(t, filepath.Join(layout.LauncherDir, "stale.jar"))
	assert.Equal(t, "1.0.0", InstalledLauncherVersion(layout))
}

func TestSetup_InvalidDescriptor(t *testing.T) {
	layout := paths.New(t.TempDir())
	rec := &progress.Recorder{}

	err := newInstaller(layout, nil, &fakeRegistrar{}, rec).Setup(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.ConfigInvalid))
	assert.Contains(t, err.Error(), "Configuration is invalid or corrupt.")
	assert.Len(t, rec.OfKind(progress.Error), 1)
	assert.NoDirExists(t, layout.LauncherDir)
}

func TestSetup_DownloadFailed(t *testing.T) {
	ts := newTestServer(t)
	ts.bundleCode.Store(http.StatusNotFound)
	layout := paths.New(t.TempDir())
	rec := &progress.Recorder{}

	err := newInstaller(layout, ts.descriptor(false), &fakeRegistrar{}, rec).Setup(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.DownloadFailed))
	assert.Contains(t, err.Error(), "Status: 404")
	assert.NoFileExists(t, layout.LauncherExecutable())
	assert.NoFileExists(t, layout.LockFile())
	assert.Len(t, rec.OfKind(progress.Error), 1)
}

func TestSetup_UntrustedServer(t *testing.T) {
	ts := newTestServer(t)

	// every httptest server presents the same certificate
	d := ts.descriptor(false)
	d.RootCertificate = selfSignedCertificate(t)
	layout := paths.New(t.TempDir())

	err := newInstaller(layout, d, &fakeRegistrar{}, &progress.Recorder{}).Setup(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.TrustError))
	assert.Zero(t, ts.bundleHits.Load())
}

func TestSetup_CancelWhileWaitingForLock(t *testing.T) {
	ts := newTestServer(t)
	layout := paths.New(t.TempDir())
	require.NoError(t, layout.Prepare())

	held, err := lock.Acquire(context.Background(), layout.LockFile(), time.Millisecond, nil)
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	var inst *Installer
	observer := progress.ObserverFunc(func(e progress.Event) {
		if e.Kind == progress.Waiting {
			inst.Cancel()
		}
	})
	inst = New(layout, ts.descriptor(false), WithObserver(observer), WithRegistrar(&fakeRegistrar{}), WithPollInterval(10*time.Millisecond))

	err = inst.Setup(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Cancelled))
	assert.ErrorIs(t, err, lock.ErrCancelled)
	assert.Zero(t, ts.bundleHits.Load())
	assert.NoFileExists(t, layout.LauncherExecutable())
	assert.FileExists(t, layout.LockFile(), "the lock of the other process is untouched")
}

func selfSignedCertificate(t *testing.T) *x509.Certificate {
	t.Helper()
	cert, _ := selfSignedPair(t)
	return cert
}

func selfSignedPair(t *testing.T) (*x509.Certificate, tls.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}
}

// newForeignServer serves the icon with a certificate that differs from the pinned one.
func newForeignServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	hits := &atomic.Int32{}
	_, pair := selfSignedPair(t)
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("png"))
	}))
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{pair}}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv, hits
}

func TestSetup_IconFromUntrustedServer(t *testing.T) {
	ts := newTestServer(t)
	foreign, hits := newForeignServer(t)
	layout := paths.New(t.TempDir())
	reg := &fakeRegistrar{}
	rec := &progress.Recorder{}

	d := ts.descriptor(true)
	d.IconURL = foreign.URL + "/icon.png"

	err := newInstaller(layout, d, reg, rec).Setup(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.TrustError))
	assert.Zero(t, hits.Load(), "no request reaches the server")
	assert.Zero(t, ts.bundleHits.Load(), "setup stops before the launcher")
	assert.Empty(t, reg.registered)
	assert.Empty(t, rec.OfKind(progress.IconLoaded))
	assert.Len(t, rec.OfKind(progress.Error), 1)
	assert.NoFileExists(t, layout.LockFile())
}

func TestSetup_SplashFromUntrustedServer(t *testing.T) {
	ts := newTestServer(t)
	foreign, _ := newForeignServer(t)
	layout := paths.New(t.TempDir())
	reg := &fakeRegistrar{}

	d := ts.descriptor(true)
	d.SplashURL = foreign.URL + "/splash.png"

	err := newInstaller(layout, d, reg, &progress.Recorder{}).Setup(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.TrustError))
	assert.Empty(t, reg.registered)
	assert.NoFileExists(t, layout.LockFile())
}

func TestSetup_ReadOnlyHome(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("directory permissions are not enforced through the mode bits")
	}
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	ts := newTestServer(t)
	home := t.TempDir()
	require.NoError(t, os.Chmod(home, 0o500))
	t.Cleanup(func() { _ = os.Chmod(home, 0o755) })
	layout := paths.New(home)
	rec := &progress.Recorder{}

	err := newInstaller(layout, ts.descriptor(true), &fakeRegistrar{}, rec).Setup(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.PermissionDenied))
	assert.Contains(t, err.Error(), "Installation directory is read-only. Please check permissions.")
	assert.Contains(t, err.Error(), paths.HomeEnv+"="+home)
	assert.Len(t, rec.OfKind(progress.Error), 1)
	assert.Empty(t, rec.OfKind(progress.AppInfo))
	assert.NoFileExists(t, layout.LockFile())
	assert.Zero(t, ts.bundleHits.Load())
}

func TestSetup_RegistrarFailure(t *testing.T) {
	ts := newTestServer(t)
	layout := paths.New(t.TempDir())
	reg := &fakeRegistrar{err: errors.New("shortcut directory is missing")}
	rec := &progress.Recorder{}

	err := newInstaller(layout, ts.descriptor(true), reg, rec).Setup(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.RegistrarFailure))
	assert.Contains(t, err.Error(), "shortcut directory is missing")
	assert.Equal(t, []string{"crm"}, reg.registered)
	assert.FileExists(t, layout.LauncherExecutable(), "the launcher is kept")
	assert.FileExists(t, layout.AppDescriptor("crm"))
	assert.NoFileExists(t, layout.LockFile())
	assert.Len(t, rec.OfKind(progress.Error), 1)
}

func TestSetup_UnloadableDescriptor(t *testing.T) {
	layout := paths.New(t.TempDir())
	rec := &progress.Recorder{}
	loadErr := failure.New(failure.ConfigInvalid, "load descriptor", "line 1: unknown key \"unknown\"")

	err := newInstaller(layout, nil, &fakeRegistrar{}, rec, WithLoadError(loadErr)).Setup(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.ConfigInvalid))
	assert.Contains(t, err.Error(), "Configuration is invalid or corrupt.")
	assert.Contains(t, err.Error(), `unknown key "unknown"`)
	assert.NotContains(t, err.Error(), "no descriptor")
	assert.Len(t, rec.OfKind(progress.Error), 1)
	assert.NoFileExists(t, layout.LockFile())
}

func TestSetup_UpdatesExistingRegistration(t *testing.T) {
	ts := newTestServer(t)
	layout := paths.New(t.TempDir())
	reg := &fakeRegistrar{}

	first := &progress.Recorder{}
	require.NoError(t, newInstaller(layout, ts.descriptor(true), reg, first).Setup(context.Background()))
	second := &progress.Recorder{}
	require.NoError(t, newInstaller(layout, ts.descriptor(true), reg, second).Setup(context.Background()))

	assert.Equal(t, []string{"crm", "crm"}, reg.registered, "shortcuts are restored on every setup")
	assert.Equal(t, []string{taskRegister}, registrationTasks(first))
	assert.Equal(t, []string{taskUpdate}, registrationTasks(second))
}

func registrationTasks(rec *progress.Recorder) []string {
	var tasks []string
	for _, e := range rec.OfKind(progress.SubtaskStarted) {
		if e.Task == taskRegister || e.Task == taskUpdate {
			tasks = append(tasks, e.Task)
		}
	}
	return tasks
}

func TestLaunch(t *testing.T) {
	ts := newTestServer(t)
	layout := paths.New(t.TempDir())

	var started *exec.Cmd
	inst := newInstaller(layout, ts.descriptor(true), &fakeRegistrar{}, &progress.Recorder{})
	inst.start = func(cmd *exec.Cmd) error {
		started = cmd
		return nil
	}

	require.NoError(t, inst.Launch())
	require.NotNil(t, started)
	assert.Equal(t, []string{layout.LauncherExecutable(), layout.AppDescriptor("crm")}, started.Args)
}

func TestUninstall(t *testing.T) {
	ts := newTestServer(t)
	layout := paths.New(t.TempDir())
	reg := &fakeRegistrar{}
	d := ts.descriptor(true)

	require.NoError(t, newInstaller(layout, d, reg, &progress.Recorder{}).Setup(context.Background()))
	require.DirExists(t, layout.AppDir("crm"))

	err := newInstaller(layout, nil, reg, &progress.Recorder{}).Uninstall(context.Background(), layout.AppDescriptor("crm"))
	require.NoError(t, err)
	assert.Equal(t, []string{"crm"}, reg.unregistered)
	assert.NoDirExists(t, layout.AppDir("crm"))
	assert.FileExists(t, layout.LauncherExecutable(), "the launcher stays")
	assert.NoFileExists(t, layout.LockFile())
}

func TestUninstall_MissingDescriptor(t *testing.T) {
	layout := paths.New(t.TempDir())
	err := newInstaller(layout, nil, &fakeRegistrar{}, &progress.Recorder{}).Uninstall(context.Background(), filepath.Join(layout.Home, "missing"))
	require.Error(t, err)
}
