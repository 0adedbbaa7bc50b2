package registrar

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickstart/clickstart/internal/descriptor"
	"github.com/clickstart/clickstart/internal/failure"
	"github.com/clickstart/clickstart/internal/paths"
)

func newTestLayout(t *testing.T) paths.Layout {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("writes to the user's uninstall registry key")
	}

	home := t.TempDir()
	layout := paths.New(home)
	desktop := filepath.Join(home, "Desktop")
	require.NoError(t, os.MkdirAll(desktop, 0o755))
	layout.ShortcutDirs = []string{desktop, filepath.Join(home, "missing")}
	require.NoError(t, os.MkdirAll(layout.AppDir("crm"), 0o755))
	return layout
}

func testDescriptor() *descriptor.Descriptor {
	return &descriptor.Descriptor{
		AppUID:        "crm",
		AppName:       "CRM",
		Vendor:        "ACME",
		InstanceGroup: "prod",
		Instance:      "eu",
		InstallApp:    true,
	}
}

func TestRegister(t *testing.T) {
	layout := newTestLayout(t)
	require.NoError(t, os.WriteFile(filepath.Join(layout.AppDir("crm"), "icon.png"), []byte("png"), 0o644))

	r := NewFile(layout)
	r.now = func() time.Time { return time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC) }

	assert.False(t, r.IsRegistered("crm"))
	require.NoError(t, r.Register("crm", testDescriptor(), layout))
	assert.True(t, r.IsRegistered("crm"))

	rec, err := r.Read("crm")
	require.NoError(t, err)
	assert.Equal(t, "CRM (prod - eu)", rec.DisplayName)
	assert.Equal(t, "ACME", rec.Publisher)
	assert.Equal(t, "20240309", rec.InstallDate)
	assert.Equal(t, filepath.Join(layout.AppDir("crm"), "icon.png"), rec.DisplayIcon)
	assert.Contains(t, rec.UninstallString, "--uninstall")
	assert.Contains(t, rec.QuietUninstallString, "--unattended --uninstall")
	require.Len(t, rec.Shortcuts, 1)

	content, err := os.ReadFile(rec.Shortcuts[0])
	require.NoError(t, err)
	assert.Contains(t, string(content), "Name=CRM (prod - eu)")
	assert.Contains(t, string(content), layout.AppDescriptor("crm"))
}

func TestRegister_Idempotent(t *testing.T) {
	layout := newTestLayout(t)
	r := NewFile(layout)

	require.NoError(t, r.Register("crm", testDescriptor(), layout))
	first, err := r.Read("crm")
	require.NoError(t, err)

	require.NoError(t, r.Register("crm", testDescriptor(), layout))
	second, err := r.Read("crm")
	require.NoError(t, err)
	assert.Equal(t, first.Shortcuts, second.Shortcuts)

	entries, err := os.ReadDir(layout.ShortcutDirs[0])
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRegister_RecreatesDeletedShortcuts(t *testing.T) {
	layout := newTestLayout(t)
	r := NewFile(layout)

	require.NoError(t, r.Register("crm", testDescriptor(), layout))
	rec, err := r.Read("crm")
	require.NoError(t, err)
	require.NoError(t, os.Remove(rec.Shortcuts[0]))

	require.NoError(t, r.Register("crm", testDescriptor(), layout))
	assert.FileExists(t, rec.Shortcuts[0])
}

func TestRegister_EmptyID(t *testing.T) {
	layout := newTestLayout(t)
	err := NewFile(layout).Register("", testDescriptor(), layout)
	assert.True(t, failure.Is(err, failure.RegistrarFailure))
}

func TestUnregister(t *testing.T) {
	layout := newTestLayout(t)
	r := NewFile(layout)

	require.NoError(t, r.Register("crm", testDescriptor(), layout))
	rec, err := r.Read("crm")
	require.NoError(t, err)

	require.NoError(t, r.Unregister("crm"))
	assert.False(t, r.IsRegistered("crm"))
	assert.NoFileExists(t, rec.Shortcuts[0])

	require.NoError(t, r.Unregister("crm"), "unregistering twice")
}

func TestQuoteExec(t *testing.T) {
	assert.Equal(t, `"/opt/my app/run"`, quoteExec("/opt/my app/run"))
	assert.Equal(t, `"a\"b\$c"`, quoteExec(`a"b$c`))
}
