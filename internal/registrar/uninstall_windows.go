package registrar

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows/registry"
)

const uninstallKey = `Software\Microsoft\Windows\CurrentVersion\Uninstall\`

func entryKey(appID string) string {
	return uninstallKey + "Clickstart-" + appID
}

// writeUninstallEntry mirrors the record into the per-user uninstall key so the
// application shows up in the list of installed programs.
func writeUninstallEntry(rec *Record) error {
	key, _, err := registry.CreateKey(registry.CURRENT_USER, entryKey(rec.AppUID), registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("create uninstall key: %w", err)
	}
	defer func() {
		if err := key.Close(); err != nil {
			log.Warnf("failed to close uninstall key: %v", err)
		}
	}()

	values := map[string]string{
		"DisplayName":          rec.DisplayName,
		"Publisher":            rec.Publisher,
		"DisplayIcon":          rec.DisplayIcon,
		"InstallDate":          rec.InstallDate,
		"InstallLocation":      fmt.Sprintf("%q", rec.InstallLocation),
		"UninstallString":      rec.UninstallString,
		"QuietUninstallString": rec.QuietUninstallString,
	}
	for name, value := range values {
		if err := key.SetStringValue(name, value); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}

	noModify := uint32(0)
	if rec.NoModifyAndRepair {
		noModify = 1
	}
	for _, name := range []string{"NoModify", "NoRepair"} {
		if err := key.SetDWordValue(name, noModify); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	return nil
}

func removeUninstallEntry(appID string) error {
	err := registry.DeleteKey(registry.CURRENT_USER, entryKey(appID))
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return fmt.Errorf("delete uninstall key: %w", err)
	}
	return nil
}
