package registrar

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// createShortcuts writes one desktop entry per existing directory in dirs. Directories
// that do not exist are skipped.
func createShortcuts(dirs []string, appID string, rec *Record, launcher string) ([]string, error) {
	var created []string
	for _, dir := range dirs {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			log.Debugf("skipping shortcut directory %s", dir)
			continue
		}

		file := filepath.Join(dir, shortcutName(appID))
		if err := os.WriteFile(file, []byte(desktopEntry(rec, launcher)), 0o755); err != nil {
			return created, fmt.Errorf("create shortcut %s: %w", file, err)
		}
		created = append(created, file)
		log.Debugf("created shortcut %s", file)
	}
	return created, nil
}

func desktopEntry(rec *Record, launcher string) string {
	var sb strings.Builder
	sb.WriteString("[Desktop Entry]\n")
	sb.WriteString("Type=Application\n")
	fmt.Fprintf(&sb, "Name=%s\n", rec.DisplayName)
	fmt.Fprintf(&sb, "Comment=%s\n", rec.Publisher)
	fmt.Fprintf(&sb, "Exec=%s %s\n", quoteExec(launcher), quoteExec(rec.Descriptor))
	if rec.DisplayIcon != "" {
		fmt.Fprintf(&sb, "Icon=%s\n", rec.DisplayIcon)
	}
	fmt.Fprintf(&sb, "Path=%s\n", rec.InstallLocation)
	sb.WriteString("Terminal=false\n")
	sb.WriteString("Categories=Application;\n")
	return sb.String()
}

// quoteExec quotes an argument of the Exec key of a desktop entry.
func quoteExec(arg string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`", "$", `\$`)
	return `"` + r.Replace(arg) + `"`
}
