//go:build !windows

package registrar

func writeUninstallEntry(*Record) error {
	return nil
}

func removeUninstallEntry(string) error {
	return nil
}
