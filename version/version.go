package version

import (
	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
)

// will be replaced with the release version when using goreleaser
var version = "development"

// ClickstartVersion returns the Clickstart version
func ClickstartVersion() string {
	return version
}

// Outdated reports whether installed is older than required. An empty required version
// never requires an update, an empty or unparsable installed version always does.
func Outdated(installed, required string) bool {
	if required == "" {
		return false
	}
	want, err := goversion.NewVersion(required)
	if err != nil {
		log.Warnf("ignoring invalid required version %q: %v", required, err)
		return false
	}
	have, err := goversion.NewVersion(installed)
	if err != nil {
		return true
	}
	return have.LessThan(want)
}
