// Package descriptor loads the install descriptor: the key/value document that fully
// parameterizes one install or update attempt.
package descriptor

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	goversion "github.com/hashicorp/go-version"

	"github.com/clickstart/clickstart/internal/failure"
)

const (
	KeyAppUID          = "app.uid"
	KeyAppName         = "app.name"
	KeyVendor          = "app.vendor"
	KeyInstanceGroup   = "instance.group"
	KeyInstance        = "instance.name"
	KeyBundleURL       = "url.bundle"
	KeyIconURL         = "url.icon"
	KeySplashURL       = "url.splash"
	KeyLauncherVersion = "launcher.version"
	KeyCertificate     = "certificate"
	KeyInstallLauncher = "install.launcher"
	KeyInstallApp      = "install.app"

	// EmbeddedSource is reported as Source for the descriptor compiled into the binary.
	EmbeddedSource = "<embedded>"

	maxLineLength = 1024 * 1024
)

// keyOrder is the canonical order used by Encode.
var keyOrder = []string{
	KeyAppUID, KeyAppName, KeyVendor,
	KeyInstanceGroup, KeyInstance,
	KeyBundleURL, KeyIconURL, KeySplashURL,
	KeyLauncherVersion,
	KeyInstallLauncher, KeyInstallApp,
	KeyCertificate,
}

//go:embed embedded.txt
var embedded []byte

// Descriptor is the parsed install descriptor. It is never modified after Load returns.
type Descriptor struct {
	AppUID        string
	AppName       string
	Vendor        string
	InstanceGroup string
	Instance      string

	BundleURL string
	IconURL   string
	SplashURL string

	// LauncherVersion is the minimum launcher version the application requires.
	// Empty means any installed launcher is acceptable.
	LauncherVersion string

	// RootCertificate is the pinned certificate every download is checked against.
	RootCertificate *x509.Certificate

	InstallLauncher bool
	InstallApp      bool

	// Source names where the descriptor was read from.
	Source string
}

// Embedded parses the descriptor compiled into the binary.
func Embedded() (*Descriptor, error) {
	if !hasEntries(embedded) {
		return nil, failure.New(failure.ConfigInvalid, "load embedded descriptor", "no descriptor has been embedded into this binary")
	}
	d, err := Load(bytes.NewReader(embedded))
	if err != nil {
		return nil, err
	}
	d.Source = EmbeddedSource
	return d, nil
}

func hasEntries(data []byte) bool {
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 && line[0] != '#' {
			return true
		}
	}
	return false
}

// EmbeddedText returns the raw embedded descriptor, for diagnostics.
func EmbeddedText() string {
	return string(embedded)
}

// LoadFile parses the descriptor stored at path.
func LoadFile(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, failure.Wrapf(failure.ConfigInvalid, "load descriptor", err, "cannot open %s", path)
	}
	defer f.Close()

	d, err := Load(f)
	if err != nil {
		return nil, err
	}
	d.Source = path
	return d, nil
}

// Load parses and validates a descriptor.
func Load(r io.Reader) (*Descriptor, error) {
	d := &Descriptor{}
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, invalid("line %d: expected key=value", lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if _, dup := seen[key]; dup {
			return nil, invalid("line %d: duplicate key %q", lineNo, key)
		}
		seen[key] = struct{}{}

		if err := d.set(key, value); err != nil {
			return nil, invalid("line %d: %v", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, failure.Wrap(failure.ConfigInvalid, "load descriptor", err)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Descriptor) set(key, value string) error {
	var err error
	switch key {
	case KeyAppUID:
		d.AppUID = value
	case KeyAppName:
		d.AppName = value
	case KeyVendor:
		d.Vendor = value
	case KeyInstanceGroup:
		d.InstanceGroup = value
	case KeyInstance:
		d.Instance = value
	case KeyBundleURL:
		d.BundleURL = value
	case KeyIconURL:
		d.IconURL = value
	case KeySplashURL:
		d.SplashURL = value
	case KeyLauncherVersion:
		d.LauncherVersion = value
	case KeyCertificate:
		d.RootCertificate, err = parseCertificate(value)
	case KeyInstallLauncher:
		d.InstallLauncher, err = strconv.ParseBool(value)
	case KeyInstallApp:
		d.InstallApp, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// parseCertificate accepts a PEM block, with line breaks written as literal \n, or the
// base64 encoded DER bytes.
func parseCertificate(value string) (*x509.Certificate, error) {
	if value == "" {
		return nil, nil
	}

	var der []byte
	if strings.Contains(value, "-----BEGIN") {
		block, _ := pem.Decode([]byte(strings.ReplaceAll(value, `\n`, "\n")))
		if block == nil {
			return nil, fmt.Errorf("no PEM block found")
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}
		der = block.Bytes
	} else {
		var err error
		der, err = base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// Validate checks that the descriptor is internally consistent.
func (d *Descriptor) Validate() error {
	var merr *multierror.Error

	if d.InstallLauncher {
		if d.BundleURL == "" {
			merr = multierror.Append(merr, fmt.Errorf("%s is required to install the launcher", KeyBundleURL))
		}
		if d.RootCertificate == nil {
			merr = multierror.Append(merr, fmt.Errorf("%s is required to install the launcher", KeyCertificate))
		}
	}

	if d.InstallApp {
		if !d.InstallLauncher {
			merr = multierror.Append(merr, fmt.Errorf("%s requires %s", KeyInstallApp, KeyInstallLauncher))
		}
		for key, value := range map[string]string{
			KeyAppUID:        d.AppUID,
			KeyAppName:       d.AppName,
			KeyInstanceGroup: d.InstanceGroup,
			KeyInstance:      d.Instance,
		} {
			if value == "" {
				merr = multierror.Append(merr, fmt.Errorf("%s is required to install an application", key))
			}
		}
	}

	if d.AppUID != "" && !safeSegment(d.AppUID) {
		merr = multierror.Append(merr, fmt.Errorf("%s %q is not a valid directory name", KeyAppUID, d.AppUID))
	}

	for key, value := range map[string]string{
		KeyBundleURL: d.BundleURL,
		KeyIconURL:   d.IconURL,
		KeySplashURL: d.SplashURL,
	} {
		if value == "" {
			continue
		}
		if err := checkURL(value); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", key, err))
		}
	}

	if d.LauncherVersion != "" {
		if _, err := goversion.NewVersion(d.LauncherVersion); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", KeyLauncherVersion, err))
		}
	}

	if merr != nil {
		// map iteration order is random, keep the message stable
		sort.Slice(merr.Errors, func(i, j int) bool {
			return merr.Errors[i].Error() < merr.Errors[j].Error()
		})
	}

	if err := failure.FormatErrorOrNil(merr); err != nil {
		return failure.Wrap(failure.ConfigInvalid, "validate descriptor", err)
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not supported, https is required", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is missing in %q", raw)
	}
	return nil
}

func safeSegment(s string) bool {
	if s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\:*?"<>|`) && strings.TrimSpace(s) == s
}

// CanInstallLauncher reports whether the descriptor carries everything needed to
// download and trust the launcher bundle.
func (d *Descriptor) CanInstallLauncher() bool {
	return d != nil && d.InstallLauncher && d.BundleURL != "" && d.RootCertificate != nil
}

// CanInstallApp reports whether an application should be installed besides the launcher.
func (d *Descriptor) CanInstallApp() bool {
	return d != nil && d.InstallApp && d.AppUID != ""
}

// DisplayName is the name shown in shortcuts and the uninstall entry.
func (d *Descriptor) DisplayName() string {
	return fmt.Sprintf("%s (%s - %s)", d.AppName, d.InstanceGroup, d.Instance)
}

// Publisher returns the vendor, falling back to the product name.
func (d *Descriptor) Publisher() string {
	if d.Vendor == "" {
		return "Clickstart"
	}
	return d.Vendor
}

// Fingerprint is the SHA-256 fingerprint of the pinned certificate.
func (d *Descriptor) Fingerprint() string {
	if d.RootCertificate == nil {
		return ""
	}
	sum := sha256.Sum256(d.RootCertificate.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (d *Descriptor) values() map[string]string {
	values := map[string]string{
		KeyAppUID:          d.AppUID,
		KeyAppName:         d.AppName,
		KeyVendor:          d.Vendor,
		KeyInstanceGroup:   d.InstanceGroup,
		KeyInstance:        d.Instance,
		KeyBundleURL:       d.BundleURL,
		KeyIconURL:         d.IconURL,
		KeySplashURL:       d.SplashURL,
		KeyLauncherVersion: d.LauncherVersion,
		KeyInstallLauncher: strconv.FormatBool(d.InstallLauncher),
		KeyInstallApp:      strconv.FormatBool(d.InstallApp),
	}
	if d.RootCertificate != nil {
		values[KeyCertificate] = base64.StdEncoding.EncodeToString(d.RootCertificate.Raw)
	}
	return values
}

// Encode writes the descriptor in its canonical key/value form. Load(Encode(d)) yields
// a descriptor equal to d, apart from Source.
func (d *Descriptor) Encode(w io.Writer) error {
	values := d.values()
	bw := bufio.NewWriter(w)
	for _, key := range keyOrder {
		value := values[key]
		if value == "" {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s=%s\n", key, value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Summary is a printable view of the descriptor without the certificate body.
type Summary struct {
	Source          string `yaml:"source,omitempty"`
	AppUID          string `yaml:"appUid,omitempty"`
	AppName         string `yaml:"appName,omitempty"`
	Vendor          string `yaml:"vendor,omitempty"`
	InstanceGroup   string `yaml:"instanceGroup,omitempty"`
	Instance        string `yaml:"instance,omitempty"`
	BundleURL       string `yaml:"bundleUrl,omitempty"`
	IconURL         string `yaml:"iconUrl,omitempty"`
	SplashURL       string `yaml:"splashUrl,omitempty"`
	LauncherVersion string `yaml:"launcherVersion,omitempty"`
	Certificate     string `yaml:"certificate,omitempty"`
	Fingerprint     string `yaml:"fingerprint,omitempty"`
	InstallLauncher bool   `yaml:"installLauncher"`
	InstallApp      bool   `yaml:"installApp"`
}

// Summary returns the printable view of d.
func (d *Descriptor) Summary() Summary {
	s := Summary{
		Source:          d.Source,
		AppUID:          d.AppUID,
		AppName:         d.AppName,
		Vendor:          d.Vendor,
		InstanceGroup:   d.InstanceGroup,
		Instance:        d.Instance,
		BundleURL:       d.BundleURL,
		IconURL:         d.IconURL,
		SplashURL:       d.SplashURL,
		LauncherVersion: d.LauncherVersion,
		InstallLauncher: d.InstallLauncher,
		InstallApp:      d.InstallApp,
	}
	if d.RootCertificate != nil {
		s.Certificate = d.RootCertificate.Subject.String()
		s.Fingerprint = d.Fingerprint()
	}
	return s
}

func (d *Descriptor) String() string {
	if d == nil {
		return "<nil>"
	}
	s := d.Summary()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Application: %s (%s) by %s\n", s.AppName, s.AppUID, d.Publisher())
	fmt.Fprintf(&sb, "Instance:    %s / %s\n", s.InstanceGroup, s.Instance)
	fmt.Fprintf(&sb, "Bundle:      %s\n", s.BundleURL)
	fmt.Fprintf(&sb, "Icon:        %s\n", s.IconURL)
	fmt.Fprintf(&sb, "Splash:      %s\n", s.SplashURL)
	fmt.Fprintf(&sb, "Launcher:    %s\n", s.LauncherVersion)
	fmt.Fprintf(&sb, "Certificate: %s %s\n", s.Certificate, s.Fingerprint)
	fmt.Fprintf(&sb, "Install:     launcher=%t app=%t", s.InstallLauncher, s.InstallApp)
	return sb.String()
}

func invalid(format string, args ...any) error {
	return failure.New(failure.ConfigInvalid, "load descriptor", fmt.Sprintf(format, args...))
}
