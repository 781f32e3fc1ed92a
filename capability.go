package whistleca

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
)

// MinLargeKeyVersion is the oldest runtime that may generate 2048-bit roots.
const MinLargeKeyVersion = "go1.6"

const (
	largeKeyBits = 2048
	smallKeyBits = 1024
)

// ErrLargeKeyUnsupported is returned when large keys are requested on a
// runtime that cannot produce them.
var ErrLargeKeyUnsupported = errors.New("whistleca: large key requires a newer runtime")

// Capability records which RSA key size the running process may use for its
// root CA and whether the operator asked for large keys.
type Capability struct {
	RuntimeVersion string
	Supports2048   bool
	EnableLargeKey bool
}

// DetectCapability decides the permitted root key size. Enabling the large key
// flag on an incapable runtime is a configuration error; nothing touches the
// filesystem before this check.
func DetectCapability(runtimeVersion string, enableLargeKey bool) (Capability, error) {
	c := Capability{
		RuntimeVersion: runtimeVersion,
		Supports2048:   supportsLargeKey(runtimeVersion),
		EnableLargeKey: enableLargeKey,
	}
	if enableLargeKey && !c.Supports2048 {
		return c, fmt.Errorf("%w: need %s or later, running %s", ErrLargeKeyUnsupported, MinLargeKeyVersion, runtimeVersion)
	}
	return c, nil
}

// KeyBits returns the RSA modulus size used when generating a new root.
func (c Capability) KeyBits() int {
	if c.Supports2048 {
		return largeKeyBits
	}
	return smallKeyBits
}

// rootPaths resolves the default root key and certificate files inside dir.
// Existing 2048-bit files win over the flag so a root that clients already
// trust keeps being used after the flag is turned off.
func (c Capability) rootPaths(dir string) (keyFile, certFile string) {
	largeKey := filepath.Join(dir, "root_2048.key")
	largeCert := filepath.Join(dir, "root_2048.crt")
	if c.EnableLargeKey || (fileExists(largeKey) && fileExists(largeCert)) {
		return largeKey, largeCert
	}
	return filepath.Join(dir, "root.key"), filepath.Join(dir, "root.crt")
}

// supportsLargeKey compares a Go runtime version ("go1.24.4", "devel go1.25-abc")
// against MinLargeKeyVersion. Development toolchains are always capable.
func supportsLargeKey(version string) bool {
	version = strings.TrimSpace(version)
	if strings.HasPrefix(version, "devel") {
		return true
	}
	v := toSemver(version)
	if !semver.IsValid(v) {
		return false
	}
	return semver.Compare(v, toSemver(MinLargeKeyVersion)) >= 0
}

// toSemver maps "go1.24.4" and "go1.24rc1" onto semver's "v1.24.4" and
// "v1.24.0-rc1" forms.
func toSemver(version string) string {
	num := strings.TrimPrefix(version, "go")
	var pre string
	if i := strings.IndexAny(num, "abcdefghijklmnopqrstuvwxyz"); i >= 0 {
		num, pre = num[:i], num[i:]
	}
	switch strings.Count(num, ".") {
	case 0:
		num += ".0.0"
	case 1:
		num += ".0"
	}
	if pre != "" {
		return "v" + num + "-" + pre
	}
	return "v" + num
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
