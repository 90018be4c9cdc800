// Kernel/module build-version stamping, carried in a boot module's command
// line and checked with golang.org/x/mod/semver per SPEC_FULL's DOMAIN
// STACK wiring table: a kernel refuses to boot against a mismatched
// initrd-style module rather than silently running with an incompatible
// one.
package boot

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// versionPrefix is the command-line token a boot module carries its build
// version under, e.g. "version=v1.4.0".
const versionPrefix = "version="

// ModuleVersion extracts the semver string from a module's command line, if
// present.
func ModuleVersion(m Module) (string, bool) {
	for _, field := range strings.Fields(m.CmdLine) {
		if v, ok := strings.CutPrefix(field, versionPrefix); ok {
			return v, true
		}
	}
	return "", false
}

// CheckVersion verifies that every module whose command line carries a
// version tag is compatible with the running kernel's own build version:
// same major version and no newer than the kernel (an older, compatible
// module is fine; a module built against a newer incompatible major is
// refused).
func CheckVersion(kernelVersion string, info *Info) error {
	if !semver.IsValid(kernelVersion) {
		return fmt.Errorf("boot: invalid kernel version %q", kernelVersion)
	}
	for _, m := range info.Modules {
		v, ok := ModuleVersion(m)
		if !ok {
			continue
		}
		if !semver.IsValid(v) {
			return fmt.Errorf("boot: module %q carries invalid version %q", m.CmdLine, v)
		}
		if semver.Major(v) != semver.Major(kernelVersion) {
			return fmt.Errorf("boot: module version %q incompatible with kernel %q", v, kernelVersion)
		}
		if semver.Compare(v, kernelVersion) > 0 {
			return fmt.Errorf("boot: module version %q is newer than kernel %q", v, kernelVersion)
		}
	}
	return nil
}
