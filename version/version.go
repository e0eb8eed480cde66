package version

import (
	"fmt"
	"runtime"

	goversion "github.com/hashicorp/go-version"
)

// set with -ldflags "-X github.com/netbirdio/icemux/version.version=..."
var version = "development"

// Version returns the build version string.
func Version() string {
	return version
}

// SemVer parses the build version. Development builds report 0.0.0.
func SemVer() *goversion.Version {
	v, err := goversion.NewVersion(version)
	if err != nil {
		v, _ = goversion.NewVersion("0.0.0")
	}
	return v
}

// AtLeast reports whether the build is at or above the given version.
func AtLeast(min string) (bool, error) {
	want, err := goversion.NewVersion(min)
	if err != nil {
		return false, fmt.Errorf("parse version %q: %w", min, err)
	}
	return SemVer().GreaterThanOrEqual(want), nil
}

// String describes the build for the version command and startup logs.
func String() string {
	return fmt.Sprintf("icemux %s (%s, %s/%s)", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
