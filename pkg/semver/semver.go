// Package semver parses and orders semantic version numbers.
//
// Ordering is defined over the three numeric components only. A pre-release
// suffix (e.g. "-beta.1") is accepted and preserved for display but carries
// no weight in comparisons. Missing trailing components are treated as zero,
// so "1.0" and "1.0.0" compare equal.
package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// versionPattern matches major[.minor[.patch]][-suffix].
var versionPattern = regexp.MustCompile(`^(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:-([0-9A-Za-z.-]+))?$`)

// Version is a parsed semantic version.
type Version struct {
	Major  int
	Minor  int
	Patch  int
	Suffix string
}

// Parse parses a version string. The suffix, when present, must be separated
// by a hyphen and contain only alphanumerics, dots, and hyphens.
func Parse(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, fmt.Errorf("invalid semantic version %q", s)
	}

	var v Version
	var err error
	if v.Major, err = strconv.Atoi(m[1]); err != nil {
		return Version{}, fmt.Errorf("invalid semantic version %q: %w", s, err)
	}
	if m[2] != "" {
		if v.Minor, err = strconv.Atoi(m[2]); err != nil {
			return Version{}, fmt.Errorf("invalid semantic version %q: %w", s, err)
		}
	}
	if m[3] != "" {
		if v.Patch, err = strconv.Atoi(m[3]); err != nil {
			return Version{}, fmt.Errorf("invalid semantic version %q: %w", s, err)
		}
	}
	v.Suffix = m[4]
	return v, nil
}

// IsValid reports whether s parses as a semantic version.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// String renders the version in canonical major.minor.patch[-suffix] form.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Suffix != "" {
		s += "-" + v.Suffix
	}
	return s
}

// Compare returns -1, 0, or 1 ordering v against other by the numeric
// components. Suffixes are ignored.
func (v Version) Compare(other Version) int {
	for _, d := range [3]int{
		v.Major - other.Major,
		v.Minor - other.Minor,
		v.Patch - other.Patch,
	} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

// IsNewer reports whether target is strictly greater than current.
// It returns an error if either string fails to parse.
func IsNewer(current, target string) (bool, error) {
	c, err := Parse(current)
	if err != nil {
		return false, err
	}
	t, err := Parse(target)
	if err != nil {
		return false, err
	}
	return t.Compare(c) > 0, nil
}
