package strategy

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// parseVersion parses a version string, tolerating short "1.0" forms
func parseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err == nil {
		return v, nil
	}
	v, err = semver.NewVersion(s + ".0")
	if err != nil {
		return nil, fmt.Errorf("invalid version: %s", s)
	}
	return v, nil
}

// CompareVersions compares two version strings.
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func CompareVersions(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// IsVersionSupported checks if a schema version is accepted on import.
// major.minor matches against the supported list count as compatible.
func IsVersionSupported(version string) bool {
	for _, v := range SupportedSchemaVersions {
		if v == version {
			return true
		}
	}

	v, err := parseVersion(version)
	if err != nil {
		return false
	}
	for _, supported := range SupportedSchemaVersions {
		sv, err := parseVersion(supported)
		if err != nil {
			continue
		}
		if v.Major() == sv.Major() && v.Minor() == sv.Minor() {
			return true
		}
	}
	return false
}

// CheckCompatibility verifies an imported strategy's schema version can be
// handled by this build
func CheckCompatibility(s *Strategy) error {
	if s == nil {
		return fmt.Errorf("strategy cannot be nil")
	}
	if s.SchemaVersion == "" {
		return fmt.Errorf("missing schema version")
	}

	current, err := parseVersion(s.SchemaVersion)
	if err != nil {
		return err
	}
	target, err := parseVersion(SchemaVersion)
	if err != nil {
		return err
	}

	if current.GreaterThan(target) {
		return fmt.Errorf("strategy requires schema version %s, but only %s is supported",
			s.SchemaVersion, SchemaVersion)
	}
	if current.Major() != target.Major() {
		return fmt.Errorf("no migration path from version %s to %s", s.SchemaVersion, SchemaVersion)
	}
	return nil
}

// BumpPatch advances a strategy's own version after an in-place edit
func BumpPatch(s *Strategy) error {
	v, err := parseVersion(s.Version)
	if err != nil {
		return err
	}
	next := v.IncPatch()
	s.Version = next.String()
	return nil
}
