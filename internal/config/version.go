package config

import "fmt"

// CurrentVersion is the config file format this build reads.
const CurrentVersion = 1

// VersionError rejects a config file written for another format version.
type VersionError struct {
	Version int
}

// Newer reports whether the file needs a newer steward.
func (e *VersionError) Newer() bool {
	return e != nil && e.Version > CurrentVersion
}

func (e *VersionError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Newer():
		return fmt.Sprintf("config version %d is newer than this build (supports %d): upgrade steward", e.Version, CurrentVersion)
	case e.Version <= 0:
		return fmt.Sprintf("config version %d is missing or invalid: set version: %d", e.Version, CurrentVersion)
	}
	return fmt.Sprintf("config version %d is no longer supported: set version: %d", e.Version, CurrentVersion)
}

// ValidateVersion accepts only CurrentVersion.
func ValidateVersion(version int) error {
	if version != CurrentVersion {
		return &VersionError{Version: version}
	}
	return nil
}
