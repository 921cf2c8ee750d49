package utils

import (
	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
)

// CompareVersions compares two version strings according to semver rules
// Returns:
//
//	-1 if v1 < v2
//	 0 if v1 == v2
//	 1 if v1 > v2
//	 2 if either version is invalid
func CompareVersions(v1, v2 string) int {
	sv1, err := semver.NewVersion(v1)
	if err != nil {
		return 2
	}

	sv2, err := semver.NewVersion(v2)
	if err != nil {
		return 2
	}

	return sv1.Compare(sv2)
}

// IsPrerelease checks if a version is a prerelease version (e.g., beta, alpha, rc)
func IsPrerelease(version string) bool {
	sv, err := semver.NewVersion(version)
	if err != nil {
		return false
	}

	return sv.Prerelease() != ""
}

// IsRegression reports whether a release name moves a track backwards.
// Names that are not semantic versions are never treated as a regression.
func IsRegression(live, next string) bool {
	if live == "" || next == "" {
		return false
	}
	cmp := CompareVersions(next, live)
	if cmp == 2 {
		log.Debug().Str("live", live).Str("next", next).Msg("Release names are not semantic versions, skipping order check")
		return false
	}
	return cmp < 0
}
