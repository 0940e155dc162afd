package types

import "strings"

// PublicSharingLevel is a database's visibility to entities with no grant.
type PublicSharingLevel string

const (
	PublicNoAccess PublicSharingLevel = "no-access"
	PublicMetadata PublicSharingLevel = "metadata"
	PublicFork     PublicSharingLevel = "fork"
	PublicReadOnly PublicSharingLevel = "read-only"
)

// ParsePublicSharingLevel parses a wire-level public sharing level.
func ParsePublicSharingLevel(s string) (PublicSharingLevel, error) {
	switch PublicSharingLevel(strings.ToLower(s)) {
	case PublicNoAccess:
		return PublicNoAccess, nil
	case PublicMetadata:
		return PublicMetadata, nil
	case PublicFork:
		return PublicFork, nil
	case PublicReadOnly:
		return PublicReadOnly, nil
	}
	return "", Errorf(KindOther, "unknown public sharing level: %s", s)
}

// SharingLevel is an entity-level grant on a database. "no-access" is a
// valid wire value for revocation but is never stored as a row.
type SharingLevel string

const (
	SharingNoAccess  SharingLevel = "no-access"
	SharingReadOnly  SharingLevel = "read-only"
	SharingReadWrite SharingLevel = "read-write"
	SharingManager   SharingLevel = "manager"
)

// ParseSharingLevel parses a wire-level entity-database sharing level.
func ParseSharingLevel(s string) (SharingLevel, error) {
	switch SharingLevel(strings.ToLower(s)) {
	case SharingNoAccess:
		return SharingNoAccess, nil
	case SharingReadOnly:
		return SharingReadOnly, nil
	case SharingReadWrite:
		return SharingReadWrite, nil
	case SharingManager:
		return SharingManager, nil
	}
	return "", Errorf(KindOther, "unknown sharing level: %s", s)
}

// QueryPermissionLevel is the effective (or token-scoped) query access
// level. Ordered: read-only < read-write.
type QueryPermissionLevel string

const (
	QueryReadOnly  QueryPermissionLevel = "read-only"
	QueryReadWrite QueryPermissionLevel = "read-write"
)

// ParseQueryPermissionLevel parses a wire-level query permission level.
func ParseQueryPermissionLevel(s string) (QueryPermissionLevel, error) {
	switch QueryPermissionLevel(strings.ToLower(s)) {
	case QueryReadOnly:
		return QueryReadOnly, nil
	case QueryReadWrite:
		return QueryReadWrite, nil
	}
	return "", Errorf(KindOther, "unknown query permission level: %s", s)
}

// Min returns the lower of two levels under read-only < read-write.
func (l QueryPermissionLevel) Min(other QueryPermissionLevel) QueryPermissionLevel {
	if l == QueryReadOnly || other == QueryReadOnly {
		return QueryReadOnly
	}
	return QueryReadWrite
}

// Mode converts a permission level to the daemon's query mode.
func (l QueryPermissionLevel) Mode() QueryMode {
	if l == QueryReadWrite {
		return QueryModeReadWrite
	}
	return QueryModeReadOnly
}
