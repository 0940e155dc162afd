// Package types defines the domain model shared by the server, the metadata
// store, and the query pipeline. All slugs are lowercase; callers normalize
// at ingress via NormalizeSlug.
package types

import (
	"strings"
	"time"
)

// EntityType distinguishes users from organizations.
type EntityType string

const (
	EntityTypeUser         EntityType = "user"
	EntityTypeOrganization EntityType = "organization"
)

// ParseEntityType parses a wire-level entity type string.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(strings.ToLower(s)) {
	case EntityTypeUser:
		return EntityTypeUser, nil
	case EntityTypeOrganization:
		return EntityTypeOrganization, nil
	}
	return "", Errorf(KindOther, "unknown entity type: %s", s)
}

// Link is a profile link with its verification state. Order is significant
// and preserved by the store.
type Link struct {
	URL      string `json:"url"`
	Verified bool   `json:"verified"`
}

// Entity is an authenticated principal owning databases.
type Entity struct {
	ID           int64      `db:"id" json:"-"`
	Slug         string     `db:"slug" json:"slug"`
	Type         EntityType `db:"entity_type" json:"entity_type"`
	DisplayName  *string    `db:"display_name" json:"display_name,omitempty"`
	Description  *string    `db:"description" json:"description,omitempty"`
	Organization *string    `db:"organization" json:"organization,omitempty"`
	Location     *string    `db:"location" json:"location,omitempty"`
	Links        []Link     `db:"-" json:"links,omitempty"`
}

// AuthenticationMethodType is the kind of credential backing an entity.
type AuthenticationMethodType string

const AuthenticationMethodEmail AuthenticationMethodType = "email"

// AuthenticationMethodStatus tracks whether a method is usable.
type AuthenticationMethodStatus string

const (
	AuthenticationMethodVerified AuthenticationMethodStatus = "verified"
	AuthenticationMethodRevoked  AuthenticationMethodStatus = "revoked"
)

// AuthenticationMethod is a verified (or revoked) way an entity proves
// identity. At most one verified method exists per (entity, email).
type AuthenticationMethod struct {
	ID           int64                      `db:"id"`
	EntityID     int64                      `db:"entity_id"`
	Type         AuthenticationMethodType   `db:"method_type"`
	Status       AuthenticationMethodStatus `db:"status"`
	EmailAddress string                     `db:"email_address"`
}

// DBType is the embedded engine backing a database. Only sqlite is served
// end-to-end by the query daemon.
type DBType string

const (
	DBTypeSQLite DBType = "sqlite"
	DBTypeDuckDB DBType = "duckdb"
)

// ParseDBType parses a wire-level database type string.
func ParseDBType(s string) (DBType, error) {
	switch DBType(strings.ToLower(s)) {
	case DBTypeSQLite:
		return DBTypeSQLite, nil
	case DBTypeDuckDB:
		return DBTypeDuckDB, nil
	}
	return "", Errorf(KindOther, "unknown database type: %s", s)
}

// Database is one embedded SQL file addressable as entity/database.
type Database struct {
	ID                 int64              `db:"id"`
	EntityID           int64              `db:"entity_id"`
	Slug               string             `db:"slug"`
	DBType             DBType             `db:"db_type"`
	PublicSharingLevel PublicSharingLevel `db:"public_sharing_level"`
}

// EntityDatabasePermission is a grant from a database owner to another
// entity. No row exists for the owner; no-access is expressed by deletion.
type EntityDatabasePermission struct {
	EntityID     int64        `db:"entity_id"`
	DatabaseID   int64        `db:"database_id"`
	SharingLevel SharingLevel `db:"sharing_level"`
}

// APIToken is a bearer credential. Only the hash of the secret is stored;
// ShortToken is the public lookup key.
type APIToken struct {
	EntityID             int64                 `db:"entity_id"`
	ShortToken           string                `db:"short_token"`
	Hash                 string                `db:"token_hash"`
	DatabaseID           *int64                `db:"database_id"`
	QueryPermissionLevel *QueryPermissionLevel `db:"query_permission_level"`
	AppName              *string               `db:"app_name"`
	CreatedAt            time.Time             `db:"created_at"`
	ExpiresAt            *time.Time            `db:"expires_at"`
	RevokedAt            *time.Time            `db:"revoked_at"`
}

// Valid reports whether the token is neither revoked nor expired at now.
func (t *APIToken) Valid(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Scoped reports whether the token is restricted to a single database.
func (t *APIToken) Scoped() bool {
	return t.DatabaseID != nil && t.QueryPermissionLevel != nil
}

// OAuthAuthorizationRequest is the short-lived record behind a PKCE code
// exchange. A code is single-use: UsedAt is set on first exchange.
type OAuthAuthorizationRequest struct {
	Code                 string               `db:"code"`
	EntityID             int64                `db:"entity_id"`
	DatabaseID           int64                `db:"database_id"`
	CodeChallenge        string               `db:"code_challenge"`
	RedirectURI          string               `db:"redirect_uri"`
	AppName              string               `db:"app_name"`
	RequestedLevel       QueryPermissionLevel `db:"requested_level"`
	QueryPermissionLevel QueryPermissionLevel `db:"query_permission_level"`
	ExpiresAt            time.Time            `db:"expires_at"`
	UsedAt               *time.Time           `db:"used_at"`
}

// QueryMode selects read-only or read-write execution at the daemon.
type QueryMode int

const (
	QueryModeReadOnly  QueryMode = 0
	QueryModeReadWrite QueryMode = 1
)

// NormalizeSlug lowercases an identifier for storage and lookup.
func NormalizeSlug(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DefaultReservedSlugs are database/entity names refused at create time.
// "-" is the system-route sentinel.
var DefaultReservedSlugs = map[string]bool{"-": true}
