// Package store persists entities, databases, authentication methods, API
// tokens, permissions, and OAuth authorization requests. Two backends share
// one implementation over sqlx: an embedded SQLite file and an external
// PostgreSQL server, selected by the database_url scheme.
//
// All slugs and email addresses are case-folded at this boundary, and all
// backend errors are translated to the domain error kinds here: unique
// conflicts become EntityExists/DatabaseExists, missing rows become
// RecordNotFound.
package store

import (
	"context"

	"github.com/ayedb/ayb/internal/types"
)

// OptionalText is a three-state update field: not set = leave, set with nil
// = clear, set with value = overwrite.
type OptionalText struct {
	Set   bool
	Value *string
}

// Text builds a set-to-value field.
func Text(v string) OptionalText {
	return OptionalText{Set: true, Value: &v}
}

// ClearText builds a set-to-null field.
func ClearText() OptionalText {
	return OptionalText{Set: true}
}

// ProfileUpdate is a partial entity profile update with three-state fields.
// Links is two-state: nil leaves, non-nil replaces the whole ordered list.
type ProfileUpdate struct {
	DisplayName  OptionalText
	Description  OptionalText
	Organization OptionalText
	Location     OptionalText
	Links        *[]types.Link
}

// DatabaseUpdate is a partial database update; nil fields are left alone.
type DatabaseUpdate struct {
	PublicSharingLevel *types.PublicSharingLevel
}

// Store is the metadata capability set. Both backends satisfy identical
// semantics, including slug case-folding and conflict translation.
type Store interface {
	CreateEntity(ctx context.Context, slug string, entityType types.EntityType) (*types.Entity, error)
	GetEntity(ctx context.Context, slug string) (*types.Entity, error)
	GetEntityByID(ctx context.Context, id int64) (*types.Entity, error)
	ListEntities(ctx context.Context) ([]types.Entity, error)
	UpdateEntityProfile(ctx context.Context, id int64, upd ProfileUpdate) error

	CreateDatabase(ctx context.Context, entityID int64, slug string, dbType types.DBType, level types.PublicSharingLevel) (*types.Database, error)
	GetDatabase(ctx context.Context, entitySlug, databaseSlug string) (*types.Database, error)
	GetDatabaseByID(ctx context.Context, id int64) (*types.Database, error)
	ListDatabases(ctx context.Context, entityID int64) ([]types.Database, error)
	UpdateDatabase(ctx context.Context, id int64, upd DatabaseUpdate) error

	CreateAuthenticationMethod(ctx context.Context, method *types.AuthenticationMethod) error
	ListAuthenticationMethods(ctx context.Context, entityID int64) ([]types.AuthenticationMethod, error)

	CreateAPIToken(ctx context.Context, token *types.APIToken) error
	GetAPIToken(ctx context.Context, shortToken string) (*types.APIToken, error)
	RevokeAPIToken(ctx context.Context, shortToken string) error
	ListAPITokens(ctx context.Context, entityID int64) ([]types.APIToken, error)

	UpsertEntityDatabasePermission(ctx context.Context, perm *types.EntityDatabasePermission) error
	DeleteEntityDatabasePermission(ctx context.Context, entityID, databaseID int64) error
	GetEntityDatabasePermission(ctx context.Context, entityID, databaseID int64) (*types.EntityDatabasePermission, error)
	ListEntityDatabasePermissions(ctx context.Context, databaseID int64) ([]types.EntityDatabasePermission, error)

	CreateOAuthAuthorizationRequest(ctx context.Context, req *types.OAuthAuthorizationRequest) error
	GetOAuthAuthorizationRequest(ctx context.Context, code string) (*types.OAuthAuthorizationRequest, error)
	MarkOAuthAuthorizationRequestUsed(ctx context.Context, code string) error

	Close() error
}
