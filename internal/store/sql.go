package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ayedb/ayb/internal/types"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore is the shared implementation behind both backends. The dialect
// only matters for id-returning inserts; everything else is written with ?
// placeholders and rebound per backend.
type sqlStore struct {
	db       *sqlx.DB
	dialect  dialect
	reserved map[string]bool
}

var _ Store = (*sqlStore)(nil)

func newSQLStore(db *sqlx.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, dialect: d, reserved: types.DefaultReservedSlugs}
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// insert runs an INSERT and returns the generated id, using RETURNING on
// PostgreSQL and last-insert-id on SQLite.
func (s *sqlStore) insert(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if s.dialect == dialectPostgres {
		var id int64
		err := s.db.QueryRowxContext(ctx, s.db.Rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// --- entities ---

// entityRow adds the raw links column to the domain struct for scanning.
type entityRow struct {
	types.Entity
	LinksJSON *string `db:"links"`
}

func (r *entityRow) toEntity() (*types.Entity, error) {
	e := r.Entity
	if r.LinksJSON != nil && *r.LinksJSON != "" {
		if err := json.Unmarshal([]byte(*r.LinksJSON), &e.Links); err != nil {
			return nil, storageErr("decoding entity links", err)
		}
	}
	return &e, nil
}

func (s *sqlStore) CreateEntity(ctx context.Context, slug string, entityType types.EntityType) (*types.Entity, error) {
	slug = types.NormalizeSlug(slug)
	if s.reserved[slug] {
		return nil, types.Errorf(types.KindReservedSlug, "%q is a reserved name", slug)
	}
	id, err := s.insert(ctx, `INSERT INTO entity (slug, entity_type) VALUES (?, ?)`, slug, entityType)
	if err != nil {
		return nil, translateConflict(err, types.KindEntityExists, "entity "+slug)
	}
	return &types.Entity{ID: id, Slug: slug, Type: entityType}, nil
}

const entityColumns = `id, slug, entity_type, display_name, description, organization, location, links`

func (s *sqlStore) GetEntity(ctx context.Context, slug string) (*types.Entity, error) {
	slug = types.NormalizeSlug(slug)
	var row entityRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT `+entityColumns+` FROM entity WHERE slug = ?`), slug)
	if err != nil {
		return nil, translateNotFound(err, "entity", slug)
	}
	return row.toEntity()
}

func (s *sqlStore) GetEntityByID(ctx context.Context, id int64) (*types.Entity, error) {
	var row entityRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT `+entityColumns+` FROM entity WHERE id = ?`), id)
	if err != nil {
		return nil, translateNotFound(err, "entity", fmt.Sprint(id))
	}
	return row.toEntity()
}

func (s *sqlStore) ListEntities(ctx context.Context) ([]types.Entity, error) {
	var rows []entityRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+entityColumns+` FROM entity ORDER BY slug`)
	if err != nil {
		return nil, storageErr("listing entities", err)
	}
	entities := make([]types.Entity, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, nil
}

func (s *sqlStore) UpdateEntityProfile(ctx context.Context, id int64, upd ProfileUpdate) error {
	var sets []string
	var args []interface{}
	field := func(column string, f OptionalText) {
		if f.Set {
			sets = append(sets, column+" = ?")
			args = append(args, f.Value)
		}
	}
	field("display_name", upd.DisplayName)
	field("description", upd.Description)
	field("organization", upd.Organization)
	field("location", upd.Location)
	if upd.Links != nil {
		encoded, err := json.Marshal(*upd.Links)
		if err != nil {
			return storageErr("encoding entity links", err)
		}
		sets = append(sets, "links = ?")
		args = append(args, string(encoded))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE entity SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return storageErr("updating entity profile", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.RecordNotFound("entity", fmt.Sprint(id))
	}
	return nil
}

// --- databases ---

func (s *sqlStore) CreateDatabase(ctx context.Context, entityID int64, slug string, dbType types.DBType, level types.PublicSharingLevel) (*types.Database, error) {
	slug = types.NormalizeSlug(slug)
	if s.reserved[slug] {
		return nil, types.Errorf(types.KindReservedSlug, "%q is a reserved name", slug)
	}
	id, err := s.insert(ctx,
		`INSERT INTO "database" (entity_id, slug, db_type, public_sharing_level) VALUES (?, ?, ?, ?)`,
		entityID, slug, dbType, level)
	if err != nil {
		return nil, translateConflict(err, types.KindDatabaseExists, "database "+slug)
	}
	return &types.Database{ID: id, EntityID: entityID, Slug: slug, DBType: dbType, PublicSharingLevel: level}, nil
}

const databaseColumns = `d.id, d.entity_id, d.slug, d.db_type, d.public_sharing_level`

func (s *sqlStore) GetDatabase(ctx context.Context, entitySlug, databaseSlug string) (*types.Database, error) {
	entitySlug = types.NormalizeSlug(entitySlug)
	databaseSlug = types.NormalizeSlug(databaseSlug)
	var db types.Database
	err := s.db.GetContext(ctx, &db, s.db.Rebind(
		`SELECT `+databaseColumns+` FROM "database" d
		 JOIN entity e ON e.id = d.entity_id
		 WHERE e.slug = ? AND d.slug = ?`), entitySlug, databaseSlug)
	if err != nil {
		return nil, translateNotFound(err, "database", entitySlug+"/"+databaseSlug)
	}
	return &db, nil
}

func (s *sqlStore) GetDatabaseByID(ctx context.Context, id int64) (*types.Database, error) {
	var db types.Database
	err := s.db.GetContext(ctx, &db, s.db.Rebind(
		`SELECT `+databaseColumns+` FROM "database" d WHERE d.id = ?`), id)
	if err != nil {
		return nil, translateNotFound(err, "database", fmt.Sprint(id))
	}
	return &db, nil
}

func (s *sqlStore) ListDatabases(ctx context.Context, entityID int64) ([]types.Database, error) {
	var dbs []types.Database
	err := s.db.SelectContext(ctx, &dbs, s.db.Rebind(
		`SELECT `+databaseColumns+` FROM "database" d WHERE d.entity_id = ? ORDER BY d.slug`), entityID)
	if err != nil {
		return nil, storageErr("listing databases", err)
	}
	return dbs, nil
}

func (s *sqlStore) UpdateDatabase(ctx context.Context, id int64, upd DatabaseUpdate) error {
	if upd.PublicSharingLevel == nil {
		return nil
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE "database" SET public_sharing_level = ? WHERE id = ?`), *upd.PublicSharingLevel, id)
	if err != nil {
		return storageErr("updating database", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.RecordNotFound("database", fmt.Sprint(id))
	}
	return nil
}

// --- authentication methods ---

func (s *sqlStore) CreateAuthenticationMethod(ctx context.Context, method *types.AuthenticationMethod) error {
	method.EmailAddress = types.NormalizeSlug(method.EmailAddress)
	id, err := s.insert(ctx,
		`INSERT INTO authentication_method (entity_id, method_type, status, email_address) VALUES (?, ?, ?, ?)`,
		method.EntityID, method.Type, method.Status, method.EmailAddress)
	if err != nil {
		return translateConflict(err, types.KindOther, "authentication method")
	}
	method.ID = id
	return nil
}

func (s *sqlStore) ListAuthenticationMethods(ctx context.Context, entityID int64) ([]types.AuthenticationMethod, error) {
	var methods []types.AuthenticationMethod
	err := s.db.SelectContext(ctx, &methods, s.db.Rebind(
		`SELECT id, entity_id, method_type, status, email_address
		 FROM authentication_method WHERE entity_id = ? ORDER BY id`), entityID)
	if err != nil {
		return nil, storageErr("listing authentication methods", err)
	}
	return methods, nil
}

// --- api tokens ---

const tokenColumns = `short_token, entity_id, token_hash, database_id, query_permission_level, app_name, created_at, expires_at, revoked_at`

func (s *sqlStore) CreateAPIToken(ctx context.Context, token *types.APIToken) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO api_token (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		token.ShortToken, token.EntityID, token.Hash, token.DatabaseID,
		token.QueryPermissionLevel, token.AppName, token.CreatedAt, token.ExpiresAt, token.RevokedAt)
	return translateConflict(err, types.KindOther, "api token "+token.ShortToken)
}

func (s *sqlStore) GetAPIToken(ctx context.Context, shortToken string) (*types.APIToken, error) {
	var token types.APIToken
	err := s.db.GetContext(ctx, &token, s.db.Rebind(
		`SELECT `+tokenColumns+` FROM api_token WHERE short_token = ?`), shortToken)
	if err != nil {
		return nil, translateNotFound(err, "api_token", shortToken)
	}
	return &token, nil
}

// RevokeAPIToken is idempotent: revoking an already-revoked token leaves
// the original revocation time in place.
func (s *sqlStore) RevokeAPIToken(ctx context.Context, shortToken string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE api_token SET revoked_at = ? WHERE short_token = ? AND revoked_at IS NULL`),
		time.Now().UTC(), shortToken)
	if err != nil {
		return storageErr("revoking api token", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already revoked; distinguish for the caller.
		if _, err := s.GetAPIToken(ctx, shortToken); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) ListAPITokens(ctx context.Context, entityID int64) ([]types.APIToken, error) {
	var tokens []types.APIToken
	err := s.db.SelectContext(ctx, &tokens, s.db.Rebind(
		`SELECT `+tokenColumns+` FROM api_token WHERE entity_id = ? ORDER BY created_at DESC, short_token`), entityID)
	if err != nil {
		return nil, storageErr("listing api tokens", err)
	}
	return tokens, nil
}

// --- entity-database permissions ---

func (s *sqlStore) UpsertEntityDatabasePermission(ctx context.Context, perm *types.EntityDatabasePermission) error {
	// Same syntax on both backends.
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO entity_database_permission (entity_id, database_id, sharing_level)
		 VALUES (?, ?, ?)
		 ON CONFLICT (entity_id, database_id) DO UPDATE SET sharing_level = excluded.sharing_level`),
		perm.EntityID, perm.DatabaseID, perm.SharingLevel)
	return storageErr("upserting permission", err)
}

func (s *sqlStore) DeleteEntityDatabasePermission(ctx context.Context, entityID, databaseID int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM entity_database_permission WHERE entity_id = ? AND database_id = ?`),
		entityID, databaseID)
	return storageErr("deleting permission", err)
}

func (s *sqlStore) GetEntityDatabasePermission(ctx context.Context, entityID, databaseID int64) (*types.EntityDatabasePermission, error) {
	var perm types.EntityDatabasePermission
	err := s.db.GetContext(ctx, &perm, s.db.Rebind(
		`SELECT entity_id, database_id, sharing_level
		 FROM entity_database_permission WHERE entity_id = ? AND database_id = ?`),
		entityID, databaseID)
	if err != nil {
		return nil, translateNotFound(err, "permission", fmt.Sprintf("%d/%d", entityID, databaseID))
	}
	return &perm, nil
}

func (s *sqlStore) ListEntityDatabasePermissions(ctx context.Context, databaseID int64) ([]types.EntityDatabasePermission, error) {
	var perms []types.EntityDatabasePermission
	err := s.db.SelectContext(ctx, &perms, s.db.Rebind(
		`SELECT entity_id, database_id, sharing_level
		 FROM entity_database_permission WHERE database_id = ? ORDER BY entity_id`), databaseID)
	if err != nil {
		return nil, storageErr("listing permissions", err)
	}
	return perms, nil
}

// --- oauth authorization requests ---

func (s *sqlStore) CreateOAuthAuthorizationRequest(ctx context.Context, req *types.OAuthAuthorizationRequest) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO oauth_authorization_request
		 (code, entity_id, database_id, code_challenge, redirect_uri, app_name, requested_level, query_permission_level, expires_at, used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		req.Code, req.EntityID, req.DatabaseID, req.CodeChallenge, req.RedirectURI,
		req.AppName, req.RequestedLevel, req.QueryPermissionLevel, req.ExpiresAt, req.UsedAt)
	return translateConflict(err, types.KindOther, "authorization request")
}

func (s *sqlStore) GetOAuthAuthorizationRequest(ctx context.Context, code string) (*types.OAuthAuthorizationRequest, error) {
	var req types.OAuthAuthorizationRequest
	err := s.db.GetContext(ctx, &req, s.db.Rebind(
		`SELECT code, entity_id, database_id, code_challenge, redirect_uri, app_name,
		        requested_level, query_permission_level, expires_at, used_at
		 FROM oauth_authorization_request WHERE code = ?`), code)
	if err != nil {
		return nil, translateNotFound(err, "authorization_request", code)
	}
	return &req, nil
}

// MarkOAuthAuthorizationRequestUsed enforces single use: the second call
// for the same code fails because used_at is no longer null.
func (s *sqlStore) MarkOAuthAuthorizationRequestUsed(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE oauth_authorization_request SET used_at = ? WHERE code = ? AND used_at IS NULL`),
		time.Now().UTC(), code)
	if err != nil {
		return storageErr("marking authorization code used", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.InvalidToken()
	}
	return nil
}
