package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ayedb/ayb/internal/permissions"
	"github.com/ayedb/ayb/internal/store"
	"github.com/ayedb/ayb/internal/types"
)

// databaseResponse is the wire shape for a database.
type databaseResponse struct {
	Entity             string                   `json:"entity"`
	Database           string                   `json:"database"`
	DatabaseType       types.DBType             `json:"database_type"`
	PublicSharingLevel types.PublicSharingLevel `json:"public_sharing_level"`
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerEntity(ctx)
	entitySlug := types.NormalizeSlug(chi.URLParam(r, "entity"))
	databaseSlug := types.NormalizeSlug(chi.URLParam(r, "database"))

	target, err := s.store.GetEntity(ctx, entitySlug)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !permissions.CanCreateDatabase(caller, target) {
		s.writeError(w, types.NoAccess())
		return
	}

	dbType := types.DBTypeSQLite
	if raw := r.Header.Get("db-type"); raw != "" {
		parsed, err := types.ParseDBType(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		dbType = parsed
	}
	if dbType != types.DBTypeSQLite {
		s.writeError(w, types.Errorf(types.KindOther, "database type %s is not supported", dbType))
		return
	}
	level := types.PublicNoAccess
	if raw := r.Header.Get("public-sharing-level"); raw != "" {
		parsed, err := types.ParsePublicSharingLevel(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		level = parsed
	}

	db, err := s.store.CreateDatabase(ctx, target.ID, databaseSlug, dbType, level)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.layout.EnsureDatabase(target.Slug, db.Slug); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, databaseResponse{
		Entity:             target.Slug,
		Database:           db.Slug,
		DatabaseType:       db.DBType,
		PublicSharingLevel: db.PublicSharingLevel,
	})
}

func (s *Server) handleUpdateDatabase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerEntity(ctx)
	entitySlug := chi.URLParam(r, "entity")
	databaseSlug := chi.URLParam(r, "database")

	db, err := s.store.GetDatabase(ctx, entitySlug, databaseSlug)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ok, err := permissions.CanManageDatabase(ctx, s.store, caller, db)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, types.NoAccess())
		return
	}

	// Partial update: absent fields are left alone.
	var body struct {
		PublicSharingLevel *string `json:"public_sharing_level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, types.Errorf(types.KindOther, "malformed request body: %v", err))
		return
	}
	var upd store.DatabaseUpdate
	if body.PublicSharingLevel != nil {
		level, err := types.ParsePublicSharingLevel(*body.PublicSharingLevel)
		if err != nil {
			s.writeError(w, err)
			return
		}
		upd.PublicSharingLevel = &level
		db.PublicSharingLevel = level
	}
	if err := s.store.UpdateDatabase(ctx, db.ID, upd); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, databaseResponse{
		Entity:             types.NormalizeSlug(entitySlug),
		Database:           db.Slug,
		DatabaseType:       db.DBType,
		PublicSharingLevel: db.PublicSharingLevel,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sql, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, types.Errorf(types.KindOther, "reading query body: %v", err))
		return
	}
	result, err := s.ExecuteAuthenticatedQuery(ctx, callerEntity(ctx), callerToken(ctx),
		chi.URLParam(r, "entity"), chi.URLParam(r, "database"), string(sql))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDatabaseDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerEntity(ctx)

	db, err := s.store.GetDatabase(ctx, chi.URLParam(r, "entity"), chi.URLParam(r, "database"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	visible, err := permissions.CanDiscoverDatabase(ctx, s.store, caller, db)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !visible {
		s.writeError(w, types.NoAccess())
		return
	}

	manage, err := permissions.CanManageDatabase(ctx, s.store, caller, db)
	if err != nil {
		s.writeError(w, err)
		return
	}
	level, err := permissions.HighestQueryAccessLevel(ctx, s.store, caller, db, callerToken(ctx))
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := struct {
		databaseResponse
		CanManageDatabase bool                        `json:"can_manage_database"`
		HighestQueryLevel *types.QueryPermissionLevel `json:"highest_query_level"`
	}{
		databaseResponse: databaseResponse{
			Entity:             types.NormalizeSlug(chi.URLParam(r, "entity")),
			Database:           db.Slug,
			DatabaseType:       db.DBType,
			PublicSharingLevel: db.PublicSharingLevel,
		},
		CanManageDatabase: manage,
		HighestQueryLevel: level,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerEntity(ctx)

	db, err := s.store.GetDatabase(ctx, chi.URLParam(r, "entity"), chi.URLParam(r, "database"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ok, err := permissions.CanManageDatabase(ctx, s.store, caller, db)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, types.NoAccess())
		return
	}

	var body struct {
		Entity       string `json:"entity"`
		SharingLevel string `json:"sharing_level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, types.Errorf(types.KindOther, "malformed request body: %v", err))
		return
	}
	target, err := s.store.GetEntity(ctx, body.Entity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if target.ID == db.EntityID {
		s.writeError(w, types.Errorf(types.KindCantSetOwnerPermission,
			"cannot change the owner's permissions"))
		return
	}
	level, err := types.ParseSharingLevel(body.SharingLevel)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if level == types.SharingNoAccess {
		err = s.store.DeleteEntityDatabasePermission(ctx, target.ID, db.ID)
		if types.KindOf(err) == types.KindRecordNotFound {
			err = nil
		}
	} else {
		err = s.store.UpsertEntityDatabasePermission(ctx, &types.EntityDatabasePermission{
			EntityID:     target.ID,
			DatabaseID:   db.ID,
			SharingLevel: level,
		})
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleShareList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerEntity(ctx)

	db, err := s.store.GetDatabase(ctx, chi.URLParam(r, "entity"), chi.URLParam(r, "database"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ok, err := permissions.CanManageDatabase(ctx, s.store, caller, db)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, types.NoAccess())
		return
	}

	perms, err := s.store.ListEntityDatabasePermissions(ctx, db.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	type grant struct {
		Entity       string             `json:"entity"`
		SharingLevel types.SharingLevel `json:"sharing_level"`
	}
	grants := make([]grant, 0, len(perms))
	for _, perm := range perms {
		entity, err := s.store.GetEntityByID(ctx, perm.EntityID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		grants = append(grants, grant{Entity: entity.Slug, SharingLevel: perm.SharingLevel})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"permissions": grants})
}

// trimmedBody reads a small raw-text body, such as a snapshot ID.
func trimmedBody(r *http.Request) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		return "", types.Errorf(types.KindOther, "reading request body: %v", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
