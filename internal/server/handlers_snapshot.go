package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ayedb/ayb/internal/permissions"
	"github.com/ayedb/ayb/internal/types"
)

// snapshotAccess fetches the database and checks snapshot management.
func (s *Server) snapshotAccess(w http.ResponseWriter, r *http.Request) (*types.Database, bool) {
	ctx := r.Context()
	if s.snapshots == nil {
		s.writeError(w, types.Errorf(types.KindConfigurationError, "snapshots are not configured"))
		return nil, false
	}
	db, err := s.store.GetDatabase(ctx, chi.URLParam(r, "entity"), chi.URLParam(r, "database"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	ok, err := permissions.CanManageSnapshots(ctx, s.store, callerEntity(ctx), db)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if !ok {
		s.writeError(w, types.NoAccess())
		return nil, false
	}
	return db, true
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.snapshotAccess(w, r); !ok {
		return
	}
	entitySlug := types.NormalizeSlug(chi.URLParam(r, "entity"))
	databaseSlug := types.NormalizeSlug(chi.URLParam(r, "database"))

	infos, err := s.snapshots.ListSnapshots(r.Context(), entitySlug, databaseSlug)
	if err != nil {
		s.writeError(w, err)
		return
	}
	type snapshotInfo struct {
		ID           string    `json:"snapshot_id"`
		LastModified time.Time `json:"last_modified_at"`
	}
	list := make([]snapshotInfo, 0, len(infos))
	for _, info := range infos {
		list = append(list, snapshotInfo{ID: info.ID, LastModified: info.LastModified})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": list})
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.snapshotAccess(w, r); !ok {
		return
	}
	id, err := trimmedBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if id == "" {
		s.writeError(w, types.Errorf(types.KindOther, "request body must be a snapshot id"))
		return
	}
	entitySlug := types.NormalizeSlug(chi.URLParam(r, "entity"))
	databaseSlug := types.NormalizeSlug(chi.URLParam(r, "database"))

	if err := s.snapshots.Restore(r.Context(), entitySlug, databaseSlug, id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
