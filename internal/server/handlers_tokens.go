package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ayedb/ayb/internal/types"
)

type tokenResponse struct {
	ShortToken string     `json:"short_token"`
	AppName    *string    `json:"app_name,omitempty"`
	Database   *string    `json:"database,omitempty"`
	Level      *string    `json:"query_permission_level,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerEntity(ctx)

	tokens, err := s.store.ListAPITokens(ctx, caller.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	list := make([]tokenResponse, 0, len(tokens))
	for i := range tokens {
		t := &tokens[i]
		resp := tokenResponse{
			ShortToken: t.ShortToken,
			AppName:    t.AppName,
			CreatedAt:  t.CreatedAt,
			ExpiresAt:  t.ExpiresAt,
			RevokedAt:  t.RevokedAt,
		}
		if t.Scoped() {
			if db, err := s.store.GetDatabaseByID(ctx, *t.DatabaseID); err == nil {
				name := db.Slug
				resp.Database = &name
			}
			level := string(*t.QueryPermissionLevel)
			resp.Level = &level
		}
		list = append(list, resp)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": list})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerEntity(ctx)
	short := chi.URLParam(r, "short")

	token, err := s.store.GetAPIToken(ctx, short)
	if err != nil || token.EntityID != caller.ID {
		// Another entity's token looks exactly like a missing one.
		s.writeError(w, types.RecordNotFound("api_token", short))
		return
	}
	if err := s.store.RevokeAPIToken(ctx, short); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
