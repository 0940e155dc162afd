package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ayedb/ayb/internal/permissions"
	"github.com/ayedb/ayb/internal/store"
	"github.com/ayedb/ayb/internal/types"
)

type entityResponse struct {
	Slug         string             `json:"slug"`
	Type         types.EntityType   `json:"entity_type"`
	DisplayName  *string            `json:"display_name"`
	Description  *string            `json:"description"`
	Organization *string            `json:"organization"`
	Location     *string            `json:"location"`
	Links        []types.Link       `json:"links"`
	Databases    []databaseResponse `json:"databases"`
}

// handleEntityDetails returns a profile plus the databases the caller is
// allowed to discover.
func (s *Server) handleEntityDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerEntity(ctx)

	entity, err := s.store.GetEntity(ctx, chi.URLParam(r, "entity"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	databases, err := s.store.ListDatabases(ctx, entity.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	visible := make([]databaseResponse, 0, len(databases))
	for i := range databases {
		db := &databases[i]
		ok, err := permissions.CanDiscoverDatabase(ctx, s.store, caller, db)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !ok {
			continue
		}
		visible = append(visible, databaseResponse{
			Entity:             entity.Slug,
			Database:           db.Slug,
			DatabaseType:       db.DBType,
			PublicSharingLevel: db.PublicSharingLevel,
		})
	}

	links := entity.Links
	if links == nil {
		links = []types.Link{}
	}
	writeJSON(w, http.StatusOK, entityResponse{
		Slug:         entity.Slug,
		Type:         entity.Type,
		DisplayName:  entity.DisplayName,
		Description:  entity.Description,
		Organization: entity.Organization,
		Location:     entity.Location,
		Links:        links,
		Databases:    visible,
	})
}

// handleUpdateProfile applies a three-state partial update: absent fields are
// left alone, null fields are cleared, valued fields are set. Only the entity
// itself may update its profile.
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerEntity(ctx)

	entity, err := s.store.GetEntity(ctx, chi.URLParam(r, "entity"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if caller.ID != entity.ID {
		s.writeError(w, types.NoAccess())
		return
	}

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		s.writeError(w, types.Errorf(types.KindOther, "malformed request body: %v", err))
		return
	}

	var upd store.ProfileUpdate
	for key, raw := range fields {
		switch key {
		case "display_name", "description", "organization", "location":
			text, err := decodeOptionalText(raw)
			if err != nil {
				s.writeError(w, types.Errorf(types.KindOther, "field %s: %v", key, err))
				return
			}
			switch key {
			case "display_name":
				upd.DisplayName = text
			case "description":
				upd.Description = text
			case "organization":
				upd.Organization = text
			case "location":
				upd.Location = text
			}
		case "links":
			links, err := s.decodeLinks(ctx, entity.Slug, raw)
			if err != nil {
				s.writeError(w, err)
				return
			}
			upd.Links = links
		default:
			s.writeError(w, types.Errorf(types.KindOther, "unknown profile field: %s", key))
			return
		}
	}

	if err := s.store.UpdateEntityProfile(ctx, entity.ID, upd); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleEntityDetailsAfterUpdate(w, r, entity.Slug)
}

func (s *Server) handleEntityDetailsAfterUpdate(w http.ResponseWriter, r *http.Request, slug string) {
	// Re-fetch so the response reflects the stored state, verification
	// included.
	entity, err := s.store.GetEntity(r.Context(), slug)
	if err != nil {
		s.writeError(w, err)
		return
	}
	links := entity.Links
	if links == nil {
		links = []types.Link{}
	}
	writeJSON(w, http.StatusOK, entityResponse{
		Slug:         entity.Slug,
		Type:         entity.Type,
		DisplayName:  entity.DisplayName,
		Description:  entity.Description,
		Organization: entity.Organization,
		Location:     entity.Location,
		Links:        links,
		Databases:    []databaseResponse{},
	})
}

// decodeOptionalText maps JSON null to clear and a string to set.
func decodeOptionalText(raw json.RawMessage) (store.OptionalText, error) {
	var value *string
	if err := json.Unmarshal(raw, &value); err != nil {
		return store.OptionalText{}, err
	}
	if value == nil {
		return store.ClearText(), nil
	}
	return store.Text(*value), nil
}

// decodeLinks parses the replacement link list and runs live verification
// when a web frontend is configured. null clears the list.
func (s *Server) decodeLinks(ctx context.Context, entitySlug string, raw json.RawMessage) (*[]types.Link, error) {
	var urls []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &urls); err != nil {
		return nil, types.Errorf(types.KindOther, "field links: %v", err)
	}
	links := make([]types.Link, 0, len(urls))
	for _, u := range urls {
		link := types.Link{URL: u.URL}
		if s.cfg.Web != nil && s.cfg.Web.BaseURL != "" {
			link.Verified = s.verifyLink(ctx, u.URL, s.profileURL(entitySlug))
		}
		links = append(links, link)
	}
	return &links, nil
}

func (s *Server) profileURL(entitySlug string) string {
	return s.cfg.Web.BaseURL + "/" + entitySlug
}
