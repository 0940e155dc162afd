package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ayedb/ayb/internal/auth"
	"github.com/ayedb/ayb/internal/types"
)

// handleRegister begins registration: it emails a confirmation token unless
// the entity is already registered under a different address.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.email == nil {
		s.writeError(w, types.Errorf(types.KindConfigurationError, "email delivery is not configured"))
		return
	}
	slug := types.NormalizeSlug(r.Header.Get("entity"))
	address := types.NormalizeSlug(r.Header.Get("email-address"))
	if slug == "" || address == "" {
		s.writeError(w, types.Errorf(types.KindOther, "entity and email-address headers are required"))
		return
	}
	entityType := types.EntityTypeUser
	if raw := r.Header.Get("entity-type"); raw != "" {
		parsed, err := types.ParseEntityType(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		entityType = parsed
	}

	ctx := r.Context()
	entity, err := s.store.GetEntity(ctx, slug)
	if err == nil {
		verified, err := s.verifiedEmails(ctx, entity.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if len(verified) > 0 && !containsString(verified, address) {
			s.writeError(w, types.Errorf(types.KindEntityExists, "%s is already registered", slug))
			return
		}
		entityType = entity.Type
	} else if types.KindOf(err) != types.KindRecordNotFound {
		s.writeError(w, err)
		return
	}

	if err := s.sendConfirmation(ctx, slug, entityType, address); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogIn emails a confirmation token to a registered entity's verified
// address.
func (s *Server) handleLogIn(w http.ResponseWriter, r *http.Request) {
	if s.email == nil {
		s.writeError(w, types.Errorf(types.KindConfigurationError, "email delivery is not configured"))
		return
	}
	slug := types.NormalizeSlug(r.Header.Get("entity"))
	if slug == "" {
		s.writeError(w, types.Errorf(types.KindOther, "entity header is required"))
		return
	}

	ctx := r.Context()
	entity, err := s.store.GetEntity(ctx, slug)
	if err != nil {
		s.writeError(w, err)
		return
	}
	verified, err := s.verifiedEmails(ctx, entity.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(verified) == 0 {
		s.writeError(w, types.RecordNotFound("entity", slug))
		return
	}

	if err := s.sendConfirmation(ctx, slug, entity.Type, verified[0]); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfirm finishes registration or login: it upserts the entity and
// its verified method, then mints a fresh API token.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get("authentication-token")
	claims, err := s.auth.DecryptConfirmationToken(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx := r.Context()
	entity, err := s.store.GetEntity(ctx, claims.EntitySlug)
	if types.KindOf(err) == types.KindRecordNotFound {
		entity, err = s.store.CreateEntity(ctx, claims.EntitySlug, claims.EntityType)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	verified, err := s.verifiedEmails(ctx, entity.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch {
	case containsString(verified, claims.EmailAddress):
		// Login through an existing method.
	case len(verified) > 0:
		s.writeError(w, types.Errorf(types.KindEntityExists, "%s is already registered", claims.EntitySlug))
		return
	default:
		err = s.store.CreateAuthenticationMethod(ctx, &types.AuthenticationMethod{
			EntityID:     entity.ID,
			Type:         types.AuthenticationMethodEmail,
			Status:       types.AuthenticationMethodVerified,
			EmailAddress: claims.EmailAddress,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	plaintext, token, err := auth.GenerateAPIToken(entity.ID, nil, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.CreateAPIToken(ctx, token); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"entity": entity.Slug,
		"token":  plaintext,
	})
}

// handleOAuthToken exchanges a PKCE authorization code for a scoped API
// token. Failures use OAuth error bodies, not the ayb envelope.
func (s *Server) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, "invalid_request")
		return
	}
	if r.PostFormValue("grant_type") != "authorization_code" {
		writeOAuthError(w, "unsupported_grant_type")
		return
	}
	code := r.PostFormValue("code")
	verifier := r.PostFormValue("code_verifier")
	redirectURI := r.PostFormValue("redirect_uri")
	if code == "" || verifier == "" {
		writeOAuthError(w, "invalid_request")
		return
	}

	ctx := r.Context()
	req, err := s.store.GetOAuthAuthorizationRequest(ctx, code)
	if err != nil {
		writeOAuthError(w, "invalid_grant")
		return
	}
	if req.UsedAt != nil || time.Now().After(req.ExpiresAt) || req.RedirectURI != redirectURI {
		writeOAuthError(w, "invalid_grant")
		return
	}
	if !auth.VerifyPKCE(verifier, req.CodeChallenge) {
		writeOAuthError(w, "invalid_grant")
		return
	}
	// Single use: marking fails if another exchange won the race.
	if err := s.store.MarkOAuthAuthorizationRequestUsed(ctx, code); err != nil {
		writeOAuthError(w, "invalid_grant")
		return
	}

	plaintext, token, err := auth.GenerateAPIToken(req.EntityID, &auth.TokenScope{
		DatabaseID: req.DatabaseID,
		Level:      req.QueryPermissionLevel,
		AppName:    req.AppName,
	}, nil)
	if err != nil {
		writeOAuthError(w, "server_error")
		return
	}
	if err := s.store.CreateAPIToken(ctx, token); err != nil {
		writeOAuthError(w, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": plaintext,
		"token_type":   "Bearer",
	})
}

func writeOAuthError(w http.ResponseWriter, code string) {
	status := http.StatusBadRequest
	if code == "server_error" {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": code})
}

// sendConfirmation mints a confirmation token and emails it.
func (s *Server) sendConfirmation(ctx context.Context, slug string, entityType types.EntityType, address string) error {
	token, err := s.auth.CreateConfirmationToken(slug, entityType, address)
	if err != nil {
		return err
	}
	body := fmt.Sprintf("To confirm, use this token:\n\n%s\n", token)
	if s.cfg.PublicURL != "" {
		body = fmt.Sprintf("To confirm, visit:\n\n%s/confirm?token=%s\n\nor use the token directly:\n\n%s\n",
			s.cfg.PublicURL, token, token)
	}
	return s.email.Send(ctx, address, "Your ayb confirmation", body)
}

func (s *Server) verifiedEmails(ctx context.Context, entityID int64) ([]string, error) {
	methods, err := s.store.ListAuthenticationMethods(ctx, entityID)
	if err != nil {
		return nil, err
	}
	var verified []string
	for _, m := range methods {
		if m.Status == types.AuthenticationMethodVerified {
			verified = append(verified, m.EmailAddress)
		}
	}
	return verified, nil
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
