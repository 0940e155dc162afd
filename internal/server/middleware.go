package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ayedb/ayb/internal/auth"
	"github.com/ayedb/ayb/internal/types"
)

type contextKey int

const (
	ctxKeyToken contextKey = iota
	ctxKeyEntity
)

// bearerAuth resolves the Authorization header to a token and its entity and
// attaches both to the request context.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := auth.ExtractBearer(r.Header.Get("Authorization"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		token, entity, err := s.auth.ValidateAPIToken(r.Context(), raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyToken, token)
		ctx = context.WithValue(ctx, ctxKeyEntity, entity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerToken(ctx context.Context) *types.APIToken {
	token, _ := ctx.Value(ctxKeyToken).(*types.APIToken)
	return token
}

func callerEntity(ctx context.Context) *types.Entity {
	entity, _ := ctx.Value(ctxKeyEntity).(*types.Entity)
	return entity
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	message := "internal error"
	var typed *types.Error
	if errors.As(err, &typed) {
		message = typed.Message
	}
	status := types.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "kind", string(kind), "error", err)
	}
	writeJSON(w, status, errorEnvelope{ErrorKind: string(kind), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
