// Package server exposes the HTTP API: registration and login, database
// lifecycle and queries, sharing, profiles, tokens, snapshots, and the OAuth
// PKCE code exchange. The pgwire front end reuses the same authenticated
// query path through ExecuteAuthenticatedQuery.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ayedb/ayb/internal/auth"
	"github.com/ayedb/ayb/internal/config"
	"github.com/ayedb/ayb/internal/email"
	"github.com/ayedb/ayb/internal/pathlayout"
	"github.com/ayedb/ayb/internal/permissions"
	"github.com/ayedb/ayb/internal/qdaemon"
	"github.com/ayedb/ayb/internal/snapshot"
	"github.com/ayedb/ayb/internal/store"
	"github.com/ayedb/ayb/internal/types"
)

// QueryExecutor is the daemon registry as the server sees it.
type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, dbPath string, query string, mode types.QueryMode) (*qdaemon.QueryResult, error)
}

// Server carries the wiring for every handler.
type Server struct {
	cfg       *config.Config
	store     store.Store
	auth      *auth.Authenticator
	layout    pathlayout.Layout
	daemons   QueryExecutor
	snapshots *snapshot.Engine // nil when snapshots are not configured
	email     email.Backend    // nil when email is not configured
	log       *slog.Logger

	// httpClient fetches pages for profile link verification.
	httpClient *http.Client
}

// New wires a server. snapshots and mail may be nil; the corresponding
// endpoints and flows report a configuration error.
func New(cfg *config.Config, st store.Store, authn *auth.Authenticator, layout pathlayout.Layout,
	daemons QueryExecutor, snapshots *snapshot.Engine, mail email.Backend, log *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		auth:       authn,
		layout:     layout,
		daemons:    daemons,
		snapshots:  snapshots,
		email:      mail,
		log:        log,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Router builds the /v1 route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{s.cfg.CORS.Origin},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/register", s.handleRegister)
		r.Post("/log_in", s.handleLogIn)
		r.Post("/confirm", s.handleConfirm)
		r.Post("/oauth/token", s.handleOAuthToken)

		r.Group(func(r chi.Router) {
			r.Use(s.bearerAuth)
			r.Get("/tokens", s.handleListTokens)
			r.Delete("/tokens/{short}", s.handleRevokeToken)
			r.Get("/entity/{entity}", s.handleEntityDetails)
			r.Patch("/entity/{entity}", s.handleUpdateProfile)
			r.Post("/{entity}/{database}/create", s.handleCreateDatabase)
			r.Patch("/{entity}/{database}/update", s.handleUpdateDatabase)
			r.Post("/{entity}/{database}/query", s.handleQuery)
			r.Get("/{entity}/{database}/details", s.handleDatabaseDetails)
			r.Post("/{entity}/{database}/share", s.handleShare)
			r.Get("/{entity}/{database}/share_list", s.handleShareList)
			r.Get("/{entity}/{database}/list_snapshots", s.handleListSnapshots)
			r.Post("/{entity}/{database}/restore_snapshot", s.handleRestoreSnapshot)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ExecuteAuthenticatedQuery is the shared query path for HTTP and pgwire:
// resolve the database, compute the effective access level, resolve the
// current on-disk path, and round-trip through the daemon registry.
func (s *Server) ExecuteAuthenticatedQuery(ctx context.Context, caller *types.Entity, token *types.APIToken,
	entitySlug, databaseSlug, sql string) (*qdaemon.QueryResult, error) {
	db, err := s.store.GetDatabase(ctx, entitySlug, databaseSlug)
	if err != nil {
		return nil, err
	}
	level, err := permissions.HighestQueryAccessLevel(ctx, s.store, caller, db, token)
	if err != nil {
		return nil, err
	}
	if level == nil {
		return nil, types.NoAccess()
	}

	dbPath, err := s.layout.EnsureDatabase(types.NormalizeSlug(entitySlug), types.NormalizeSlug(databaseSlug))
	if err != nil {
		return nil, err
	}

	result, err := s.daemons.ExecuteQuery(ctx, dbPath, sql, level.Mode())
	if err != nil {
		if *level == types.QueryReadOnly && isReadOnlyViolation(err) {
			return nil, types.Errorf(types.KindReadOnlyViolation,
				"attempted to write to %s/%s with read-only access", entitySlug, databaseSlug)
		}
		return nil, err
	}
	return result, nil
}

// isReadOnlyViolation recognizes the engine's query_only rejection inside a
// daemon error frame.
func isReadOnlyViolation(err error) bool {
	if types.KindOf(err) != types.KindQueryError {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "readonly database") || strings.Contains(msg, "query_only")
}
