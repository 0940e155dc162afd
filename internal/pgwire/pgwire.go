// Package pgwire serves the PostgreSQL wire protocol: startup, cleartext
// password authentication with the password as an API token, and simple
// queries routed through the same authenticated query path as HTTP. Every
// result column is typed as text.
package pgwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/ayedb/ayb/internal/qdaemon"
	"github.com/ayedb/ayb/internal/types"
)

const textOID = 25

// PostgreSQL error codes used on this front end.
const (
	codeInvalidPassword    = "28P01"
	codeInvalidAuthSpec    = "28000"
	codeProtocolViolation  = "08P01"
	codeSyntaxError        = "42601"
	codeInsufficientPrivil = "42501"
)

// Authenticator validates the password field as an API token.
type Authenticator interface {
	ValidateAPIToken(ctx context.Context, raw string) (*types.APIToken, *types.Entity, error)
}

// QueryService is the shared authenticated query path.
type QueryService interface {
	ExecuteAuthenticatedQuery(ctx context.Context, caller *types.Entity, token *types.APIToken,
		entitySlug, databaseSlug, sql string) (*qdaemon.QueryResult, error)
}

// Server accepts pgwire connections.
type Server struct {
	auth    Authenticator
	queries QueryService
	log     *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewServer builds a pgwire server; Serve runs it.
func NewServer(auth Authenticator, queries QueryService, log *slog.Logger) *Server {
	return &Server{auth: auth, queries: queries, log: log}
}

// Serve listens on addr until Shutdown closes the listener.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pgwire listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("pgwire listening", "addr", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("pgwire accept: %w", err)
		}
		go func() {
			defer conn.Close()
			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown stops accepting connections.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

// session is one authenticated connection.
type session struct {
	caller   *types.Entity
	token    *types.APIToken
	database string
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	backend := pgproto3.NewBackend(conn, conn)

	sess, err := s.startup(ctx, backend, conn)
	if err != nil {
		// Startup failures were already reported as FATAL.
		return
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("pgwire receive", "error", err)
			}
			return
		}
		switch m := msg.(type) {
		case *pgproto3.Query:
			if err := s.handleQuery(ctx, backend, sess, m.String); err != nil {
				return
			}
		case *pgproto3.Terminate:
			return
		case *pgproto3.Sync:
			if err := sendReady(backend); err != nil {
				return
			}
		default:
			// The extended query protocol is not supported.
			if err := sendError(backend, "ERROR", codeProtocolViolation,
				fmt.Sprintf("unsupported message: %T", m), true); err != nil {
				return
			}
		}
	}
}

// startup performs the handshake: deny SSL, read startup parameters, request
// a cleartext password, validate it as an API token, and check that the
// username matches the token's entity.
func (s *Server) startup(ctx context.Context, backend *pgproto3.Backend, conn net.Conn) (*session, error) {
	var params map[string]string
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return nil, err
			}
			continue
		case *pgproto3.StartupMessage:
			params = m.Parameters
		case *pgproto3.CancelRequest:
			return nil, errors.New("cancel request")
		default:
			return nil, fmt.Errorf("unexpected startup message: %T", m)
		}
		break
	}

	username := types.NormalizeSlug(params["user"])
	if username == "" {
		_ = sendFatal(backend, codeInvalidAuthSpec, "no PostgreSQL user name specified in startup packet")
		return nil, errors.New("missing user")
	}
	database := params["database"]
	if database == "" {
		database = username
	}

	backend.Send(&pgproto3.AuthenticationCleartextPassword{})
	if err := backend.Flush(); err != nil {
		return nil, err
	}
	msg, err := backend.Receive()
	if err != nil {
		return nil, err
	}
	password, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		_ = sendFatal(backend, codeProtocolViolation, fmt.Sprintf("expected password, got %T", msg))
		return nil, errors.New("protocol violation")
	}

	token, entity, err := s.auth.ValidateAPIToken(ctx, password.Password)
	if err != nil {
		_ = sendFatal(backend, codeInvalidPassword, "password authentication failed")
		return nil, err
	}
	if entity.Slug != username {
		_ = sendFatal(backend, codeInvalidPassword, fmt.Sprintf("password is not valid for user %q", username))
		return nil, errors.New("user mismatch")
	}

	backend.Send(&pgproto3.AuthenticationOk{})
	backend.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "14.0 (ayb)"})
	backend.Send(&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := backend.Flush(); err != nil {
		return nil, err
	}

	return &session{caller: entity, token: token, database: database}, nil
}

// handleQuery executes one simple query and encodes the response. SQL and
// permission failures are ERRORs; the connection stays open.
func (s *Server) handleQuery(ctx context.Context, backend *pgproto3.Backend, sess *session, sql string) error {
	entitySlug, databaseSlug, err := SplitDatabaseParam(sess.database)
	if err != nil {
		return sendError(backend, "ERROR", codeProtocolViolation, err.Error(), true)
	}

	result, err := s.queries.ExecuteAuthenticatedQuery(ctx, sess.caller, sess.token, entitySlug, databaseSlug, sql)
	if err != nil {
		code := codeSyntaxError
		if types.KindOf(err) == types.KindNoAccess || types.KindOf(err) == types.KindReadOnlyViolation {
			code = codeInsufficientPrivil
		}
		return sendError(backend, "ERROR", code, err.Error(), true)
	}

	backend.Send(rowDescription(result.Fields))
	for _, row := range result.Rows {
		backend.Send(dataRow(row))
	}
	backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(commandTag(sql, len(result.Rows)))})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return backend.Flush()
}

// commandTag builds the CommandComplete tag from the statement's leading
// keyword. Row counts are the rows returned to the client; SQLite does not
// report affected-row counts over this path.
func commandTag(sql string, rowCount int) string {
	words := strings.Fields(sql)
	if len(words) == 0 {
		return "OK"
	}
	verb := strings.ToUpper(words[0])
	switch verb {
	case "SELECT":
		return fmt.Sprintf("SELECT %d", rowCount)
	case "INSERT":
		return fmt.Sprintf("INSERT 0 %d", rowCount)
	case "UPDATE", "DELETE":
		return fmt.Sprintf("%s %d", verb, rowCount)
	case "CREATE", "DROP", "ALTER":
		if len(words) > 1 {
			return verb + " " + strings.ToUpper(words[1])
		}
		return verb
	case "PRAGMA", "VACUUM", "BEGIN", "COMMIT", "ROLLBACK":
		return verb
	}
	return "OK"
}

// SplitDatabaseParam parses the connection's database parameter, expected as
// entity/database.
func SplitDatabaseParam(param string) (entity, database string, err error) {
	parts := strings.SplitN(param, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("database parameter must be entity/database, got %q", param)
	}
	return types.NormalizeSlug(parts[0]), types.NormalizeSlug(parts[1]), nil
}

// rowDescription types every column as text.
func rowDescription(fields []string) *pgproto3.RowDescription {
	desc := &pgproto3.RowDescription{Fields: make([]pgproto3.FieldDescription, len(fields))}
	for i, name := range fields {
		desc.Fields[i] = pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  textOID,
			DataTypeSize: -1,
			TypeModifier: -1,
		}
	}
	return desc
}

// dataRow encodes one result row; NULL cells stay nil.
func dataRow(row []*string) *pgproto3.DataRow {
	values := make([][]byte, len(row))
	for i, cell := range row {
		if cell != nil {
			values[i] = []byte(*cell)
		}
	}
	return &pgproto3.DataRow{Values: values}
}

func sendError(backend *pgproto3.Backend, severity, code, message string, ready bool) error {
	backend.Send(&pgproto3.ErrorResponse{Severity: severity, Code: code, Message: message})
	if ready {
		backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	}
	return backend.Flush()
}

func sendFatal(backend *pgproto3.Backend, code, message string) error {
	return sendError(backend, "FATAL", code, message, false)
}

func sendReady(backend *pgproto3.Backend) error {
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return backend.Flush()
}
