package qdaemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ayedb/ayb/internal/sandbox"
	"github.com/ayedb/ayb/internal/types"
)

// maxFrameBytes bounds a single request line. Larger queries are rejected
// rather than silently truncated.
const maxFrameBytes = 16 << 20

// Run applies the sandbox, opens the database with the engine-level defense
// layers, and serves the stdio protocol until EOF. This is the entire life
// of an ayb-daemon process.
//
// Two connections are held: a read-write one and one opened with
// OPEN_READONLY. Read-only requests run on the latter, so the restriction
// lives in the open flags and no statement in the request can lift it.
func Run(dbPath string, cfg sandbox.Config, stdin io.Reader, stdout io.Writer, log *slog.Logger) error {
	if err := sandbox.Apply(cfg, log); err != nil {
		return err
	}

	conn, err := open(dbPath, sqlite3.OPEN_READWRITE|sqlite3.OPEN_CREATE)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Opened after the read-write connection so the file exists.
	roConn, err := open(dbPath, sqlite3.OPEN_READONLY)
	if err != nil {
		return err
	}
	defer roConn.Close()

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	w := bufio.NewWriter(stdout)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = Response{Error: fmt.Sprintf("malformed request: %v", err)}
		} else if req.QueryMode == types.QueryModeReadOnly {
			resp = execute(roConn, req)
		} else {
			resp = execute(conn, req)
		}
		if err := enc.Encode(&resp); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// open opens the database with ATTACH disabled and defensive mode on. These
// two settings are the only isolation layer that exists on every platform
// and are mandatory.
func open(dbPath string, flags sqlite3.OpenFlag) (*sqlite3.Conn, error) {
	conn, err := sqlite3.OpenFlags(dbPath, flags)
	if err != nil {
		return nil, types.Errorf(types.KindQueryError, "opening database: %v", err)
	}
	conn.Limit(sqlite3.LIMIT_ATTACHED, 0)
	if _, err := conn.Config(sqlite3.DBCONFIG_DEFENSIVE, true); err != nil {
		conn.Close()
		return nil, types.Errorf(types.KindQueryError, "enabling defensive mode: %v", err)
	}
	return conn, nil
}

// execute runs every statement in the request on the given connection and
// returns the result set of the last one.
func execute(conn *sqlite3.Conn, req Request) Response {
	var fields []string
	var rows [][]*string

	sql := strings.TrimSpace(req.Query)
	for sql != "" {
		stmt, tail, err := conn.Prepare(sql)
		if err != nil {
			return Response{Error: err.Error()}
		}
		if stmt == nil {
			// Trailing comments or whitespace.
			sql = strings.TrimSpace(tail)
			continue
		}

		n := stmt.ColumnCount()
		fields = make([]string, n)
		for i := range fields {
			fields[i] = stmt.ColumnName(i)
		}
		rows = nil
		for stmt.Step() {
			row := make([]*string, n)
			for i := 0; i < n; i++ {
				cell, err := encodeColumn(stmt, i)
				if err != nil {
					_ = stmt.Close()
					return Response{Error: err.Error()}
				}
				row[i] = cell
			}
			rows = append(rows, row)
		}
		if err := stmt.Err(); err != nil {
			_ = stmt.Close()
			return Response{Error: err.Error()}
		}
		if err := stmt.Close(); err != nil {
			return Response{Error: err.Error()}
		}
		sql = strings.TrimSpace(tail)
	}

	return Response{Fields: fields, Rows: rows}
}

// encodeColumn stringifies one cell. NULL becomes nil; blobs must be valid
// UTF-8 or the query fails.
func encodeColumn(stmt *sqlite3.Stmt, i int) (*string, error) {
	switch stmt.ColumnType(i) {
	case sqlite3.NULL:
		return nil, nil
	case sqlite3.BLOB:
		b := stmt.ColumnBlob(i, nil)
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("column %d contains a non-UTF-8 blob", i)
		}
		s := string(b)
		return &s, nil
	default:
		s := stmt.ColumnText(i)
		return &s, nil
	}
}
