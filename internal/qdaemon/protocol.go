// Package qdaemon implements the query daemon: the per-database helper
// process, and the newline-delimited JSON protocol it speaks on stdio.
//
// One request per line in, one response per line out, flushed after every
// response. A malformed request line produces an error response and the
// loop continues; EOF on stdin terminates the daemon cleanly.
package qdaemon

import "github.com/ayedb/ayb/internal/types"

// Request is one query frame sent to the daemon.
type Request struct {
	Query     string          `json:"query"`
	QueryMode types.QueryMode `json:"query_mode"`
}

// Response is one result frame from the daemon: either Fields/Rows or
// Error, never both. Cell values are optional strings; NULL is null.
type Response struct {
	Fields []string    `json:"fields,omitempty"`
	Rows   [][]*string `json:"rows,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// QueryResult is the successful half of a Response, used across the server
// once the frame has been parsed.
type QueryResult struct {
	Fields []string    `json:"fields"`
	Rows   [][]*string `json:"rows"`
}
