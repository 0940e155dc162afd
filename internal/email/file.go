package email

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ayedb/ayb/internal/types"
)

// fileBackend appends every message to a single outbox file. Messages are
// separated by a marker line so tests and local runs can split them apart.
type fileBackend struct {
	mu   sync.Mutex
	path string
}

// MessageSeparator delimits messages in a file outbox.
const MessageSeparator = "---MESSAGE---\n"

// NewFile builds an append-only file backend rooted at path. The parent
// directory is created if missing.
func NewFile(path string) (Backend, error) {
	if path == "" {
		return nil, types.Errorf(types.KindConfigurationError, "email.file requires path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, types.Errorf(types.KindConfigurationError, "creating email outbox directory: %v", err)
	}
	return &fileBackend{path: path}, nil
}

func (f *fileBackend) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return types.Errorf(types.KindIO, "opening email outbox: %v", err)
	}
	defer out.Close()

	msg := formatMessage("outbox", to, subject, body)
	if _, err := fmt.Fprintf(out, "%s%s", MessageSeparator, msg); err != nil {
		return types.Errorf(types.KindIO, "writing email outbox: %v", err)
	}
	return out.Sync()
}
