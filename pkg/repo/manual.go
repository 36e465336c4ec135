package repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/openfroyo/polemarch/pkg/engine"
)

// ManualBackend validates a directory that users manage themselves.
type ManualBackend struct{}

// NewManualBackend returns the manual backend.
func NewManualBackend() *ManualBackend {
	return &ManualBackend{}
}

// Kind implements Backend.
func (*ManualBackend) Kind() engine.BackendKind {
	return engine.BackendManual
}

// Sync creates the managed directory on first use. A directory given as the
// project source must already exist and be readable.
func (*ManualBackend) Sync(_ context.Context, project *engine.Project, dir string) (string, error) {
	if project.Source == "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", engine.NewSyncContentError("failed to create workspace", err)
		}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return "", engine.NewSyncContentError(fmt.Sprintf("workspace root %s is not accessible", dir), err)
	}
	if !info.IsDir() {
		return "", engine.NewSyncContentError(fmt.Sprintf("workspace root %s is not a directory", dir), nil)
	}

	f, err := os.Open(dir)
	if err != nil {
		return "", engine.NewSyncContentError(fmt.Sprintf("workspace root %s is not readable", dir), err)
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return "", engine.NewSyncContentError(fmt.Sprintf("workspace root %s is not readable", dir), err)
	}

	return "", nil
}
