//go:build unix

package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/openfroyo/polemarch/pkg/engine"
)

// Two managers on one root stand in for two processes: flock treats each
// open of the lock file as a separate owner.
func TestLock_ExcludesOtherProcesses(t *testing.T) {
	root := t.TempDir()
	serve, err := NewManager(root)
	if err != nil {
		t.Fatal(err)
	}
	cli, err := NewManager(root)
	if err != nil {
		t.Fatal(err)
	}

	running, err := serve.Lock("web").AcquireShared(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := cli.Lock("web").TryAcquireExclusive(); !engine.HasCode(err, engine.ErrCodeWorkspaceBusy) {
		t.Fatalf("sync while another process executes: expected busy, got %v", err)
	}

	shared, err := cli.Lock("web").AcquireShared(context.Background())
	if err != nil {
		t.Fatalf("executions in different processes should share the workspace: %v", err)
	}
	shared()
	running()

	release, err := cli.Lock("web").TryAcquireExclusive()
	if err != nil {
		t.Fatalf("sync on idle workspace: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*sharedRetryInterval)
	defer cancel()
	if _, err := serve.Lock("web").AcquireShared(ctx); err == nil {
		t.Fatal("execution should wait while another process syncs")
	}

	acquired := make(chan struct{})
	go func() {
		r, err := serve.Lock("web").AcquireShared(context.Background())
		if err == nil {
			r()
		}
		close(acquired)
	}()

	release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not proceed after the other process finished syncing")
	}

	other, err := cli.Lock("db").TryAcquireExclusive()
	if err != nil {
		t.Fatalf("distinct workspaces must not share lock files: %v", err)
	}
	other()
}
