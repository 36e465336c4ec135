package engine_test

import (
	"errors"
	"fmt"

	"github.com/openfroyo/polemarch/pkg/engine"
)

// Example_jobKey shows how executions are serialized per job key.
func Example_jobKey() {
	job := engine.JobDefinition{
		ID:        "deploy-web",
		ProjectID: "web",
		Kind:      engine.KindPlaybook,
		Target:    "site.yml",
		Inventory: "hosts.ini",
	}
	adhoc := engine.JobDefinition{
		ProjectID: "web",
		Kind:      engine.KindModule,
		Target:    "ping",
		Inventory: "hosts.ini",
	}

	fmt.Println(job.Key())
	fmt.Println(adhoc.Key())
	// Output:
	// job:deploy-web
	// project:web:module:ping
}

// Example_errorClassification shows how sync failures are classified.
func Example_errorClassification() {
	network := engine.NewSyncNetworkError("failed to fetch archive", errors.New("connection refused")).
		WithResource("web")
	content := engine.NewSyncContentError("archive is corrupt", nil).WithResource("web")

	fmt.Println(engine.IsRetryable(network), engine.CodeOf(network))
	fmt.Println(engine.IsRetryable(content), engine.CodeOf(content))
	// Output:
	// true SYNC_NETWORK
	// false SYNC_CONTENT
}

// Example_lifecycle shows the terminal statuses.
func Example_lifecycle() {
	for _, s := range []engine.ExecutionStatus{
		engine.StatusDelay, engine.StatusRun, engine.StatusOK,
		engine.StatusStopped, engine.StatusTimeout, engine.StatusOffline,
	} {
		fmt.Printf("%s terminal=%v\n", s, s.IsTerminal())
	}
	// Output:
	// DELAY terminal=false
	// RUN terminal=false
	// OK terminal=true
	// STOPPED terminal=true
	// TIMEOUT terminal=true
	// OFFLINE terminal=true
}
