package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_FinalizeHistory demonstrates the record lifecycle.
func ExampleSQLiteStore_FinalizeHistory() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.UpsertProject(ctx, &engine.Project{ID: "web", Backend: engine.BackendManual})

	record := &engine.ExecutionRecord{
		ProjectID: "web",
		JobKey:    "project:web:playbook:site.yml",
		Kind:      engine.KindPlaybook,
		Target:    "site.yml",
		Status:    engine.StatusDelay,
	}
	_ = store.CreateHistory(ctx, record)
	_, _ = store.MarkHistoryRunning(ctx, record.ID)

	first, _ := store.FinalizeHistory(ctx, record.ID, engine.StatusOK, "", time.Now())
	second, _ := store.FinalizeHistory(ctx, record.ID, engine.StatusStopped, "", time.Now())

	got, _ := store.GetHistory(ctx, record.ID)
	fmt.Println(first, second, got.Status)
	// Output: true false OK
}

// ExampleSQLiteStore_ListHistoryLines demonstrates paging through output.
func ExampleSQLiteStore_ListHistoryLines() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.UpsertProject(ctx, &engine.Project{ID: "web", Backend: engine.BackendManual})
	record := &engine.ExecutionRecord{ProjectID: "web", JobKey: "k", Kind: engine.KindModule, Target: "ping", Status: engine.StatusDelay}
	_ = store.CreateHistory(ctx, record)

	for i, text := range []string{"PLAY [all]", "TASK [ping]", "ok: [web1]"} {
		_ = store.AppendHistoryLine(ctx, &engine.HistoryLine{
			HistoryID: record.ID,
			Number:    int64(i + 1),
			Text:      text,
			EmittedAt: time.Now(),
		})
	}

	lines, _ := store.ListHistoryLines(ctx, record.ID, 1, 2)
	for _, line := range lines {
		fmt.Printf("%d %s\n", line.Number, line.Text)
	}
	// Output:
	// 2 TASK [ping]
	// 3 ok: [web1]
}
