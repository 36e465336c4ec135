package service

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/executor"
	"github.com/openfroyo/polemarch/pkg/stores"
)

func TestCancel_AfterCompletionHasNoEffect(t *testing.T) {
	env := setupService(t, false)
	env.sync(t)
	ctx := context.Background()

	h, err := env.svc.ExecutePlaybook(ctx, PlaybookRequest{ProjectID: "web", Playbook: "site.yml", Inventory: "web1,"})
	if err != nil {
		t.Fatal(err)
	}
	if status := wait(t, h); status != engine.StatusOK {
		t.Fatalf("status = %s, want OK", status)
	}

	if _, err := env.svc.Cancel(ctx, h.ID()); err != nil {
		t.Fatalf("Cancel after completion should be accepted: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	record, err := env.svc.History(ctx, h.ID())
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != engine.StatusOK || record.Error != "" {
		t.Errorf("late cancel changed the record: %+v", record)
	}
}

func TestDeleteProject(t *testing.T) {
	env := setupService(t, false)
	env.sync(t)
	ctx := context.Background()

	dir, err := env.svc.workspaces.Path("web")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("workspace missing after sync: %v", err)
	}

	h, err := env.svc.ExecutePlaybook(ctx, PlaybookRequest{
		ProjectID: "web",
		Playbook:  "site.yml",
		Inventory: "web1,",
		Env:       map[string]string{"SLEEP": "30"},
	})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for h.Status() != engine.StatusRun {
		if time.Now().After(deadline) {
			t.Fatal("execution never reached RUN")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := env.svc.DeleteProject(ctx, "web"); !engine.IsConflict(err) && !engine.HasCode(err, engine.ErrCodeNotAcceptable) {
		t.Fatalf("delete during execution: err = %v", err)
	}

	if _, err := env.svc.Cancel(ctx, h.ID()); err != nil {
		t.Fatal(err)
	}
	if status := wait(t, h); status != engine.StatusStopped {
		t.Fatalf("status = %s, want STOPPED", status)
	}

	if err := env.svc.DeleteProject(ctx, "web"); err != nil {
		t.Fatalf("DeleteProject failed: %v", err)
	}
	if _, err := env.store.GetProject(ctx, "web"); err == nil {
		t.Error("project still stored")
	}
	if _, err := env.store.GetSyncRecord(ctx, "web"); err == nil {
		t.Error("sync record outlived its project")
	}
	if records := env.histories(t); len(records) != 0 {
		t.Errorf("histories outlived their project: %d", len(records))
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("workspace directory still present: %v", err)
	}
	if entries := env.audit(t, ActionDelete); len(entries) != 1 {
		t.Errorf("delete audit entries = %d", len(entries))
	}

	if err := env.svc.DeleteProject(ctx, "web"); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("second delete: err = %v, want NOT_FOUND", err)
	}
}

func TestDeleteProject_KeepsUnmanagedDirectory(t *testing.T) {
	env := setupService(t, false)
	ctx := context.Background()

	dir := t.TempDir()
	if err := env.svc.RegisterProject(ctx, &engine.Project{ID: "local", Backend: engine.BackendManual, Source: dir}); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.DeleteProject(ctx, "local"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("directory outside the workspace root was removed: %v", err)
	}
}

func TestMaintainOnce_PurgesExpiredFacts(t *testing.T) {
	env := setupService(t, false)
	ctx := context.Background()

	now := time.Now()
	live, expired := now.Add(time.Hour), now.Add(-time.Hour)
	for _, f := range []*stores.Fact{
		{ID: "f1", TargetID: "web1", Namespace: executor.FactsNamespace, Key: executor.FactsKey, Value: `{"os":"linux"}`, TTL: 3600, ExpiresAt: &live, CreatedAt: now, UpdatedAt: now},
		{ID: "f2", TargetID: "web2", Namespace: executor.FactsNamespace, Key: executor.FactsKey, Value: `{}`, TTL: 1, ExpiresAt: &expired, CreatedAt: now, UpdatedAt: now},
	} {
		if err := env.store.UpsertFact(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	purged, err := env.svc.MaintainOnce(ctx)
	if err != nil || purged != 1 {
		t.Fatalf("MaintainOnce() = %d, %v", purged, err)
	}

	facts, err := env.svc.HostFacts(ctx, "", 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 1 || facts[0].TargetID != "web1" {
		t.Errorf("HostFacts() = %+v", facts)
	}
	if facts, _ := env.svc.HostFacts(ctx, "web2", 100, 0); len(facts) != 0 {
		t.Errorf("expired host still listed: %+v", facts)
	}
}

func TestMaintain_StopsWithContext(t *testing.T) {
	env := setupService(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.svc.Maintain(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Maintain did not return after cancellation")
	}
}

func TestAuditLog_Filters(t *testing.T) {
	env := setupService(t, false)
	env.sync(t)
	ctx := WithInitiator(context.Background(), operator)

	if _, err := env.svc.Sync(ctx, "web"); err != nil {
		t.Fatal(err)
	}

	entries, err := env.svc.AuditLog(ctx, AuditFilter{Action: ActionSync}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Actor != "alice" {
		t.Errorf("sync entries = %+v", entries)
	}

	entries, err = env.svc.AuditLog(ctx, AuditFilter{Action: ActionSync, Actor: "alice"}, 10, 0)
	if err != nil || len(entries) != 1 {
		t.Errorf("entries for alice = %d, %v", len(entries), err)
	}
}

func TestProjectsAndJobs(t *testing.T) {
	env := setupService(t, false)
	ctx := context.Background()

	projects, err := env.svc.Projects(ctx)
	if err != nil || len(projects) != 1 || projects[0].ID != "web" {
		t.Fatalf("Projects() = %+v, %v", projects, err)
	}

	job := &engine.JobDefinition{ID: "deploy", ProjectID: "web", Kind: engine.KindPlaybook, Target: "site.yml", Inventory: "web1,"}
	if err := env.store.UpsertJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	jobs, err := env.svc.Jobs(ctx)
	if err != nil || len(jobs) != 1 || jobs[0].ID != "deploy" {
		t.Errorf("Jobs() = %+v, %v", jobs, err)
	}
}
