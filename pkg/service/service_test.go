package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/polemarch/pkg/cancel"
	"github.com/openfroyo/polemarch/pkg/config"
	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/executor"
	"github.com/openfroyo/polemarch/pkg/history"
	"github.com/openfroyo/polemarch/pkg/inventory"
	"github.com/openfroyo/polemarch/pkg/policy"
	"github.com/openfroyo/polemarch/pkg/repo"
	"github.com/openfroyo/polemarch/pkg/stores"
	"github.com/openfroyo/polemarch/pkg/workspace"
)

type testEnv struct {
	store *stores.SQLiteStore
	svc   *Service
	bin   string
}

func setupService(t *testing.T, withPolicy bool) *testEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process tests need /bin/sh")
	}

	dir := t.TempDir()
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "service.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	workspaces, err := workspace.NewManager(filepath.Join(dir, "projects"))
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{store: store, bin: filepath.Join(dir, "bin")}
	channel := cancel.NewMemoryChannel(0)
	exec := executor.New(store, channel, workspaces, executor.Options{
		PlaybookBinary: env.script(t, "ansible-playbook", `echo "playbook $*"; sleep "${SLEEP:-0}"`),
		ModuleBinary:   env.script(t, "ansible", `echo "module $*"`),
		PollInterval:   20 * time.Millisecond,
		GracePeriod:    2 * time.Second,
		InventoryDir:   filepath.Join(dir, "inventories"),
	})

	opts := Options{}
	if withPolicy {
		eng, err := policy.NewEngine(zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}
		opts.Policy = eng
	}

	env.svc = New(store, workspaces, repo.NewSynchronizer(store, workspaces, repo.Options{}), exec, channel, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = env.svc.Close(ctx)
	})

	if err := env.svc.RegisterProject(ctx, &engine.Project{ID: "web", Backend: engine.BackendManual}); err != nil {
		t.Fatal(err)
	}
	return env
}

func (e *testEnv) script(t *testing.T, name, body string) string {
	t.Helper()
	if err := os.MkdirAll(e.bin, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(e.bin, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func (e *testEnv) sync(t *testing.T) {
	t.Helper()
	if _, err := e.svc.Sync(context.Background(), "web"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
}

func (e *testEnv) histories(t *testing.T) []*engine.ExecutionRecord {
	t.Helper()
	records, err := e.svc.Histories(context.Background(), stores.HistoryFilter{}, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	return records
}

func (e *testEnv) audit(t *testing.T, action string) []*stores.AuditEntry {
	t.Helper()
	entries, err := e.store.ListAuditEntries(context.Background(), &action, nil, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func wait(t *testing.T, h *executor.Handle) engine.ExecutionStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	status, _ := h.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("execution %d did not finish", h.ID())
	}
	return status
}

var operator = engine.Initiator{Name: "alice", Type: engine.InitiatorUser}

func TestSupportedRepos(t *testing.T) {
	env := setupService(t, false)

	got := env.svc.SupportedRepos()
	if strings.Join(got, ",") != "git,manual,tar" {
		t.Errorf("SupportedRepos() = %v", got)
	}
}

func TestSync_RecordsAudit(t *testing.T) {
	env := setupService(t, false)
	env.sync(t)

	entries := env.audit(t, ActionSync)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].Actor != "system" || entries[0].TargetID == nil || *entries[0].TargetID != "web" {
		t.Errorf("audit entry = %+v", entries[0])
	}
}

func TestSync_UnknownProject(t *testing.T) {
	env := setupService(t, false)

	if _, err := env.svc.Sync(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown project")
	}
	if entries := env.audit(t, ActionSync); len(entries) != 1 {
		t.Errorf("failed sync not audited: %d entries", len(entries))
	}
}

func TestExecutePlaybook_OK(t *testing.T) {
	env := setupService(t, false)
	env.sync(t)
	ctx := context.Background()

	h, err := env.svc.ExecutePlaybook(ctx, PlaybookRequest{
		ProjectID: "web",
		Playbook:  "site.yml",
		Inventory: "web1,web2",
		Initiator: operator,
	})
	if err != nil {
		t.Fatalf("ExecutePlaybook failed: %v", err)
	}
	if status := wait(t, h); status != engine.StatusOK {
		t.Fatalf("status = %s, want OK", status)
	}

	record, err := env.svc.History(ctx, h.ID())
	if err != nil {
		t.Fatal(err)
	}
	if record.Initiator != "alice" || record.InitiatorType != engine.InitiatorUser {
		t.Errorf("initiator = %s/%s", record.Initiator, record.InitiatorType)
	}

	raw, err := env.svc.Raw(ctx, h.ID())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(raw, "playbook ") || !strings.Contains(raw, "site.yml") {
		t.Errorf("raw output = %q", raw)
	}

	lines, err := env.svc.Lines(ctx, h.ID(), history.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0].Number != 1 {
		t.Errorf("lines = %+v", lines)
	}

	entries := env.audit(t, ActionExecute)
	if len(entries) != 1 || entries[0].Actor != "alice" {
		t.Fatalf("execute audit = %+v", entries)
	}
	var details map[string]interface{}
	if err := json.Unmarshal([]byte(*entries[0].Details), &details); err != nil {
		t.Fatal(err)
	}
	if details["target"] != "site.yml" || details["correlation_id"] == "" {
		t.Errorf("audit details = %v", details)
	}
}

func TestExecute_WorkspaceNotReady(t *testing.T) {
	env := setupService(t, false)

	_, err := env.svc.ExecutePlaybook(context.Background(), PlaybookRequest{
		ProjectID: "web",
		Playbook:  "site.yml",
		Inventory: "web1,",
	})
	if !engine.HasCode(err, engine.ErrCodeWorkspaceNotReady) {
		t.Fatalf("err = %v, want WORKSPACE_NOT_READY", err)
	}
	if records := env.histories(t); len(records) != 0 {
		t.Errorf("refused execution left %d records", len(records))
	}
}

func TestExecute_IgnoreSyncStatus(t *testing.T) {
	env := setupService(t, false)

	_, err := env.svc.ExecutePlaybook(context.Background(), PlaybookRequest{
		ProjectID:        "web",
		Playbook:         "site.yml",
		Inventory:        "web1,",
		IgnoreSyncStatus: true,
	})
	if engine.HasCode(err, engine.ErrCodeWorkspaceNotReady) {
		t.Fatalf("readiness checked despite IgnoreSyncStatus: %v", err)
	}
}

func TestExecute_UnknownProject(t *testing.T) {
	env := setupService(t, false)

	_, err := env.svc.ExecutePlaybook(context.Background(), PlaybookRequest{ProjectID: "nope", Playbook: "site.yml"})
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestExecute_PolicyDenied(t *testing.T) {
	env := setupService(t, true)
	env.sync(t)

	_, err := env.svc.ExecutePlaybook(context.Background(), PlaybookRequest{
		ProjectID: "web",
		Playbook:  "../../etc/site.yml",
		Inventory: "web1,",
	})
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Fatalf("err = %v, want POLICY_DENIED", err)
	}
	if records := env.histories(t); len(records) != 0 {
		t.Errorf("denied execution left %d records", len(records))
	}
}

func TestExecute_PolicyAllows(t *testing.T) {
	env := setupService(t, true)
	env.sync(t)

	h, err := env.svc.ExecutePlaybook(context.Background(), PlaybookRequest{
		ProjectID: "web",
		Playbook:  "site.yml",
		Inventory: "web1,",
	})
	if err != nil {
		t.Fatalf("ExecutePlaybook failed: %v", err)
	}
	if status := wait(t, h); status != engine.StatusOK {
		t.Errorf("status = %s", status)
	}
}

const prodInventory = `name: prod
hosts:
  - name: web1
  - name: web2
groups:
  - name: web
    hosts: [web1, web2]
`

func TestExecuteModule_StoredInventory(t *testing.T) {
	env := setupService(t, false)
	env.sync(t)
	ctx := context.Background()
	if err := env.store.UpsertInventory(ctx, "prod", prodInventory); err != nil {
		t.Fatal(err)
	}

	h, err := env.svc.ExecuteModule(ctx, ModuleRequest{
		ProjectID:   "web",
		Module:      "ping",
		Inventory:   "prod",
		HostPattern: "web",
		Args:        "data=pong",
	})
	if err != nil {
		t.Fatalf("ExecuteModule failed: %v", err)
	}
	if status := wait(t, h); status != engine.StatusOK {
		t.Fatalf("status = %s", status)
	}
	raw, err := env.svc.Raw(ctx, h.ID())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(raw, "ping") || !strings.Contains(raw, "data=pong") {
		t.Errorf("raw output = %q", raw)
	}

	_, err = env.svc.ExecuteModule(ctx, ModuleRequest{
		ProjectID:   "web",
		Module:      "ping",
		Inventory:   "prod",
		HostPattern: "db",
	})
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("err = %v, want VALIDATION_ERROR for empty host match", err)
	}
}

func TestCancel(t *testing.T) {
	env := setupService(t, false)
	env.sync(t)
	ctx := context.Background()

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

	msg, err := env.svc.Cancel(ctx, h.ID())
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !strings.HasPrefix(msg, "Task canceled: ") {
		t.Errorf("message = %q", msg)
	}
	if status := wait(t, h); status != engine.StatusStopped {
		t.Errorf("status = %s, want STOPPED", status)
	}
	if entries := env.audit(t, ActionCancel); len(entries) != 1 {
		t.Errorf("cancel audit entries = %d", len(entries))
	}

	if _, err := env.svc.Cancel(ctx, 9999); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("cancel unknown: err = %v, want NOT_FOUND", err)
	}
}

func TestClear(t *testing.T) {
	env := setupService(t, false)
	env.sync(t)
	ctx := context.Background()

	h, err := env.svc.ExecutePlaybook(ctx, PlaybookRequest{ProjectID: "web", Playbook: "site.yml", Inventory: "web1,"})
	if err != nil {
		t.Fatal(err)
	}
	wait(t, h)

	if err := env.svc.Clear(ctx, h.ID()); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	raw, err := env.svc.Raw(ctx, h.ID())
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(raw) != history.ClearedText {
		t.Errorf("raw after clear = %q", raw)
	}
	if err := env.svc.Clear(ctx, h.ID()); !engine.HasCode(err, engine.ErrCodeNotAcceptable) {
		t.Errorf("second clear: err = %v, want NOT_ACCEPTABLE", err)
	}
	if entries := env.audit(t, ActionClear); len(entries) != 1 {
		t.Errorf("clear audit entries = %d", len(entries))
	}
}

func jobsFile() *config.JobsFile {
	return &config.JobsFile{
		Projects: []engine.Project{{ID: "api", Backend: engine.BackendManual, Vars: map[string]string{"APP_ENV": "prod"}}},
		Inventories: []inventory.Inventory{{
			Name:   "prod",
			Hosts:  []inventory.Host{{Name: "api1"}},
			Groups: []inventory.Group{{Name: "api", Hosts: []string{"api1"}}},
		}},
		Jobs: []engine.JobDefinition{{
			ID:        "deploy",
			ProjectID: "api",
			Kind:      engine.KindPlaybook,
			Target:    "deploy.yml",
			Inventory: "prod",
		}},
		Schedules: []engine.ScheduleEntry{{
			ID:       "nightly",
			JobID:    "deploy",
			Type:     engine.ScheduleCrontab,
			Schedule: "0 3 * * *",
			Enabled:  true,
		}},
	}
}

func TestApplyJobsFile(t *testing.T) {
	env := setupService(t, false)
	ctx := context.Background()

	if err := env.store.UpsertJob(ctx, &engine.JobDefinition{ID: "old", ProjectID: "web", Kind: engine.KindPlaybook, Target: "x.yml", Inventory: "a,"}); err != nil {
		t.Fatal(err)
	}
	stale := &engine.ScheduleEntry{ID: "stale", JobID: "old", Type: engine.ScheduleInterval, Schedule: "60", Enabled: true}
	if err := env.store.UpsertScheduleEntry(ctx, stale); err != nil {
		t.Fatal(err)
	}

	if err := env.svc.ApplyJobsFile(ctx, jobsFile()); err != nil {
		t.Fatalf("ApplyJobsFile failed: %v", err)
	}

	if _, err := env.store.GetProject(ctx, "api"); err != nil {
		t.Errorf("project not stored: %v", err)
	}
	graph, err := inventory.Load(ctx, env.store, "prod")
	if err != nil {
		t.Fatalf("inventory not stored: %v", err)
	}
	if hosts := graph.Match("api"); len(hosts) != 1 || hosts[0] != "api1" {
		t.Errorf("stored inventory hosts = %v", hosts)
	}
	if _, err := env.store.GetJob(ctx, "deploy"); err != nil {
		t.Errorf("job not stored: %v", err)
	}

	entries, err := env.store.ListScheduleEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "nightly" {
		t.Errorf("schedules = %+v, want only nightly", entries)
	}
}

func TestApplyJobsFile_RejectsInvalidProject(t *testing.T) {
	env := setupService(t, false)

	jobs := jobsFile()
	jobs.Projects[0].Backend = engine.BackendGit
	if err := env.svc.ApplyJobsFile(context.Background(), jobs); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("err = %v, want VALIDATION_ERROR for git project without source", err)
	}
}

func TestExecutePeriodic(t *testing.T) {
	env := setupService(t, true)
	ctx := context.Background()
	if err := env.svc.ApplyJobsFile(ctx, jobsFile()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Sync(ctx, "api"); err != nil {
		t.Fatal(err)
	}

	id, err := env.svc.TriggerEntry(ctx, jobsFile().Schedules[0])
	if err != nil {
		t.Fatalf("TriggerEntry failed: %v", err)
	}

	record, err := env.svc.History(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if record.Initiator != "nightly" || record.InitiatorType != engine.InitiatorScheduler {
		t.Errorf("initiator = %s/%s", record.Initiator, record.InitiatorType)
	}
	if record.JobRef != "deploy" {
		t.Errorf("job ref = %q", record.JobRef)
	}

	if _, err := env.svc.TriggerEntry(ctx, engine.ScheduleEntry{ID: "x", JobID: "missing"}); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestInitiatorFrom(t *testing.T) {
	if got := InitiatorFrom(context.Background()); got.Name != "system" || got.Type != engine.InitiatorCLI {
		t.Errorf("default initiator = %+v", got)
	}
	ctx := WithInitiator(context.Background(), operator)
	if got := InitiatorFrom(ctx); got != operator {
		t.Errorf("initiator = %+v", got)
	}
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv(map[string]string{"A": "project", "B": "project"}, map[string]string{"B": "job"})
	if got["A"] != "project" || got["B"] != "job" {
		t.Errorf("mergeEnv = %v", got)
	}
	if got := mergeEnv(nil, nil); got != nil {
		t.Errorf("mergeEnv(nil, nil) = %v", got)
	}
}
