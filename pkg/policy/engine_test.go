package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/polemarch/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func playbookInput(target string) *Input {
	return &Input{
		Execution: ExecutionInput{Kind: "playbook", Target: target, Inventory: "inventories/prod.yml"},
		Project:   ProjectInput{ID: "web", Backend: "git"},
		Initiator: InitiatorInput{Name: "alice", Type: engine.InitiatorUser},
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	want := []string{"extra-vars", "raw-commands", "scheduled-jobs", "workspace-paths"}
	if len(names) != len(want) {
		t.Fatalf("policies = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("policies = %v, want %v", names, want)
			break
		}
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name         string
		input        *Input
		allowed      bool
		violations   int
		warnings     int
		blockingFrom string
	}{
		{
			name:    "relative playbook",
			input:   playbookInput("deploy/site.yml"),
			allowed: true,
		},
		{
			name:         "absolute playbook",
			input:        playbookInput("/etc/site.yml"),
			violations:   1,
			blockingFrom: "workspace-paths",
		},
		{
			name:         "playbook escaping the workspace",
			input:        playbookInput("../other/site.yml"),
			violations:   1,
			blockingFrom: "workspace-paths",
		},
		{
			name: "inventory escaping the workspace",
			input: func() *Input {
				in := playbookInput("site.yml")
				in.Execution.Inventory = "../../etc/hosts"
				return in
			}(),
			violations:   1,
			blockingFrom: "workspace-paths",
		},
		{
			name: "inline host list",
			input: func() *Input {
				in := playbookInput("site.yml")
				in.Execution.Inventory = "../weird,host,"
				return in
			}(),
			allowed: true,
		},
		{
			name: "invalid extra variable",
			input: func() *Input {
				in := playbookInput("site.yml")
				in.Execution.Vars = map[string]string{"app_version": "1", "bad-name": "x"}
				return in
			}(),
			violations:   1,
			blockingFrom: "extra-vars",
		},
		{
			name: "shell on every host warns",
			input: &Input{
				Execution: ExecutionInput{Kind: "module", Target: "shell", Inventory: "prod"},
				Project:   ProjectInput{ID: "web"},
				Initiator: InitiatorInput{Type: engine.InitiatorUser},
			},
			allowed:  true,
			warnings: 1,
		},
		{
			name: "shell on a group is fine",
			input: &Input{
				Execution: ExecutionInput{Kind: "module", Target: "shell", Inventory: "prod", HostPattern: "web"},
				Project:   ProjectInput{ID: "web"},
				Initiator: InitiatorInput{Type: engine.InitiatorUser},
			},
			allowed: true,
		},
		{
			name: "scheduled without job",
			input: func() *Input {
				in := playbookInput("site.yml")
				in.Initiator = InitiatorInput{Name: "nightly", Type: engine.InitiatorScheduler}
				return in
			}(),
			violations:   1,
			blockingFrom: "scheduled-jobs",
		},
		{
			name: "scheduled job",
			input: func() *Input {
				in := playbookInput("site.yml")
				in.Execution.JobID = "deploy"
				in.Initiator = InitiatorInput{Name: "nightly", Type: engine.InitiatorScheduler}
				return in
			}(),
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Evaluate(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, violations = %+v", decision.Allowed, decision.Violations)
			}
			if len(decision.Violations) != tt.violations {
				t.Errorf("violations = %+v, want %d", decision.Violations, tt.violations)
			}
			if len(decision.Warnings) != tt.warnings {
				t.Errorf("warnings = %+v, want %d", decision.Warnings, tt.warnings)
			}
			if tt.blockingFrom != "" && len(decision.Violations) > 0 && decision.Violations[0].Policy != tt.blockingFrom {
				t.Errorf("violation from %s, want %s", decision.Violations[0].Policy, tt.blockingFrom)
			}
			if len(decision.EvaluatedPolicies) != 4 {
				t.Errorf("evaluated %v", decision.EvaluatedPolicies)
			}
		})
	}
}

func TestEvaluate_ViolationDetails(t *testing.T) {
	eng := newTestEngine(t)

	decision, err := eng.Evaluate(context.Background(), &Input{
		Execution: ExecutionInput{Kind: "module", Target: "ansible.builtin.raw", Inventory: "prod", HostPattern: "*"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(decision.Warnings) != 1 {
		t.Fatalf("warnings = %+v", decision.Warnings)
	}
	w := decision.Warnings[0]
	if w.Severity != SeverityWarning || w.Details["module"] != "ansible.builtin.raw" {
		t.Errorf("warning = %+v", w)
	}
}

func TestAdmit(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.Admit(context.Background(), playbookInput("site.yml")); err != nil {
		t.Fatalf("Admit rejected a valid request: %v", err)
	}

	decision, err := eng.Admit(context.Background(), playbookInput("/root/site.yml"))
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Fatalf("expected POLICY_DENIED, got %v", err)
	}
	if engine.IsRetryable(err) {
		t.Error("policy denial must not be retryable")
	}
	if decision == nil || len(decision.Violations) != 1 {
		t.Errorf("decision = %+v", decision)
	}
}

func TestSetPolicies_CustomAndOverride(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := []Policy{
		{
			Name:    "prod-needs-job",
			Enabled: true,
			Rego: `package custom.prod

deny contains "production runs must come from a job" if {
	input.project.id == "prod"
	not input.execution.job_id
}
`,
		},
		{
			Name:    "raw-commands",
			Enabled: false,
			Rego:    "package polemarch.admission.commands\n\ndeny := set()\n",
		},
	}
	if err := eng.SetPolicies(ctx, custom); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}

	in := playbookInput("site.yml")
	in.Project.ID = "prod"
	decision, err := eng.Evaluate(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Allowed || decision.Violations[0].Message != "production runs must come from a job" {
		t.Errorf("decision = %+v", decision)
	}
	if decision.Violations[0].Severity != SeverityError {
		t.Errorf("default severity = %s", decision.Violations[0].Severity)
	}

	p, err := eng.GetPolicy("raw-commands")
	if err != nil || p.Enabled {
		t.Errorf("override not applied: %+v, %v", p, err)
	}
}

func TestSetPolicies_CompileFailureKeepsExisting(t *testing.T) {
	eng := newTestEngine(t)
	before := len(eng.ListPolicies())

	err := eng.SetPolicies(context.Background(), []Policy{
		{Name: "ok", Enabled: true, Rego: "package ok\n\ndeny := set()\n"},
		{Name: "broken", Enabled: true, Rego: "package broken\n\ndeny contains msg if {"},
	})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if after := len(eng.ListPolicies()); after != before {
		t.Errorf("policies changed from %d to %d after failed load", before, after)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.DisablePolicy("workspace-paths"); err != nil {
		t.Fatal(err)
	}
	decision, err := eng.Evaluate(context.Background(), playbookInput("/abs/site.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed {
		t.Errorf("disabled policy still evaluated: %+v", decision.Violations)
	}

	if err := eng.EnablePolicy("workspace-paths"); err != nil {
		t.Fatal(err)
	}
	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestLoadAndReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("no-friday.rego", `package custom.calendar

deny contains "no deploys from the nightly schedule" if {
	input.initiator.name == "nightly"
}
`)

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	p, err := eng.GetPolicy("no-friday")
	if err != nil || p.Source == "" {
		t.Fatalf("file policy not loaded: %+v, %v", p, err)
	}

	if err := os.Remove(filepath.Join(dir, "no-friday.rego")); err != nil {
		t.Fatal(err)
	}
	if err := eng.ReloadPolicies(ctx, []string{dir}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.GetPolicy("no-friday"); err == nil {
		t.Error("removed policy survived reload")
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("built-ins lost on reload: %d", len(eng.ListPolicies()))
	}
}
