package executor

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/polemarch/pkg/engine"
)

func TestArgv(t *testing.T) {
	e := &Executor{opts: Options{}.withDefaults()}

	tests := []struct {
		name string
		job  engine.JobDefinition
		want []string
	}{
		{
			name: "playbook",
			job: engine.JobDefinition{
				Kind:   engine.KindPlaybook,
				Target: "deploy/site.yml",
				Args:   map[string]string{"v": "", "become_user": "root", "check": ""},
				Vars:   map[string]string{"release": "42"},
			},
			want: []string{"ansible-playbook", "deploy/site.yml", "-i", "inv.yml",
				"--become-user", "root", "--check", "-v", "-e", `{"release":"42"}`},
		},
		{
			name: "module with args",
			job: engine.JobDefinition{
				Kind:        engine.KindModule,
				Target:      "shell",
				HostPattern: "web:&prod",
				Args:        map[string]string{"args": "uptime", "forks": "5"},
			},
			want: []string{"ansible", "web:&prod", "-m", "shell", "-a", "uptime", "-i", "inv.yml", "--forks", "5"},
		},
		{
			name: "module defaults to all hosts",
			job:  engine.JobDefinition{Kind: engine.KindModule, Target: "ping"},
			want: []string{"ansible", "all", "-m", "ping", "-i", "inv.yml"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.argv(tt.job, "inv.yml"); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("argv = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOptionFlag(t *testing.T) {
	tests := map[string]string{
		"v":           "-v",
		"check":       "--check",
		"become_user": "--become-user",
		"--diff":      "--diff",
		"-K":          "-K",
	}
	for in, want := range tests {
		if got := optionFlag(in); got != want {
			t.Errorf("optionFlag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEnviron(t *testing.T) {
	e := &Executor{opts: Options{Env: map[string]string{"SHARED": "executor", "BASE": "1"}}.withDefaults()}
	job := engine.JobDefinition{Env: map[string]string{"SHARED": "job"}}
	ws := engine.Workspace{ProjectID: "web", Root: "/srv/web"}

	env := e.environ(job, ws, 7)
	last := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		last[k] = v
	}

	want := map[string]string{
		"SHARED":             "job",
		"BASE":               "1",
		EnvProjectID:         "web",
		EnvHistoryID:         "7",
		"ANSIBLE_ROLES_PATH": filepath.Join("/srv/web", "roles"),
		"PYTHONUNBUFFERED":   "1",
	}
	for k, v := range want {
		if last[k] != v {
			t.Errorf("%s = %q, want %q", k, last[k], v)
		}
	}
}

func TestIsSetup(t *testing.T) {
	tests := []struct {
		job  engine.JobDefinition
		want bool
	}{
		{engine.JobDefinition{Kind: engine.KindModule, Target: "setup"}, true},
		{engine.JobDefinition{Kind: engine.KindModule, Target: "ansible.builtin.setup"}, true},
		{engine.JobDefinition{Kind: engine.KindModule, Target: "ping"}, false},
		{engine.JobDefinition{Kind: engine.KindPlaybook, Target: "setup"}, false},
	}
	for _, tt := range tests {
		if got := isSetup(tt.job); got != tt.want {
			t.Errorf("isSetup(%s %s) = %v", tt.job.Kind, tt.job.Target, got)
		}
	}
}
