package executor

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/polemarch/pkg/engine"
)

// ModuleArgsKey is the job argument passed to an ad-hoc module with -a.
const ModuleArgsKey = "args"

// Environment variables set for every execution.
const (
	EnvProjectID = "POLEMARCH_PROJECT_ID"
	EnvHistoryID = "POLEMARCH_HISTORY_ID"
)

// command builds the process for a job. The working directory is the
// workspace root.
func (e *Executor) command(job engine.JobDefinition, ws engine.Workspace, historyID int64, inventoryArg string) *exec.Cmd {
	argv := e.argv(job, inventoryArg)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = ws.Root
	cmd.Env = e.environ(job, ws, historyID)
	return cmd
}

// argv renders the command line:
//
//	ansible-playbook <playbook> -i <inventory> [options] [-e <json>]
//	ansible <pattern> -m <module> [-a <args>] -i <inventory> [options] [-e <json>]
func (e *Executor) argv(job engine.JobDefinition, inventoryArg string) []string {
	var argv []string
	options := job.Args

	switch job.Kind {
	case engine.KindModule:
		pattern := job.HostPattern
		if pattern == "" {
			pattern = "all"
		}
		argv = []string{e.opts.ModuleBinary, pattern, "-m", job.Target}
		if args, ok := options[ModuleArgsKey]; ok && args != "" {
			argv = append(argv, "-a", args)
		}
	default:
		argv = []string{e.opts.PlaybookBinary, job.Target}
	}
	argv = append(argv, "-i", inventoryArg)

	keys := make([]string, 0, len(options))
	for k := range options {
		if job.Kind == engine.KindModule && k == ModuleArgsKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, optionFlag(k))
		if v := options[k]; v != "" {
			argv = append(argv, v)
		}
	}

	if len(job.Vars) > 0 {
		extra, _ := json.Marshal(job.Vars)
		argv = append(argv, "-e", string(extra))
	}
	return argv
}

// optionFlag turns an option name into a flag: "v" becomes "-v",
// "become_user" becomes "--become-user".
func optionFlag(name string) string {
	name = strings.TrimLeft(name, "-")
	if len(name) == 1 {
		return "-" + name
	}
	return "--" + strings.ReplaceAll(name, "_", "-")
}

func (e *Executor) environ(job engine.JobDefinition, ws engine.Workspace, historyID int64) []string {
	env := os.Environ()
	env = appendSorted(env, e.opts.Env)
	env = appendSorted(env, job.Env)
	return append(env,
		EnvProjectID+"="+ws.ProjectID,
		EnvHistoryID+"="+strconv.FormatInt(historyID, 10),
		"ANSIBLE_ROLES_PATH="+filepath.Join(ws.Root, "roles"),
		"ANSIBLE_FORCE_COLOR=false",
		"PYTHONUNBUFFERED=1",
	)
}

func appendSorted(env []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func isSetup(job engine.JobDefinition) bool {
	if job.Kind != engine.KindModule {
		return false
	}
	return job.Target == "setup" || strings.HasSuffix(job.Target, ".setup")
}
