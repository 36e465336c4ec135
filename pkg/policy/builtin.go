package policy

// BuiltinPolicies returns the admission policies that are always loaded.
func BuiltinPolicies() []Policy {
	return []Policy{
		workspacePathsPolicy(),
		extraVarsPolicy(),
		rawCommandsPolicy(),
		scheduledJobsPolicy(),
	}
}

// workspacePathsPolicy keeps playbooks and inventory files inside the workspace.
func workspacePathsPolicy() Policy {
	return Policy{
		Name:        "workspace-paths",
		Description: "Playbooks and inventory files must be relative paths inside the workspace",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"workspace", "security"},
		Rego: `package polemarch.admission.paths

deny contains msg if {
	input.execution.kind == "playbook"
	startswith(input.execution.target, "/")
	msg := sprintf("playbook '%s' must be relative to the workspace", [input.execution.target])
}

deny contains msg if {
	input.execution.kind == "playbook"
	escapes(input.execution.target)
	msg := sprintf("playbook '%s' escapes the workspace", [input.execution.target])
}

deny contains msg if {
	not contains(input.execution.inventory, ",")
	escapes(input.execution.inventory)
	msg := sprintf("inventory '%s' escapes the workspace", [input.execution.inventory])
}

escapes(path) if {
	some part in split(path, "/")
	part == ".."
}
`,
	}
}

// extraVarsPolicy rejects extra variables Ansible could not address.
func extraVarsPolicy() Policy {
	return Policy{
		Name:        "extra-vars",
		Description: "Extra variable names must be valid identifiers",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"validation"},
		Rego: `package polemarch.admission.vars

deny contains msg if {
	some name, _ in input.execution.vars
	not regex.match("^[A-Za-z_][A-Za-z0-9_]*$", name)
	msg := sprintf("extra variable '%s' is not a valid identifier", [name])
}
`,
	}
}

// rawCommandsPolicy warns about free-form command modules aimed at every host.
func rawCommandsPolicy() Policy {
	return Policy{
		Name:        "raw-commands",
		Description: "Warns when a free-form command module targets all hosts",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"security"},
		Rego: `package polemarch.admission.commands

raw_modules := {
	"shell", "command", "raw", "script",
	"ansible.builtin.shell", "ansible.builtin.command",
	"ansible.builtin.raw", "ansible.builtin.script",
}

deny contains violation if {
	input.execution.kind == "module"
	raw_modules[input.execution.target]
	pattern := object.get(input.execution, "host_pattern", "all")
	pattern in {"", "all", "*"}
	violation := {
		"message": sprintf("module '%s' runs arbitrary commands on every host", [input.execution.target]),
		"severity": "warning",
		"module": input.execution.target,
	}
}
`,
	}
}

// scheduledJobsPolicy requires scheduler-initiated executions to come from a
// stored job definition.
func scheduledJobsPolicy() Policy {
	return Policy{
		Name:        "scheduled-jobs",
		Description: "Executions started by the scheduler must reference a job",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"scheduler"},
		Rego: `package polemarch.admission.schedule

deny contains msg if {
	input.initiator.type == "scheduler"
	not input.execution.job_id
	msg := "scheduled execution has no job reference"
}
`,
	}
}
