// Package policy admits or rejects execution requests with Open Policy Agent.
//
// Each policy is a Rego module defining a `deny` set. Entries are either a
// message string or an object with "message", an optional "severity" and any
// extra detail fields. Violations of severity error or critical reject the
// execution; lower severities are returned as warnings.
//
// The document evaluated as `input` is Input:
//
//	{
//	  "execution": {"kind": "playbook", "target": "site.yml", "inventory": "prod",
//	                "host_pattern": "web", "args": {...}, "vars": {...}, "job_id": "deploy"},
//	  "project":   {"id": "web", "backend": "git", "revision": "3f2c..."},
//	  "initiator": {"name": "alice", "type": "user"},
//	  "hosts":     ["web1", "web2"],
//	  "timestamp": "2024-03-01T12:00:00Z"
//	}
//
// Creating an engine and admitting a request:
//
//	eng, err := policy.NewEngine(log.Logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/polemarch/policies"}); err != nil {
//	    return err
//	}
//	decision, err := eng.Admit(ctx, &policy.Input{...})
//	if engine.HasCode(err, engine.ErrCodePolicyDenied) {
//	    // decision.Violations lists the reasons
//	}
//
// # Built-in Policies
//
//   - workspace-paths: playbooks and inventory files stay inside the workspace
//   - extra-vars: extra variable names are identifiers
//   - raw-commands: warns when shell-like modules target every host
//   - scheduled-jobs: scheduler-initiated executions reference a job
//
// Policies loaded from files replace built-ins of the same name, so a
// deployment can override or disable them.
package policy
