// Package config loads the polemarch service configuration and the jobs file.
//
// # Overview
//
// Both documents may be written in CUE (a single .cue file or a directory
// holding one CUE package) or in YAML. Whatever the format, the document is
// unified with a built-in CUE schema, decoded with unknown fields rejected
// and validated with struct tags. Durations are Go duration strings such as
// "30s" or "1h30m".
//
// # Components
//
// Parser: reads documents and reports every problem at once as a VALIDATION_ERROR
// engine error whose "errors" detail holds the individual ValidationErrors.
//
// SchemaRegistry: the CUE definitions #Config and #JobsFile. Schema defaults,
// such as schedules being enabled, are applied during loading.
//
// # Service Configuration
//
//	data_dir: "/var/lib/polemarch"
//	executor: {
//	    poll_interval: "1s"
//	    grace_period:  "10s"
//	    max_runtime:   "2h"
//	}
//	cancel: {
//	    backend: "redis"
//	    redis: addr: "redis:6379"
//	}
//	scheduler: jobs_file: "/etc/polemarch/jobs.cue"
//	policy: paths: ["/etc/polemarch/policies"]
//	telemetry: logging: {level: "debug", format: "json"}
//
// Unset paths derive from data_dir: the database at polemarch.db, workspaces
// under projects/ and rendered inventories under inventories/.
//
// # Jobs File
//
//	projects: [{id: "web", backend: "git", source: "https://git.example.com/web.git"}]
//	inventories: [{
//	    name: "prod"
//	    hosts: [{name: "web1"}, {name: "web2"}]
//	    groups: [{name: "web", hosts: ["web1", "web2"]}]
//	}]
//	jobs: [{id: "deploy", project: "web", kind: "playbook", target: "site.yml", inventory: "prod"}]
//	schedules: [{id: "nightly", job: "deploy", type: "crontab", schedule: "0 3 * * *"}]
//
// Loading checks that identifiers are unique, that schedules parse and name a
// declared job, and that every inventory is an acyclic group graph.
package config
