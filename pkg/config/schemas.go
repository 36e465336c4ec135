package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	SchemaConfig = "config"
	SchemaJobs   = "jobs"
)

// SchemaRegistry holds CUE definitions that loaded documents are unified
// with before they are decoded.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(SchemaConfig, builtinSchemas, "#Config"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaJobs, builtinSchemas, "#JobsFile"); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles source and registers the definition at path under
// name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	_, err := sr.Apply(ctx, schemaName, data)
	return err
}

// Apply unifies data with a named schema and returns the result with schema
// defaults filled in.
func (sr *SchemaRegistry) Apply(_ context.Context, schemaName string, data interface{}) (interface{}, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return nil, fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, err
	}

	var out interface{}
	if err := unified.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return out, nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSchemas = `
#Identifier: string & =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"

// Go duration string, e.g. "1m30s".
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | "0"

#Config: {
	data_dir?: string & !=""

	database?: {
		path?:              string
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
	}

	workspaces?: root?: string

	executor?: {
		playbook_binary?: string & !=""
		module_binary?:   string & !=""
		poll_interval?:   #Duration
		grace_period?:    #Duration
		max_runtime?:     #Duration
		facts_ttl?:       #Duration
		inventory_dir?:   string
		env?: {[string]: string}
	}

	cancel?: {
		backend?: "memory" | "redis"
		ttl?:     #Duration
		redis?: {
			addr?:     string
			password?: string
			db?:       int & >=0
		}
	}

	scheduler?: {
		enabled?:   bool
		jobs_file?: string
		watch?:     bool
	}

	policy?: {
		enabled?: bool
		paths?: [...string]
		watch?: bool
	}

	telemetry?: {
		service_name?:    string
		service_version?: string
		environment?:     string
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			...
		}
		tracing?: {
			exporter?: "otlp" | "stdout" | "none"
			...
		}
		...
	}

	ssh?: {
		auth_method?: "password" | "key" | "agent"
		port?:        int & >0 & <65536
		...
	}
}

#Project: {
	id:        #Identifier
	name?:     string
	backend:   "manual" | "tar" | "git"
	source?:   string
	revision?: string
	vars?: {[string]: string}

	if backend != "manual" {
		source: string & !=""
	}
}

#Host: {
	name: string & !=""
	vars?: {...}
}

#Group: {
	name:  string & !=""
	children?: [...string]
	hosts?: [...string]
	vars?: {...}
}

#Inventory: {
	name: #Identifier
	vars?: {...}
	hosts?: [...#Host]
	groups?: [...#Group]
}

#Job: {
	id:            #Identifier
	project:       #Identifier
	kind:          "playbook" | "module"
	target:        string & !=""
	inventory:     string & !=""
	host_pattern?: string
	args?: {[string]: string}
	vars?: {[string]: string}
	env?: {[string]: string}
	timeout?: #Duration
}

#Schedule: {
	id:       #Identifier
	job:      #Identifier
	type:     "interval" | "crontab"
	schedule: string & !=""
	enabled:  *true | bool
}

#JobsFile: {
	projects?: [...#Project]
	inventories?: [...#Inventory]
	jobs?: [...#Job]
	schedules?: [...#Schedule]
}
`
