package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/inventory"
	"github.com/openfroyo/polemarch/pkg/scheduler"
)

// Parser loads configuration and jobs files written in CUE or YAML.
//
// Both formats go through the same steps: the document is read into a
// generic value, unified with the matching CUE schema, decoded into the Go
// type with unknown fields rejected and finally checked with struct tags.
type Parser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewParser creates a new parser.
func NewParser() *Parser {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Parser{
		ctx:            cuecontext.New(),
		schemaRegistry: NewSchemaRegistry(),
		validator:      v,
	}
}

// LoadConfig reads the service configuration at path with a new parser.
func LoadConfig(ctx context.Context, path string) (*Config, error) {
	return NewParser().LoadConfig(ctx, path)
}

// LoadJobsFile reads a jobs file at path with a new parser.
func LoadJobsFile(ctx context.Context, path string) (*JobsFile, error) {
	return NewParser().LoadJobsFile(ctx, path)
}

// LoadConfig reads the service configuration at path. An empty path yields
// the defaults.
func (p *Parser) LoadConfig(ctx context.Context, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := p.decode(ctx, path, SchemaConfig, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyPathDefaults()

	if err := p.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateConfig checks struct tags and cross-field rules.
func (p *Parser) ValidateConfig(cfg *Config) error {
	errs := p.structErrors(cfg)

	if cfg.Cancel.Backend == CancelBackendRedis && cfg.Cancel.Redis.Addr == "" {
		errs = append(errs, ValidationError{Path: "cancel.redis.addr", Message: "required when backend is redis"})
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
	}

	return invalid("invalid configuration", errs)
}

// LoadJobsFile reads and validates a jobs file.
func (p *Parser) LoadJobsFile(ctx context.Context, path string) (*JobsFile, error) {
	var jobs JobsFile
	if err := p.decode(ctx, path, SchemaJobs, &jobs); err != nil {
		return nil, err
	}
	if err := p.ValidateJobsFile(&jobs); err != nil {
		return nil, err
	}
	return &jobs, nil
}

// ValidateJobsFile checks identifiers are unique, schedules parse and
// reference a declared job, and inventories form a valid graph.
func (p *Parser) ValidateJobsFile(jobs *JobsFile) error {
	errs := p.structErrors(jobs)

	projects := make(map[string]bool)
	for i, project := range jobs.Projects {
		if projects[project.ID] {
			errs = append(errs, ValidationError{Path: fmt.Sprintf("projects[%d].id", i), Message: "duplicate project " + project.ID})
		}
		projects[project.ID] = true
	}

	inventories := make(map[string]bool)
	for i := range jobs.Inventories {
		inv := &jobs.Inventories[i]
		if inventories[inv.Name] {
			errs = append(errs, ValidationError{Path: fmt.Sprintf("inventories[%d].name", i), Message: "duplicate inventory " + inv.Name})
		}
		inventories[inv.Name] = true

		if _, err := inventory.Build(inv); err != nil {
			errs = append(errs, ValidationError{Path: fmt.Sprintf("inventories[%d]", i), Message: err.Error()})
		}
	}

	defined := make(map[string]bool)
	for i, job := range jobs.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		switch {
		case job.ID == "":
			errs = append(errs, ValidationError{Path: path + ".id", Message: "required"})
		case defined[job.ID]:
			errs = append(errs, ValidationError{Path: path + ".id", Message: "duplicate job " + job.ID})
		}
		defined[job.ID] = true
	}

	schedules := make(map[string]bool)
	for i, entry := range jobs.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		if schedules[entry.ID] {
			errs = append(errs, ValidationError{Path: path + ".id", Message: "duplicate schedule " + entry.ID})
		}
		schedules[entry.ID] = true

		if !defined[entry.JobID] {
			errs = append(errs, ValidationError{Path: path + ".job", Message: "unknown job " + entry.JobID})
		}
		if _, err := scheduler.Parse(entry.Type, entry.Schedule); err != nil {
			errs = append(errs, ValidationError{Path: path + ".schedule", Message: err.Error()})
		}
	}

	return invalid("invalid jobs file", errs)
}

// decode reads the document at path, applies schema and decodes the result
// into out. Fields already set in out are kept unless the document
// overrides them.
func (p *Parser) decode(ctx context.Context, path, schema string, out interface{}) error {
	data, err := p.readDocument(path)
	if err != nil {
		return err
	}

	applied, err := p.schemaRegistry.Apply(ctx, schema, data)
	if err != nil {
		return invalid("schema validation failed for "+path, p.convertCUEErrors(err))
	}

	raw, err := yaml.Marshal(applied)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return engine.NewPermanentError("failed to decode "+path, err).
			WithCode(engine.ErrCodeValidation).
			WithResource(path)
	}
	return nil
}

// readDocument returns the generic value of a CUE file or package directory,
// or a YAML file.
func (p *Parser) readDocument(path string) (interface{}, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	var val cue.Value
	switch {
	case info.IsDir():
		if val, err = p.loadDirectory(path); err != nil {
			return nil, err
		}
	case strings.HasSuffix(path, ".cue"):
		if val, err = p.loadFile(path); err != nil {
			return nil, err
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return p.loadYAML(path)
	default:
		return nil, engine.NewPermanentError("unsupported file type: "+filepath.Ext(path), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(path)
	}

	var data interface{}
	if err := val.Decode(&data); err != nil {
		return nil, invalid("failed to evaluate "+path, p.convertCUEErrors(err))
	}
	return data, nil
}

// loadDirectory loads a directory as a CUE package.
func (p *Parser) loadDirectory(dir string) (cue.Value, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, invalid("failed to load "+dir, ValidationErrors{{File: dir, Message: "no CUE files found"}})
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, invalid("failed to load "+dir, p.convertCUEErrors(inst.Err))
	}

	val := p.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, invalid("failed to build "+dir, p.convertCUEErrors(err))
	}
	return val, nil
}

// loadFile loads a single CUE file.
func (p *Parser) loadFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read file: %w", err)
	}

	val := p.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, invalid("failed to compile "+path, p.convertCUEErrors(err))
	}
	return val, nil
}

func (p *Parser) loadYAML(path string) (interface{}, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	data := map[string]interface{}{}
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, engine.NewPermanentError("failed to parse "+path, err).
			WithCode(engine.ErrCodeValidation).
			WithResource(path)
	}
	return data, nil
}

func (p *Parser) structErrors(s interface{}) ValidationErrors {
	err := p.validator.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationErrors{{Message: err.Error()}}
	}

	errs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		msg := "failed on " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		errs = append(errs, ValidationError{Path: path, Message: msg})
	}
	return errs
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func (p *Parser) convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(errors.Details(e, nil)),
		})
	}

	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (p *Parser) GetSchemaRegistry() *SchemaRegistry {
	return p.schemaRegistry
}

func invalid(msg string, errs ValidationErrors) error {
	if len(errs) == 0 {
		return nil
	}
	return engine.NewPermanentError(msg, errs).
		WithCode(engine.ErrCodeValidation).
		WithDetail("errors", []ValidationError(errs))
}
