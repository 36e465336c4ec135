package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/inventory"
	"github.com/openfroyo/polemarch/pkg/telemetry"
	"github.com/openfroyo/polemarch/pkg/transports/ssh"
)

// Cancellation channel backends.
const (
	CancelBackendMemory = "memory"
	CancelBackendRedis  = "redis"
)

// Config is the service configuration.
type Config struct {
	// DataDir holds the database, workspaces and rendered inventories unless
	// their paths are set explicitly.
	DataDir string `yaml:"data_dir" json:"data_dir" validate:"required"`

	Database   DatabaseConfig   `yaml:"database,omitempty" json:"database,omitempty"`
	Workspaces WorkspacesConfig `yaml:"workspaces,omitempty" json:"workspaces,omitempty"`
	Executor   ExecutorConfig   `yaml:"executor,omitempty" json:"executor,omitempty"`
	Cancel     CancelConfig     `yaml:"cancel,omitempty" json:"cancel,omitempty"`
	Scheduler  SchedulerConfig  `yaml:"scheduler,omitempty" json:"scheduler,omitempty"`
	Policy     PolicyConfig     `yaml:"policy,omitempty" json:"policy,omitempty"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`

	// SSH holds the credentials used to fetch ssh:// and sftp:// archives.
	// Host and user come from the project source.
	SSH ssh.Config `yaml:"ssh,omitempty" json:"ssh,omitempty"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path defaults to <data_dir>/polemarch.db.
	Path            string        `yaml:"path,omitempty" json:"path,omitempty"`
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitempty" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty" json:"conn_max_lifetime,omitempty"`
}

// WorkspacesConfig configures where project workspaces live.
type WorkspacesConfig struct {
	// Root defaults to <data_dir>/projects.
	Root string `yaml:"root,omitempty" json:"root,omitempty"`
}

// ExecutorConfig configures how executions are launched and supervised.
type ExecutorConfig struct {
	PlaybookBinary string        `yaml:"playbook_binary,omitempty" json:"playbook_binary,omitempty"`
	ModuleBinary   string        `yaml:"module_binary,omitempty" json:"module_binary,omitempty"`
	PollInterval   time.Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty" validate:"gte=0"`
	GracePeriod    time.Duration `yaml:"grace_period,omitempty" json:"grace_period,omitempty" validate:"gte=0"`

	// MaxRuntime stops executions with TIMEOUT. Zero disables the limit.
	MaxRuntime time.Duration `yaml:"max_runtime,omitempty" json:"max_runtime,omitempty" validate:"gte=0"`

	// FactsTTL bounds the lifetime of gathered facts. Zero keeps them.
	FactsTTL time.Duration `yaml:"facts_ttl,omitempty" json:"facts_ttl,omitempty" validate:"gte=0"`

	// InventoryDir defaults to <data_dir>/inventories.
	InventoryDir string `yaml:"inventory_dir,omitempty" json:"inventory_dir,omitempty"`

	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// CancelConfig selects the cancellation channel.
type CancelConfig struct {
	Backend string        `yaml:"backend,omitempty" json:"backend,omitempty" validate:"oneof=memory redis"`
	TTL     time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty" validate:"gte=0"`
	Redis   RedisConfig   `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisConfig locates the Redis server shared by every polemarch process.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty" validate:"gte=0"`
}

// SchedulerConfig configures periodic execution.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// JobsFile declares projects, inventories, jobs and schedules.
	JobsFile string `yaml:"jobs_file,omitempty" json:"jobs_file,omitempty"`

	// Watch reapplies the jobs file when it changes.
	Watch bool `yaml:"watch" json:"watch"`
}

// PolicyConfig configures execution admission.
type PolicyConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Paths   []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Watch   bool     `yaml:"watch" json:"watch"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/polemarch",
		Database: DatabaseConfig{
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
		},
		Executor: ExecutorConfig{
			PlaybookBinary: "ansible-playbook",
			ModuleBinary:   "ansible",
			PollInterval:   time.Second,
			GracePeriod:    10 * time.Second,
			FactsTTL:       24 * time.Hour,
		},
		Cancel: CancelConfig{
			Backend: CancelBackendMemory,
			TTL:     10 * time.Second,
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Watch:   true,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Telemetry: *telemetry.DefaultConfig(),
		SSH: ssh.Config{
			AuthMethod:            ssh.AuthMethodAgent,
			StrictHostKeyChecking: true,
			ConnectionTimeout:     30 * time.Second,
		},
	}
}

// applyPathDefaults fills the paths derived from DataDir.
func (c *Config) applyPathDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "polemarch.db")
	}
	if c.Workspaces.Root == "" {
		c.Workspaces.Root = filepath.Join(c.DataDir, "projects")
	}
	if c.Executor.InventoryDir == "" {
		c.Executor.InventoryDir = filepath.Join(c.DataDir, "inventories")
	}
}

// JobsFile is the declarative set of projects, inventories, jobs and
// schedules applied at startup and on change.
type JobsFile struct {
	Projects    []engine.Project       `yaml:"projects,omitempty" json:"projects,omitempty" validate:"dive"`
	Inventories []inventory.Inventory  `yaml:"inventories,omitempty" json:"inventories,omitempty" validate:"dive"`
	Jobs        []engine.JobDefinition `yaml:"jobs,omitempty" json:"jobs,omitempty" validate:"dive"`
	Schedules   []engine.ScheduleEntry `yaml:"schedules,omitempty" json:"schedules,omitempty" validate:"dive"`
}

// ValidationError is a single problem found while loading a file.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g., "executor.poll_interval").
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a file.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return strings.Join(msgs, "; ")
}
