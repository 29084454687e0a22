// Package config loads the YAML service configuration: applications,
// interactive applications and destinations with their tagged scheduler and
// filesystem variants.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"jobbroker/internal/apperrors"
	"jobbroker/internal/sshutil"
)

// Duration parses either a Go duration string ("30s", "1h") or a bare number
// of seconds from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full service configuration.
type Config struct {
	JobRootDir              string                                  `yaml:"job_root_dir"`
	DestinationPicker       string                                  `yaml:"destination_picker"`
	Auth                    AuthConfig                              `yaml:"auth"`
	Applications            map[string]ApplicationConfig            `yaml:"applications"`
	InteractiveApplications map[string]InteractiveApplicationConfig `yaml:"interactive_applications"`
	Destinations            map[string]DestinationConfig            `yaml:"destinations"`
}

// AuthConfig configures bearer-token verification. An empty secret disables
// authentication and yields an anonymous principal.
type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// ApplicationConfig describes one submittable application.
type ApplicationConfig struct {
	CommandTemplate string         `yaml:"command_template"`
	UploadNeeds     []string       `yaml:"upload_needs"`
	InputSchema     map[string]any `yaml:"input_schema"`
	AllowedRoles    []string       `yaml:"allowed_roles"`
	Summary         string         `yaml:"summary"`
	Description     string         `yaml:"description"`
}

// InteractiveApplicationConfig describes a follow-up command runnable in a
// completed job's directory.
type InteractiveApplicationConfig struct {
	CommandTemplate string         `yaml:"command_template"`
	InputSchema     map[string]any `yaml:"input_schema"`
	JobApplication  string         `yaml:"job_application"`
	Description     string         `yaml:"description"`
	Timeout         Duration       `yaml:"timeout"`
}

// DestinationConfig pairs one scheduler with one filesystem.
type DestinationConfig struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
}

// Scheduler and filesystem type discriminators.
const (
	SchedulerMemory = "memory"
	SchedulerSlurm  = "slurm"
	SchedulerArq    = "arq"
	SchedulerGrid   = "dirac"
	SchedulerDocker = "docker"

	FilesystemLocal = "local"
	FilesystemSftp  = "sftp"
	FilesystemGrid  = "dirac"
)

// SchedulerConfig is a tagged union over the scheduler variants. Exactly one
// variant pointer is non-nil after unmarshalling, selected by the type field.
type SchedulerConfig struct {
	Type   string
	Memory *MemorySchedulerConfig
	Slurm  *SlurmSchedulerConfig
	Queue  *QueueSchedulerConfig
	Grid   *GridSchedulerConfig
	Docker *DockerSchedulerConfig
}

// UnmarshalYAML implements yaml.Unmarshaler for the tagged union.
func (c *SchedulerConfig) UnmarshalYAML(value *yaml.Node) error {
	var probe struct {
		Type string `yaml:"type"`
	}
	if err := value.Decode(&probe); err != nil {
		return err
	}
	c.Type = probe.Type
	switch probe.Type {
	case SchedulerMemory:
		c.Memory = &MemorySchedulerConfig{Slots: 1}
		return value.Decode(c.Memory)
	case SchedulerSlurm:
		c.Slurm = &SlurmSchedulerConfig{}
		return value.Decode(c.Slurm)
	case SchedulerArq:
		c.Queue = &QueueSchedulerConfig{}
		return value.Decode(c.Queue)
	case SchedulerGrid:
		c.Grid = &GridSchedulerConfig{}
		return value.Decode(c.Grid)
	case SchedulerDocker:
		c.Docker = &DockerSchedulerConfig{}
		return value.Decode(c.Docker)
	case "":
		return fmt.Errorf("scheduler config is missing a type")
	default:
		return fmt.Errorf("unknown scheduler type %q", probe.Type)
	}
}

// MemorySchedulerConfig runs jobs inside the service process.
type MemorySchedulerConfig struct {
	Slots int `yaml:"slots"`
}

// SlurmSchedulerConfig wraps sbatch/squeue/sacct/scancel, optionally over SSH.
type SlurmSchedulerConfig struct {
	Partition    string          `yaml:"partition"`
	Time         string          `yaml:"time"`
	ExtraOptions []string        `yaml:"extra_options"`
	SSH          *sshutil.Config `yaml:"ssh_config"`
	GraceWindow  Duration        `yaml:"grace_window"`
}

// QueueSchedulerConfig pushes jobs onto a Redis queue consumed by external
// queue-worker processes.
type QueueSchedulerConfig struct {
	RedisDSN   string   `yaml:"redis_dsn"`
	Queue      string   `yaml:"queue"`
	MaxJobs    int      `yaml:"max_jobs"`
	JobTimeout Duration `yaml:"job_timeout"`
}

// GridSchedulerConfig submits JDLs to a grid WMS through the DIRAC command
// line tools, optionally on a remote submit host.
type GridSchedulerConfig struct {
	StorageElement string          `yaml:"storage_element"`
	Proxy          string          `yaml:"proxy"`
	ApptainerImage string          `yaml:"apptainer_image"`
	SSH            *sshutil.Config `yaml:"ssh_config"`
}

// DockerSchedulerConfig runs jobs in containers on the local Docker daemon.
type DockerSchedulerConfig struct {
	Image      string `yaml:"image"`
	AutoRemove bool   `yaml:"auto_remove"`
}

// FilesystemConfig is a tagged union over the filesystem variants.
type FilesystemConfig struct {
	Type string
	Sftp *SftpFilesystemConfig
	Grid *GridFilesystemConfig
}

// UnmarshalYAML implements yaml.Unmarshaler for the tagged union.
func (c *FilesystemConfig) UnmarshalYAML(value *yaml.Node) error {
	var probe struct {
		Type string `yaml:"type"`
	}
	if err := value.Decode(&probe); err != nil {
		return err
	}
	c.Type = probe.Type
	switch probe.Type {
	case FilesystemLocal:
		return nil
	case FilesystemSftp:
		c.Sftp = &SftpFilesystemConfig{}
		return value.Decode(c.Sftp)
	case FilesystemGrid:
		c.Grid = &GridFilesystemConfig{}
		return value.Decode(c.Grid)
	case "":
		return fmt.Errorf("filesystem config is missing a type")
	default:
		return fmt.Errorf("unknown filesystem type %q", probe.Type)
	}
}

// SftpFilesystemConfig transfers job directories over SFTP.
type SftpFilesystemConfig struct {
	SSH   *sshutil.Config `yaml:"ssh_config"`
	Entry string          `yaml:"entry"`
}

// GridFilesystemConfig stores job archives on a grid storage element.
type GridFilesystemConfig struct {
	LFNRoot        string          `yaml:"lfn_root"`
	StorageElement string          `yaml:"storage_element"`
	Proxy          string          `yaml:"proxy"`
	SSH            *sshutil.Config `yaml:"ssh_config"`
}

// ServiceConfig holds the process-level settings read from the environment,
// following the same conventions as the YAML file.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	ShutdownDrainWait time.Duration
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}

// Load reads and validates the YAML configuration file. JOB_ROOT_DIR in the
// environment overrides job_root_dir from the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Configuration("config.load", fmt.Sprintf("read %s: %v", path, err))
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, apperrors.Configuration("config.load", fmt.Sprintf("parse %s: %v", path, err))
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish applies environment overrides, defaults and validation.
func (c *Config) finish() error {
	if root := os.Getenv("JOB_ROOT_DIR"); root != "" {
		c.JobRootDir = root
	}
	if c.JobRootDir == "" {
		c.JobRootDir = "/tmp/jobs"
	}
	if c.DestinationPicker == "" {
		c.DestinationPicker = "first"
	}
	if len(c.Applications) == 0 {
		return apperrors.Configuration("config", "at least one application must be configured")
	}
	if len(c.Destinations) == 0 {
		c.Destinations = map[string]DestinationConfig{
			"local": {
				Scheduler:  SchedulerConfig{Type: SchedulerMemory, Memory: &MemorySchedulerConfig{Slots: 1}},
				Filesystem: FilesystemConfig{Type: FilesystemLocal},
			},
		}
	}
	for name, dest := range c.Destinations {
		if err := validateDestination(name, dest); err != nil {
			return err
		}
	}
	for name, app := range c.InteractiveApplications {
		if app.Timeout <= 0 {
			app.Timeout = Duration(30 * time.Second)
			c.InteractiveApplications[name] = app
		}
	}
	return nil
}

func validateDestination(name string, dest DestinationConfig) error {
	if dest.Scheduler.Type == "" {
		return apperrors.Configuration(
			"config",
			fmt.Sprintf("destination %s has no scheduler", name),
		)
	}
	// In-process and container schedulers run against the local disk; a
	// remote filesystem would leave them reading an empty job dir.
	local := dest.Scheduler.Type == SchedulerMemory ||
		dest.Scheduler.Type == SchedulerArq ||
		dest.Scheduler.Type == SchedulerDocker
	if local && dest.Filesystem.Type != "" && dest.Filesystem.Type != FilesystemLocal {
		return apperrors.Configuration(
			"config",
			fmt.Sprintf(
				"destination %s: %s scheduler requires the local filesystem, got %s",
				name, dest.Scheduler.Type, dest.Filesystem.Type,
			),
		)
	}
	if dest.Scheduler.Type == SchedulerGrid && dest.Filesystem.Type != FilesystemGrid {
		return apperrors.Configuration(
			"config",
			fmt.Sprintf("destination %s: dirac scheduler requires the dirac filesystem", name),
		)
	}
	return nil
}
