// Package config loads orchestrator settings from a TOML file, a .env file
// and CIORCH_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"ciorch/artifacts"
)

// ExecutionConfig bounds scheduling and provisioning.
type ExecutionConfig struct {
	MaxParallel      int           `toml:"max_parallel"`
	ProvisionTimeout time.Duration `toml:"provision_timeout"`
	ProvisionRetries int           `toml:"provision_retries"`
	StepTimeout      time.Duration `toml:"step_timeout"`
}

// ContainerConfig configures container targets.
type ContainerConfig struct {
	Runtime   string   `toml:"runtime"`
	ExtraArgs []string `toml:"extra_args"`
}

// VMConfig configures virtual machine targets.
type VMConfig struct {
	QEMU    string `toml:"qemu"`
	Memory  string `toml:"memory"`
	CPUs    int    `toml:"cpus"`
	Accel   string `toml:"accel"`
	User    string `toml:"user"`
	Workdir string `toml:"workdir"`
}

// KafkaConfig configures the event sink. No brokers means no sink.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// Enabled reports whether events should be produced to Kafka.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// Config holds all ciorch configuration.
type Config struct {
	// DataDir holds the run database and the artifact store.
	DataDir   string                `toml:"data_dir"`
	Port      string                `toml:"port"`
	Projects  string                `toml:"projects"`
	LogLevel  string                `toml:"log_level"`
	Execution ExecutionConfig       `toml:"execution"`
	Container ContainerConfig       `toml:"container"`
	VM        VMConfig              `toml:"vm"`
	MinIO     artifacts.MinIOConfig `toml:"minio"`
	Kafka     KafkaConfig           `toml:"kafka"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DataDir:  "data",
		Port:     "8080",
		Projects: "projects.yml",
		LogLevel: "info",
		Execution: ExecutionConfig{
			ProvisionTimeout: 10 * time.Minute,
			ProvisionRetries: 2,
		},
		Container: ContainerConfig{Runtime: "docker"},
		Kafka:     KafkaConfig{Topic: "ciorch.events"},
	}
}

// DefaultConfigPath returns the default path for the ciorch config file.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ciorch", "config.toml")
}

// Load reads the config file at path, if it exists, then loads .env from
// the working directory and applies environment overrides.
func Load(path string) (Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()
	return LoadFrom(path, os.Getenv)
}

// LoadFrom reads path over the defaults and applies overrides from getenv.
// A missing file is not an error.
func LoadFrom(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}
	if err := applyEnvOverrides(&cfg, getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// applyEnvOverrides lets CIORCH_* variables take precedence over the file.
// PORT is honoured for compatibility with hosting platforms.
func applyEnvOverrides(cfg *Config, getenv func(string) string) error {
	// PORT comes before CIORCH_PORT so the specific name wins.
	strs := []struct {
		name  string
		field *string
	}{
		{"CIORCH_DATA_DIR", &cfg.DataDir},
		{"PORT", &cfg.Port},
		{"CIORCH_PORT", &cfg.Port},
		{"CIORCH_PROJECTS", &cfg.Projects},
		{"CIORCH_LOG_LEVEL", &cfg.LogLevel},
		{"CIORCH_CONTAINER_RUNTIME", &cfg.Container.Runtime},
		{"CIORCH_QEMU", &cfg.VM.QEMU},
		{"CIORCH_VM_MEMORY", &cfg.VM.Memory},
		{"CIORCH_VM_USER", &cfg.VM.User},
		{"CIORCH_MINIO_ENDPOINT", &cfg.MinIO.Endpoint},
		{"CIORCH_MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey},
		{"CIORCH_MINIO_SECRET_KEY", &cfg.MinIO.SecretKey},
		{"CIORCH_MINIO_BUCKET", &cfg.MinIO.Bucket},
		{"CIORCH_KAFKA_TOPIC", &cfg.Kafka.Topic},
	}
	for _, s := range strs {
		if v := getenv(s.name); v != "" {
			*s.field = v
		}
	}

	if v := getenv("CIORCH_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}

	ints := map[string]*int{
		"CIORCH_MAX_PARALLEL":      &cfg.Execution.MaxParallel,
		"CIORCH_PROVISION_RETRIES": &cfg.Execution.ProvisionRetries,
		"CIORCH_VM_CPUS":           &cfg.VM.CPUs,
	}
	for name, field := range ints {
		if v := getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %q is not a number", name, v)
			}
			*field = n
		}
	}

	durations := map[string]*time.Duration{
		"CIORCH_PROVISION_TIMEOUT": &cfg.Execution.ProvisionTimeout,
		"CIORCH_STEP_TIMEOUT":      &cfg.Execution.StepTimeout,
	}
	for name, field := range durations {
		if v := getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*field = d
		}
	}
	return nil
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// Validate rejects settings no component could work with.
func (c Config) Validate() error {
	if c.Execution.MaxParallel < 0 {
		return fmt.Errorf("execution.max_parallel must not be negative")
	}
	if c.Execution.ProvisionRetries < 0 {
		return fmt.Errorf("execution.provision_retries must not be negative")
	}
	switch c.Container.Runtime {
	case "docker", "podman":
	default:
		return fmt.Errorf("container.runtime must be docker or podman, got %q", c.Container.Runtime)
	}
	if c.MinIO.Enabled() {
		if err := c.MinIO.Validate(); err != nil {
			return fmt.Errorf("minio: %w", err)
		}
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	return nil
}

// DBPath returns the run database file.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "ciorch.db")
}

// ArtifactDir returns the root of the artifact store.
func (c Config) ArtifactDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}
