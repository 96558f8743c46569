package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ciorch/config"
)

func env(values map[string]string) func(string) string {
	return func(name string) string { return values[name] }
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.LoadFrom(filepath.Join(t.TempDir(), "nope.toml"), env(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" || cfg.Container.Runtime != "docker" || cfg.Execution.ProvisionTimeout != 10*time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.DBPath() != filepath.Join("data", "ciorch.db") {
		t.Errorf("DBPath() = %s", cfg.DBPath())
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
data_dir = "/var/lib/ciorch"

[execution]
max_parallel = 4
provision_timeout = "3m"
step_timeout = "45m"

[container]
runtime = "podman"

[vm]
memory = "4G"
cpus = 4

[minio]
endpoint = "minio.local:9000"
access_key = "ci"
secret_key = "secret"
bucket = "artifacts"

[kafka]
brokers = ["kafka-1:9092", "kafka-2:9092"]
`)

	cfg, err := config.LoadFrom(path, env(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Execution.MaxParallel != 4 || cfg.Execution.ProvisionTimeout != 3*time.Minute || cfg.Execution.StepTimeout != 45*time.Minute {
		t.Errorf("execution = %+v", cfg.Execution)
	}
	if cfg.Container.Runtime != "podman" || cfg.VM.CPUs != 4 || cfg.VM.Memory != "4G" {
		t.Errorf("targets = %+v %+v", cfg.Container, cfg.VM)
	}
	if !cfg.MinIO.Enabled() || cfg.MinIO.Bucket != "artifacts" {
		t.Errorf("minio = %+v", cfg.MinIO)
	}
	if !cfg.Kafka.Enabled() || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Topic != "ciorch.events" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if cfg.ArtifactDir() != "/var/lib/ciorch/artifacts" {
		t.Errorf("ArtifactDir() = %s", cfg.ArtifactDir())
	}
}

func TestLoad_EnvVarsTakePrecedence(t *testing.T) {
	path := writeConfig(t, "port = \"9000\"\n[execution]\nmax_parallel = 2\n")

	cfg, err := config.LoadFrom(path, env(map[string]string{
		"PORT":                     "7000",
		"CIORCH_PORT":              "7070",
		"CIORCH_MAX_PARALLEL":      "8",
		"CIORCH_STEP_TIMEOUT":      "90s",
		"CIORCH_KAFKA_BROKERS":     "a:9092, b:9092,",
		"CIORCH_CONTAINER_RUNTIME": "podman",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Port)
	}
	if cfg.Execution.MaxParallel != 8 || cfg.Execution.StepTimeout != 90*time.Second {
		t.Errorf("execution = %+v", cfg.Execution)
	}
	if strings.Join(cfg.Kafka.Brokers, ",") != "a:9092,b:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Container.Runtime != "podman" {
		t.Errorf("runtime = %s", cfg.Container.Runtime)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		want    string
	}{
		{"bad toml", "port = ", nil, "failed to parse"},
		{"negative parallel", "[execution]\nmax_parallel = -1\n", nil, "max_parallel"},
		{"unknown runtime", "[container]\nruntime = \"lxc\"\n", nil, "runtime"},
		{"minio without bucket", "[minio]\nendpoint = \"m:9000\"\naccess_key = \"a\"\nsecret_key = \"b\"\n", nil, "bucket"},
		{"minio with scheme", "[minio]\nendpoint = \"https://m:9000\"\n", nil, "scheme"},
		{"kafka without topic", "[kafka]\nbrokers = [\"k:9092\"]\ntopic = \"\"\n", nil, "topic"},
		{"bad number", "", map[string]string{"CIORCH_VM_CPUS": "many"}, "CIORCH_VM_CPUS"},
		{"bad duration", "", map[string]string{"CIORCH_PROVISION_TIMEOUT": "soon"}, "CIORCH_PROVISION_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadFrom(writeConfig(t, tt.content), env(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDefaultConfigPath(t *testing.T) {
	if path := config.DefaultConfigPath(); !strings.HasSuffix(path, filepath.Join(".config", "ciorch", "config.toml")) {
		t.Errorf("DefaultConfigPath() = %s", path)
	}
}
