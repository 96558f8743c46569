package runner

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Project represents a project configuration
type Project struct {
	Name        string `yaml:"name" json:"name"`
	Path        string `yaml:"path" json:"path"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ProjectsConfig holds the list of all projects
type ProjectsConfig struct {
	Projects []Project `yaml:"projects" json:"projects"`
}

// LoadProjects loads the projects configuration from a YAML file
func LoadProjects(configPath string) (*ProjectsConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read projects config: %w", err)
	}

	var config ProjectsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse projects config: %w", err)
	}

	seen := make(map[string]bool, len(config.Projects))
	for _, project := range config.Projects {
		if project.Name == "" || project.Path == "" {
			return nil, fmt.Errorf("project entries need a name and a path")
		}
		if seen[project.Name] {
			return nil, fmt.Errorf("project '%s' listed twice", project.Name)
		}
		seen[project.Name] = true
	}

	return &config, nil
}

// GetProject returns a project by name
func (pc *ProjectsConfig) GetProject(name string) (*Project, error) {
	for _, project := range pc.Projects {
		if project.Name == name {
			return &project, nil
		}
	}
	return nil, fmt.Errorf("project '%s' not found", name)
}

// Validate checks that the project directory exists and holds a pipeline.
func (p *Project) Validate(baseDir string) error {
	info, err := os.Stat(p.Dir(baseDir))
	if err != nil {
		return fmt.Errorf("project path does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path is not a directory")
	}

	if _, err := os.Stat(p.PipelinePath(baseDir)); err != nil {
		return fmt.Errorf("%s not found in project directory", PipelineFile)
	}
	return nil
}

// Dir returns the absolute project directory.
func (p *Project) Dir(baseDir string) string {
	if filepath.IsAbs(p.Path) {
		return p.Path
	}
	return filepath.Join(baseDir, p.Path)
}

// PipelinePath returns the absolute path to the project's ciorch.yml
func (p *Project) PipelinePath(baseDir string) string {
	return filepath.Join(p.Dir(baseDir), PipelineFile)
}
