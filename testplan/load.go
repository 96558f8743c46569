// Package testplan loads declarative test plans and runs them against a
// provisioned target.
//
// A plan is a YAML or JSONC document naming an ordered list of cases.
// Each case is a shell script whose exit status decides Pass or Fail:
//
//	name: smoke
//	summary: binary starts and prints its version
//	requires: [linux]
//	cases:
//	  - name: version
//	    run: ./build/tool --version
//	  - name: selftest
//	    run: ./build/tool selftest
//	    timeout: 5m
//
// Plans are referenced by path relative to a plan root and run in the
// literal order they are referenced.
package testplan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Duration decodes "90s"-style strings from YAML and JSON.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Case is one test case.
type Case struct {
	Name    string   `yaml:"name" json:"name"`
	Run     string   `yaml:"run" json:"run"`
	Timeout Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Plan is an ordered suite of cases.
type Plan struct {
	Name     string   `yaml:"name" json:"name"`
	Summary  string   `yaml:"summary" json:"summary,omitempty"`
	Requires []string `yaml:"requires" json:"requires,omitempty"`
	Cases    []Case   `yaml:"cases" json:"cases"`

	// Path is the reference the plan was loaded from.
	Path string `yaml:"-" json:"-"`
	// Err is set on placeholders for plans that could not be loaded.
	Err error `yaml:"-" json:"-"`
}

// Load reads the plan referenced by ref, resolved against root. The
// reference must stay inside root.
func Load(root, ref string) (*Plan, error) {
	if !filepath.IsLocal(ref) {
		return nil, fmt.Errorf("test plan %q escapes the plan root", ref)
	}
	data, err := os.ReadFile(filepath.Join(root, ref))
	if err != nil {
		return nil, fmt.Errorf("reading test plan %s: %w", ref, err)
	}

	plan, err := Parse(data, filepath.Ext(ref))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}
	plan.Path = ref
	if plan.Name == "" {
		plan.Name = NameFromPath(ref)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}
	return plan, nil
}

// LoadAll loads refs in order. A ref that fails to load is kept as a
// placeholder plan carrying the error, so later plans still run; the
// returned error joins every load failure.
func LoadAll(root string, refs []string) ([]*Plan, error) {
	plans := make([]*Plan, 0, len(refs))
	var errs []error
	for _, ref := range refs {
		plan, err := Load(root, ref)
		if err != nil {
			errs = append(errs, err)
			plan = &Plan{Name: NameFromPath(ref), Path: ref, Err: err}
		}
		plans = append(plans, plan)
	}
	return plans, errors.Join(errs...)
}

// Parse decodes a plan document. ext selects the format: ".yaml" and
// ".yml" are YAML, ".json" and ".jsonc" are JSON with comments and
// trailing commas allowed.
func Parse(data []byte, ext string) (*Plan, error) {
	var plan Plan
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&plan); err != nil {
			return nil, fmt.Errorf("parsing test plan: %w", err)
		}
	case ".json", ".jsonc":
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&plan); err != nil {
			return nil, fmt.Errorf("parsing test plan: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported test plan format %q", ext)
	}
	return &plan, nil
}

// Validate checks that the plan has cases and that every case is named
// uniquely and runs something.
func (p *Plan) Validate() error {
	if len(p.Cases) == 0 {
		return errors.New("test plan has no cases")
	}
	seen := make(map[string]bool, len(p.Cases))
	for i, c := range p.Cases {
		if c.Name == "" {
			return fmt.Errorf("case %d: name is required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("case %q: duplicate name", c.Name)
		}
		seen[c.Name] = true
		if strings.TrimSpace(c.Run) == "" {
			return fmt.Errorf("case %q: run is required", c.Name)
		}
		if c.Timeout < 0 {
			return fmt.Errorf("case %q: negative timeout", c.Name)
		}
	}
	return nil
}

// NameFromPath strips the directory and extension from a plan path.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Filter splits plans into those whose required capabilities are all
// offered and those that are not, preserving order.
func Filter(plans []*Plan, has func(capability string) bool) (runnable, unsupported []*Plan) {
	for _, plan := range plans {
		if plan.supported(has) {
			runnable = append(runnable, plan)
		} else {
			unsupported = append(unsupported, plan)
		}
	}
	return runnable, unsupported
}

func (p *Plan) supported(has func(string) bool) bool {
	for _, capability := range p.Requires {
		if !has(capability) {
			return false
		}
	}
	return true
}
