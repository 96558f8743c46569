package runner

import (
	"fmt"
	"path"
	"strings"
)

// DefaultMarker is the generic selective-mode marker.
const DefaultMarker = "ci"

// GateKind selects how a gating rule is evaluated.
type GateKind int

const (
	// GateAlways runs the job for every ref.
	GateAlways GateKind = iota
	// GateSelective runs the job unless the ref carries Marker, in which
	// case the ref must also carry Specific.
	GateSelective
)

// GatingRule decides whether a job runs for an activation ref.
type GatingRule struct {
	Kind     GateKind
	Marker   string
	Specific string
}

// Always returns the rule that runs for every ref.
func Always() GatingRule {
	return GatingRule{Kind: GateAlways}
}

// UnlessMarkerThenRequire returns the selective rule: run by default, but
// once the ref contains marker, run only if it also contains specific.
func UnlessMarkerThenRequire(marker, specific string) GatingRule {
	return GatingRule{Kind: GateSelective, Marker: marker, Specific: specific}
}

// ShouldRun evaluates rule against ref. Matching is substring based and
// case sensitive. A ref naming several specific markers runs every job
// it names; this is a naming convention, not a grammar.
func ShouldRun(ref string, rule GatingRule) bool {
	if rule.Kind != GateSelective || rule.Marker == "" {
		return true
	}
	if !strings.Contains(ref, rule.Marker) {
		return true
	}
	return rule.Specific != "" && strings.Contains(ref, rule.Specific)
}

func (r GatingRule) String() string {
	if r.Kind != GateSelective {
		return "always"
	}
	return fmt.Sprintf("unless %q then require %q", r.Marker, r.Specific)
}

// Activation lists the ref patterns that start a pipeline.
type Activation struct {
	Branches []string `yaml:"branches" json:"branches"`
	Tags     []string `yaml:"tags" json:"tags"`
}

// DefaultActivation is used when a pipeline declares none.
func DefaultActivation() Activation {
	return Activation{
		Branches: []string{"main", "next", "dev*", "ci*"},
		Tags:     []string{"v*"},
	}
}

// IsZero reports whether no pattern is declared.
func (a Activation) IsZero() bool {
	return len(a.Branches) == 0 && len(a.Tags) == 0
}

// Validate checks every pattern is a well-formed glob.
func (a Activation) Validate() error {
	for _, pattern := range append(append([]string{}, a.Branches...), a.Tags...) {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("activation pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// SplitRef classifies ref as a branch or a tag and returns its short
// name. "refs/heads/x" and bare names are branches; "refs/tags/x" is a tag.
func SplitRef(ref string) (name string, tag bool) {
	switch {
	case strings.HasPrefix(ref, "refs/tags/"):
		return strings.TrimPrefix(ref, "refs/tags/"), true
	case strings.HasPrefix(ref, "refs/heads/"):
		return strings.TrimPrefix(ref, "refs/heads/"), false
	}
	return ref, false
}

// Activates reports whether ref matches one of the activation patterns.
func Activates(ref string, rules Activation) bool {
	name, tag := SplitRef(ref)
	patterns := rules.Branches
	if tag {
		patterns = rules.Tags
	}
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
