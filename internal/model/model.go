// Package model defines the data structures for annobroker's configuration,
// pool documents, ledgers, and broker request/response payloads.
package model

import "fmt"

// Domain is one of the two annotation disciplines.
type Domain string

const (
	DomainSAM  Domain = "sam"  // segmentation prompts
	DomainLang Domain = "lang" // natural-language descriptions
)

var validDomains = map[Domain]bool{
	DomainSAM:  true,
	DomainLang: true,
}

// Domains lists all domains in a stable order.
func Domains() []Domain {
	return []Domain{DomainSAM, DomainLang}
}

func ParseDomain(s string) (Domain, error) {
	d := Domain(s)
	if !validDomains[d] {
		return "", fmt.Errorf("unknown domain %q, must be sam|lang", s)
	}
	return d, nil
}

// Origin categorizes how a task entered the corpus. Fresh tasks are served
// in round 0; reannotation tasks are served in escalation rounds 1-3.
type Origin string

const (
	OriginFresh  Origin = "fresh"
	OriginReanno Origin = "human-reannotation"
)

// MaxRound is the highest escalation round.
const MaxRound = 3

// ValidRound reports whether n is a usable round number.
func ValidRound(n int) bool {
	return n >= 0 && n <= MaxRound
}

// NavMode selects the direction of navigation on an assignment request.
type NavMode string

const (
	NavAdvance  NavMode = "next"
	NavTakeback NavMode = "pre"
)

func ParseNavMode(s string) (NavMode, error) {
	switch NavMode(s) {
	case NavAdvance, NavTakeback:
		return NavMode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q, must be next|pre", s)
}

// AssignState is the terminal state of one assigner request.
type AssignState string

const (
	StateCommitted AssignState = "committed"
	StateExhausted AssignState = "exhausted"
	StateReverted  AssignState = "reverted"
)

// Task is one corpus entry, identified globally by its video path.
type Task struct {
	VideoPath           string `yaml:"video_path" json:"video_path"`
	SourceAnnotationRef string `yaml:"source_annotation_ref,omitempty" json:"source_annotation_ref,omitempty"`
	OutputRef           string `yaml:"output_ref" json:"output_ref"`
	Origin              Origin `yaml:"origin" json:"origin"`
}

// Assignment is a task currently held by a user.
type Assignment struct {
	Task `yaml:",inline"`
	User string `yaml:"user" json:"user"`
}

// PoolDocument is the single durable document holding both pools of a
// domain. The two sets are written together in one atomic rename so a crash
// can never split a task across them. Slice order is insertion order; the
// assigner pops the first eligible unassigned entry.
type PoolDocument struct {
	SchemaVersion int          `yaml:"schema_version"`
	Domain        Domain       `yaml:"domain"`
	Unassigned    []Task       `yaml:"unassigned"`
	Assigned      []Assignment `yaml:"assigned"`
}

const PoolSchemaVersion = 1

// Validate checks the partition invariant: no key may appear twice within or
// across the two pools, and every entry must carry a key and an output ref.
func (p *PoolDocument) Validate() error {
	if !validDomains[p.Domain] {
		return fmt.Errorf("pool document has unknown domain %q", p.Domain)
	}
	seen := make(map[string]string, len(p.Unassigned)+len(p.Assigned))
	check := func(t Task, pool string) error {
		if t.VideoPath == "" {
			return fmt.Errorf("%s pool entry with empty video_path", pool)
		}
		if t.OutputRef == "" {
			return fmt.Errorf("%s pool entry %q has empty output_ref", pool, t.VideoPath)
		}
		if prev, ok := seen[t.VideoPath]; ok {
			return fmt.Errorf("video %q present in both %s and %s pools", t.VideoPath, prev, pool)
		}
		seen[t.VideoPath] = pool
		return nil
	}
	for _, t := range p.Unassigned {
		if err := check(t, "unassigned"); err != nil {
			return err
		}
	}
	for _, a := range p.Assigned {
		if err := check(a.Task, "assigned"); err != nil {
			return err
		}
		if a.User == "" {
			return fmt.Errorf("assigned entry %q has empty user", a.VideoPath)
		}
	}
	return nil
}

// FindAssigned returns the assignment holding videoPath, or nil.
func (p *PoolDocument) FindAssigned(videoPath string) *Assignment {
	for i := range p.Assigned {
		if p.Assigned[i].VideoPath == videoPath {
			return &p.Assigned[i]
		}
	}
	return nil
}

// RemoveAssigned deletes videoPath from the assigned pool, preserving order.
// Returns the removed assignment, or nil if absent.
func (p *PoolDocument) RemoveAssigned(videoPath string) *Assignment {
	for i := range p.Assigned {
		if p.Assigned[i].VideoPath == videoPath {
			a := p.Assigned[i]
			p.Assigned = append(p.Assigned[:i], p.Assigned[i+1:]...)
			return &a
		}
	}
	return nil
}

// RemoveUnassigned deletes videoPath from the unassigned pool, preserving
// order. Returns the removed task, or nil if absent.
func (p *PoolDocument) RemoveUnassigned(videoPath string) *Task {
	for i := range p.Unassigned {
		if p.Unassigned[i].VideoPath == videoPath {
			t := p.Unassigned[i]
			p.Unassigned = append(p.Unassigned[:i], p.Unassigned[i+1:]...)
			return &t
		}
	}
	return nil
}
