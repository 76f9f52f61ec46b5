// Package playbook defines the typed in-memory representation of a
// parsed playbook and the strict YAML parser that produces it.
package playbook

// Recognized action kinds. The set is closed; registration rejects
// anything else.
const (
	KindPython            = "python"
	KindHTTP              = "http"
	KindPostgres          = "postgres"
	KindDuckDB            = "duckdb"
	KindSnowflake         = "snowflake"
	KindSnowflakeTransfer = "snowflake_transfer"
	KindContainer         = "container"
	KindSecrets           = "secrets"
	KindIterator          = "iterator"
	KindPlaybook          = "playbook"
	KindNoop              = "noop"
	KindShell             = "shell"
)

// ValidKind reports whether kind names a supported action kind.
func ValidKind(kind string) bool {
	switch kind {
	case KindPython, KindHTTP, KindPostgres, KindDuckDB, KindSnowflake,
		KindSnowflakeTransfer, KindContainer, KindSecrets, KindIterator,
		KindPlaybook, KindNoop, KindShell:
		return true
	}
	return false
}

// StartStep and EndStep are the reserved workflow entry and exit
// step names.
const (
	StartStep = "start"
	EndStep   = "end"
)

// Playbook is the parsed, validated form of one playbook document.
type Playbook struct {
	APIVersion string           `json:"api_version" yaml:"apiVersion"`
	Kind       string           `json:"kind" yaml:"kind"`
	Metadata   Metadata         `json:"metadata" yaml:"metadata"`
	Workload   map[string]any   `json:"workload,omitempty" yaml:"workload"`
	Workbook   []Task           `json:"workbook,omitempty" yaml:"workbook"`
	Workflow   []Step           `json:"workflow" yaml:"workflow"`
	Keychain   []KeychainEntry  `json:"keychain,omitempty" yaml:"keychain"`

	steps map[string]*Step
	tasks map[string]*Task
}

// Metadata carries the playbook identity.
type Metadata struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// Task is a named reusable action definition in the workbook.
type Task struct {
	Name   string         `json:"name"`
	Kind   string         `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
	Auth   []string       `json:"auth,omitempty"`
}

// Step is one node of the workflow graph. Exactly one of TaskRef
// (workbook reference) or Tool (inline action kind) is set.
type Step struct {
	Name    string         `json:"step"`
	Desc    string         `json:"desc,omitempty"`
	TaskRef string         `json:"name,omitempty"`
	Tool    string         `json:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Save    *Save          `json:"save,omitempty"`
	Vars    map[string]any `json:"vars,omitempty"`
	Next    []Edge         `json:"next,omitempty"`
	Case    []CaseEdge     `json:"case,omitempty"`
	Auth    []string       `json:"auth,omitempty"`
}

// Edge is an outbound routing edge listed under `next`. When is
// optional; an empty When fires unconditionally.
type Edge struct {
	Step string         `json:"step"`
	When string         `json:"when,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// CaseEdge is a conditional routing edge listed under `case`. Edges
// are tried in order; the first whose When is true fires all steps in
// Then. A CaseEdge with empty When is the case default.
type CaseEdge struct {
	When string         `json:"when,omitempty"`
	Then []string       `json:"then"`
	Args map[string]any `json:"args,omitempty"`
}

// Save describes a step's save block. Storage names the action kind
// used for the synthetic save entry.
type Save struct {
	Storage string         `json:"storage"`
	Config  map[string]any `json:"config,omitempty"`
}

// KeychainEntry is a named credential recipe bound to executions of
// this playbook.
type KeychainEntry struct {
	Name       string `json:"name"`
	Kind       string `json:"kind,omitempty"`
	Credential string `json:"credential"`
}

// StepByName returns the named step, or nil.
func (p *Playbook) StepByName(name string) *Step {
	return p.steps[name]
}

// TaskByName returns the named workbook task, or nil.
func (p *Playbook) TaskByName(name string) *Task {
	return p.tasks[name]
}

// ActionKind resolves the step's effective action kind, following a
// workbook reference when present.
func (p *Playbook) ActionKind(s *Step) string {
	if s.Tool != "" {
		return s.Tool
	}
	if t := p.TaskByName(s.TaskRef); t != nil {
		return t.Kind
	}
	return ""
}

// ActionConfig resolves the step's effective action config: the
// referenced task's config for workbook steps, the step args for
// inline steps.
func (p *Playbook) ActionConfig(s *Step) map[string]any {
	if s.Tool != "" {
		return s.Args
	}
	if t := p.TaskByName(s.TaskRef); t != nil {
		return t.Config
	}
	return nil
}

// index builds the name lookup tables. Called by Parse after
// validation.
func (p *Playbook) index() {
	p.steps = make(map[string]*Step, len(p.Workflow))
	for i := range p.Workflow {
		p.steps[p.Workflow[i].Name] = &p.Workflow[i]
	}
	p.tasks = make(map[string]*Task, len(p.Workbook))
	for i := range p.Workbook {
		p.tasks[p.Workbook[i].Name] = &p.Workbook[i]
	}
}
