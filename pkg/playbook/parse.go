package playbook

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseError is a structural playbook error. Registration fails on it.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return "playbook validation: " + e.Message }

func parseErrf(format string, args ...any) error {
	return &ParseError{Message: fmt.Sprintf(format, args...)}
}

// Parse decodes and structurally validates playbook YAML. Unknown
// keys are rejected. Non-fatal oddities (e.g. both data: and args: on
// one step) come back as warnings.
func Parse(text []byte) (*Playbook, []string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return nil, nil, parseErrf("invalid YAML: %v", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, nil, parseErrf("expected a single YAML document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, nil, parseErrf("top level must be a mapping")
	}

	d := &decoder{}
	pb := &Playbook{}
	for k, v := range mappingPairs(root) {
		switch k {
		case "apiVersion":
			pb.APIVersion = v.Value
		case "kind":
			pb.Kind = v.Value
		case "metadata":
			if err := d.decodeMetadata(v, &pb.Metadata); err != nil {
				return nil, nil, err
			}
		case "workload":
			if err := v.Decode(&pb.Workload); err != nil {
				return nil, nil, parseErrf("workload: %v", err)
			}
		case "workbook":
			if err := d.decodeWorkbook(v, pb); err != nil {
				return nil, nil, err
			}
		case "workflow":
			if err := d.decodeWorkflow(v, pb); err != nil {
				return nil, nil, err
			}
		case "keychain":
			if err := d.decodeKeychain(v, pb); err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, parseErrf("unknown top-level key %q (line %d)", k, v.Line)
		}
	}

	pb.index()
	if err := validate(pb, d); err != nil {
		return nil, nil, err
	}
	return pb, d.warnings, nil
}

type decoder struct {
	warnings []string
}

func (d *decoder) warnf(format string, args ...any) {
	d.warnings = append(d.warnings, fmt.Sprintf(format, args...))
}

// mappingPairs iterates a mapping node's key/value pairs.
func mappingPairs(n *yaml.Node) func(func(string, *yaml.Node) bool) {
	return func(yield func(string, *yaml.Node) bool) {
		for i := 0; i+1 < len(n.Content); i += 2 {
			if !yield(n.Content[i].Value, n.Content[i+1]) {
				return
			}
		}
	}
}

func (d *decoder) decodeMetadata(n *yaml.Node, m *Metadata) error {
	if n.Kind != yaml.MappingNode {
		return parseErrf("metadata must be a mapping (line %d)", n.Line)
	}
	for k, v := range mappingPairs(n) {
		switch k {
		case "name":
			m.Name = v.Value
		case "path":
			m.Path = v.Value
		default:
			return parseErrf("metadata: unknown key %q (line %d)", k, v.Line)
		}
	}
	return nil
}

func (d *decoder) decodeWorkbook(n *yaml.Node, pb *Playbook) error {
	if n.Kind != yaml.SequenceNode {
		return parseErrf("workbook must be a list (line %d)", n.Line)
	}
	for _, item := range n.Content {
		task, err := d.decodeTask(item)
		if err != nil {
			return err
		}
		pb.Workbook = append(pb.Workbook, *task)
	}
	return nil
}

func (d *decoder) decodeTask(n *yaml.Node) (*Task, error) {
	if n.Kind != yaml.MappingNode {
		return nil, parseErrf("workbook entry must be a mapping (line %d)", n.Line)
	}
	t := &Task{}
	for k, v := range mappingPairs(n) {
		switch k {
		case "name":
			t.Name = v.Value
		case "type", "tool":
			if t.Kind != "" {
				d.warnf("workbook task %q: both type and tool given, using %q", t.Name, v.Value)
			}
			t.Kind = v.Value
		case "config", "args", "data", "with":
			var cfg map[string]any
			if err := v.Decode(&cfg); err != nil {
				return nil, parseErrf("workbook task %q: %s: %v", t.Name, k, err)
			}
			if t.Config != nil {
				d.warnf("workbook task %q: multiple config-like keys, later one wins", t.Name)
			}
			t.Config = cfg
		case "auth":
			if err := v.Decode(&t.Auth); err != nil {
				return nil, parseErrf("workbook task %q: auth: %v", t.Name, err)
			}
		default:
			return nil, parseErrf("workbook task %q: unknown key %q (line %d)", t.Name, k, v.Line)
		}
	}
	if t.Name == "" {
		return nil, parseErrf("workbook task without name (line %d)", n.Line)
	}
	return t, nil
}

func (d *decoder) decodeWorkflow(n *yaml.Node, pb *Playbook) error {
	if n.Kind != yaml.SequenceNode {
		return parseErrf("workflow must be a list (line %d)", n.Line)
	}
	for _, item := range n.Content {
		step, err := d.decodeStep(item)
		if err != nil {
			return err
		}
		pb.Workflow = append(pb.Workflow, *step)
	}
	return nil
}

func (d *decoder) decodeStep(n *yaml.Node) (*Step, error) {
	if n.Kind != yaml.MappingNode {
		return nil, parseErrf("workflow entry must be a mapping (line %d)", n.Line)
	}
	s := &Step{}
	argsKey := ""
	for k, v := range mappingPairs(n) {
		switch k {
		case "step":
			s.Name = v.Value
		case "desc":
			s.Desc = v.Value
		case "name":
			s.TaskRef = v.Value
		case "tool", "type":
			s.Tool = v.Value
		case "args", "data", "with":
			var args map[string]any
			if err := v.Decode(&args); err != nil {
				return nil, parseErrf("step %q: %s: %v", s.Name, k, err)
			}
			if argsKey != "" {
				// data: and args: are aliases; args wins when both exist.
				d.warnf("step %q: both %s and %s given, using args semantics", s.Name, argsKey, k)
				if argsKey == "args" {
					continue
				}
			}
			argsKey = k
			s.Args = args
		case "save":
			save, err := d.decodeSave(v, s.Name)
			if err != nil {
				return nil, err
			}
			s.Save = save
		case "vars":
			if err := v.Decode(&s.Vars); err != nil {
				return nil, parseErrf("step %q: vars: %v", s.Name, err)
			}
		case "next":
			edges, err := d.decodeNext(v, s.Name)
			if err != nil {
				return nil, err
			}
			s.Next = edges
		case "case":
			edges, err := d.decodeCase(v, s.Name)
			if err != nil {
				return nil, err
			}
			s.Case = edges
		case "auth":
			if err := v.Decode(&s.Auth); err != nil {
				return nil, parseErrf("step %q: auth: %v", s.Name, err)
			}
		default:
			return nil, parseErrf("step %q: unknown key %q (line %d)", s.Name, k, v.Line)
		}
	}
	if s.Name == "" {
		return nil, parseErrf("workflow step without step name (line %d)", n.Line)
	}
	return s, nil
}

func (d *decoder) decodeSave(n *yaml.Node, step string) (*Save, error) {
	if n.Kind != yaml.MappingNode {
		return nil, parseErrf("step %q: save must be a mapping (line %d)", step, n.Line)
	}
	save := &Save{}
	for k, v := range mappingPairs(n) {
		switch k {
		case "storage", "type", "tool":
			save.Storage = v.Value
		case "config", "args", "data", "with":
			if err := v.Decode(&save.Config); err != nil {
				return nil, parseErrf("step %q: save.%s: %v", step, k, err)
			}
		default:
			return nil, parseErrf("step %q: save: unknown key %q (line %d)", step, k, v.Line)
		}
	}
	if save.Storage == "" {
		return nil, parseErrf("step %q: save block without storage type", step)
	}
	return save, nil
}

// decodeNext accepts bare step names and edge mappings. An edge
// mapping targets either a single step or, via then, a list of steps.
func (d *decoder) decodeNext(n *yaml.Node, step string) ([]Edge, error) {
	if n.Kind == yaml.ScalarNode {
		return []Edge{{Step: n.Value}}, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, parseErrf("step %q: next must be a list or step name (line %d)", step, n.Line)
	}
	var edges []Edge
	for _, item := range n.Content {
		if item.Kind == yaml.ScalarNode {
			edges = append(edges, Edge{Step: item.Value})
			continue
		}
		if item.Kind != yaml.MappingNode {
			return nil, parseErrf("step %q: invalid next entry (line %d)", step, item.Line)
		}
		e := Edge{}
		var targets []string
		argsKey := ""
		for k, v := range mappingPairs(item) {
			switch k {
			case "step":
				e.Step = v.Value
			case "then":
				if v.Kind == yaml.ScalarNode {
					targets = []string{v.Value}
					continue
				}
				if err := v.Decode(&targets); err != nil {
					return nil, parseErrf("step %q: next.then: %v", step, err)
				}
			case "when":
				e.When = v.Value
			case "args", "data", "with":
				var args map[string]any
				if err := v.Decode(&args); err != nil {
					return nil, parseErrf("step %q: next.%s: %v", step, k, err)
				}
				if argsKey != "" {
					d.warnf("step %q: next edge has both %s and %s, using args semantics", step, argsKey, k)
					if argsKey == "args" {
						continue
					}
				}
				argsKey = k
				e.Args = args
			default:
				return nil, parseErrf("step %q: next: unknown key %q (line %d)", step, k, v.Line)
			}
		}
		if e.Step != "" && len(targets) > 0 {
			return nil, parseErrf("step %q: next entry mixes step and then (line %d)", step, item.Line)
		}
		if len(targets) > 0 {
			// The then form fans out: one edge per target, all sharing
			// the entry's when and args.
			for _, target := range targets {
				edges = append(edges, Edge{Step: target, When: e.When, Args: e.Args})
			}
			continue
		}
		if e.Step == "" {
			return nil, parseErrf("step %q: next entry without target step (line %d)", step, item.Line)
		}
		edges = append(edges, e)
	}
	return edges, nil
}

func (d *decoder) decodeCase(n *yaml.Node, step string) ([]CaseEdge, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, parseErrf("step %q: case must be a list (line %d)", step, n.Line)
	}
	var edges []CaseEdge
	for _, item := range n.Content {
		if item.Kind != yaml.MappingNode {
			return nil, parseErrf("step %q: invalid case entry (line %d)", step, item.Line)
		}
		e := CaseEdge{}
		for k, v := range mappingPairs(item) {
			switch k {
			case "when":
				e.When = v.Value
			case "then":
				if v.Kind == yaml.ScalarNode {
					e.Then = []string{v.Value}
					continue
				}
				if err := v.Decode(&e.Then); err != nil {
					return nil, parseErrf("step %q: case.then: %v", step, err)
				}
			case "args", "data", "with":
				if err := v.Decode(&e.Args); err != nil {
					return nil, parseErrf("step %q: case.%s: %v", step, k, err)
				}
			default:
				return nil, parseErrf("step %q: case: unknown key %q (line %d)", step, k, v.Line)
			}
		}
		if len(e.Then) == 0 {
			return nil, parseErrf("step %q: case entry without then targets (line %d)", step, item.Line)
		}
		edges = append(edges, e)
	}
	return edges, nil
}

func (d *decoder) decodeKeychain(n *yaml.Node, pb *Playbook) error {
	if n.Kind != yaml.SequenceNode {
		return parseErrf("keychain must be a list (line %d)", n.Line)
	}
	for _, item := range n.Content {
		if item.Kind != yaml.MappingNode {
			return parseErrf("invalid keychain entry (line %d)", item.Line)
		}
		e := KeychainEntry{}
		for k, v := range mappingPairs(item) {
			switch k {
			case "name":
				e.Name = v.Value
			case "kind", "type":
				e.Kind = v.Value
			case "credential":
				e.Credential = v.Value
			default:
				return parseErrf("keychain: unknown key %q (line %d)", k, v.Line)
			}
		}
		if e.Name == "" {
			return parseErrf("keychain entry without name (line %d)", item.Line)
		}
		pb.Keychain = append(pb.Keychain, e)
	}
	return nil
}
