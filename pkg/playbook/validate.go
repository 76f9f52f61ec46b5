package playbook

import "strings"

// validate performs structural validation after decoding. It is
// intentionally strict: a playbook that passes here can always be
// scheduled.
func validate(pb *Playbook, d *decoder) error {
	if pb.Kind != "Playbook" {
		return parseErrf("kind must be \"Playbook\", got %q", pb.Kind)
	}
	if pb.APIVersion == "" {
		return parseErrf("apiVersion is required")
	}
	if pb.Metadata.Name == "" || pb.Metadata.Path == "" {
		return parseErrf("metadata.name and metadata.path are required")
	}
	if len(pb.Workflow) == 0 {
		return parseErrf("workflow must contain at least one step")
	}

	tasks := make(map[string]bool, len(pb.Workbook))
	for _, t := range pb.Workbook {
		if tasks[t.Name] {
			return parseErrf("duplicate workbook task %q", t.Name)
		}
		tasks[t.Name] = true
		if !ValidKind(t.Kind) {
			return parseErrf("workbook task %q: unknown action kind %q", t.Name, t.Kind)
		}
	}

	steps := make(map[string]*Step, len(pb.Workflow))
	for i := range pb.Workflow {
		s := &pb.Workflow[i]
		if steps[s.Name] != nil {
			return parseErrf("duplicate step %q", s.Name)
		}
		if strings.Contains(s.Name, ":") {
			return parseErrf("step %q: ':' is reserved in step names", s.Name)
		}
		steps[s.Name] = s
	}
	if steps[StartStep] == nil {
		return parseErrf("workflow must contain a %q step", StartStep)
	}

	for _, s := range steps {
		if err := validateStep(pb, s, steps, tasks, d); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(pb *Playbook, s *Step, steps map[string]*Step, tasks map[string]bool, d *decoder) error {
	// Exactly one of reference or inline action; start/end may be bare.
	if s.TaskRef != "" && s.Tool != "" {
		return parseErrf("step %q: name and tool/type are mutually exclusive", s.Name)
	}
	if s.TaskRef != "" && !tasks[s.TaskRef] {
		return parseErrf("step %q: references unknown workbook task %q", s.Name, s.TaskRef)
	}
	if s.Tool != "" && !ValidKind(s.Tool) {
		return parseErrf("step %q: unknown action kind %q", s.Name, s.Tool)
	}

	if s.Name == EndStep && (len(s.Next) > 0 || len(s.Case) > 0) {
		return parseErrf("terminal step %q must not have outgoing routes", EndStep)
	}

	for _, e := range s.Next {
		if steps[e.Step] == nil {
			return parseErrf("step %q: next references unknown step %q", s.Name, e.Step)
		}
	}
	caseHasDefault := false
	for _, e := range s.Case {
		if e.When == "" {
			caseHasDefault = true
		}
		for _, target := range e.Then {
			if steps[target] == nil {
				return parseErrf("step %q: case references unknown step %q", s.Name, target)
			}
		}
	}

	// A case default and unconditional next edges are contradictory
	// fallbacks: only one may claim the "nothing matched" path.
	if caseHasDefault {
		for _, e := range s.Next {
			if e.When == "" {
				return parseErrf("step %q: case default and unconditional next edge are contradictory", s.Name)
			}
		}
	}

	if kind := pb.ActionKind(s); kind == KindIterator {
		cfg := pb.ActionConfig(s)
		if cfg == nil {
			return parseErrf("step %q: iterator requires a config", s.Name)
		}
		if _, ok := cfg["collection"]; !ok {
			return parseErrf("step %q: iterator requires a collection expression", s.Name)
		}
		if _, ok := cfg["task"]; !ok {
			return parseErrf("step %q: iterator requires an inner task", s.Name)
		}
		if mode, ok := cfg["mode"].(string); ok && mode != "sequential" && mode != "async" {
			return parseErrf("step %q: iterator mode must be sequential or async, got %q", s.Name, mode)
		}
	}

	if kind := pb.ActionKind(s); kind == KindPlaybook {
		cfg := pb.ActionConfig(s)
		if cfg == nil || cfg["path"] == nil {
			return parseErrf("step %q: playbook step requires a path", s.Name)
		}
	}

	if s.Save != nil && !ValidKind(s.Save.Storage) {
		return parseErrf("step %q: save storage kind %q is not supported", s.Name, s.Save.Storage)
	}
	return nil
}
