// Package bytecode persists an analyzed workflow as a portable JSON
// instruction list and loads it back. Loading is structural only: dependency
// resolution and cycle detection are re-run by the engine's graph builder,
// which rejects an inconsistent file.
package bytecode

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	conduct "github.com/armadha/conduct"
)

// OpRun is the only instruction kind: run one step's command.
const OpRun = "RUN"

// Instruction is one serialized step record.
type Instruction struct {
	Op        string   `json:"op"`
	Step      string   `json:"step"`
	Cmd       *string  `json:"cmd"`
	Timeout   *string  `json:"timeout"`
	Retries   int      `json:"retries"`
	DependsOn []string `json:"depends_on"`
	OnError   *string  `json:"on_error"`
}

// NotifyRecord is one serialized notifier.
type NotifyRecord struct {
	Name    string  `json:"name"`
	Email   *string `json:"email"`
	Subject *string `json:"subject"`
	Body    *string `json:"body"`
}

// Program is the full persisted document.
type Program struct {
	Workflow string         `json:"workflow"`
	Steps    []Instruction  `json:"steps"`
	Notifies []NotifyRecord `json:"notifies,omitempty"`
}

// FromWorkflow lowers a workflow into a Program. Step order is preserved as
// given; callers wanting the canonical order reorder the steps first.
func FromWorkflow(wf *conduct.Workflow) *Program {
	p := &Program{Workflow: wf.Name}
	for _, s := range wf.Steps {
		p.Steps = append(p.Steps, Instruction{
			Op:        OpRun,
			Step:      s.Name,
			Cmd:       optional(s.Command),
			Timeout:   optional(s.Timeout),
			Retries:   s.Retries,
			DependsOn: s.DependsOn,
			OnError:   optional(s.OnError),
		})
	}
	for _, n := range wf.Notifiers {
		p.Notifies = append(p.Notifies, NotifyRecord{
			Name:    n.Name,
			Email:   optional(n.Email),
			Subject: optional(n.Subject),
			Body:    optional(n.Body),
		})
	}
	return p
}

// ToWorkflow reconstructs the in-memory model the engine consumes. Missing
// fields take their defaults: retries 0, depends_on empty, the rest empty
// strings.
func (p *Program) ToWorkflow() *conduct.Workflow {
	wf := &conduct.Workflow{Name: p.Workflow}
	for _, in := range p.Steps {
		wf.Steps = append(wf.Steps, conduct.Step{
			Name:      in.Step,
			Command:   deref(in.Cmd),
			Timeout:   deref(in.Timeout),
			Retries:   in.Retries,
			DependsOn: in.DependsOn,
			OnError:   deref(in.OnError),
		})
	}
	for _, n := range p.Notifies {
		wf.Notifiers = append(wf.Notifiers, conduct.Notifier{
			Name:    n.Name,
			Email:   deref(n.Email),
			Subject: deref(n.Subject),
			Body:    deref(n.Body),
		})
	}
	return wf
}

// Emit writes the program as indented JSON, creating parent directories.
func Emit(p *Program, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("emit bytecode: %w", err)
		}
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("emit bytecode: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Load reads and decodes a bytecode file. Decode failures are *LoadError;
// graph-level inconsistencies surface later from the engine.
func Load(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &conduct.LoadError{Path: path, Err: err}
	}
	var p Program
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &conduct.LoadError{Path: path, Err: err}
	}
	return &p, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
