// Package visualize renders a workflow's step graph as Graphviz DOT text.
// Output is plain text; rendering to an image is left to the dot tool.
package visualize

import (
	"fmt"
	"os"
	"strings"

	conduct "github.com/armadha/conduct"
)

// Options control the rendered detail level.
type Options struct {
	// ShowDetails includes command, timeout, and retry metadata in node
	// labels. Long commands are truncated.
	ShowDetails bool
}

const maxCmdLabel = 60

// DOT renders the workflow as a Graphviz digraph: one cluster holding the
// step nodes, note-shaped notifier nodes, solid dependency edges, and dashed
// on_error edges.
func DOT(wf *conduct.Workflow, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", wf.Name)
	b.WriteString("  rankdir=LR;\n  splines=true;\n  fontsize=10;\n")

	b.WriteString("  subgraph cluster_workflow {\n")
	b.WriteString("    style=filled;\n    color=lightgrey;\n")
	b.WriteString("    node [style=filled, color=white];\n")
	fmt.Fprintf(&b, "    label=%q;\n", "Workflow: "+wf.Name)
	for _, s := range wf.Steps {
		fmt.Fprintf(&b, "    %q [label=%q, shape=box];\n", s.Name, nodeLabel(s, opts))
	}
	b.WriteString("  }\n")

	for _, n := range wf.Notifiers {
		fmt.Fprintf(&b, "  %q [label=%q, shape=note, color=orange];\n", n.Name, "notify\n"+n.Name)
	}

	for _, s := range wf.Steps {
		for _, dep := range s.DependsOn {
			fmt.Fprintf(&b, "  %q -> %q;\n", dep, s.Name)
		}
	}
	for _, s := range wf.Steps {
		if s.OnError != "" {
			fmt.Fprintf(&b, "  %q -> %q [style=dashed, color=red, label=\"on_error\"];\n", s.Name, s.OnError)
		}
	}

	b.WriteString("}\n")
	return b.String()
}

func nodeLabel(s conduct.Step, opts Options) string {
	if !opts.ShowDetails {
		return s.Name
	}
	parts := []string{s.Name}
	if s.Command != "" {
		cmd := s.Command
		if len(cmd) > maxCmdLabel {
			cmd = cmd[:maxCmdLabel-3] + "..."
		}
		parts = append(parts, "cmd: "+cmd)
	}
	if s.Timeout != "" {
		parts = append(parts, "t: "+s.Timeout)
	}
	if s.Retries > 0 {
		parts = append(parts, fmt.Sprintf("r: %d", s.Retries))
	}
	return strings.Join(parts, "\n")
}

// WriteFile renders the workflow and writes the DOT text to path.
func WriteFile(wf *conduct.Workflow, path string, opts Options) error {
	return os.WriteFile(path, []byte(DOT(wf, opts)), 0o644)
}
