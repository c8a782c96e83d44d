package conduct

import (
	"fmt"
	"regexp"
	"sort"
)

// bannedPatterns are matched against each step command during analysis.
// This is an advisory filter against obviously destructive shell constructs,
// not a sandbox.
var bannedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf`),
	regexp.MustCompile(`(^|;|\s)\|(\s|$)`), // pipe
	regexp.MustCompile(`(>>)`),             // append redirect
	regexp.MustCompile(`(^|;|\s)&(\s|$)`),  // background
	regexp.MustCompile("`"),                // backtick
}

// Analyze validates a workflow and returns its canonical execution order.
//
// Validations run in a fixed sequence, stopping at the first defect:
// duplicate step names, dependencies on undeclared steps, dependency cycles,
// and banned command patterns. All failures are *SemanticError.
//
// The returned order is Kahn's algorithm with a sorted ready queue: among
// steps whose unresolved-dependency count is zero, the lexicographically
// smallest name is emitted first. Two calls over the same workflow produce
// identical orders.
func Analyze(wf *Workflow) ([]string, error) {
	if err := checkDuplicates(wf.Steps); err != nil {
		return nil, err
	}
	if err := checkMissingDependencies(wf.Steps); err != nil {
		return nil, err
	}
	order, err := topoOrder(wf.Steps)
	if err != nil {
		return nil, err
	}
	if err := checkBannedCommands(wf.Steps); err != nil {
		return nil, err
	}
	return order, nil
}

// HandlerWarnings returns one message per step whose on_error handler does
// not resolve to a declared notifier. A dangling handler is not fatal at
// analysis time; dispatch records it as NOTIFY-MISSING instead.
func HandlerWarnings(wf *Workflow) []string {
	var warnings []string
	for _, s := range wf.Steps {
		if s.OnError == "" {
			continue
		}
		if _, ok := wf.Notifier(s.OnError); !ok {
			warnings = append(warnings,
				fmt.Sprintf("step %q: on_error handler %q is not a declared notifier", s.Name, s.OnError))
		}
	}
	return warnings
}

func checkDuplicates(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if seen[s.Name] {
			return semanticErrorf("duplicate step name: %s", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func checkMissingDependencies(steps []Step) error {
	names := make(map[string]bool, len(steps))
	for _, s := range steps {
		names[s.Name] = true
	}
	for _, s := range steps {
		for _, d := range s.DependsOn {
			if !names[d] {
				return semanticErrorf("step %q depends on missing step %q", s.Name, d)
			}
		}
	}
	return nil
}

func checkBannedCommands(steps []Step) error {
	for _, s := range steps {
		if s.Command == "" {
			continue
		}
		for _, pat := range bannedPatterns {
			if pat.MatchString(s.Command) {
				return semanticErrorf("banned pattern in step %q: pattern %q matched", s.Name, pat.String())
			}
		}
	}
	return nil
}

// topoOrder runs Kahn's algorithm with a sorted ready queue over the step
// dependency graph. Emitting fewer names than steps means a cycle.
func topoOrder(steps []Step) ([]string, error) {
	indeg := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indeg[s.Name] = len(s.DependsOn)
		for _, d := range s.DependsOn {
			dependents[d] = append(dependents[d], s.Name)
		}
	}

	var ready []string
	for name, d := range indeg {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(steps) {
		return nil, semanticErrorf("cycle detected in step dependencies")
	}
	return order, nil
}
