package conduct

import "fmt"

// SemanticError reports a structural defect found during workflow analysis:
// duplicate step names, unresolved dependencies, cycles, or banned command
// patterns. Analysis stops at the first defect.
type SemanticError struct {
	Message string
}

func (e *SemanticError) Error() string {
	return e.Message
}

func semanticErrorf(format string, args ...any) error {
	return &SemanticError{Message: fmt.Sprintf(format, args...)}
}

// LoadError reports a bytecode file that could not be read or decoded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load bytecode %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
