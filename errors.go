package cambium

import (
	"fmt"
	"strings"
)

// MissingFileError marks a computation whose input file does not exist on
// disk and has no overlay. It is cached like any other result; dependents
// choose whether to surface it.
type MissingFileError struct {
	Path string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}

// UnknownKindError marks a request for a kind with no registered rule. It
// is a registry wiring failure: the whole computation aborts and nothing is
// cached, unlike rule errors, which degrade to cached entries.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("cambium: no rule registered for kind %q", e.Kind)
}

// CycleError marks a dependency cycle detected against the active call
// path. Path runs from the first occurrence of the repeated key to the
// repeated request, inclusive.
type CycleError struct {
	Path []Key
}

func (e *CycleError) Error() string {
	files := make([]string, 0, len(e.Path))
	for _, k := range e.Path {
		files = append(files, k.File)
	}
	return "import cycle: " + strings.Join(files, " -> ")
}

// AnalysisError wraps a panic recovered from a rule body. The computation
// is cached as errored rather than crashing sibling requests.
type AnalysisError struct {
	Key   Key
	Panic any
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("rule %s(%s) panicked: %v", e.Key.Kind, e.Key.File, e.Panic)
}
