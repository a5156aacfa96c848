package tree

import (
	"errors"
	"fmt"
)

// ErrorClass classifies configuration errors by the phase that raised them.
type ErrorClass string

const (
	// ErrorClassStructural indicates a document whose shape cannot be built.
	// Raised at construction time and never recovered locally.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassPath indicates a path that could not be resolved.
	// Callers are expected to handle these, e.g. as an absent optional setting.
	ErrorClassPath ErrorClass = "path"

	// ErrorClassCycle indicates a circular include or parent chain.
	ErrorClassCycle ErrorClass = "cycle"

	// ErrorClassComparison indicates a comparison between incompatible node families.
	ErrorClassComparison ErrorClass = "comparison"

	// ErrorClassFactory indicates a failure to resolve or construct an object type.
	ErrorClassFactory ErrorClass = "factory"
)

// Structural errors.
var (
	ErrUnparseable    = errors.New("configuration cannot be parsed")
	ErrMultipleFrom   = errors.New("only one !from per node is allowed")
	ErrObjectKeyCount = errors.New("object mapping must contain exactly one key")
	ErrInvalidType    = errors.New("invalid object type name")
	ErrNotMapping     = errors.New("included content is not a mapping")
)

// Path errors.
var (
	ErrPathNotFound      = errors.New("path not found")
	ErrInvalidPath       = errors.New("invalid path")
	ErrAttributeNotFound = errors.New("attribute not found")
)

// Cycle, comparison and factory errors.
var (
	ErrCircularReference = errors.New("circular reference detected")
	ErrTypeMismatch      = errors.New("cannot compare nodes of different types")
	ErrTypeNotFound      = errors.New("type not found")
)

var classes = map[error]ErrorClass{
	ErrUnparseable:       ErrorClassStructural,
	ErrMultipleFrom:      ErrorClassStructural,
	ErrObjectKeyCount:    ErrorClassStructural,
	ErrInvalidType:       ErrorClassStructural,
	ErrNotMapping:        ErrorClassStructural,
	ErrPathNotFound:      ErrorClassPath,
	ErrInvalidPath:       ErrorClassPath,
	ErrAttributeNotFound: ErrorClassPath,
	ErrCircularReference: ErrorClassCycle,
	ErrTypeMismatch:      ErrorClassComparison,
	ErrTypeNotFound:      ErrorClassFactory,
}

// BuildError wraps a failure raised while constructing a named node.
type BuildError struct {
	// Name is the key or index of the node being built.
	Name string

	// Kind is the node kind the classifier selected, KindUnknown if
	// classification itself failed.
	Kind Kind

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	return fmt.Sprintf("error while building %s, %s: %v", e.Name, e.Kind, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// ConstructionError reports a factory constructor failure.
type ConstructionError struct {
	Type string
	Err  error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("failed to construct %s: %v", e.Type, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of the first classified error in the chain,
// or the empty class if none is found.
func ClassOf(err error) ErrorClass {
	var ce *ConstructionError
	if errors.As(err, &ce) {
		return ErrorClassFactory
	}
	for sentinel, class := range classes {
		if errors.Is(err, sentinel) {
			return class
		}
	}
	return ""
}

// IsStructural returns true if the error is a construction-time shape error.
func IsStructural(err error) bool {
	return ClassOf(err) == ErrorClassStructural
}

// IsPathError returns true if the error came from path resolution.
func IsPathError(err error) bool {
	return ClassOf(err) == ErrorClassPath
}

// IsCycle returns true if the error reports a circular reference.
func IsCycle(err error) bool {
	return errors.Is(err, ErrCircularReference)
}
