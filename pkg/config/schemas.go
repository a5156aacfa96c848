package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/xpipe/xpipe/pkg/tree"
)

// SchemaDefinition is the CUE definition a configuration is checked against
// when the schema declares it. Otherwise the whole schema value is used.
const SchemaDefinition = "#Config"

// SchemaValidator validates configuration trees against CUE schemas.
type SchemaValidator struct {
	ctx *cue.Context
	mu  sync.Mutex
}

// NewSchemaValidator creates a new schema validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		ctx: cuecontext.New(),
	}
}

// ValidateFile validates root against the schema stored in schemaPath.
func (sv *SchemaValidator) ValidateFile(ctx context.Context, schemaPath string, root tree.Node) ([]ValidationError, error) {
	data, err := os.ReadFile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	return sv.Validate(ctx, string(data), schemaPath, root)
}

// Validate checks the plain form of root against a CUE schema. A schema that
// does not compile is an error; a configuration that does not satisfy it is
// reported through the returned ValidationErrors.
func (sv *SchemaValidator) Validate(ctx context.Context, schema, filename string, root tree.Node) ([]ValidationError, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := tree.ToMap(root)
	if err != nil {
		return nil, fmt.Errorf("failed to convert configuration: %w", err)
	}

	sv.mu.Lock()
	defer sv.mu.Unlock()

	schemaVal := sv.ctx.CompileString(schema, cue.Filename(filename))
	if err := schemaVal.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", filename, err)
	}
	if def := schemaVal.LookupPath(cue.ParsePath(SchemaDefinition)); def.Exists() {
		schemaVal = def
	}

	dataVal := sv.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schemaVal.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err), nil
	}
	return nil, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}
