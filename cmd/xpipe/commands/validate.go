package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/xpipe/xpipe/pkg/config"
	"github.com/xpipe/xpipe/pkg/policy"
	"github.com/xpipe/xpipe/pkg/telemetry"
	"github.com/xpipe/xpipe/pkg/tree"
)

// errValidationFailed is returned when a configuration breaks its schema or
// a blocking policy.
var errValidationFailed = errors.New("configuration is invalid")

// report is the JSON form of a validation run.
type report struct {
	Path         string                   `json:"path"`
	SchemaErrors []config.ValidationError `json:"schema_errors,omitempty"`
	Policy       *policy.Result           `json:"policy"`
}

func (r *report) failed() bool {
	return len(r.SchemaErrors) > 0 || !r.Policy.Allowed
}

func newValidateCommand() *cobra.Command {
	var (
		schema   string
		policies []string
		disabled []string
	)

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a configuration against a schema and policies",
		Long: `Validate a configuration file.

This command checks:
  - Includes, tags and variables load
  - Schema conformance (CUE, with --schema)
  - Policy compliance (OPA/rego built-ins plus --policy files)`,
		Example: `  # Run the built-in policies
  xpipe validate train.yaml

  # Check against a schema and a policy directory
  xpipe validate --schema schema.cue --policy ./policies train.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, ctx, err := newApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.close()

			path := args[0]
			op := telemetry.StartOperation(ctx, "xpipe.validate", telemetry.AttrConfigPath.String(path))
			defer func() { op.End(err) }()
			ctx = op.Ctx

			root, err := a.load(ctx, args)
			if err != nil {
				return err
			}

			r := &report{Path: path}
			if schema != "" {
				if r.SchemaErrors, err = validateSchema(ctx, schema, path, root); err != nil {
					return err
				}
			}

			eng, err := newPolicyEngine(ctx, a, policies, disabled)
			if err != nil {
				return err
			}
			r.Policy, err = eng.Evaluate(ctx, root, &policy.Context{Source: path, Environment: environment})
			if err != nil {
				return err
			}

			a.logger.Info().
				Str("path", path).
				Int("schema_errors", len(r.SchemaErrors)).
				Int("violations", len(r.Policy.Violations)).
				Msg("Validation completed")

			if err := writeReport(cmd.OutOrStdout(), r); err != nil {
				return err
			}
			if r.failed() {
				return errValidationFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&schema, "schema", "", "CUE schema file")
	cmd.Flags().StringSliceVar(&policies, "policy", nil, "policy file or directory (repeatable)")
	cmd.Flags().StringSliceVar(&disabled, "disable", nil, "policy to disable (repeatable)")

	return cmd
}

func validateSchema(ctx context.Context, schemaPath, path string, root tree.Node) ([]config.ValidationError, error) {
	var errs []config.ValidationError
	_, err := telemetry.RecordValidation(ctx, "schema", path, func(ctx context.Context) (int, error) {
		var err error
		errs, err = config.NewSchemaValidator().ValidateFile(ctx, schemaPath, root)
		return len(errs), err
	})
	return errs, err
}

// newPolicyEngine creates an engine with the built-ins, the policies found
// under paths, and the named policies disabled.
func newPolicyEngine(ctx context.Context, a *app, paths, disabled []string) (*policy.Engine, error) {
	eng, err := policy.NewEngine(a.logger)
	if err != nil {
		return nil, err
	}
	eng.SetEventPublisher(a.tel.Events)

	if len(paths) > 0 {
		if err := eng.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	for _, name := range disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

func writeReport(w io.Writer, r *report) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	for _, e := range r.SchemaErrors {
		if _, err := fmt.Fprintf(w, "schema: %s\n", e.String()); err != nil {
			return err
		}
	}
	writeViolations(w, r.Policy)

	status := "valid"
	if r.failed() {
		status = "invalid"
	}
	_, err := fmt.Fprintf(w, "%s: %s (%d schema errors, %d policy violations)\n",
		r.Path, status, len(r.SchemaErrors), len(r.Policy.Violations))
	return err
}

func writeViolations(w io.Writer, result *policy.Result) {
	for _, v := range result.Violations {
		fmt.Fprintf(w, "[%s] %s: %s\n", v.Severity, v.Policy, v.Message)
		if v.Remediation != "" {
			fmt.Fprintf(w, "    fix: %s\n", v.Remediation)
		}
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}
