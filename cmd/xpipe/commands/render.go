package commands

import (
	"github.com/spf13/cobra"
	"github.com/xpipe/xpipe/pkg/telemetry"
)

func newRenderCommand() *cobra.Command {
	var resolve bool

	cmd := &cobra.Command{
		Use:   "render <file>",
		Short: "Load a configuration file and print it",
		Long: `Load a configuration file with all of its includes and print the tree.

By default tags are written back as they were declared. With --resolve every
variable is evaluated and every include expanded.`,
		Example: `  # Print a configuration with its includes kept
  xpipe render train.yaml

  # Print the fully resolved configuration as JSON
  xpipe render --json train.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, ctx, err := newApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.close()

			op := telemetry.StartOperation(ctx, "xpipe.render", telemetry.AttrConfigPath.String(args[0]))
			defer func() { op.End(err) }()

			root, err := a.load(op.Ctx, args)
			if err != nil {
				return err
			}

			return writeNode(cmd.OutOrStdout(), root, resolve)
		},
	}

	cmd.Flags().BoolVar(&resolve, "resolve", false, "resolve variables and expand includes")

	return cmd
}
