package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xpipe/xpipe/pkg/config"
	"github.com/xpipe/xpipe/pkg/telemetry"
	"github.com/xpipe/xpipe/pkg/tree"
)

func newGetCommand() *cobra.Command {
	var (
		delimiter string
		parent    string
		attribute string
		base      bool
	)

	cmd := &cobra.Command{
		Use:   "get <file> <path>",
		Short: "Print the node at a path",
		Long: `Resolve a path against a configuration and print the node found there.

Segments are separated by the delimiter. A segment starting with the parent
marker moves up one level. The attribute separator reaches object parameters
and mapping entries after a segment.`,
		Example: `  # Print the learning rate of the optimizer object
  xpipe get train.yaml model/optimizer.lr

  # Use dots as delimiter and colons for attributes
  xpipe get --delimiter . --attribute : train.yaml model.optimizer:lr`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, ctx, err := newApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.close()

			op := telemetry.StartOperation(ctx, "xpipe.get",
				telemetry.AttrConfigPath.String(args[0]),
				telemetry.AttrNodePath.String(args[1]),
			)
			defer func() { op.End(err) }()

			root, err := a.load(op.Ctx, args[:1])
			if err != nil {
				return err
			}

			node, err := config.GetNode(root, args[1],
				tree.WithDelimiter(delimiter),
				tree.WithParent(parent),
				tree.WithAttribute(attribute),
			)
			if err != nil {
				return err
			}
			if base {
				if node, err = config.GetBase(node); err != nil {
					return err
				}
			}

			if s, ok := node.(*tree.Scalar); ok && !jsonOutput {
				v, err := s.Value()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
				return err
			}
			return writeNode(cmd.OutOrStdout(), node, true)
		},
	}

	defaults := tree.DefaultPathOptions()
	cmd.Flags().StringVar(&delimiter, "delimiter", defaults.Delimiter, "path segment delimiter")
	cmd.Flags().StringVar(&parent, "parent", defaults.Parent, "parent marker")
	cmd.Flags().StringVar(&attribute, "attribute", defaults.Attribute, "attribute separator")
	cmd.Flags().BoolVar(&base, "base", false, "print the base mapping of the node instead")

	return cmd
}
