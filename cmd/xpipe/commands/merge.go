package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/xpipe/xpipe/pkg/config"
)

func newMergeCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "merge <file> <file>...",
		Short: "Merge configuration files",
		Long: `Load configuration files and fold them left to right. Later files
override scalar values and extend mappings of earlier ones.

Included files are written back as !include references. With -o the
references are made relative to the output file.`,
		Example: `  # Apply an experiment on top of the defaults
  xpipe merge defaults.yaml experiment.yaml

  # Write the result to a file
  xpipe merge -o merged.yaml defaults.yaml experiment.yaml`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.close()

			root, err := a.load(ctx, args)
			if err != nil {
				return err
			}

			if output == "" {
				return writeNode(cmd.OutOrStdout(), root, false)
			}

			text, err := config.ToYAMLAt(root, filepath.Dir(output))
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, []byte(text), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			a.logger.Info().Str("path", output).Int("sources", len(args)).Msg("Merged configuration written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the merged configuration to this file")

	return cmd
}
