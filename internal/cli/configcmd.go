package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		Long: `Prints the configuration a run would use: defaults, overlaid by the
--config file, overlaid by flags. Exits non-zero when validation fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	flags.bind(cmd)
	return cmd
}
