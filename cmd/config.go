package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newConfigCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Load the configuration the same way run and replay do, apply defaults and
GATEKEEPER_* environment overrides, validate it and print the result as YAML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(*configFile, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runConfig(path string, out, errOut io.Writer) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	data, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	for _, w := range cfg.Warnings() {
		fmt.Fprintf(errOut, "warning: %s\n", w)
	}
	_, err = out.Write(data)
	return err
}
