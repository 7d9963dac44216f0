// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"firestige.xyz/gatekeeper/internal/config"
	"firestige.xyz/gatekeeper/internal/dispatch"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "0.1.0"

// NewRootCmd builds the command tree. Every call returns fresh flag state.
func NewRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Gatekeeper - in-path packet inspection on the kernel packet queue",
		Long: `Gatekeeper intercepts traffic through the netfilter packet queue, hands every packet
to a pool of inspection workers and returns a verdict to the kernel. Streams that
received a final verdict are short-circuited in the kernel via connection marks.

Capture files can be replayed through the same pipeline for offline analysis.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")

	rootCmd.AddCommand(newRunCmd(&configFile))
	rootCmd.AddCommand(newReplayCmd(&configFile))
	rootCmd.AddCommand(newConfigCmd(&configFile))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree. This is called by main.main().
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

func loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

// handlerFor picks the built-in handler: every packet individually when n <= 0,
// otherwise the first n packets of each stream.
func handlerFor(n int) dispatch.Handler {
	if n <= 0 {
		return dispatch.AcceptAll()
	}
	return dispatch.InspectFirst(n)
}
