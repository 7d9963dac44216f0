package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/gatekeeper/internal/packetio"
	"firestige.xyz/gatekeeper/internal/service"
)

func newRunCmd(configFile *string) *cobra.Command {
	var (
		inspectPackets int
		skipRules      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect live traffic from the kernel packet queue",
		Long: `Attach to netfilter queue 100 and inspect traffic until interrupted.

Kernel rules are installed with nftables, falling back to iptables, and removed on exit.
With io.local the INPUT and OUTPUT chains are intercepted, otherwise FORWARD.

Examples:
  gatekeeper run                          # Run with default config, inspect every packet
  gatekeeper run -c config.yml            # Run with config.yml
  gatekeeper run --inspect-packets 8      # Accept each stream after its first 8 packets`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}

			qcfg := packetio.QueueConfigFrom(cfg.IO)
			qcfg.SkipRules = skipRules
			src, err := packetio.NewQueueSource(qcfg)
			if err != nil {
				return fmt.Errorf("failed to open packet queue: %w", err)
			}

			svc := service.New(cfg, src, handlerFor(inspectPackets))
			if err := svc.Start(); err != nil {
				svc.Stop()
				return err
			}
			return svc.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&inspectPackets, "inspect-packets", 0,
		"packets inspected per stream before the stream is accepted (0 = inspect all)")
	cmd.Flags().BoolVar(&skipRules, "skip-rules", false,
		"do not install kernel rules, they are managed externally")
	return cmd
}
