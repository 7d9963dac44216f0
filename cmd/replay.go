package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/gatekeeper/internal/packetio"
	"firestige.xyz/gatekeeper/internal/service"
)

func newReplayCmd(configFile *string) *cobra.Command {
	var (
		realtime       bool
		output         string
		inspectPackets int
	)

	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Run a pcap or pcapng capture through the inspection pipeline",
		Long: `Replay a capture file through the same workers used for live traffic.

Packets are delivered back to back unless --realtime is set, in which case the gaps
between capture timestamps are reproduced. Accepted packets can be written to a new
capture with --output.

Examples:
  gatekeeper replay dump.pcap
  gatekeeper replay dump.pcapng --realtime
  gatekeeper replay dump.pcap --output accepted.pcap --inspect-packets 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("realtime") {
				cfg.Replay.Realtime = realtime
			}
			if cmd.Flags().Changed("output") {
				cfg.Replay.Output = output
			}

			src, err := packetio.NewReplaySource(packetio.ReplayConfigFrom(args[0], cfg.Replay))
			if err != nil {
				return err
			}

			svc := service.New(cfg, src, handlerFor(inspectPackets))
			if err := svc.Start(); err != nil {
				svc.Stop()
				return err
			}
			err = svc.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("replay of %s failed: %w", args[0], err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&realtime, "realtime", false, "pace delivery by the capture timestamps")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write accepted packets to this pcap file")
	cmd.Flags().IntVar(&inspectPackets, "inspect-packets", 0,
		"packets inspected per stream before the stream is accepted (0 = inspect all)")
	return cmd
}
