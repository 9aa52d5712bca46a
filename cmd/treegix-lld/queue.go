package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webeonic/treegix-sub007/internal/lld/client"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Print the number of queued discovery values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := signalContext()
		defer cancel()

		n, err := client.QueueSize(ctx, cfg.SocketDir, cfg.ConnectTimeout)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}
