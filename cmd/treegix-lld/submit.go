package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/webeonic/treegix-sub007/internal/lld/client"
	"github.com/webeonic/treegix-sub007/internal/lld/protocol"
)

var submitOpts struct {
	ruleID      uint64
	value       string
	valueFile   string
	errMsg      string
	meta        bool
	lastLogSize uint64
	mtime       int32
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a discovery value for a rule",
	Example: `  treegix-lld submit --rule 10 --value '{"data":[{"{#FSNAME}":"/"}]}'
  treegix-lld submit --rule 10 --value-file - < discovery.json
  treegix-lld submit --rule 10 --error "Received value is not a JSON"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := signalContext()
		defer cancel()

		var result client.AgentResult
		switch {
		case submitOpts.valueFile != "":
			data, err := readValueFile(submitOpts.valueFile)
			if err != nil {
				return err
			}
			result.Text = protocol.String(data)
		case cmd.Flags().Changed("value"):
			result.Text = protocol.String(submitOpts.value)
		}
		if submitOpts.meta {
			result.Meta = true
			result.LastLogSize = submitOpts.lastLogSize
			result.Mtime = submitOpts.mtime
		}

		var errMsg *string
		if cmd.Flags().Changed("error") {
			errMsg = protocol.String(submitOpts.errMsg)
		}

		now := time.Now()
		ts := protocol.Timespec{Sec: int32(now.Unix()), Ns: int32(now.Nanosecond())}

		s := client.NewSender(cfg.SocketDir, client.WithTimeout(cfg.ConnectTimeout), client.WithLogger(log.Named("client")))
		defer s.Close()

		sent, err := s.ProcessAgentResult(ctx, submitOpts.ruleID, &result, ts, errMsg)
		if err != nil {
			return err
		}
		if !sent {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to send: no value, error or log meta given")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued value for rule %d\n", submitOpts.ruleID)
		return nil
	},
}

func readValueFile(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

func init() {
	f := submitCmd.Flags()
	f.Uint64Var(&submitOpts.ruleID, "rule", 0, "discovery rule id")
	f.StringVar(&submitOpts.value, "value", "", "discovery value (JSON)")
	f.StringVar(&submitOpts.valueFile, "value-file", "", "read the discovery value from a file, - for stdin")
	f.StringVar(&submitOpts.errMsg, "error", "", "error reported by the check")
	f.BoolVar(&submitOpts.meta, "meta", false, "attach log position")
	f.Uint64Var(&submitOpts.lastLogSize, "lastlogsize", 0, "log position in bytes (with --meta)")
	f.Int32Var(&submitOpts.mtime, "mtime", 0, "log file modification time (with --meta)")
	submitCmd.MarkFlagRequired("rule")
	submitCmd.MarkFlagsMutuallyExclusive("value", "value-file")
}
