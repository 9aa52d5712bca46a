package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/webeonic/treegix-sub007/internal/store"
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage discovery rules known to the workers",
}

var ruleAddOpts struct {
	id   uint64
	host string
	key  string
}

var ruleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or reconfigure a discovery rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		st, err := store.Open(cfg.StateDB)
		if err != nil {
			return err
		}
		defer st.Close()

		return st.PutRule(cmd.Context(), ruleAddOpts.id, ruleAddOpts.host, ruleAddOpts.key)
	},
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovery rules and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		st, err := store.Open(cfg.StateDB)
		if err != nil {
			return err
		}
		defer st.Close()

		rules, err := st.Rules(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tHOST\tKEY\tSTATE\tDISCOVERED\tERROR")
		for _, r := range rules {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.Host, r.Key, r.State, r.Discovered, r.Error)
		}
		return tw.Flush()
	},
}

func init() {
	f := ruleAddCmd.Flags()
	f.Uint64Var(&ruleAddOpts.id, "id", 0, "discovery rule id")
	f.StringVar(&ruleAddOpts.host, "host", "", "host name")
	f.StringVar(&ruleAddOpts.key, "key", "", "item key")
	ruleAddCmd.MarkFlagRequired("id")
	ruleAddCmd.MarkFlagRequired("host")
	ruleAddCmd.MarkFlagRequired("key")

	ruleCmd.AddCommand(ruleAddCmd)
	ruleCmd.AddCommand(ruleListCmd)
}
