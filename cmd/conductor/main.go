package main

import (
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRoot() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "conductor",
		Short:         "Workflow orchestration across the analytics and automation services",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          func(c *cobra.Command, _ []string) error { return c.Help() },
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: conductor.{yaml,json} in . or ~/.conductor)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newMCPCmd(opts))
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newDiagramCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func main() {
	if err := newRoot().Execute(); err != nil {
		os.Exit(1)
	}
}
