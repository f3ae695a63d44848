package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newPaymentsCmd creates the "agentpay payments" command group.
func newPaymentsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Inspect payment requests",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <request-id>",
		Short: "Show a payment request, its transaction receipt and dispatch records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			payment, err := client.GetPayment(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("payments get: %w", err)
			}
			return printValue(cmd.OutOrStdout(), opts.output, payment)
		},
	})
	return cmd
}

// newStatsCmd creates the "agentpay stats" subcommand.
func newStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger counts and dispatcher progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			return printValue(cmd.OutOrStdout(), opts.output, stats)
		},
	}
}
