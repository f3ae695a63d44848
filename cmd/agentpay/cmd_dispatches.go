package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"AgentPay-Chain/sdk/go/agentpay"
)

// newDispatchesCmd creates the "agentpay dispatches" command group.
func newDispatchesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatches",
		Short: "Inspect and resolve dispatch records",
	}
	cmd.AddCommand(
		newDispatchesListCmd(opts),
		newDispatchesGetCmd(opts),
		newDispatchesResolveCmd(opts),
	)
	return cmd
}

func newDispatchesListCmd(opts *globalOptions) *cobra.Command {
	var filter agentpay.DispatchFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dispatch records",
		Long:  "List dispatch records, newest first unless --order is given.\nStatuses: pending, dispatched, executed, failed, parked, orphaned.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			records, err := client.ListDispatches(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("dispatches list: %w", err)
			}
			return printValue(cmd.OutOrStdout(), opts.output, records)
		},
	}
	cmd.Flags().StringSliceVar(&filter.Statuses, "status", nil, "filter by status (repeatable or comma separated)")
	cmd.Flags().StringVar(&filter.RequestID, "request-id", "", "filter by payment request id")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of records")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "number of records to skip")
	cmd.Flags().StringVar(&filter.Order, "order", "", "updated_desc, updated_asc or chain")
	return cmd
}

func newDispatchesGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <event-id>",
		Short: "Show one dispatch record",
		Long:  "Show one dispatch record. The event id has the form <tx hash>:<log index>.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			rec, err := client.GetDispatch(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("dispatches get: %w", err)
			}
			return printValue(cmd.OutOrStdout(), opts.output, rec)
		},
	}
}

func newDispatchesResolveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <event-id> <request-id>",
		Short: "Bind a parked payment to a payment request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			rec, err := client.ResolveDispatch(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("dispatches resolve: %w", err)
			}
			return printValue(cmd.OutOrStdout(), opts.output, rec)
		},
	}
}
