package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"AgentPay-Chain/sdk/go/agentpay"
)

// globalOptions 是所有子命令共享的参数。
type globalOptions struct {
	apiURL string
	token  string
	output string
	config string
}

func (o *globalOptions) client() (*agentpay.Client, error) {
	client, err := agentpay.NewClient(o.apiURL, nil)
	if err != nil {
		return nil, err
	}
	if o.token != "" {
		client.SetAccessToken(o.token)
	}
	return client, nil
}

// newRootCmd creates the root agentpay command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "agentpay",
		Short:         "AgentPay payment and dispatch client",
		Long:          "agentpay submits task payments and inspects the dispatch ledger\nthrough the agentpayd REST API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api", envOr("AGENTPAY_API", "http://localhost:8080"), "agentpayd base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("AGENTPAY_TOKEN"), "bearer token for write operations")
	flags.StringVarP(&opts.output, "output", "o", "json", "output format: json or yaml")
	flags.StringVar(&opts.config, "config", "", "config file for --direct and token commands (default $AGENTPAY_CONFIG)")

	cmd.AddCommand(
		newSubmitCmd(opts),
		newPaymentsCmd(opts),
		newDispatchesCmd(opts),
		newStatsCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
