package main

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"AgentPay-Chain/internal/app"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/submitter"
	"AgentPay-Chain/internal/web3/provider"
	"AgentPay-Chain/pkg/logger"
	"AgentPay-Chain/sdk/go/agentpay"
)

type submitOptions struct {
	requestID string
	from      string
	to        string
	task      string
	amount    string
	amountWei string
	currency  string
	network   string
	meta      map[string]string
	direct    bool
}

func (o submitOptions) submission() agentpay.PaymentSubmission {
	sub := agentpay.PaymentSubmission{
		RequestID: o.requestID,
		FromAgent: o.from,
		ToAgent:   o.to,
		Task:      o.task,
		Amount:    o.amount,
		AmountWei: o.amountWei,
		Currency:  o.currency,
		Network:   o.network,
	}
	if len(o.meta) > 0 {
		sub.TaskMetadata = make(map[string]any, len(o.meta))
		for k, v := range o.meta {
			sub.TaskMetadata[k] = v
		}
	}
	return sub
}

// newSubmitCmd creates the "agentpay submit" subcommand.
func newSubmitCmd(opts *globalOptions) *cobra.Command {
	var so submitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Sign and broadcast a task payment",
		Long: "Submit a payment for a task. By default the request goes through agentpayd.\n" +
			"With --direct the CLI signs with the key named by submitter.private_key_env\n" +
			"and records the request in the configured ledger itself.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if so.amount == "" && so.amountWei == "" {
				return fmt.Errorf("submit: --amount or --amount-wei is required")
			}
			if so.direct {
				sub, err := submitDirect(cmd.Context(), opts.config, so)
				if err != nil {
					return fmt.Errorf("submit: %w", err)
				}
				return printValue(cmd.OutOrStdout(), opts.output, sub)
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			sub, err := client.SubmitPayment(cmd.Context(), so.submission())
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			return printValue(cmd.OutOrStdout(), opts.output, sub)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&so.requestID, "request-id", "", "idempotency key (default: random uuid)")
	flags.StringVar(&so.from, "from", "", "payer agent address (default: signing account)")
	flags.StringVar(&so.to, "to", "", "payee agent address")
	flags.StringVar(&so.task, "task", "", "task to run once the payment is final")
	flags.StringVar(&so.amount, "amount", "", "amount in ether, e.g. 0.01")
	flags.StringVar(&so.amountWei, "amount-wei", "", "amount in wei, overrides --amount")
	flags.StringVar(&so.currency, "currency", "", "currency label")
	flags.StringVar(&so.network, "network", "", "network label")
	flags.StringToStringVar(&so.meta, "meta", nil, "task metadata key=value pairs")
	flags.BoolVar(&so.direct, "direct", false, "sign and broadcast locally instead of calling agentpayd")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

// submitDirect 在本地完成签名与广播，账本使用配置中的存储。
func submitDirect(ctx context.Context, configPath string, so submitOptions) (*submitter.Submission, error) {
	cfg, err := config.Load(app.ConfigPath(configPath))
	if err != nil {
		return nil, err
	}
	if err := app.InitLogger(cfg.Logging, "agentpay"); err != nil {
		return nil, err
	}
	defer logger.Sync()

	req, err := so.paymentRequest()
	if err != nil {
		return nil, err
	}

	key, err := submitter.LoadKey(cfg.Submitter.PrivateKeyEnv)
	if err != nil {
		return nil, err
	}
	store, err := app.OpenLedger(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, err
	}
	defer registry.Close()
	chain, err := registry.DefaultClient()
	if err != nil {
		return nil, err
	}
	contract, err := app.LoadContract(cfg.Contract)
	if err != nil {
		return nil, err
	}

	s, err := submitter.New(chain, contract, store, key, submitter.ConfigFrom(cfg.Submitter),
		submitter.WithLogger(logger.Named("submitter")))
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, req)
}

func (o submitOptions) paymentRequest() (*payment.PaymentRequest, error) {
	var wei *big.Int
	if o.amountWei != "" {
		value, ok := new(big.Int).SetString(strings.TrimSpace(o.amountWei), 10)
		if !ok {
			return nil, fmt.Errorf("--amount-wei must be a base-10 integer")
		}
		wei = value
	} else {
		value, err := payment.ParseEther(o.amount)
		if err != nil {
			return nil, err
		}
		wei = value
	}
	requestID := strings.TrimSpace(o.requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req := &payment.PaymentRequest{
		RequestID: requestID,
		FromAgent: o.from,
		ToAgent:   o.to,
		TaskName:  o.task,
		Amount:    payment.Amount{Wei: wei, Currency: o.currency, Network: o.network},
	}
	req.TaskMetadata = o.submission().TaskMetadata
	return req, nil
}
