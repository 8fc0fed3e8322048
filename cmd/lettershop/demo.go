package main

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lettershop/internal/buyer"
	"lettershop/internal/journal"
	"lettershop/internal/ledger"
	"lettershop/internal/server"
)

var demoBuyerBalance uint64

func init() {
	demoCmd.Flags().Uint64Var(&demoBuyerBalance, "balance", 1000, "Starting balance of the demo buyer in base units")
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Buy one letter end to end on an in-process ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		mem := ledger.NewMemoryLedger(newLedgerInfo(cfg.Ledger), ledger.WithLogger(logger.Named("ledger")))
		shopClient := mem.NewClient(mem.CreateAccount("shop", 0))
		buyerClient := mem.NewClient(mem.CreateAccount("buyer", demoBuyerBalance))

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		shopCfg := *cfg
		shopCfg.Service.BaseURL = "http://" + ln.Addr().String()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return runShop(gctx, &shopCfg, shopClient, journal.NewMemoryStore(), ln, logger)
		})
		g.Go(func() error {
			mem.RunExpiry(gctx, cfg.Service.SweepInterval)
			return nil
		})
		g.Go(func() error {
			defer cancel()
			return purchase(gctx, cmd, shopCfg.Service.BaseURL, buyerClient)
		})
		return g.Wait()
	},
}

func purchase(ctx context.Context, cmd *cobra.Command, baseURL string, client ledger.Client) error {
	out := cmd.OutOrStdout()
	shop := &server.Client{BaseURL: baseURL}

	offer, err := shop.RequestOffer(ctx)
	if err != nil {
		return fmt.Errorf("request offer: %w", err)
	}
	fmt.Fprintf(out, "402 Payment Required: %d %s %s\n", offer.Amount, offer.Account, offer.Condition)

	svc := buyer.New(client, buyer.WithWindow(cfg.Buyer.Window), buyer.WithLogger(logger.Named("buyer")))
	receipt, err := svc.Pay(ctx, buyer.PaymentRequest{
		Destination: offer.Account,
		Amount:      offer.Amount,
		Condition:   offer.Condition,
	})
	if err != nil {
		return fmt.Errorf("pay: %w", err)
	}
	url := receipt.RetrievalURL(baseURL)
	fmt.Fprintf(out, "Paid, fulfillment revealed: %s\n", url)

	letter, err := shop.Retrieve(ctx, receipt.Fulfillment.String())
	if err != nil {
		return fmt.Errorf("retrieve: %w", err)
	}
	fmt.Fprintf(out, "Your letter: %s\n", letter)
	return nil
}
