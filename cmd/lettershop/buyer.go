package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"lettershop/internal/buyer"
	"lettershop/internal/config"
	"lettershop/internal/server"
)

var buyerShopURL string

func init() {
	buyerCmd.Flags().StringVar(&buyerShopURL, "shop", "", "Fetch the offer from this shop URL instead of positional arguments")
}

var buyerCmd = &cobra.Command{
	Use:   "buyer <destinationAddress> <destinationAmount> <condition>",
	Short: "Pay a condition and print the URL the letter can be retrieved from",
	Args: func(cmd *cobra.Command, args []string) error {
		if buyerShopURL != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(3)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.Ledger.Driver != config.LedgerEth {
			return errors.New("the buyer needs a shared ledger (LEDGER_DRIVER=eth); try the demo command for the in-memory ledger")
		}

		req, err := paymentRequest(ctx, args)
		if err != nil {
			return err
		}
		shopURL := cfg.Buyer.ShopURL
		if buyerShopURL != "" {
			shopURL = buyerShopURL
		}

		client, err := newEthClient(cfg.Ledger, logger)
		if err != nil {
			return err
		}
		svc := buyer.New(client, buyer.WithWindow(cfg.Buyer.Window), buyer.WithLogger(logger.Named("buyer")))
		receipt, err := svc.Pay(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Paid %s %s to %s\n",
			receipt.Ledger.FormatAmount(receipt.Amount), receipt.Ledger.CurrencyCode, receipt.Destination)
		fmt.Fprintf(cmd.OutOrStdout(), "Retrieve your letter at %s\n", receipt.RetrievalURL(shopURL))
		return nil
	},
}

func paymentRequest(ctx context.Context, args []string) (buyer.PaymentRequest, error) {
	if buyerShopURL != "" {
		offer, err := (&server.Client{BaseURL: buyerShopURL}).RequestOffer(ctx)
		if err != nil {
			return buyer.PaymentRequest{}, fmt.Errorf("request offer: %w", err)
		}
		return buyer.PaymentRequest{Destination: offer.Account, Amount: offer.Amount, Condition: offer.Condition}, nil
	}
	amount, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return buyer.PaymentRequest{}, fmt.Errorf("destination amount: %w", err)
	}
	return buyer.PaymentRequest{Destination: args[0], Amount: amount, Condition: args[2]}, nil
}
