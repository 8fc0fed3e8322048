package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lettershop/internal/config"
	"lettershop/internal/escrow"
	"lettershop/internal/journal"
	"lettershop/internal/ledger"
	"lettershop/internal/seller"
	"lettershop/internal/server"
)

var sellerCmd = &cobra.Command{
	Use:   "seller",
	Short: "Run the shop: issue offers over HTTP and settle payments on the ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var client ledger.Client
		switch cfg.Ledger.Driver {
		case config.LedgerEth:
			eth, err := newEthClient(cfg.Ledger, logger)
			if err != nil {
				return err
			}
			client = eth
		default:
			// Nobody outside this process can pay on the memory ledger;
			// use the demo command to see a purchase end to end.
			mem := ledger.NewMemoryLedger(newLedgerInfo(cfg.Ledger), ledger.WithLogger(logger.Named("ledger")))
			client = mem.NewClient(mem.CreateAccount("shop", 0))
			go mem.RunExpiry(ctx, cfg.Service.SweepInterval)
			logger.Warn("running on the in-memory ledger, payments are only possible in-process")
		}

		store, closeJournal, err := openJournal(ctx, cfg.Journal)
		if err != nil {
			return err
		}
		defer closeJournal()

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Service.HTTPPort))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return runShop(ctx, cfg, client, store, ln, logger)
	},
}

// runShop connects the shop to its ledger and serves it on ln until ctx
// is cancelled or a component fails.
func runShop(ctx context.Context, cfg *config.AppConfig, client ledger.Client, store journal.Store, ln net.Listener, log *zap.Logger) error {
	log.Info("connecting to the ledger to accept payments")
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrConnection, err)
	}
	info := client.Info()
	log.Info("connected to ledger",
		zap.String("prefix", info.Prefix),
		zap.String("account", client.Account()),
		zap.String("currency", info.CurrencyCode),
		zap.Int("scale", info.CurrencyScale),
		zap.String("price", info.FormatAmount(cfg.Shop.Price)),
	)

	escrows, err := escrow.NewStore(
		escrow.WithOfferTTL(cfg.Shop.OfferTTL),
		escrow.WithSettledCacheSize(cfg.Shop.SettledCacheSize),
	)
	if err != nil {
		_ = client.Disconnect()
		return err
	}
	metrics := seller.NewMetrics()
	shop := seller.New(seller.Config{Price: cfg.Shop.Price, Alphabet: cfg.Shop.Alphabet}, client, escrows,
		seller.WithJournal(store),
		seller.WithMetrics(metrics),
		seller.WithLogger(log.Named("seller")),
	)
	srv := server.NewServer(cfg, shop, client, store, metrics, log.Named("http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := shop.Run(gctx)
		if err == nil && gctx.Err() == nil {
			return errors.New("ledger event stream closed")
		}
		return ignoreCanceled(err)
	})
	g.Go(func() error {
		return ignoreCanceled(shop.SweepLoop(gctx, cfg.Service.SweepInterval))
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		if err := client.Disconnect(); err != nil {
			log.Warn("ledger disconnect", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
