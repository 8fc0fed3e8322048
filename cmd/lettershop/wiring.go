package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lettershop/internal/config"
	"lettershop/internal/journal"
	"lettershop/internal/ledger"
)

func newLedgerInfo(c config.LedgerConfig) ledger.Info {
	return ledger.Info{Prefix: c.Prefix, CurrencyCode: c.CurrencyCode, CurrencyScale: c.CurrencyScale}
}

func newEthClient(c config.LedgerConfig, log *zap.Logger) (*ledger.EthClient, error) {
	client, err := ledger.NewEthClient(ledger.EthClientConfig{
		RPCURL:        c.RPCURL,
		PrivateKeyHex: c.PrivateKey,
		HTLCContract:  c.HTLCContract,
		PollInterval:  c.PollInterval,
	}, log.Named("ledger"))
	if err != nil {
		return nil, fmt.Errorf("ledger client: %w", err)
	}
	return client, nil
}

// openJournal returns the configured journal and a close func.
func openJournal(ctx context.Context, c config.JournalConfig) (journal.Store, func(), error) {
	switch c.Driver {
	case config.JournalPostgres:
		pg, err := journal.NewPostgresStore(ctx, c.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres journal: %w", err)
		}
		return pg, pg.Close, nil
	case config.JournalFile:
		fs, err := journal.NewFileStore(c.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("file journal: %w", err)
		}
		return fs, func() {}, nil
	default:
		return journal.NewMemoryStore(), func() {}, nil
	}
}
