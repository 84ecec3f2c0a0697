package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/chainchat/internal/config"
	"github.com/jmerrifield20/chainchat/internal/ledger"
	"github.com/jmerrifield20/chainchat/pkg/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errChainInvalid = errors.New("chain failed validation")

var (
	verifyRemote        string
	verifyMinDifficulty int
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Validate the persisted chain and print the report",
	Long: `verify loads every persisted record from the configured bolt or postgres
store, walks the chain and prints a JSON report listing each violation.
With --remote it downloads the chain from a running node instead:

  chainchat verify --remote http://localhost:8080

Records declaring a difficulty below --min-difficulty (default: the
configured ledger.difficulty) are reported as insufficient work.
It exits non-zero when the chain is invalid.`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyRemote, "remote", "", "base URL of a chainchat node to audit")
	verifyCmd.Flags().IntVar(&verifyMinDifficulty, "min-difficulty", -1, "lowest accepted record difficulty (default ledger.difficulty)")
}

func runVerify(cmd *cobra.Command, _ []string) error {
	logger := zap.NewNop()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var records []ledger.SealedRecord
	if verifyRemote != "" {
		c, err := client.New(verifyRemote)
		if err != nil {
			return err
		}
		if records, err = c.Chain(ctx); err != nil {
			return fmt.Errorf("fetch chain from %s: %w", verifyRemote, err)
		}
	} else if records, err = loadPersisted(ctx, cfg, logger); err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("chain is empty: %w", ledger.ErrEmptyLedger)
	}

	floor := verifyMinDifficulty
	if floor < 0 {
		floor = cfg.Ledger.Difficulty
	}
	rep := ledger.ValidateChain(records, floor)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if !rep.Valid {
		return fmt.Errorf("%w: %d violation(s)", errChainInvalid, len(rep.Violations))
	}
	return nil
}

func loadPersisted(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]ledger.SealedRecord, error) {
	switch cfg.Store.Backend {
	case config.BackendBolt:
		store, err := ledger.OpenBoltStore(cfg.Store.BoltPath)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.Load(ctx)
	case config.BackendPostgres:
		db, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		return ledger.NewPostgresStore(db, logger).Load(ctx)
	default:
		return nil, fmt.Errorf("store.backend %q keeps nothing to verify", cfg.Store.Backend)
	}
}
