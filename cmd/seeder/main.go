// cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/unclebandit/smsblast/internal/config"
	"github.com/unclebandit/smsblast/internal/db"
	"github.com/unclebandit/smsblast/internal/ledger"
	"github.com/unclebandit/smsblast/internal/logger"
	"github.com/unclebandit/smsblast/internal/model"
)

const demoOrgID = "00000000-0000-0000-0000-000000000001"

func main() {
	flagSet := pflag.NewFlagSet("seeder", pflag.ContinueOnError)
	credit := flagSet.String("credit", "", "top up the demo organization by this many dollars")
	orgID := flagSet.String("org", demoOrgID, "organization to credit")
	skipSeed := flagSet.Bool("migrate-only", false, "apply the schema without loading seed data")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Database")
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("❌ Migration")
	}
	log.Info().Msg("Schema applied")

	if !*skipSeed {
		seedFiles := []string{
			"seed/pricing.sql",
			"seed/organizations.sql",
		}
		for _, file := range seedFiles {
			content, err := os.ReadFile(file)
			if err != nil {
				log.Fatal().Err(err).Str("file", file).Msg("failed to read seed file")
			}
			if _, err := conn.ExecContext(ctx, string(content)); err != nil {
				log.Fatal().Err(err).Str("file", file).Msg("failed to execute seed file")
			}
			log.Info().Str("file", file).Msg("Seeded")
		}
	}

	if *credit != "" {
		amount, err := decimal.NewFromString(*credit)
		if err != nil || !amount.IsPositive() {
			log.Fatal().Str("credit", *credit).Msg("--credit must be a positive amount")
		}
		txID, err := (&ledger.Ledger{DB: conn}).Credit(ctx, model.LedgerEntry{
			OrgID:       *orgID,
			Amount:      amount,
			Type:        model.TxTopUp,
			Description: "Seeder top-up",
		})
		if err != nil {
			log.Fatal().Err(err).Msg("❌ Top-up failed")
		}
		log.Info().Str("org_id", *orgID).Str("amount", amount.StringFixed(2)).Str("tx_id", txID).Msg("💰 Credited")
	}

	log.Info().Msg("Database seeding completed successfully!")
}
