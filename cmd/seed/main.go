// Package main seeds a farm with opening stock and linked market listings.
// It writes through the ledger service so every opening balance has a movement.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"farmledger/internal/app"
	"farmledger/internal/config"
	appctx "farmledger/internal/core/context"
	"farmledger/internal/core/id"
	"farmledger/internal/domain/ledger"
	"farmledger/internal/domain/mirror"
	"farmledger/pkg/logger"
)

type opening struct {
	category ledger.Category
	product  string
	quantity int64
	unitCost string
	listed   bool
}

var openings = []opening{
	{ledger.CategoryEggs, "Brown eggs (dozen)", 120, "2.40", true},
	{ledger.CategoryEggs, "Duck eggs (half dozen)", 30, "3.10", true},
	{ledger.CategoryLiveBirds, "Point-of-lay hens", 40, "9.50", true},
	{ledger.CategoryProcessedProduct, "Whole chicken", 25, "6.75", false},
}

func main() {
	log, err := logger.New(logger.Config{Level: "info", Development: true})
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("failed to load config", "error", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	farmID := id.New()
	if s := os.Getenv("SEED_FARM_ID"); s != "" {
		if farmID, err = id.Parse(s); err != nil {
			log.Fatalw("invalid SEED_FARM_ID", "error", err)
		}
	}

	ctx := appctx.WithSystemActor(logger.WithLogger(context.Background(), log), "seed")
	rt, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalw("failed to open ledger", "error", err)
	}
	defer rt.Close()

	now := time.Now().UTC()
	for _, o := range openings {
		key := ledger.AccountKey{FarmID: farmID, Category: o.category, ProductName: o.product}
		res, err := rt.Service.AddStock(ctx, key, ledger.AddStockRequest{
			Quantity:   decimal.NewFromInt(o.quantity),
			Type:       ledger.MovementAdjustment,
			UnitCost:   decimal.NewNullDecimal(decimal.RequireFromString(o.unitCost)),
			Source:     ledger.AdjustmentRef("opening-balance"),
			Notes:      "opening balance",
			OccurredAt: now,
		})
		if err != nil {
			log.Fatalw("failed to seed account", "account", key.String(), "error", err)
		}
		if o.listed {
			if err := insertListing(ctx, rt, res.AccountID, decimal.NewFromInt(o.quantity)); err != nil {
				log.Fatalw("failed to seed listing", "account", key.String(), "error", err)
			}
		}
		log.Infow("seeded account", "account_id", res.AccountID, "product", o.product, "quantity", o.quantity)
	}

	log.Infow("seed complete", "farm_id", farmID)
}

func insertListing(ctx context.Context, rt *app.Runtime, accountID id.ID, onHand decimal.Decimal) error {
	_, err := rt.Pool.Exec(ctx, `
		INSERT INTO market_listings (id, inventory_account_id, on_hand_quantity, status, inventory_synced_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, id.New(), accountID, onHand, mirror.StatusActive)
	return err
}
