package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bonded-wms/stockbalance/internal/app"
	"github.com/bonded-wms/stockbalance/internal/ledger"
	"github.com/bonded-wms/stockbalance/internal/observability"
	"github.com/bonded-wms/stockbalance/internal/platform/db"
)

type seedItem struct {
	itemType string
	itemCode string
	itemName string
	uom      string
}

type seedRow struct {
	kind   ledger.Kind
	item   int
	dayOff int
	qty    string
}

var items = []seedItem{
	{itemType: "ROH", itemCode: "RM-1001", itemName: "Cotton yarn 30s", uom: "KGM"},
	{itemType: "HALB", itemCode: "WIP-2001", itemName: "Greige fabric", uom: "MTR"},
	{itemType: "FERT", itemCode: "FG-3001", itemName: "Dyed fabric", uom: "MTR"},
	{itemType: "SCRAP", itemCode: "SC-9001", itemName: "Yarn waste", uom: "KGM"},
}

var rows = []seedRow{
	{kind: ledger.KindBeginning, item: 0, dayOff: 0, qty: "1200.000"},
	{kind: ledger.KindIncoming, item: 0, dayOff: 1, qty: "450.500"},
	{kind: ledger.KindOutgoing, item: 0, dayOff: 2, qty: "300.250"},
	{kind: ledger.KindAdjustmentLoss, item: 0, dayOff: 4, qty: "2.125"},
	{kind: ledger.KindProduction, item: 1, dayOff: 2, qty: "800.000"},
	{kind: ledger.KindOutgoing, item: 1, dayOff: 3, qty: "650.000"},
	{kind: ledger.KindAdjustmentGain, item: 1, dayOff: 5, qty: "1.500"},
	{kind: ledger.KindProduction, item: 2, dayOff: 3, qty: "640.000"},
	{kind: ledger.KindOutgoing, item: 2, dayOff: 5, qty: "600.000"},
	{kind: ledger.KindScrapIn, item: 3, dayOff: 3, qty: "12.750"},
	{kind: ledger.KindScrapOut, item: 3, dayOff: 6, qty: "12.000"},
}

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	company := getCompany()

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	start := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -7)
	fmt.Println("→ Seeding ledger rows...")
	if err := seedLedger(ctx, pool, company, start); err != nil {
		log.Fatalf("seed ledger: %v", err)
	}

	// Redis is optional here; in-process locks are enough for a one-shot rebuild.
	cfg.RecalcMode = app.RecalcModeQueue
	services, err := app.BuildServices(app.ServicesParams{
		Config:  cfg,
		Pool:    pool,
		Logger:  app.NewLogger(cfg),
		Metrics: observability.NewMetrics(),
	})
	if err != nil {
		log.Fatalf("build services: %v", err)
	}
	defer services.Close(ctx)

	fmt.Println("→ Rebuilding snapshots...")
	report, err := services.Reconciler.Run(ctx, start.Add(-time.Hour))
	if err != nil {
		log.Fatalf("rebuild snapshots: %v", err)
	}
	fmt.Printf("✓ Seed complete: %d keys, %d rebuilt, %d failed\n", report.Keys, report.Rebuilt, report.Failed)
}

func seedLedger(ctx context.Context, pool *pgxpool.Pool, company string, start time.Time) error {
	return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, row := range rows {
			src, err := ledger.SourceFor(row.kind)
			if err != nil {
				return err
			}
			item := items[row.item]
			cols := "company_code, item_type, item_code, item_name, uom, qty, transaction_date, wms_id"
			vals := "$1, $2, $3, $4, $5, $6::numeric, $7, $8"
			args := []any{company, item.itemType, item.itemCode, item.itemName, item.uom, row.qty,
				start.AddDate(0, 0, row.dayOff), fmt.Sprintf("SEED-%s-%d", row.kind, row.dayOff)}
			if src.Column != "" {
				cols += ", " + src.Column
				vals += ", $9"
				args = append(args, src.Value)
			}
			batch.Queue(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, src.Table, cols, vals), args...)
		}
		results := tx.SendBatch(ctx, batch)
		for range rows {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return err
			}
		}
		return results.Close()
	})
}

func getCompany() string {
	if v := os.Getenv("SEED_COMPANY_CODE"); v != "" {
		return v
	}
	return "BZ01"
}
