package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/minjcho/hedgemark/params"
	"github.com/minjcho/hedgemark/pkg/api"
	"github.com/minjcho/hedgemark/pkg/engine"
	"github.com/minjcho/hedgemark/pkg/engine/insurance"
	"github.com/minjcho/hedgemark/pkg/engine/liquidation"
	"github.com/minjcho/hedgemark/pkg/engine/margin"
	"github.com/minjcho/hedgemark/pkg/engine/market"
	"github.com/minjcho/hedgemark/pkg/engine/oracle"
	"github.com/minjcho/hedgemark/pkg/engine/perp"
	"github.com/minjcho/hedgemark/pkg/events"
	ledgerfx "github.com/minjcho/hedgemark/pkg/ledger"
	"github.com/minjcho/hedgemark/pkg/metrics"
	"github.com/minjcho/hedgemark/pkg/storage"
	"github.com/minjcho/hedgemark/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logFile := cfg.Node.LogFile
	if logFile == "" {
		logFile = filepath.Join("data", "node.log")
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	clock := util.RealClock{}
	ids := util.NewIDSource()
	bus := events.NewBus(sugar)
	m := metrics.New()

	// ---- Storage ----
	store, err := storage.NewSnapshotStore(cfg.Node.StateDir, sugar)
	if err != nil {
		sugar.Fatalw("snapshot_store_init_failed", "err", err)
	}
	archive, err := storage.OpenArchive(cfg.Node.ArchiveDir, sugar)
	if err != nil {
		sugar.Fatalw("archive_init_failed", "err", err)
	}
	defer archive.Close()
	archive.WireToBus(bus)

	// ---- Ledger port & outbox ----
	port := ledgerfx.NewInMemoryPort()
	outbox := ledgerfx.NewOutbox(port, sugar, 5, func(e ledgerfx.Effect, err error) {
		bus.Publish(events.TopicLedgerError, events.LedgerError{
			EffectID: e.ID, Kind: string(e.Kind), Reason: err.Error(),
		})
		archive.RecordEffect(e)
	})

	// ---- Engine components ----
	registry := market.NewRegistry(ids, clock)
	accounts := margin.NewLedger()
	orcl := oracle.New(bus, clock)
	fund := insurance.NewFund()

	schedule := perp.DefaultMaintenanceSchedule()
	mf, err := params.LoadMarketsFile(cfg.Node.MarketsFile)
	if err != nil {
		sugar.Fatalw("markets_file_failed", "err", err)
	}
	if mf.Maintenance != nil {
		schedule = *mf.Maintenance
	}

	positions := perp.NewBook(accounts, schedule, ids, clock, cfg.Engine.MaxLeverage)
	settler := perp.NewSettler(positions, accounts, bus, clock)
	liquidator := liquidation.NewEngine(positions, accounts, fund, registry, bus, ids, clock)

	eng := engine.New(engine.Config{
		MaxLeverage:     cfg.Engine.MaxLeverage,
		FundingInterval: cfg.Engine.FundingInterval,
		SweepInterval:   cfg.Engine.SweepInterval,
		Persist:         cfg.Node.PersistState,
	}, engine.Deps{
		Logger:     sugar,
		Clock:      clock,
		IDs:        ids,
		Bus:        bus,
		Registry:   registry,
		Oracle:     orcl,
		Accounts:   accounts,
		Positions:  positions,
		Settler:    settler,
		Liquidator: liquidator,
		Fund:       fund,
		Outbox:     outbox,
		Store:      store,
		Metrics:    m,
	})

	if err := eng.Restore(); err != nil {
		sugar.Fatalw("restore_failed", "err", err)
	}

	bus.Subscribe(events.TopicLiquidation, func(_ string, payload any) {
		if rec, ok := payload.(liquidation.Record); ok {
			m.Liquidation(rec.Tier)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Seed markets ----
	for _, seed := range mf.Markets {
		if _, err := eng.CreateMarket(ctx, seed.CreateInput()); err != nil {
			sugar.Warnw("seed_market_failed", "question", seed.Question, "err", err)
		}
	}

	go eng.Run(ctx)

	// ---- API ----
	hub := api.NewHub(sugar)
	hub.WireToBus(bus)
	server := api.NewServer(eng, hub, m, sugar, api.Config{AdminKey: cfg.Node.AdminKey})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Node.APIAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		sugar.Infow("shutting_down", "signal", sig.String())
	case err := <-errCh:
		sugar.Errorw("api_server_failed", "err", err)
	}
	cancel()
}
