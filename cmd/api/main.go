package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"

	"crashpoint/internal/cache"
	"crashpoint/internal/config"
	"crashpoint/internal/database"
	"crashpoint/internal/game"
	"crashpoint/internal/hashchain"
	"crashpoint/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("[SERVER] Invalid configuration: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Connect(ctx, cfg.DB.URL())
	if err != nil {
		log.Printf("[SERVER] %v", err)
		return 1
	}
	defer db.Close()

	sqlDB := stdlib.OpenDBFromPool(db.Pool())
	defer sqlDB.Close()
	if err := database.RunMigrations(sqlDB, cfg.DB.MigrationsPath); err != nil {
		log.Printf("[SERVER] %v", err)
		return 1
	}

	redisService, err := cache.New(cfg.Redis)
	if err != nil {
		log.Printf("[SERVER] Redis is required for game functionality: %v", err)
		return 1
	}
	defer redisService.Close()

	client := redisService.GetClient()
	chain := hashchain.New(db, cache.NewChainQueue(client), hashchain.Options{
		Length:    cfg.Chain.Length,
		BatchSize: cfg.Chain.BatchSize,
	})
	history := cache.NewHistory(client, cfg.Game.HistoryLimit)
	calc := game.CrashCalculator{
		InstantCrashModulus: cfg.Game.InstantCrashMod,
		MaxCrash:            cfg.Game.MaxCrash,
	}

	hub := game.NewHub()
	ledger := game.NewLedger(db, hub, game.LedgerOptions{
		MinBet:          cfg.Game.MinBet,
		MaxBet:          cfg.Game.MaxBet,
		AutoCashoutJobs: cfg.Game.AutoCashoutJobs,
	})

	recovery := &game.Recovery{
		Store:          db,
		Chain:          chain,
		History:        history,
		Ledger:         ledger,
		HistoryRestore: cfg.Game.HistoryRestore,
	}
	if _, err := recovery.Run(ctx); err != nil {
		log.Printf("[RECOVERY] Startup aborted: %v", err)
		return 1
	}

	engine := game.NewEngine(chain, db, history, ledger, calc, hub, game.Options{
		WaitingTime:   cfg.Game.WaitingTime,
		CountdownTick: cfg.Game.CountdownTick,
		TickInterval:  cfg.Game.TickInterval,
		Cooldown:      cfg.Game.Cooldown,
		GrowthRate:    cfg.Game.GrowthRate,
		HistoryReplay: cfg.Game.HistoryReplay,
	})

	srv := server.New(server.Deps{
		Game:       engine,
		Hub:        hub,
		Rounds:     db,
		History:    history,
		Calculator: calc,
		DB:         db,
		Cache:      redisService,
		JWTSecret:  cfg.JWTSecret,
	})
	srv.RegisterFiberRoutes()

	go hub.Run()
	go func() {
		if err := srv.Listen(":" + cfg.Port); err != nil {
			log.Printf("[SERVER] Listener stopped: %v", err)
		}
	}()

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- engine.Run(ctx)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var runErr error
	select {
	case sig := <-sigs:
		log.Printf("[SERVER] Received %s", sig)
		if engine.RequestShutdown() {
			cancel()
		} else {
			log.Println("[SERVER] Round in progress, stopping after the crash")
		}

		select {
		case runErr = <-engineDone:
		case <-sigs:
			log.Println("[SERVER] Second signal, stopping now")
			cancel()
			runErr = <-engineDone
		}

	case runErr = <-engineDone:
	}

	if err := srv.Shutdown(); err != nil {
		log.Printf("[SERVER] Shutdown error: %v", err)
	}

	switch {
	case runErr == nil, errors.Is(runErr, context.Canceled):
		log.Println("[SERVER] Stopped")
		return 0
	case errors.Is(runErr, game.ErrChainExhausted):
		log.Println("[SERVER] Stopped: hash chain exhausted")
		return 0
	default:
		log.Printf("[SERVER] Engine stopped: %v", runErr)
		return 1
	}
}
