package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/sheikh-saqib/allocation-ledger/internal/allocation"
	"github.com/sheikh-saqib/allocation-ledger/internal/api"
	"github.com/sheikh-saqib/allocation-ledger/internal/audit"
	"github.com/sheikh-saqib/allocation-ledger/internal/auth"
	"github.com/sheikh-saqib/allocation-ledger/internal/config"
	"github.com/sheikh-saqib/allocation-ledger/internal/events"
	"github.com/sheikh-saqib/allocation-ledger/internal/events/kafka"
	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledger"
	"github.com/sheikh-saqib/allocation-ledger/internal/logger"
	"github.com/sheikh-saqib/allocation-ledger/internal/reconcile"
	"github.com/sheikh-saqib/allocation-ledger/internal/storage/memory"
	"github.com/sheikh-saqib/allocation-ledger/internal/storage/postgres"
)

func main() {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	currencies := config.DefaultCurrencies()
	if cfg.CurrencyFile != "" {
		currencies, err = config.LoadCurrencies(cfg.CurrencyFile)
		if err != nil {
			log.Fatal().Err(err).Msg("load currencies")
		}
	}

	var store interfaces.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("open database")
		}
		defer db.Close()

		pg := postgres.NewStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pg.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("ensure schema")
		}
		cancel()
		store = pg
		log.Info().Msg("using postgres store")
	} else {
		store = memory.NewStore()
		log.Warn().Msg("LEDGER_DATABASE_URL not set, using in-memory store")
	}

	var publisher interfaces.EventPublisher = events.NewNop()
	if len(cfg.KafkaBrokers) > 0 {
		publisher = kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka publisher enabled")
	}
	defer publisher.Close()

	auditor := audit.NewRecorder()
	authz := auth.NewRoleAuthorizer()

	accounts := ledger.NewAccountService(store, auditor, authz, currencies, log)
	engine := allocation.NewEngine(store, accounts, auditor, authz, currencies, log)
	txlog := ledger.NewTransactionLog(store, accounts, engine, auditor, authz, currencies, publisher, log)
	recon := reconcile.NewService(store, auditor, authz, publisher, cfg.ReconcileEpsilon, log)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.New(accounts, txlog, engine, recon, log).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("server stopped")
}
