package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danilovkiri/dk-go-reconciler/internal/api/rest"
	"github.com/danilovkiri/dk-go-reconciler/internal/config"
	"github.com/danilovkiri/dk-go-reconciler/internal/logger"
	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
	"github.com/danilovkiri/dk-go-reconciler/internal/service/notifier/v1/rednotify"
	"github.com/danilovkiri/dk-go-reconciler/internal/service/reconcile/v1/reconcile"
	"github.com/danilovkiri/dk-go-reconciler/internal/storage/v1/inpsql"
	"github.com/danilovkiri/dk-go-reconciler/internal/wallets/v1/custodian"
	"github.com/danilovkiri/dk-go-reconciler/internal/wallets/v1/registry"
	"github.com/danilovkiri/dk-go-reconciler/internal/wallets/v1/tokens"
	"github.com/joho/godotenv"
)

func main() {
	wg := &sync.WaitGroup{}

	log := logger.InitLog()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// get configuration
	_ = godotenv.Load()
	cfg, err := config.NewConfiguration()
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
	cfg.ParseFlags()

	// initialize storage and wallet providers
	st, err := inpsql.InitStorage(ctx, cfg.StorageConfig, log)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
	ledger := tokens.InitLedger(st, log)
	alto := custodian.InitClient(modelcontribution.ProcessorAlto, cfg.CustodianConfig.AltoAddress, log)
	mizu := custodian.InitClient(modelcontribution.ProcessorMizu, cfg.CustodianConfig.MizuAddress, log)
	gale := custodian.InitClient(modelcontribution.ProcessorGale, cfg.CustodianConfig.GaleAddress, log)
	balances := registry.InitRegistry(log, ledger, alto, mizu, gale)

	// initialize completion notifier
	ntf, err := rednotify.InitNotifier(cfg.NotifierConfig, log)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}

	// initialize reconciliation engine
	engine, err := reconcile.InitEngine(ctx, cfg.ReconcileConfig, log, st, balances, ledger, ntf, alto, mizu, gale)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}

	// initialize server
	server, err := rest.InitServer(cfg, log, engine, balances)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}

	// set a listener for graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-done
		log.Info().Msg("server shutdown attempted")
		ctxTO, cancelTO := context.WithTimeout(ctx, 5*time.Second)
		defer cancelTO()
		if err := server.Shutdown(ctxTO); err != nil {
			log.Fatal().Err(err).Msg("server shutdown failed")
		}
		cancel()
	}()

	// resume unfinished reconciliations and arm the queue timer
	engine.Initialize()

	// start up the server
	log.Info().Msg("server start attempted")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("")
	}
	wg.Wait()
	log.Info().Msg("server shutdown succeeded")
}
