// Package rest provides functionality for initializing a server
package rest

import (
	"net/http"
	"time"

	"github.com/danilovkiri/dk-go-reconciler/internal/api/rest/handlers"
	"github.com/danilovkiri/dk-go-reconciler/internal/api/rest/middleware"
	"github.com/danilovkiri/dk-go-reconciler/internal/config"
	"github.com/danilovkiri/dk-go-reconciler/internal/service/reconcile/v1"
	"github.com/danilovkiri/dk-go-reconciler/internal/service/secretary/v1/secretary"
	"github.com/danilovkiri/dk-go-reconciler/internal/wallets/v1"
	"github.com/go-chi/chi"
	"github.com/rs/zerolog"
)

// InitServer returns a http.Server object ready to be listening and serving.
func InitServer(cfg *config.Config, log *zerolog.Logger, engine reconcile.Reconciler, balances wallets.BalanceSource) (server *http.Server, err error) {
	secretaryService, err := secretary.NewSecretaryService(cfg.SecretConfig)
	if err != nil {
		return nil, err
	}

	tokenHandler, err := middleware.NewTokenHandler(secretaryService, cfg.SecretConfig)
	if err != nil {
		return nil, err
	}

	urlHandler, err := handlers.InitHandlers(engine, balances, log)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	mainGroup := r.Group(nil)
	mainGroup.Use(tokenHandler.TokenHandle)
	mainGroup.Post("/api/v1/tips", urlHandler.HandleTip())
	mainGroup.Get("/api/v1/contributions/{contributionID}", urlHandler.HandleGetContribution())
	mainGroup.Get("/api/v1/balance", urlHandler.HandleBalance())
	mainGroup.Post("/api/v1/monthly", urlHandler.HandleMonthly())

	srv := &http.Server{
		Addr:         cfg.ServerConfig.ServerAddress,
		Handler:      r,
		IdleTimeout:  60 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv, nil
}
