package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	handlersErrors "github.com/danilovkiri/dk-go-reconciler/internal/api/rest/errors"
	"github.com/danilovkiri/dk-go-reconciler/internal/models/modeldto"
	"github.com/danilovkiri/dk-go-reconciler/internal/service/reconcile/v1"
	serviceErrors "github.com/danilovkiri/dk-go-reconciler/internal/service/reconcile/v1/errors"
	storageErrors "github.com/danilovkiri/dk-go-reconciler/internal/storage/v1/errors"
	"github.com/danilovkiri/dk-go-reconciler/internal/wallets/v1"
	"github.com/go-chi/chi"
	"github.com/rs/zerolog"
)

type Handler struct {
	service  reconcile.Reconciler
	balances wallets.BalanceSource
	log      *zerolog.Logger
}

func InitHandlers(mainService reconcile.Reconciler, balances wallets.BalanceSource, log *zerolog.Logger) (*Handler, error) {
	if mainService == nil {
		return nil, &handlersErrors.HandlersFoundNilArgument{Msg: "nil reconciler was passed to handlers initializer"}
	}
	if balances == nil {
		return nil, &handlersErrors.HandlersFoundNilArgument{Msg: "nil balance source was passed to handlers initializer"}
	}
	return &Handler{service: mainService, balances: balances, log: log}, nil
}

func (h *Handler) HandleTip() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "Invalid Content-Type", http.StatusBadRequest)
			return
		}
		b, err := io.ReadAll(r.Body)
		if err != nil {
			h.log.Error().Err(err).Msg("handle tip failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		var tip modeldto.Tip
		err = json.Unmarshal(b, &tip)
		if err != nil {
			h.log.Error().Err(err).Msg("handle tip failed")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Info().Msg(fmt.Sprintf("new tip request detected for %s", tip.PublisherKey))
		queueID, err := h.service.OneTimeTip(ctx, tip.PublisherKey, tip.Amount)
		if err != nil {
			h.log.Error().Err(err).Msg("handle tip failed")
			var invalidTipError *serviceErrors.InvalidTipError
			var contextTimeoutExceededError *storageErrors.ContextTimeoutExceededError
			if errors.As(err, &invalidTipError) {
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			} else if errors.As(err, &contextTimeoutExceededError) {
				http.Error(w, err.Error(), http.StatusGatewayTimeout)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		resBody, err := json.Marshal(modeldto.TipAccepted{QueueID: queueID})
		if err != nil {
			h.log.Error().Err(err).Msg("handle tip failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write(resBody)
	}
}

func (h *Handler) HandleGetContribution() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		contributionID := chi.URLParam(r, "contributionID")
		record, err := h.service.GetContribution(ctx, contributionID)
		if err != nil {
			h.log.Error().Err(err).Msg("handle get contribution failed")
			var notFoundError *storageErrors.NotFoundError
			var contextTimeoutExceededError *storageErrors.ContextTimeoutExceededError
			if errors.As(err, &notFoundError) {
				http.Error(w, err.Error(), http.StatusNotFound)
			} else if errors.As(err, &contextTimeoutExceededError) {
				http.Error(w, err.Error(), http.StatusGatewayTimeout)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		responseContribution := modeldto.Contribution{
			ContributionID: record.ContributionID,
			Type:           string(record.Type),
			Processor:      string(record.Processor),
			Step:           int(record.Step),
			RetryCount:     record.RetryCount,
			Amount:         record.Amount,
			CreatedAt:      time.Unix(record.CreatedAt, 0).Format(time.RFC3339),
		}
		resBody, err := json.Marshal(responseContribution)
		if err != nil {
			h.log.Error().Err(err).Msg("handle get contribution failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(resBody)
	}
}

func (h *Handler) HandleBalance() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		balance, err := h.balances.FetchBalance(ctx)
		if err != nil {
			h.log.Error().Err(err).Msg("handle balance failed")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		responseBalance := modeldto.Balance{
			Total:   balance.Total,
			Wallets: make(map[string]int64),
		}
		for processor, available := range balance.Wallets {
			responseBalance.Wallets[string(processor)] = available
		}
		resBody, err := json.Marshal(responseBalance)
		if err != nil {
			h.log.Error().Err(err).Msg("handle balance failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(resBody)
	}
}

func (h *Handler) HandleMonthly() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.log.Info().Msg("monthly contribution trigger detected")
		go h.service.StartMonthlyContribution()
		w.WriteHeader(http.StatusAccepted)
	}
}
