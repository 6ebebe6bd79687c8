package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/ShiraazMoollatjie/goluhn"
	"github.com/caarlos0/env/v6"
	"github.com/go-chi/chi"
	"github.com/google/uuid"
)

type Response struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Balance struct {
	Available int64 `json:"available"`
}

type Transaction struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
}

type TransactionRef struct {
	Ref string `json:"ref"`
}

type ServerConfig struct {
	ServerAddress string `env:"RUN_ADDRESS"`
	Balance       int64  `env:"MOCK_BALANCE"`
}

func NewServerConfig() (*ServerConfig, error) {
	cfg := ServerConfig{}
	err := env.Parse(&cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isFlagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func (c *ServerConfig) ParseFlags() {
	a := flag.String("a", ":7070", "Server address")
	b := flag.Int64("b", 100000, "Mock available balance")
	flag.Parse()
	if isFlagPassed("a") || c.ServerAddress == "" {
		c.ServerAddress = *a
	}
	if isFlagPassed("b") || c.Balance == 0 {
		c.Balance = *b
	}
}

// mockFlakiness injects the transient failures a real custodian produces
// under load. Returns true if a response was already written.
func mockFlakiness(w http.ResponseWriter) bool {
	chance429 := 10
	if chance429 > rand.Intn(100) {
		log.Println("responding with error 429")
		w.Header().Set("Retry-After", "60")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		response429 := Response{
			Error: "No more than N requests per minute allowed",
		}
		resBody, _ := json.Marshal(response429)
		w.Write(resBody)
		return true
	}
	chance500 := 10
	if chance500 > rand.Intn(100) {
		log.Println("responding with error 500")
		w.WriteHeader(http.StatusInternalServerError)
		return true
	}
	return false
}

// validDestination accepts named publisher accounts as-is and requires
// numeric account identifiers to pass a Luhn check.
func validDestination(destination string) bool {
	if destination == "" {
		return false
	}
	if strings.IndexFunc(destination, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return true
	}
	return goluhn.Validate(destination) == nil
}

func HandleBalance(cfg *ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mockFlakiness(w) {
			return
		}
		log.Println("responding with status 200")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		resBody, _ := json.Marshal(Balance{Available: cfg.Balance})
		w.Write(resBody)
	}
}

func HandleCreateTransaction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mockFlakiness(w) {
			return
		}
		var transaction Transaction
		if err := json.NewDecoder(r.Body).Decode(&transaction); err != nil {
			log.Println("responding with error 400")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !validDestination(transaction.Destination) || transaction.Amount <= 0 {
			log.Println("responding with error 422")
			w.WriteHeader(http.StatusUnprocessableEntity)
			response422 := Response{
				Error: "Illegal destination account or amount",
			}
			resBody, _ := json.Marshal(response422)
			w.Write(resBody)
			return
		}
		chance402 := 5
		if chance402 > rand.Intn(100) {
			log.Println("responding with error 402")
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		log.Println("responding with status 200")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		resBody, _ := json.Marshal(TransactionRef{Ref: uuid.New().String()})
		w.Write(resBody)
	}
}

func HandleCommitTransaction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mockFlakiness(w) {
			return
		}
		ref := chi.URLParam(r, "ref")
		if _, err := uuid.Parse(ref); err != nil {
			log.Println("responding with error 422")
			w.WriteHeader(http.StatusUnprocessableEntity)
			response422 := Response{
				Error: "Illegal transaction ref",
			}
			resBody, _ := json.Marshal(response422)
			w.Write(resBody)
			return
		}
		log.Println("responding with status 200")
		w.WriteHeader(http.StatusOK)
	}
}

func HandleTransfer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mockFlakiness(w) {
			return
		}
		var transaction Transaction
		if err := json.NewDecoder(r.Body).Decode(&transaction); err != nil {
			log.Println("responding with error 400")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !validDestination(transaction.Destination) || transaction.Amount <= 0 {
			log.Println("responding with error 422")
			w.WriteHeader(http.StatusUnprocessableEntity)
			response422 := Response{
				Error: "Illegal destination account or amount",
			}
			resBody, _ := json.Marshal(response422)
			w.Write(resBody)
			return
		}
		log.Println("responding with status 200")
		w.WriteHeader(http.StatusOK)
	}
}

func InitServer(cfg *ServerConfig) (server *http.Server, err error) {
	r := chi.NewRouter()
	r.Get("/api/v1/balance", HandleBalance(cfg))
	r.Post("/api/v1/transactions", HandleCreateTransaction())
	r.Post("/api/v1/transactions/{ref}/commit", HandleCommitTransaction())
	r.Post("/api/v1/transfers", HandleTransfer())
	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      r,
		IdleTimeout:  60 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv, nil
}

func main() {
	cfg, err := NewServerConfig()
	if err != nil {
		log.Println(err)
	}
	cfg.ParseFlags()
	server, err := InitServer(cfg)
	if err != nil {
		log.Println(err)
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Println(err)
	}
}
