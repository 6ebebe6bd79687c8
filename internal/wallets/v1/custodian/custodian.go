// Package custodian implements a client for the transaction API of an
// external wallet custodian service.
package custodian

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
	walletErrors "github.com/danilovkiri/dk-go-reconciler/internal/wallets/v1/errors"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Client defines attributes of a struct available to its methods.
type Client struct {
	client    *resty.Client
	processor modelcontribution.Processor
	address   string
	log       *zerolog.Logger
}

type balanceResponse struct {
	Available int64 `json:"available"`
}

type transactionRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
}

type transactionResponse struct {
	Ref string `json:"ref"`
}

// InitClient initializes a resty client for one custodian.
func InitClient(processor modelcontribution.Processor, address string, log *zerolog.Logger) *Client {
	client := resty.New()
	log.Info().Msg(fmt.Sprintf("custodian client initialized for %s", processor))
	return &Client{client: client, processor: processor, address: address, log: log}
}

func (c *Client) Processor() modelcontribution.Processor {
	return c.processor
}

// FetchBalance retrieves the available amount held with this custodian.
func (c *Client) FetchBalance(ctx context.Context) (int64, error) {
	var body balanceResponse
	response, err := c.client.R().SetContext(ctx).SetResult(&body).Get(c.address + "/api/v1/balance")
	if err != nil {
		c.log.Err(err).Msg(fmt.Sprintf("balance retrieval failed for %s", c.processor))
		return 0, err
	}
	if err := c.checkStatus(response); err != nil {
		return 0, err
	}
	return body.Available, nil
}

// CreateTransaction registers a pending settlement transaction and returns
// its ref for a later commit.
func (c *Client) CreateTransaction(ctx context.Context, destination string, amount int64) (string, error) {
	var body transactionResponse
	response, err := c.client.R().SetContext(ctx).
		SetBody(transactionRequest{Destination: destination, Amount: amount}).
		SetResult(&body).
		Post(c.address + "/api/v1/transactions")
	if err != nil {
		c.log.Err(err).Msg(fmt.Sprintf("transaction creation failed for %s", c.processor))
		return "", err
	}
	if err := c.checkStatus(response); err != nil {
		return "", err
	}
	return body.Ref, nil
}

// CommitTransaction finalizes a previously created transaction.
func (c *Client) CommitTransaction(ctx context.Context, ref string) error {
	response, err := c.client.R().SetContext(ctx).
		SetPathParams(map[string]string{"ref": ref}).
		Post(c.address + "/api/v1/transactions/{ref}/commit")
	if err != nil {
		c.log.Err(err).Msg(fmt.Sprintf("transaction commit failed for %s", c.processor))
		return err
	}
	return c.checkStatus(response)
}

// TransferFunds moves an amount directly to a destination account.
func (c *Client) TransferFunds(ctx context.Context, amount int64, destination string) error {
	response, err := c.client.R().SetContext(ctx).
		SetBody(transactionRequest{Destination: destination, Amount: amount}).
		Post(c.address + "/api/v1/transfers")
	if err != nil {
		c.log.Err(err).Msg(fmt.Sprintf("funds transfer failed for %s", c.processor))
		return err
	}
	return c.checkStatus(response)
}

// DropSession discards cached credentials so the next request
// re-authenticates against the custodian.
func (c *Client) DropSession() {
	c.client.SetAuthToken("")
	c.log.Warn().Msg(fmt.Sprintf("session dropped for %s", c.processor))
}

func (c *Client) checkStatus(response *resty.Response) error {
	switch {
	case response.StatusCode() < http.StatusMultipleChoices:
		return nil
	case response.StatusCode() == http.StatusUnauthorized:
		return &walletErrors.ExpiredCredentialsError{Processor: string(c.processor)}
	case response.StatusCode() == http.StatusTooManyRequests:
		return &walletErrors.RateLimitError{Processor: string(c.processor)}
	case response.StatusCode() == http.StatusPaymentRequired:
		return &walletErrors.InsufficientFundsError{Processor: string(c.processor)}
	case response.StatusCode() >= http.StatusInternalServerError:
		return &walletErrors.UnavailableError{Processor: string(c.processor), Status: response.StatusCode()}
	default:
		return &walletErrors.RejectedError{Processor: string(c.processor), Status: response.StatusCode(), Msg: response.String()}
	}
}
