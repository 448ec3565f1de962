// Package simplefin reads posted transactions from a SimpleFIN bridge as
// reconciliation records.
package simplefin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
)

// maxErrorBody bounds how much of a failed response is quoted in the error.
const maxErrorBody = 512

// Client fetches account data from a claimed SimpleFIN access URL.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	accessURL  string
	retry      service.RetryOptions
}

// SimpleFIN API response types
type accountSet struct {
	Errors   []string  `json:"errors"`
	Accounts []account `json:"accounts"`
}

type account struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Currency     string        `json:"currency"`
	Transactions []transaction `json:"transactions"`
}

type transaction struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
	Payee       string `json:"payee"`
	Posted      int64  `json:"posted"`
	Pending     bool   `json:"pending"`
}

// NewClient creates a client for accessURL. The URL carries the bridge
// credentials and must not be logged.
func NewClient(accessURL string, httpClient *http.Client, retry service.RetryOptions) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(accessURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, common.NewValidationError("simplefin.access_url", "must be an http(s) URL")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		accessURL:  u.String(),
		httpClient: httpClient,
		retry:      retry,
		logger:     common.Component("simplefin"),
	}, nil
}

// Transactions returns the posted transactions between start and end
// inclusive. Pending transactions are skipped.
func (c *Client) Transactions(ctx context.Context, start, end time.Time) ([]model.Record, error) {
	q := url.Values{}
	q.Set("start-date", strconv.FormatInt(start.Unix(), 10))
	// end-date is exclusive
	q.Set("end-date", strconv.FormatInt(end.AddDate(0, 0, 1).Unix(), 10))

	set, err := c.accounts(ctx, q)
	if err != nil {
		return nil, err
	}

	records := []model.Record{}
	for _, acct := range set.Accounts {
		for _, tx := range acct.Transactions {
			if tx.Pending {
				continue
			}
			posted := time.Unix(tx.Posted, 0).UTC()
			if posted.Before(start) || posted.After(end.AddDate(0, 0, 1)) {
				continue
			}
			records = append(records, toRecord(acct, tx, posted))
		}
	}
	c.logger.Info("fetched transactions", "count", len(records), "accounts", len(set.Accounts))
	return records, nil
}

// Accounts lists the account ids visible through the access URL.
func (c *Client) Accounts(ctx context.Context) ([]string, error) {
	q := url.Values{}
	q.Set("balances-only", "1")
	set, err := c.accounts(ctx, q)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(set.Accounts))
	for _, acct := range set.Accounts {
		ids = append(ids, acct.ID)
	}
	return ids, nil
}

func (c *Client) accounts(ctx context.Context, q url.Values) (*accountSet, error) {
	var set *accountSet
	err := common.WithRetry(ctx, func() error {
		var fetchErr error
		set, fetchErr = c.fetch(ctx, c.accessURL+"/accounts?"+q.Encode())
		return fetchErr
	}, c.retry)
	if err != nil {
		return nil, err
	}
	for _, msg := range set.Errors {
		c.logger.Warn("SimpleFIN bridge reported a problem", "message", msg)
	}
	return set, nil
}

func (c *Client) fetch(ctx context.Context, target string) (*accountSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &common.RetryableError{Err: fmt.Errorf("invalid request: %w", err), Retryable: false}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The error text embeds the URL and with it the credentials.
		return nil, &common.RetryableError{Err: fmt.Errorf("SimpleFIN request failed: %w", redact(err)), Retryable: ctx.Err() == nil}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &common.RetryableError{Err: fmt.Errorf("%w: %s", common.ErrRateLimit, resp.Status), Retryable: true}
	case resp.StatusCode >= 500:
		return nil, &common.RetryableError{Err: fmt.Errorf("SimpleFIN server error: %s", resp.Status), Retryable: true}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &common.RetryableError{
			Err:       fmt.Errorf("SimpleFIN API error: %s: %s", resp.Status, strings.TrimSpace(string(body))),
			Retryable: false,
		}
	}

	var set accountSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, &common.RetryableError{Err: fmt.Errorf("failed to decode response: %w", err), Retryable: false}
	}
	return &set, nil
}

// toRecord flattens a transaction. Amounts keep their decimal text and sign;
// negative amounts are debits.
func toRecord(acct account, tx transaction, posted time.Time) model.Record {
	return model.Record{
		"id":           tx.ID,
		"account_id":   acct.ID,
		"account_name": acct.Name,
		"currency":     acct.Currency,
		"amount":       json.Number(strings.TrimSpace(tx.Amount)),
		"date":         posted.Truncate(24 * time.Hour),
		"posted":       posted,
		"description":  strings.TrimSpace(tx.Description),
		"payee":        normalizePayee(tx.Payee),
	}
}

// normalizePayee drops common company suffixes and collapses whitespace.
func normalizePayee(raw string) string {
	payee := strings.Join(strings.Fields(raw), " ")
	for _, suffix := range []string{" LLC", " INC", " CORP"} {
		if len(payee) > len(suffix) && strings.EqualFold(payee[len(payee)-len(suffix):], suffix) {
			payee = payee[:len(payee)-len(suffix)]
		}
	}
	return payee
}

// redact strips the request URL from transport errors.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
