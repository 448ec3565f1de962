// Package plaid pulls bank transactions from the Plaid API as reconciliation records.
package plaid

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/plaid/plaid-go/v20/plaid"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
)

// pageSize is Plaid's maximum transactions page.
const pageSize = int32(500)

// Config holds Plaid API configuration.
type Config struct {
	ClientID    string
	Secret      string
	Environment string // sandbox or production
	AccessToken string
}

// Validate ensures all required fields are present.
func (c *Config) Validate() error {
	switch {
	case c.ClientID == "":
		return common.NewValidationError("plaid.client_id", "is required")
	case c.Secret == "":
		return common.NewValidationError("plaid.secret", "is required")
	case c.AccessToken == "":
		return common.NewValidationError("plaid.access_token", "is required")
	}
	if c.Environment != "sandbox" && c.Environment != "production" {
		return common.NewValidationError("plaid.environment", "must be sandbox or production")
	}
	return nil
}

// Client implements TransactionFetcher against the Plaid API.
type Client struct {
	client      *plaid.APIClient
	logger      *slog.Logger
	retryOpts   service.RetryOptions
	accessToken string
}

// NewClient creates a new Plaid client with the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", cfg.ClientID)
	configuration.AddDefaultHeader("PLAID-SECRET", cfg.Secret)
	switch cfg.Environment {
	case "sandbox":
		configuration.UseEnvironment(plaid.Sandbox)
	case "production":
		configuration.UseEnvironment(plaid.Production)
	}

	return &Client{
		client:      plaid.NewAPIClient(configuration),
		accessToken: cfg.AccessToken,
		logger:      slog.Default().With("component", "plaid"),
		retryOpts: service.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
	}, nil
}

// Transactions fetches every transaction posted in [start, end], following
// Plaid's offset pagination. Rate-limit responses are retried.
func (c *Client) Transactions(ctx context.Context, start, end time.Time) ([]model.Record, error) {
	if start.After(end) {
		return nil, common.NewValidationError("start_date", "must not be after end_date")
	}

	c.logger.Info("fetching transactions from Plaid",
		"start_date", start.Format(time.DateOnly),
		"end_date", end.Format(time.DateOnly))

	var all []plaid.Transaction
	offset := int32(0)
	for {
		var page []plaid.Transaction
		err := common.WithRetry(ctx, func() error {
			request := plaid.NewTransactionsGetRequest(c.accessToken, start.Format(time.DateOnly), end.Format(time.DateOnly))
			request.SetOptions(plaid.TransactionsGetRequestOptions{
				Count:  plaid.PtrInt32(pageSize),
				Offset: plaid.PtrInt32(offset),
			})

			resp, _, err := c.client.PlaidApi.TransactionsGet(ctx).TransactionsGetRequest(*request).Execute()
			if err != nil {
				return c.classify(err, "failed to fetch transactions")
			}
			page = resp.GetTransactions()
			c.logger.Debug("fetched transaction page",
				"count", len(page),
				"offset", offset,
				"total", resp.GetTotalTransactions())
			return nil
		}, c.retryOpts)
		if err != nil {
			return nil, err
		}

		all = append(all, page...)
		if len(page) < int(pageSize) {
			break
		}
		offset += pageSize
	}

	records := make([]model.Record, 0, len(all))
	for _, pt := range all {
		records = append(records, toRecord(pt))
	}
	c.logger.Info("fetched transactions", "count", len(records))
	return records, nil
}

// Accounts lists the account ids behind the access token.
func (c *Client) Accounts(ctx context.Context) ([]string, error) {
	var accounts []plaid.AccountBase
	err := common.WithRetry(ctx, func() error {
		request := plaid.NewAccountsGetRequest(c.accessToken)
		resp, _, err := c.client.PlaidApi.AccountsGet(ctx).AccountsGetRequest(*request).Execute()
		if err != nil {
			return c.classify(err, "failed to fetch accounts")
		}
		accounts = resp.GetAccounts()
		return nil
	}, c.retryOpts)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.GetAccountId())
	}
	return ids, nil
}

// classify marks rate limits retryable and everything else permanent.
func (c *Client) classify(err error, msg string) error {
	plaidErr, convErr := plaid.ToPlaidError(err)
	if convErr != nil {
		return &common.RetryableError{Err: fmt.Errorf("%s: %w", msg, err), Retryable: false}
	}
	if plaidErr.ErrorCode == "RATE_LIMIT_EXCEEDED" {
		c.logger.Warn("rate limit hit, will retry", "error", plaidErr.ErrorMessage)
		return &common.RetryableError{Err: fmt.Errorf("%w: %s", common.ErrPlaidRateLimit, plaidErr.ErrorMessage), Retryable: true}
	}
	return &common.RetryableError{
		Err:       fmt.Errorf("plaid API error: %s - %s", plaidErr.ErrorCode, plaidErr.ErrorMessage),
		Retryable: false,
	}
}

// toRecord flattens a Plaid transaction. Plaid reports outflows as positive
// amounts; the record keeps that convention.
func toRecord(pt plaid.Transaction) model.Record {
	rec := model.Record{
		"id":              pt.GetTransactionId(),
		"account_id":      pt.GetAccountId(),
		"amount":          pt.GetAmount(),
		"currency":        pt.GetIsoCurrencyCode(),
		"name":            pt.GetName(),
		"merchant":        CleanMerchantName(merchantOrName(pt)),
		"pending":         pt.GetPending(),
		"payment_channel": pt.GetPaymentChannel(),
	}
	if date, err := time.Parse(time.DateOnly, pt.GetDate()); err == nil {
		rec["date"] = date
	} else {
		rec["date"] = pt.GetDate()
	}
	if pt.HasCheckNumber() && pt.GetCheckNumber() != "" {
		rec["check_number"] = pt.GetCheckNumber()
	}
	return rec
}

func merchantOrName(pt plaid.Transaction) string {
	if m := pt.GetMerchantName(); m != "" {
		return m
	}
	return pt.GetName()
}

// CleanMerchantName title-cases a merchant name and strips trailing reference
// numbers and corporate suffixes.
func CleanMerchantName(name string) string {
	words := strings.Fields(strings.ToLower(name))
	for i, word := range words {
		runes := []rune(word)
		for j := range runes {
			if j == 0 || !isLetter(runes[j-1]) {
				runes[j] = toUpper(runes[j])
			}
		}
		words[i] = string(runes)
	}

	// A long all-digit tail is a processor reference, not part of the name.
	if n := len(words); n > 1 && len(words[n-1]) > 5 && isAllDigits(words[n-1]) {
		words = words[:n-1]
	}
	name = strings.Join(words, " ")

	suffixes := []string{" Llc", " Inc", " Corp", " Corporation", " Company", " Co", " Ltd", " Limited"}
	for changed := true; changed; {
		changed = false
		for _, suffix := range suffixes {
			if strings.HasSuffix(name, suffix) {
				name = strings.TrimSuffix(name, suffix)
				changed = true
			}
		}
	}
	return strings.TrimSpace(name)
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - 32
	}
	return r
}

var _ TransactionFetcher = (*Client)(nil)
