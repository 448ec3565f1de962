package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/plaid"
	"github.com/Veraticus/recon-flow/internal/service"
	"github.com/Veraticus/recon-flow/internal/simplefin"
)

// API_ENDPOINT providers selected by the system's provider option.
const (
	ProviderPlaid     = "plaid"
	ProviderSimpleFIN = "simplefin"
)

// defaultFeedWindow is the lookback when a transaction feed sets no start date.
const defaultFeedWindow = 30 * 24 * time.Hour

// maxErrorBody bounds how much of a failed response is quoted in the error.
const maxErrorBody = 512

// PlaidFactory builds a Plaid fetcher from resolved credentials.
type PlaidFactory func(cfg plaid.Config) (plaid.TransactionFetcher, error)

// APIExtractor pulls JSON records over HTTP, or transactions from Plaid or a
// SimpleFIN bridge.
type APIExtractor struct {
	client         *http.Client
	newPlaid       PlaidFactory
	now            func() time.Time
	simplefinState string
	plaid          plaid.Config
	retry          service.RetryOptions
}

// NewAPIExtractor creates an API extractor. plaidDefaults supplies the
// credentials a system's options do not override.
func NewAPIExtractor(client *http.Client, retry service.RetryOptions, plaidDefaults plaid.Config) *APIExtractor {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &APIExtractor{
		client: client,
		retry:  retry,
		plaid:  plaidDefaults,
		now:    time.Now,
		newPlaid: func(cfg plaid.Config) (plaid.TransactionFetcher, error) {
			return plaid.NewClient(cfg)
		},
	}
}

// WithPlaidFactory replaces the Plaid client constructor.
func (e *APIExtractor) WithPlaidFactory(f PlaidFactory) *APIExtractor {
	e.newPlaid = f
	return e
}

// WithSimpleFINState sets the file holding the claimed SimpleFIN access URL,
// used when a simplefin system sets no api_url.
func (e *APIExtractor) WithSimpleFINState(path string) *APIExtractor {
	e.simplefinState = path
	return e
}

// Extract dispatches on the system's provider option.
func (e *APIExtractor) Extract(ctx context.Context, system model.SourceSystem, spec model.ExtractionSpec) ([]model.Record, error) {
	switch strings.ToLower(system.Option("provider", "")) {
	case ProviderPlaid:
		return e.extractPlaid(ctx, system)
	case ProviderSimpleFIN:
		return e.extractSimpleFIN(ctx, system)
	default:
		return e.extractJSON(ctx, system, spec)
	}
}

func (e *APIExtractor) extractJSON(ctx context.Context, system model.SourceSystem, spec model.ExtractionSpec) ([]model.Record, error) {
	if system.APIURL == "" {
		return nil, common.NewValidationError("api_url", "is required for "+string(model.SystemAPIEndpoint))
	}
	url := strings.TrimRight(system.APIURL, "/")
	if spec.Query != "" {
		url += "/" + strings.TrimLeft(spec.Query, "/")
	}

	var doc any
	err := common.WithRetry(ctx, func() error {
		var fetchErr error
		doc, fetchErr = e.fetch(ctx, url, system.APIKey)
		return fetchErr
	}, e.retry)
	if err != nil {
		return nil, err
	}

	if path := system.Option("records_path", ""); path != "" {
		doc, err = lookup(doc, path)
		if err != nil {
			return nil, err
		}
	}
	return toRecords(doc)
}

// fetch performs one GET. Throttling and server errors are retryable; other
// failures are permanent.
func (e *APIExtractor) fetch(ctx context.Context, url, apiKey string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &common.RetryableError{Err: fmt.Errorf("invalid request: %w", err), Retryable: false}
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &common.RetryableError{Err: fmt.Errorf("request failed: %w", err), Retryable: ctx.Err() == nil}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &common.RetryableError{Err: fmt.Errorf("%w: %s", common.ErrRateLimit, resp.Status), Retryable: true}
	case resp.StatusCode >= 500:
		return nil, &common.RetryableError{Err: fmt.Errorf("server error: %s", resp.Status), Retryable: true}
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &common.RetryableError{
			Err:       fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body))),
			Retryable: false,
		}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &common.RetryableError{Err: fmt.Errorf("failed to decode response: %w", err), Retryable: false}
	}
	return doc, nil
}

// lookup walks a dotted path of object fields.
func lookup(doc any, path string) (any, error) {
	current := doc
	for _, field := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("records_path %q: %q is not inside an object", path, field)
		}
		if current, ok = obj[field]; !ok {
			return nil, fmt.Errorf("records_path %q: field %q not found", path, field)
		}
	}
	return current, nil
}

// extractPlaid reads transactions posted between options start_date and
// end_date.
func (e *APIExtractor) extractPlaid(ctx context.Context, system model.SourceSystem) ([]model.Record, error) {
	cfg := e.plaid
	if v := system.Option("client_id", ""); v != "" {
		cfg.ClientID = v
	}
	if v := system.Option("environment", ""); v != "" {
		cfg.Environment = v
	}
	if v := system.Option("access_token", ""); v != "" {
		cfg.AccessToken = v
	}
	if system.APIKey != "" {
		cfg.Secret = system.APIKey
	}

	start, end, err := e.window(system)
	if err != nil {
		return nil, err
	}
	fetcher, err := e.newPlaid(cfg)
	if err != nil {
		return nil, err
	}
	return fetcher.Transactions(ctx, start, end)
}

// extractSimpleFIN reads posted transactions through the system's api_url,
// which holds a SimpleFIN access URL, or through the saved claim when
// api_url is empty. The window options match the Plaid provider's.
func (e *APIExtractor) extractSimpleFIN(ctx context.Context, system model.SourceSystem) ([]model.Record, error) {
	accessURL := system.APIURL
	if accessURL == "" {
		if e.simplefinState == "" {
			return nil, common.NewValidationError("api_url", "is required for the simplefin provider")
		}
		state, err := simplefin.LoadOrClaim(ctx, e.client, e.simplefinState, system.APIKey)
		if err != nil {
			return nil, err
		}
		accessURL = state.AccessURL
	}

	start, end, err := e.window(system)
	if err != nil {
		return nil, err
	}
	client, err := simplefin.NewClient(accessURL, e.client, e.retry)
	if err != nil {
		return nil, err
	}
	return client.Transactions(ctx, start, end)
}

// window resolves options start_date and end_date (YYYY-MM-DD). The end
// defaults to today and the start to 30 days before the end.
func (e *APIExtractor) window(system model.SourceSystem) (time.Time, time.Time, error) {
	end := e.now().UTC().Truncate(24 * time.Hour)
	if v := system.Option("end_date", ""); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return time.Time{}, time.Time{}, common.NewValidationError("end_date", err.Error())
		}
		end = parsed
	}
	start := end.Add(-defaultFeedWindow)
	if v := system.Option("start_date", ""); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return time.Time{}, time.Time{}, common.NewValidationError("start_date", err.Error())
		}
		start = parsed
	}
	return start, end, nil
}
