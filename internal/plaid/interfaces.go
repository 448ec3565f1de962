package plaid

import (
	"context"
	"time"

	"github.com/Veraticus/recon-flow/internal/model"
)

// TransactionFetcher is the part of the Plaid API the API adapter needs.
type TransactionFetcher interface {
	Transactions(ctx context.Context, start, end time.Time) ([]model.Record, error)
	Accounts(ctx context.Context) ([]string, error)
}
