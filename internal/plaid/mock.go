package plaid

import (
	"context"
	"sync"
	"time"

	"github.com/Veraticus/recon-flow/internal/model"
)

// MockClient is a TransactionFetcher for tests.
type MockClient struct {
	TransactionsFn func(ctx context.Context, start, end time.Time) ([]model.Record, error)
	AccountsFn     func(ctx context.Context) ([]string, error)

	TransactionsCalls []TransactionsCall
	mu                sync.Mutex
}

// TransactionsCall records the window of a Transactions call.
type TransactionsCall struct {
	Start time.Time
	End   time.Time
}

// NewMockClient creates a new mock Plaid client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Transactions implements TransactionFetcher.
func (m *MockClient) Transactions(ctx context.Context, start, end time.Time) ([]model.Record, error) {
	m.mu.Lock()
	m.TransactionsCalls = append(m.TransactionsCalls, TransactionsCall{Start: start, End: end})
	m.mu.Unlock()

	if m.TransactionsFn != nil {
		return m.TransactionsFn(ctx, start, end)
	}
	return []model.Record{}, nil
}

// Accounts implements TransactionFetcher.
func (m *MockClient) Accounts(ctx context.Context) ([]string, error) {
	if m.AccountsFn != nil {
		return m.AccountsFn(ctx)
	}
	return []string{}, nil
}

// Calls returns a copy of the recorded Transactions calls.
func (m *MockClient) Calls() []TransactionsCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]TransactionsCall, len(m.TransactionsCalls))
	copy(calls, m.TransactionsCalls)
	return calls
}

var _ TransactionFetcher = (*MockClient)(nil)
