package sheets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/Veraticus/recon-flow/internal/model"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		errMsg  string
		config  Config
		wantErr bool
	}{
		{
			name:    "partial oauth credentials",
			config:  Config{ClientID: "client", RefreshToken: "token", RetryAttempts: 3},
			wantErr: true,
			errMsg:  "no authentication method configured",
		},
		{
			name:   "oauth with token file",
			config: Config{ClientID: "client", ClientSecret: "secret", TokenFile: "/tmp/token.json"},
		},
		{
			name: "both methods",
			config: Config{
				ClientID: "client", ClientSecret: "secret", RefreshToken: "token",
				ServiceAccountPath: "/path/to/key.json",
			},
			wantErr: true,
			errMsg:  "multiple authentication methods",
		},
		{
			name:   "zero retry delay is valid",
			config: Config{ServiceAccountPath: "/path/to/key.json"},
		},
		{
			name:    "negative retry delay",
			config:  Config{ServiceAccountPath: "/path/to/key.json", RetryAttempts: 3, RetryDelay: -time.Second},
			wantErr: true,
			errMsg:  "retry delay cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRowsToRecords(t *testing.T) {
	values := [][]any{
		{"id", " amount ", "", "status"},
		{"A-1", "10.50", "ignored", "OPEN"},
		{"A-2", "7"},
	}

	records := RowsToRecords(values)
	require.Len(t, records, 2)
	assert.Equal(t, model.Record{"id": "A-1", "amount": "10.50", "status": "OPEN"}, records[0])
	assert.Equal(t, model.Record{"id": "A-2", "amount": "7", "status": nil}, records[1])

	assert.Empty(t, RowsToRecords(nil))
	assert.Empty(t, RowsToRecords([][]any{{"id"}}), "header only")
}

func TestReadRecords(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
			return
		}
		if !strings.HasPrefix(r.URL.Path, "/v4/spreadsheets/sheet-123/values/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"range":          "Ledger!A1:B3",
			"majorDimension": "ROWS",
			"values":         [][]string{{"id", "amount"}, {"1", "100.00"}, {"2", "55.10"}},
		})
	}))
	defer srv.Close()

	ctx := context.Background()
	svc, err := sheets.NewService(ctx, option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)

	reader := NewReaderWithService(svc, Config{RetryAttempts: 2, RetryDelay: time.Millisecond}, nil)
	records, err := reader.ReadRecords(ctx, "sheet-123", "Ledger!A:B")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0]["id"])
	assert.Equal(t, "55.10", records[1]["amount"])
	assert.Equal(t, int32(2), calls.Load(), "first failure is retried")

	_, err = reader.ReadRecords(ctx, "", "A:B")
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")
	token := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", TokenType: "Bearer"}

	require.NoError(t, saveToken(path, token))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "refresh", loaded.RefreshToken)

	_, err = LoadToken(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
