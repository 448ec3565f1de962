package simplefin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Veraticus/recon-flow/internal/common"
)

// AuthState is the saved result of claiming a setup token.
type AuthState struct {
	ClaimedAt time.Time `json:"claimed_at"`
	AccessURL string    `json:"access_url"`
	// TokenHint identifies the setup token without storing it.
	TokenHint string `json:"token_hint"`
}

// Claim exchanges a base64 setup token for an access URL. A setup token can
// be claimed once.
func Claim(ctx context.Context, httpClient *http.Client, setupToken string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(setupToken))
	if err != nil {
		return "", common.NewValidationError("setup_token", "is not valid base64")
	}
	claimURL := strings.TrimSpace(string(decoded))
	if u, parseErr := url.Parse(claimURL); parseErr != nil || u.Host == "" {
		return "", common.NewValidationError("setup_token", "does not contain a claim URL")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, claimURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid claim request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to claim token: %w", redact(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("failed to read claim response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusForbidden {
			return "", common.NewUserError("The SimpleFIN setup token was already claimed or has expired.",
				fmt.Errorf("claim rejected: %s", resp.Status))
		}
		return "", fmt.Errorf("claim failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// LoadOrClaim returns the access URL saved in stateFile, or claims
// setupToken and saves the result there.
func LoadOrClaim(ctx context.Context, httpClient *http.Client, stateFile, setupToken string) (*AuthState, error) {
	logger := common.Component("simplefin")

	state, err := LoadState(stateFile)
	switch {
	case err == nil && state.AccessURL != "":
		logger.Debug("using saved SimpleFIN access URL", "claimed_at", state.ClaimedAt.Format(time.DateOnly))
		return state, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	if setupToken == "" {
		return nil, common.NewUserError(
			"No SimpleFIN access saved. Run `recon auth simplefin <setup-token>` first.",
			fmt.Errorf("%w: %s", common.ErrMissingConfig, stateFile))
	}

	accessURL, err := Claim(ctx, httpClient, setupToken)
	if err != nil {
		return nil, err
	}
	state = &AuthState{
		AccessURL: accessURL,
		ClaimedAt: time.Now().UTC(),
		TokenHint: tokenHint(setupToken),
	}
	if err := SaveState(stateFile, state); err != nil {
		return nil, err
	}
	logger.Info("claimed SimpleFIN access", "state_file", stateFile)
	return state, nil
}

// LoadState reads a saved auth state.
func LoadState(path string) (*AuthState, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	var state AuthState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &state, nil
}

// SaveState writes state readable by the owner only.
func SaveState(path string, state *AuthState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save SimpleFIN state: %w", err)
	}
	return nil
}

func tokenHint(token string) string {
	if len(token) > 16 {
		return token[:8] + "..." + token[len(token)-8:]
	}
	return "short_token"
}
