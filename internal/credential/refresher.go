package credential

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pipali/pipali/internal/keyring"
	"github.com/pipali/pipali/internal/protocol"
)

const refreshTokenAccount = "api-refresh-token"

// Refresher exchanges a stored refresh token for a fresh access token
// against the upstream gateway.
type Refresher struct {
	TokenEndpoint string
	ClientID      string
	HTTPClient    *http.Client

	// loadRefreshToken is swappable in tests; defaults to the OS
	// keychain with an env fallback.
	loadRefreshToken func() (string, error)
}

// NewRefresher creates a Refresher for the given token endpoint.
func NewRefresher(endpoint, clientID string) *Refresher {
	return &Refresher{
		TokenEndpoint:    endpoint,
		ClientID:         clientID,
		HTTPClient:       &http.Client{Timeout: 30 * time.Second},
		loadRefreshToken: loadStoredRefreshToken,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Refresh performs one refresh_token grant. Suitable as the Mutex's
// RefreshFunc.
func (r *Refresher) Refresh(ctx context.Context) (Token, error) {
	refreshToken, err := r.loadRefreshToken()
	if err != nil {
		return Token{}, &AuthError{Reason: "no refresh token: " + err.Error()}
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	if r.ClientID != "" {
		data.Set("client_id", r.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.TokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusPaymentRequired:
		var be protocol.BillingError
		if json.Unmarshal(body, &be) != nil || be.Code == "" {
			be = protocol.BillingError{Code: "payment_required", Message: strings.TrimSpace(string(body))}
		}
		return Token{}, &BillingError{Info: be}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Token{}, &AuthError{Status: resp.StatusCode, Reason: strings.TrimSpace(string(body))}
	default:
		return Token{}, &AuthError{Status: resp.StatusCode, Reason: strings.TrimSpace(string(body))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, err
	}
	if tr.AccessToken == "" {
		return Token{}, &AuthError{Reason: "refresh response missing access_token"}
	}
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return Token{
		AccessToken: tr.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// StoreRefreshToken saves the refresh token to the OS keychain, or to
// the PIPALI_REFRESH_TOKEN env var path when the keychain is
// unavailable (headless hosts).
func StoreRefreshToken(value string) error {
	if keyring.Available() {
		return keyring.Set(refreshTokenAccount, value)
	}
	return os.Setenv("PIPALI_REFRESH_TOKEN", value)
}

func loadStoredRefreshToken() (string, error) {
	if v := os.Getenv("PIPALI_REFRESH_TOKEN"); v != "" {
		return v, nil
	}
	return keyring.Get(refreshTokenAccount)
}
