package authcollab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// refreshBuffer mirrors the teacher's TokenManager: refresh a little before
// the token is actually due to expire so a concurrent request never races
// an in-flight expiry.
const refreshBuffer = 60 * time.Second

// tokenResponse is the OAuth2 token endpoint's JSON shape, same fields the
// teacher's internal/auth.TokenResponse decodes.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// SecretStore is the narrow keyring interface OAuth needs; satisfied by
// internal/authcollab's Keyring wrapper in keyring.go.
type SecretStore interface {
	LoadRefreshToken() (string, error)
	SaveRefreshToken(token string) error
}

// DeviceLister discovers the account id from the first device's owner,
// mirroring the teacher's SDM ListDevices usage in cmd/devices.go.
type DeviceLister interface {
	FirstDeviceOwnerID(ctx context.Context, token string) (string, error)
}

// OAuth is the concrete Auth Collaborator. It caches the access token
// behind a mutex with an early-refresh buffer, exactly the shape of the
// teacher's internal/auth.TokenManager.AccessToken.
type OAuth struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client
	secrets      SecretStore
	devices      DeviceLister

	mu          sync.Mutex
	accessToken string
	expiry      time.Time
	accountID   string
}

func NewOAuth(clientID, clientSecret, tokenURL string, secrets SecretStore, devices DeviceLister) *OAuth {
	return &OAuth{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		secrets:      secrets,
		devices:      devices,
	}
}

// Authenticate primes the token cache once at startup and resolves the
// account id, failing fast (AccountIdMissing is surfaced by the caller,
// not here) rather than leaving it to be discovered lazily mid-session.
func (o *OAuth) Authenticate(ctx context.Context) error {
	if _, err := o.GetToken(); err != nil {
		return fmt.Errorf("authcollab: initial authentication: %w", err)
	}
	if _, err := o.GetAccountID(ctx); err != nil {
		return fmt.Errorf("authcollab: resolving account id: %w", err)
	}
	return nil
}

// GetToken returns a cached, still-fresh access token, refreshing via the
// stored refresh token when the cache is empty or within refreshBuffer of
// expiry.
func (o *OAuth) GetToken() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.accessToken != "" && time.Now().Before(o.expiry.Add(-refreshBuffer)) {
		return o.accessToken, nil
	}
	return o.refreshLocked()
}

// RefreshToken forces a refresh regardless of cache freshness, as the Live-
// View Client does on an auth-class handshake failure.
func (o *OAuth) RefreshToken(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.refreshLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (o *OAuth) refreshLocked() (string, error) {
	refreshToken, err := o.secrets.LoadRefreshToken()
	if err != nil {
		return "", fmt.Errorf("authcollab: loading refresh token: %w", err)
	}

	params := url.Values{
		"client_id":     {o.clientID},
		"client_secret": {o.clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	tok, err := o.tokenRequest(params)
	if err != nil {
		return "", err
	}

	o.accessToken = tok.AccessToken
	o.expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if tok.RefreshToken != "" {
		_ = o.secrets.SaveRefreshToken(tok.RefreshToken)
	}
	return o.accessToken, nil
}

// ExchangeCode trades an OAuth2 authorization code for tokens, the same
// flow the teacher's cmd/auth.go drives interactively.
func (o *OAuth) ExchangeCode(code, redirectURI string) (string, string, error) {
	params := url.Values{
		"client_id":     {o.clientID},
		"client_secret": {o.clientSecret},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"grant_type":    {"authorization_code"},
	}
	tok, err := o.tokenRequest(params)
	if err != nil {
		return "", "", err
	}

	o.mu.Lock()
	o.accessToken = tok.AccessToken
	o.expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	o.mu.Unlock()

	return tok.AccessToken, tok.RefreshToken, nil
}

func (o *OAuth) tokenRequest(params url.Values) (*tokenResponse, error) {
	req, err := http.NewRequest(http.MethodPost, o.tokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authcollab: token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authcollab: token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("authcollab: decoding token response: %w", err)
	}
	return &tok, nil
}

// GetAccountID resolves and caches the account id from the first device's
// owner. There is no fallback: an empty id is AccountIdMissing (the caller
// classifies that, this just reports the raw failure).
func (o *OAuth) GetAccountID(ctx context.Context) (string, error) {
	o.mu.Lock()
	cached := o.accountID
	o.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	token, err := o.GetToken()
	if err != nil {
		return "", err
	}
	id, err := o.devices.FirstDeviceOwnerID(ctx, token)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("authcollab: no account id on first device")
	}

	o.mu.Lock()
	o.accountID = id
	o.mu.Unlock()
	return id, nil
}
