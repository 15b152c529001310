package authcollab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// fakeSecretStore is an in-memory SecretStore double.
type fakeSecretStore struct {
	token string
}

func (f *fakeSecretStore) LoadRefreshToken() (string, error) { return f.token, nil }
func (f *fakeSecretStore) SaveRefreshToken(token string) error {
	f.token = token
	return nil
}

// fakeDeviceLister is a DeviceLister double.
type fakeDeviceLister struct {
	ownerID string
	err     error
	calls   atomic.Int32
}

func (f *fakeDeviceLister) FirstDeviceOwnerID(ctx context.Context, token string) (string, error) {
	f.calls.Add(1)
	return f.ownerID, f.err
}

func newTokenServer(t *testing.T, expiresIn int, rotateRefresh string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-" + r.FormValue("grant_type"),
			"refresh_token": rotateRefresh,
			"expires_in":    expiresIn,
		})
	}))
}

func TestGetTokenFetchesOnFirstCallThenCaches(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	o := NewOAuth("id", "secret", server.URL, &fakeSecretStore{token: "refresh-1"}, &fakeDeviceLister{})

	tok, err := o.GetToken()
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("tok = %q, want tok-1", tok)
	}

	if _, err := o.GetToken(); err != nil {
		t.Fatalf("second GetToken: %v", err)
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1 (cache should have been used)", requests.Load())
	}
}

func TestGetTokenRefreshesWithinBufferOfExpiry(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok",
			"expires_in":   1, // 1s, well inside refreshBuffer (60s)
		})
	}))
	defer server.Close()

	o := NewOAuth("id", "secret", server.URL, &fakeSecretStore{token: "r"}, &fakeDeviceLister{})

	if _, err := o.GetToken(); err != nil {
		t.Fatalf("first GetToken: %v", err)
	}
	if _, err := o.GetToken(); err != nil {
		t.Fatalf("second GetToken: %v", err)
	}
	if requests.Load() != 2 {
		t.Errorf("requests = %d, want 2 (a 1s expiry is within the 60s refresh buffer)", requests.Load())
	}
}

func TestRefreshTokenForcesRefreshAndRotatesStoredToken(t *testing.T) {
	server := newTokenServer(t, 3600, "new-refresh-token")
	defer server.Close()

	secrets := &fakeSecretStore{token: "old-refresh-token"}
	o := NewOAuth("id", "secret", server.URL, secrets, &fakeDeviceLister{})

	if _, err := o.GetToken(); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	ok, err := o.RefreshToken(context.Background())
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if !ok {
		t.Error("RefreshToken reported false, want true")
	}
	if secrets.token != "new-refresh-token" {
		t.Errorf("stored refresh token = %q, want rotation to new-refresh-token", secrets.token)
	}
}

func TestExchangeCodeReturnsTokensAndPrimesCache(t *testing.T) {
	server := newTokenServer(t, 3600, "refresh-from-exchange")
	defer server.Close()

	o := NewOAuth("id", "secret", server.URL, &fakeSecretStore{}, &fakeDeviceLister{})

	access, refresh, err := o.ExchangeCode("auth-code", "https://localhost/callback")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if access == "" || refresh != "refresh-from-exchange" {
		t.Errorf("access=%q refresh=%q, want non-empty access and matching refresh", access, refresh)
	}
}

func TestTokenRequestNonOKStatusIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	o := NewOAuth("id", "secret", server.URL, &fakeSecretStore{token: "r"}, &fakeDeviceLister{})
	if _, err := o.GetToken(); err == nil {
		t.Fatal("expected an error on a non-200 token endpoint response")
	}
}

func TestGetAccountIDResolvesAndCaches(t *testing.T) {
	server := newTokenServer(t, 3600, "r")
	defer server.Close()

	devices := &fakeDeviceLister{ownerID: "enterprises/e/devices/d/owner-1"}
	o := NewOAuth("id", "secret", server.URL, &fakeSecretStore{token: "r"}, devices)

	id, err := o.GetAccountID(context.Background())
	if err != nil {
		t.Fatalf("GetAccountID: %v", err)
	}
	if id != "enterprises/e/devices/d/owner-1" {
		t.Errorf("id = %q", id)
	}

	if _, err := o.GetAccountID(context.Background()); err != nil {
		t.Fatalf("second GetAccountID: %v", err)
	}
	if devices.calls.Load() != 1 {
		t.Errorf("FirstDeviceOwnerID called %d times, want 1 (cached)", devices.calls.Load())
	}
}

func TestGetAccountIDEmptyOwnerIsError(t *testing.T) {
	server := newTokenServer(t, 3600, "r")
	defer server.Close()

	o := NewOAuth("id", "secret", server.URL, &fakeSecretStore{token: "r"}, &fakeDeviceLister{ownerID: ""})
	if _, err := o.GetAccountID(context.Background()); err == nil {
		t.Fatal("expected an error when the first device has no owner id")
	}
}

func TestAuthenticateFailsFastOnTokenError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	o := NewOAuth("id", "secret", server.URL, &fakeSecretStore{token: "r"}, &fakeDeviceLister{})
	if err := o.Authenticate(context.Background()); err == nil {
		t.Fatal("expected Authenticate to fail when the initial token fetch fails")
	}
}

func TestAuthenticateSucceedsAndResolvesAccountID(t *testing.T) {
	server := newTokenServer(t, 3600, "r")
	defer server.Close()

	devices := &fakeDeviceLister{ownerID: "owner-2"}
	o := NewOAuth("id", "secret", server.URL, &fakeSecretStore{token: "r"}, devices)

	if err := o.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if devices.calls.Load() != 1 {
		t.Errorf("expected device owner lookup once during Authenticate")
	}
}

func TestGetTokenWrapsSecretStoreLoadError(t *testing.T) {
	o := NewOAuth("id", "secret", "http://unused.invalid", &erroringSecretStore{}, &fakeDeviceLister{})
	if _, err := o.GetToken(); err == nil {
		t.Fatal("expected an error when loading the refresh token fails")
	}
}

type erroringSecretStore struct{}

func (erroringSecretStore) LoadRefreshToken() (string, error) {
	return "", context.DeadlineExceeded
}
func (erroringSecretStore) SaveRefreshToken(token string) error { return nil }
