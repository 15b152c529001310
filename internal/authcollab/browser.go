package authcollab

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
)

// AuthCodeResult is returned from the OAuth callback, same shape as the
// teacher's internal/auth.AuthCodeResult.
type AuthCodeResult struct {
	Code string
	Err  error
}

// BuildAuthURL constructs the vendor OAuth2 authorization URL. authBaseURL
// and scope are supplied by the caller rather than hardcoded, since this
// collaborator is no longer tied to one cloud vendor.
func BuildAuthURL(authBaseURL, clientID, redirectURI, scope string) string {
	params := url.Values{
		"redirect_uri":  {redirectURI},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
		"client_id":     {clientID},
		"response_type": {"code"},
		"scope":         {scope},
	}
	return fmt.Sprintf("%s?%s", authBaseURL, params.Encode())
}

// BrowserFlow starts a local HTTP server, opens the browser for OAuth, and
// waits for the callback with the auth code. Adapted from the teacher's
// internal/auth.BrowserFlow, generalised to a caller-supplied port and
// auth URL.
func BrowserFlow(ctx context.Context, authURL string, port int) (code, redirectURI string, err error) {
	addr := fmt.Sprintf("localhost:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", "", fmt.Errorf("authcollab: listen on %s (is another instance running?): %w", addr, err)
	}
	defer listener.Close()

	redirectURI = fmt.Sprintf("http://localhost:%d/callback", port)
	resultCh := make(chan AuthCodeResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			msg := r.URL.Query().Get("error")
			if msg == "" {
				msg = "no code in callback"
			}
			resultCh <- AuthCodeResult{Err: fmt.Errorf("oauth error: %s", msg)}
			fmt.Fprint(w, "<html><body><h1>Authentication failed</h1></body></html>")
			return
		}
		resultCh <- AuthCodeResult{Code: code}
		fmt.Fprint(w, "<html><body><h1>Authentication successful!</h1></body></html>")
	})

	server := &http.Server{Handler: mux}
	go func() { _ = server.Serve(listener) }()
	defer server.Shutdown(ctx)

	fmt.Println("Opening browser for authentication...")
	if err := openBrowser(authURL); err != nil {
		fmt.Printf("Could not open browser. Please visit:\n%s\n", authURL)
	}

	select {
	case result := <-resultCh:
		return result.Code, redirectURI, result.Err
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

// ManualFlow prints the auth URL and prompts the user to paste the
// redirect URL, for headless hosts where BrowserFlow can't run.
func ManualFlow(authURL string, readLine func() (string, error)) (code string, err error) {
	fmt.Printf("Visit this URL in your browser:\n\n%s\n\nAfter authorizing, paste the full redirect URL here: ", authURL)

	redirectURL, err := readLine()
	if err != nil {
		return "", fmt.Errorf("authcollab: reading input: %w", err)
	}

	parsed, err := url.Parse(strings.TrimSpace(redirectURL))
	if err != nil {
		return "", fmt.Errorf("authcollab: invalid URL: %w", err)
	}

	code = parsed.Query().Get("code")
	if code == "" {
		return "", fmt.Errorf("authcollab: no code parameter found in URL")
	}
	return code, nil
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("authcollab: unsupported platform %s", runtime.GOOS)
	}
	return cmd.Start()
}
