package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbocsi/deviceio/proto"
)

const (
	AuthHeader = "PPCAuthorization"
	authScheme = "esp token="

	// pollGrace is added to the server-side long-poll timeout so the server
	// always answers before the client gives up.
	pollGrace = 15 * time.Second
)

// AuthValue formats a token for the AuthHeader.
func AuthValue(token string) string {
	return authScheme + token
}

// TokenFromAuth extracts the token from an AuthHeader value.
func TokenFromAuth(value string) (string, bool) {
	if !strings.HasPrefix(value, authScheme) {
		return "", false
	}
	return strings.TrimPrefix(value, authScheme), true
}

// HTTPTransport talks to the deviceio service over HTTP(S).
type HTTPTransport struct {
	base       string
	httpClient *http.Client // bounded by the request timeout
	pollClient *http.Client // no client timeout; each poll carries its own deadline
}

func NewHTTPTransport(baseURL string, requestTimeout time.Duration) *HTTPTransport {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &HTTPTransport{
		base:       strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		pollClient: &http.Client{},
	}
}

func (t *HTTPTransport) Post(ctx context.Context, env proto.Envelope, token string) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/mljson", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, token)

	slog.Debug("HTTP POST", "seq", env.Seq, "size", len(data))
	return t.do(t.httpClient, req)
}

func (t *HTTPTransport) Poll(ctx context.Context, proxyID string, timeout time.Duration, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+pollGrace)
	defer cancel()

	q := url.Values{}
	q.Set("id", proxyID)
	q.Set("timeout", strconv.Itoa(int(timeout/time.Second)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/mljson?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, token)

	return t.do(t.pollClient, req)
}

func (t *HTTPTransport) Watch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/watch", nil)
	if err != nil {
		return nil, err
	}
	return t.do(t.httpClient, req)
}

func (t *HTTPTransport) do(c *http.Client, req *http.Request) ([]byte, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Method: req.Method, URL: req.URL.Path, Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func setAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set(AuthHeader, AuthValue(token))
	}
}
