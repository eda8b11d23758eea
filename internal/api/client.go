// Package api is the typed gateway to the backend REST API. It owns bearer
// attachment, the single 401-triggered retry, and normalization of the
// backend's loosely-shaped response envelopes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/example/pedalup/internal/auth"
)

const defaultLoginTTL = time.Hour

// Client wraps the backend HTTP API. The cookie jar matters: the refresh
// credential travels as a cookie set by login, the same way a browser
// client would carry it.
type Client struct {
	base string
	http *http.Client
	auth *auth.Manager
}

func NewClient(base string, mgr *auth.Manager) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second, Jar: jar},
		auth: mgr,
	}
}

type callOpts struct {
	noAuth  bool // login/signup/refresh never carry a bearer
	noRetry bool // the refresh call itself must not recurse into refresh
}

// do runs one JSON round trip. On a 401 it funnels through the manager's
// single-flight refresh and retries the original request exactly once; a
// failed refresh clears the token and yields ErrSessionInvalid.
func (c *Client) do(ctx context.Context, method, path string, body, out any, opts callOpts) error {
	status, raw, err := c.roundTrip(ctx, method, path, body, opts)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized && !opts.noRetry {
		if _, err := c.auth.Refresh(ctx, c.refreshCall); err != nil {
			c.auth.ClearToken()
			return fmt.Errorf("%w: %v", ErrSessionInvalid, err)
		}
		status, raw, err = c.roundTrip(ctx, method, path, body, opts)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return &APIError{Status: status, Message: extractMessage(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, opts callOpts) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if !opts.noAuth {
		if tok, ok := c.auth.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	return resp.StatusCode, raw, nil
}

// refreshCall rotates the token using the cookie-held refresh credential.
// Runs under the manager's single-flight guard.
func (c *Client) refreshCall(ctx context.Context) (string, time.Duration, error) {
	status, raw, err := c.roundTrip(ctx, http.MethodPost, "/auth/refresh", struct{}{}, callOpts{noAuth: true, noRetry: true})
	if err != nil {
		return "", 0, err
	}
	if status < 200 || status >= 300 {
		return "", 0, &APIError{Status: status, Message: extractMessage(raw)}
	}
	token := extractAccessToken(raw)
	if token == "" {
		return "", 0, fmt.Errorf("refresh response has no accessToken")
	}
	return token, defaultLoginTTL, nil
}

// extractMessage pulls the most specific human-readable error field out of
// a failure body, falling back through common envelope shapes.
func extractMessage(raw []byte) string {
	var env struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Data    struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		switch {
		case env.Message != "":
			return env.Message
		case env.Data.Message != "":
			return env.Data.Message
		case env.Error != "":
			return env.Error
		}
	}
	return ""
}

func extractAccessToken(raw []byte) string {
	var env struct {
		AccessToken string `json:"accessToken"`
		Data        struct {
			AccessToken string `json:"accessToken"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	if env.Data.AccessToken != "" {
		return env.Data.AccessToken
	}
	return env.AccessToken
}

// unwrap peels an optional {data: ...} envelope off a success body and
// returns the inner JSON. Lives here so callers never optional-chain their
// way through ambiguous shapes.
func unwrap(raw json.RawMessage) json.RawMessage {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		return env.Data
	}
	return raw
}
