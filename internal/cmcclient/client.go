// Package cmcclient talks HTTPS to CMC devices.
//
// Devices usually ship self-signed certificates, so the client built here skips
// certificate verification. That relaxation lives on this client's own
// transport and is never applied to http.DefaultTransport.
package cmcclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// AuthPath is the device endpoint that exchanges credentials for an access token.
const AuthPath = "/api/auth/token"

const maxBodyBytes = 8 << 20

type Options struct {
	// Timeout bounds each device round trip, including redirects and body read.
	Timeout      time.Duration
	MaxRedirects int
	// Transport replaces the built-in device transport. Tests use it.
	Transport http.RoundTripper
}

type Client struct {
	log  zerolog.Logger
	http *http.Client
}

// Response is a device reply with its body already decoded.
type Response struct {
	Status      int
	ContentType string
	Body        any
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

func New(log zerolog.Logger, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 5
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // CMCs ship self-signed certs
			},
			TLSHandshakeTimeout: 5 * time.Second,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &Client{
		log: log,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// NormalizeAddress upgrades a leading http:// to https:// and drops trailing slashes.
func NormalizeAddress(address string) string {
	a := strings.TrimSpace(address)
	if len(a) >= len("http://") && strings.EqualFold(a[:len("http://")], "http://") {
		a = "https://" + a[len("http://"):]
	}
	return strings.TrimRight(a, "/")
}

func buildURL(address, endpoint string) (string, error) {
	base := NormalizeAddress(address)
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", Validationf("invalid device address %q", address)
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return base + endpoint, nil
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	AccessToken string `json:"accessToken"`
}

// Authenticate exchanges device credentials for an access token. It does not
// touch any cache; storing the token is the caller's job.
func (c *Client) Authenticate(ctx context.Context, address, username, password string) (string, error) {
	target, err := buildURL(address, AuthPath)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(authRequest{Username: username, Password: password})
	if err != nil {
		return "", &Error{Kind: KindValidation, Message: "encode credentials", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return "", Validationf("build auth request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.log.Debug().Str("url", target).Msg("device authentication")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", networkError("device authentication", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", networkError("read device auth response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn().Str("url", target).Int("status", resp.StatusCode).Msg("device authentication rejected")
		return "", &Error{
			Kind:    KindAuth,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("device authentication failed: %d %s", resp.StatusCode, strings.TrimSpace(string(raw))),
			Body:    map[string]any{"response": string(raw)},
		}
	}

	var ar authResponse
	if err := json.Unmarshal(raw, &ar); err != nil || ar.AccessToken == "" {
		return "", &Error{
			Kind:    KindAuth,
			Status:  resp.StatusCode,
			Message: "no access token in device auth response",
			Err:     err,
		}
	}

	return ar.AccessToken, nil
}

// Forward performs one device request with the given bearer token. Only transport
// failures and undecodable JSON are returned as errors; any HTTP status comes back
// in the Response for the caller to judge.
func (c *Client) Forward(ctx context.Context, address, endpoint, method string, body any, bearer string) (*Response, error) {
	target, err := buildURL(address, endpoint)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, Validationf("encode request body: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, reader)
	if err != nil {
		return nil, Validationf("build device request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	c.log.Debug().Str("method", req.Method).Str("url", target).Msg("device request")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, networkError("device request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, networkError("read device response", err)
	}

	ct := resp.Header.Get("Content-Type")
	decoded, err := decodeBody(ct, raw)
	if err != nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		// The status decides what happens next; a bad error body must not hide a 401.
		return &Response{Status: resp.StatusCode, ContentType: ct, Body: map[string]any{"response": string(raw)}}, nil
	}
	if err != nil {
		return nil, &Error{
			Kind:    KindInvalidResponse,
			Status:  resp.StatusCode,
			Message: "device returned malformed JSON",
			Body:    map[string]any{"response": string(raw)},
			Err:     err,
		}
	}

	return &Response{Status: resp.StatusCode, ContentType: ct, Body: decoded}, nil
}

// decodeBody decodes JSON bodies and wraps anything else as {"response": text}.
func decodeBody(contentType string, raw []byte) (any, error) {
	if !strings.Contains(strings.ToLower(contentType), "application/json") {
		return map[string]any{"response": string(raw)}, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func networkError(op string, err error) *Error {
	var nerr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout())
	msg := op + " failed"
	if timeout {
		msg = op + " timed out"
	}
	return &Error{Kind: KindNetwork, Message: msg, Timeout: timeout, Err: err}
}

// IsTimeout reports whether err is a device network failure caused by a timeout.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNetwork && e.Timeout
}
