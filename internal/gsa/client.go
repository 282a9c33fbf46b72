package gsa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/plumesign/internal/envelope"
	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"howett.net/plist"
)

// DefaultBaseURL is the Grand Slam authentication host.
const DefaultBaseURL = "https://gsa.apple.com"

const (
	gsServicePath = "/grandslam/GsService2"
	lookupPath    = "/grandslam/GsService2/lookup"

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	// protocolVersion is sent in the Header of every GsService2 request.
	protocolVersion = "1.0.1"

	userAgent   = "akd/1.0 CFNetwork/978.0.7 Darwin/18.7.0"
	contentType = "text/x-xml-plist"
)

// Client talks to the Grand Slam service. It only moves bytes and
// decodes envelopes; the handshake lives in Authenticator.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so identity headers never leak to
// a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns the http.Client used when callers pass nil:
// bounded timeout and same-host redirects only.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = httpClientTimeout
	}

	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates a Grand Slam client. A nil httpClient gets the
// defaults from NewHTTPClient; an empty baseURL means DefaultBaseURL.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}

	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the host the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends req and returns the status and a capped body. Network
// failures come back as *TransportError.
func (c *Client) do(req *http.Request, op string) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &apperrors.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return 0, nil, &apperrors.TransportError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	return resp.StatusCode, body, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string, headers map[string]string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// Service posts one GsService2 operation. request becomes the "Request"
// dictionary of the envelope; the decoded "Response" is returned.
func (c *Client) Service(ctx context.Context, headers map[string]string, request map[string]any) (envelope.Dict, error) {
	op, _ := request["o"].(string)

	body, err := plist.Marshal(map[string]any{
		"Header":  map[string]any{"Version": protocolVersion},
		"Request": request,
	}, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s request: %w", op, err)
	}

	return c.postPlist(ctx, c.baseURL+gsServicePath, "GsService2 "+op, headers, body)
}

// Provision posts a provisioning request to an absolute URL taken from
// the URL bag. The request envelope carries an empty Header.
func (c *Client) Provision(ctx context.Context, url string, headers map[string]string, request map[string]any) (envelope.Dict, error) {
	body, err := plist.Marshal(map[string]any{
		"Header":  map[string]any{},
		"Request": request,
	}, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("marshalling provisioning request: %w", err)
	}

	return c.postPlist(ctx, url, "provisioning", headers, body)
}

func (c *Client) postPlist(ctx context.Context, url, op string, headers map[string]string, body []byte) (envelope.Dict, error) {
	req, err := c.newRequest(ctx, http.MethodPost, url, headers, body)
	if err != nil {
		return nil, err
	}

	setDefault(req, "Content-Type", contentType)
	setDefault(req, "Accept", "*/*")
	setDefault(req, "User-Agent", userAgent)

	status, respBody, err := c.do(req, op)
	if err != nil {
		return nil, err
	}

	resp, err := envelope.Decode(status, respBody)
	if err != nil && IsTransientStatus(status) {
		return nil, &apperrors.TransportError{Op: op, Err: err}
	}

	return resp, err
}

// URLBag fetches the service URL bag (GsService2/lookup). Its root
// dictionary carries a "urls" map of endpoint names to URLs.
func (c *Client) URLBag(ctx context.Context, headers map[string]string) (map[string]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+lookupPath, headers, nil)
	if err != nil {
		return nil, err
	}

	setDefault(req, "User-Agent", userAgent)

	status, body, err := c.do(req, "GsService2 lookup")
	if err != nil {
		return nil, err
	}

	if err := checkStatus("GsService2 lookup", status, body); err != nil {
		return nil, err
	}

	root, err := envelope.Parse(body)
	if err != nil {
		return nil, err
	}

	urls, ok := root.Dict("urls")
	if !ok {
		return nil, &apperrors.ParseError{Op: "url bag", Err: errors.New(`missing "urls" dictionary`)}
	}

	out := make(map[string]string, len(urls))
	for k := range urls {
		if s := urls.String(k); s != "" {
			out[k] = s
		}
	}

	return out, nil
}

// get issues a GET relative to the base URL and returns status and body.
func (c *Client) get(ctx context.Context, path, op string, headers map[string]string) (int, []byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+path, headers, nil)
	if err != nil {
		return 0, nil, err
	}

	return c.do(req, op)
}

// sendJSON issues a JSON request relative to the base URL.
func (c *Client) sendJSON(ctx context.Context, method, path, op string, headers map[string]string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshalling %s body: %w", op, err)
	}

	req, err := c.newRequest(ctx, method, c.baseURL+path, headers, body)
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req, op)
}

func setDefault(req *http.Request, key, value string) {
	if req.Header.Get(key) == "" {
		req.Header.Set(key, value)
	}
}

// IsTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
