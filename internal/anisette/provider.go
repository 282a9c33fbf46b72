package anisette

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"github.com/alexjbarnes/plumesign/internal/gsa"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=provider.go -destination=mock_provider_test.go -package=anisette

// DefaultServerURL is the public anisette server used when none is set.
const DefaultServerURL = "https://ani.sidestore.io"

// maxResponseBytes caps anisette server response reads.
const maxResponseBytes = 1024 * 1024

// Provider produces a fresh base header set. Implementations talk to an
// anisette server or a local identity library.
type Provider interface {
	BaseHeaders(ctx context.Context) (map[string]string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (map[string]string, error)

// BaseHeaders calls f.
func (f ProviderFunc) BaseHeaders(ctx context.Context) (map[string]string, error) {
	return f(ctx)
}

// requiredHeaders must be present in every base set.
var requiredHeaders = []string{"X-Apple-I-MD", "X-Apple-I-MD-M"}

// RemoteV1Provider fetches a ready-made header set from a v1 anisette
// server, which answers a plain GET with a flat JSON object.
type RemoteV1Provider struct {
	url        string
	httpClient *http.Client
}

// NewRemoteV1Provider creates a v1 provider for url.
func NewRemoteV1Provider(url string, httpClient *http.Client) *RemoteV1Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &RemoteV1Provider{url: url, httpClient: httpClient}
}

// BaseHeaders implements Provider.
func (p *RemoteV1Provider) BaseHeaders(ctx context.Context) (map[string]string, error) {
	body, err := getBody(ctx, p.httpClient, p.url, "anisette v1 headers")
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, parseError("anisette v1 headers", "response is not JSON")
	}

	headers := map[string]string{}

	gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.String {
			headers[key.String()] = value.String()
		}

		return true
	})

	if err := checkRequired(headers, "anisette v1 headers"); err != nil {
		return nil, err
	}

	return headers, nil
}

func checkRequired(headers map[string]string, op string) error {
	for _, name := range requiredHeaders {
		if headers[name] == "" {
			return &apperrors.ParseError{Op: op, Err: fmt.Errorf("missing %s", name)}
		}
	}

	return nil
}

// getBody performs a GET and returns the capped body of a 2xx response.
func getBody(ctx context.Context, client *http.Client, url, op string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	return doRequest(client, req, op)
}

func doRequest(client *http.Client, req *http.Request, op string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &apperrors.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &apperrors.TransportError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(truncate(body, 256))))
		if gsa.IsTransientStatus(resp.StatusCode) {
			return nil, &apperrors.TransportError{Op: op, Err: statusErr}
		}

		return nil, &apperrors.ParseError{Op: op, Err: statusErr}
	}

	return body, nil
}

func parseError(op, msg string) error {
	return &apperrors.ParseError{Op: op, Err: errors.New(msg)}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}

	return b
}
