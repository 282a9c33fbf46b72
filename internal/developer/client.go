package developer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/alexjbarnes/plumesign/internal/envelope"
	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"github.com/alexjbarnes/plumesign/internal/gsa"
	"github.com/google/uuid"
	"howett.net/plist"
)

// DefaultBaseURL is the developer-services host.
const DefaultBaseURL = "https://developerservices2.apple.com"

const (
	servicesPath = "/services/QH65B2/"

	listTeamsAction        = "listTeams.action"
	listCertificatesAction = "ios/listAllDevelopmentCerts.action"
	revokeCertAction       = "ios/revokeDevelopmentCert.action"

	// clientID and protocolVersion identify the Xcode client.
	clientID        = "XABBG36SBA"
	protocolVersion = "QH65B2"

	// maxAPIResponseBytes caps response body reads.
	maxAPIResponseBytes = 1024 * 1024

	contentType = "text/x-xml-plist"
	userAgent   = "Xcode"
)

// userLocale is sent with every request.
var userLocale = []string{"en_US"}

// Credentials authorise a developer-services request.
type Credentials struct {
	DSID     string
	AppToken string
}

// Client posts QH65B2 actions. Every request carries a fresh identity
// header set from the configured source.
type Client struct {
	httpClient *http.Client
	baseURL    string
	identity   gsa.IdentityHeaders
}

// NewClient creates a developer-services client. A nil httpClient gets
// gsa.NewHTTPClient defaults; an empty baseURL means DefaultBaseURL.
func NewClient(httpClient *http.Client, baseURL string, identity gsa.IdentityHeaders) *Client {
	if httpClient == nil {
		httpClient = gsa.NewHTTPClient(0)
	}

	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		identity:   identity,
	}
}

// ListTeams returns every team the account belongs to.
func (c *Client) ListTeams(ctx context.Context, creds Credentials) ([]Team, error) {
	resp, err := c.post(ctx, listTeamsAction, creds, nil)
	if err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}

	dicts, ok := resp.Dicts("teams")
	if !ok {
		return nil, &apperrors.ParseError{Op: "list teams", Err: errors.New(`missing "teams" array`)}
	}

	teams := make([]Team, 0, len(dicts))
	for _, d := range dicts {
		teams = append(teams, Team{
			ID:     d.String("teamId"),
			Name:   d.String("name"),
			Type:   d.String("type"),
			Status: d.String("status"),
		})
	}

	return teams, nil
}

// ListCertificates returns the development certificates of a team.
func (c *Client) ListCertificates(ctx context.Context, creds Credentials, teamID string) ([]Certificate, error) {
	resp, err := c.post(ctx, listCertificatesAction, creds, map[string]any{"teamId": teamID})
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}

	dicts, ok := resp.Dicts("certificates")
	if !ok {
		return nil, &apperrors.ParseError{Op: "list certificates", Err: errors.New(`missing "certificates" array`)}
	}

	certs := make([]Certificate, 0, len(dicts))
	for _, d := range dicts {
		cert := Certificate{
			Name:          d.String("name"),
			CertificateID: d.String("certificateId"),
			SerialNumber:  d.String("serialNumber"),
			Status:        d.String("status"),
			MachineName:   optionalString(d, "machineName"),
			MachineID:     optionalString(d, "machineId"),
		}

		if t, ok := d.Time("expirationDate"); ok {
			cert.ExpirationDate = t
		}

		certs = append(certs, cert)
	}

	return certs, nil
}

// RevokeCertificate revokes the certificate with serial under team. It
// does not check that the serial exists; Session.RevokeCertificate does.
func (c *Client) RevokeCertificate(ctx context.Context, creds Credentials, teamID, serial string) (*RevokeResult, error) {
	resp, err := c.post(ctx, revokeCertAction, creds, map[string]any{
		"teamId":       teamID,
		"serialNumber": serial,
	})
	if err != nil {
		return nil, fmt.Errorf("revoking certificate: %w", err)
	}

	return &RevokeResult{
		SerialNumber: serial,
		ResultString: resp.String("resultString"),
		UserString:   resp.String("userString"),
	}, nil
}

func (c *Client) post(ctx context.Context, action string, creds Credentials, params map[string]any) (envelope.Dict, error) {
	op := strings.TrimSuffix(action, ".action")

	body := map[string]any{
		"clientId":        clientID,
		"protocolVersion": protocolVersion,
		"requestId":       strings.ToUpper(uuid.NewString()),
		"userLocale":      userLocale,
	}
	for k, v := range params {
		body[k] = v
	}

	payload, err := plist.Marshal(body, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s request: %w", op, err)
	}

	headers, err := c.identity.Headers(ctx, false, true, true)
	if err != nil {
		return nil, fmt.Errorf("generating identity headers: %w", err)
	}

	endpoint := c.baseURL + servicesPath + action + "?" + url.Values{"clientId": {clientID}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	req.Header.Set("Accept-Language", "en-us")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Apple-I-Identity-Id", creds.DSID)
	req.Header.Set("X-Apple-GS-Token", creds.AppToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperrors.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &apperrors.TransportError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	result, err := envelope.DecodeResult(resp.StatusCode, respBody)
	if err != nil && gsa.IsTransientStatus(resp.StatusCode) {
		return nil, &apperrors.TransportError{Op: op, Err: err}
	}

	return result, err
}

func optionalString(d envelope.Dict, key string) *string {
	s := d.String(key)
	if s == "" {
		return nil
	}

	return &s
}
