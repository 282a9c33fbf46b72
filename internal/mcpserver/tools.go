// Package mcpserver registers MCP tools that expose team, certificate and
// identity-header operations. It adapts an authenticated developer session
// to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alexjbarnes/plumesign/internal/anisette"
	"github.com/alexjbarnes/plumesign/internal/developer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Session is the part of developer.Session the tools use.
type Session interface {
	ListTeams(ctx context.Context) ([]developer.Team, error)
	ResolveTeam(ctx context.Context, explicit string) (string, error)
	ListCertificates(ctx context.Context, teamID string) ([]developer.Certificate, error)
	RevokeCertificate(ctx context.Context, teamID, serial string) (*developer.RevokeResult, error)
}

// HeaderSource yields the current identity snapshot.
type HeaderSource interface {
	Current(ctx context.Context) (*anisette.Data, error)
}

// RegisterTools adds all tools to the given MCP server. defaultTeam is
// used when a call names no team; it may be empty.
func RegisterTools(server *mcp.Server, s Session, headers HeaderSource, defaultTeam string) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "teams_list",
		Description: "List the developer teams the signed-in account belongs to, with id, name, type and status.",
	}, teamsListHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "certificates_list",
		Description: "List the development certificates of a team. Uses the configured team, or the only team, when team_id is omitted.",
	}, certificatesListHandler(s, defaultTeam))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "certificate_revoke",
		Description: "Revoke a development certificate by serial number. The serial must appear in the team's current listing; unknown serials are rejected without contacting the server.",
	}, certificateRevokeHandler(s, defaultTeam))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "anisette_headers",
		Description: "Show the device-identity headers that would accompany the next request, for diagnostics.",
	}, anisetteHeadersHandler(headers))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// TeamsListInput has no parameters.
type TeamsListInput struct{}

// CertificatesListInput holds parameters for certificates_list.
type CertificatesListInput struct {
	TeamID string `json:"team_id,omitempty" jsonschema:"team id, defaults to the configured or only team"`
}

// CertificateRevokeInput holds parameters for certificate_revoke.
type CertificateRevokeInput struct {
	TeamID       string `json:"team_id,omitempty" jsonschema:"team id, defaults to the configured or only team"`
	SerialNumber string `json:"serial_number" jsonschema:"serial number of the certificate to revoke"`
}

// AnisetteHeadersInput holds parameters for anisette_headers.
type AnisetteHeadersInput struct {
	CPD        bool `json:"cpd,omitempty" jsonschema:"include the client-provided-data headers"`
	ClientInfo bool `json:"client_info,omitempty" jsonschema:"rewrite X-Mme-Client-Info to the Xcode identity"`
	AppInfo    bool `json:"app_info,omitempty" jsonschema:"include the Xcode app-info headers"`
}

// --- Output types ---

// TeamsListResult is the output of teams_list.
type TeamsListResult struct {
	Total int              `json:"total"`
	Teams []developer.Team `json:"teams"`
}

// CertificateEntry is one certificate in a listing. Dates are RFC 3339.
type CertificateEntry struct {
	Name           string `json:"name"`
	CertificateID  string `json:"certificate_id"`
	SerialNumber   string `json:"serial_number"`
	Status         string `json:"status,omitempty"`
	ExpirationDate string `json:"expiration_date,omitempty"`
	MachineName    string `json:"machine_name,omitempty"`
}

// CertificatesListResult is the output of certificates_list.
type CertificatesListResult struct {
	TeamID       string             `json:"team_id"`
	Total        int                `json:"total"`
	Certificates []CertificateEntry `json:"certificates"`
}

// CertificateRevokeResult is the output of certificate_revoke.
type CertificateRevokeResult struct {
	TeamID       string `json:"team_id"`
	SerialNumber string `json:"serial_number"`
	Message      string `json:"message,omitempty"`
}

// HeaderEntry is a single header name and value.
type HeaderEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AnisetteHeadersResult is the output of anisette_headers.
type AnisetteHeadersResult struct {
	GeneratedAt string        `json:"generated_at"`
	AgeSeconds  int           `json:"age_seconds"`
	Headers     []HeaderEntry `json:"headers"`
}

// --- Handlers ---

func teamsListHandler(s Session) mcp.ToolHandlerFor[TeamsListInput, *TeamsListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ TeamsListInput) (*mcp.CallToolResult, *TeamsListResult, error) {
		teams, err := s.ListTeams(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &TeamsListResult{Total: len(teams), Teams: teams}
		if result.Teams == nil {
			result.Teams = []developer.Team{}
		}

		return textResult(result), result, nil
	}
}

func certificatesListHandler(s Session, defaultTeam string) mcp.ToolHandlerFor[CertificatesListInput, *CertificatesListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CertificatesListInput) (*mcp.CallToolResult, *CertificatesListResult, error) {
		teamID, err := resolveTeam(ctx, s, input.TeamID, defaultTeam)
		if err != nil {
			return nil, nil, err
		}

		certs, err := s.ListCertificates(ctx, teamID)
		if err != nil {
			return nil, nil, err
		}

		result := &CertificatesListResult{
			TeamID:       teamID,
			Total:        len(certs),
			Certificates: make([]CertificateEntry, 0, len(certs)),
		}

		for _, c := range certs {
			result.Certificates = append(result.Certificates, certificateEntry(c))
		}

		return textResult(result), result, nil
	}
}

func certificateRevokeHandler(s Session, defaultTeam string) mcp.ToolHandlerFor[CertificateRevokeInput, *CertificateRevokeResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CertificateRevokeInput) (*mcp.CallToolResult, *CertificateRevokeResult, error) {
		serial := strings.TrimSpace(input.SerialNumber)
		if serial == "" {
			return nil, nil, errors.New("serial_number is required")
		}

		teamID, err := resolveTeam(ctx, s, input.TeamID, defaultTeam)
		if err != nil {
			return nil, nil, err
		}

		revoked, err := s.RevokeCertificate(ctx, teamID, serial)
		if err != nil {
			return nil, nil, err
		}

		result := &CertificateRevokeResult{
			TeamID:       teamID,
			SerialNumber: serial,
			Message:      revoked.Message(),
		}

		return textResult(result), result, nil
	}
}

func anisetteHeadersHandler(h HeaderSource) mcp.ToolHandlerFor[AnisetteHeadersInput, *AnisetteHeadersResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input AnisetteHeadersInput) (*mcp.CallToolResult, *AnisetteHeadersResult, error) {
		d, err := h.Current(ctx)
		if err != nil {
			return nil, nil, err
		}

		headers, err := d.Generate(input.CPD, input.ClientInfo, input.AppInfo)
		if err != nil {
			return nil, nil, err
		}

		names := make([]string, 0, len(headers))
		for name := range headers {
			names = append(names, name)
		}

		sort.Strings(names)

		result := &AnisetteHeadersResult{
			GeneratedAt: d.GeneratedAt().UTC().Format(time.RFC3339),
			AgeSeconds:  int(d.Age().Seconds()),
			Headers:     make([]HeaderEntry, 0, len(names)),
		}

		for _, name := range names {
			result.Headers = append(result.Headers, HeaderEntry{Name: name, Value: headers[name]})
		}

		return textResult(result), result, nil
	}
}

// resolveTeam prefers the call's team, then the configured team, then
// whatever the session resolves on its own.
func resolveTeam(ctx context.Context, s Session, requested, defaultTeam string) (string, error) {
	if requested = strings.TrimSpace(requested); requested != "" {
		return requested, nil
	}

	return s.ResolveTeam(ctx, defaultTeam)
}

func certificateEntry(c developer.Certificate) CertificateEntry {
	e := CertificateEntry{
		Name:          c.Name,
		CertificateID: c.CertificateID,
		SerialNumber:  c.SerialNumber,
		Status:        c.Status,
	}

	if !c.ExpirationDate.IsZero() {
		e.ExpirationDate = c.ExpirationDate.UTC().Format(time.RFC3339)
	}

	if c.MachineName != nil {
		e.MachineName = *c.MachineName
	}

	return e
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
