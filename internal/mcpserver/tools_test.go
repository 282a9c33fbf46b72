package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alexjbarnes/plumesign/internal/anisette"
	"github.com/alexjbarnes/plumesign/internal/developer"
	"github.com/alexjbarnes/plumesign/internal/gsa"
	"github.com/alexjbarnes/plumesign/internal/gsa/gsatest"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var expiry = time.Date(2027, 5, 1, 10, 30, 0, 0, time.UTC)

type fixture struct {
	srv     *gsatest.Server
	session *mcp.ClientSession
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseHeaders() map[string]string {
	return map[string]string{
		"X-Apple-I-MD":       "bWQ=",
		"X-Apple-I-MD-M":     "bWRt",
		"X-Apple-I-MD-RINFO": "17106176",
		"X-Mme-Client-Info":  "<MacBookPro13,2> <macOS;13.1;22C65> <com.apple.AuthKit/1 (com.apple.akd/1.0)>",
	}
}

// testSetup authenticates against a simulated provider, registers tools
// on an MCP server, and returns a connected client session.
func testSetup(t *testing.T, defaultTeam string, teams ...gsatest.Team) *fixture {
	t.Helper()

	srv := gsatest.NewServer(t)
	srv.AddAccount(gsatest.Account{
		Username:  "user@example.com",
		Password:  "correct-password",
		DSID:      "000123-45-6789",
		IdmsToken: "idms-token",
	})

	for _, team := range teams {
		machine := "build-mac"
		srv.AddTeam(team,
			gsatest.Certificate{ID: "C1" + team.ID, Name: "Apple Development", SerialNumber: "AA" + team.ID, Status: "Issued", Expiration: expiry},
			gsatest.Certificate{ID: "C2" + team.ID, Name: "Apple Development", SerialNumber: "BB" + team.ID, Status: "Issued", Expiration: expiry, MachineName: machine, MachineID: "M1"},
		)
	}

	manager := anisette.NewManager(anisette.ProviderFunc(func(context.Context) (map[string]string, error) {
		return baseHeaders(), nil
	}), testLogger())

	ds, err := developer.Authenticate(context.Background(), developer.Deps{
		GSA:       gsa.NewClient(srv.Client(), srv.URL()),
		Identity:  manager,
		Developer: developer.NewClient(srv.Client(), srv.URL(), manager),
		Logger:    testLogger(),
	}, "user@example.com", "correct-password", nil)
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	server := mcp.NewServer(
		&mcp.Implementation{Name: "plumesign-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, ds, manager, defaultTeam)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err = server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return &fixture{srv: srv, session: session}
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest interface{}) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func personal() gsatest.Team {
	return gsatest.Team{ID: "TEAM000001", Name: "Personal", Type: "Individual", Status: "active"}
}

func company() gsatest.Team {
	return gsatest.Team{ID: "TEAM000002", Name: "Example Corp", Type: "Company/Organization", Status: "active"}
}

// --- tools ---

func TestRegisterTools_Names(t *testing.T) {
	f := testSetup(t, "")

	res, err := f.session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}

	assert.ElementsMatch(t, []string{"teams_list", "certificates_list", "certificate_revoke", "anisette_headers"}, names)
}

// --- teams_list ---

func TestTeamsList(t *testing.T) {
	f := testSetup(t, "", personal(), company())

	result := callTool(t, f.session, "teams_list", nil)
	assert.False(t, result.IsError)

	var out TeamsListResult
	extractJSON(t, result, &out)
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, "TEAM000001", out.Teams[0].ID)
	assert.Equal(t, "Example Corp", out.Teams[1].Name)
}

func TestTeamsList_Empty(t *testing.T) {
	f := testSetup(t, "")

	result := callTool(t, f.session, "teams_list", nil)
	assert.False(t, result.IsError)

	var out TeamsListResult
	extractJSON(t, result, &out)
	assert.Equal(t, 0, out.Total)
	assert.NotNil(t, out.Teams)
}

// --- certificates_list ---

func TestCertificatesList_SingleTeamResolved(t *testing.T) {
	f := testSetup(t, "", personal())

	result := callTool(t, f.session, "certificates_list", nil)
	assert.False(t, result.IsError)

	var out CertificatesListResult
	extractJSON(t, result, &out)
	assert.Equal(t, "TEAM000001", out.TeamID)
	require.Equal(t, 2, out.Total)
	assert.Equal(t, "AATEAM000001", out.Certificates[0].SerialNumber)
	assert.Equal(t, "2027-05-01T10:30:00Z", out.Certificates[0].ExpirationDate)
	assert.Empty(t, out.Certificates[0].MachineName)
	assert.Equal(t, "build-mac", out.Certificates[1].MachineName)
}

func TestCertificatesList_ExplicitTeam(t *testing.T) {
	f := testSetup(t, "", personal(), company())

	result := callTool(t, f.session, "certificates_list", map[string]interface{}{
		"team_id": "TEAM000002",
	})
	assert.False(t, result.IsError)

	var out CertificatesListResult
	extractJSON(t, result, &out)
	assert.Equal(t, "TEAM000002", out.TeamID)
	assert.Equal(t, "AATEAM000002", out.Certificates[0].SerialNumber)
}

func TestCertificatesList_DefaultTeam(t *testing.T) {
	f := testSetup(t, "TEAM000002", personal(), company())

	result := callTool(t, f.session, "certificates_list", nil)
	assert.False(t, result.IsError)

	var out CertificatesListResult
	extractJSON(t, result, &out)
	assert.Equal(t, "TEAM000002", out.TeamID)
}

func TestCertificatesList_AmbiguousTeam(t *testing.T) {
	f := testSetup(t, "", personal(), company())

	// Errors from ToolHandlerFor are returned as tool errors (IsError=true),
	// not protocol errors.
	result := callTool(t, f.session, "certificates_list", nil)
	assert.True(t, result.IsError)
	assert.Equal(t, 0, f.srv.Requests(gsatest.PathListCertificates))
}

// --- certificate_revoke ---

func TestCertificateRevoke(t *testing.T) {
	f := testSetup(t, "", personal())

	result := callTool(t, f.session, "certificate_revoke", map[string]interface{}{
		"serial_number": "AATEAM000001",
	})
	assert.False(t, result.IsError)

	var out CertificateRevokeResult
	extractJSON(t, result, &out)
	assert.Equal(t, "TEAM000001", out.TeamID)
	assert.Equal(t, "AATEAM000001", out.SerialNumber)
	assert.Equal(t, "Certificate revoked.", out.Message)

	assert.Len(t, f.srv.Certificates("TEAM000001"), 1)
}

func TestCertificateRevoke_UnknownSerial(t *testing.T) {
	f := testSetup(t, "", personal())

	result := callTool(t, f.session, "certificate_revoke", map[string]interface{}{
		"team_id":       "TEAM000001",
		"serial_number": "DEADBEEF",
	})
	assert.True(t, result.IsError)
	assert.Equal(t, 0, f.srv.Requests(gsatest.PathRevokeCertificate))
	assert.Len(t, f.srv.Certificates("TEAM000001"), 2)
}

func TestCertificateRevoke_BlankSerial(t *testing.T) {
	f := testSetup(t, "", personal())

	result := callTool(t, f.session, "certificate_revoke", map[string]interface{}{
		"serial_number": "   ",
	})
	assert.True(t, result.IsError)
	assert.Equal(t, 0, f.srv.Requests(gsatest.PathListCertificates))
}

// --- anisette_headers ---

func TestAnisetteHeaders(t *testing.T) {
	f := testSetup(t, "")

	result := callTool(t, f.session, "anisette_headers", map[string]interface{}{
		"cpd":         true,
		"client_info": true,
	})
	assert.False(t, result.IsError)

	var out AnisetteHeadersResult
	extractJSON(t, result, &out)

	headers := map[string]string{}
	for _, h := range out.Headers {
		headers[h.Name] = h.Value
	}

	assert.Equal(t, "bWQ=", headers["X-Apple-I-MD"])
	assert.Equal(t, "iCloud", headers["svct"])
	assert.Contains(t, headers["X-Mme-Client-Info"], "com.apple.dt.Xcode")
	assert.NotContains(t, headers, "X-Apple-App-Info")
	assert.NotEmpty(t, out.GeneratedAt)
	assert.GreaterOrEqual(t, out.AgeSeconds, 0)
}

type failingHeaders struct{}

func (failingHeaders) Current(context.Context) (*anisette.Data, error) {
	return nil, errors.New("anisette server unreachable")
}

func TestAnisetteHeaders_SourceFailure(t *testing.T) {
	server := mcp.NewServer(&mcp.Implementation{Name: "plumesign-mcp-test", Version: "test"}, nil)
	RegisterTools(server, nil, failingHeaders{}, "")

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	session, err := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil).Connect(ctx, t2, nil)
	require.NoError(t, err)
	defer session.Close()

	result := callTool(t, session, "anisette_headers", nil)
	assert.True(t, result.IsError)
}
