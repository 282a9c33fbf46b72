package anisette

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/plumesign/internal/gsa"
	"github.com/alexjbarnes/plumesign/internal/state"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=v3.go -destination=mock_wsconn_test.go -package=anisette -mock_names=wsConn=MockWSConn

// ErrProvisioningFailed is returned when the anisette server reports a
// failed provisioning session.
var ErrProvisioningFailed = errors.New("anisette provisioning failed")

const (
	clientInfoPath   = "/v3/client_info"
	getHeadersPath   = "/v3/get_headers"
	provisioningPath = "/v3/provisioning_session"

	// identifierLen is the size of a device identifier.
	identifierLen = 16

	// wsReadLimit bounds a single provisioning message.
	wsReadLimit = 1 << 20
)

// wsConn abstracts the provisioning WebSocket so the session can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// IdentityStore persists provisioned device identities.
type IdentityStore interface {
	AnisetteIdentity(serverURL string) (*state.AnisetteIdentity, error)
	SetAnisetteIdentity(id state.AnisetteIdentity) error
	DeleteAnisetteIdentity(serverURL string) error
}

type clientInfo struct {
	clientInfo string
	userAgent  string
}

// RemoteV3Provider derives headers from a v3 anisette server. On first
// use it provisions a device identity by relaying the server's
// provisioning session to Apple; later calls only exchange the stored
// identity for headers.
type RemoteV3Provider struct {
	baseURL    string
	httpClient *http.Client
	gsa        *gsa.Client
	store      IdentityStore
	locale     string
	logger     *slog.Logger
	now        func() time.Time
	dial       func(ctx context.Context, url string) (wsConn, error)

	mu       sync.Mutex
	info     *clientInfo
	identity *state.AnisetteIdentity
}

// V3Option configures a RemoteV3Provider.
type V3Option func(*RemoteV3Provider)

// WithIdentityStore persists the provisioned identity across runs.
func WithIdentityStore(store IdentityStore) V3Option {
	return func(p *RemoteV3Provider) { p.store = store }
}

// WithV3Locale sets the provider-format locale for X-Apple-Locale.
func WithV3Locale(locale string) V3Option {
	return func(p *RemoteV3Provider) { p.locale = locale }
}

// WithV3Clock overrides the clock used for X-Apple-I-Client-Time.
func WithV3Clock(now func() time.Time) V3Option {
	return func(p *RemoteV3Provider) { p.now = now }
}

// NewRemoteV3Provider creates a v3 provider. gsaClient is used for the
// URL bag and the provisioning requests relayed to Apple.
func NewRemoteV3Provider(baseURL string, httpClient *http.Client, gsaClient *gsa.Client, logger *slog.Logger, opts ...V3Option) *RemoteV3Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	p := &RemoteV3Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		gsa:        gsaClient,
		locale:     DefaultLocale,
		logger:     logger.With(slog.String("component", "anisette-v3")),
		now:        time.Now,
	}

	p.dial = func(ctx context.Context, url string) (wsConn, error) {
		conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
		if err != nil {
			return nil, fmt.Errorf("dialing provisioning session: %w", err)
		}

		return conn, nil
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// BaseHeaders implements Provider.
func (p *RemoteV3Provider) BaseHeaders(ctx context.Context) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := p.clientInfo(ctx)
	if err != nil {
		return nil, err
	}

	id, err := p.loadIdentity(ctx, info)
	if err != nil {
		return nil, err
	}

	md, err := p.getHeaders(ctx, id)
	if errors.Is(err, ErrProvisioningFailed) {
		// The server no longer recognises the stored identity.
		p.logger.Warn("stored identity rejected, provisioning again", slog.String("error", err.Error()))

		if err := p.forget(); err != nil {
			return nil, err
		}

		if id, err = p.loadIdentity(ctx, info); err != nil {
			return nil, err
		}

		md, err = p.getHeaders(ctx, id)
	}

	if err != nil {
		return nil, err
	}

	headers := p.deviceHeaders(info, id)
	for k, v := range md {
		headers[k] = v
	}

	return headers, nil
}

func (p *RemoteV3Provider) clientInfo(ctx context.Context) (*clientInfo, error) {
	if p.info != nil {
		return p.info, nil
	}

	body, err := getBody(ctx, p.httpClient, p.baseURL+clientInfoPath, "anisette client info")
	if err != nil {
		return nil, err
	}

	info := &clientInfo{
		clientInfo: gjson.GetBytes(body, "client_info").String(),
		userAgent:  gjson.GetBytes(body, "user_agent").String(),
	}

	if info.clientInfo == "" {
		return nil, parseError("anisette client info", "missing client_info")
	}

	p.info = info

	return info, nil
}

func (p *RemoteV3Provider) loadIdentity(ctx context.Context, info *clientInfo) (*state.AnisetteIdentity, error) {
	if p.identity != nil {
		return p.identity, nil
	}

	if p.store != nil {
		id, err := p.store.AnisetteIdentity(p.baseURL)
		if err != nil {
			return nil, err
		}

		if id != nil && id.Identifier != "" && id.ADIPb != "" {
			p.identity = id
			return id, nil
		}
	}

	id, err := p.provision(ctx, info)
	if err != nil {
		return nil, err
	}

	if p.store != nil {
		if err := p.store.SetAnisetteIdentity(*id); err != nil {
			return nil, err
		}
	}

	p.identity = id

	return id, nil
}

func (p *RemoteV3Provider) forget() error {
	p.identity = nil

	if p.store != nil {
		return p.store.DeleteAnisetteIdentity(p.baseURL)
	}

	return nil
}

// provision runs the provisioning session: the server drives the
// exchange and this side relays start and end data to Apple.
func (p *RemoteV3Provider) provision(ctx context.Context, info *clientInfo) (*state.AnisetteIdentity, error) {
	raw := make([]byte, identifierLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating identifier: %w", err)
	}

	id := &state.AnisetteIdentity{
		ServerURL:  p.baseURL,
		Identifier: base64.StdEncoding.EncodeToString(raw),
		DeviceID:   strings.ToUpper(uuid.NewString()),
	}

	conn, err := p.dial(ctx, wsURL(p.baseURL)+provisioningPath)
	if err != nil {
		return nil, err
	}

	adiPb, err := p.runProvisioning(ctx, conn, info, id)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "provisioning failed")
		return nil, err
	}

	conn.Close(websocket.StatusNormalClosure, "done")

	id.ADIPb = adiPb
	id.ProvisionedAt = p.now().Unix()

	p.logger.Info("device identity provisioned", slog.String("device_id", id.DeviceID))

	return id, nil
}

func (p *RemoteV3Provider) runProvisioning(ctx context.Context, conn wsConn, info *clientInfo, id *state.AnisetteIdentity) (string, error) {
	conn.SetReadLimit(wsReadLimit)

	headers := p.provisioningHeaders(info, id)

	var urls map[string]string

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("reading provisioning message: %w", err)
		}

		result := gjson.GetBytes(msg, "result").String()
		p.logger.Debug("provisioning message", slog.String("result", result))

		switch result {
		case "GiveIdentifier":
			if err := writeJSON(ctx, conn, map[string]string{"identifier": id.Identifier}); err != nil {
				return "", err
			}

		case "GiveStartProvisioningData":
			if urls == nil {
				if urls, err = p.gsa.URLBag(ctx, headers); err != nil {
					return "", fmt.Errorf("fetching url bag: %w", err)
				}
			}

			resp, err := p.gsa.Provision(ctx, urls["midStartProvisioning"], headers, map[string]any{})
			if err != nil {
				return "", fmt.Errorf("start provisioning: %w", err)
			}

			if err := writeJSON(ctx, conn, map[string]string{"spim": resp.String("spim")}); err != nil {
				return "", err
			}

		case "GiveEndProvisioningData":
			if urls == nil {
				return "", parseError("provisioning session", "end data requested before start")
			}

			cpim := gjson.GetBytes(msg, "cpim").String()

			resp, err := p.gsa.Provision(ctx, urls["midFinishProvisioning"], headers, map[string]any{"cpim": cpim})
			if err != nil {
				return "", fmt.Errorf("finish provisioning: %w", err)
			}

			if err := writeJSON(ctx, conn, map[string]string{"ptm": resp.String("ptm"), "tk": resp.String("tk")}); err != nil {
				return "", err
			}

		case "ProvisioningSuccess":
			adiPb := gjson.GetBytes(msg, "adi_pb").String()
			if adiPb == "" {
				return "", parseError("provisioning session", "missing adi_pb")
			}

			return adiPb, nil

		default:
			msgText := gjson.GetBytes(msg, "message").String()
			if msgText == "" {
				msgText = result
			}

			return "", fmt.Errorf("%w: %s", ErrProvisioningFailed, msgText)
		}
	}
}

func (p *RemoteV3Provider) getHeaders(ctx context.Context, id *state.AnisetteIdentity) (map[string]string, error) {
	payload, err := json.Marshal(map[string]string{
		"identifier": id.Identifier,
		"adi_pb":     id.ADIPb,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling header request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+getHeadersPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	body, err := doRequest(p.httpClient, req, "anisette v3 headers")
	if err != nil {
		return nil, err
	}

	if result := gjson.GetBytes(body, "result").String(); result != "Headers" {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = result
		}

		return nil, fmt.Errorf("%w: %s", ErrProvisioningFailed, msg)
	}

	headers := map[string]string{
		"X-Apple-I-MD":       gjson.GetBytes(body, "X-Apple-I-MD").String(),
		"X-Apple-I-MD-M":     gjson.GetBytes(body, "X-Apple-I-MD-M").String(),
		"X-Apple-I-MD-RINFO": gjson.GetBytes(body, "X-Apple-I-MD-RINFO").String(),
	}

	if err := checkRequired(headers, "anisette v3 headers"); err != nil {
		return nil, err
	}

	return headers, nil
}

// deviceHeaders are the locally composed parts of the header set.
func (p *RemoteV3Provider) deviceHeaders(info *clientInfo, id *state.AnisetteIdentity) map[string]string {
	now := p.now()

	return map[string]string{
		"X-Apple-I-MD-LU":       localUserID(id.Identifier),
		"X-Apple-I-SRL-NO":      "0",
		"X-Mme-Client-Info":     info.clientInfo,
		"X-Mme-Device-Id":       id.DeviceID,
		"X-Apple-I-Client-Time": clientTime(now),
		"X-Apple-I-TimeZone":    timeZone(now),
		"X-Apple-Locale":        p.locale,
	}
}

func (p *RemoteV3Provider) provisioningHeaders(info *clientInfo, id *state.AnisetteIdentity) map[string]string {
	h := p.deviceHeaders(info, id)
	delete(h, "X-Apple-I-SRL-NO")

	if info.userAgent != "" {
		h["User-Agent"] = info.userAgent
	}

	return h
}

// localUserID is the uppercase hex SHA-256 of the raw identifier.
func localUserID(identifier string) string {
	raw, err := base64.StdEncoding.DecodeString(identifier)
	if err != nil {
		raw = []byte(identifier)
	}

	sum := sha256.Sum256(raw)

	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling provisioning message: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing provisioning message: %w", err)
	}

	return nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}

	return base
}
