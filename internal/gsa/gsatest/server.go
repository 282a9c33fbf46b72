// Package gsatest provides an in-process simulation of the Grand Slam
// and developer-services endpoints for tests. It speaks the same wire
// format as the real provider: SRP-6a server side, an encrypted extra-data
// payload, app-token issuance, both second-factor flavours, the URL bag,
// provisioning and the QH65B2 team and certificate actions.
package gsatest

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/plumesign/internal/envelope"
	"github.com/alexjbarnes/plumesign/internal/gsa"
	"github.com/tidwall/gjson"
	"howett.net/plist"
)

// Provider codes returned by the simulation.
const (
	CodeBadCredentials   = -20101
	CodeBadOneTimeCode   = -21669
	ResultSessionExpired = 1100
	ResultNoCertificate  = 7252
)

// DefaultIterations keeps PBKDF2 cheap in tests.
const DefaultIterations = 1000

// Paths served by the simulation.
const (
	PathService           = "/grandslam/GsService2"
	PathLookup            = "/grandslam/GsService2/lookup"
	PathValidate          = "/grandslam/GsService2/validate"
	PathTrustedDevice     = "/auth/verify/trusteddevice"
	PathPhone             = "/auth/verify/phone/"
	PathPhoneCode         = "/auth/verify/phone/securitycode"
	PathProvisionStart    = "/grandslam/provisioning/start"
	PathProvisionFinish   = "/grandslam/provisioning/finish"
	PathListTeams         = "/services/QH65B2/listTeams.action"
	PathListCertificates  = "/services/QH65B2/ios/listAllDevelopmentCerts.action"
	PathRevokeCertificate = "/services/QH65B2/ios/revokeDevelopmentCert.action"
)

// Account is a registered user of the simulated provider.
type Account struct {
	Username     string
	Password     string
	DSID         string
	IdmsToken    string
	FirstName    string
	LastName     string
	Protocol     string
	Iterations   int
	SecondFactor gsa.SecondFactor
	Code         string

	// ForgeServerProof makes complete answer with a random M2 and an spd
	// that does not decrypt.
	ForgeServerProof bool
}

// Team is a developer team visible to every account.
type Team struct {
	ID     string
	Name   string
	Type   string
	Status string
}

// Certificate is a development certificate issued under a team.
type Certificate struct {
	ID           string
	Name         string
	SerialNumber string
	Status       string
	MachineName  string
	MachineID    string
	Expiration   time.Time
}

type account struct {
	Account
	salt       []byte
	verifier   *big.Int
	sessionKey []byte
	cookie     []byte
	verified   bool
	appToken   string
}

type srpSession struct {
	username  string
	clientPub *big.Int
	b         *big.Int
	serverPub *big.Int
}

// Server is a running simulation.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	accounts map[string]*account
	sessions map[string]*srpSession
	teams    []Team
	certs    map[string][]Certificate
	requests map[string]int
}

// NewServer starts a simulation that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		accounts: map[string]*account{},
		sessions: map[string]*srpSession{},
		certs:    map[string][]Certificate{},
		requests: map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathService, s.handleService)
	mux.HandleFunc("GET "+PathLookup, s.handleLookup)
	mux.HandleFunc("GET "+PathValidate, s.handleValidate)
	mux.HandleFunc("GET "+PathTrustedDevice, s.handleTrustedDevice)
	mux.HandleFunc("PUT "+PathPhone, s.handlePhone)
	mux.HandleFunc("POST "+PathPhoneCode, s.handlePhoneCode)
	mux.HandleFunc("POST "+PathProvisionStart, s.handleProvisionStart)
	mux.HandleFunc("POST "+PathProvisionFinish, s.handleProvisionFinish)
	mux.HandleFunc("POST "+PathListTeams, s.handleListTeams)
	mux.HandleFunc("POST "+PathListCertificates, s.handleListCertificates)
	mux.HandleFunc("POST "+PathRevokeCertificate, s.handleRevoke)

	s.srv = httptest.NewServer(s.count(mux))
	t.Cleanup(s.srv.Close)

	return s
}

// URL is the base URL for both the gsa and developer-services clients.
func (s *Server) URL() string {
	return s.srv.URL
}

// Client returns an http.Client for the simulation.
func (s *Server) Client() *http.Client {
	return s.srv.Client()
}

// AddAccount registers an account. Protocol defaults to s2k and
// Iterations to DefaultIterations.
func (s *Server) AddAccount(a Account) {
	if a.Protocol == "" {
		a.Protocol = gsa.ProtocolS2K
	}

	if a.Iterations == 0 {
		a.Iterations = DefaultIterations
	}

	salt := randomBytes(16)

	passwordKey, err := gsa.PasswordKey(a.Password, salt, a.Iterations, a.Protocol)
	if err != nil {
		panic(err)
	}

	n, g := gsa.SRPGroup()
	x := hashInt(salt, hashBytes([]byte(":"), passwordKey))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[a.Username] = &account{
		Account:  a,
		salt:     salt,
		verifier: new(big.Int).Exp(g, x, n),
	}
}

// AddTeam registers a team and its certificates.
func (s *Server) AddTeam(team Team, certs ...Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teams = append(s.teams, team)
	s.certs[team.ID] = append(s.certs[team.ID], certs...)
}

// Requests returns how many requests hit path.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.requests[path]
}

// Certificates returns the certificates currently issued under team.
func (s *Server) Certificates(teamID string) []Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Certificate(nil), s.certs[teamID]...)
}

// Identity is a static device-identity source for tests.
type Identity struct {
	Err error
}

// Headers returns a fixed header set shaped like the real one.
func (i Identity) Headers(_ context.Context, cpd, clientInfo, appInfo bool) (map[string]string, error) {
	if i.Err != nil {
		return nil, i.Err
	}

	h := map[string]string{
		"X-Apple-I-MD":       "bWQ=",
		"X-Apple-I-MD-M":     "bWRt",
		"X-Apple-I-MD-RINFO": "17106176",
		"X-Apple-Locale":     "en_GB",
	}

	if clientInfo {
		h["X-Mme-Client-Info"] = "<MacBookPro13,2> <macOS;13.1;22C65> <com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)>"
	}

	if appInfo {
		h["X-Apple-App-Info"] = gsa.XcodeApp
		h["X-Xcode-Version"] = "11.2 (11B41)"
	}

	if cpd {
		h["bootstrap"] = "true"
		h["icscrec"] = "true"
		h["loc"] = "en_GB"
		h["pbe"] = "false"
		h["prkgen"] = "true"
		h["svct"] = "iCloud"
	}

	return h, nil
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	req, ok := readRequest(w, r)
	if !ok {
		return
	}

	switch req.String("o") {
	case "init":
		s.handleInit(w, req)
	case "complete":
		s.handleComplete(w, req)
	case "apptokens":
		s.handleAppTokens(w, req)
	default:
		writeResponse(w, failure(-1, "unknown operation"))
	}
}

func (s *Server) handleInit(w http.ResponseWriter, req envelope.Dict) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.String("u")]
	clientPubBytes, hasA := req.Bytes("A2k")

	if !ok || !hasA {
		writeResponse(w, failure(CodeBadCredentials, "Your Apple ID or password was entered incorrectly."))
		return
	}

	n, g := gsa.SRPGroup()
	k := hashInt(n.Bytes(), pad(g.Bytes()))
	b := new(big.Int).SetBytes(randomBytes(32))

	serverPub := new(big.Int).Mul(k, acct.verifier)
	serverPub.Add(serverPub, new(big.Int).Exp(g, b, n))
	serverPub.Mod(serverPub, n)

	cookie := hex.EncodeToString(randomBytes(8))
	s.sessions[cookie] = &srpSession{
		username:  acct.Username,
		clientPub: new(big.Int).SetBytes(clientPubBytes),
		b:         b,
		serverPub: serverPub,
	}

	writeResponse(w, map[string]any{
		"s":      acct.salt,
		"B":      serverPub.Bytes(),
		"i":      acct.Iterations,
		"sp":     acct.Protocol,
		"c":      cookie,
		"Status": map[string]any{"ec": 0},
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, req envelope.Dict) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[req.String("c")]
	if !ok || sess.username != req.String("u") {
		writeResponse(w, failure(-22411, "Session expired."))
		return
	}

	delete(s.sessions, req.String("c"))

	acct := s.accounts[sess.username]
	clientProof, _ := req.Bytes("M1")

	n, _ := gsa.SRPGroup()
	aBytes := sess.clientPub.Bytes()
	bBytes := sess.serverPub.Bytes()

	u := hashInt(pad(aBytes), pad(bBytes))
	base := new(big.Int).Exp(acct.verifier, u, n)
	base.Mul(base, sess.clientPub)
	base.Mod(base, n)
	shared := hashBytes(new(big.Int).Exp(base, sess.b, n).Bytes())

	if !hmac.Equal(clientProof, clientProofFor(acct, aBytes, bBytes, shared)) {
		writeResponse(w, failure(CodeBadCredentials, "Your Apple ID or password was entered incorrectly."))
		return
	}

	acct.sessionKey = randomBytes(32)
	acct.cookie = randomBytes(12)

	extra, err := plist.Marshal(map[string]any{
		"adsid":       acct.DSID,
		"GsIdmsToken": acct.IdmsToken,
		"sk":          acct.sessionKey,
		"c":           acct.cookie,
		"fn":          acct.FirstName,
		"ln":          acct.LastName,
	}, plist.XMLFormat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	key := gsa.DeriveKey(shared, gsa.ExtraDataKeyLabel)
	iv := gsa.DeriveKey(shared, gsa.ExtraDataIVLabel)[:16]

	spd, err := gsa.EncryptCBC(key, iv, extra)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := map[string]any{"ec": 0}
	if acct.SecondFactor != "" && !acct.verified {
		status["au"] = string(acct.SecondFactor)
	}

	serverProof := hashBytes(aBytes, clientProof, shared)
	if acct.ForgeServerProof {
		serverProof = randomBytes(len(serverProof))
		spd = randomBytes(17)
	}

	writeResponse(w, map[string]any{
		"M2":     serverProof,
		"spd":    spd,
		"Status": status,
	})
}

func clientProofFor(acct *account, aBytes, bBytes, shared []byte) []byte {
	n, g := gsa.SRPGroup()
	hN := hashBytes(n.Bytes())
	hG := hashBytes(g.Bytes())

	xor := make([]byte, len(hN))
	for i := range xor {
		xor[i] = hN[i] ^ hG[i]
	}

	return hashBytes(xor, hashBytes([]byte(acct.Username)), acct.salt, aBytes, bBytes, shared)
}

func (s *Server) handleAppTokens(w http.ResponseWriter, req envelope.Dict) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.accountByDSID(req.String("u"))
	if acct == nil || acct.sessionKey == nil || req.String("t") != acct.IdmsToken {
		writeResponse(w, failure(-20102, "Invalid session."))
		return
	}

	apps, _ := req["app"].([]any)
	if len(apps) != 1 {
		writeResponse(w, failure(-1, "exactly one app expected"))
		return
	}

	app, _ := apps[0].(string)

	mac := hmac.New(sha256.New, acct.sessionKey)
	mac.Write([]byte("apptokens" + acct.DSID + app))

	checksum, _ := req.Bytes("checksum")
	if !hmac.Equal(checksum, mac.Sum(nil)) {
		writeResponse(w, failure(-20103, "Invalid checksum."))
		return
	}

	acct.appToken = "app-" + hex.EncodeToString(randomBytes(8))

	plain, err := plist.Marshal(map[string]any{
		"t": map[string]any{
			app: map[string]any{
				"token":  acct.appToken,
				"expiry": time.Now().Add(time.Hour).UnixMilli(),
			},
		},
	}, plist.XMLFormat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sealed, err := gsa.EncryptToken(acct.sessionKey, []byte("XYZ"), randomBytes(16), plain)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeResponse(w, map[string]any{
		"et":     sealed,
		"Status": map[string]any{"ec": 0},
	})
}

func (s *Server) handleTrustedDevice(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accountByIdentityToken(r.Header.Get("X-Apple-Identity-Token")) == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.accountByIdentityToken(r.Header.Get("X-Apple-Identity-Token"))
	if acct == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if r.Header.Get("security-code") != acct.Code {
		writePlist(w, map[string]any{"ec": CodeBadOneTimeCode, "em": "Incorrect verification code."})
		return
	}

	acct.verified = true

	writePlist(w, map[string]any{"ec": 0})
}

func (s *Server) handlePhone(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accountByIdentityToken(r.Header.Get("X-Apple-Identity-Token")) == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"trustedPhoneNumber":{"id":1}}`)
}

func (s *Server) handlePhoneCode(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.accountByIdentityToken(r.Header.Get("X-Apple-Identity-Token"))
	if acct == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if gjson.GetBytes(body, "securityCode.code").String() != acct.Code {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"serviceErrors":[{"code":"-21669","message":"Incorrect verification code."}]}`)

		return
	}

	acct.verified = true

	_, _ = io.WriteString(w, `{}`)
}

func (s *Server) handleLookup(w http.ResponseWriter, _ *http.Request) {
	writePlist(w, map[string]any{
		"urls": map[string]any{
			"midStartProvisioning":  s.srv.URL + PathProvisionStart,
			"midFinishProvisioning": s.srv.URL + PathProvisionFinish,
		},
	})
}

func (s *Server) handleProvisionStart(w http.ResponseWriter, r *http.Request) {
	if _, ok := readRequest(w, r); !ok {
		return
	}

	writeResponse(w, map[string]any{
		"spim":   base64.StdEncoding.EncodeToString([]byte("spim")),
		"Status": map[string]any{"ec": 0},
	})
}

func (s *Server) handleProvisionFinish(w http.ResponseWriter, r *http.Request) {
	req, ok := readRequest(w, r)
	if !ok {
		return
	}

	if req.String("cpim") == "" {
		writeResponse(w, failure(-1, "missing cpim"))
		return
	}

	writeResponse(w, map[string]any{
		"ptm":    base64.StdEncoding.EncodeToString([]byte("ptm")),
		"tk":     base64.StdEncoding.EncodeToString([]byte("tk")),
		"Status": map[string]any{"ec": 0},
	})
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.developerRequest(w, r); !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	teams := make([]any, 0, len(s.teams))
	for _, t := range s.teams {
		teams = append(teams, map[string]any{
			"name":   t.Name,
			"teamId": t.ID,
			"type":   t.Type,
			"status": t.Status,
		})
	}

	writePlist(w, map[string]any{"resultCode": 0, "teams": teams})
}

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	req, ok := s.developerRequest(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	certs := make([]any, 0)
	for _, c := range s.certs[req.String("teamId")] {
		entry := map[string]any{
			"name":           c.Name,
			"certificateId":  c.ID,
			"serialNumber":   c.SerialNumber,
			"status":         c.Status,
			"expirationDate": c.Expiration,
		}

		if c.MachineName != "" {
			entry["machineName"] = c.MachineName
			entry["machineId"] = c.MachineID
		}

		certs = append(certs, entry)
	}

	writePlist(w, map[string]any{"resultCode": 0, "certificates": certs})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	req, ok := s.developerRequest(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	teamID := req.String("teamId")
	serial := req.String("serialNumber")

	certs := s.certs[teamID]
	for i, c := range certs {
		if c.SerialNumber == serial {
			s.certs[teamID] = append(certs[:i:i], certs[i+1:]...)
			writePlist(w, map[string]any{"resultCode": 0, "resultString": "Certificate revoked."})

			return
		}
	}

	writePlist(w, map[string]any{
		"resultCode":   ResultNoCertificate,
		"resultString": "No certificate found",
		"userString":   "No certificate was found with serial number " + serial + ".",
	})
}

// developerRequest authenticates a developer-services request by its
// dsid and app token and returns the decoded body.
func (s *Server) developerRequest(w http.ResponseWriter, r *http.Request) (envelope.Dict, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	req, err := envelope.Parse(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	s.mu.Lock()
	acct := s.accountByDSID(r.Header.Get("X-Apple-I-Identity-Id"))
	valid := acct != nil && acct.appToken != "" && r.Header.Get("X-Apple-GS-Token") == acct.appToken
	s.mu.Unlock()

	if !valid {
		writePlist(w, map[string]any{
			"resultCode":   ResultSessionExpired,
			"resultString": "Session expired",
			"userString":   "Your session has expired. Please log in.",
		})

		return nil, false
	}

	return req, true
}

func (s *Server) accountByDSID(dsid string) *account {
	for _, a := range s.accounts {
		if a.DSID == dsid {
			return a
		}
	}

	return nil
}

func (s *Server) accountByIdentityToken(token string) *account {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil
	}

	dsid, idms, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil
	}

	acct := s.accountByDSID(dsid)
	if acct == nil || acct.IdmsToken != idms {
		return nil
	}

	return acct
}

func readRequest(w http.ResponseWriter, r *http.Request) (envelope.Dict, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	root, err := envelope.Parse(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	req, ok := root.Dict("Request")
	if !ok {
		http.Error(w, "missing Request", http.StatusBadRequest)
		return nil, false
	}

	return req, true
}

func failure(code int, msg string) map[string]any {
	return map[string]any{"Status": map[string]any{"ec": code, "em": msg}}
}

func writeResponse(w http.ResponseWriter, resp map[string]any) {
	writePlist(w, map[string]any{"Response": resp})
}

func writePlist(w http.ResponseWriter, v any) {
	body, err := plist.Marshal(v, plist.XMLFormat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/x-xml-plist")
	_, _ = w.Write(body)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}

	return b
}

func pad(b []byte) []byte {
	const size = 256
	if len(b) >= size {
		return b
	}

	out := make([]byte, size)
	copy(out[size-len(b):], b)

	return out
}

func hashBytes(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}

	return h.Sum(nil)
}

func hashInt(parts ...[]byte) *big.Int {
	return new(big.Int).SetBytes(hashBytes(parts...))
}
