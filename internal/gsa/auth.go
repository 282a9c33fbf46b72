// Package gsa implements the Grand Slam account login: the SRP-6a
// handshake, decryption of the server's extra-data payload, the
// second-factor challenge and the app-token exchange.
package gsa

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/plumesign/internal/envelope"
	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"github.com/awnumar/memguard"
)

// codeBadCredentials is the provider code for a rejected client proof.
const codeBadCredentials = -20101

// IdentityHeaders supplies device-identity headers. The flags select the
// cpd, client-info and app-info variants.
type IdentityHeaders interface {
	Headers(ctx context.Context, cpd, clientInfo, appInfo bool) (map[string]string, error)
}

// Authenticator runs logins against a Grand Slam Client.
type Authenticator struct {
	client   *Client
	identity IdentityHeaders
	logger   *slog.Logger
	rand     io.Reader
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(client *Client, identity IdentityHeaders, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		client:   client,
		identity: identity,
		logger:   logger.With(slog.String("component", "gsa")),
		rand:     rand.Reader,
	}
}

// grant is the decrypted result of one successful handshake.
type grant struct {
	dsid         string
	idmsToken    string
	firstName    string
	lastName     string
	cookie       []byte
	sessionKey   *memguard.LockedBuffer
	secondFactor SecondFactor
}

func (g *grant) destroy() {
	if g == nil {
		return
	}

	if g.sessionKey != nil {
		g.sessionKey.Destroy()
		g.sessionKey = nil
	}

	memguard.WipeBytes(g.cookie)
}

// Login authenticates username with password. When the provider asks
// for a second factor, prompt is called once for the code and the
// handshake is repeated. A wrong password yields *AuthProofError, a
// wrong code *OneTimeCodeError.
func (a *Authenticator) Login(ctx context.Context, username, password string, prompt CodePrompt) (*Account, error) {
	if username == "" || password == "" {
		return nil, &apperrors.ValidationError{Field: "credentials", Err: apperrors.ErrMissingCredentials}
	}

	g, err := a.handshake(ctx, username, password)
	if err != nil {
		return nil, err
	}

	if g.secondFactor != "" {
		a.logger.Info("second factor required", slog.String("kind", string(g.secondFactor)))

		if prompt == nil {
			g.destroy()
			return nil, &apperrors.ValidationError{Field: "verification code", Err: apperrors.ErrSecondFactorRequired}
		}

		err = a.verifySecondFactor(ctx, g, prompt)
		g.destroy()

		if err != nil {
			return nil, err
		}

		g, err = a.handshake(ctx, username, password)
		if err != nil {
			return nil, err
		}

		if g.secondFactor != "" {
			kind := g.secondFactor
			g.destroy()

			return nil, fmt.Errorf("provider still requires %s after verification", kind)
		}
	}

	return a.finish(ctx, username, g)
}

// finish seals the session key into an Account and fetches the Xcode
// app token.
func (a *Authenticator) finish(ctx context.Context, username string, g *grant) (*Account, error) {
	acct := &Account{
		Username:  username,
		DSID:      g.dsid,
		FirstName: g.firstName,
		LastName:  g.lastName,
		idmsToken: g.idmsToken,
		cookie:    append([]byte(nil), g.cookie...),
	}

	acct.sessionKey = g.sessionKey.Seal()
	g.sessionKey = nil
	g.destroy()

	if _, err := a.RefreshAppToken(ctx, acct); err != nil {
		acct.Destroy()
		return nil, err
	}

	a.logger.Debug("login complete", slog.String("dsid", acct.DSID))

	return acct, nil
}

func (a *Authenticator) handshake(ctx context.Context, username, password string) (*grant, error) {
	cpd, err := a.cpd(ctx)
	if err != nil {
		return nil, err
	}

	headers, err := a.serviceHeaders(ctx)
	if err != nil {
		return nil, err
	}

	client, err := newSRPClient(a.rand)
	if err != nil {
		return nil, err
	}
	defer client.destroy()

	a.logger.Debug("starting handshake", slog.String("username", username))

	initResp, err := a.client.Service(ctx, headers, map[string]any{
		"A2k": client.publicKey(),
		"cpd": cpd,
		"o":   "init",
		"ps":  []string{ProtocolS2K, ProtocolS2KFO},
		"u":   username,
	})
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}

	ch, err := parseChallenge(initResp)
	if err != nil {
		return nil, err
	}

	passwordKey, err := PasswordKey(password, ch.salt, ch.iterations, ch.protocol)
	if err != nil {
		return nil, err
	}

	proof, err := client.process(username, passwordKey, ch.salt, ch.serverPub)
	memguard.WipeBytes(passwordKey)

	if err != nil {
		return nil, err
	}
	defer proof.destroy()

	completeResp, err := a.client.Service(ctx, headers, map[string]any{
		"M1":  proof.m1,
		"c":   ch.cookie,
		"cpd": cpd,
		"o":   "complete",
		"u":   username,
	})
	if err != nil {
		var se *apperrors.AuthServerError
		if errors.As(err, &se) && se.Code == codeBadCredentials {
			return nil, &apperrors.AuthProofError{Step: "complete", Err: se}
		}

		return nil, fmt.Errorf("complete: %w", err)
	}

	serverProof, ok := completeResp.Bytes("M2")
	if !ok {
		return nil, &apperrors.ParseError{Op: "complete response", Err: errors.New(`missing "M2"`)}
	}

	extra, ok := completeResp.Bytes("spd")
	if !ok {
		return nil, &apperrors.ParseError{Op: "complete response", Err: errors.New(`missing "spd"`)}
	}

	key, err := proof.verify(serverProof)
	if err != nil {
		return nil, err
	}
	defer key.destroy()

	plain, err := key.decryptExtraData(extra)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(plain)

	g, err := parseExtraData(plain)
	if err != nil {
		return nil, err
	}

	if status, ok := completeResp.Dict("Status"); ok {
		g.secondFactor = SecondFactor(status.String("au"))
	}

	return g, nil
}

type challenge struct {
	salt       []byte
	serverPub  []byte
	iterations int
	protocol   string
	cookie     string
}

func parseChallenge(d envelope.Dict) (*challenge, error) {
	salt, ok := d.Bytes("s")
	if !ok {
		return nil, &apperrors.ParseError{Op: "init response", Err: errors.New(`missing salt "s"`)}
	}

	serverPub, ok := d.Bytes("B")
	if !ok {
		return nil, &apperrors.ParseError{Op: "init response", Err: errors.New(`missing server value "B"`)}
	}

	iterations, ok := d.Int("i")
	if !ok {
		return nil, &apperrors.ParseError{Op: "init response", Err: errors.New(`missing iteration count "i"`)}
	}

	cookie := d.String("c")
	if cookie == "" {
		return nil, &apperrors.ParseError{Op: "init response", Err: errors.New(`missing cookie "c"`)}
	}

	return &challenge{
		salt:       salt,
		serverPub:  serverPub,
		iterations: int(iterations),
		protocol:   d.String("sp"),
		cookie:     cookie,
	}, nil
}

func parseExtraData(plain []byte) (*grant, error) {
	d, err := envelope.Parse(plain)
	if err != nil {
		return nil, err
	}

	g := &grant{
		dsid:      d.String("adsid"),
		idmsToken: d.String("GsIdmsToken"),
		firstName: d.String("fn"),
		lastName:  d.String("ln"),
	}

	if g.dsid == "" || g.idmsToken == "" {
		return nil, &apperrors.ParseError{Op: "extra data", Err: errors.New("missing account identifiers")}
	}

	sk, ok := d.Bytes("sk")
	if !ok || len(sk) != cbcKeyLen {
		return nil, &apperrors.ParseError{Op: "extra data", Err: errors.New("missing or malformed session key")}
	}

	cookie, ok := d.Bytes("c")
	if !ok {
		memguard.WipeBytes(sk)
		return nil, &apperrors.ParseError{Op: "extra data", Err: errors.New(`missing "c"`)}
	}

	g.cookie = append([]byte(nil), cookie...)
	g.sessionKey = memguard.NewBufferFromBytes(sk)

	return g, nil
}

// cpd returns the client-provided data dictionary sent with every
// GsService2 request.
func (a *Authenticator) cpd(ctx context.Context) (map[string]any, error) {
	h, err := a.identity.Headers(ctx, true, false, false)
	if err != nil {
		return nil, fmt.Errorf("generating identity headers: %w", err)
	}

	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = v
	}

	return out, nil
}

// serviceHeaders returns the HTTP headers for GsService2 requests. Only
// the client-info header is taken from the identity set.
func (a *Authenticator) serviceHeaders(ctx context.Context) (map[string]string, error) {
	h, err := a.identity.Headers(ctx, false, true, false)
	if err != nil {
		return nil, fmt.Errorf("generating identity headers: %w", err)
	}

	headers := map[string]string{}
	if v := headerValue(h, "X-Mme-Client-Info"); v != "" {
		headers["X-MMe-Client-Info"] = v
	}

	return headers, nil
}

func headerValue(h map[string]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}

	return ""
}
