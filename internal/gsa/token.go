package gsa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/plumesign/internal/envelope"
	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"github.com/awnumar/memguard"
)

// XcodeApp is the app whose token authorizes developer-services calls.
const XcodeApp = "com.apple.gs.xcode.auth"

// AppToken is a decrypted per-app token.
type AppToken struct {
	App    string
	Token  string
	Expiry time.Time
}

// appTokenChecksum is HMAC-SHA256(sk, "apptokens" + dsid + app).
func appTokenChecksum(sessionKey []byte, dsid, app string) []byte {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte("apptokens"))
	mac.Write([]byte(dsid))
	mac.Write([]byte(app))

	return mac.Sum(nil)
}

// RefreshAppToken requests a new Xcode app token for acct and stores it
// on the account.
func (a *Authenticator) RefreshAppToken(ctx context.Context, acct *Account) (AppToken, error) {
	acct.mu.RLock()
	enclave := acct.sessionKey
	idms := acct.idmsToken
	cookie := append([]byte(nil), acct.cookie...)
	acct.mu.RUnlock()

	if enclave == nil {
		return AppToken{}, apperrors.ErrSessionClosed
	}

	key, err := enclave.Open()
	if err != nil {
		return AppToken{}, fmt.Errorf("opening session key: %w", err)
	}
	defer key.Destroy()

	tok, err := a.requestAppToken(ctx, key.Bytes(), acct.DSID, idms, cookie, XcodeApp)
	if err != nil {
		return AppToken{}, err
	}

	acct.setAppToken(tok)

	return tok, nil
}

func (a *Authenticator) requestAppToken(ctx context.Context, sessionKey []byte, dsid, idmsToken string, cookie []byte, app string) (AppToken, error) {
	cpd, err := a.cpd(ctx)
	if err != nil {
		return AppToken{}, err
	}

	headers, err := a.serviceHeaders(ctx)
	if err != nil {
		return AppToken{}, err
	}

	resp, err := a.client.Service(ctx, headers, map[string]any{
		"app":      []string{app},
		"c":        cookie,
		"checksum": appTokenChecksum(sessionKey, dsid, app),
		"cpd":      cpd,
		"o":        "apptokens",
		"t":        idmsToken,
		"u":        dsid,
	})
	if err != nil {
		return AppToken{}, fmt.Errorf("requesting app token: %w", err)
	}

	sealed, ok := resp.Bytes("et")
	if !ok {
		return AppToken{}, &apperrors.ParseError{Op: "apptokens response", Err: errors.New(`missing "et"`)}
	}

	plain, err := DecryptToken(sessionKey, sealed)
	if err != nil {
		return AppToken{}, err
	}
	defer memguard.WipeBytes(plain)

	return parseAppToken(plain, app)
}

func parseAppToken(plain []byte, app string) (AppToken, error) {
	doc, err := envelope.Parse(plain)
	if err != nil {
		return AppToken{}, err
	}

	tokens, ok := doc.Dict("t")
	if !ok {
		return AppToken{}, &apperrors.ParseError{Op: "app token", Err: errors.New(`missing "t" dictionary`)}
	}

	entry, ok := tokens.Dict(app)
	if !ok {
		return AppToken{}, &apperrors.ParseError{Op: "app token", Err: fmt.Errorf("no token for %s", app)}
	}

	token := entry.String("token")
	if token == "" {
		return AppToken{}, &apperrors.ParseError{Op: "app token", Err: errors.New(`missing "token"`)}
	}

	expiryMillis, ok := entry.Int("expiry")
	if !ok {
		return AppToken{}, &apperrors.ParseError{Op: "app token", Err: errors.New(`missing "expiry"`)}
	}

	return AppToken{
		App:    app,
		Token:  token,
		Expiry: time.UnixMilli(expiryMillis),
	}, nil
}
