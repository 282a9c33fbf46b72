package gsa

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

// Account is the result of a completed login. The session key from the
// encrypted server payload is kept sealed in a memguard enclave and only
// opened for the duration of an app-token request.
type Account struct {
	Username  string
	DSID      string
	FirstName string
	LastName  string

	mu             sync.RWMutex
	idmsToken      string
	appToken       string
	appTokenExpiry time.Time
	cookie         []byte
	sessionKey     *memguard.Enclave
}

// IdentityToken returns base64(dsid ":" idms-token), the value sent as
// X-Apple-Identity-Token.
func (a *Account) IdentityToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return identityToken(a.DSID, a.idmsToken)
}

// AppToken returns the current Xcode app token and its expiry.
func (a *Account) AppToken() (string, time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.appToken, a.appTokenExpiry
}

// AppTokenExpired reports whether the app token is missing or expires
// within margin of now.
func (a *Account) AppTokenExpired(now time.Time, margin time.Duration) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.appToken == "" || !now.Add(margin).Before(a.appTokenExpiry)
}

func (a *Account) setAppToken(tok AppToken) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.appToken = tok.Token
	a.appTokenExpiry = tok.Expiry
}

// Destroy drops the session key and tokens. The account cannot request
// new app tokens afterwards.
func (a *Account) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sessionKey = nil
	a.idmsToken = ""
	a.appToken = ""
	a.appTokenExpiry = time.Time{}

	memguard.WipeBytes(a.cookie)
	a.cookie = nil
}

func identityToken(dsid, idmsToken string) string {
	return base64.StdEncoding.EncodeToString([]byte(dsid + ":" + idmsToken))
}
