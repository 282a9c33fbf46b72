// Package developer wraps an authenticated account in a session that
// lists teams and development certificates and revokes certificates
// through the developer-services (QH65B2) API.
package developer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"github.com/alexjbarnes/plumesign/internal/gsa"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

const (
	// teamsTTL is how long a team listing is reused.
	teamsTTL = 5 * time.Minute

	// tokenMargin refreshes the app token this long before it expires.
	tokenMargin = 2 * time.Minute

	// codeSessionExpired is the resultCode for a rejected app token.
	codeSessionExpired = 1100

	// maxConcurrentTeams bounds parallel listings in ListAllCertificates.
	maxConcurrentTeams = 4

	teamsCacheKey = "teams"
)

// TeamSelector picks one team when an account has several. It is the
// interactive side of ResolveTeam and must never guess.
type TeamSelector func(ctx context.Context, teams []Team) (string, error)

// Deps are the collaborators a Session is built from.
type Deps struct {
	GSA       *gsa.Client
	Identity  gsa.IdentityHeaders
	Developer *Client
	Selector  TeamSelector
	Logger    *slog.Logger
	Now       func() time.Time
}

// Session is an authenticated account plus the developer-services
// client. It is safe for concurrent use.
type Session struct {
	account  *gsa.Account
	auth     *gsa.Authenticator
	client   *Client
	selector TeamSelector
	logger   *slog.Logger
	now      func() time.Time

	teams *gocache.Cache

	tokenMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// Authenticate logs in and returns a usable session. prompt is asked for
// a one-time code when the account requires a second factor.
func Authenticate(ctx context.Context, deps Deps, username, password string, prompt gsa.CodePrompt) (*Session, error) {
	deps = deps.withDefaults()

	auth := gsa.NewAuthenticator(deps.GSA, deps.Identity, deps.Logger)

	acct, err := auth.Login(ctx, username, password, prompt)
	if err != nil {
		return nil, err
	}

	s := newSession(acct, auth, deps)

	s.logger.Info("authenticated",
		slog.String("dsid", acct.DSID),
		slog.String("name", strings.TrimSpace(acct.FirstName+" "+acct.LastName)),
	)

	return s, nil
}

// withDefaults fills in production collaborators for unset fields.
func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	if d.GSA == nil {
		d.GSA = gsa.NewClient(nil, "")
	}

	if d.Developer == nil {
		d.Developer = NewClient(nil, "", d.Identity)
	}

	return d
}

func newSession(acct *gsa.Account, auth *gsa.Authenticator, deps Deps) *Session {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Session{
		account:  acct,
		auth:     auth,
		client:   deps.Developer,
		selector: deps.Selector,
		logger:   deps.Logger.With(slog.String("component", "developer")),
		now:      now,
		teams:    gocache.New(teamsTTL, time.Minute),
	}
}

// Account returns the authenticated account.
func (s *Session) Account() *gsa.Account {
	return s.account
}

// ListTeams returns the account's teams. The listing is cached briefly.
func (s *Session) ListTeams(ctx context.Context) ([]Team, error) {
	if v, ok := s.teams.Get(teamsCacheKey); ok {
		cached, _ := v.([]Team)
		return append([]Team(nil), cached...), nil
	}

	var teams []Team

	err := s.call(ctx, func(creds Credentials) error {
		var err error
		teams, err = s.client.ListTeams(ctx, creds)

		return err
	})
	if err != nil {
		return nil, err
	}

	s.teams.Set(teamsCacheKey, teams, gocache.DefaultExpiration)
	s.logger.Debug("teams listed", slog.Int("count", len(teams)))

	return append([]Team(nil), teams...), nil
}

// ResolveTeam returns explicit verbatim when set. Otherwise a single team
// is used as is and several teams go to the selector; with no selector
// the choice is refused rather than guessed.
func (s *Session) ResolveTeam(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	teams, err := s.ListTeams(ctx)
	if err != nil {
		return "", err
	}

	switch len(teams) {
	case 0:
		return "", &apperrors.ValidationError{Field: "team", Err: apperrors.ErrNoTeams}
	case 1:
		s.logger.Info("selected team", slog.String("id", teams[0].ID), slog.String("name", teams[0].Name))
		return teams[0].ID, nil
	}

	if s.selector == nil {
		return "", &apperrors.ValidationError{
			Field: "team",
			Err:   fmt.Errorf("%w, available: %s", apperrors.ErrTeamSelectionRequired, teamNames(teams)),
		}
	}

	id, err := s.selector(ctx, teams)
	if err != nil {
		return "", fmt.Errorf("selecting team: %w", err)
	}

	for _, t := range teams {
		if t.ID == id {
			s.logger.Info("selected team", slog.String("id", t.ID), slog.String("name", t.Name))
			return t.ID, nil
		}
	}

	return "", &apperrors.ValidationError{Field: "team", Err: fmt.Errorf("%w: %q", apperrors.ErrTeamNotFound, id)}
}

// ListCertificates returns the development certificates of teamID.
func (s *Session) ListCertificates(ctx context.Context, teamID string) ([]Certificate, error) {
	if teamID == "" {
		return nil, &apperrors.ValidationError{Field: "team", Err: errors.New("team id is required")}
	}

	var certs []Certificate

	err := s.call(ctx, func(creds Credentials) error {
		var err error
		certs, err = s.client.ListCertificates(ctx, creds, teamID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return certs, nil
}

// ListAllCertificates lists the certificates of every team concurrently,
// keyed by team id.
func (s *Session) ListAllCertificates(ctx context.Context) (map[string][]Certificate, error) {
	teams, err := s.ListTeams(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex

	out := make(map[string][]Certificate, len(teams))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTeams)

	for _, t := range teams {
		g.Go(func() error {
			certs, err := s.ListCertificates(gctx, t.ID)
			if err != nil {
				return fmt.Errorf("team %s: %w", t.ID, err)
			}

			mu.Lock()
			out[t.ID] = certs
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// RevokeCertificate revokes serial under teamID after confirming it is
// in the team's current listing. An unknown serial is a validation error
// and no revoke request is sent.
func (s *Session) RevokeCertificate(ctx context.Context, teamID, serial string) (*RevokeResult, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return nil, &apperrors.ValidationError{Field: "serial number", Err: errors.New("serial number is required")}
	}

	certs, err := s.ListCertificates(ctx, teamID)
	if err != nil {
		return nil, err
	}

	if !containsSerial(certs, serial) {
		return nil, &apperrors.ValidationError{
			Field: "serial number",
			Err:   fmt.Errorf("%w: %s", apperrors.ErrCertificateNotFound, serial),
		}
	}

	s.logger.Info("revoking certificate", slog.String("team", teamID), slog.String("serial", serial))

	var result *RevokeResult

	err = s.call(ctx, func(creds Credentials) error {
		var err error
		result, err = s.client.RevokeCertificate(ctx, creds, teamID, serial)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Close ends the session. The session key and tokens are dropped and
// every later call fails with ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	s.account.Destroy()
	s.teams.Flush()
}

// call runs fn with valid credentials. A session-expired answer refreshes
// the app token and runs fn once more.
func (s *Session) call(ctx context.Context, fn func(Credentials) error) error {
	creds, err := s.credentials(ctx, false)
	if err != nil {
		return err
	}

	err = fn(creds)

	var se *apperrors.AuthServerError
	if !errors.As(err, &se) || se.Code != codeSessionExpired {
		return err
	}

	s.logger.Debug("app token rejected, refreshing")

	if creds, err = s.credentials(ctx, true); err != nil {
		return err
	}

	return fn(creds)
}

func (s *Session) credentials(ctx context.Context, force bool) (Credentials, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return Credentials{}, apperrors.ErrSessionClosed
	}

	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	if force || s.account.AppTokenExpired(s.now(), tokenMargin) {
		if _, err := s.auth.RefreshAppToken(ctx, s.account); err != nil {
			return Credentials{}, fmt.Errorf("refreshing app token: %w", err)
		}
	}

	token, _ := s.account.AppToken()

	return Credentials{DSID: s.account.DSID, AppToken: token}, nil
}

func containsSerial(certs []Certificate, serial string) bool {
	for _, c := range certs {
		if c.SerialNumber == serial {
			return true
		}
	}

	return false
}

func teamNames(teams []Team) string {
	names := make([]string, 0, len(teams))
	for _, t := range teams {
		names = append(names, fmt.Sprintf("%s (%s)", t.Name, t.ID))
	}

	sort.Strings(names)

	return strings.Join(names, ", ")
}
