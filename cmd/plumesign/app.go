package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/plumesign/internal/anisette"
	"github.com/alexjbarnes/plumesign/internal/config"
	"github.com/alexjbarnes/plumesign/internal/developer"
	"github.com/alexjbarnes/plumesign/internal/gsa"
	"github.com/alexjbarnes/plumesign/internal/logging"
	"github.com/alexjbarnes/plumesign/internal/state"
)

// app holds the collaborators every command is built from.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	state     *state.State
	gsa       *gsa.Client
	identity  *anisette.Manager
	developer *developer.Client
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	if err := cfg.EnsureConfigDir(); err != nil {
		return nil, err
	}

	appState, err := state.Load(cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	httpClient := gsa.NewHTTPClient(cfg.HTTPTimeout)
	gsaClient := gsa.NewClient(httpClient, cfg.GSAURL)

	var provider anisette.Provider

	switch cfg.AnisetteProtocol {
	case config.ProtocolV1:
		provider = anisette.NewRemoteV1Provider(cfg.AnisetteURL, httpClient)
	default:
		provider = anisette.NewRemoteV3Provider(cfg.AnisetteURL, httpClient, gsaClient, logger,
			anisette.WithIdentityStore(appState),
			anisette.WithV3Locale(cfg.Locale),
		)
	}

	opts := []anisette.Option{anisette.WithLocale(cfg.Locale)}
	if cfg.ShouldProvisionLibs() {
		opts = append(opts, anisette.WithProvisioner(
			anisette.NewProvisioner(cfg.ConfigDir, cfg.LibrariesURL, httpClient, logger),
		))
	}

	manager := anisette.NewManager(provider, logger, opts...)

	logger.Debug("plumesign starting",
		slog.String("version", Version),
		slog.String("config_dir", cfg.ConfigDir),
		slog.String("anisette_url", cfg.AnisetteURL),
		slog.String("anisette_protocol", cfg.AnisetteProtocol),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		state:     appState,
		gsa:       gsaClient,
		identity:  manager,
		developer: developer.NewClient(httpClient, cfg.DeveloperServicesURL, manager),
	}, nil
}

func (a *app) Close() {
	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}

// login signs in with the first username found among the flag, the
// config and the last successful login, asking p for anything missing.
// The password is only ever taken from the config or p.
func (a *app) login(ctx context.Context, p *prompter, selector developer.TeamSelector) (*developer.Session, error) {
	user := firstNonEmpty(username, a.cfg.AppleID, a.state.Username())
	if user == "" {
		var err error
		if user, err = p.Line(ctx, "Apple ID: "); err != nil {
			return nil, err
		}
	}

	password := a.cfg.ApplePassword
	if password == "" {
		var err error
		if password, err = p.Secret(ctx, "Password: "); err != nil {
			return nil, err
		}
	}

	a.logger.Info("signing in", slog.String("username", user))

	session, err := developer.Authenticate(ctx, developer.Deps{
		GSA:       a.gsa,
		Identity:  a.identity,
		Developer: a.developer,
		Selector:  selector,
		Logger:    a.logger,
	}, user, password, p.Code)
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	if err := a.state.SetUsername(user); err != nil {
		a.logger.Warn("saving username", slog.String("error", err.Error()))
	}

	return session, nil
}

// team is the --team flag, falling back to APPLE_TEAM_ID.
func (a *app) team() string {
	return firstNonEmpty(teamID, a.cfg.TeamID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}

	return ""
}
