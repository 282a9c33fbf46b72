package anisette

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshTimeout bounds one shared refresh, library download included.
const refreshTimeout = 5 * time.Minute

// Manager keeps a current Data snapshot. Callers that find the snapshot
// due for refresh share a single in-flight refresh. A failed refresh is
// tolerated while the old snapshot is still valid.
type Manager struct {
	provider    Provider
	provisioner *Provisioner
	locale      string
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.RWMutex
	current *Data
	ready   bool

	sf singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithProvisioner runs p.Ensure once before the first refresh.
func WithProvisioner(p *Provisioner) Option {
	return func(m *Manager) { m.provisioner = p }
}

// WithLocale sets the provider-format locale injected into cpd.
func WithLocale(locale string) Option {
	return func(m *Manager) { m.locale = locale }
}

// WithClock overrides time.Now for snapshot ages.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. No network call is made until the first
// Current or Headers call.
func NewManager(provider Provider, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		locale:   DefaultLocale,
		logger:   logger.With(slog.String("component", "anisette")),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Current returns a valid snapshot, refreshing first when the current
// one is missing or older than 60 seconds.
func (m *Manager) Current(ctx context.Context) (*Data, error) {
	m.mu.RLock()
	d := m.current
	m.mu.RUnlock()

	if d != nil && !d.NeedsRefresh() {
		return d, nil
	}

	fresh, err := m.refresh(ctx)
	if err != nil {
		if d != nil && d.IsValid() {
			m.logger.Warn("identity refresh failed, using current data",
				slog.Duration("age", d.Age()),
				slog.String("error", err.Error()),
			)

			return d, nil
		}

		return nil, err
	}

	return fresh, nil
}

// Headers returns a generated header set from a valid snapshot. It
// satisfies gsa.IdentityHeaders.
func (m *Manager) Headers(ctx context.Context, cpd, clientInfo, appInfo bool) (map[string]string, error) {
	d, err := m.Current(ctx)
	if err != nil {
		return nil, err
	}

	return d.Generate(cpd, clientInfo, appInfo)
}

// Refresh forces a new snapshot.
func (m *Manager) Refresh(ctx context.Context) (*Data, error) {
	return m.refresh(ctx)
}

func (m *Manager) refresh(ctx context.Context) (*Data, error) {
	ch := m.sf.DoChan("refresh", func() (any, error) {
		// Shared by every waiter, so it must outlive the caller that
		// started it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		if err := m.prepare(rctx); err != nil {
			return nil, err
		}

		headers, err := m.provider.BaseHeaders(rctx)
		if err != nil {
			return nil, fmt.Errorf("fetching identity headers: %w", err)
		}

		d := NewData(headers, m.now(), m.locale, m.now)

		m.mu.Lock()
		m.current = d
		m.mu.Unlock()

		return d, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		if res.Shared {
			m.logger.Debug("joined in-flight identity refresh")
		}

		return res.Val.(*Data), nil
	}
}

// prepare runs one-time dependency provisioning. A failure is retried on
// the next refresh.
func (m *Manager) prepare(ctx context.Context) error {
	m.mu.RLock()
	ready := m.ready
	m.mu.RUnlock()

	if ready || m.provisioner == nil {
		return nil
	}

	if err := m.provisioner.Ensure(ctx); err != nil {
		return fmt.Errorf("provisioning identity libraries: %w", err)
	}

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()

	return nil
}
