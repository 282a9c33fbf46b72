package anisette

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManager_FetchesOnFirstUse(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	clock := newFakeClock()

	provider.EXPECT().BaseHeaders(gomock.Any()).Return(baseHeaders(), nil).Times(1)

	m := NewManager(provider, testLogger(), WithClock(clock.Now))

	d1, err := m.Current(context.Background())
	require.NoError(t, err)

	clock.Advance(30 * time.Second)

	d2, err := m.Current(context.Background())
	require.NoError(t, err)
	assert.Same(t, d1, d2)
}

func TestManager_ProactiveRefresh(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	clock := newFakeClock()

	provider.EXPECT().BaseHeaders(gomock.Any()).Return(baseHeaders(), nil).Times(2)

	m := NewManager(provider, testLogger(), WithClock(clock.Now))

	d1, err := m.Current(context.Background())
	require.NoError(t, err)

	clock.Advance(61 * time.Second)

	d2, err := m.Current(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, d1, d2)
	assert.Equal(t, time.Duration(0), d2.Age())
}

func TestManager_RefreshFailureInsideGraceWindow(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	clock := newFakeClock()

	gomock.InOrder(
		provider.EXPECT().BaseHeaders(gomock.Any()).Return(baseHeaders(), nil),
		provider.EXPECT().BaseHeaders(gomock.Any()).Return(nil, errors.New("server down")),
	)

	m := NewManager(provider, testLogger(), WithClock(clock.Now))

	d1, err := m.Current(context.Background())
	require.NoError(t, err)

	clock.Advance(70 * time.Second)

	d2, err := m.Current(context.Background())
	require.NoError(t, err)
	assert.Same(t, d1, d2)
	assert.Equal(t, 70*time.Second, d2.Age())
}

func TestManager_NeverServesInvalidData(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	clock := newFakeClock()

	down := &apperrors.TransportError{Op: "anisette v1 headers", Err: errors.New("connection refused")}

	gomock.InOrder(
		provider.EXPECT().BaseHeaders(gomock.Any()).Return(baseHeaders(), nil),
		provider.EXPECT().BaseHeaders(gomock.Any()).Return(nil, down),
	)

	m := NewManager(provider, testLogger(), WithClock(clock.Now))

	_, err := m.Current(context.Background())
	require.NoError(t, err)

	clock.Advance(95 * time.Second)

	headers, err := m.Headers(context.Background(), true, true, true)
	assert.Nil(t, headers)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestManager_InitialFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)

	provider.EXPECT().BaseHeaders(gomock.Any()).Return(nil, errors.New("boom"))

	m := NewManager(provider, testLogger())

	_, err := m.Headers(context.Background(), false, false, false)
	assert.ErrorContains(t, err, "boom")
}

func TestManager_CoalescesConcurrentRefresh(t *testing.T) {
	var calls atomic.Int32

	release := make(chan struct{})
	provider := ProviderFunc(func(ctx context.Context) (map[string]string, error) {
		calls.Add(1)
		<-release

		return baseHeaders(), nil
	})

	m := NewManager(provider, testLogger())

	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := m.Headers(context.Background(), false, true, false)
			assert.NoError(t, err)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_CanceledCallerDoesNotFailOthers(t *testing.T) {
	var calls atomic.Int32

	started := make(chan struct{})
	release := make(chan struct{})
	provider := ProviderFunc(func(ctx context.Context) (map[string]string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}

		<-release

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		return baseHeaders(), nil
	})

	m := NewManager(provider, testLogger())

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)

	go func() {
		_, err := m.Current(firstCtx)
		firstErr <- err
	}()

	<-started

	type result struct {
		data *Data
		err  error
	}

	second := make(chan result, 1)

	go func() {
		d, err := m.Current(context.Background())
		second <- result{d, err}
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)

	res := <-second
	require.NoError(t, res.err)
	assert.NotNil(t, res.data)
	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_Refresh(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)

	provider.EXPECT().BaseHeaders(gomock.Any()).Return(baseHeaders(), nil).Times(2)

	m := NewManager(provider, testLogger())

	d1, err := m.Current(context.Background())
	require.NoError(t, err)

	d2, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, d1, d2)
}

func TestManager_LocaleReachesCPD(t *testing.T) {
	m := NewManager(ProviderFunc(func(context.Context) (map[string]string, error) {
		return baseHeaders(), nil
	}), testLogger(), WithLocale("de_DE"))

	headers, err := m.Headers(context.Background(), true, false, false)
	require.NoError(t, err)
	assert.Equal(t, "de_DE", headers["loc"])
}

func TestManager_ProvisionerRunsOnce(t *testing.T) {
	dir := t.TempDir()
	p := NewProvisioner(dir, "", nil, testLogger())
	p.abi = "x86_64"

	libDir := filepath.Join(dir, "lib", "x86_64")
	require.NoError(t, os.MkdirAll(libDir, 0o700))

	for _, name := range requiredLibraries {
		require.NoError(t, os.WriteFile(filepath.Join(libDir, name), []byte("so"), 0o600))
	}

	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)
	provider.EXPECT().BaseHeaders(gomock.Any()).Return(baseHeaders(), nil).Times(2)

	m := NewManager(provider, testLogger(), WithProvisioner(p))

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, m.ready)

	_, err = m.Refresh(context.Background())
	require.NoError(t, err)
}

func TestManager_ProvisionerFailureStopsRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProvisioner(t.TempDir(), srv.URL, srv.Client(), testLogger())
	p.abi = "x86_64"

	ctrl := gomock.NewController(t)
	provider := NewMockProvider(ctrl)

	m := NewManager(provider, testLogger(), WithProvisioner(p))

	_, err := m.Headers(context.Background(), false, false, false)
	assert.True(t, apperrors.IsRetryable(err))
	assert.False(t, m.ready)
}
