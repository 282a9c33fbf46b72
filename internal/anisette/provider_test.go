package anisette

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteV1Provider_BaseHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)

		_, _ = w.Write([]byte(`{
			"X-Apple-I-MD": "md",
			"X-Apple-I-MD-M": "mdm",
			"X-Apple-I-MD-RINFO": "17106176",
			"X-Mme-Client-Info": "` + testClientInfo + `",
			"X-Apple-I-SRL-NO": "0",
			"retries": 3
		}`))
	}))
	defer srv.Close()

	p := NewRemoteV1Provider(srv.URL, srv.Client())

	headers, err := p.BaseHeaders(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "md", headers["X-Apple-I-MD"])
	assert.Equal(t, testClientInfo, headers["X-Mme-Client-Info"])
	assert.NotContains(t, headers, "retries")
}

func TestRemoteV1Provider_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"missing md", http.StatusOK, `{"X-Apple-I-MD-M":"mdm"}`, false},
		{"not json", http.StatusOK, `<html>`, false},
		{"server error", http.StatusInternalServerError, `oops`, true},
		{"rate limited", http.StatusTooManyRequests, ``, true},
		{"not found", http.StatusNotFound, ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			headers, err := NewRemoteV1Provider(srv.URL, srv.Client()).BaseHeaders(context.Background())
			require.Error(t, err)
			assert.Nil(t, headers)
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(err))

			if !tt.retryable {
				var pe *apperrors.ParseError
				assert.True(t, errors.As(err, &pe))
			}
		})
	}
}

func TestRemoteV1Provider_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRemoteV1Provider(url, nil).BaseHeaders(context.Background())
	assert.True(t, apperrors.IsRetryable(err))
}
