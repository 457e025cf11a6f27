package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardie-github/Settler-API-sub003/matching"
	"github.com/shardie-github/Settler-API-sub003/resilience"
)

var testRange = DateRange{
	From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	To:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(NewStaticAdapter("stripe", nil)))
	require.NoError(t, registry.Register(NewStaticAdapter("bank", nil)))

	err := registry.Register(NewStaticAdapter("stripe", nil))
	assert.True(t, errors.Is(err, ErrProviderAlreadyRegistered))
	assert.Error(t, registry.Register(NewStaticAdapter("", nil)))
	assert.Error(t, registry.Register(nil))

	adapter, err := registry.Get("bank")
	require.NoError(t, err)
	assert.Equal(t, "bank", adapter.Name())

	_, err = registry.Get("paypal")
	assert.True(t, errors.Is(err, ErrProviderNotFound))

	assert.Equal(t, []string{"bank", "stripe"}, registry.Names())
}

func TestStaticAdapterFiltersByRange(t *testing.T) {
	adapter := NewStaticAdapter("bank", []matching.Record{
		{ID: "in", Date: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		{ID: "edge", Date: testRange.To},
		{ID: "before", Date: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)},
	})

	records, err := adapter.Fetch(context.Background(), FetchRequest{Range: testRange})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "in", records[0].ID)

	all, err := adapter.Fetch(context.Background(), FetchRequest{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestHTTPAdapterFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/records", r.URL.Path)
		assert.Equal(t, "2024-01-01T00:00:00Z", r.URL.Query().Get("from"))
		assert.Equal(t, "acct_1", r.URL.Query().Get("account"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "tenant-1", r.Header.Get("X-Tenant-ID"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"id":"p1","amount":10,"currency":"USD","date":"2024-01-01T12:00:00Z","metadata":{"sourceId":"o1"}}]}`))
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(HTTPConfig{Name: "stripe", BaseURL: server.URL + "/", APIKey: "secret"})
	records, err := adapter.Fetch(context.Background(), FetchRequest{
		Range:    testRange,
		TenantID: "tenant-1",
		Config:   map[string]string{"account": "acct_1"},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "p1", records[0].ID)
	assert.Equal(t, 10.0, records[0].Amount)
	assert.Equal(t, "o1", records[0].Metadata["sourceId"])
}

func TestHTTPAdapterClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer server.Close()

			adapter := NewHTTPAdapter(HTTPConfig{Name: "bank", BaseURL: server.URL})
			_, err := adapter.Fetch(context.Background(), FetchRequest{Range: testRange})
			require.Error(t, err)

			var callErr *resilience.ExternalCallError
			require.True(t, errors.As(err, &callErr))
			assert.Equal(t, tt.status, callErr.StatusCode)
			assert.Equal(t, tt.retryable, resilience.IsRetryable(err))
		})
	}
}

func TestHTTPAdapterBadPayloadIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"records": [`))
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(HTTPConfig{Name: "bank", BaseURL: server.URL})
	_, err := adapter.Fetch(context.Background(), FetchRequest{Range: testRange})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode records")
}
