package rates

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedConvert(t *testing.T) {
	src := NewFixed(map[string]string{
		"USDT_BEP20": "1",
		"BTC":        "0.00025",
	})

	amt, err := src.Convert(context.Background(), 5000, "USDT_BEP20")
	require.NoError(t, err)
	assert.Equal(t, "50.00000000", amt)

	amt, err = src.Convert(context.Background(), 5000, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "0.01250000", amt)

	_, err = src.Convert(context.Background(), 5000, "DOGE")
	assert.ErrorIs(t, err, ErrRateUnavailable)
}

func TestHTTPSourceCachesWithinTTL(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"currency":     r.URL.Query().Get("currency"),
			"unitsPerFiat": "1",
		})
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Minute)

	for i := 0; i < 3; i++ {
		amt, err := src.Convert(context.Background(), 100, "USDT_BEP20")
		require.NoError(t, err)
		assert.Equal(t, "1.00000000", amt)
	}
	assert.Equal(t, int64(1), calls.Load(), "cached within TTL")
}

func TestHTTPSourceServesStaleOnFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"unitsPerFiat": "2"})
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Nanosecond) // immediately stale
	src.maxStale = time.Hour

	amt, err := src.Convert(context.Background(), 100, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "2.00000000", amt)

	fail.Store(true)
	time.Sleep(time.Millisecond)

	amt, err = src.Convert(context.Background(), 100, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "2.00000000", amt, "stale rate served while upstream down")
}

func TestHTTPSourceFailsWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Minute)
	_, err := src.Convert(context.Background(), 100, "ETH")
	assert.ErrorIs(t, err, ErrRateUnavailable)
}

func TestHTTPSourceRejectsBadRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"unitsPerFiat": "-3"})
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Minute)
	_, err := src.Convert(context.Background(), 100, "ETH")
	assert.ErrorIs(t, err, ErrRateUnavailable)
}
