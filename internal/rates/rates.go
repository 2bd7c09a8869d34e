// Package rates converts locked fiat prices into crypto amounts.
//
// The order lifecycle asks a Source to convert once at order creation;
// the result is fixed on the order and never re-priced.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coinsub/coinsub/internal/money"
	"github.com/coinsub/coinsub/internal/retry"
)

// ErrRateUnavailable is returned when no conversion can be computed.
var ErrRateUnavailable = errors.New("rate unavailable")

// Source converts a fiat amount in cents into a crypto amount for a currency.
type Source interface {
	Convert(ctx context.Context, fiatCents int64, currency string) (string, error)
}

// Fixed is a static rate table for development and tests.
type Fixed struct {
	// unitsPerFiat maps currency code to how many crypto units one fiat unit buys.
	unitsPerFiat map[string]string
}

// NewFixed creates a fixed-rate source.
func NewFixed(unitsPerFiat map[string]string) *Fixed {
	return &Fixed{unitsPerFiat: unitsPerFiat}
}

func (f *Fixed) Convert(_ context.Context, fiatCents int64, currency string) (string, error) {
	rate, ok := f.unitsPerFiat[currency]
	if !ok {
		return "", fmt.Errorf("%w: no fixed rate for %s", ErrRateUnavailable, currency)
	}
	amount, err := money.FromCents(fiatCents, rate)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	return amount, nil
}

type cachedRate struct {
	unitsPerFiat string
	fetchedAt    time.Time
}

// HTTPSource fetches rates from an external rate service with a TTL cache.
// A stale cached rate is served while the upstream is down, up to maxStale;
// past that, conversion fails with ErrRateUnavailable rather than pricing
// an order on ancient data.
type HTTPSource struct {
	baseURL  string
	ttl      time.Duration
	maxStale time.Duration
	client   *http.Client

	mu    sync.RWMutex
	cache map[string]cachedRate
}

// NewHTTPSource creates a rate source backed by an HTTP rate service.
func NewHTTPSource(baseURL string, ttl time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL:  baseURL,
		ttl:      ttl,
		maxStale: 10 * ttl,
		client:   &http.Client{Timeout: 5 * time.Second},
		cache:    make(map[string]cachedRate),
	}
}

func (s *HTTPSource) Convert(ctx context.Context, fiatCents int64, currency string) (string, error) {
	rate, err := s.unitsPerFiat(ctx, currency)
	if err != nil {
		return "", err
	}
	amount, err := money.FromCents(fiatCents, rate)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	return amount, nil
}

func (s *HTTPSource) unitsPerFiat(ctx context.Context, currency string) (string, error) {
	s.mu.RLock()
	cached, ok := s.cache[currency]
	s.mu.RUnlock()

	if ok && time.Since(cached.fetchedAt) < s.ttl {
		return cached.unitsPerFiat, nil
	}

	// Transient upstream failures are retried before falling back to a
	// stale rate.
	var rate string
	err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		var fetchErr error
		rate, fetchErr = s.fetch(ctx, currency)
		return fetchErr
	})
	if err != nil {
		// Serve a stale rate within the tolerance window.
		if ok && time.Since(cached.fetchedAt) < s.maxStale {
			return cached.unitsPerFiat, nil
		}
		return "", fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}

	s.mu.Lock()
	s.cache[currency] = cachedRate{unitsPerFiat: rate, fetchedAt: time.Now()}
	s.mu.Unlock()

	return rate, nil
}

func (s *HTTPSource) fetch(ctx context.Context, currency string) (string, error) {
	u := s.baseURL + "?currency=" + url.QueryEscape(currency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("rate service returned %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Client errors won't heal on retry.
			return "", retry.Permanent(err)
		}
		return "", err
	}

	var body struct {
		Currency     string `json:"currency"`
		UnitsPerFiat string `json:"unitsPerFiat"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if !money.IsPositive(body.UnitsPerFiat) {
		return "", fmt.Errorf("rate service returned non-positive rate %q", body.UnitsPerFiat)
	}
	return body.UnitsPerFiat, nil
}
