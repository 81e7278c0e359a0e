package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPSource fetches quotes from an aggregator endpoint responding with
// {"rate": "<decimal>"} per asset.
type HTTPSource struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSource constructs a source over the supplied endpoint.
func NewHTTPSource(endpoint string) (*HTTPSource, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: endpoint required")
	}
	return &HTTPSource{
		endpoint: trimmed,
		client:   &http.Client{Timeout: 5 * time.Second},
	}, nil
}

type rateResponse struct {
	Rate string `json:"rate"`
}

// Rate implements Source.
func (s *HTTPSource) Rate(ctx context.Context, asset string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.endpoint+"?asset="+url.QueryEscape(asset), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: fetch rate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("oracle: unexpected status %d", resp.StatusCode)
	}
	var payload rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("oracle: decode rate: %w", err)
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(payload.Rate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: parse rate %q: %w", payload.Rate, err)
	}
	return rate, nil
}

// StaticSource serves fixed per-asset rates, used when no aggregator endpoint
// is configured.
type StaticSource struct {
	rates map[string]decimal.Decimal
}

// NewStaticSource parses a map of asset to decimal rate strings.
func NewStaticSource(rates map[string]string) (*StaticSource, error) {
	parsed := make(map[string]decimal.Decimal, len(rates))
	for asset, raw := range rates {
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("oracle: parse rate for %s: %w", asset, err)
		}
		parsed[strings.ToUpper(strings.TrimSpace(asset))] = rate
	}
	return &StaticSource{rates: parsed}, nil
}

// Rate implements Source.
func (s *StaticSource) Rate(ctx context.Context, asset string) (decimal.Decimal, error) {
	rate, ok := s.rates[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s: no configured rate", ErrPriceUnavailable, asset)
	}
	return rate, nil
}
