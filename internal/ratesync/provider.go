package ratesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qiuyier/ledger-sync/internal/currency"
)

// 响应体上限
const maxResponseBytes = 1 << 20

// HTTPProvider 通过 GET 获取汇率列表 [{baseCurrency, targetCurrency, rate}]
type HTTPProvider struct {
	url        string
	apiKey     string
	currencies map[string]bool
	client     *http.Client
}

// NewHTTPProvider currencies 为空时不过滤
func NewHTTPProvider(url, apiKey string, currencies []string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var allowed map[string]bool
	if len(currencies) > 0 {
		allowed = make(map[string]bool, len(currencies))
		for _, c := range currencies {
			allowed[strings.ToUpper(strings.TrimSpace(c))] = true
		}
	}

	return &HTTPProvider{
		url:        url,
		apiKey:     apiKey,
		currencies: allowed,
		client:     &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) FetchRates(ctx context.Context) ([]currency.Rate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %w", ErrProvider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %w", ErrProvider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: provider returned status %d", ErrProvider, resp.StatusCode)
	}

	var rates []currency.Rate
	if err := json.Unmarshal(body, &rates); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %w", ErrProvider, err)
	}

	out := rates[:0]
	for _, r := range rates {
		if r.Base == "" || r.Target == "" {
			return nil, fmt.Errorf("%w: rate without currency code", ErrProvider)
		}
		if p.currencies != nil && !(p.currencies[strings.ToUpper(r.Base)] && p.currencies[strings.ToUpper(r.Target)]) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
