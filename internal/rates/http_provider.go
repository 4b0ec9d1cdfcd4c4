package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/retry"
)

// HTTPProvider fetches live rates from a JSON endpoint. The endpoint takes
// from/to query parameters and answers {"rate": "..."}.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a live rate provider.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPProvider) Fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate provider URL: %w", err)
	}
	q := u.Query()
	q.Set("from", from)
	q.Set("to", to)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate provider request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("rate provider returned %d for %s/%s", resp.StatusCode, from, to)
		// 4xx means the request itself is wrong; retrying cannot help.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return decimal.Zero, retry.Permanent(err)
		}
		return decimal.Zero, err
	}

	var body struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate response: %w", err)
	}
	if !body.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("rate provider returned non-positive rate for %s/%s", from, to)
	}
	return body.Rate, nil
}

// Compile-time assertion that HTTPProvider implements Provider.
var _ Provider = (*HTTPProvider)(nil)
