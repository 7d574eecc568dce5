package tradier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/xhhuango/json"
)

const DefaultBaseURL = "https://api.tradier.com"

// Client fetches market history from the Tradier REST API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		BaseURL: DefaultBaseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// GetQuotes returns the price history of symbol between start and end
// (YYYY-MM-DD) at the given interval (daily, weekly, monthly).
func (c *Client) GetQuotes(ctx context.Context, symbol, start, end, interval string) (*QuoteHistory, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("start", start)
	q.Set("end", end)
	q.Set("session_filter", "all")

	u, err := url.Parse(c.BaseURL + "/v1/markets/history")
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	u.RawQuery = q.Encode()

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	r.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	r.Header.Add("Accept", "application/json")

	resp, err := c.HTTP.Do(r)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes for %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	responseData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response data: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quotes for %s: unexpected status %d", symbol, resp.StatusCode)
	}

	quoteHistory := &QuoteHistory{}
	if err := json.Unmarshal(responseData, quoteHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response data: %w", err)
	}

	return quoteHistory, nil
}
