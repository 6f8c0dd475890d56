package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quotewire/quotewire/internal/quote"
)

// HTTPFeed fetches quote snapshots from an HTTP market-data vendor.
// The vendor endpoint is GET {base}/quotes?codes=a,b and returns
// {"data":[{code,name,price,change,change_percent,volume,amount}]}.
type HTTPFeed struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *zap.Logger
}

type feedItem struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
	Amount        decimal.Decimal `json:"amount"`
}

type feedResponse struct {
	Data []feedItem `json:"data"`
}

// NewHTTPFeed builds the vendor adapter. timeout bounds every request.
func NewHTTPFeed(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *HTTPFeed {
	return &HTTPFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (f *HTTPFeed) Name() string { return "httpfeed" }

// Fetch requests snapshots for codes and normalizes them into Quotes.
// Codes missing from the vendor response are silently absent from the
// result; a failed or non-200 request is a transient error.
func (f *HTTPFeed) Fetch(ctx context.Context, codes []string) ([]quote.Quote, error) {
	if len(codes) == 0 {
		return nil, nil
	}

	q := url.Values{}
	q.Set("codes", strings.Join(codes, ","))
	if f.apiKey != "" {
		q.Set("api_key", f.apiKey)
	}
	reqURL := f.baseURL + "/quotes?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("httpfeed: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpfeed: fetch quotes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpfeed: unexpected status %d", resp.StatusCode)
	}

	var body feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("httpfeed: decode response: %w", err)
	}

	now := time.Now()
	out := make([]quote.Quote, 0, len(body.Data))
	for _, item := range body.Data {
		if item.Code == "" {
			f.log.Warn("httpfeed item without code skipped")
			continue
		}
		out = append(out, quote.Quote{
			Code:          item.Code,
			Name:          item.Name,
			Price:         item.Price,
			Change:        item.Change,
			ChangePercent: item.ChangePercent,
			Volume:        item.Volume,
			Amount:        item.Amount,
			Timestamp:     now,
		})
	}
	return out, nil
}
