// File: internal/binance/rest.go
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"coinwatch/internal/ring"
)

// maxKlinesPerRequest is the provider's hard cap on one klines call.
const maxKlinesPerRequest = 1000

// RestClient fetches historical klines used to pre-populate ring buffers
// before going live.
type RestClient struct {
	baseURL string
	http    *http.Client
}

// NewRestClient builds a REST client against baseURL (e.g.
// "https://api.binance.com").
func NewRestClient(baseURL string, timeout time.Duration) *RestClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RestClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Klines returns up to limit most recent klines for symbol, oldest first.
// Limits beyond the provider's per-request cap are paged backwards through
// endTime until limit rows are collected or history runs out. Non-2xx
// responses come back as a StatusError so callers can distinguish a rate
// limit (retry later) from a permanent failure (skip the symbol).
func (rc *RestClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]ring.Sample, error) {
	var out []ring.Sample
	var endTime int64 // 0 = latest
	for remaining := limit; remaining > 0; {
		req := remaining
		if req > maxKlinesPerRequest {
			req = maxKlinesPerRequest
		}
		page, err := rc.klinesPage(ctx, symbol, interval, req, endTime)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		out = append(page, out...)
		remaining -= len(page)
		if len(page) < req {
			break // history exhausted
		}
		endTime = page[0].OpenTime - 1
	}
	return out, nil
}

// klinesPage issues one capped request. Rows arrive oldest first.
func (rc *RestClient) klinesPage(ctx context.Context, symbol, interval string, limit int, endTime int64) ([]ring.Sample, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	if endTime > 0 {
		q.Set("endTime", strconv.FormatInt(endTime, 10))
	}
	u := rc.baseURL + "/api/v3/klines?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := rc.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	// The payload is an array of mixed-type rows:
	// [openTime, "open", "high", "low", "close", "volume", closeTime,
	//  "quoteVolume", trades, ...]
	var rows [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("binance: klines %s: %w", symbol, err)
	}

	out := make([]ring.Sample, 0, len(rows))
	for _, row := range rows {
		if len(row) < 8 {
			continue
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			continue
		}
		out = append(out, ring.Sample{
			OpenTime:    openTime,
			Close:       rawFloat(row[4]),
			BaseVolume:  rawFloat(row[5]),
			QuoteVolume: rawFloat(row[7]),
		})
	}
	return out, nil
}

// rawFloat decodes a quoted decimal cell; malformed cells resolve to 0
// rather than failing the batch.
func rawFloat(raw json.RawMessage) float64 {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
