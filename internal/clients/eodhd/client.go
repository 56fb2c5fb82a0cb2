// Package eodhd is a minimal client for the EODHD market data API: symbol
// resolution, daily EOD prices, fundamentals, and news with sentiment.
package eodhd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EODRow is one daily bar. adjusted_close is preferred when present.
type EODRow struct {
	Date     string
	AdjClose float64
}

// NewsItem is one article from the /news endpoint. Sentiment keys vary by
// provider, so it is kept as a raw map.
type NewsItem struct {
	Date      string                 `json:"date"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	Link      string                 `json:"link"`
	Symbols   []string               `json:"symbols"`
	Sentiment map[string]interface{} `json:"sentiment"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

func New(baseURL, apiKey string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 120 * time.Second},
		logger:  logger.With().Str("component", "eodhd").Logger(),
	}
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	params.Set("api_token", c.apiKey)
	params.Set("fmt", "json")
	fullURL := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("eodhd request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("failed to read eodhd response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return fmt.Errorf("eodhd %s error %d: %s", path, resp.StatusCode, msg)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("eodhd %s returned unexpected payload: %w", path, err)
	}
	return nil
}

// resolvedSymbol matches CODE.EXCHANGE forms like AAPL.US. Exchange
// suffixes are 2-4 letters, so SEC class tickers like BRK.B still go
// through search.
var resolvedSymbol = regexp.MustCompile(`^[A-Za-z0-9\-]+\.[A-Za-z]{2,4}$`)

// ResolveSymbol resolves an SEC trading symbol to an EODHD symbol. Symbols
// already in CODE.EXCHANGE form pass through; otherwise the search endpoint
// is queried, preferring an exact code match on the US exchange.
func (c *Client) ResolveSymbol(ctx context.Context, ticker string) (string, error) {
	t := strings.TrimSpace(ticker)
	if t == "" {
		return "", fmt.Errorf("ticker is blank, cannot resolve eodhd symbol")
	}
	if strings.Contains(t, ".") && resolvedSymbol.MatchString(t) {
		return t, nil
	}

	c.logger.Debug().Str("ticker", t).Msg("resolving symbol via search")

	var results []map[string]interface{}
	if err := c.get(ctx, "/search/"+url.PathEscape(t), url.Values{}, &results); err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", fmt.Errorf("eodhd search returned no results for %s", t)
	}

	getStr := func(m map[string]interface{}, keys ...string) string {
		for _, k := range keys {
			if v, ok := m[k]; ok {
				if s, ok := v.(string); ok {
					return strings.TrimSpace(s)
				}
			}
		}
		return ""
	}

	for _, it := range results {
		code := getStr(it, "Code", "code")
		exch := getStr(it, "Exchange", "exchange")
		if strings.EqualFold(code, t) && strings.EqualFold(exch, "US") {
			return strings.ToUpper(code) + "." + strings.ToUpper(exch), nil
		}
	}

	first := results[0]
	code := getStr(first, "Code", "code")
	if code == "" {
		code = t
	}
	exch := getStr(first, "Exchange", "exchange")
	if exch == "" {
		exch = "US"
	}
	return strings.ToUpper(code) + "." + strings.ToUpper(exch), nil
}

// FetchEODPrices fetches daily bars for [startDate, endDate], both ISO
// dates. Rows without a usable close are skipped; zero usable rows is an
// error so callers never record an empty series as success.
func (c *Client) FetchEODPrices(ctx context.Context, symbol, startDate, endDate string) ([]EODRow, error) {
	c.logger.Debug().Str("symbol", symbol).Str("from", startDate).Str("to", endDate).Msg("fetching eod prices")

	params := url.Values{}
	params.Set("period", "d")
	params.Set("from", startDate)
	params.Set("to", endDate)

	var data []map[string]interface{}
	if err := c.get(ctx, "/eod/"+url.PathEscape(symbol), params, &data); err != nil {
		return nil, err
	}

	var out []EODRow
	for _, row := range data {
		date, _ := row["date"].(string)
		date = strings.TrimSpace(date)
		if date == "" {
			continue
		}
		adj, ok := numericField(row, "adjusted_close", "adj_close", "close")
		if !ok {
			continue
		}
		out = append(out, EODRow{Date: date, AdjClose: adj})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no price rows returned for symbol %s", symbol)
	}
	return out, nil
}

// FetchFundamentals returns the raw fundamentals payload for a symbol.
func (c *Client) FetchFundamentals(ctx context.Context, symbol string) (map[string]interface{}, error) {
	c.logger.Debug().Str("symbol", symbol).Msg("fetching fundamentals")

	var data map[string]interface{}
	if err := c.get(ctx, "/fundamentals/"+url.PathEscape(symbol), url.Values{}, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// NewsQuery filters the /news endpoint. Either Symbol or Tag is required.
type NewsQuery struct {
	Symbol   string
	Tag      string
	Limit    int
	Offset   int
	DateFrom string
	DateTo   string
}

// FetchNews fetches financial news with sentiment.
func (c *Client) FetchNews(ctx context.Context, q NewsQuery) ([]NewsItem, error) {
	if q.Symbol == "" && q.Tag == "" {
		return nil, fmt.Errorf("fetch news requires either symbol or tag")
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("offset", strconv.Itoa(q.Offset))
	if q.Symbol != "" {
		params.Set("s", q.Symbol)
	}
	if q.Tag != "" {
		params.Set("t", q.Tag)
	}
	if q.DateFrom != "" {
		params.Set("from", q.DateFrom)
	}
	if q.DateTo != "" {
		params.Set("to", q.DateTo)
	}

	c.logger.Debug().Str("symbol", q.Symbol).Str("tag", q.Tag).Int("limit", q.Limit).Msg("fetching news")

	var data []NewsItem
	if err := c.get(ctx, "/news", params, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func numericField(m map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
