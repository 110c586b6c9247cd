/*
Copyright 2024 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package quoteproxy

import (
	"context"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MaxHistoryPoints is the number of most recent candles returned by History.
const MaxHistoryPoints = 100

// Provider is an upstream quote source. Implementations return normalized
// payloads and a *NotFoundError for unknown symbols.
type Provider interface {
	Name() string
	Quote(ctx context.Context, symbol string) (*Quote, error)
	History(ctx context.Context, symbol, rng, interval string) (*History, error)
}

type Quote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Open          float64 `json:"open"`
	PreviousClose float64 `json:"previousClose"`
	Volume        float64 `json:"volume"`
	Currency      string  `json:"currency"`
	// Epoch milliseconds of the last trade.
	Time int64 `json:"time"`
}

type Candle struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type History struct {
	Symbol   string   `json:"symbol"`
	Interval string   `json:"interval"`
	Range    string   `json:"range"`
	Data     []Candle `json:"data"`
}

// rawQuote is what providers extract from the upstream before normalizing.
// Nil fields were missing from the upstream response.
type rawQuote struct {
	Symbol        string
	Price         *float64
	Change        *float64
	ChangePercent *float64
	High          *float64
	Low           *float64
	Open          *float64
	PreviousClose *float64
	Volume        *float64
	Currency      string
	Time          int64
}

// rawCandle carries upstream candle values which may be NaN or missing.
type rawCandle struct {
	Time   time.Time
	Open   *float64
	High   *float64
	Low    *float64
	Close  *float64
	Volume *float64
}

var upstreamCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "quoteproxy_upstream_calls",
	Help: "Calls made to the upstream provider.  Label \"result\" = success|not_found|error.",
}, []string{"provider", "method", "result"})

var rangeDays = map[string]int{
	"1d":  1,
	"5d":  5,
	"1mo": 30,
	"3mo": 90,
	"6mo": 180,
	"1y":  365,
	"2y":  730,
	"5y":  1825,
	"10y": 3650,
}

// RangeDays returns the number of calendar days covered by a range such as
// "3mo". Unknown ranges cover 90 days.
func RangeDays(rng string) int {
	if d, ok := rangeDays[rng]; ok {
		return d
	}
	return 90
}

// rangePeriod returns the start and end of a range ending at `now`, truncated
// to whole days in UTC.
func rangePeriod(now time.Time, rng string) (time.Time, time.Time) {
	end := now.UTC().Truncate(24 * time.Hour)
	start := now.UTC().Add(-time.Duration(RangeDays(rng)) * 24 * time.Hour).Truncate(24 * time.Hour)
	return start, end
}

func normalizeQuote(symbol string, raw rawQuote) (*Quote, error) {
	if raw.Price == nil || !isFinite(*raw.Price) {
		return nil, &NotFoundError{Symbol: symbol}
	}

	price := decimal.NewFromFloat(*raw.Price)
	prevClose := price
	hasPrevClose := raw.PreviousClose != nil && *raw.PreviousClose != 0 && isFinite(*raw.PreviousClose)
	if hasPrevClose {
		prevClose = decimal.NewFromFloat(*raw.PreviousClose)
	}

	q := Quote{
		Symbol:        raw.Symbol,
		Price:         price.InexactFloat64(),
		PreviousClose: prevClose.InexactFloat64(),
		High:          orDefault(raw.High, *raw.Price),
		Low:           orDefault(raw.Low, *raw.Price),
		Open:          orDefault(raw.Open, *raw.Price),
		Volume:        orDefault(raw.Volume, 0),
		Currency:      raw.Currency,
		Time:          raw.Time,
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	if q.Currency == "" {
		q.Currency = "USD"
	}
	if q.Time == 0 {
		q.Time = clock.Now().UnixMilli()
	}

	if raw.Change != nil && isFinite(*raw.Change) {
		q.Change = *raw.Change
	} else {
		q.Change = price.Sub(prevClose).InexactFloat64()
	}

	switch {
	case raw.ChangePercent != nil && isFinite(*raw.ChangePercent):
		q.ChangePercent = *raw.ChangePercent
	case hasPrevClose:
		q.ChangePercent = price.Sub(prevClose).
			Div(prevClose).
			Mul(decimal.NewFromInt(100)).
			InexactFloat64()
	}
	return &q, nil
}

// normalizeHistory drops candles without a date or a usable price, replaces
// non-finite values, and returns at most MaxHistoryPoints of the most recent
// candles, oldest first.
func normalizeHistory(symbol, rng, interval string, raw []rawCandle) (*History, error) {
	if len(raw) == 0 {
		return nil, &NotFoundError{Symbol: symbol}
	}

	sort.SliceStable(raw, func(i, j int) bool {
		return raw[i].Time.Before(raw[j].Time)
	})

	data := make([]Candle, 0, len(raw))
	for _, r := range raw {
		if r.Time.IsZero() {
			continue
		}
		if !anyFinite(r.Open, r.High, r.Low, r.Close) {
			continue
		}

		open := orDefault(r.Open, 0)
		cls := orDefault(r.Close, open)
		data = append(data, Candle{
			Date:   r.Time.UTC().Format("2006-01-02T15:04:05.000Z"),
			Open:   open,
			High:   orDefault(r.High, cls),
			Low:    orDefault(r.Low, cls),
			Close:  cls,
			Volume: orDefault(r.Volume, 0),
		})
	}

	if len(data) == 0 {
		return nil, errors.Errorf("No valid historical data available for %s", symbol)
	}
	if len(data) > MaxHistoryPoints {
		data = data[len(data)-MaxHistoryPoints:]
	}

	return &History{
		Symbol:   symbol,
		Interval: interval,
		Range:    rng,
		Data:     data,
	}, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func anyFinite(values ...*float64) bool {
	for _, v := range values {
		if v != nil && isFinite(*v) {
			return true
		}
	}
	return false
}

func orDefault(v *float64, def float64) float64 {
	if v == nil || !isFinite(*v) {
		return def
	}
	return *v
}

func float64Ptr(f float64) *float64 {
	return &f
}

// newUpstreamClient returns an http client instrumented with otelhttp that
// gives up on a request after timeout.
func newUpstreamClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// getJSON performs a GET and returns the body. Upstream 404 maps to
// NotFoundError, any other non 2xx status to HTTPError.
func getJSON(ctx context.Context, client *http.Client, provider, symbol, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "while creating upstream request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; quoteproxy)")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "while fetching from %s", provider)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, errors.Wrapf(err, "while reading response from %s", provider)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{Symbol: symbol}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(truncate(body, 256))),
		}
	}
	return body, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

func countUpstreamCall(provider, method string, err error) {
	result := "success"
	switch {
	case err == nil:
	case IsNotFound(err):
		result = "not_found"
	default:
		result = "error"
	}
	upstreamCallCounter.WithLabelValues(provider, method, result).Inc()
}

// NewProvider returns the provider named by conf.Provider.
func NewProvider(conf ProviderConfig) (Provider, error) {
	switch strings.ToLower(conf.Provider) {
	case "", "yahoo", "yahoofinance", "yf":
		return NewYahooProvider(conf), nil
	case "finnhub":
		if conf.APIKey == "" {
			return nil, errors.New("FINNHUB_API_KEY is required for the finnhub provider")
		}
		return NewFinnhubProvider(conf), nil
	case "alphavantage", "alpha_vantage", "av":
		if conf.APIKey == "" {
			return nil, errors.New("ALPHA_VANTAGE_API_KEY is required for the alphavantage provider")
		}
		return NewAlphaVantageProvider(conf), nil
	}
	return nil, errors.Errorf("unknown provider '%s'; valid options are ['yahoo', 'finnhub', 'alphavantage']", conf.Provider)
}

// ProviderConfig configures an upstream Provider.
type ProviderConfig struct {
	// One of yahoo, finnhub or alphavantage. Defaults to yahoo.
	Provider string

	// API key for providers that require one.
	APIKey string

	// Overrides the provider's base URL, used by tests and self hosted mirrors.
	BaseURL string

	// Maximum time a single upstream request may take.
	Timeout time.Duration
}
