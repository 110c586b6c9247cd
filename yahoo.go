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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
)

const yahooBaseURL = "https://query1.finance.yahoo.com"

// YahooProvider reads quotes and candles from the Yahoo Finance chart API,
// which requires no API key.
type YahooProvider struct {
	baseURL string
	client  *http.Client
}

var _ Provider = &YahooProvider{}

func NewYahooProvider(conf ProviderConfig) *YahooProvider {
	setter.SetDefault(&conf.BaseURL, yahooBaseURL)
	setter.SetDefault(&conf.Timeout, 10*time.Second)
	return &YahooProvider{
		baseURL: conf.BaseURL,
		client:  newUpstreamClient(conf.Timeout),
	}
}

func (y *YahooProvider) Name() string {
	return "yahoo"
}

type yahooChartResponse struct {
	Chart struct {
		Result []yahooChartResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type yahooChartResult struct {
	Meta struct {
		Currency             string   `json:"currency"`
		Symbol               string   `json:"symbol"`
		RegularMarketPrice   *float64 `json:"regularMarketPrice"`
		RegularMarketTime    int64    `json:"regularMarketTime"`
		RegularMarketDayHigh *float64 `json:"regularMarketDayHigh"`
		RegularMarketDayLow  *float64 `json:"regularMarketDayLow"`
		RegularMarketOpen    *float64 `json:"regularMarketOpen"`
		RegularMarketVolume  *float64 `json:"regularMarketVolume"`
		PreviousClose        *float64 `json:"previousClose"`
		ChartPreviousClose   *float64 `json:"chartPreviousClose"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*float64 `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

func (y *YahooProvider) chart(ctx context.Context, symbol string, params url.Values) (*yahooChartResult, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", y.baseURL, url.PathEscape(symbol), params.Encode())
	body, err := getJSON(ctx, y.client, y.Name(), symbol, u)
	if err != nil {
		return nil, err
	}

	var resp yahooChartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "while decoding yahoo chart response")
	}
	if resp.Chart.Error != nil {
		if resp.Chart.Error.Code == "Not Found" {
			return nil, &NotFoundError{Symbol: symbol}
		}
		return nil, errors.Errorf("yahoo: %s: %s", resp.Chart.Error.Code, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return nil, &NotFoundError{Symbol: symbol}
	}
	return &resp.Chart.Result[0], nil
}

func (y *YahooProvider) Quote(ctx context.Context, symbol string) (q *Quote, err error) {
	defer func() { countUpstreamCall(y.Name(), "quote", err) }()

	r, err := y.chart(ctx, symbol, url.Values{
		"range":    []string{"1d"},
		"interval": []string{"1d"},
	})
	if err != nil {
		return nil, err
	}

	prev := r.Meta.PreviousClose
	if prev == nil {
		prev = r.Meta.ChartPreviousClose
	}
	var ts int64
	if r.Meta.RegularMarketTime != 0 {
		ts = r.Meta.RegularMarketTime * 1000
	}

	return normalizeQuote(symbol, rawQuote{
		Symbol:        r.Meta.Symbol,
		Price:         r.Meta.RegularMarketPrice,
		High:          r.Meta.RegularMarketDayHigh,
		Low:           r.Meta.RegularMarketDayLow,
		Open:          r.Meta.RegularMarketOpen,
		Volume:        r.Meta.RegularMarketVolume,
		PreviousClose: prev,
		Currency:      r.Meta.Currency,
		Time:          ts,
	})
}

func (y *YahooProvider) History(ctx context.Context, symbol, rng, interval string) (h *History, err error) {
	defer func() { countUpstreamCall(y.Name(), "history", err) }()

	start, end := rangePeriod(clock.Now(), rng)
	r, err := y.chart(ctx, symbol, url.Values{
		"period1":  []string{fmt.Sprint(start.Unix())},
		"period2":  []string{fmt.Sprint(end.Unix())},
		"interval": []string{interval},
	})
	if err != nil {
		return nil, err
	}

	var candles []rawCandle
	if len(r.Indicators.Quote) != 0 {
		q := r.Indicators.Quote[0]
		for i, ts := range r.Timestamp {
			candles = append(candles, rawCandle{
				Time:   time.Unix(ts, 0),
				Open:   at(q.Open, i),
				High:   at(q.High, i),
				Low:    at(q.Low, i),
				Close:  at(q.Close, i),
				Volume: at(q.Volume, i),
			})
		}
	}
	return normalizeHistory(symbol, rng, interval, candles)
}

func at(values []*float64, i int) *float64 {
	if i < len(values) {
		return values[i]
	}
	return nil
}
