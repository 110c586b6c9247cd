/*
Copyright 2018-2022 Mailgun Technologies Inc

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

const finnhubBaseURL = "https://finnhub.io/api/v1"

// FinnhubProvider reads quotes and candles from the Finnhub REST API.
type FinnhubProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ Provider = &FinnhubProvider{}

func NewFinnhubProvider(conf ProviderConfig) *FinnhubProvider {
	setter.SetDefault(&conf.BaseURL, finnhubBaseURL)
	setter.SetDefault(&conf.Timeout, 10*time.Second)
	return &FinnhubProvider{
		baseURL: conf.BaseURL,
		apiKey:  conf.APIKey,
		client:  newUpstreamClient(conf.Timeout),
	}
}

func (f *FinnhubProvider) Name() string {
	return "finnhub"
}

type finnhubQuote struct {
	Current       *float64 `json:"c"`
	Change        *float64 `json:"d"`
	ChangePercent *float64 `json:"dp"`
	High          *float64 `json:"h"`
	Low           *float64 `json:"l"`
	Open          *float64 `json:"o"`
	PreviousClose *float64 `json:"pc"`
	Time          int64    `json:"t"`
}

type finnhubCandles struct {
	Close  []*float64 `json:"c"`
	High   []*float64 `json:"h"`
	Low    []*float64 `json:"l"`
	Open   []*float64 `json:"o"`
	Volume []*float64 `json:"v"`
	Time   []int64    `json:"t"`
	Status string     `json:"s"`
}

// Finnhub candle resolutions keyed by the Yahoo style interval names the
// HTTP API accepts.
var finnhubResolutions = map[string]string{
	"1m":  "1",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"60m": "60",
	"1h":  "60",
	"1d":  "D",
	"1wk": "W",
	"1mo": "M",
}

func (f *FinnhubProvider) get(ctx context.Context, symbol, path string, params url.Values, out interface{}) error {
	params.Set("token", f.apiKey)
	body, err := getJSON(ctx, f.client, f.Name(), symbol, fmt.Sprintf("%s%s?%s", f.baseURL, path, params.Encode()))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "while decoding finnhub response")
	}
	return nil
}

func (f *FinnhubProvider) Quote(ctx context.Context, symbol string) (q *Quote, err error) {
	defer func() { countUpstreamCall(f.Name(), "quote", err) }()

	var resp finnhubQuote
	if err := f.get(ctx, symbol, "/quote", url.Values{"symbol": []string{symbol}}, &resp); err != nil {
		return nil, err
	}

	// Finnhub answers unknown symbols with an all zero quote
	if resp.Current == nil || *resp.Current == 0 {
		return nil, errors.Errorf("Invalid symbol or no data available: %s", symbol)
	}

	return normalizeQuote(symbol, rawQuote{
		Symbol:        symbol,
		Price:         resp.Current,
		Change:        resp.Change,
		ChangePercent: resp.ChangePercent,
		High:          resp.High,
		Low:           resp.Low,
		Open:          resp.Open,
		PreviousClose: resp.PreviousClose,
		Time:          resp.Time * 1000,
	})
}

func (f *FinnhubProvider) History(ctx context.Context, symbol, rng, interval string) (h *History, err error) {
	defer func() { countUpstreamCall(f.Name(), "history", err) }()

	resolution, ok := finnhubResolutions[interval]
	if !ok {
		return nil, errors.Errorf("unsupported interval '%s'", interval)
	}

	start, end := rangePeriod(clock.Now(), rng)
	var resp finnhubCandles
	err = f.get(ctx, symbol, "/stock/candle", url.Values{
		"symbol":     []string{symbol},
		"resolution": []string{resolution},
		"from":       []string{fmt.Sprint(start.Unix())},
		"to":         []string{fmt.Sprint(end.Unix())},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status == "no_data" {
		return nil, &NotFoundError{Symbol: symbol}
	}

	candles := make([]rawCandle, 0, len(resp.Time))
	for i, ts := range resp.Time {
		candles = append(candles, rawCandle{
			Time:   time.Unix(ts, 0),
			Open:   at(resp.Open, i),
			High:   at(resp.High, i),
			Low:    at(resp.Low, i),
			Close:  at(resp.Close, i),
			Volume: at(resp.Volume, i),
		})
	}
	return normalizeHistory(symbol, rng, interval, candles)
}
