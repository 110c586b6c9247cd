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
	"strconv"
	"strings"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
)

const alphaVantageBaseURL = "https://www.alphavantage.co"

// AlphaVantageProvider reads quotes and time series from Alpha Vantage.
type AlphaVantageProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ Provider = &AlphaVantageProvider{}

func NewAlphaVantageProvider(conf ProviderConfig) *AlphaVantageProvider {
	setter.SetDefault(&conf.BaseURL, alphaVantageBaseURL)
	setter.SetDefault(&conf.Timeout, 10*time.Second)
	return &AlphaVantageProvider{
		baseURL: conf.BaseURL,
		apiKey:  conf.APIKey,
		client:  newUpstreamClient(conf.Timeout),
	}
}

func (a *AlphaVantageProvider) Name() string {
	return "alphavantage"
}

// query calls the Alpha Vantage query endpoint and returns the decoded top
// level object. Error and throttle notices come back with HTTP 200.
func (a *AlphaVantageProvider) query(ctx context.Context, symbol string, params url.Values) (map[string]json.RawMessage, error) {
	params.Set("symbol", symbol)
	params.Set("apikey", a.apiKey)
	body, err := getJSON(ctx, a.client, a.Name(), symbol, fmt.Sprintf("%s/query?%s", a.baseURL, params.Encode()))
	if err != nil {
		return nil, err
	}

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "while decoding alphavantage response")
	}

	if _, ok := resp["Error Message"]; ok {
		return nil, &NotFoundError{Symbol: symbol}
	}
	for _, k := range []string{"Note", "Information"} {
		if raw, ok := resp[k]; ok {
			var msg string
			_ = json.Unmarshal(raw, &msg)
			if msg == "" {
				msg = "API limit reached"
			}
			return nil, errors.Errorf("alphavantage: %s", msg)
		}
	}
	return resp, nil
}

func (a *AlphaVantageProvider) Quote(ctx context.Context, symbol string) (q *Quote, err error) {
	defer func() { countUpstreamCall(a.Name(), "quote", err) }()

	resp, err := a.query(ctx, symbol, url.Values{"function": []string{"GLOBAL_QUOTE"}})
	if err != nil {
		return nil, err
	}

	var gq map[string]string
	if raw, ok := resp["Global Quote"]; ok {
		if err := json.Unmarshal(raw, &gq); err != nil {
			return nil, errors.Wrap(err, "while decoding alphavantage global quote")
		}
	}
	if gq["05. price"] == "" {
		return nil, &NotFoundError{Symbol: symbol}
	}

	var ts int64
	if day, err := time.Parse("2006-01-02", gq["07. latest trading day"]); err == nil {
		ts = day.UnixMilli()
	}

	return normalizeQuote(symbol, rawQuote{
		Symbol:        gq["01. symbol"],
		Open:          parseAVFloat(gq["02. open"]),
		High:          parseAVFloat(gq["03. high"]),
		Low:           parseAVFloat(gq["04. low"]),
		Price:         parseAVFloat(gq["05. price"]),
		Volume:        parseAVFloat(gq["06. volume"]),
		PreviousClose: parseAVFloat(gq["08. previous close"]),
		Change:        parseAVFloat(gq["09. change"]),
		ChangePercent: parseAVFloat(strings.TrimSuffix(gq["10. change percent"], "%")),
		Time:          ts,
	})
}

// avSeries maps an interval to the time series function and, for intraday
// series, the Alpha Vantage interval name.
func avSeries(interval string) (function, avInterval string, err error) {
	switch interval {
	case "1d":
		return "TIME_SERIES_DAILY", "", nil
	case "1wk":
		return "TIME_SERIES_WEEKLY", "", nil
	case "1mo":
		return "TIME_SERIES_MONTHLY", "", nil
	case "1m", "5m", "15m", "30m", "60m":
		return "TIME_SERIES_INTRADAY", strings.TrimSuffix(interval, "m") + "min", nil
	case "1h":
		return "TIME_SERIES_INTRADAY", "60min", nil
	}
	return "", "", errors.Errorf("unsupported interval '%s'", interval)
}

func (a *AlphaVantageProvider) History(ctx context.Context, symbol, rng, interval string) (h *History, err error) {
	defer func() { countUpstreamCall(a.Name(), "history", err) }()

	function, avInterval, err := avSeries(interval)
	if err != nil {
		return nil, err
	}
	params := url.Values{"function": []string{function}}
	if avInterval != "" {
		params.Set("interval", avInterval)
	}

	resp, err := a.query(ctx, symbol, params)
	if err != nil {
		return nil, err
	}

	var series map[string]map[string]string
	for k, raw := range resp {
		if strings.Contains(k, "Time Series") {
			if err := json.Unmarshal(raw, &series); err != nil {
				return nil, errors.Wrap(err, "while decoding alphavantage time series")
			}
			break
		}
	}
	if len(series) == 0 {
		return nil, &NotFoundError{Symbol: symbol}
	}

	start, _ := rangePeriod(clock.Now(), rng)
	candles := make([]rawCandle, 0, len(series))
	for date, v := range series {
		ts, err := parseAVDate(date)
		if err != nil || ts.Before(start) {
			continue
		}
		candles = append(candles, rawCandle{
			Time:   ts,
			Open:   parseAVFloat(v["1. open"]),
			High:   parseAVFloat(v["2. high"]),
			Low:    parseAVFloat(v["3. low"]),
			Close:  parseAVFloat(v["4. close"]),
			Volume: parseAVFloat(v["5. volume"]),
		})
	}
	return normalizeHistory(symbol, rng, interval, candles)
}

func parseAVDate(s string) (time.Time, error) {
	if len(s) > len("2006-01-02") {
		return time.Parse("2006-01-02 15:04:05", s)
	}
	return time.Parse("2006-01-02", s)
}

func parseAVFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return float64Ptr(f)
}
