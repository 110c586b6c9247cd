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

package quoteproxy_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tickerwatch/quoteproxy"
)

var configEnv = []string{
	"PORT",
	"PROXY_HTTP_ADDRESS",
	"PROXY_RATE_LIMIT",
	"PROXY_RATE_WINDOW",
	"PROXY_SAFETY_MARGIN",
	"PROXY_QUOTE_TTL",
	"PROXY_HISTORY_TTL",
	"PROXY_FETCH_TIMEOUT",
	"PROXY_QUEUE_TIMEOUT",
	"PROXY_CLIENT_RPS",
	"PROXY_CLIENT_BURST",
	"PROXY_CACHE_SIZE",
	"PROXY_TRACING_SAMPLE_RATIO",
	"PROXY_METRIC_FLAGS",
	"PROXY_PROVIDER",
	"PROXY_PROVIDER_URL",
	"PROXY_LOG_LEVEL",
	"PROXY_LOG_FORMAT",
	"FINNHUB_API_KEY",
	"ALPHA_VANTAGE_API_KEY",
}

// clearConfigEnv unsets every variable the daemon reads and restores them
// when the test ends.
func clearConfigEnv(t *testing.T) {
	for _, name := range configEnv {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
}

func TestSetupDaemonConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	conf, err := quoteproxy.SetupDaemonConfig(logrus.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3001", conf.HTTPListenAddress)
	assert.Equal(t, 20, conf.RateLimit)
	assert.Equal(t, time.Minute, conf.RateWindow)
	assert.Equal(t, 100*time.Millisecond, conf.SafetyMargin)
	assert.Equal(t, time.Minute, conf.QuoteTTL)
	assert.Equal(t, time.Minute, conf.HistoryTTL)
	assert.Equal(t, 10*time.Second, conf.FetchTimeout)
	assert.Equal(t, time.Duration(0), conf.QueueTimeout)
	assert.Equal(t, 50000, conf.CacheSize)
	assert.Equal(t, 10, conf.ClientBurst)
	assert.Equal(t, float64(0), conf.ClientRPS)
	assert.Equal(t, "yahoo", conf.Provider.Provider)
	assert.Equal(t, 10*time.Second, conf.Provider.Timeout)
	assert.False(t, conf.MetricFlags.Has(quoteproxy.FlagOSMetrics))
	assert.NotNil(t, conf.Logger)
}

func TestSetupDaemonConfigEnv(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("PROXY_RATE_LIMIT", "5")
	t.Setenv("PROXY_RATE_WINDOW", "30s")
	t.Setenv("PROXY_QUEUE_TIMEOUT", "2m")
	t.Setenv("PROXY_CACHE_SIZE", "0")
	t.Setenv("PROXY_CLIENT_RPS", "2.5")
	t.Setenv("PROXY_METRIC_FLAGS", "os, golang")
	t.Setenv("PROXY_PROVIDER", "Finnhub")
	t.Setenv("FINNHUB_API_KEY", "secret")

	conf, err := quoteproxy.SetupDaemonConfig(logrus.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", conf.HTTPListenAddress)
	assert.Equal(t, 5, conf.RateLimit)
	assert.Equal(t, 30*time.Second, conf.RateWindow)
	assert.Equal(t, 2*time.Minute, conf.QueueTimeout)
	assert.Equal(t, 0, conf.CacheSize)
	assert.Equal(t, 2.5, conf.ClientRPS)
	assert.True(t, conf.MetricFlags.Has(quoteproxy.FlagOSMetrics))
	assert.True(t, conf.MetricFlags.Has(quoteproxy.FlagGolangMetrics))
	assert.Equal(t, "finnhub", conf.Provider.Provider)
	assert.Equal(t, "secret", conf.Provider.APIKey)

	t.Run("Explicit address beats PORT", func(t *testing.T) {
		t.Setenv("PROXY_HTTP_ADDRESS", "127.0.0.1:9000")
		conf, err := quoteproxy.SetupDaemonConfig(logrus.New(), "")
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9000", conf.HTTPListenAddress)
	})
}

func TestSetupDaemonConfigFile(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PROXY_RATE_LIMIT", "7")

	file := filepath.Join(t.TempDir(), "proxy.env")
	require.NoError(t, os.WriteFile(file, []byte(`
# a comment
PROXY_RATE_LIMIT=3
PROXY_PROVIDER=alphavantage
ALPHA_VANTAGE_API_KEY=demo
PROXY_LOG_LEVEL=debug
PROXY_LOG_FORMAT=json
`), 0644))

	logger := logrus.New()
	conf, err := quoteproxy.SetupDaemonConfig(logger, file)
	require.NoError(t, err)

	// The file overrides the environment
	assert.Equal(t, 3, conf.RateLimit)
	assert.Equal(t, "alphavantage", conf.Provider.Provider)
	assert.Equal(t, "demo", conf.Provider.APIKey)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	t.Run("Missing file", func(t *testing.T) {
		_, err := quoteproxy.SetupDaemonConfig(logrus.New(), filepath.Join(t.TempDir(), "nope.env"))
		assert.Error(t, err)
	})
}

func TestSetupDaemonConfigInvalid(t *testing.T) {
	for _, tt := range []struct {
		name  string
		env   string
		value string
	}{
		{name: "Negative rate limit", env: "PROXY_RATE_LIMIT", value: "-2"},
		{name: "Negative cache size", env: "PROXY_CACHE_SIZE", value: "-1"},
		{name: "Sample ratio above one", env: "PROXY_TRACING_SAMPLE_RATIO", value: "1.5"},
		{name: "Unknown log level", env: "PROXY_LOG_LEVEL", value: "loud"},
		{name: "Unknown log format", env: "PROXY_LOG_FORMAT", value: "xml"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv(tt.env, tt.value)
			_, err := quoteproxy.SetupDaemonConfig(logrus.New(), "")
			assert.Error(t, err)
		})
	}
}

func TestServiceConfig(t *testing.T) {
	d := quoteproxy.DaemonConfig{
		RateLimit:    4,
		RateWindow:   time.Second,
		QuoteTTL:     3 * time.Second,
		QueueTimeout: time.Minute,
		CacheSize:    10,
	}
	d.SetDefaults()

	conf := d.ServiceConfig()
	assert.Equal(t, 4, conf.RateLimit)
	assert.Equal(t, time.Second, conf.RateWindow)
	assert.Equal(t, 3*time.Second, conf.DefaultTTL)
	assert.Equal(t, time.Minute, conf.QueueTimeout)
	assert.Equal(t, 10*time.Second, conf.FetchTimeout)
	require.NotNil(t, conf.Cache)
	assert.Equal(t, int64(0), conf.Cache.Size())
}
