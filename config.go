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
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tickerwatch/quoteproxy/logging"
)

// Config for a Service
type Config struct {
	// Maximum number of upstream calls in any trailing RateWindow. Default 20
	RateLimit int

	// Length of the rolling rate limit window. Default 60s
	RateWindow time.Duration

	// Added to every computed wait so the worker wakes just after the
	// oldest call leaves the window. Default 100ms
	SafetyMargin time.Duration

	// TTL used when a Request does not carry one. Default 60s
	DefaultTTL time.Duration

	// Maximum duration of a single upstream call. Default 10s
	FetchTimeout time.Duration

	// How long a request may wait in the admission queue before the caller
	// receives ErrQueueTimeout. Zero waits forever.
	QueueTimeout time.Duration

	// (Optional) The cache of upstream responses. Defaults to an unbounded LRUCache
	Cache Cache

	// (Optional) The logger used by the service
	Logger logrus.FieldLogger
}

func (c *Config) SetDefaults() error {
	setter.SetDefault(&c.RateLimit, 20)
	setter.SetDefault(&c.RateWindow, time.Minute)
	setter.SetDefault(&c.SafetyMargin, 100*time.Millisecond)
	setter.SetDefault(&c.DefaultTTL, time.Minute)
	setter.SetDefault(&c.FetchTimeout, 10*time.Second)
	setter.SetDefault(&c.Logger, logrus.WithField("category", "quoteproxy"))

	if c.Cache == nil {
		c.Cache = NewLRUCache(0)
	}

	if c.RateLimit < 0 {
		return errors.Errorf("RateLimit must be greater than zero; got '%d'", c.RateLimit)
	}
	if c.RateWindow < 0 {
		return errors.Errorf("RateWindow can not be negative; got '%s'", c.RateWindow)
	}
	if c.QueueTimeout < 0 {
		return errors.Errorf("QueueTimeout can not be negative; got '%s'", c.QueueTimeout)
	}
	return nil
}

// DaemonConfig is everything needed to run a quote proxy daemon.
type DaemonConfig struct {
	// (Required) The `address:port` that will accept HTTP requests
	HTTPListenAddress string

	// (Optional) Which upstream to use and how to reach it
	Provider ProviderConfig

	// (Optional) Admission settings, see Config
	RateLimit    int
	RateWindow   time.Duration
	SafetyMargin time.Duration
	FetchTimeout time.Duration
	QueueTimeout time.Duration

	// (Optional) How long quote and history responses are served as fresh
	QuoteTTL   time.Duration
	HistoryTTL time.Duration

	// (Optional) Maximum number of cached responses, zero means unbounded
	CacheSize int

	// (Optional) Requests per second allowed from a single client address,
	// zero disables the inbound throttle
	ClientRPS   float64
	ClientBurst int

	// (Optional) Fraction of requests traced, between 0 and 1
	TracingSampleRatio float64

	// (Optional) Extra collectors to register on /metrics
	MetricFlags MetricFlags

	// (Optional) The logger used by the daemon
	Logger logrus.FieldLogger

	// (Optional) Replaces the provider built from Provider, used by tests
	Upstream Provider
}

func (d *DaemonConfig) SetDefaults() {
	setter.SetDefault(&d.HTTPListenAddress, "0.0.0.0:3001")
	setter.SetDefault(&d.QuoteTTL, time.Minute)
	setter.SetDefault(&d.HistoryTTL, time.Minute)
	setter.SetDefault(&d.FetchTimeout, 10*time.Second)
	setter.SetDefault(&d.ClientBurst, 10)
	setter.SetDefault(&d.Provider.Timeout, d.FetchTimeout)
	setter.SetDefault(&d.Logger, logrus.WithField("category", "quoteproxy"))
}

// ServiceConfig returns the admission settings of the daemon config.
func (d *DaemonConfig) ServiceConfig() Config {
	return Config{
		RateLimit:    d.RateLimit,
		RateWindow:   d.RateWindow,
		SafetyMargin: d.SafetyMargin,
		DefaultTTL:   d.QuoteTTL,
		FetchTimeout: d.FetchTimeout,
		QueueTimeout: d.QueueTimeout,
		Cache:        NewLRUCache(d.CacheSize),
		Logger:       d.Logger,
	}
}

// SetupDaemonConfig builds a DaemonConfig from the environment. A `.env` file
// in the working directory is loaded first if one exists, then `configFile`
// if provided. Values in configFile override the environment.
func SetupDaemonConfig(logger *logrus.Logger, configFile string) (DaemonConfig, error) {
	log := logrus.NewEntry(logger)
	var conf DaemonConfig

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return conf, errors.Wrap(err, "while loading .env")
		}
	}

	if configFile != "" {
		log.Infof("Loading env config: %s", configFile)
		if err := godotenv.Overload(configFile); err != nil {
			return conf, errors.Wrapf(err, "while loading config file '%s'", configFile)
		}
	}

	if err := logging.Configure(logger, os.Getenv("PROXY_LOG_LEVEL"), os.Getenv("PROXY_LOG_FORMAT")); err != nil {
		return conf, err
	}

	// Main config
	setter.SetDefault(&conf.HTTPListenAddress, os.Getenv("PROXY_HTTP_ADDRESS"),
		portAddress(os.Getenv("PORT")), "0.0.0.0:3001")
	setter.SetDefault(&conf.RateLimit, getEnvInteger(log, "PROXY_RATE_LIMIT"), 20)
	setter.SetDefault(&conf.RateWindow, getEnvDuration(log, "PROXY_RATE_WINDOW"), time.Minute)
	setter.SetDefault(&conf.SafetyMargin, getEnvDuration(log, "PROXY_SAFETY_MARGIN"), 100*time.Millisecond)
	setter.SetDefault(&conf.QuoteTTL, getEnvDuration(log, "PROXY_QUOTE_TTL"), time.Minute)
	setter.SetDefault(&conf.HistoryTTL, getEnvDuration(log, "PROXY_HISTORY_TTL"), time.Minute)
	setter.SetDefault(&conf.FetchTimeout, getEnvDuration(log, "PROXY_FETCH_TIMEOUT"), 10*time.Second)
	setter.SetDefault(&conf.QueueTimeout, getEnvDuration(log, "PROXY_QUEUE_TIMEOUT"))
	setter.SetDefault(&conf.ClientRPS, getEnvFloat(log, "PROXY_CLIENT_RPS"))
	setter.SetDefault(&conf.ClientBurst, getEnvInteger(log, "PROXY_CLIENT_BURST"), 10)
	setter.SetDefault(&conf.TracingSampleRatio, getEnvFloat(log, "PROXY_TRACING_SAMPLE_RATIO"))
	conf.MetricFlags = getEnvMetricFlags(log, "PROXY_METRIC_FLAGS")

	// Zero is a meaningful cache size, so only default it when unset
	conf.CacheSize = 50000
	if _, ok := os.LookupEnv("PROXY_CACHE_SIZE"); ok {
		conf.CacheSize = getEnvInteger(log, "PROXY_CACHE_SIZE")
	}

	// Upstream provider
	setter.SetDefault(&conf.Provider.Provider, strings.ToLower(os.Getenv("PROXY_PROVIDER")), "yahoo")
	setter.SetDefault(&conf.Provider.BaseURL, os.Getenv("PROXY_PROVIDER_URL"))
	conf.Provider.Timeout = conf.FetchTimeout
	switch conf.Provider.Provider {
	case "finnhub":
		conf.Provider.APIKey = os.Getenv("FINNHUB_API_KEY")
	case "alphavantage", "alpha_vantage", "av":
		conf.Provider.APIKey = os.Getenv("ALPHA_VANTAGE_API_KEY")
	}

	if conf.RateLimit < 1 {
		return conf, errors.Errorf("PROXY_RATE_LIMIT must be at least 1; got '%d'", conf.RateLimit)
	}
	if conf.CacheSize < 0 {
		return conf, errors.Errorf("PROXY_CACHE_SIZE can not be negative; got '%d'", conf.CacheSize)
	}
	if conf.TracingSampleRatio < 0 || conf.TracingSampleRatio > 1 {
		return conf, errors.Errorf("PROXY_TRACING_SAMPLE_RATIO must be between 0 and 1; got '%v'",
			conf.TracingSampleRatio)
	}

	conf.Logger = log.WithField("category", "quoteproxy")
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		log.Debugf("Provider: %s", conf.Provider.Provider)
		log.Debugf("Rate limit: %d per %s", conf.RateLimit, conf.RateWindow)
		log.Debugf("Queue timeout: %s", conf.QueueTimeout)
		log.Debugf("Cache size: %d", conf.CacheSize)
	}
	return conf, nil
}

// portAddress turns the PORT convention used by hosting platforms into a
// listen address.
func portAddress(port string) string {
	if port == "" {
		return ""
	}
	return net.JoinHostPort("0.0.0.0", port)
}

func getEnvInteger(log logrus.FieldLogger, name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as an integer", name)
		return 0
	}
	return int(i)
}

func getEnvFloat(log logrus.FieldLogger, name string) float64 {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a float", name)
		return 0
	}
	return f
}

func getEnvDuration(log logrus.FieldLogger, name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a duration", name)
		return 0
	}
	return d
}

func getEnvSlice(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}
