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
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/google/uuid"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/collections"
	"github.com/mailgun/holster/v4/setter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultHistoryRange    = "3mo"
	defaultHistoryInterval = "1d"
	maxTrackedClients      = 10000
	clientIdleTTL          = 10 * time.Minute
)

// legacyIntervals maps the interval names of the old /api/history route to a
// range and candle interval.
var legacyIntervals = map[string][2]string{
	"daily":   {"3mo", "1d"},
	"weekly":  {"1y", "1wk"},
	"monthly": {"2y", "1mo"},
}

type HandlerConfig struct {
	// (Required) Admission service every upstream call goes through
	Service *Service

	// (Required) The upstream quote source
	Provider Provider

	// (Optional) How long responses stay fresh. Default 60s
	QuoteTTL   time.Duration
	HistoryTTL time.Duration

	// (Optional) Requests per second allowed from a single client address.
	// Zero disables the inbound throttle.
	ClientRPS   float64
	ClientBurst int

	Logger logrus.FieldLogger
}

// Handler serves the quote proxy HTTP API.
type Handler struct {
	conf    HandlerConfig
	log     logrus.FieldLogger
	handler http.Handler

	clients *collections.LRUCache

	metricRequestCount    *prometheus.CounterVec
	metricRequestDuration *prometheus.SummaryVec
}

var _ prometheus.Collector = &Handler{}

func NewHandler(conf HandlerConfig) *Handler {
	setter.SetDefault(&conf.QuoteTTL, time.Minute)
	setter.SetDefault(&conf.HistoryTTL, time.Minute)
	setter.SetDefault(&conf.ClientBurst, 10)
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "http"))

	h := &Handler{
		conf:    conf,
		log:     conf.Logger,
		clients: collections.NewLRUCache(maxTrackedClients),
		metricRequestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quoteproxy_http_request_count",
			Help: "The count of HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		metricRequestDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "quoteproxy_http_request_duration",
			Help:       "The timings of HTTP requests in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
		}, []string{"route"}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.route("/health", h.health))
	mux.HandleFunc("/api/yf/quote", h.route("/api/yf/quote", h.quote))
	mux.HandleFunc("/api/yf/history", h.route("/api/yf/history", h.history))
	mux.HandleFunc("/api/quote", h.route("/api/quote", h.legacyQuote))
	mux.HandleFunc("/api/history", h.route("/api/history", h.legacyHistory))
	mux.HandleFunc("/", h.notFound)

	// Outermost first
	h.handler = h.recoverPanic(h.requestID(h.cors(h.logRequest(h.throttle(mux)))))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// route restricts a handler to GET and records its metrics.
func (h *Handler) route(name string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			h.notFound(w, r)
			return
		}
		start := clock.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r)
		h.metricRequestCount.WithLabelValues(name, fmt.Sprint(sw.status)).Inc()
		h.metricRequestDuration.WithLabelValues(name).Observe(clock.Now().Sub(start).Seconds())
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Provider    string `json:"provider"`
	QueueLength int    `json:"queueLength"`
	WindowCalls int    `json:"windowCalls"`
	InFlight    int    `json:"inFlight"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats := h.conf.Service.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Timestamp:   clock.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Provider:    h.conf.Provider.Name(),
		QueueLength: stats.QueueLength,
		WindowCalls: stats.WindowCalls,
		InFlight:    stats.InFlight,
	})
}

func (h *Handler) quote(w http.ResponseWriter, r *http.Request) {
	symbol := normalizeSymbol(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "Missing required parameter: symbol")
		return
	}

	data, err := h.fetchQuote(r.Context(), symbol)
	if err != nil {
		h.fetchFailed(w, r, symbol, err, true)
		return
	}
	h.writeCacheable(w, r, data)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := normalizeSymbol(q.Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "Missing required parameter: symbol")
		return
	}
	rng := q.Get("range")
	if rng == "" {
		rng = defaultHistoryRange
	}
	interval := q.Get("interval")
	if interval == "" {
		interval = defaultHistoryInterval
	}

	data, err := h.fetchHistory(r.Context(), symbol, rng, interval)
	if err != nil {
		h.fetchFailed(w, r, symbol, err, true)
		return
	}
	h.writeCacheable(w, r, data)
}

// legacyQuote serves /api/quote, which uses the symbol exactly as given.
func (h *Handler) legacyQuote(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "Missing required parameter: symbol")
		return
	}

	data, err := h.fetchQuote(r.Context(), symbol)
	if err != nil {
		h.fetchFailed(w, r, symbol, err, false)
		return
	}
	h.writeCacheable(w, r, data)
}

// legacyHistory serves /api/history?interval=daily|weekly|monthly. Unknown
// names fetch daily candles but are echoed back as given.
func (h *Handler) legacyHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := normalizeSymbol(q.Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "Missing required parameter: symbol")
		return
	}

	name := q.Get("interval")
	if name == "" {
		name = "daily"
	}
	p, ok := legacyIntervals[name]
	if !ok {
		p = legacyIntervals["daily"]
	}

	data, err := h.fetchHistory(r.Context(), symbol, p[0], p[1])
	if err != nil {
		h.fetchFailed(w, r, symbol, err, false)
		return
	}

	// Legacy clients expect their own interval name back. The cached value is
	// shared with /api/yf/history so it is copied, never modified.
	if hist, ok := data.(*History); ok {
		legacy := *hist
		legacy.Interval = name
		data = &legacy
	}
	h.writeCacheable(w, r, data)
}

func (h *Handler) fetchQuote(ctx context.Context, symbol string) (interface{}, error) {
	return h.conf.Service.Fetch(ctx, Request{
		Key:   QuoteKey(symbol),
		Label: symbol,
		TTL:   h.conf.QuoteTTL,
		Fetch: func(ctx context.Context) (interface{}, error) {
			return h.conf.Provider.Quote(ctx, symbol)
		},
	})
}

func (h *Handler) fetchHistory(ctx context.Context, symbol, rng, interval string) (interface{}, error) {
	return h.conf.Service.Fetch(ctx, Request{
		Key:   HistoryKey(symbol, rng, interval),
		Label: fmt.Sprintf("%s (%s, %s)", symbol, rng, interval),
		TTL:   h.conf.HistoryTTL,
		Fetch: func(ctx context.Context) (interface{}, error) {
			return h.conf.Provider.History(ctx, symbol, rng, interval)
		},
	})
}

// fetchFailed answers 404 for unknown symbols and 400 for anything else.
func (h *Handler) fetchFailed(w http.ResponseWriter, r *http.Request, symbol string, err error, withCached bool) {
	h.logger(r).WithError(err).Errorf("Error fetching data for %s", symbol)

	msg := err.Error()
	if msg == "" {
		msg = "Unable to fetch stock data"
	}
	status := http.StatusBadRequest
	if IsNotFound(err) {
		status = http.StatusNotFound
	}

	body := map[string]interface{}{"error": msg}
	if withCached {
		body["cached"] = false
	}
	writeJSON(w, status, body)
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "Not found",
		"path":  r.URL.Path,
	})
}

// writeCacheable writes obj with a strong ETag and answers 304 when the
// client already holds the same representation.
func (h *Handler) writeCacheable(w http.ResponseWriter, r *http.Request, obj interface{}) {
	body, err := json.Marshal(obj)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Internal server error",
			"message": err.Error(),
		})
		return
	}

	etag := fmt.Sprintf(`"%016x"`, xxhash.Checksum64(body))
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// QuoteKey is the cache key of a quote request.
func QuoteKey(symbol string) string {
	return "quote_" + symbol
}

// HistoryKey is the cache key of a history request.
func HistoryKey(symbol, rng, interval string) string {
	return fmt.Sprintf("history_%s_%s_%s", symbol, rng, interval)
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func writeJSON(w http.ResponseWriter, status int, obj interface{}) {
	resp, err := json.Marshal(obj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(resp)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Describe fetches prometheus metrics to be registered
func (h *Handler) Describe(ch chan<- *prometheus.Desc) {
	h.metricRequestCount.Describe(ch)
	h.metricRequestDuration.Describe(ch)
}

// Collect fetches metrics from the server for use by prometheus
func (h *Handler) Collect(ch chan<- prometheus.Metric) {
	h.metricRequestCount.Collect(ch)
	h.metricRequestDuration.Collect(ch)
}

type contextKey struct{}

var requestIDKey = contextKey{}

// RequestIDFromContext returns the X-Request-Id of the request being served.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func (h *Handler) logger(r *http.Request) logrus.FieldLogger {
	return h.log.WithField("request_id", RequestIDFromContext(r.Context()))
}

func (h *Handler) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				h.logger(r).Errorf("panic while serving %s: %v", r.URL.Path, p)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error":   "Internal server error",
					"message": fmt.Sprint(p),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, If-None-Match, X-Request-Id")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		h.logger(r).WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   sw.status,
			"duration": clock.Now().Sub(start).String(),
		}).Info("request")
	})
}

// throttle answers 429 to clients that exceed ClientRPS.
func (h *Handler) throttle(next http.Handler) http.Handler {
	if h.conf.ClientRPS <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" && !h.clientLimiter(clientAddress(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimiter returns the token bucket for addr. Only the most recently
// seen clients are tracked, and idle clients are forgotten.
func (h *Handler) clientLimiter(addr string) *rate.Limiter {
	if v, ok := h.clients.Get(addr); ok {
		return v.(*rate.Limiter)
	}
	// Two first requests from the same client may race here; the loser's
	// bucket is simply replaced.
	l := rate.NewLimiter(rate.Limit(h.conf.ClientRPS), h.conf.ClientBurst)
	h.clients.AddWithTTL(addr, l, clientIdleTTL)
	return l
}

func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
