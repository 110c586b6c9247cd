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
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("github.com/tickerwatch/quoteproxy")

// FetchFunc performs a single upstream call and returns the payload to cache.
// The context carries the fetch timeout.
type FetchFunc func(ctx context.Context) (interface{}, error)

// Request describes one cacheable upstream fetch.
type Request struct {
	// Fingerprint of the request, e.g. "quote_AAPL" or "history_AAPL_3mo_1d"
	Key string
	// Human readable description used in logs
	Label string
	// How long a successful result is served as fresh
	TTL time.Duration
	// The upstream call
	Fetch FetchFunc
}

// Stats is a point in time view of the admission state.
type Stats struct {
	QueueLength    int   `json:"queueLength"`
	WindowCalls    int   `json:"windowCalls"`
	InFlight       int   `json:"inFlight"`
	CacheSize      int64 `json:"cacheSize"`
	Draining       bool  `json:"draining"`
	WaitingForSlot bool  `json:"waitingForSlot"`
}

// Service fronts an upstream provider with a response cache, a sliding window
// rate limit and a FIFO admission queue. Every upstream call made through a
// Service counts against the same window.
type Service struct {
	conf Config
	log  logrus.FieldLogger

	// mu guards cache, window, queue and the flags below. It is never held
	// across an upstream call or a sleep.
	mu       sync.Mutex
	cache    Cache
	window   *SlidingWindow
	queue    *list.List
	draining bool
	waiting  bool
	closed   bool

	inflight singleflight.Group
	wake     chan struct{}
	done     chan struct{}
	wg       syncutil.WaitGroup

	metricFetchCounter   *prometheus.CounterVec
	metricFetchDuration  prometheus.Summary
	metricQueueLength    prometheus.Gauge
	metricQueueWait      prometheus.Summary
	metricWindowCalls    prometheus.Gauge
	metricCoalescedCount prometheus.Counter
}

var _ prometheus.Collector = &Service{}

func NewService(conf Config) (*Service, error) {
	if err := conf.SetDefaults(); err != nil {
		return nil, err
	}

	s := &Service{
		conf:   conf,
		log:    conf.Logger,
		cache:  conf.Cache,
		window: NewSlidingWindow(conf.RateLimit, conf.RateWindow),
		queue:  list.New(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		metricFetchCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quoteproxy_fetch_counter",
			Help: "Fetch requests by how they were served.  Label \"result\" = hit|stale|direct|queued|error.",
		}, []string{"result"}),
		metricFetchDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "quoteproxy_upstream_duration",
			Help:       "The duration of upstream calls in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
		}),
		metricQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quoteproxy_queue_length",
			Help: "The number of requests waiting for a rate limit slot.",
		}),
		metricQueueWait: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "quoteproxy_queue_wait_duration",
			Help:       "Time requests spent in the admission queue in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
		}),
		metricWindowCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quoteproxy_window_calls",
			Help: "Upstream calls completed within the current rate limit window.",
		}),
		metricCoalescedCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoteproxy_coalesced_count",
			Help: "Requests that shared an in flight upstream call for the same key.",
		}),
	}
	return s, nil
}

// Fetch returns the payload for r. A fresh or stale cached payload is
// returned without contacting the upstream. Otherwise the upstream is called
// directly if the rate limit allows it, or the request waits in the admission
// queue for a slot. An error is only returned when the upstream fails and
// nothing was ever cached for r.Key.
//
// Concurrent misses for the same key share a single upstream call. ctx bounds
// how long the caller waits, not the upstream call itself.
func (s *Service) Fetch(ctx context.Context, r Request) (interface{}, error) {
	ctx, span := tracer.Start(ctx, "Service.Fetch", trace.WithAttributes(
		attribute.String("quoteproxy.key", r.Key),
	))
	defer span.End()

	if r.Fetch == nil {
		return nil, errors.New("Request.Fetch is required")
	}
	if r.TTL <= 0 {
		r.TTL = s.conf.DefaultTTL
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	item, ok := s.cache.GetItem(r.Key, MillisecondNow())
	s.mu.Unlock()

	if ok {
		if item.Fresh {
			s.log.Debugf("Cache HIT for %s", r.Label)
			s.metricFetchCounter.WithLabelValues("hit").Inc()
		} else {
			s.log.Debugf("Serving stale cache for %s", r.Label)
			s.metricFetchCounter.WithLabelValues("stale").Inc()
		}
		span.SetAttributes(attribute.Bool("quoteproxy.cached", true))
		return item.Value, nil
	}

	// The shared call outlives any single caller, so it gets a context that
	// keeps the span but not the caller's cancellation.
	shared := trace.ContextWithSpan(context.Background(), span)
	ch := s.inflight.DoChan(r.Key, func() (interface{}, error) {
		return s.admit(shared, r)
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.metricCoalescedCount.Inc()
		}
		if res.Err != nil {
			span.RecordError(res.Err)
			s.metricFetchCounter.WithLabelValues("error").Inc()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// admit calls the upstream now if the window has room, otherwise queues r.
func (s *Service) admit(ctx context.Context, r Request) (interface{}, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	now := MillisecondNow()
	// Another caller may have filled the cache since Fetch looked
	if item, ok := s.cache.GetItem(r.Key, now); ok {
		s.mu.Unlock()
		return item.Value, nil
	}

	if s.window.CanAdmit(now) {
		s.window.Reserve()
		s.mu.Unlock()

		s.log.Debugf("Fetching from upstream: %s", r.Label)
		s.metricFetchCounter.WithLabelValues("direct").Inc()
		v, err := s.call(ctx, r)
		v, err = s.complete(r, v, err)

		// Requests may have queued up while this call was in flight
		s.signal()
		return v, err
	}

	q := s.enqueue(ctx, r)
	s.mu.Unlock()

	s.log.Infof("Queued request for %s", r.Label)
	s.metricFetchCounter.WithLabelValues("queued").Inc()
	return s.wait(q)
}

// call runs the upstream fetch under the configured timeout.
func (s *Service) call(ctx context.Context, r Request) (v interface{}, err error) {
	ctx, span := tracer.Start(ctx, "Service.call", trace.WithAttributes(
		attribute.String("quoteproxy.label", r.Label),
	))
	ctx, cancel := context.WithTimeout(ctx, s.conf.FetchTimeout)
	start := clock.Now()

	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic during upstream fetch for %s: %v", r.Label, p)
		}
		cancel()
		s.metricFetchDuration.Observe(clock.Now().Sub(start).Seconds())
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	return r.Fetch(ctx)
}

// complete records the outcome of an admitted call. On success the payload is
// cached and the call counted against the window. On failure any cached
// payload for the key is returned in place of the error.
func (s *Service) complete(r Request, v interface{}, err error) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return v, err
	}

	now := MillisecondNow()
	if err == nil {
		s.cache.Add(CacheItem{
			Key:      r.Key,
			Value:    v,
			ExpireAt: now + r.TTL.Milliseconds(),
		})
		s.window.RecordCall(now)
		s.metricWindowCalls.Set(float64(s.window.Len(now)))
		s.log.Infof("Completed request for %s (%d/%d in window)",
			r.Label, s.window.Len(now), s.window.Limit)
		return v, nil
	}

	s.window.Release()
	if item, ok := s.cache.GetItem(r.Key, now); ok {
		s.log.WithError(err).Warnf("Serving stale cache due to error: %s", r.Label)
		return item.Value, nil
	}
	s.log.WithError(err).Warnf("Upstream fetch failed for %s", r.Label)
	return nil, err
}

// signal wakes the queue worker if it is waiting for an in flight call.
func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stats returns the current admission state.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		QueueLength:    s.queue.Len(),
		Draining:       s.draining,
		WaitingForSlot: s.waiting,
	}
	if !s.closed {
		now := MillisecondNow()
		st.WindowCalls = s.window.Len(now)
		st.InFlight = s.window.InFlight()
		st.CacheSize = s.cache.Size()
	}
	return st
}

// Close fails every queued request with ErrClosed and stops the queue worker.
// Upstream calls already in progress are allowed to finish.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for e := s.queue.Front(); e != nil; e = e.Next() {
		q := e.Value.(*queuedRequest)
		if q.claim() {
			q.resp <- &response{err: ErrClosed}
		}
	}
	s.queue.Init()
	s.metricQueueLength.Set(0)
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Close()
}

// Describe fetches prometheus metrics to be registered
func (s *Service) Describe(ch chan<- *prometheus.Desc) {
	s.metricFetchCounter.Describe(ch)
	s.metricFetchDuration.Describe(ch)
	s.metricQueueLength.Describe(ch)
	s.metricQueueWait.Describe(ch)
	s.metricWindowCalls.Describe(ch)
	s.metricCoalescedCount.Describe(ch)
}

// Collect fetches metrics from the server for use by prometheus
func (s *Service) Collect(ch chan<- prometheus.Metric) {
	s.metricFetchCounter.Collect(ch)
	s.metricFetchDuration.Collect(ch)
	s.metricQueueLength.Collect(ch)
	s.metricQueueWait.Collect(ch)
	s.metricWindowCalls.Collect(ch)
	s.metricCoalescedCount.Collect(ch)
}
