/*
Copyright 2018-2020 Mailgun Technologies Inc

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
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
)

type Daemon struct {
	HTTPListener net.Listener
	Service      *Service
	Provider     Provider

	log            logrus.FieldLogger
	conf           DaemonConfig
	httpSrv        *http.Server
	wg             syncutil.WaitGroup
	promRegister   *prometheus.Registry
	tracerProvider *sdktrace.TracerProvider
}

// SpawnDaemon starts a new quote proxy daemon according to the provided DaemonConfig.
// This function will block until the daemon responds to connections on HTTPListenAddress
func SpawnDaemon(ctx context.Context, conf DaemonConfig) (*Daemon, error) {
	conf.SetDefaults()
	s := Daemon{
		log:  conf.Logger,
		conf: conf,
	}

	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return &s, nil
}

func (s *Daemon) Start(ctx context.Context) error {
	var err error

	s.Provider = s.conf.Upstream
	if s.Provider == nil {
		s.Provider, err = NewProvider(s.conf.Provider)
		if err != nil {
			return errors.Wrap(err, "while creating upstream provider")
		}
	}

	if err := s.setupTracing(); err != nil {
		return err
	}

	svcConf := s.conf.ServiceConfig()
	s.Service, err = NewService(svcConf)
	if err != nil {
		return errors.Wrap(err, "while creating quote proxy service")
	}

	handler := NewHandler(HandlerConfig{
		Service:     s.Service,
		Provider:    s.Provider,
		QuoteTTL:    s.conf.QuoteTTL,
		HistoryTTL:  s.conf.HistoryTTL,
		ClientRPS:   s.conf.ClientRPS,
		ClientBurst: s.conf.ClientBurst,
		Logger:      s.log.WithField("category", "http"),
	})

	// The cache, service and handler all implement prometheus.Collector
	cacheCollector := NewLRUCacheCollector()
	cacheCollector.AddCache(svcConf.Cache)

	s.promRegister = prometheus.NewRegistry()
	s.promRegister.MustRegister(cacheCollector, s.Service, handler, upstreamCallCounter)
	if s.conf.MetricFlags.Has(FlagOSMetrics) {
		s.log.Debug("Enabled OS metrics")
		s.promRegister.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if s.conf.MetricFlags.Has(FlagGolangMetrics) {
		s.log.Debug("Enabled Golang metrics")
		s.promRegister.MustRegister(collectors.NewGoCollector())
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		s.promRegister, promhttp.HandlerFor(s.promRegister, promhttp.HandlerOpts{}),
	))
	mux.Handle("/", otelhttp.NewHandler(handler, "quoteproxy"))

	s.HTTPListener, err = net.Listen("tcp", s.conf.HTTPListenAddress)
	if err != nil {
		return errors.Wrap(err, "while starting HTTP listener")
	}

	errLog := log.New(newLogWriter(s.log), "", 0)
	s.httpSrv = &http.Server{
		Addr:              s.HTTPListener.Addr().String(),
		Handler:           mux,
		ErrorLog:          errLog,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Go(func() {
		s.log.Infof("HTTP Listening on %s ...", s.HTTPListener.Addr().String())
		if err := s.httpSrv.Serve(s.HTTPListener); err != nil {
			if err != http.ErrServerClosed {
				s.log.WithError(err).Error("while starting HTTP server")
			}
		}
	})

	// Validate we can reach the HTTP endpoint before returning
	if err := WaitForConnect(ctx, []string{s.HTTPListener.Addr().String()}); err != nil {
		return err
	}

	s.log.Infof("Proxy server started using %s, rate limit %d per %s",
		s.Provider.Name(), svcConf.RateLimit, svcConf.RateWindow)
	return nil
}

// setupTracing installs an OpenTelemetry tracer provider which samples the
// configured ratio of requests and propagates W3C trace context upstream.
func (s *Daemon) setupTracing() error {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("quoteproxy"),
		),
	)
	if err != nil {
		return errors.Wrap(err, "while creating tracing resource")
	}

	s.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(s.conf.TracingSampleRatio),
		)),
	)
	otel.SetTracerProvider(s.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

// Close gracefully closes all server connections and listening sockets.
// Requests waiting for a rate limit slot receive ErrClosed.
func (s *Daemon) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.Service != nil {
		if err := s.Service.Close(); err != nil {
			s.log.WithError(err).Error("while closing quote proxy service")
		}
	}

	if s.httpSrv != nil {
		s.log.Infof("HTTP close for %s ...", s.HTTPListener.Addr().String())
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.WithError(err).Error("during HTTP shutdown")
		}
		s.httpSrv = nil
	} else if s.HTTPListener != nil {
		s.HTTPListener.Close()
	}
	s.wg.Wait()

	if s.tracerProvider != nil {
		if err := s.tracerProvider.Shutdown(ctx); err != nil {
			s.log.WithError(err).Error("while shutting down tracer provider")
		}
		s.tracerProvider = nil
	}
}

// Config returns the current config for this Daemon
func (s *Daemon) Config() DaemonConfig {
	return s.conf
}

// Address returns the address the daemon is accepting HTTP requests on
func (s *Daemon) Address() string {
	return s.HTTPListener.Addr().String()
}

// WaitForConnect returns nil if the list of addresses is listening
// for connections; will block until context is cancelled.
func WaitForConnect(ctx context.Context, addresses []string) error {
	var d net.Dialer
	var errs []error
	for {
		errs = nil
		for _, addr := range addresses {
			if addr == "" {
				continue
			}

			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			conn.Close()
		}

		if len(errs) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			var errStrings []string
			for _, err := range errs {
				errStrings = append(errStrings, err.Error())
			}
			return errors.New(strings.Join(errStrings, "\n"))
		case <-clock.After(100 * time.Millisecond):
		}
	}
}

// logWriter adapts a FieldLogger for use as the http.Server error log.
type logWriter struct {
	log logrus.FieldLogger
}

func newLogWriter(log logrus.FieldLogger) *logWriter {
	return &logWriter{log: log}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Error(strings.TrimSpace(string(p)))
	return len(p), nil
}
