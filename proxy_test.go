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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tickerwatch/quoteproxy"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func newService(t *testing.T, conf quoteproxy.Config) *quoteproxy.Service {
	t.Helper()
	s, err := quoteproxy.NewService(conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// counted returns a request whose upstream call increments calls and returns payload.
func counted(key string, calls *int64, payload interface{}) quoteproxy.Request {
	return quoteproxy.Request{
		Key:   key,
		Label: key,
		TTL:   time.Minute,
		Fetch: func(ctx context.Context) (interface{}, error) {
			atomic.AddInt64(calls, 1)
			return payload, nil
		},
	}
}

func failing(key string, calls *int64, err error) quoteproxy.Request {
	return quoteproxy.Request{
		Key:   key,
		Label: key,
		TTL:   time.Minute,
		Fetch: func(ctx context.Context) (interface{}, error) {
			atomic.AddInt64(calls, 1)
			return nil, err
		},
	}
}

type result struct {
	value interface{}
	err   error
}

// fetchAsync runs Fetch in a goroutine and delivers the outcome on the returned channel.
func fetchAsync(s *quoteproxy.Service, r quoteproxy.Request) chan result {
	ch := make(chan result, 1)
	go func() {
		v, err := s.Fetch(context.Background(), r)
		ch <- result{value: v, err: err}
	}()
	return ch
}

func waitForSlot(t *testing.T, s *quoteproxy.Service) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Stats().WaitingForSlot
	}, waitFor, tick, "queue worker never started waiting for a slot")
}

func TestServiceCache(t *testing.T) {
	t.Run("Fresh entry is served without an upstream call", func(t *testing.T) {
		s := newService(t, quoteproxy.Config{})
		var calls int64

		v, err := s.Fetch(context.Background(), counted("quote_AAPL", &calls, "first"))
		require.NoError(t, err)
		assert.Equal(t, "first", v)

		v, err = s.Fetch(context.Background(), counted("quote_AAPL", &calls, "second"))
		require.NoError(t, err)
		assert.Equal(t, "first", v)
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
		assert.Equal(t, 1, s.Stats().WindowCalls)
	})

	t.Run("Stale entry is served without an upstream call", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		s := newService(t, quoteproxy.Config{})
		var calls int64

		_, err := s.Fetch(context.Background(), counted("quote_MSFT", &calls, "old"))
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)
		v, err := s.Fetch(context.Background(), counted("quote_MSFT", &calls, "new"))
		require.NoError(t, err)
		assert.Equal(t, "old", v)
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	})

	t.Run("Warm entry wins over a failing upstream", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		s := newService(t, quoteproxy.Config{})
		var calls int64

		_, err := s.Fetch(context.Background(), counted("quote_IBM", &calls, "cached"))
		require.NoError(t, err)

		for _, advance := range []time.Duration{0, 5 * time.Minute} {
			clock.Advance(advance)
			v, err := s.Fetch(context.Background(), failing("quote_IBM", &calls, errors.New("connection reset")))
			require.NoError(t, err)
			assert.Equal(t, "cached", v)
		}
	})

	t.Run("Cold miss propagates the upstream error", func(t *testing.T) {
		s := newService(t, quoteproxy.Config{})
		var calls int64
		upstreamErr := errors.New("connection refused")

		_, err := s.Fetch(context.Background(), failing("quote_NOPE", &calls, upstreamErr))
		require.Error(t, err)
		assert.Equal(t, upstreamErr, err)
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls))

		// Failed calls neither count against the window nor hold a slot
		stats := s.Stats()
		assert.Equal(t, 0, stats.WindowCalls)
		assert.Equal(t, 0, stats.InFlight)
	})

	t.Run("Not found errors keep their type", func(t *testing.T) {
		s := newService(t, quoteproxy.Config{})
		var calls int64

		_, err := s.Fetch(context.Background(), failing("quote_ZZZZ", &calls, &quoteproxy.NotFoundError{Symbol: "ZZZZ"}))
		require.Error(t, err)
		assert.True(t, quoteproxy.IsNotFound(err))
		assert.Equal(t, "Symbol not found: ZZZZ", err.Error())
	})

	t.Run("Request without a fetch function", func(t *testing.T) {
		s := newService(t, quoteproxy.Config{})
		_, err := s.Fetch(context.Background(), quoteproxy.Request{Key: "quote_X"})
		require.Error(t, err)
	})
}

func TestServiceAdmission(t *testing.T) {
	t.Run("Third request waits for the window to clear", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		start := clock.Now()
		s := newService(t, quoteproxy.Config{
			RateLimit:  2,
			RateWindow: time.Minute,
		})
		var calls1, calls2, calls3 int64

		v, err := s.Fetch(context.Background(), counted("quote_A", &calls1, "A"))
		require.NoError(t, err)
		assert.Equal(t, "A", v)
		v, err = s.Fetch(context.Background(), counted("quote_B", &calls2, "B"))
		require.NoError(t, err)
		assert.Equal(t, "B", v)

		third := fetchAsync(s, counted("quote_C", &calls3, "C"))
		waitForSlot(t, s)
		assert.Equal(t, 1, s.Stats().QueueLength)
		assert.Equal(t, int64(0), atomic.LoadInt64(&calls3))

		// Still inside the window of the first two calls
		clock.Advance(59 * time.Second)
		select {
		case <-third:
			t.Fatal("queued request completed before the window cleared")
		case <-time.After(50 * time.Millisecond):
		}

		clock.Advance(2 * time.Second)
		select {
		case res := <-third:
			require.NoError(t, res.err)
			assert.Equal(t, "C", res.value)
		case <-time.After(waitFor):
			t.Fatal("queued request never completed")
		}

		assert.Equal(t, 61*time.Second, clock.Now().Sub(start))
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls1))
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls2))
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls3))

		require.Eventually(t, func() bool {
			return !s.Stats().Draining
		}, waitFor, tick)
		stats := s.Stats()
		assert.Equal(t, 0, stats.QueueLength)
		assert.Equal(t, 1, stats.WindowCalls)
	})

	t.Run("Queued requests run in arrival order", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		s := newService(t, quoteproxy.Config{
			RateLimit:  3,
			RateWindow: time.Minute,
		})

		var fill int64
		for i := 0; i < 3; i++ {
			_, err := s.Fetch(context.Background(), counted(fmt.Sprintf("quote_FILL%d", i), &fill, i))
			require.NoError(t, err)
		}

		var mutex sync.Mutex
		var order []string
		// Slower requests first, so completion order alone would not be FIFO
		delays := map[string]time.Duration{
			"R1": 30 * time.Millisecond,
			"R2": 0,
			"R3": 10 * time.Millisecond,
		}

		var results []chan result
		for i, name := range []string{"R1", "R2", "R3"} {
			name := name
			results = append(results, fetchAsync(s, quoteproxy.Request{
				Key:   "quote_" + name,
				Label: name,
				TTL:   time.Minute,
				Fetch: func(ctx context.Context) (interface{}, error) {
					mutex.Lock()
					order = append(order, name)
					mutex.Unlock()
					time.Sleep(delays[name])
					return name, nil
				},
			}))
			require.Eventually(t, func() bool {
				return s.Stats().QueueLength == i+1
			}, waitFor, tick)
		}

		waitForSlot(t, s)
		clock.Advance(61 * time.Second)

		for i, ch := range results {
			select {
			case res := <-ch:
				require.NoError(t, res.err)
				assert.Equal(t, fmt.Sprintf("R%d", i+1), res.value)
			case <-time.After(waitFor):
				t.Fatalf("R%d never completed", i+1)
			}
		}

		mutex.Lock()
		defer mutex.Unlock()
		assert.Equal(t, []string{"R1", "R2", "R3"}, order)
	})

	t.Run("Queued request falls back to error when nothing is cached", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		s := newService(t, quoteproxy.Config{
			RateLimit:  1,
			RateWindow: time.Minute,
		})
		var calls int64

		_, err := s.Fetch(context.Background(), counted("quote_A", &calls, "A"))
		require.NoError(t, err)

		upstreamErr := errors.New("503 service unavailable")
		queued := fetchAsync(s, failing("quote_B", &calls, upstreamErr))
		waitForSlot(t, s)
		clock.Advance(61 * time.Second)

		select {
		case res := <-queued:
			assert.Equal(t, upstreamErr, res.err)
		case <-time.After(waitFor):
			t.Fatal("queued request never completed")
		}
		assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
	})

	t.Run("Concurrent misses for one key share an upstream call", func(t *testing.T) {
		s := newService(t, quoteproxy.Config{
			RateLimit:  20,
			RateWindow: time.Minute,
		})
		const callers = 10
		var calls int64
		release := make(chan struct{})

		req := quoteproxy.Request{
			Key:   "quote_TSLA",
			Label: "TSLA",
			TTL:   time.Minute,
			Fetch: func(ctx context.Context) (interface{}, error) {
				atomic.AddInt64(&calls, 1)
				<-release
				return &quoteproxy.Quote{Symbol: "TSLA", Price: 250.5}, nil
			},
		}

		var results []chan result
		for i := 0; i < callers; i++ {
			results = append(results, fetchAsync(s, req))
		}

		require.Eventually(t, func() bool {
			return atomic.LoadInt64(&calls) == 1
		}, waitFor, tick)
		close(release)

		var first interface{}
		for _, ch := range results {
			select {
			case res := <-ch:
				require.NoError(t, res.err)
				if first == nil {
					first = res.value
				}
				assert.Same(t, first, res.value)
			case <-time.After(waitFor):
				t.Fatal("caller never completed")
			}
		}
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
		assert.Equal(t, 1, s.Stats().WindowCalls)
	})

	t.Run("Queue timeout abandons the request", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		s := newService(t, quoteproxy.Config{
			RateLimit:    1,
			RateWindow:   time.Minute,
			QueueTimeout: 5 * time.Second,
		})
		var calls, queuedCalls int64

		_, err := s.Fetch(context.Background(), counted("quote_A", &calls, "A"))
		require.NoError(t, err)

		queued := fetchAsync(s, counted("quote_B", &queuedCalls, "B"))
		waitForSlot(t, s)

		var res result
		require.Eventually(t, func() bool {
			clock.Advance(time.Second)
			select {
			case res = <-queued:
				return true
			default:
				return false
			}
		}, waitFor, tick)
		assert.Equal(t, quoteproxy.ErrQueueTimeout, res.err)

		// The worker discards the abandoned request once a slot opens
		require.Eventually(t, func() bool {
			clock.Advance(10 * time.Second)
			return !s.Stats().Draining
		}, waitFor, tick)
		assert.Equal(t, int64(0), atomic.LoadInt64(&queuedCalls))
		assert.Equal(t, 0, s.Stats().QueueLength)
	})

	t.Run("Close fails queued requests", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		s, err := quoteproxy.NewService(quoteproxy.Config{
			RateLimit:  1,
			RateWindow: time.Minute,
		})
		require.NoError(t, err)
		var calls int64

		_, err = s.Fetch(context.Background(), counted("quote_A", &calls, "A"))
		require.NoError(t, err)

		queued := fetchAsync(s, counted("quote_B", &calls, "B"))
		waitForSlot(t, s)

		require.NoError(t, s.Close())
		select {
		case res := <-queued:
			assert.Equal(t, quoteproxy.ErrClosed, res.err)
		case <-time.After(waitFor):
			t.Fatal("queued request was not released by Close")
		}
		assert.Equal(t, int64(1), atomic.LoadInt64(&calls))

		_, err = s.Fetch(context.Background(), counted("quote_A", &calls, "A"))
		assert.Equal(t, quoteproxy.ErrClosed, err)
		assert.NoError(t, s.Close())
	})
}

func TestServiceCancellation(t *testing.T) {
	t.Run("Caller context bounds only the wait", func(t *testing.T) {
		s := newService(t, quoteproxy.Config{})
		release := make(chan struct{})
		var calls int64

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := s.Fetch(ctx, quoteproxy.Request{
				Key:   "quote_NFLX",
				Label: "NFLX",
				TTL:   time.Minute,
				Fetch: func(ctx context.Context) (interface{}, error) {
					atomic.AddInt64(&calls, 1)
					<-release
					return "warmed", nil
				},
			})
			done <- err
		}()

		require.Eventually(t, func() bool {
			return atomic.LoadInt64(&calls) == 1
		}, waitFor, tick)
		cancel()
		assert.Equal(t, context.Canceled, <-done)

		// The abandoned call still warms the cache
		close(release)
		require.Eventually(t, func() bool {
			return s.Stats().WindowCalls == 1
		}, waitFor, tick)

		v, err := s.Fetch(context.Background(), failing("quote_NFLX", &calls, errors.New("boom")))
		require.NoError(t, err)
		assert.Equal(t, "warmed", v)
	})

	t.Run("Upstream call is bounded by the fetch timeout", func(t *testing.T) {
		s := newService(t, quoteproxy.Config{FetchTimeout: 20 * time.Millisecond})

		_, err := s.Fetch(context.Background(), quoteproxy.Request{
			Key:   "quote_SLOW",
			Label: "SLOW",
			Fetch: func(ctx context.Context) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		})
		assert.Equal(t, context.DeadlineExceeded, err)
		assert.Equal(t, 0, s.Stats().InFlight)
	})

	t.Run("Panicking upstream call becomes an error", func(t *testing.T) {
		s := newService(t, quoteproxy.Config{})

		_, err := s.Fetch(context.Background(), quoteproxy.Request{
			Key:   "quote_PANIC",
			Label: "PANIC",
			Fetch: func(ctx context.Context) (interface{}, error) {
				panic("nil map")
			},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panic during upstream fetch for PANIC")
		assert.Equal(t, 0, s.Stats().InFlight)
	})
}

func TestConfigDefaults(t *testing.T) {
	var conf quoteproxy.Config
	require.NoError(t, conf.SetDefaults())
	assert.Equal(t, 20, conf.RateLimit)
	assert.Equal(t, time.Minute, conf.RateWindow)
	assert.Equal(t, 100*time.Millisecond, conf.SafetyMargin)
	assert.Equal(t, 10*time.Second, conf.FetchTimeout)
	assert.Equal(t, time.Duration(0), conf.QueueTimeout)
	assert.NotNil(t, conf.Cache)

	conf = quoteproxy.Config{QueueTimeout: -time.Second}
	assert.Error(t, conf.SetDefaults())
}
