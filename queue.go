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
	"sync/atomic"
	"time"

	"github.com/mailgun/holster/v4/clock"
)

const (
	queuedPending int32 = iota
	queuedClaimed
	queuedAbandoned
)

type response struct {
	value interface{}
	err   error
}

// queuedRequest is a request waiting in the admission queue for a slot in the
// rate limit window. Exactly one response is sent on resp unless the caller
// abandons the request first.
type queuedRequest struct {
	ctx      context.Context
	req      Request
	resp     chan *response
	queuedAt time.Time
	state    int32
}

// claim marks the request as taken by the worker or by Close. It reports
// false if the caller already gave up on it.
func (q *queuedRequest) claim() bool {
	return atomic.CompareAndSwapInt32(&q.state, queuedPending, queuedClaimed)
}

// abandon marks the request as no longer wanted. It reports false if the
// worker already claimed it, in which case a response is on its way.
func (q *queuedRequest) abandon() bool {
	return atomic.CompareAndSwapInt32(&q.state, queuedPending, queuedAbandoned)
}

// enqueue appends r to the admission queue and starts the worker if it is not
// already running. Must be called with s.mu held.
func (s *Service) enqueue(ctx context.Context, r Request) *queuedRequest {
	q := &queuedRequest{
		ctx:      ctx,
		req:      r,
		resp:     make(chan *response, 1),
		queuedAt: clock.Now(),
	}
	s.queue.PushBack(q)
	s.metricQueueLength.Set(float64(s.queue.Len()))

	if !s.draining {
		s.draining = true
		s.wg.Go(s.drain)
	}
	return q
}

// wait blocks until the worker answers q or the queue timeout expires.
func (s *Service) wait(q *queuedRequest) (interface{}, error) {
	var timeout <-chan time.Time
	if s.conf.QueueTimeout > 0 {
		t := clock.NewTimer(s.conf.QueueTimeout)
		defer t.Stop()
		timeout = t.C()
	}

	select {
	case resp := <-q.resp:
		return resp.value, resp.err
	case <-timeout:
		if q.abandon() {
			s.log.Warnf("Gave up waiting for a rate limit slot for %s", q.req.Label)
			return nil, ErrQueueTimeout
		}
		resp := <-q.resp
		return resp.value, resp.err
	}
}

// next removes and returns the oldest request still wanted by its caller,
// or nil if there is none. Must be called with s.mu held.
func (s *Service) next() *queuedRequest {
	for e := s.queue.Front(); e != nil; e = s.queue.Front() {
		s.queue.Remove(e)
		q := e.Value.(*queuedRequest)
		if q.claim() {
			return q
		}
	}
	return nil
}

// drain processes the admission queue in FIFO order, one upstream call at a
// time, sleeping until the window has room whenever the limit is reached.
// Only one drain runs at a time; it exits once the queue is empty.
func (s *Service) drain() {
	for {
		s.mu.Lock()
		if s.closed || s.queue.Len() == 0 {
			s.draining = false
			s.waiting = false
			s.mu.Unlock()
			return
		}

		// Completions signalled before now are already reflected in the window
		select {
		case <-s.wake:
		default:
		}

		now := MillisecondNow()
		if !s.window.CanAdmit(now) {
			var fire <-chan time.Time
			var timer clock.Timer

			// With no completed calls in the window the limit is held by in
			// flight calls, and only their completion frees a slot.
			if wait := s.window.TimeUntilNextSlot(now); wait > 0 {
				delay := wait + s.conf.SafetyMargin
				timer = clock.NewTimer(delay)
				fire = timer.C()
				s.log.Infof("Rate limit reached, delaying %s (%d queued)", delay, s.queue.Len())
			}
			s.waiting = true
			s.mu.Unlock()

			select {
			case <-fire:
			case <-s.wake:
			case <-s.done:
			}
			if timer != nil {
				timer.Stop()
			}

			s.mu.Lock()
			s.waiting = false
			s.mu.Unlock()
			continue
		}

		q := s.next()
		s.metricQueueLength.Set(float64(s.queue.Len()))
		if q == nil {
			s.mu.Unlock()
			continue
		}
		s.window.Reserve()
		s.mu.Unlock()

		s.metricQueueWait.Observe(clock.Now().Sub(q.queuedAt).Seconds())
		s.log.Debugf("Processing queued request: %s", q.req.Label)

		v, err := s.call(q.ctx, q.req)
		v, err = s.complete(q.req, v, err)
		q.resp <- &response{value: v, err: err}
	}
}
