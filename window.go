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
	"time"
)

// SlidingWindow implements a rolling window rate limit
// https://en.wikipedia.org/wiki/Rate_limiting#Sliding_window
//
// It allows at most Limit upstream calls in any window of the last Window
// duration. Timestamps are epoch milliseconds, oldest first. A call occupies
// the window from the moment it completes, and occupies an in-flight slot
// from admission until completion so concurrent admissions can not overshoot.
//
// Not thread-safe.  Be sure to use a mutex to prevent concurrent method calls.
type SlidingWindow struct {
	Limit  int
	Window time.Duration

	calls    []int64
	inFlight int
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		Limit:  limit,
		Window: window,
	}
}

// Prune drops every call that completed at or before `now - Window`.
func (w *SlidingWindow) Prune(now int64) {
	cutoff := now - w.Window.Milliseconds()
	i := 0
	for ; i < len(w.calls); i++ {
		if w.calls[i] > cutoff {
			break
		}
	}
	if i == 0 {
		return
	}
	// Copy the tail so the backing array does not grow forever
	w.calls = append(w.calls[:0], w.calls[i:]...)
}

// CanAdmit reports whether a new call may start at `now`.
func (w *SlidingWindow) CanAdmit(now int64) bool {
	w.Prune(now)
	return len(w.calls)+w.inFlight < w.Limit
}

// TimeUntilNextSlot returns how long until the oldest call in the window
// expires. Returns 0 if a call may start now, or if every used slot is
// held by an in-flight call; in the latter case the slot frees up when
// that call completes rather than after a known duration.
func (w *SlidingWindow) TimeUntilNextSlot(now int64) time.Duration {
	if w.CanAdmit(now) || len(w.calls) == 0 {
		return 0
	}

	wait := w.calls[0] + w.Window.Milliseconds() - now
	if wait < 0 {
		return 0
	}
	return time.Duration(wait) * time.Millisecond
}

// Reserve marks an admitted call as in flight.
func (w *SlidingWindow) Reserve() {
	w.inFlight++
}

// RecordCall records a completed upstream call at `now` and frees its
// in-flight slot if one was reserved.
func (w *SlidingWindow) RecordCall(now int64) {
	w.release()
	w.calls = append(w.calls, now)
	w.Prune(now)
}

// Release frees a reserved slot for a call that did not complete
// successfully. The call is not recorded in the window.
func (w *SlidingWindow) Release() {
	w.release()
}

func (w *SlidingWindow) release() {
	if w.inFlight > 0 {
		w.inFlight--
	}
}

// Len returns the number of calls in the window ending at `now`.
func (w *SlidingWindow) Len(now int64) int {
	w.Prune(now)
	return len(w.calls)
}

func (w *SlidingWindow) InFlight() int {
	return w.inFlight
}
