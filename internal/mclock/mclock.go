// Copyright 2026 The enginehost Authors
// This file is part of enginehost.
//
// enginehost is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// enginehost is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with enginehost. If not, see <http://www.gnu.org/licenses/>.

// Package mclock is a wrapper for a monotonic clock source.
package mclock

import (
	"sync"
	"time"
)

// AbsTime represents absolute monotonic time.
type AbsTime time.Duration

// Add returns t + d as absolute time.
func (t AbsTime) Add(d time.Duration) AbsTime {
	return t + AbsTime(d)
}

// Sub returns t - t2 as a duration.
func (t AbsTime) Sub(t2 AbsTime) time.Duration {
	return time.Duration(t - t2)
}

// The Clock interface makes it possible to replace the monotonic system
// clock with a simulated clock.
type Clock interface {
	Now() AbsTime
	Sleep(time.Duration)
}

var startup = time.Now()

// Now returns the current absolute monotonic time.
func Now() AbsTime {
	return AbsTime(time.Since(startup))
}

// System implements Clock using the system clock.
type System struct{}

// Now returns the current monotonic time.
func (System) Now() AbsTime {
	return AbsTime(time.Since(startup))
}

// Sleep blocks for the given duration.
func (System) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Simulated implements a virtual Clock for reproducible time-sensitive
// tests. It does not wait for wall clock time to pass: Sleep returns
// immediately, advancing the virtual time and recording the requested
// duration.
type Simulated struct {
	mu     sync.Mutex
	now    AbsTime
	sleeps []time.Duration
}

// Now returns the current virtual time.
func (s *Simulated) Now() AbsTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Sleep advances the virtual time by d and records the sleep.
func (s *Simulated) Sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.now += AbsTime(d)
	}
	s.sleeps = append(s.sleeps, d)
}

// Advance moves the virtual time forward without recording a sleep.
func (s *Simulated) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += AbsTime(d)
}

// Sleeps returns a snapshot of all durations passed to Sleep so far.
func (s *Simulated) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.sleeps))
	copy(out, s.sleeps)
	return out
}
