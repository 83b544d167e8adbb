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

package mclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimulatedSleep(t *testing.T) {
	var c Simulated

	start := c.Now()
	c.Sleep(2 * time.Second)
	c.Sleep(500 * time.Millisecond)
	assert.Equal(t, 2500*time.Millisecond, c.Now().Sub(start))
	assert.Equal(t, []time.Duration{2 * time.Second, 500 * time.Millisecond}, c.Sleeps())
}

func TestSimulatedAdvance(t *testing.T) {
	var c Simulated

	c.Advance(time.Minute)
	assert.Equal(t, AbsTime(time.Minute), c.Now())
	assert.Empty(t, c.Sleeps(), "Advance must not count as a sleep")
}
