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

package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func int64p(v int64) *int64 { return &v }

func TestGoCommandOrder(t *testing.T) {
	tests := []struct {
		name string
		work Work
		want string
		ok   bool
	}{
		{"movetime", Work{Movetime: intp(500)}, "go movetime 500", true},
		{"depth", Work{Depth: intp(10)}, "go depth 10", true},
		{"nodes", Work{Nodes: int64p(200000)}, "go nodes 200000", true},
		{"movetime wins over depth", Work{Movetime: intp(500), Depth: intp(10)}, "go movetime 500", true},
		{"depth wins over nodes", Work{Depth: intp(10), Nodes: int64p(1)}, "go depth 10", true},
		{"none", Work{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := tt.work.GoCommand()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestFilterVariants(t *testing.T) {
	assert.ElementsMatch(t, []string{"chess", "antichess", "atomic"},
		FilterVariants([]string{"chess", "antichess", "atomic"}))

	// Unrecognized variants are dropped.
	assert.ElementsMatch(t, []string{"chess", "3check"},
		FilterVariants([]string{"chess", "3check", "shogi"}))

	// An engine advertising nothing plays standard chess.
	assert.Equal(t, []string{"chess"}, FilterVariants(nil))
}

func TestJobDecode(t *testing.T) {
	raw := `{"id":"j1","work":{"sessionId":"s1","threads":2,"hash":64,"multiPv":1,"variant":"chess","initialFen":"startpos-fen","moves":[],"depth":10}}`
	var job Job
	require.NoError(t, json.Unmarshal([]byte(raw), &job))

	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, "s1", job.Work.SessionID)
	require.NotNil(t, job.Work.Depth)
	assert.Equal(t, 10, *job.Work.Depth)
	assert.Nil(t, job.Work.Movetime)
	assert.Nil(t, job.Work.Nodes)
}
