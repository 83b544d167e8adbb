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

// Package api defines the wire types exchanged with the lichess site API and
// the external engine broker.
package api

import "fmt"

// Job is a single analysis request handed out by the broker. It is consumed
// by exactly one analysis and then discarded.
type Job struct {
	ID   string `json:"id"`
	Work Work   `json:"work"`
}

// Work describes the position and search limits of a job. Exactly one of
// Movetime, Depth or Nodes is expected to be set.
type Work struct {
	SessionID  string   `json:"sessionId"`
	Threads    int      `json:"threads"`
	Hash       int      `json:"hash"`
	MultiPv    int      `json:"multiPv"`
	Variant    string   `json:"variant"`
	InitialFen string   `json:"initialFen"`
	Moves      []string `json:"moves"`

	Movetime *int   `json:"movetime,omitempty"` // milliseconds
	Depth    *int   `json:"depth,omitempty"`    // plies
	Nodes    *int64 `json:"nodes,omitempty"`    // search nodes
}

// GoCommand returns the "go" command selecting the first limit present, in
// the fixed movetime, depth, nodes order. ok is false for a malformed job
// that carries no limit at all.
func (w *Work) GoCommand() (cmd string, ok bool) {
	switch {
	case w.Movetime != nil:
		return fmt.Sprintf("go movetime %d", *w.Movetime), true
	case w.Depth != nil:
		return fmt.Sprintf("go depth %d", *w.Depth), true
	case w.Nodes != nil:
		return fmt.Sprintf("go nodes %d", *w.Nodes), true
	}
	return "", false
}

// Registration is the engine record upserted against the site API. The
// server keys records by Name.
type Registration struct {
	Name           string   `json:"name"`
	MaxThreads     int      `json:"maxThreads"`
	MaxHash        int      `json:"maxHash"`
	Variants       []string `json:"variants"`
	ProviderSecret string   `json:"providerSecret"`
}

// Engine is the subset of a registered engine record needed to locate an
// existing registration.
type Engine struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// knownVariants is the set of variants the server recognizes.
var knownVariants = map[string]bool{
	"chess":         true,
	"antichess":     true,
	"atomic":        true,
	"crazyhouse":    true,
	"horde":         true,
	"kingofthehill": true,
	"racingkings":   true,
	"3check":        true,
}

// FilterVariants intersects the variants advertised by an engine with the
// set the server recognizes. An engine that advertised nothing is assumed to
// play standard chess.
func FilterVariants(supported []string) []string {
	if len(supported) == 0 {
		supported = []string{"chess"}
	}
	var out []string
	for _, v := range supported {
		if knownVariants[v] {
			out = append(out, v)
		}
	}
	return out
}
