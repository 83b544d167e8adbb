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

// Package enginetest provides a scripted in-process UCI engine for tests.
//
// A Peer sits on the far side of a pair of io.Pipes and plays the engine's
// role: it records every line the driver writes and answers through a
// handler function, so tests can assert on the exact command transcript.
package enginetest

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"
)

// Handler reacts to a single line received from the driver. It runs on the
// peer's reader goroutine; responses sent through Peer.Send block until the
// driver reads them.
type Handler func(p *Peer, line string)

// Peer is a scripted fake engine process.
type Peer struct {
	handler Handler

	in  *io.PipeReader // driver stdin arrives here
	out *io.PipeWriter // engine stdout leaves here

	mu       sync.Mutex
	received []string
	killed   bool

	done chan struct{}
}

// Start creates a scripted peer and returns the pipe ends the driver
// attaches to: its stdin writer, its stdout reader, and a kill function
// with subprocess-terminate semantics (stdout reaches EOF).
func Start(handler Handler) (p *Peer, stdin io.Writer, stdout io.Reader, kill func()) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p = &Peer{
		handler: handler,
		in:      inR,
		out:     outW,
		done:    make(chan struct{}),
	}
	go p.loop()
	return p, inW, outR, p.Kill
}

func (p *Peer) loop() {
	defer close(p.done)
	scanner := bufio.NewScanner(p.in)
	for scanner.Scan() {
		line := scanner.Text()
		p.mu.Lock()
		p.received = append(p.received, line)
		p.mu.Unlock()
		if p.handler != nil {
			p.handler(p, line)
		}
	}
}

// Send writes one line of engine output. It blocks until the driver has
// read it, mirroring a line-buffered pipe.
func (p *Peer) Send(line string) {
	p.out.Write([]byte(line + "\n"))
}

// CloseOutput simulates the engine dying: the driver's next read reaches
// EOF.
func (p *Peer) CloseOutput() {
	p.out.Close()
}

// Kill simulates an OS-level terminate of the engine process.
func (p *Peer) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.out.Close()
	p.in.Close()
}

// Killed reports whether Kill was invoked.
func (p *Peer) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Received returns a snapshot of all lines the driver has written so far.
func (p *Peer) Received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.received))
	copy(out, p.received)
	return out
}

// CountPrefix counts received lines starting with the given prefix.
func (p *Peer) CountPrefix(prefix string) int {
	n := 0
	for _, line := range p.Received() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// WaitLines polls until at least n lines were received from the driver, or
// the timeout elapses. It reports whether the condition was met.
func (p *Peer) WaitLines(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(p.Received()) >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return len(p.Received()) >= n
}

// WaitPrefix polls until at least n received lines start with the given
// prefix, or the timeout elapses. It reports whether the condition was met.
func (p *Peer) WaitPrefix(prefix string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.CountPrefix(prefix) >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return p.CountPrefix(prefix) >= n
}

// Handshake is a Handler fragment answering the uci command with the given
// option declarations followed by uciok, and isready with readyok. Tests
// compose it with their own go/stop behavior.
func Handshake(options ...string) Handler {
	return func(p *Peer, line string) {
		switch line {
		case "uci":
			p.Send("id name scripted")
			for _, opt := range options {
				p.Send(opt)
			}
			p.Send("uciok")
		case "isready":
			p.Send("readyok")
		}
	}
}

// Compose chains handlers; each one sees every line.
func Compose(handlers ...Handler) Handler {
	return func(p *Peer, line string) {
		for _, h := range handlers {
			h(p, line)
		}
	}
}
