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

// Package engine drives a UCI chess engine subprocess.
//
// The driver owns exactly one child process. It performs the uci handshake
// on construction, keeps track of the option state last applied to the
// engine, and exposes analysis as a lazily pulled stream of score-bearing
// info lines. Engine death is detected as EOF on the stdout pipe and makes
// every subsequent operation fail with ErrEngineDied.
package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/enginehost/enginehost/internal/api"
	"github.com/enginehost/enginehost/internal/mclock"
)

var (
	// ErrEngineDied is returned once the engine pipe has reached EOF or a
	// write to the engine failed. The driver is unusable afterwards.
	ErrEngineDied = errors.New("engine died")

	// ErrMalformedJob is returned for jobs that carry none of the movetime,
	// depth or nodes limits.
	ErrMalformedJob = errors.New("malformed job: no movetime, depth or nodes limit")
)

// Option is a UCI option applied to the engine after the handshake.
type Option struct {
	Name  string
	Value string
}

// Config describes how to launch and prime an engine.
type Config struct {
	// Command is the shell command used to launch the engine.
	Command string
	// Options are extra setoption commands applied after the handshake,
	// in order.
	Options []Option
	// AcceptBounds strips lowerbound/upperbound markers from emitted info
	// lines instead of forwarding them verbatim.
	AcceptBounds bool
}

// Driver drives a single UCI engine over line-buffered pipes.
//
// The analysis state fields (sessionID, threads, ...) are only touched by
// the goroutine running Analyse and the stream it returns. Stop is the one
// method that may be called concurrently; every stdin write goes through
// writeMu so a Stop racing the analysis preamble stays well-formed.
type Driver struct {
	log   *zap.Logger
	clock mclock.Clock

	cmd  *exec.Cmd
	kill func()

	writeMu sync.Mutex
	stdin   *bufio.Writer
	stdout  *bufio.Reader

	alive    atomic.Bool
	lastUsed atomic.Int64 // mclock.AbsTime of the last completed analysis

	acceptBounds bool

	// Last-applied engine state, compared against incoming jobs to decide
	// which setoption commands to send.
	sessionID string
	threads   int
	hash      int
	multiPv   int
	variant   string

	variants []string // discovered from the uci handshake
}

// Start launches the configured engine command through the shell, performs
// the uci handshake and applies the standard analysis options.
func Start(cfg Config, log *zap.Logger, clock mclock.Clock) (*Driver, error) {
	cmd := exec.Command("/bin/sh", "-c", cfg.Command)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	go cmd.Wait() // reap

	log = log.With(zap.Int("pid", cmd.Process.Pid))
	d, err := Attach(cfg, log, clock, stdin, stdout, func() { cmd.Process.Kill() })
	if err != nil {
		cmd.Process.Kill()
		return nil, err
	}
	d.cmd = cmd
	return d, nil
}

// Attach drives an already-running engine over the given pipes. kill is
// invoked by Terminate to make the engine exit; it must eventually cause
// stdout to reach EOF. Attach performs the same handshake as Start.
func Attach(cfg Config, log *zap.Logger, clock mclock.Clock, stdin io.Writer, stdout io.Reader, kill func()) (*Driver, error) {
	d := &Driver{
		log:          log.With(zap.String("engine", uuid.New().String()[:8])),
		clock:        clock,
		kill:         kill,
		stdin:        bufio.NewWriter(stdin),
		stdout:       bufio.NewReader(stdout),
		acceptBounds: cfg.AcceptBounds,
	}
	d.alive.Store(true)
	d.lastUsed.Store(int64(clock.Now()))

	if err := d.uci(); err != nil {
		return nil, err
	}
	if err := d.setOption("UCI_AnalyseMode", "true"); err != nil {
		return nil, err
	}
	if err := d.setOption("UCI_Chess960", "true"); err != nil {
		return nil, err
	}
	for _, opt := range cfg.Options {
		if err := d.setOption(opt.Name, opt.Value); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// send writes a single command line to the engine. A failed write marks the
// engine dead.
func (d *Driver) send(command string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if !d.alive.Load() {
		return ErrEngineDied
	}
	d.log.Debug("<< " + command)
	if _, err := d.stdin.WriteString(command + "\n"); err != nil {
		d.alive.Store(false)
		return fmt.Errorf("%w: %v", ErrEngineDied, err)
	}
	if err := d.stdin.Flush(); err != nil {
		d.alive.Store(false)
		return fmt.Errorf("%w: %v", ErrEngineDied, err)
	}
	return nil
}

// recv reads the next non-empty line from the engine and splits it into the
// leading command token and the remainder. EOF marks the engine dead.
func (d *Driver) recv() (command, params string, err error) {
	for {
		line, err := d.stdout.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" {
			if err != nil {
				d.alive.Store(false)
				return "", "", ErrEngineDied
			}
			continue
		}
		d.log.Debug(">> " + line)

		if i := strings.IndexAny(line, " \t"); i >= 0 {
			return line[:i], strings.TrimLeft(line[i+1:], " \t"), nil
		}
		return line, "", nil
	}
}

// uci performs the handshake, collecting the variants advertised through
// the UCI_Variant option declaration.
func (d *Driver) uci() error {
	if err := d.send("uci"); err != nil {
		return err
	}
	for {
		command, params, err := d.recv()
		if err != nil {
			return err
		}
		switch command {
		case "option":
			var name string
			fields := strings.Fields(params)
			for i := 0; i < len(fields); i++ {
				switch {
				case fields[i] == "name" && i+1 < len(fields):
					i++
					name = fields[i]
				case name == "UCI_Variant" && fields[i] == "var" && i+1 < len(fields):
					i++
					d.variants = append(d.variants, fields[i])
				}
			}
		case "uciok":
			if len(d.variants) > 0 {
				d.log.Info("supported variants", zap.Strings("variants", d.variants))
			}
			return nil
		}
	}
}

// isready performs an isready/readyok round-trip, draining any pending
// engine output in between.
func (d *Driver) isready() error {
	if err := d.send("isready"); err != nil {
		return err
	}
	for {
		command, _, err := d.recv()
		if err != nil {
			return err
		}
		if command == "readyok" {
			return nil
		}
	}
}

// setOption sends a setoption command. The engine sends no acknowledgment;
// callers interpose isready before depending on the change.
func (d *Driver) setOption(name, value string) error {
	return d.send("setoption name " + name + " value " + value)
}

// Variants returns the variants the engine advertised during the handshake.
func (d *Driver) Variants() []string {
	out := make([]string, len(d.variants))
	copy(out, d.variants)
	return out
}

// Alive reports whether the engine is still usable.
func (d *Driver) Alive() bool {
	return d.alive.Load()
}

// IdleTime returns how long ago the last analysis completed.
func (d *Driver) IdleTime() time.Duration {
	return d.clock.Now().Sub(mclock.AbsTime(d.lastUsed.Load()))
}

// Stop asks the engine to cut the current search short. It is idempotent,
// a no-op on a dead engine, and safe to call from any goroutine.
func (d *Driver) Stop() {
	if !d.alive.Load() {
		return
	}
	d.send("stop")
}

// Terminate marks the engine dead and signals the child process to exit.
// Stdout will then reach EOF, unblocking any pending read.
func (d *Driver) Terminate() {
	if d.alive.Swap(false) {
		d.log.Debug("terminating engine")
		d.kill()
	}
}

// Analyse prepares the engine for the given job and starts the search. The
// returned stream yields score-bearing info lines as raw bytes and ends at
// the engine's bestmove. Closing the stream sends stop, drains the search
// to its bestmove and refreshes the idle timestamp; callers must close it
// on every path so the engine is left in a clean post-search state.
//
// started is invoked once the go command has been written, i.e. once the
// engine has actually begun working on this job.
func (d *Driver) Analyse(job *api.Job, started func()) (io.ReadCloser, error) {
	work := &job.Work

	goCommand, ok := work.GoCommand()
	if !ok {
		return nil, ErrMalformedJob
	}

	if work.SessionID != d.sessionID {
		d.sessionID = work.SessionID
		if err := d.send("ucinewgame"); err != nil {
			return nil, err
		}
		if err := d.isready(); err != nil {
			return nil, err
		}
	}

	changed := false
	if d.threads != work.Threads {
		if err := d.setOption("Threads", strconv.Itoa(work.Threads)); err != nil {
			return nil, err
		}
		d.threads = work.Threads
		changed = true
	}
	if d.hash != work.Hash {
		if err := d.setOption("Hash", strconv.Itoa(work.Hash)); err != nil {
			return nil, err
		}
		d.hash = work.Hash
		changed = true
	}
	if d.multiPv != work.MultiPv {
		if err := d.setOption("MultiPV", strconv.Itoa(work.MultiPv)); err != nil {
			return nil, err
		}
		d.multiPv = work.MultiPv
		changed = true
	}
	variant := work.Variant
	if variant == "" {
		// Older broker deployments omit the variant.
		variant = "chess"
	}
	if d.variant != variant {
		if err := d.setOption("UCI_Variant", variant); err != nil {
			return nil, err
		}
		d.variant = variant
		changed = true
	}
	if changed {
		if err := d.isready(); err != nil {
			return nil, err
		}
	}

	if err := d.send("position fen " + work.InitialFen + " moves " + strings.Join(work.Moves, " ")); err != nil {
		return nil, err
	}
	if err := d.send(goCommand); err != nil {
		return nil, err
	}

	started()
	return &analysis{d: d}, nil
}

// analysis is the lazily pulled stream of one search. Read and Close are
// driven by the job worker; Close may follow a concurrent Stop from the
// control loop.
type analysis struct {
	d    *Driver
	buf  []byte
	done bool // bestmove consumed
	err  error

	closeOnce sync.Once
}

func (a *analysis) Read(p []byte) (int, error) {
	for len(a.buf) == 0 {
		if a.err != nil {
			return 0, a.err
		}
		if a.done {
			return 0, io.EOF
		}
		command, params, err := a.d.recv()
		if err != nil {
			a.err = err
			return 0, err
		}
		switch command {
		case "bestmove":
			a.done = true
			return 0, io.EOF
		case "info":
			if !strings.Contains(params, "score") {
				continue
			}
			if a.d.acceptBounds {
				params = strings.ReplaceAll(params, "lowerbound ", "")
				params = strings.ReplaceAll(params, "upperbound ", "")
			}
			a.buf = []byte("info " + params + "\n")
		default:
			a.d.log.Warn("unexpected engine command", zap.String("command", command))
		}
	}
	n := copy(p, a.buf)
	a.buf = a.buf[n:]
	return n, nil
}

// Close performs the scoped finalization: a best-effort stop, a drain to
// the terminating bestmove and a refresh of the idle timestamp.
func (a *analysis) Close() error {
	a.closeOnce.Do(func() {
		a.d.Stop()
		for !a.done && a.err == nil {
			command, _, err := a.d.recv()
			if err != nil {
				a.err = err
				break
			}
			if command == "bestmove" {
				a.done = true
			}
		}
		a.d.lastUsed.Store(int64(a.d.clock.Now()))
	})
	return nil
}
