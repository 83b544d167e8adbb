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

package provider_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/enginehost/enginehost/internal/api"
	"github.com/enginehost/enginehost/internal/broker"
	"github.com/enginehost/enginehost/internal/engine"
	"github.com/enginehost/enginehost/internal/engine/enginetest"
	"github.com/enginehost/enginehost/internal/mclock"
	"github.com/enginehost/enginehost/internal/provider"
)

func intp(v int) *int { return &v }

// workResponse is one scripted answer to a work acquisition.
type workResponse struct {
	status int
	job    *api.Job
}

// upload is one recorded analysis submission.
type upload struct {
	jobID string
	body  string
	err   error
}

// fakeBroker is a programmable broker and site API.
type fakeBroker struct {
	srv     *httptest.Server
	work    chan workResponse
	uploads chan upload

	mu            sync.Mutex
	registrations []api.Registration
}

func newFakeBroker(t *testing.T) *fakeBroker {
	b := &fakeBroker{
		work:    make(chan workResponse),
		uploads: make(chan upload, 16),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBroker) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/external-engine" && r.Method == http.MethodGet:
		io.WriteString(w, "[]")

	case r.URL.Path == "/api/external-engine" && r.Method == http.MethodPost:
		var reg api.Registration
		json.NewDecoder(r.Body).Decode(&reg)
		b.mu.Lock()
		b.registrations = append(b.registrations, reg)
		b.mu.Unlock()

	case r.URL.Path == "/api/external-engine/work":
		// The body must be drained before blocking: the server only starts
		// the background read that cancels r.Context() on client disconnect
		// once the request body has hit EOF.
		io.Copy(io.Discard, r.Body)
		select {
		case res := <-b.work:
			if res.job != nil {
				json.NewEncoder(w).Encode(res.job)
				return
			}
			w.WriteHeader(res.status)
		case <-r.Context().Done():
		}

	case strings.HasPrefix(r.URL.Path, "/api/external-engine/work/"):
		jobID := strings.TrimPrefix(r.URL.Path, "/api/external-engine/work/")
		body, err := io.ReadAll(r.Body)
		b.uploads <- upload{jobID: jobID, body: string(body), err: err}

	default:
		http.NotFound(w, r)
	}
}

// sendJob blocks until the provider's next acquisition takes the response.
func (b *fakeBroker) sendJob(job *api.Job) { b.work <- workResponse{status: http.StatusOK, job: job} }
func (b *fakeBroker) sendStatus(code int) { b.work <- workResponse{status: code} }

func (b *fakeBroker) waitUpload(t *testing.T) upload {
	t.Helper()
	select {
	case u := <-b.uploads:
		return u
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for an upload")
		return upload{}
	}
}

func (b *fakeBroker) registered() []api.Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]api.Registration, len(b.registrations))
	copy(out, b.registrations)
	return out
}

// engineFactory spawns scripted engines behind the real driver.
type engineFactory struct {
	t       *testing.T
	clock   mclock.Clock
	handler func(spawn int) enginetest.Handler

	mu    sync.Mutex
	peers []*enginetest.Peer
}

func (f *engineFactory) new() (provider.Engine, error) {
	f.mu.Lock()
	spawn := len(f.peers)
	f.mu.Unlock()

	peer, stdin, stdout, kill := enginetest.Start(f.handler(spawn))
	d, err := engine.Attach(engine.Config{}, zaptest.NewLogger(f.t), f.clock, stdin, stdout, kill)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.peers = append(f.peers, peer)
	f.mu.Unlock()
	f.t.Cleanup(peer.Kill)
	return d, nil
}

func (f *engineFactory) peer(i int) *enginetest.Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}

func (f *engineFactory) spawns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// promptSearch answers every go with one score line and an immediate
// bestmove.
func promptSearch(spawn int) enginetest.Handler {
	return enginetest.Compose(
		enginetest.Handshake("option name UCI_Variant type combo default chess var chess var antichess"),
		func(p *enginetest.Peer, line string) {
			if strings.HasPrefix(line, "go ") {
				p.Send("info depth 1 score cp 0 pv e2e4")
				p.Send("bestmove e2e4")
			}
		},
	)
}

func startProvider(t *testing.T, b *fakeBroker, f *engineFactory, clock *mclock.Simulated, keepAlive time.Duration) (cancel func(), wait func() error) {
	t.Helper()
	client := broker.NewClient(b.srv.URL, b.srv.URL, "t0ken", zaptest.NewLogger(t))
	p := provider.New(provider.Config{
		Name:           "Alpha 2",
		MaxThreads:     4,
		MaxHash:        512,
		KeepAlive:      keepAlive,
		ProviderSecret: "sekrit",
		Clock:          clock,
		Cooldown:       time.Millisecond,
	}, client, f.new, zaptest.NewLogger(t))

	ctx, stop := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	return stop, func() error {
		select {
		case err := <-errc:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("provider did not shut down")
			return nil
		}
	}
}

func depthJob(id, session string, depth int) *api.Job {
	return &api.Job{ID: id, Work: api.Work{
		SessionID: session, Threads: 2, Hash: 64, MultiPv: 1,
		Variant: "chess", InitialFen: "F", Depth: intp(depth),
	}}
}

// TestRegistrationAndBackoff drives the loop through three acquisition
// failures followed by work, checking the registration body, the 1, 1.5,
// 2.25 sleep sequence and the reset to 1 after a success.
func TestRegistrationAndBackoff(t *testing.T) {
	clock := &mclock.Simulated{}
	f := &engineFactory{t: t, clock: clock, handler: promptSearch}
	b := newFakeBroker(t)
	cancel, wait := startProvider(t, b, f, clock, time.Hour)

	// Registration happened before the first acquisition, carrying the
	// variants discovered in the handshake and the fixed secret.
	b.sendStatus(http.StatusInternalServerError)
	regs := b.registered()
	require.Len(t, regs, 1)
	assert.Equal(t, "Alpha 2", regs[0].Name)
	assert.Equal(t, "sekrit", regs[0].ProviderSecret)
	assert.ElementsMatch(t, []string{"chess", "antichess"}, regs[0].Variants)

	b.sendStatus(http.StatusInternalServerError)
	b.sendStatus(http.StatusInternalServerError)
	b.sendJob(depthJob("j1", "s1", 10))

	u := b.waitUpload(t)
	assert.Equal(t, "j1", u.jobID)
	assert.Equal(t, "info depth 1 score cp 0 pv e2e4\n", u.body)
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
	}, clock.Sleeps())

	// A single success resets the backoff.
	b.sendStatus(http.StatusInternalServerError)
	b.sendJob(depthJob("j2", "s1", 10))
	u = b.waitUpload(t)
	assert.Equal(t, "j2", u.jobID)
	sleeps := clock.Sleeps()
	assert.Equal(t, 1*time.Second, sleeps[len(sleeps)-1])

	cancel()
	require.ErrorIs(t, wait(), context.Canceled)
}

// TestPreemption hands out a second job while the first is still streaming:
// the engine must see stop, the first upload must close with its trailing
// bytes, and the second job's preamble must only follow the drained
// bestmove.
func TestPreemption(t *testing.T) {
	clock := &mclock.Simulated{}
	f := &engineFactory{t: t, clock: clock, handler: func(spawn int) enginetest.Handler {
		var mu sync.Mutex
		searching := false
		return enginetest.Compose(
			enginetest.Handshake(),
			func(p *enginetest.Peer, line string) {
				switch {
				case strings.HasPrefix(line, "go "):
					mu.Lock()
					searching = true
					mu.Unlock()
					p.Send("info depth 4 score cp 12")
				case line == "stop":
					mu.Lock()
					pending := searching
					searching = false
					mu.Unlock()
					if pending {
						p.Send("bestmove e2e4")
					}
				}
			},
		)
	}}
	b := newFakeBroker(t)
	cancel, wait := startProvider(t, b, f, clock, time.Hour)

	b.sendJob(&api.Job{ID: "j1", Work: api.Work{
		SessionID: "s1", Threads: 2, Hash: 64, MultiPv: 1,
		Variant: "chess", InitialFen: "F", Moves: []string{"e2e4"}, Movetime: intp(500),
	}})
	peer0 := waitSpawn(t, f, 1)
	require.True(t, peer0.WaitPrefix("go ", 1, 5*time.Second))

	// Second job arrives mid-search.
	b.sendJob(depthJob("j2", "s1", 6))

	u := b.waitUpload(t)
	assert.Equal(t, "j1", u.jobID)
	assert.Equal(t, "info depth 4 score cp 12\n", u.body)

	require.True(t, peer0.WaitPrefix("go ", 2, 5*time.Second))
	lines := peer0.Received()
	firstGo := indexOf(lines, "go movetime 500")
	stop := indexOf(lines, "stop")
	secondPosition := indexOf(lines, "position fen F moves ")
	secondGo := indexOf(lines, "go depth 6")
	require.GreaterOrEqual(t, firstGo, 0)
	require.GreaterOrEqual(t, stop, 0)
	require.GreaterOrEqual(t, secondPosition, 0)
	require.GreaterOrEqual(t, secondGo, 0)
	assert.Less(t, firstGo, stop, "stop must preempt the running search")
	assert.Less(t, stop, secondPosition, "the new preamble must follow the stop")
	assert.Less(t, secondPosition, secondGo)

	// Only one engine was ever spawned; preemption reuses it.
	assert.Equal(t, 1, f.spawns())

	cancel()
	require.ErrorIs(t, wait(), context.Canceled)
	u = b.waitUpload(t)
	assert.Equal(t, "j2", u.jobID)
}

// TestIdleShutdown terminates an engine left idle past keep-alive and
// spawns a fresh one, handshake included, for the next job.
func TestIdleShutdown(t *testing.T) {
	clock := &mclock.Simulated{}
	f := &engineFactory{t: t, clock: clock, handler: promptSearch}
	b := newFakeBroker(t)
	cancel, wait := startProvider(t, b, f, clock, time.Second)

	b.sendJob(depthJob("j1", "s1", 10))
	b.waitUpload(t)
	peer0 := waitSpawn(t, f, 1)

	// Keep answering "no work" with the virtual clock pushed well past
	// keep-alive until the idle engine is reaped.
	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Second)
		b.sendStatus(http.StatusNoContent)
		return peer0.Killed()
	}, 10*time.Second, time.Millisecond)

	// The next job gets a brand new engine with a replayed handshake.
	b.sendJob(depthJob("j2", "s2", 10))
	u := b.waitUpload(t)
	assert.Equal(t, "j2", u.jobID)

	require.Equal(t, 2, f.spawns())
	peer1 := f.peer(1)
	lines := peer1.Received()
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, []string{
		"uci",
		"setoption name UCI_AnalyseMode value true",
		"setoption name UCI_Chess960 value true",
	}, lines[:3])

	cancel()
	require.ErrorIs(t, wait(), context.Canceled)
}

// TestEngineDeathRecovery kills the engine mid-analysis and checks the next
// job is served by a freshly spawned engine.
func TestEngineDeathRecovery(t *testing.T) {
	clock := &mclock.Simulated{}
	f := &engineFactory{t: t, clock: clock, handler: func(spawn int) enginetest.Handler {
		if spawn == 0 {
			return enginetest.Compose(
				enginetest.Handshake(),
				func(p *enginetest.Peer, line string) {
					if strings.HasPrefix(line, "go ") {
						p.Send("info depth 1 score cp 3 pv e2e4")
						p.CloseOutput()
					}
				},
			)
		}
		return promptSearch(spawn)
	}}
	b := newFakeBroker(t)
	cancel, wait := startProvider(t, b, f, clock, time.Hour)

	b.sendJob(depthJob("j1", "s1", 10))
	u := b.waitUpload(t)
	assert.Equal(t, "j1", u.jobID)

	b.sendJob(depthJob("j2", "s1", 10))
	u = b.waitUpload(t)
	assert.Equal(t, "j2", u.jobID)
	assert.Equal(t, "info depth 1 score cp 0 pv e2e4\n", u.body)

	require.Equal(t, 2, f.spawns())
	peer1 := f.peer(1)
	lines := peer1.Received()
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, []string{
		"uci",
		"setoption name UCI_AnalyseMode value true",
		"setoption name UCI_Chess960 value true",
	}, lines[:3])

	cancel()
	require.ErrorIs(t, wait(), context.Canceled)
}

func waitSpawn(t *testing.T, f *engineFactory, n int) *enginetest.Peer {
	t.Helper()
	require.Eventually(t, func() bool { return f.spawns() >= n }, 5*time.Second, time.Millisecond)
	return f.peer(n - 1)
}

func indexOf(lines []string, want string) int {
	for i, line := range lines {
		if line == want {
			return i
		}
	}
	return -1
}
