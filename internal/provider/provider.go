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

// Package provider runs the control loop tying the broker to the engine:
// registration, long-poll acquisition with backoff, strict one-job-at-a-time
// scheduling with preemption, engine restart after death and termination
// when idle.
package provider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/enginehost/enginehost/internal/api"
	"github.com/enginehost/enginehost/internal/broker"
	"github.com/enginehost/enginehost/internal/engine"
	"github.com/enginehost/enginehost/internal/mclock"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 10 * time.Second
	backoffFactor  = 1.5

	// failureCooldown is slept by the worker after an upload failure or an
	// engine death before the slot frees up for the next job.
	failureCooldown = 5 * time.Second
)

// Engine is the driver contract the loop schedules over. The subprocess
// driver implements it; tests substitute scripted engines.
type Engine interface {
	Variants() []string
	Analyse(job *api.Job, started func()) (io.ReadCloser, error)
	Stop()
	Terminate()
	Alive() bool
	IdleTime() time.Duration
}

// Config carries the provider-lifetime settings.
type Config struct {
	Name       string
	MaxThreads int
	MaxHash    int
	KeepAlive  time.Duration

	// ProviderSecret fixes the secret shared with the broker; when empty a
	// fresh random one is generated at startup.
	ProviderSecret string

	// Clock and Cooldown have working defaults and exist as test seams.
	Clock    mclock.Clock
	Cooldown time.Duration
}

// Provider is the supervising state machine.
type Provider struct {
	cfg       Config
	client    *broker.Client
	newEngine func() (Engine, error)
	clock     mclock.Clock
	cooldown  time.Duration
	log       *zap.Logger
}

// New creates a provider around the given broker client and engine factory.
func New(cfg Config, client *broker.Client, newEngine func() (Engine, error), log *zap.Logger) *Provider {
	p := &Provider{
		cfg:       cfg,
		client:    client,
		newEngine: newEngine,
		clock:     cfg.Clock,
		cooldown:  cfg.Cooldown,
		log:       log,
	}
	if p.clock == nil {
		p.clock = mclock.System{}
	}
	if p.cooldown == 0 {
		p.cooldown = failureCooldown
	}
	return p
}

// NewSecret generates a URL-safe provider secret with 32 bytes of entropy.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Run registers the engine and serves analysis jobs until the context is
// canceled. Only startup failures are returned; once the loop is running,
// every failure funnels into a bounded retry path.
func (p *Provider) Run(ctx context.Context) error {
	eng, err := p.newEngine()
	if err != nil {
		return err
	}

	secret := p.cfg.ProviderSecret
	if secret == "" {
		if secret, err = NewSecret(); err != nil {
			eng.Terminate()
			return err
		}
	}
	registration := &api.Registration{
		Name:           p.cfg.Name,
		MaxThreads:     p.cfg.MaxThreads,
		MaxHash:        p.cfg.MaxHash,
		Variants:       api.FilterVariants(eng.Variants()),
		ProviderSecret: secret,
	}
	if err := p.client.Register(ctx, registration); err != nil {
		eng.Terminate()
		return err
	}

	lastDone := make(chan struct{})
	close(lastDone)

	backoff := 1.0
	for ctx.Err() == nil {
		job, err := p.client.AcquireWork(ctx, secret)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.log.Error("error while trying to acquire work", zap.Error(err))
			p.clock.Sleep(time.Duration(backoff * float64(initialBackoff)))
			backoff = math.Min(backoff*backoffFactor, maxBackoff.Seconds())
			continue
		}
		backoff = 1

		if job == nil {
			if eng.Alive() && eng.IdleTime() > p.cfg.KeepAlive {
				p.log.Info("terminating idle engine")
				eng.Terminate()
			}
			continue
		}

		// Preempt the previous job and wait for its worker to settle; its
		// finalizer drains the engine to a clean post-bestmove state.
		eng.Stop()
		<-lastDone

		if !eng.Alive() {
			if eng, err = p.newEngine(); err != nil {
				p.log.Error("failed to restart engine", zap.Error(err))
				p.clock.Sleep(p.cooldown)
				continue
			}
		}

		// The loop must not poll for more work before the engine has
		// actually begun this job, or the broker could hand out two
		// overlapping jobs for this provider.
		started := make(chan struct{})
		done := make(chan struct{})
		go func(eng Engine, job *api.Job) {
			defer close(done)
			p.handleJob(ctx, eng, job, newOnce(started))
		}(eng, job)
		lastDone = done
		<-started
	}

	eng.Stop()
	<-lastDone
	eng.Terminate()
	return ctx.Err()
}

// handleJob runs one analysis and streams it to the broker. It guarantees
// the started signal fires and the analysis scope is finalized on every
// path.
func (p *Provider) handleJob(ctx context.Context, eng Engine, job *api.Job, started func()) {
	defer started()

	log := p.log.With(zap.String("job", job.ID))
	log.Info("handling job")

	stream, err := eng.Analyse(job, started)
	if err != nil {
		log.Error("failed to start analysis", zap.Error(err))
		if errors.Is(err, engine.ErrEngineDied) {
			p.clock.Sleep(p.cooldown)
		}
		return
	}
	defer stream.Close()

	switch err := p.client.SubmitAnalysis(ctx, job.ID, stream); {
	case err == nil:
	case errors.Is(err, broker.ErrPeerClosed):
		log.Info("connection closed while streaming analysis")
	case errors.Is(err, engine.ErrEngineDied):
		log.Error("engine died", zap.Error(err))
		p.clock.Sleep(p.cooldown)
	default:
		log.Error("error while submitting work", zap.Error(err))
		p.clock.Sleep(p.cooldown)
	}
}

// newOnce wraps a one-shot signal channel into an idempotent fire function.
func newOnce(ch chan struct{}) func() {
	fired := false
	return func() {
		if !fired {
			fired = true
			close(ch)
		}
	}
}
