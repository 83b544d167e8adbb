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

// Package broker implements the HTTP client for the site API and the
// external engine broker: registration upsert, long-poll work acquisition
// and the chunked upload of analysis output.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/enginehost/enginehost/internal/api"
)

// workTimeout bounds a single long-poll request so a network stall cannot
// stall the provider.
const workTimeout = 12 * time.Second

// ErrPeerClosed indicates the broker closed the connection while the
// analysis was being streamed, typically because the user navigated away.
var ErrPeerClosed = errors.New("peer closed connection")

// StatusError is returned for HTTP responses outside the success range.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// Client talks to the site API and the broker. All requests carry the
// bearer token.
type Client struct {
	http   *http.Client
	site   string
	broker string
	token  string
	log    *zap.Logger

	// WorkTimeout overrides the long-poll request timeout; tests shorten it.
	WorkTimeout time.Duration
}

// NewClient creates a client for the given site and broker base URLs.
func NewClient(site, broker, token string, log *zap.Logger) *Client {
	return &Client{
		http:        &http.Client{},
		site:        site,
		broker:      broker,
		token:       token,
		log:         log,
		WorkTimeout: workTimeout,
	}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.http.Do(req)
}

// checkStatus consumes and closes the response body on failure and returns
// a StatusError for non-2xx responses.
func checkStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	res.Body.Close()
	return &StatusError{Status: res.StatusCode, Body: string(bytes.TrimSpace(body))}
}

// Register upserts the engine record keyed by reg.Name: an existing record
// is updated in place, otherwise a new one is created. Either way exactly
// one record with this name exists afterwards and carries reg's secret.
func (c *Client) Register(ctx context.Context, reg *api.Registration) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.site+"/api/external-engine", nil)
	if err != nil {
		return err
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	if err := checkStatus(res); err != nil {
		return err
	}
	var engines []api.Engine
	err = json.NewDecoder(res.Body).Decode(&engines)
	res.Body.Close()
	if err != nil {
		return fmt.Errorf("decoding engine list: %w", err)
	}

	for _, engine := range engines {
		if engine.Name == reg.Name {
			c.log.Info("updating engine", zap.String("id", engine.ID))
			return c.sendRegistration(ctx, http.MethodPut, c.site+"/api/external-engine/"+engine.ID, reg)
		}
	}
	c.log.Info("registering new engine")
	return c.sendRegistration(ctx, http.MethodPost, c.site+"/api/external-engine", reg)
}

func (c *Client) sendRegistration(ctx context.Context, method, url string, reg *api.Registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.do(req)
	if err != nil {
		return err
	}
	if err := checkStatus(res); err != nil {
		return err
	}
	io.Copy(io.Discard, res.Body)
	return res.Body.Close()
}

// AcquireWork long-polls the broker for the next job. A nil job with a nil
// error means the poll expired without work being available.
func (c *Client) AcquireWork(ctx context.Context, providerSecret string) (*api.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, c.WorkTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"providerSecret": providerSecret})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.broker+"/api/external-engine/work", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(res); err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		// Some other 2xx: no work available right now.
		io.Copy(io.Discard, res.Body)
		return nil, nil
	}
	var job api.Job
	if err := json.NewDecoder(res.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

// SubmitAnalysis streams the analysis bytes to the broker as the request
// body. The reader is consumed lazily, so engine output flows upstream as
// it is produced and a broker-side disconnect unwinds the analysis
// promptly. A read error from the analysis itself is surfaced unchanged;
// a broker-side disconnect is reported as ErrPeerClosed.
func (c *Client) SubmitAnalysis(ctx context.Context, jobID string, analysis io.Reader) error {
	src := &trackingReader{r: analysis}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.broker+"/api/external-engine/work/"+jobID, src)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	res, err := c.do(req)
	if err != nil {
		// The transport wraps body read errors; prefer the original so
		// engine death stays distinguishable from a peer disconnect.
		if src.err != nil && src.err != io.EOF {
			return src.err
		}
		if isPeerClosed(err) {
			return fmt.Errorf("%w: %v", ErrPeerClosed, err)
		}
		return err
	}
	if err := checkStatus(res); err != nil {
		return err
	}
	io.Copy(io.Discard, res.Body)
	return res.Body.Close()
}

// trackingReader remembers the first error produced by the underlying
// reader so it survives the HTTP transport's own wrapping.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}

// isPeerClosed classifies transport errors caused by the remote end
// dropping the connection mid-request.
func isPeerClosed(err error) bool {
	if errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"broken pipe", "connection reset", "server closed"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
