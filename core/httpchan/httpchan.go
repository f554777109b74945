// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpchan is the request/response half of the hybrid
// transport: calls, subscribe initiations, and unsubscribes all travel
// over plain HTTP, carrying the client id so the server can correlate
// them with the push socket.
package httpchan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pushrpc/push-rpc-go/pkg/api"
)

// ClientIDHeader carries the opaque client identifier on every request.
const ClientIDHeader = "x-rpc-client-id"

// maxResponseSize bounds a decoded response body.
const maxResponseSize = 16 * 1024 * 1024

// Config is used to configure a Channel.
type Config struct {
	// BaseURL is the http(s) endpoint the three routes hang off of,
	// e.g. "http://host:8080/rpc".
	BaseURL string

	// ClientID is sent in ClientIDHeader on every request.
	ClientID string

	// CallTimeout is the default per-invocation deadline. Individual
	// invocations may override it.
	CallTimeout time.Duration

	// HTTPClient, if set, replaces http.DefaultClient.
	HTTPClient *http.Client
}

// New returns a ready-to-use channel. The channel is stateless beyond
// its base URL and client id.
func New(cfg Config) *Channel {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Channel{
		base:        strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:    cfg.ClientID,
		callTimeout: cfg.CallTimeout,
		hc:          hc,
	}
}

// Channel issues call/subscribe/unsubscribe requests.
type Channel struct {
	base        string
	clientID    string
	callTimeout time.Duration
	hc          *http.Client
}

// Call invokes the named item and returns its decoded result.
// A timeout of zero uses the channel default.
func (c *Channel) Call(ctx context.Context, itemName string, parameters json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return c.post(ctx, "call", itemName, parameters, timeout)
}

// Subscribe requests the item's current value and registers the
// subscription on the server side, keyed by the client id.
func (c *Channel) Subscribe(ctx context.Context, itemName string, parameters json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return c.post(ctx, "subscribe", itemName, parameters, timeout)
}

// Unsubscribe tells the server to drop its subscription for the key.
func (c *Channel) Unsubscribe(ctx context.Context, itemName string, parameters json.RawMessage, timeout time.Duration) error {
	_, err := c.post(ctx, "unsubscribe", itemName, parameters, timeout)
	return err
}

func (c *Channel) post(ctx context.Context, op, itemName string, parameters json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.callTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if len(parameters) == 0 {
		parameters = json.RawMessage("[]")
	}

	url := c.base + "/" + op + "/" + itemName
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(parameters))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ClientIDHeader, c.clientID)

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, api.NewTimeout(itemName)
		}
		return nil, fmt.Errorf("%s %q: %w", op, itemName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, api.NewTimeout(itemName)
		}
		return nil, fmt.Errorf("%s %q: reading response: %w", op, itemName, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope api.Error
		if json.Unmarshal(body, &envelope) == nil && envelope.Code != 0 {
			return nil, &envelope
		}
		// Not an envelope; synthesize one from the status so callers
		// still see a numeric code.
		return nil, &api.Error{
			Code:    resp.StatusCode,
			Message: strings.TrimSpace(string(body)),
		}
	}

	return body, nil
}
