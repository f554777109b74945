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

package manage

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pushrpc/push-rpc-go/core/registry"
)

// ClientConfig is used to configure a ManagedClient.
type ClientConfig struct {
	// ServiceURL is the http(s) base the call/subscribe/unsubscribe
	// routes hang off of.
	ServiceURL string

	// PushURL is the ws(s) endpoint for pushed data. Derived from
	// ServiceURL when empty.
	PushURL string

	CallTimeout    time.Duration // default per-invocation deadline
	ReconnectDelay time.Duration // initial push socket backoff
	ErrorDelayMax  time.Duration // push socket backoff ceiling
	PingInterval   time.Duration // push socket liveness probe period

	// CallsOnly disables push delivery entirely: Subscribe degrades
	// to a one-shot call and no socket is ever opened.
	CallsOnly bool

	// ConnectOnCreate opens the push socket eagerly at construction
	// instead of on the first subscribe.
	ConnectOnCreate bool

	// Cache is an optional external stale-while-revalidate adapter.
	Cache registry.Cache

	// Middleware is applied to every Call, Subscribe and Unsubscribe
	// invocation, outermost first. Requests the client issues on its
	// own (resubscribes after a reconnect, compensating unsubscribes)
	// do not pass through it.
	Middleware []Middleware

	// Errs receives errors from background work (resubscribe
	// failures, swallowed unsubscribe errors). Optional.
	Errs chan<- error

	// HTTPClient, if set, replaces http.DefaultClient for the HTTP
	// channel.
	HTTPClient *http.Client

	// Dialer, if set, replaces websocket.DefaultDialer for the push
	// socket.
	Dialer *websocket.Dialer
}

// SetDefaults returns a modified config with appropriate zero values set to defaults.
func (c ClientConfig) SetDefaults() ClientConfig {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 1 * time.Second
	}
	if c.ErrorDelayMax <= 0 {
		c.ErrorDelayMax = 1 * time.Minute
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PushURL == "" {
		c.PushURL = derivePushURL(c.ServiceURL)
	}
	return c
}

// derivePushURL swaps the http(s) scheme for ws(s), keeping host and
// path: the push socket is served from the same base as the routes.
func derivePushURL(serviceURL string) string {
	switch {
	case strings.HasPrefix(serviceURL, "https://"):
		return "wss://" + strings.TrimPrefix(serviceURL, "https://")
	case strings.HasPrefix(serviceURL, "http://"):
		return "ws://" + strings.TrimPrefix(serviceURL, "http://")
	default:
		return serviceURL
	}
}

// CallOption tweaks a single invocation.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the configured CallTimeout for one
// invocation.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

func applyOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
