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

// Package manage ties the subscription registry, the HTTP channel,
// and the push channel into one client: consumer-facing operations
// enter here and fan out into the right sequence of registry, HTTP,
// and socket actions.
package manage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pushrpc/push-rpc-go/core/httpchan"
	"github.com/pushrpc/push-rpc-go/core/pushchan"
	"github.com/pushrpc/push-rpc-go/core/registry"
	"github.com/pushrpc/push-rpc-go/pkg/api"
	"github.com/pushrpc/push-rpc-go/pkg/log"
	"github.com/pushrpc/push-rpc-go/utils"
)

// NewManagedClient returns an initialized ManagedClient. The client
// id is minted here and stays constant for the client's lifetime.
func NewManagedClient(cfg ClientConfig) *ManagedClient {
	cfg = cfg.SetDefaults()

	clientID := utils.NewClientID()
	m := &ManagedClient{
		cfg:      cfg,
		clientID: clientID,
		http: httpchan.New(httpchan.Config{
			BaseURL:     cfg.ServiceURL,
			ClientID:    clientID,
			CallTimeout: cfg.CallTimeout,
			HTTPClient:  cfg.HTTPClient,
		}),
		registry:  registry.New(cfg.Cache),
		asyncErrs: utils.AsyncErrors(cfg.Errs),
		pending:   make(map[string][]*pendingSub),
	}

	if !cfg.CallsOnly {
		m.push = pushchan.New(pushchan.Config{
			URL:             cfg.PushURL,
			ClientID:        clientID,
			ReconnectDelay:  cfg.ReconnectDelay,
			ErrorDelayMax:   cfg.ErrorDelayMax,
			PingInterval:    cfg.PingInterval,
			ConnectOnCreate: cfg.ConnectOnCreate,
			Dialer:          cfg.Dialer,
		}, m.consumePush, m.resubscribe)
	}

	return m
}

// ManagedClient orchestrates calls and subscriptions against one
// server.
type ManagedClient struct {
	cfg      ClientConfig
	clientID string

	http      *httpchan.Channel
	push      *pushchan.Channel // nil in CallsOnly mode
	registry  *registry.Registry
	asyncErrs utils.AsyncErrors

	// smu serializes composite registry+pending mutations so an
	// unsubscribe can't slip between a subscribe's resolution and
	// its registry insert.
	smu sync.Mutex

	pmu     sync.Mutex // protects pending
	pending map[string][]*pendingSub
}

// pendingSub tracks a consumer whose initial HTTP subscribe is still
// in flight, so an unsubscribe arriving meanwhile can be honored.
type pendingSub struct {
	consumer  registry.Consumer
	cancelled bool
}

// ClientID returns the opaque identifier the server correlates both
// channels by.
func (m *ManagedClient) ClientID() string {
	return m.clientID
}

// Registry exposes the subscription registry, mainly for inspection
// in tests and supervisors.
func (m *ManagedClient) Registry() *registry.Registry {
	return m.registry
}

// Call invokes the named item and returns the decoded result or the
// server's error.
func (m *ManagedClient) Call(ctx context.Context, itemName string, parameters []interface{}, opts ...CallOption) (json.RawMessage, error) {
	o := applyOptions(opts)
	encoded, err := encodeParameters(parameters)
	if err != nil {
		return nil, err
	}

	cc := &CallContext{ClientID: m.clientID, ItemName: itemName, Type: api.InvocationCall}
	invoke := withMiddlewares(m.cfg.Middleware, cc, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		return m.http.Call(ctx, itemName, p, o.timeout)
	})
	return invoke(ctx, encoded)
}

// Subscribe attaches consumer to the item. The cached value (if any)
// is delivered synchronously before the HTTP subscribe resolves; the
// authoritative initial value follows. An error leaves no
// subscription, locally or server-side.
//
// The same consumer handle must be passed to Unsubscribe later.
// Subscribing the same handle twice creates two logical
// subscriptions over a single server-side one.
//
// The consumer must not call back into Subscribe or Unsubscribe from
// inside the initial delivery; deliveries of pushed data may.
func (m *ManagedClient) Subscribe(ctx context.Context, itemName string, parameters []interface{}, consumer registry.Consumer, opts ...CallOption) error {
	o := applyOptions(opts)
	encoded, err := encodeParameters(parameters)
	if err != nil {
		return err
	}

	cc := &CallContext{ClientID: m.clientID, ItemName: itemName, Type: api.InvocationSubscribe}

	if m.cfg.CallsOnly {
		// Push delivery is disabled: degrade to a one-shot call.
		// Nothing is recorded locally or on the server.
		invoke := withMiddlewares(m.cfg.Middleware, cc, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
			return m.http.Call(ctx, itemName, p, o.timeout)
		})
		data, err := invoke(ctx, encoded)
		if err != nil {
			return err
		}
		consumer.Consume(data)
		return nil
	}

	// Stale-while-revalidate: a cached value reaches the consumer
	// before the network does.
	if cached, ok := m.registry.GetCached(itemName, encoded); ok {
		consumer.Consume(cached)
	}

	// Bring the socket up. Failure here is not the subscriber's
	// problem: the HTTP subscribe stands on its own and pushes
	// resume once the reconnect loop wins.
	m.push.Connect()

	p := m.trackPending(itemName, encoded, consumer)
	invoke := withMiddlewares(m.cfg.Middleware, cc, func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		return m.http.Subscribe(ctx, itemName, raw, o.timeout)
	})
	initial, err := invoke(ctx, encoded)

	m.smu.Lock()
	cancelled := m.resolvePending(itemName, encoded, p)
	if err == nil && !cancelled {
		m.registry.Subscribe(initial, itemName, encoded, consumer)
	}
	m.smu.Unlock()

	if err != nil {
		return err
	}
	if cancelled {
		// The consumer unsubscribed while the subscribe was in
		// flight. The server-side registration it caused must be
		// compensated unless someone else still holds the key.
		m.compensate(itemName, encoded)
	}
	return nil
}

// Unsubscribe detaches one occurrence of consumer from the item. Once
// it returns, the consumer will not be invoked again. The HTTP leg
// runs only when the last local consumer for the key is gone; its
// errors are logged, not raised, since local state is already
// reconciled.
func (m *ManagedClient) Unsubscribe(ctx context.Context, itemName string, parameters []interface{}, consumer registry.Consumer) error {
	encoded, err := encodeParameters(parameters)
	if err != nil {
		return err
	}

	m.smu.Lock()
	removed, empty := m.registry.Unsubscribe(itemName, encoded, consumer)
	if !removed {
		// Possibly still in flight: honor the unsubscribe when the
		// subscribe resolves.
		m.cancelPending(itemName, encoded, consumer)
	}
	m.smu.Unlock()

	if !removed {
		return nil
	}
	if empty {
		cc := &CallContext{ClientID: m.clientID, ItemName: itemName, Type: api.InvocationUnsubscribe}
		invoke := withMiddlewares(m.cfg.Middleware, cc, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
			return nil, m.http.Unsubscribe(ctx, itemName, p, 0)
		})
		if _, err := invoke(ctx, encoded); err != nil {
			log.Warnf("unsubscribe of %q failed: %v", itemName, err)
			m.asyncErrs.Send(err)
		}
	}
	return nil
}

// Close releases the push socket and leaves the registry intact:
// consumers keep their handlers and cached values across transport
// outages, and an outer supervisor may construct a new client to
// resume. The server drops its side of the subscriptions when the
// socket closes.
func (m *ManagedClient) Close() error {
	if m.push != nil {
		return m.push.Close()
	}
	return nil
}

// consumePush is the push channel's data callback.
func (m *ManagedClient) consumePush(itemName string, parameters, data json.RawMessage) {
	m.registry.Consume(itemName, parameters, data)
}

// resubscribe re-establishes every live subscription after a
// reconnect. Each key gets a fresh HTTP subscribe; the new value runs
// through the registry so consumers observe it. A key that fails to
// re-establish is irrecoverably broken for this generation: its
// consumers are detached.
func (m *ManagedClient) resubscribe() {
	for _, s := range m.registry.All() {
		initial, err := m.http.Subscribe(context.Background(), s.ItemName, s.Parameters, 0)
		if err != nil {
			log.Warnf("resubscribe of %q failed; detaching %d consumer(s): %v", s.ItemName, len(s.Consumers), err)
			m.asyncErrs.Send(fmt.Errorf("resubscribe of %q: %w", s.ItemName, err))
			for _, c := range s.Consumers {
				m.smu.Lock()
				_, empty := m.registry.Unsubscribe(s.ItemName, s.Parameters, c)
				m.smu.Unlock()
				if empty {
					if err := m.http.Unsubscribe(context.Background(), s.ItemName, s.Parameters, 0); err != nil {
						log.Debugf("unsubscribe of broken key %q failed: %v", s.ItemName, err)
					}
				}
			}
			continue
		}
		m.registry.Consume(s.ItemName, s.Parameters, initial)
	}
}

// compensate releases the server-side subscription for a key that has
// no live or pending local consumers left.
func (m *ManagedClient) compensate(itemName string, parameters json.RawMessage) {
	if m.registry.Has(itemName, parameters) || m.hasPending(itemName, parameters) {
		return
	}
	if err := m.http.Unsubscribe(context.Background(), itemName, parameters, 0); err != nil {
		log.Warnf("compensating unsubscribe of %q failed: %v", itemName, err)
		m.asyncErrs.Send(err)
	}
}

func (m *ManagedClient) trackPending(itemName string, parameters json.RawMessage, consumer registry.Consumer) *pendingSub {
	key := registry.Key(itemName, parameters)
	p := &pendingSub{consumer: consumer}

	m.pmu.Lock()
	m.pending[key] = append(m.pending[key], p)
	m.pmu.Unlock()
	return p
}

// resolvePending removes p from the in-flight set and reports whether
// it was cancelled while in flight.
func (m *ManagedClient) resolvePending(itemName string, parameters json.RawMessage, p *pendingSub) bool {
	key := registry.Key(itemName, parameters)

	m.pmu.Lock()
	defer m.pmu.Unlock()

	entries := m.pending[key]
	for i, e := range entries {
		if e == p {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(m.pending, key)
	} else {
		m.pending[key] = entries
	}
	return p.cancelled
}

// cancelPending marks one in-flight occurrence of consumer as
// cancelled, mirroring the registry's one-occurrence-per-unsubscribe
// rule.
func (m *ManagedClient) cancelPending(itemName string, parameters json.RawMessage, consumer registry.Consumer) {
	key := registry.Key(itemName, parameters)

	m.pmu.Lock()
	defer m.pmu.Unlock()

	for _, e := range m.pending[key] {
		if e.consumer == consumer && !e.cancelled {
			e.cancelled = true
			return
		}
	}
}

func (m *ManagedClient) hasPending(itemName string, parameters json.RawMessage) bool {
	key := registry.Key(itemName, parameters)

	m.pmu.Lock()
	defer m.pmu.Unlock()

	for _, e := range m.pending[key] {
		if !e.cancelled {
			return true
		}
	}
	return false
}

func encodeParameters(parameters []interface{}) (json.RawMessage, error) {
	if parameters == nil {
		parameters = []interface{}{}
	}
	encoded, err := json.Marshal(parameters)
	if err != nil {
		return nil, fmt.Errorf("encoding parameters: %w", err)
	}
	return encoded, nil
}
