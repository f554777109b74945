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

// Package registry tracks which local consumers are attached to which
// subscription key and caches the last value observed per key. It is
// pure bookkeeping: it never performs I/O and never talks to the server.
package registry

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Consumer receives values for a subscription. Identity is the
// interface value itself: the caller must retain the same handle
// across Subscribe and Unsubscribe. Registering one handle twice
// creates two logical entries, and two Unsubscribe calls are needed
// to drop both.
type Consumer interface {
	Consume(data json.RawMessage)
}

// NewConsumer wraps fn in a fresh Consumer handle. Every call returns
// a distinct identity, even for the same fn.
func NewConsumer(fn func(data json.RawMessage)) Consumer {
	return &consumerFunc{fn: fn}
}

type consumerFunc struct {
	fn func(data json.RawMessage)
}

func (c *consumerFunc) Consume(data json.RawMessage) { c.fn(data) }

// Cache is an optional external stale-while-revalidate source.
// Implementations must be local and non-blocking; Get is consulted
// synchronously on the subscribe path.
type Cache interface {
	Get(itemName string, parameters json.RawMessage) (json.RawMessage, bool)
	Put(itemName string, parameters json.RawMessage, value json.RawMessage)
}

// Key returns the canonical map key for (itemName, parameters).
// Parameters are compacted so that formatting differences between the
// caller's encoding and the wire's echo can't split a subscription.
func Key(itemName string, parameters json.RawMessage) string {
	return itemName + "\x00" + string(canonical(parameters))
}

func canonical(parameters json.RawMessage) json.RawMessage {
	if len(parameters) == 0 {
		return json.RawMessage("[]")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, parameters); err != nil {
		return parameters
	}
	return buf.Bytes()
}

// record is the per-key state: the consumer multiset and the last
// observed value.
type record struct {
	itemName   string
	parameters json.RawMessage
	consumers  []Consumer
	lastValue  json.RawMessage
	hasValue   bool
}

// Registry is owned by exactly one client. All methods are safe for
// concurrent use.
type Registry struct {
	mu    sync.Mutex // protects subs
	subs  map[string]*record
	cache Cache // optional
}

// New returns an empty registry. cache may be nil.
func New(cache Cache) *Registry {
	return &Registry{
		subs:  make(map[string]*record),
		cache: cache,
	}
}

// GetCached returns the last observed value for the key, falling back
// to the external cache adapter when the registry has none in memory.
func (r *Registry) GetCached(itemName string, parameters json.RawMessage) (json.RawMessage, bool) {
	r.mu.Lock()
	rec := r.subs[Key(itemName, parameters)]
	if rec != nil && rec.hasValue {
		v := rec.lastValue
		r.mu.Unlock()
		return v, true
	}
	cache := r.cache
	r.mu.Unlock()

	if cache != nil {
		return cache.Get(itemName, parameters)
	}
	return nil, false
}

// Has reports whether the key currently has any consumers.
func (r *Registry) Has(itemName string, parameters json.RawMessage) bool {
	r.mu.Lock()
	_, ok := r.subs[Key(itemName, parameters)]
	r.mu.Unlock()
	return ok
}

// Subscribe attaches consumer to the key, records initialValue as the
// key's last value, writes it through to the external cache, and
// delivers it to the new consumer. The delivery happens outside the
// registry lock so the consumer may re-enter the registry.
func (r *Registry) Subscribe(initialValue json.RawMessage, itemName string, parameters json.RawMessage, consumer Consumer) {
	key := Key(itemName, parameters)

	r.mu.Lock()
	rec := r.subs[key]
	if rec == nil {
		rec = &record{itemName: itemName, parameters: canonical(parameters)}
		r.subs[key] = rec
	}
	rec.consumers = append(rec.consumers, consumer)
	rec.lastValue = initialValue
	rec.hasValue = true
	cache := r.cache
	r.mu.Unlock()

	if cache != nil {
		cache.Put(itemName, parameters, initialValue)
	}
	consumer.Consume(initialValue)
}

// Unsubscribe removes one occurrence of consumer from the key.
// removed reports whether an occurrence was found; empty reports
// whether the record was dropped because this was its last consumer.
// empty is the signal that the server-side subscription should be
// released.
func (r *Registry) Unsubscribe(itemName string, parameters json.RawMessage, consumer Consumer) (removed, empty bool) {
	key := Key(itemName, parameters)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.subs[key]
	if rec == nil {
		return false, false
	}

	for i, c := range rec.consumers {
		if c == consumer {
			rec.consumers = append(rec.consumers[:i], rec.consumers[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		return false, false
	}

	if len(rec.consumers) == 0 {
		delete(r.subs, key)
		return true, true
	}
	return true, false
}

// Consume records data as the key's last value, writes it through to
// the external cache, and delivers it to every current consumer in
// insertion order. A push for a key with no record is discarded
// silently (it raced with the last unsubscribe). Delivery iterates a
// snapshot, so a consumer unsubscribing itself mid-delivery is safe.
func (r *Registry) Consume(itemName string, parameters json.RawMessage, data json.RawMessage) {
	key := Key(itemName, parameters)

	r.mu.Lock()
	rec := r.subs[key]
	if rec == nil {
		r.mu.Unlock()
		return
	}
	rec.lastValue = data
	rec.hasValue = true
	consumers := make([]Consumer, len(rec.consumers))
	copy(consumers, rec.consumers)
	cache := r.cache
	r.mu.Unlock()

	if cache != nil {
		cache.Put(itemName, parameters, data)
	}
	for _, c := range consumers {
		c.Consume(data)
	}
}

// Subscription is one entry of the All snapshot.
type Subscription struct {
	ItemName   string
	Parameters json.RawMessage
	Consumers  []Consumer
}

// All returns a snapshot of every live subscription. Used for the
// resubscribe pass after a reconnect.
func (r *Registry) All() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0, len(r.subs))
	for _, rec := range r.subs {
		consumers := make([]Consumer, len(rec.consumers))
		copy(consumers, rec.consumers)
		out = append(out, Subscription{
			ItemName:   rec.itemName,
			Parameters: rec.parameters,
			Consumers:  consumers,
		})
	}
	return out
}

// Len returns the number of live subscription keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
