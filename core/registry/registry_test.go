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

package registry

import (
	"encoding/json"
	"reflect"
	"testing"
)

func params(s string) json.RawMessage { return json.RawMessage(s) }

// recorder collects everything delivered to it.
type recorder struct {
	got []string
}

func (rec *recorder) consumer() Consumer {
	return NewConsumer(func(data json.RawMessage) {
		rec.got = append(rec.got, string(data))
	})
}

func TestRegistry_Subscribe_DeliversInitialValue(t *testing.T) {
	r := New(nil)
	var rec recorder

	r.Subscribe(params(`{"r":"1"}`), "todos", params(`[]`), rec.consumer())

	if got, expected := rec.got, []string{`{"r":"1"}`}; !reflect.DeepEqual(got, expected) {
		t.Fatalf("delivered %v; expected %v", got, expected)
	}

	v, ok := r.GetCached("todos", params(`[]`))
	if !ok {
		t.Fatal("GetCached() ok = false; expected cached value after Subscribe")
	}
	if got, expected := string(v), `{"r":"1"}`; got != expected {
		t.Fatalf("GetCached() = %s; expected %s", got, expected)
	}
}

func TestRegistry_Consume_FansOutInOrder(t *testing.T) {
	r := New(nil)
	var order []string

	mk := func(name string) Consumer {
		return NewConsumer(func(json.RawMessage) {
			order = append(order, name)
		})
	}

	r.Subscribe(params(`1`), "item", params(`[]`), mk("a"))
	r.Subscribe(params(`1`), "item", params(`[]`), mk("b"))
	order = order[:0]

	r.Consume("item", params(`[]`), params(`2`))

	if expected := []string{"a", "b"}; !reflect.DeepEqual(order, expected) {
		t.Fatalf("fan-out order %v; expected %v", order, expected)
	}
}

func TestRegistry_Consume_UnknownKeyDiscarded(t *testing.T) {
	r := New(nil)
	// A push racing with the last unsubscribe: nothing to deliver to,
	// and no record may be created as a side effect.
	r.Consume("ghost", params(`[]`), params(`1`))

	if got, expected := r.Len(), 0; got != expected {
		t.Fatalf("Len() = %d; expected %d", got, expected)
	}
}

func TestRegistry_DuplicateConsumer_CountsTwice(t *testing.T) {
	r := New(nil)
	var rec recorder
	c := rec.consumer()

	r.Subscribe(params(`1`), "item", params(`[]`), c)
	r.Subscribe(params(`1`), "item", params(`[]`), c)

	removed, empty := r.Unsubscribe("item", params(`[]`), c)
	if !removed || empty {
		t.Fatalf("first Unsubscribe() = (%t, %t); expected (true, false)", removed, empty)
	}

	// The remaining occurrence still receives pushes.
	rec.got = rec.got[:0]
	r.Consume("item", params(`[]`), params(`2`))
	if got, expected := len(rec.got), 1; got != expected {
		t.Fatalf("deliveries after one Unsubscribe = %d; expected %d", got, expected)
	}

	removed, empty = r.Unsubscribe("item", params(`[]`), c)
	if !removed || !empty {
		t.Fatalf("second Unsubscribe() = (%t, %t); expected (true, true)", removed, empty)
	}
}

func TestRegistry_Unsubscribe_UnknownConsumerIsNoop(t *testing.T) {
	r := New(nil)
	var rec recorder

	r.Subscribe(params(`1`), "item", params(`[]`), rec.consumer())

	stranger := NewConsumer(func(json.RawMessage) {})
	removed, empty := r.Unsubscribe("item", params(`[]`), stranger)
	if removed || empty {
		t.Fatalf("Unsubscribe(stranger) = (%t, %t); expected (false, false)", removed, empty)
	}
	if got, expected := r.Len(), 1; got != expected {
		t.Fatalf("Len() = %d; expected %d", got, expected)
	}
}

func TestRegistry_ConsumerUnsubscribesItselfDuringConsume(t *testing.T) {
	r := New(nil)

	var c Consumer
	calls := 0
	c = NewConsumer(func(json.RawMessage) {
		if calls++; calls == 2 { // skip the delivery Subscribe itself makes
			r.Unsubscribe("item", params(`[]`), c)
		}
	})
	var rec recorder

	r.Subscribe(params(`1`), "item", params(`[]`), c)
	r.Subscribe(params(`1`), "item", params(`[]`), rec.consumer())
	rec.got = rec.got[:0]

	// Must not panic or skip the second consumer.
	r.Consume("item", params(`[]`), params(`2`))

	if got, expected := len(rec.got), 1; got != expected {
		t.Fatalf("second consumer received %d deliveries; expected %d", got, expected)
	}

	// The self-removing consumer is gone.
	r.Consume("item", params(`[]`), params(`3`))
	if got, expected := len(rec.got), 2; got != expected {
		t.Fatalf("deliveries = %d; expected %d", got, expected)
	}
}

func TestRegistry_KeyCanonicalization(t *testing.T) {
	r := New(nil)
	var rec recorder

	r.Subscribe(params(`1`), "item", params(`["a", "b"]`), rec.consumer())
	rec.got = rec.got[:0]

	// Same parameters, different whitespace: must hit the same record.
	r.Consume("item", params(`["a","b"]`), params(`2`))

	if got, expected := len(rec.got), 1; got != expected {
		t.Fatalf("deliveries = %d; expected %d", got, expected)
	}
}

type mapCache struct {
	puts int
	m    map[string]json.RawMessage
}

func newMapCache() *mapCache {
	return &mapCache{m: make(map[string]json.RawMessage)}
}

func (c *mapCache) Get(item string, p json.RawMessage) (json.RawMessage, bool) {
	v, ok := c.m[Key(item, p)]
	return v, ok
}

func (c *mapCache) Put(item string, p json.RawMessage, v json.RawMessage) {
	c.puts++
	c.m[Key(item, p)] = v
}

func TestRegistry_ExternalCache_WriteThroughAndFallback(t *testing.T) {
	cache := newMapCache()
	r := New(cache)
	var rec recorder
	c := rec.consumer()

	r.Subscribe(params(`"v1"`), "item", params(`[]`), c)
	r.Consume("item", params(`[]`), params(`"v2"`))

	if got, expected := cache.puts, 2; got != expected {
		t.Fatalf("cache puts = %d; expected %d (write-through on subscribe and consume)", got, expected)
	}

	// Drop the subscription; the in-memory record goes away but the
	// adapter still serves the stale value to a fresh consumer.
	r.Unsubscribe("item", params(`[]`), c)
	if got, expected := r.Len(), 0; got != expected {
		t.Fatalf("Len() = %d; expected %d", got, expected)
	}

	v, ok := r.GetCached("item", params(`[]`))
	if !ok {
		t.Fatal("GetCached() ok = false; expected adapter fallback")
	}
	if got, expected := string(v), `"v2"`; got != expected {
		t.Fatalf("GetCached() = %s; expected %s", got, expected)
	}
}

func TestRegistry_All_Snapshot(t *testing.T) {
	r := New(nil)
	var rec recorder

	r.Subscribe(params(`1`), "a", params(`[]`), rec.consumer())
	r.Subscribe(params(`2`), "b", params(`[1]`), rec.consumer())
	r.Subscribe(params(`2`), "b", params(`[1]`), rec.consumer())

	all := r.All()
	if got, expected := len(all), 2; got != expected {
		t.Fatalf("All() returned %d keys; expected %d", got, expected)
	}

	byItem := make(map[string]Subscription, len(all))
	for _, s := range all {
		byItem[s.ItemName] = s
	}
	if got, expected := len(byItem["a"].Consumers), 1; got != expected {
		t.Fatalf("key a has %d consumers; expected %d", got, expected)
	}
	if got, expected := len(byItem["b"].Consumers), 2; got != expected {
		t.Fatalf("key b has %d consumers; expected %d", got, expected)
	}
}
