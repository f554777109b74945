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

// Package pushchan owns the WebSocket that delivers pushed data. It
// dials, reads, probes liveness, and reconnects with a doubling
// backoff; inbound Data frames are handed to a constructor-supplied
// callback, and every reconnect after the first successful open fires
// the resubscribe hook.
package pushchan

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pushrpc/push-rpc-go/core/frame"
	"github.com/pushrpc/push-rpc-go/pkg/log"
)

// State of the channel. Transitions:
//
//	Disconnected --Connect()--> Connecting
//	Connecting   --open-------> Open      (2nd+ open fires onReconnected)
//	Connecting   --error------> Backoff
//	Open         --close/err--> Backoff
//	Backoff      --timer------> Connecting
//	Any          --Close()----> Closed    (terminal)
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Backoff
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Backoff:
		return "backoff"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// writeWait bounds a single control-frame write.
const writeWait = 10 * time.Second

// pongGrace is how many ping intervals may elapse without a pong
// before the socket is considered dead. Two intervals tolerate the
// boundary jitter of the first tick.
const pongGrace = 2

// DataHandler receives each inbound push frame's payload.
type DataHandler func(itemName string, parameters, data json.RawMessage)

// Config is used to configure a Channel.
type Config struct {
	// URL is the ws(s) endpoint.
	URL string

	// ClientID is embedded in the handshake (query parameter and
	// header) so the server can correlate the socket with the HTTP
	// channel.
	ClientID string

	// ReconnectDelay is the initial backoff after a failed dial or a
	// dropped socket. It doubles up to ErrorDelayMax and resets on a
	// successful open.
	ReconnectDelay time.Duration

	// ErrorDelayMax is the backoff ceiling.
	ErrorDelayMax time.Duration

	// PingInterval is the liveness probe period. Zero or negative
	// disables probing.
	PingInterval time.Duration

	// ConnectOnCreate opens the socket eagerly at construction
	// instead of on the first subscribe.
	ConnectOnCreate bool

	// Dialer, if set, replaces websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// SetDefaults returns a modified config with appropriate zero values set to defaults.
func (c Config) SetDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 1 * time.Second
	}
	if c.ErrorDelayMax <= 0 {
		c.ErrorDelayMax = 1 * time.Minute
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// New returns an initialized Channel. onData is invoked for every
// inbound Data frame; onReconnected after every successful open
// except the first. Either may be nil.
func New(cfg Config, onData DataHandler, onReconnected func()) *Channel {
	cfg = cfg.SetDefaults()

	c := &Channel{
		cfg:           cfg,
		onData:        onData,
		onReconnected: onReconnected,
		closedc:       make(chan struct{}),
	}

	if cfg.ConnectOnCreate {
		c.Connect()
	}

	return c
}

// Channel manages one WebSocket.
type Channel struct {
	cfg           Config
	onData        DataHandler
	onReconnected func()

	wmu sync.Mutex // serializes writes; gorilla does not allow concurrent writers

	mu         sync.Mutex // protects following
	state      State
	conn       *websocket.Conn
	delay      time.Duration
	everOpened bool
	lastPong   time.Time
	closedc    chan struct{}
}

// Connect starts the connect loop if it isn't already running. It
// never blocks and never reports failure: once started, the loop owns
// recovery until Close.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Disconnected {
		return
	}
	c.state = Connecting
	go c.run()
}

// State returns the channel's current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Closed returns a channel that unblocks once Close has been called
// and the channel is no longer usable.
func (c *Channel) Closed() <-chan struct{} {
	return c.closedc
}

// Close terminates the channel. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	conn := c.conn
	c.conn = nil
	close(c.closedc)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// run is the connect loop: dial, read until failure, back off, retry.
// It exits only when the channel is closed.
func (c *Channel) run() {
	for {
		conn, err := c.dial()
		if err != nil {
			log.Warnf("push socket dial %s failed: %v", c.cfg.URL, err)
			if !c.waitBackoff() {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.state == Closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.state = Open
		c.conn = conn
		c.delay = 0 // reset backoff on successful open
		c.lastPong = time.Now()
		reconnected := c.everOpened
		c.everOpened = true
		c.mu.Unlock()

		if reconnected {
			log.Debugf("push socket reconnected to %s", c.cfg.URL)
			if c.onReconnected != nil {
				c.onReconnected()
			}
		}

		stopPing := c.startPing(conn)
		err = c.readLoop(conn)
		stopPing()
		conn.Close()

		c.mu.Lock()
		if c.state == Closed {
			c.mu.Unlock()
			return
		}
		c.conn = nil
		c.mu.Unlock()

		log.Debugf("push socket closed: %v; reconnecting", err)
		if !c.waitBackoff() {
			return
		}
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("clientId", c.cfg.ClientID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("x-rpc-client-id", c.cfg.ClientID)

	conn, _, err := c.cfg.Dialer.Dial(u.String(), header)
	return conn, err
}

// waitBackoff sleeps the current backoff delay, doubling it up to the
// ceiling, and moves the channel back to Connecting. Returns false if
// the channel was closed while waiting.
func (c *Channel) waitBackoff() bool {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return false
	}
	c.state = Backoff
	if c.delay <= 0 {
		c.delay = c.cfg.ReconnectDelay
	} else if c.delay *= 2; c.delay > c.cfg.ErrorDelayMax {
		c.delay = c.cfg.ErrorDelayMax
	}
	d := c.delay
	c.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.closedc:
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return false
	}
	c.state = Connecting
	return true
}

// readLoop blocks reading frames until an error occurs. Data frames
// are dispatched to the handler; everything else is skipped.
func (c *Channel) readLoop(conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error {
		c.notePong()
		return nil
	})

	for {
		mt, b, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		// Application-level liveness fallback for transports that
		// can't carry control frames.
		switch string(b) {
		case frame.PingToken:
			c.writeMessage(conn, websocket.TextMessage, []byte(frame.PongToken))
			continue
		case frame.PongToken:
			c.notePong()
			continue
		}

		var f frame.Frame
		if err := f.Decode(b); err != nil {
			log.Warnf("discarding undecodable push frame: %v", err)
			continue
		}
		if f.Type != frame.TypeData {
			continue
		}
		if c.onData != nil {
			c.onData(f.ItemName, f.Parameters, f.Data)
		}
	}
}

// startPing probes the socket every PingInterval. A socket that
// misses pongGrace intervals without a pong is terminated, which
// unblocks the read loop and re-enters the reconnect path.
func (c *Channel) startPing(conn *websocket.Conn) (stop func()) {
	if c.cfg.PingInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		t := time.NewTicker(c.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if time.Since(c.pongTime()) > pongGrace*c.cfg.PingInterval {
					log.Warnf("no pong within %s; terminating push socket", pongGrace*c.cfg.PingInterval)
					conn.Close()
					return
				}
				c.wmu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				c.wmu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (c *Channel) writeMessage(conn *websocket.Conn, mt int, b []byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.WriteMessage(mt, b); err != nil {
		log.Debugf("push socket write failed: %v", err)
	}
}

func (c *Channel) notePong() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

func (c *Channel) pongTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}
