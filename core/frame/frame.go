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

package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxFrameSize bounds a single push frame. Frames carry one item's
// current value; anything larger indicates a broken peer.
const MaxFrameSize = 1 * 1024 * 1024 // 1mb

// Type tags the first element of every frame. The client only
// consumes Data frames; any other tag is skipped by the push channel.
type Type int

// TypeData carries a pushed value: [13, messageId, itemName, parameters, data].
const TypeData Type = 13

// Application-level liveness tokens, used on transports that can't
// carry native WebSocket control frames. Native ping/pong control
// frames are preferred and used by default.
const (
	PingToken = "PING"
	PongToken = "PONG"
)

// Frame represents one message on the push socket.
//
// The wire format is a tagged JSON array. A Data frame is:
//
//	[13, messageId, itemName, parameters, data]
//
// where parameters is the JSON array of subscription parameters as
// supplied by the client, and data is the pushed value.
type Frame struct {
	Type       Type
	MessageID  string
	ItemName   string
	Parameters json.RawMessage
	Data       json.RawMessage
}

// Equal returns true if the other Frame is equal to the receiver
// frame, false otherwise.
func (f *Frame) Equal(other Frame) bool {
	return f.Type == other.Type &&
		f.MessageID == other.MessageID &&
		f.ItemName == other.ItemName &&
		bytes.Equal(f.Parameters, other.Parameters) &&
		bytes.Equal(f.Data, other.Data)
}

// Decode parses a frame from b into the receiver. Frames with an
// unknown tag decode successfully with only Type set; it's the
// caller's job to skip them.
func (f *Frame) Decode(b []byte) error {
	if len(b) > MaxFrameSize {
		return fmt.Errorf("frame size (%d) cannot be greater than max frame size (%d)", len(b), MaxFrameSize)
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(b, &elems); err != nil {
		return fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(elems) == 0 {
		return fmt.Errorf("frame array is empty")
	}

	var tag int
	if err := json.Unmarshal(elems[0], &tag); err != nil {
		return fmt.Errorf("frame tag is not a number: %w", err)
	}
	f.Type = Type(tag)

	if f.Type != TypeData {
		return nil
	}

	if len(elems) != 5 {
		return fmt.Errorf("data frame has %d elements; expected 5", len(elems))
	}

	// The message id may be a JSON string or a number; keep its
	// textual form either way.
	if err := json.Unmarshal(elems[1], &f.MessageID); err != nil {
		f.MessageID = string(elems[1])
	}
	if err := json.Unmarshal(elems[2], &f.ItemName); err != nil {
		return fmt.Errorf("data frame item name: %w", err)
	}
	f.Parameters = elems[3]
	f.Data = elems[4]

	return nil
}

// Encode renders the frame into its wire form.
func (f *Frame) Encode() ([]byte, error) {
	if f.Type != TypeData {
		return json.Marshal([]interface{}{int(f.Type)})
	}

	params := f.Parameters
	if len(params) == 0 {
		params = json.RawMessage("[]")
	}
	data := f.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	return json.Marshal([]interface{}{int(f.Type), f.MessageID, f.ItemName, params, data})
}
