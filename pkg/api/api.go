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

// Package api holds the wire-level types shared by both transport
// channels: the error envelope and the invocation discriminator.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Canonical error codes. Any other code is application-defined
// and forwarded to the caller verbatim.
const (
	CodeNotFound = 404
	CodeTimeout  = 504
)

// Error is the envelope delivered by the server (or synthesized by a
// channel) for any failed invocation. Details, if present, are opaque.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewTimeout returns the error produced when an invocation's
// deadline elapses.
func NewTimeout(itemName string) *Error {
	return &Error{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("item %q timed out", itemName),
	}
}

// IsTimeout reports whether err carries the Timeout code.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeTimeout
}

// IsNotFound reports whether err carries the NotFound code.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeNotFound
}

// InvocationType discriminates the three operations a client can
// perform against an item. It is exposed to middlewares and logging.
type InvocationType int

const (
	InvocationCall InvocationType = iota + 1
	InvocationSubscribe
	InvocationUnsubscribe
)

func (t InvocationType) String() string {
	switch t {
	case InvocationCall:
		return "call"
	case InvocationSubscribe:
		return "subscribe"
	case InvocationUnsubscribe:
		return "unsubscribe"
	default:
		return fmt.Sprintf("invocation(%d)", int(t))
	}
}
