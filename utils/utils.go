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

package utils

import (
	"github.com/google/uuid"

	"github.com/pushrpc/push-rpc-go/pkg/log"
)

// NewClientID mints the opaque stable identifier a client carries for
// its whole lifetime.
func NewClientID() string {
	return uuid.NewString()
}

// AsyncErrors provides non-blocking delivery of errors
// that occur on background goroutines to an optional user channel.
// A nil AsyncErrors logs instead of sending.
type AsyncErrors chan<- error

// Send delivers err without blocking. Errors that can't be delivered
// are logged and dropped.
func (a AsyncErrors) Send(err error) {
	if err == nil {
		return
	}
	if a == nil {
		log.Errorf("async error: %v", err)
		return
	}
	select {
	case a <- err:
	default:
		log.Warnf("async error dropped: %v", err)
	}
}
