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
	"context"
	"encoding/json"

	"github.com/pushrpc/push-rpc-go/pkg/api"
)

// CallContext describes one invocation to middlewares.
type CallContext struct {
	ClientID string
	ItemName string
	Type     api.InvocationType
}

// Next advances the middleware chain. The innermost Next is the
// actual transport operation.
type Next func(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error)

// Middleware wraps an invocation. A middleware may observe or rewrite
// parameters, time the call, or short-circuit by returning without
// calling next.
type Middleware func(cc *CallContext, next Next) Next

// withMiddlewares composes the chain around final, outermost first.
func withMiddlewares(mws []Middleware, cc *CallContext, final Next) Next {
	next := final
	for i := len(mws) - 1; i >= 0; i-- {
		next = mws[i](cc, next)
	}
	return next
}
