/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package obligations

import (
	"context"

	"github.com/gridmesh/controlplane/pkg/apis/core"
)

// Handler executes one obligation type. Handlers MUST be idempotent: the
// engine re-runs them after retries, restarts, and lost signals, and guards
// nothing on their behalf.
type Handler interface {
	Type() string
	Handle(ctx context.Context, ob *core.Obligation) Result
}

// Policy tunes per-type engine behavior.
type Policy struct {
	// MultiInstance allows several active obligations for the same
	// (type, resource) pair, e.g. distinct port allocations.
	MultiInstance bool
	// KeepOrphans suppresses cascade-cancel of dependents when an obligation
	// of this type fails.
	KeepOrphans bool
}

// PolicyProvider is an optional handler extension; handlers without it get
// the zero Policy.
type PolicyProvider interface {
	Policy() Policy
}

func policyOf(h Handler) Policy {
	if p, ok := h.(PolicyProvider); ok {
		return p.Policy()
	}
	return Policy{}
}
