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

package billing

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/gridmesh/controlplane/pkg/metrics"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
)

// AttestationSource judges whether a node is faithfully running a VM. The
// verdict comes from outside the control plane (verifier network); billing
// only consumes it.
type AttestationSource interface {
	Verified(ctx context.Context, vmID string) (bool, error)
}

// attestationGate caches verdicts so an accrual pass over many VMs does not
// hammer the verifier. A lookup error counts as unverified: accrual pauses
// rather than billing unverified runtime.
type attestationGate struct {
	source AttestationSource
	cache  *cache.Cache
}

func newAttestationGate(source AttestationSource, ttl time.Duration) *attestationGate {
	return &attestationGate{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
	}
}

func (g *attestationGate) verified(ctx context.Context, vmID string) bool {
	if v, ok := g.cache.Get(vmID); ok {
		return v.(bool)
	}
	verdict, err := g.source.Verified(ctx, vmID)
	if err != nil {
		metrics.AttestationChecks.WithLabelValues("error").Inc()
		logging.FromContext(ctx).Error(err, "attestation check failed, pausing billing", "vm", vmID)
		return false
	}
	g.cache.SetDefault(vmID, verdict)
	if verdict {
		metrics.AttestationChecks.WithLabelValues("valid").Inc()
	} else {
		metrics.AttestationChecks.WithLabelValues("invalid").Inc()
	}
	return verdict
}

// AlwaysVerified is the permissive source used when no verifier network is
// configured.
type AlwaysVerified struct{}

func (AlwaysVerified) Verified(context.Context, string) (bool, error) { return true, nil }
