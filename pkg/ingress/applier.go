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

// Package ingress abstracts the edge proxy configuration. The model is a
// full desired-state upload: appliers receive every route on every apply and
// converge, so calls are idempotent by construction.
package ingress

import (
	"context"
	"sync"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
)

// ConfigApplier pushes route configuration to the edge.
type ConfigApplier interface {
	ApplyRoutes(ctx context.Context, routes []core.IngressRoute) error
	RemoveRoute(ctx context.Context, subdomain string) error
}

// hashGuard suppresses uploads whose route set digest matches the last
// successful apply. A failed apply clears the digest so the next attempt
// always goes through.
type hashGuard struct {
	inner ConfigApplier

	mu       sync.Mutex
	lastHash uint64
	applied  bool
}

func WithHashGuard(inner ConfigApplier) ConfigApplier {
	return &hashGuard{inner: inner}
}

func (h *hashGuard) ApplyRoutes(ctx context.Context, routes []core.IngressRoute) error {
	digest, err := hashstructure.Hash(routes, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	h.mu.Lock()
	unchanged := h.applied && h.lastHash == digest
	h.mu.Unlock()
	if unchanged {
		logging.FromContext(ctx).V(1).Info("ingress config unchanged, skipping upload", "routes", len(routes))
		return nil
	}
	if err := h.inner.ApplyRoutes(ctx, routes); err != nil {
		h.mu.Lock()
		h.applied = false
		h.mu.Unlock()
		return err
	}
	h.mu.Lock()
	h.lastHash = digest
	h.applied = true
	h.mu.Unlock()
	return nil
}

func (h *hashGuard) RemoveRoute(ctx context.Context, subdomain string) error {
	// Removal changes the effective config; drop the digest so the next full
	// apply is not suppressed.
	h.mu.Lock()
	h.applied = false
	h.mu.Unlock()
	return h.inner.RemoveRoute(ctx, subdomain)
}
