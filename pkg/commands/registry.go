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

package commands

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/signals"
)

// PendingAck is one command awaiting its terminal outcome.
type PendingAck struct {
	CommandID string
	NodeID    string
	VMID      string
	Type      core.CommandType
	QueuedAt  time.Time
	ExpiresAt time.Time
}

// Registry tracks pending acks with per-entry expiry. Exactly one terminal
// outcome fires per command: an agent ack or a synthetic expiry.
type Registry struct {
	config Config
	clk    clock.WithTicker
	bus    *signals.Bus

	mu        sync.Mutex
	pending   *cache.Cache
	completed *cache.Cache
}

func newRegistry(config Config, clk clock.WithTicker, bus *signals.Bus) *Registry {
	r := &Registry{
		config:    config,
		clk:       clk,
		bus:       bus,
		pending:   cache.New(cache.NoExpiration, 0),
		completed: cache.New(config.ReAckWindow, time.Minute),
	}
	return r
}

func (r *Registry) register(p PendingAck) {
	r.pending.Set(p.CommandID, p, cache.NoExpiration)
}

func (r *Registry) get(commandID string) (PendingAck, bool) {
	v, ok := r.pending.Get(commandID)
	if !ok {
		return PendingAck{}, false
	}
	return v.(PendingAck), true
}

// Pending exposes a registry entry to callers outside the package.
func (r *Registry) Pending(commandID string) (PendingAck, bool) {
	return r.get(commandID)
}

// Has reports whether the command is still awaiting its terminal outcome.
func (r *Registry) Has(commandID string) bool {
	_, ok := r.pending.Get(commandID)
	return ok
}

// complete claims the command's terminal outcome. The check-and-delete is
// atomic under the lock, so a racing agent ack and expiry sweep cannot both
// claim the same command; only the caller that gets true may fire the ack
// signal.
func (r *Registry) complete(commandID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending.Get(commandID); !ok {
		return false
	}
	r.pending.Delete(commandID)
	r.completed.SetDefault(commandID, struct{}{})
	return true
}

func (r *Registry) recentlyCompleted(commandID string) bool {
	_, ok := r.completed.Get(commandID)
	return ok
}

// Rebuild re-registers in-flight commands from persisted VM state after a
// restart. The obligation holding the command id re-runs and finds its entry
// here instead of re-sending.
func (r *Registry) Rebuild(ctx context.Context, vms []*core.VirtualMachine) {
	rebuilt := 0
	for _, vm := range vms {
		if vm.ActiveCommandID == "" || vm.ActiveCommandIssuedAt == nil {
			continue
		}
		expiresAt := vm.ActiveCommandIssuedAt.Add(r.config.DefaultExpiry)
		r.register(PendingAck{
			CommandID: vm.ActiveCommandID,
			NodeID:    vm.NodeID,
			VMID:      vm.ID,
			Type:      core.CommandType(vm.ActiveCommandType),
			QueuedAt:  *vm.ActiveCommandIssuedAt,
			ExpiresAt: expiresAt,
		})
		rebuilt++
	}
	if rebuilt > 0 {
		logging.FromContext(ctx).Info("rebuilt pending-ack registry", "commands", rebuilt)
	}
}

// Sweep expires overdue commands, firing their ack signal with a synthetic
// expired result so waiters never hang.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.clk.Now()
	expired := 0
	for id, item := range r.pending.Items() {
		p := item.Object.(PendingAck)
		if now.Before(p.ExpiresAt) {
			continue
		}
		if !r.complete(id) {
			continue
		}
		r.bus.Fire(signals.CommandAckKey(id), &core.CommandAck{
			CommandID:    id,
			Success:      false,
			Expired:      true,
			ErrorMessage: "command expired before acknowledgment",
		})
		expired++
		logging.FromContext(ctx).Info("expired command",
			"command", id, "node", p.NodeID, "type", p.Type)
	}
	return expired
}

// Run sweeps periodically until the context is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := r.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.Sweep(ctx)
		}
	}
}
