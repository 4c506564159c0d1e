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

// Package sysvm reconciles per-node infrastructure roles (relay, DHT) toward
// their desired state. The controller only decides WHAT should run where;
// the actual deployment flows through obligations like any other VM.
package sysvm

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/lifecycle"
	"github.com/gridmesh/controlplane/pkg/metrics"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/state"
	"github.com/gridmesh/controlplane/pkg/utils/backoff"
)

const (
	// DefaultInterval is the reconcile period.
	DefaultInterval = 30 * time.Second
	// zeroPeersTolerance is how long a DHT may report zero bootstrap peers
	// before it is considered wedged, provided other peers exist to join.
	zeroPeersTolerance = 2 * time.Minute
)

var systemPrincipal = core.Principal{UserID: "system", Roles: []string{core.RoleAdmin}}

type Controller struct {
	state      *state.State
	manager    *lifecycle.Manager
	obligation lifecycle.ObligationAppender
	clk        clock.WithTicker
}

func NewController(st *state.State, manager *lifecycle.Manager, appender lifecycle.ObligationAppender, clk clock.WithTicker) *Controller {
	return &Controller{state: st, manager: manager, obligation: appender, clk: clk}
}

// Run reconciles all online nodes on an interval until cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ctx = logging.WithName(ctx, "sysvm.controller")
	ticker := c.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.ReconcileAll(ctx)
		}
	}
}

// ReconcileAll runs one pass over every online node.
func (c *Controller) ReconcileAll(ctx context.Context) {
	for _, node := range c.state.Nodes.Online() {
		c.ReconcileNode(ctx, node.ID)
	}
}

// ReconcileNode converges one node's role set. Roles are visited in
// dependency order; a failing dependency leaves its dependents Pending
// rather than failing them.
func (c *Controller) ReconcileNode(ctx context.Context, nodeID string) {
	node, err := c.state.Nodes.Get(nodeID)
	if err != nil || node.Status != core.NodeOnline {
		return
	}
	for _, role := range rolesInOrder {
		if !Eligible(node, role) {
			continue
		}
		c.ensureEntry(ctx, nodeID, role)
		// Re-read: earlier roles in this pass may have mutated the node.
		node, err = c.state.Nodes.Get(nodeID)
		if err != nil {
			return
		}
		c.reconcileRole(ctx, node, role)
		node, err = c.state.Nodes.Get(nodeID)
		if err != nil {
			return
		}
	}
}

func (c *Controller) ensureEntry(ctx context.Context, nodeID string, role core.SystemVMRole) {
	_, _ = c.state.Nodes.Update(nodeID, func(n *core.Node) error {
		if _, ok := n.SystemVM(role); !ok {
			n.SystemVMs = append(n.SystemVMs, core.SystemVMObligation{Role: role, Status: core.SystemVMPending})
		}
		return nil
	})
}

func (c *Controller) reconcileRole(ctx context.Context, node *core.Node, role core.SystemVMRole) {
	entry, ok := node.SystemVM(role)
	if !ok {
		return
	}
	if !deployEnabled[role] {
		return
	}
	if dep, required := dependencyOf(node, role); required {
		if depEntry, ok := node.SystemVM(dep); !ok || depEntry.Status != core.SystemVMActive {
			// Cascade downstream only: stay Pending while the dependency is
			// not yet healthy.
			return
		}
	}
	// A CGNAT node's DHT must advertise its tunnel address, which only exists
	// once the relay path is up.
	if role == core.RoleDht && node.Hardware.NATType == core.NATCGNAT {
		if node.CgnatInfo == nil || node.CgnatInfo.TunnelIP == "" {
			return
		}
	}

	switch entry.Status {
	case core.SystemVMPending, "":
		if entry.NextRetryAt != nil && c.clk.Now().Before(*entry.NextRetryAt) {
			return
		}
		c.deploy(ctx, node, role)
	case core.SystemVMDeploying:
		c.syncDeploying(ctx, node, role, entry)
	case core.SystemVMActive:
		c.selfHeal(ctx, node, role, entry)
	case core.SystemVMFailed:
		if entry.NextRetryAt == nil || !c.clk.Now().Before(*entry.NextRetryAt) {
			c.setStatus(ctx, node.ID, role, core.SystemVMPending)
		}
	}
}

// deploy appends the deployment obligation. At most one deployment runs per
// node at a time; a Conflict means another role is mid-deploy and this one
// goes next cycle.
func (c *Controller) deploy(ctx context.Context, node *core.Node, role core.SystemVMRole) {
	ob := core.NewObligation(core.ObligationNodeDeploySystemVM, "node", node.ID).
		WithPriority(80).
		WithData("role", string(role))
	if err := c.obligation.Append(ctx, ob); err != nil {
		if !errors.IsConflict(err) {
			logging.FromContext(ctx).Error(err, "appending deploy obligation", "node", node.ID, "role", role)
		}
		return
	}
	metrics.SystemVMReconciles.WithLabelValues(string(role), "deploy_requested").Inc()
}

func (c *Controller) syncDeploying(ctx context.Context, node *core.Node, role core.SystemVMRole, entry *core.SystemVMObligation) {
	if entry.VMID == "" {
		return
	}
	vm, err := c.state.VMs.Get(entry.VMID)
	if err != nil {
		c.setStatus(ctx, node.ID, role, core.SystemVMPending)
		return
	}
	switch vm.Status {
	case core.VMRunning:
		now := c.clk.Now()
		_, _ = c.state.Nodes.Update(node.ID, func(n *core.Node) error {
			e, ok := n.SystemVM(role)
			if !ok {
				return nil
			}
			e.Status = core.SystemVMActive
			e.ActiveAt = &now
			e.FailureCount = 0
			e.NextRetryAt = nil
			switch role {
			case core.RoleDht:
				if n.DhtInfo != nil {
					n.DhtInfo.Status = core.RoleInfoActive
				}
			case core.RoleRelay:
				if n.RelayInfo != nil {
					n.RelayInfo.Status = core.RoleInfoActive
				}
			}
			return nil
		})
		metrics.SystemVMReconciles.WithLabelValues(string(role), "activated").Inc()
		logging.FromContext(ctx).Info("system vm active", "node", node.ID, "role", role, "vm", vm.ID)
	case core.VMError:
		c.fail(ctx, node.ID, role, entry, vm.StatusMessage)
	}
}

// selfHeal watches an Active role for regressions: a vanished or failed VM,
// or a DHT that drifted off its advertise address or sits peerless while
// peers exist.
func (c *Controller) selfHeal(ctx context.Context, node *core.Node, role core.SystemVMRole, entry *core.SystemVMObligation) {
	vm, err := c.state.VMs.Get(entry.VMID)
	if err != nil || vm.Status == core.VMDeleted {
		c.setStatus(ctx, node.ID, role, core.SystemVMPending)
		metrics.SystemVMReconciles.WithLabelValues(string(role), "redeploy_missing").Inc()
		return
	}
	if vm.Status == core.VMError {
		c.fail(ctx, node.ID, role, entry, vm.StatusMessage)
		return
	}
	if role == core.RoleDht && c.dhtWedged(node) {
		logging.FromContext(ctx).Info("dht wedged, redeploying", "node", node.ID, "vm", vm.ID)
		c.fail(ctx, node.ID, role, entry, "dht wedged")
	}
}

func (c *Controller) dhtWedged(node *core.Node) bool {
	info := node.DhtInfo
	if info == nil {
		return false
	}
	expected := node.PublicIP
	if node.Hardware.NATType == core.NATCGNAT && node.CgnatInfo != nil {
		expected = node.CgnatInfo.TunnelIP
	}
	if info.AdvertiseIP != "" && expected != "" && info.AdvertiseIP != expected {
		return true
	}
	if info.ZeroPeersSince != nil && c.clk.Since(*info.ZeroPeersSince) >= zeroPeersTolerance && c.peersAvailable(node.ID) {
		return true
	}
	return false
}

// peersAvailable reports whether any other node has an Active DHT the wedged
// one could bootstrap from. Zero peers on the first DHT in the mesh is
// normal, not a failure.
func (c *Controller) peersAvailable(selfNodeID string) bool {
	for _, other := range c.state.Nodes.Online() {
		if other.ID == selfNodeID {
			continue
		}
		if e, ok := other.SystemVM(core.RoleDht); ok && e.Status == core.SystemVMActive {
			return true
		}
	}
	return false
}

// fail records the failure with backoff and tears the VM down so the retry
// starts clean.
func (c *Controller) fail(ctx context.Context, nodeID string, role core.SystemVMRole, entry *core.SystemVMObligation, reason string) {
	failures := entry.FailureCount + 1
	next := c.clk.Now().Add(backoff.Delay(failures))
	vmID := entry.VMID
	_, _ = c.state.Nodes.Update(nodeID, func(n *core.Node) error {
		e, ok := n.SystemVM(role)
		if !ok {
			return nil
		}
		e.Status = core.SystemVMFailed
		e.FailureCount = failures
		e.NextRetryAt = &next
		e.LastError = reason
		e.VMID = ""
		switch role {
		case core.RoleDht:
			if n.DhtInfo != nil {
				n.DhtInfo.Status = core.RoleInfoFailed
				n.DhtInfo.DhtVMID = ""
			}
		case core.RoleRelay:
			if n.RelayInfo != nil {
				n.RelayInfo.Status = core.RoleInfoFailed
				n.RelayInfo.RelayVMID = ""
			}
		}
		return nil
	})
	if vmID != "" {
		if err := c.manager.Delete(ctx, vmID, systemPrincipal); err != nil && !errors.IsNotFound(err) {
			logging.FromContext(ctx).Error(err, "deleting failed system vm", "vm", vmID, "role", role)
		}
	}
	metrics.SystemVMReconciles.WithLabelValues(string(role), "failed").Inc()
	logging.FromContext(ctx).Info("system vm failed",
		"node", nodeID, "role", role, "failures", failures, "retry-at", next, "reason", reason)
}

func (c *Controller) setStatus(ctx context.Context, nodeID string, role core.SystemVMRole, status core.SystemVMObligationStatus) {
	_, _ = c.state.Nodes.Update(nodeID, func(n *core.Node) error {
		if e, ok := n.SystemVM(role); ok {
			e.Status = status
			if status == core.SystemVMPending {
				e.VMID = ""
			}
		}
		return nil
	})
}
