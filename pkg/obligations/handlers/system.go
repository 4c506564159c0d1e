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

package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/metrics"
	"github.com/gridmesh/controlplane/pkg/obligations"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/scheduling"
)

// deploySystemVMHandler creates the system VM entity for a node role and
// hands it to the scheduler pinned to the owning node. Adoption of an
// existing healthy VM happens before any new entity is created.
type deploySystemVMHandler struct{ Deps }

func (h *deploySystemVMHandler) Type() string { return core.ObligationNodeDeploySystemVM }

func (h *deploySystemVMHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	node, err := h.State.Nodes.Get(ob.ResourceID)
	if err != nil {
		return obligations.Completed("node no longer exists")
	}
	if node.Status == core.NodeDecommissioned {
		return obligations.Completed("node decommissioned")
	}
	role := core.SystemVMRole(ob.Data["role"])
	if role == "" {
		return obligations.Fail("missing role")
	}

	if entry, ok := node.SystemVM(role); ok && entry.VMID != "" {
		if vm, err := h.State.VMs.Get(entry.VMID); err == nil && !vm.Status.IsTerminal() {
			return obligations.Completed("system vm already deployed")
		}
	}
	// Adopt a live system VM of the role already on the node before creating
	// a duplicate.
	for _, vm := range h.State.VMs.ByNode(node.ID) {
		if vm.VMType == core.VMType(role) && !vm.Status.IsTerminal() {
			if err := h.recordDeployment(ctx, node.ID, role, vm.ID); err != nil {
				return obligations.Retry(err.Error())
			}
			logging.FromContext(ctx).Info("adopted system vm", "node", node.ID, "role", role, "vm", vm.ID)
			return obligations.Completed("adopted existing system vm")
		}
	}

	vm := h.newSystemVM(node, role)
	if err := h.State.VMs.Add(vm); err != nil {
		return obligations.Retry(err.Error())
	}
	if err := h.recordDeployment(ctx, node.ID, role, vm.ID); err != nil {
		return obligations.Retry(err.Error())
	}
	metrics.SystemVMReconciles.WithLabelValues(string(role), "deploy").Inc()
	return obligations.CompletedWithChildren(
		[]*core.Obligation{core.NewObligation(core.ObligationVMSchedule, "vm", vm.ID).WithPriority(80)},
		fmt.Sprintf("deploying %s on node %s", role, node.ID))
}

func (h *deploySystemVMHandler) newSystemVM(node *core.Node, role core.SystemVMRole) *core.VirtualMachine {
	return &core.VirtualMachine{
		ID:      uuid.NewString(),
		OwnerID: "system",
		Name:    fmt.Sprintf("%s-%s", strings.ToLower(string(role)), node.ID[:8]),
		VMType:  core.VMType(role),
		Spec: core.VMSpec{
			VirtualCPUCores:  1,
			MemoryBytes:      512 << 20,
			DiskBytes:        4 << 30,
			QualityTier:      core.TierBurstable,
			ComputePointCost: scheduling.SystemVMPointCost(role),
			PinnedNodeID:     node.ID,
		},
		Status:    core.VMPending,
		CreatedAt: h.Clock.Now(),
	}
}

func (h *deploySystemVMHandler) recordDeployment(ctx context.Context, nodeID string, role core.SystemVMRole, vmID string) error {
	now := h.Clock.Now()
	_, err := h.State.Nodes.Update(nodeID, func(n *core.Node) error {
		entry, ok := n.SystemVM(role)
		if !ok {
			n.SystemVMs = append(n.SystemVMs, core.SystemVMObligation{Role: role})
			entry = &n.SystemVMs[len(n.SystemVMs)-1]
		}
		entry.VMID = vmID
		entry.Status = core.SystemVMDeploying
		entry.DeployedAt = &now
		entry.LastError = ""
		switch role {
		case core.RoleDht:
			if n.DhtInfo == nil {
				n.DhtInfo = &core.DhtInfo{}
			}
			n.DhtInfo.DhtVMID = vmID
			n.DhtInfo.Status = core.RoleInfoProvisioning
		case core.RoleRelay:
			if n.RelayInfo == nil {
				n.RelayInfo = &core.RelayInfo{}
			}
			n.RelayInfo.RelayVMID = vmID
			n.RelayInfo.Status = core.RoleInfoProvisioning
		}
		return nil
	})
	return err
}

// statUpdateHandler refreshes aggregate gauges. It is fire-and-forget work
// made observable: failures retry with backoff instead of disappearing.
type statUpdateHandler struct{ Deps }

func (h *statUpdateHandler) Type() string { return core.ObligationStatUpdate }

func (h *statUpdateHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	online := h.State.Nodes.Online()
	metrics.NodesOnline.Set(float64(len(online)))
	for _, node := range online {
		metrics.CommandQueueDepth.WithLabelValues(node.ID).Set(float64(h.Channel.Depth(node.ID)))
	}
	return obligations.Completed(fmt.Sprintf("refreshed stats for %d nodes", len(online)))
}

// customDomainHandler verifies a user domain's CNAME delegation. One lookup
// per attempt; DNS propagation delays surface as retries.
type customDomainHandler struct{ Deps }

func (h *customDomainHandler) Type() string { return core.ObligationCustomDomainVerify }

func (h *customDomainHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	domain := ob.Data["domain"]
	expected := ob.Data["target"]
	if domain == "" || expected == "" {
		return obligations.Fail("missing domain or target")
	}
	if h.Resolver == nil {
		return obligations.Fail("no resolver configured")
	}
	cname, err := h.Resolver.LookupCNAME(ctx, domain)
	if err != nil {
		return obligations.Retry(fmt.Sprintf("cname lookup: %s", err))
	}
	if strings.TrimSuffix(cname, ".") != strings.TrimSuffix(expected, ".") {
		return obligations.Retry(fmt.Sprintf("cname %s does not point at %s", cname, expected))
	}
	if _, err := h.State.VMs.Update(ob.ResourceID, func(v *core.VirtualMachine) error {
		if v.Labels == nil {
			v.Labels = map[string]string{}
		}
		v.Labels["custom-domain/"+domain] = "Active"
		return nil
	}); err != nil {
		return obligations.Retry(err.Error())
	}
	logging.FromContext(ctx).Info("verified custom domain", "domain", domain, "vm", ob.ResourceID)
	return obligations.Completed("domain verified")
}
