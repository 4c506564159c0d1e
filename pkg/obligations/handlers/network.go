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
	"strconv"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/obligations"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/signals"
)

// registerIngressHandler converges the edge proxy onto the full desired route
// set. The upload is whole-config, so concurrent registrations for different
// VMs are safe; the hash guard suppresses redundant uploads.
type registerIngressHandler struct{ Deps }

func (h *registerIngressHandler) Type() string { return core.ObligationVMRegisterIngress }

func (h *registerIngressHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	vm, err := h.State.VMs.Get(ob.ResourceID)
	if err != nil {
		return obligations.Completed("vm no longer exists")
	}
	if vm.Status == core.VMDeleting || vm.Status.IsTerminal() {
		return obligations.Completed("superseded by deletion")
	}

	routes := h.desiredRoutes()
	if err := h.Ingress.ApplyRoutes(ctx, routes); err != nil {
		return obligations.Retry(err.Error())
	}
	now := h.Clock.Now()
	if _, err := h.State.VMs.Update(vm.ID, func(v *core.VirtualMachine) error {
		v.Ingress.Routes = routesForVM(v)
		v.Ingress.AppliedAt = &now
		return nil
	}); err != nil {
		return obligations.Retry(err.Error())
	}
	logging.FromContext(ctx).Info("applied ingress config", "vm", vm.ID, "total-routes", len(routes))
	return obligations.Completed("ingress routes applied")
}

// desiredRoutes is the full route set: every running user VM's subdomain
// services pointing at its private IP.
func (h *registerIngressHandler) desiredRoutes() []core.IngressRoute {
	var routes []core.IngressRoute
	for _, vm := range h.State.VMs.Running() {
		if vm.VMType != core.VMTypeUser {
			continue
		}
		routes = append(routes, routesForVM(vm)...)
	}
	return routes
}

func routesForVM(vm *core.VirtualMachine) []core.IngressRoute {
	var routes []core.IngressRoute
	for _, svc := range vm.Services {
		if svc.Subdomain == "" || vm.Network.PrivateIP == "" {
			continue
		}
		routes = append(routes, core.IngressRoute{
			Subdomain:  svc.Subdomain,
			TargetIP:   vm.Network.PrivateIP,
			TargetPort: svc.Port,
		})
	}
	return routes
}

// allocatePortsHandler provisions direct-access port mappings through the
// node agent. Multiple allocations may run for one VM concurrently.
type allocatePortsHandler struct{ Deps }

func (h *allocatePortsHandler) Type() string { return core.ObligationVMAllocatePorts }

func (h *allocatePortsHandler) Policy() obligations.Policy {
	return obligations.Policy{MultiInstance: true}
}

func (h *allocatePortsHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	vm, err := h.State.VMs.Get(ob.ResourceID)
	if err != nil {
		return obligations.Completed("vm no longer exists")
	}
	if vm.Status == core.VMDeleting || vm.Status.IsTerminal() {
		return obligations.Completed("superseded by deletion")
	}

	mapping := requestedMapping(ob)
	switch outcomeOf(ob) {
	case ackSuccess:
		return obligations.Completed("ports allocated")
	case ackFailed, ackExpired:
		return obligations.Retry("port allocation did not succeed")
	case ackWaitTimedOut, ackNone:
		if hasMapping(vm, mapping) {
			return obligations.Completed("ports already allocated")
		}
	}

	node, online := h.nodeOnline(vm.NodeID)
	if !online {
		return obligations.Retry("node is not online")
	}
	cmd := core.NewNodeCommand(core.CommandAllocatePort, vm.ID, mustJSON(core.AllocatePortPayload{
		VMID:     vm.ID,
		Mappings: []core.PortMapping{mapping},
	}))
	if err := h.deliver(ctx, node, cmd); err != nil {
		return obligations.Retry(err.Error())
	}
	// The mapping is recorded optimistically; a failed ack retries the whole
	// allocation and the agent treats repeats as idempotent by command id.
	if _, err := h.State.VMs.Update(vm.ID, func(v *core.VirtualMachine) error {
		if !hasMapping(v, mapping) {
			v.DirectAccess.PortMappings = append(v.DirectAccess.PortMappings, mapping)
		}
		return nil
	}); err != nil {
		return obligations.Retry(err.Error())
	}
	return obligations.WaitForSignal(signals.CommandAckKey(cmd.CommandID), h.AckWait, "awaiting port ack")
}

// requestedMapping reads the mapping from obligation data, defaulting to SSH.
func requestedMapping(ob *core.Obligation) core.PortMapping {
	mapping := core.PortMapping{Protocol: "tcp", InternalPort: 22}
	if p := ob.Data["protocol"]; p != "" {
		mapping.Protocol = p
	}
	if p, err := strconv.Atoi(ob.Data["internalPort"]); err == nil {
		mapping.InternalPort = p
	}
	if p, err := strconv.Atoi(ob.Data["externalPort"]); err == nil {
		mapping.ExternalPort = p
	}
	return mapping
}

func hasMapping(vm *core.VirtualMachine, mapping core.PortMapping) bool {
	for _, m := range vm.DirectAccess.PortMappings {
		if m.Protocol == mapping.Protocol && m.InternalPort == mapping.InternalPort {
			return true
		}
	}
	return false
}

// releaseResourcesHandler is the compensation path: it returns a VM's node
// reservation. The release is guarded to happen once, so re-runs are no-ops.
type releaseResourcesHandler struct{ Deps }

func (h *releaseResourcesHandler) Type() string { return core.ObligationVMReleaseResources }

func (h *releaseResourcesHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	if err := h.Lifecycle.ReleaseResources(ctx, ob.ResourceID); err != nil {
		return obligations.Retry(err.Error())
	}
	return obligations.Completed("resources released")
}
