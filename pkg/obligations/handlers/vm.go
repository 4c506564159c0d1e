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

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/metrics"
	"github.com/gridmesh/controlplane/pkg/obligations"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/scheduling"
	"github.com/gridmesh/controlplane/pkg/signals"
)

// scheduleHandler places a VM on a node and hands off to provisioning.
type scheduleHandler struct{ Deps }

func (h *scheduleHandler) Type() string { return core.ObligationVMSchedule }

func (h *scheduleHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	vm, err := h.State.VMs.Get(ob.ResourceID)
	if err != nil {
		return obligations.Completed("vm no longer exists")
	}
	if vm.Status == core.VMDeleting || vm.Status.IsTerminal() {
		return obligations.Completed("superseded by deletion")
	}
	if vm.NodeID != "" {
		return obligations.Completed("vm already placed")
	}
	if _, err := h.State.VMs.Update(vm.ID, func(v *core.VirtualMachine) error {
		v.Status = core.VMScheduling
		return nil
	}); err != nil {
		return obligations.Retry(err.Error())
	}

	decision, err := h.Scheduler.Schedule(ctx, vm)
	if err != nil {
		metrics.SchedulingDecisions.WithLabelValues("no_capacity").Inc()
		return obligations.Retry(scheduling.ErrNoCapacity.Error())
	}
	if _, err := h.State.VMs.Update(vm.ID, func(v *core.VirtualMachine) error {
		v.NodeID = decision.NodeID
		v.ResourcesReleased = false
		return nil
	}); err != nil {
		// The VM vanished between selection and assignment; hand back the
		// reservation.
		_ = h.Scheduler.Release(ctx, decision.NodeID, decision.Resources)
		return obligations.Retry(err.Error())
	}
	metrics.SchedulingDecisions.WithLabelValues("placed").Inc()
	logging.FromContext(ctx).Info("placed vm", "vm", vm.ID, "node", decision.NodeID, "score", decision.Score)
	return obligations.CompletedWithChildren(
		[]*core.Obligation{core.NewObligation(core.ObligationVMProvision, "vm", vm.ID).WithPriority(ob.Priority)},
		fmt.Sprintf("placed on node %s", decision.NodeID))
}

// provisionHandler drives the CreateVm command to a running VM, spawning the
// network children on success and a reschedule when the node is lost.
type provisionHandler struct{ Deps }

func (h *provisionHandler) Type() string { return core.ObligationVMProvision }

func (h *provisionHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	vm, err := h.State.VMs.Get(ob.ResourceID)
	if err != nil {
		return obligations.Completed("vm no longer exists")
	}
	if vm.Status == core.VMDeleting || vm.Status.IsTerminal() {
		return obligations.Completed("superseded by deletion")
	}
	if vm.NodeID == "" {
		return obligations.Fail("vm has no placement")
	}

	switch outcomeOf(ob) {
	case ackSuccess:
		return obligations.CompletedWithChildren(h.networkChildren(vm), "vm running")
	case ackFailed, ackExpired:
		if _, online := h.nodeOnline(vm.NodeID); !online {
			return obligations.CompletedWithChildren(
				[]*core.Obligation{core.NewObligation(core.ObligationVMReschedule, "vm", vm.ID).WithPriority(ob.Priority)},
				"node lost, rescheduling")
		}
		// Node is still up; issue a fresh command below.
	case ackWaitTimedOut, ackNone:
		if vm.Status == core.VMRunning {
			return obligations.CompletedWithChildren(h.networkChildren(vm), "vm already running")
		}
		if vm.ActiveCommandID != "" && h.Channel.Registry().Has(vm.ActiveCommandID) {
			return obligations.WaitForSignal(signals.CommandAckKey(vm.ActiveCommandID), h.AckWait, "command still in flight")
		}
	}

	node, online := h.nodeOnline(vm.NodeID)
	if !online {
		return obligations.CompletedWithChildren(
			[]*core.Obligation{core.NewObligation(core.ObligationVMReschedule, "vm", vm.ID).WithPriority(ob.Priority)},
			"node lost, rescheduling")
	}
	if _, err := h.State.VMs.Update(vm.ID, func(v *core.VirtualMachine) error {
		v.Status = core.VMProvisioning
		return nil
	}); err != nil {
		return obligations.Retry(err.Error())
	}
	cmd := core.NewNodeCommand(core.CommandCreateVM, vm.ID, mustJSON(core.CreateVMPayload{
		VMID:         vm.ID,
		Name:         vm.Name,
		VMType:       vm.VMType,
		Cores:        vm.Spec.VirtualCPUCores,
		MemoryBytes:  vm.Spec.MemoryBytes,
		DiskBytes:    vm.Spec.DiskBytes,
		QualityTier:  vm.Spec.QualityTier,
		SSHPublicKey: vm.Spec.SSHPublicKey,
		UserData:     vm.Spec.UserData,
	}))
	return h.issueAndWait(ctx, node, vm, cmd, "awaiting create ack")
}

func (h *provisionHandler) networkChildren(vm *core.VirtualMachine) []*core.Obligation {
	if vm.VMType != core.VMTypeUser {
		return nil
	}
	return []*core.Obligation{
		core.NewObligation(core.ObligationVMRegisterIngress, "vm", vm.ID),
		core.NewObligation(core.ObligationVMAllocatePorts, "vm", vm.ID),
	}
}

// rescheduleHandler resets a lost placement and re-enters scheduling.
type rescheduleHandler struct{ Deps }

func (h *rescheduleHandler) Type() string { return core.ObligationVMReschedule }

func (h *rescheduleHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	vm, err := h.State.VMs.Get(ob.ResourceID)
	if err != nil {
		return obligations.Completed("vm no longer exists")
	}
	if vm.Status == core.VMDeleting || vm.Status.IsTerminal() {
		return obligations.Completed("superseded by deletion")
	}
	if err := h.Lifecycle.ClearPlacement(ctx, vm.ID); err != nil {
		return obligations.Retry(err.Error())
	}
	return obligations.CompletedWithChildren(
		[]*core.Obligation{core.NewObligation(core.ObligationVMSchedule, "vm", vm.ID).WithPriority(ob.Priority)},
		"placement cleared")
}

// deleteHandler drives DeleteVm to completion, deleting locally when the node
// can no longer answer.
type deleteHandler struct{ Deps }

func (h *deleteHandler) Type() string { return core.ObligationVMDelete }

func (h *deleteHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	vm, err := h.State.VMs.Get(ob.ResourceID)
	if err != nil {
		return obligations.Completed("vm no longer exists")
	}
	if vm.Status == core.VMDeleted {
		if !vm.ResourcesReleased {
			if err := h.Lifecycle.ReleaseResources(ctx, vm.ID); err != nil {
				return obligations.Retry(err.Error())
			}
		}
		return obligations.Completed("vm deleted")
	}
	// A VM that never got a node deletes trivially.
	if vm.NodeID == "" {
		return h.deleteLocally(ctx, vm.ID, "vm was never placed")
	}

	switch outcomeOf(ob) {
	case ackSuccess:
		return obligations.Completed("vm deleted by node")
	case ackFailed, ackExpired:
		if _, online := h.nodeOnline(vm.NodeID); !online {
			return h.deleteLocally(ctx, vm.ID, "node unreachable, deleted locally")
		}
		return obligations.Retry("delete command did not succeed")
	case ackWaitTimedOut, ackNone:
		if vm.ActiveCommandID != "" && h.Channel.Registry().Has(vm.ActiveCommandID) {
			return obligations.WaitForSignal(signals.CommandAckKey(vm.ActiveCommandID), h.AckWait, "command still in flight")
		}
	}

	node, online := h.nodeOnline(vm.NodeID)
	if !online {
		return h.deleteLocally(ctx, vm.ID, "node unreachable, deleted locally")
	}
	if _, err := h.State.VMs.Update(vm.ID, func(v *core.VirtualMachine) error {
		v.Status = core.VMDeleting
		return nil
	}); err != nil {
		return obligations.Retry(err.Error())
	}
	cmd := core.NewNodeCommand(core.CommandDeleteVM, vm.ID, mustJSON(map[string]string{"vmId": vm.ID}))
	return h.issueAndWait(ctx, node, vm, cmd, "awaiting delete ack")
}

func (h *deleteHandler) deleteLocally(ctx context.Context, vmID, message string) obligations.Result {
	now := h.Clock.Now()
	if _, err := h.State.VMs.Update(vmID, func(v *core.VirtualMachine) error {
		v.Status = core.VMDeleted
		v.PowerState = core.PowerOff
		v.DeletedAt = &now
		return nil
	}); err != nil && !errors.IsNotFound(err) {
		return obligations.Retry(err.Error())
	}
	if err := h.Lifecycle.ReleaseResources(ctx, vmID); err != nil {
		return obligations.Retry(err.Error())
	}
	return obligations.Completed(message)
}

// startHandler drives StartVm.
type startHandler struct{ Deps }

func (h *startHandler) Type() string { return core.ObligationVMStart }

func (h *startHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	vm, err := h.State.VMs.Get(ob.ResourceID)
	if err != nil {
		return obligations.Completed("vm no longer exists")
	}
	if vm.Status == core.VMDeleting || vm.Status.IsTerminal() {
		return obligations.Completed("superseded by deletion")
	}
	if vm.Status == core.VMRunning {
		return obligations.Completed("vm running")
	}

	switch outcomeOf(ob) {
	case ackSuccess:
		return obligations.Completed("vm started")
	case ackFailed, ackExpired:
		return obligations.Retry("start command did not succeed")
	case ackWaitTimedOut, ackNone:
		if vm.ActiveCommandID != "" && h.Channel.Registry().Has(vm.ActiveCommandID) {
			return obligations.WaitForSignal(signals.CommandAckKey(vm.ActiveCommandID), h.AckWait, "command still in flight")
		}
	}

	node, online := h.nodeOnline(vm.NodeID)
	if !online {
		return obligations.Retry("node is not online")
	}
	cmd := core.NewNodeCommand(core.CommandStartVM, vm.ID, mustJSON(map[string]string{"vmId": vm.ID}))
	return h.issueAndWait(ctx, node, vm, cmd, "awaiting start ack")
}

// stopHandler drives StopVm, labeling the VM with the stop reason when the
// control plane initiated the stop.
type stopHandler struct{ Deps }

func (h *stopHandler) Type() string { return core.ObligationVMStop }

func (h *stopHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	vm, err := h.State.VMs.Get(ob.ResourceID)
	if err != nil {
		return obligations.Completed("vm no longer exists")
	}
	if vm.Status == core.VMDeleting || vm.Status.IsTerminal() {
		return obligations.Completed("superseded by deletion")
	}
	reason := ob.Data["reason"]
	if vm.Status == core.VMStopped {
		return h.finish(ctx, vm.ID, reason)
	}

	switch outcomeOf(ob) {
	case ackSuccess:
		return h.finish(ctx, vm.ID, reason)
	case ackFailed, ackExpired:
		return obligations.Retry("stop command did not succeed")
	case ackWaitTimedOut, ackNone:
		if vm.ActiveCommandID != "" && h.Channel.Registry().Has(vm.ActiveCommandID) {
			return obligations.WaitForSignal(signals.CommandAckKey(vm.ActiveCommandID), h.AckWait, "command still in flight")
		}
	}

	node, online := h.nodeOnline(vm.NodeID)
	if !online {
		return obligations.Retry("node is not online")
	}
	cmd := core.NewNodeCommand(core.CommandStopVM, vm.ID, mustJSON(core.StopVMPayload{VMID: vm.ID, Reason: reason}))
	return h.issueAndWait(ctx, node, vm, cmd, "awaiting stop ack")
}

// pauseHandler drives PauseVm. A paused VM keeps its placement and power
// state; only the guest is frozen.
type pauseHandler struct{ Deps }

func (h *pauseHandler) Type() string { return core.ObligationVMPause }

func (h *pauseHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	vm, err := h.State.VMs.Get(ob.ResourceID)
	if err != nil {
		return obligations.Completed("vm no longer exists")
	}
	if vm.Status == core.VMDeleting || vm.Status.IsTerminal() {
		return obligations.Completed("superseded by deletion")
	}
	if vm.Status == core.VMPaused {
		return obligations.Completed("vm paused")
	}

	switch outcomeOf(ob) {
	case ackSuccess:
		return obligations.Completed("vm paused")
	case ackFailed, ackExpired:
		return obligations.Retry("pause command did not succeed")
	case ackWaitTimedOut, ackNone:
		if vm.ActiveCommandID != "" && h.Channel.Registry().Has(vm.ActiveCommandID) {
			return obligations.WaitForSignal(signals.CommandAckKey(vm.ActiveCommandID), h.AckWait, "command still in flight")
		}
	}

	node, online := h.nodeOnline(vm.NodeID)
	if !online {
		return obligations.Retry("node is not online")
	}
	cmd := core.NewNodeCommand(core.CommandPauseVM, vm.ID, mustJSON(map[string]string{"vmId": vm.ID}))
	return h.issueAndWait(ctx, node, vm, cmd, "awaiting pause ack")
}

// resumeHandler drives ResumeVm.
type resumeHandler struct{ Deps }

func (h *resumeHandler) Type() string { return core.ObligationVMResume }

func (h *resumeHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	vm, err := h.State.VMs.Get(ob.ResourceID)
	if err != nil {
		return obligations.Completed("vm no longer exists")
	}
	if vm.Status == core.VMDeleting || vm.Status.IsTerminal() {
		return obligations.Completed("superseded by deletion")
	}
	if vm.Status == core.VMRunning {
		return obligations.Completed("vm running")
	}

	switch outcomeOf(ob) {
	case ackSuccess:
		return obligations.Completed("vm resumed")
	case ackFailed, ackExpired:
		return obligations.Retry("resume command did not succeed")
	case ackWaitTimedOut, ackNone:
		if vm.ActiveCommandID != "" && h.Channel.Registry().Has(vm.ActiveCommandID) {
			return obligations.WaitForSignal(signals.CommandAckKey(vm.ActiveCommandID), h.AckWait, "command still in flight")
		}
	}

	node, online := h.nodeOnline(vm.NodeID)
	if !online {
		return obligations.Retry("node is not online")
	}
	cmd := core.NewNodeCommand(core.CommandResumeVM, vm.ID, mustJSON(map[string]string{"vmId": vm.ID}))
	return h.issueAndWait(ctx, node, vm, cmd, "awaiting resume ack")
}

func (h *stopHandler) finish(ctx context.Context, vmID, reason string) obligations.Result {
	if reason != "" {
		if _, err := h.State.VMs.Update(vmID, func(v *core.VirtualMachine) error {
			if v.Labels == nil {
				v.Labels = map[string]string{}
			}
			v.Labels[core.StoppedReasonLabel] = reason
			return nil
		}); err != nil {
			return obligations.Retry(err.Error())
		}
	}
	return obligations.Completed("vm stopped")
}
