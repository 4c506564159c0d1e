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

// Package lifecycle owns the VM and node state machines. All externally
// triggered transitions go through the Manager so the transition table is
// enforced in exactly one place.
package lifecycle

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/scheduling"
	"github.com/gridmesh/controlplane/pkg/signals"
	"github.com/gridmesh/controlplane/pkg/state"
)

// ObligationAppender admits obligations to the engine. Defined here so the
// lifecycle manager does not depend on the engine package.
type ObligationAppender interface {
	Append(ctx context.Context, ob *core.Obligation) error
}

// Action is a user-initiated power operation.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionPause   Action = "pause"
	ActionResume  Action = "resume"
)

// actionableFrom gates each action on the VM's current status.
var actionableFrom = map[Action][]core.VMStatus{
	ActionStart:   {core.VMStopped},
	ActionStop:    {core.VMRunning, core.VMPaused},
	ActionRestart: {core.VMRunning},
	ActionPause:   {core.VMRunning},
	ActionResume:  {core.VMPaused},
}

// CreateVMRequest is the validated shape of a VM creation call.
type CreateVMRequest struct {
	Name         string           `json:"name" validate:"required,min=1,max=63"`
	Cores        int              `json:"cores" validate:"required,min=1,max=128"`
	MemoryBytes  int64            `json:"memoryBytes" validate:"required,min=134217728"`
	DiskBytes    int64            `json:"diskBytes" validate:"required,min=1073741824"`
	QualityTier  core.QualityTier `json:"qualityTier" validate:"required,oneof=Burstable Standard Premium"`
	SSHPublicKey string           `json:"sshPublicKey,omitempty"`
	UserData     string           `json:"userData,omitempty"`
	Region       string           `json:"region,omitempty"`
	Zone         string           `json:"zone,omitempty"`
	RequiresGPU  bool             `json:"requiresGpu,omitempty"`
	PublicIP     bool             `json:"requiresPublicIp,omitempty"`
}

type Manager struct {
	state      *state.State
	scheduler  *scheduling.Scheduler
	obligation ObligationAppender
	bus        *signals.Bus
	clk        clock.WithTicker
	validate   *validator.Validate
}

func NewManager(st *state.State, scheduler *scheduling.Scheduler, appender ObligationAppender, bus *signals.Bus, clk clock.WithTicker) *Manager {
	return &Manager{
		state:      st,
		scheduler:  scheduler,
		obligation: appender,
		bus:        bus,
		clk:        clk,
		validate:   validator.New(),
	}
}

// Create persists a Pending VM and appends its scheduling obligation. The VM
// is returned immediately; placement happens asynchronously.
func (m *Manager) Create(ctx context.Context, req CreateVMRequest, principal core.Principal) (*core.VirtualMachine, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, errors.Validation("invalid vm request: %s", err)
	}
	cost, err := m.scheduler.Catalog().UserVMPointCost(req.Cores, req.QualityTier)
	if err != nil {
		return nil, errors.Validation("%s", err)
	}
	vm := &core.VirtualMachine{
		ID:          uuid.NewString(),
		OwnerID:     principal.UserID,
		OwnerWallet: principal.Wallet,
		Name:        req.Name,
		VMType:      core.VMTypeUser,
		Spec: core.VMSpec{
			VirtualCPUCores:  req.Cores,
			MemoryBytes:      req.MemoryBytes,
			DiskBytes:        req.DiskBytes,
			QualityTier:      req.QualityTier,
			ComputePointCost: cost,
			SSHPublicKey:     req.SSHPublicKey,
			UserData:         req.UserData,
			Region:           req.Region,
			Zone:             req.Zone,
			RequiresGPU:      req.RequiresGPU,
			RequiresPublicIP: req.PublicIP,
		},
		Status:    core.VMPending,
		CreatedAt: m.clk.Now(),
	}
	if err := m.state.VMs.Add(vm); err != nil {
		return nil, err
	}
	if err := m.obligation.Append(ctx, core.NewObligation(core.ObligationVMSchedule, "vm", vm.ID).WithPriority(50)); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("created vm",
		"vm", vm.ID, "owner", vm.OwnerID, "tier", vm.Spec.QualityTier, "points", cost)
	return vm.DeepCopy(), nil
}

// Action applies a power action. Invalid transitions return Conflict so
// clients can distinguish races from bugs.
func (m *Manager) Action(ctx context.Context, vmID string, action Action, principal core.Principal) error {
	vm, err := m.state.VMs.Get(vmID)
	if err != nil {
		return err
	}
	if !principal.Owns(vm.OwnerID) {
		return errors.Forbidden("vm %s is not owned by %s", vmID, principal.UserID)
	}
	allowed, ok := actionableFrom[action]
	if !ok {
		return errors.Validation("unknown action %q", action)
	}
	if !lo.Contains(allowed, vm.Status) {
		return errors.Conflict("cannot %s vm in status %s", action, vm.Status)
	}

	switch action {
	case ActionStart:
		return m.obligation.Append(ctx, core.NewObligation(core.ObligationVMStart, "vm", vmID).WithPriority(60))
	case ActionStop:
		return m.obligation.Append(ctx, core.NewObligation(core.ObligationVMStop, "vm", vmID).WithPriority(60))
	case ActionPause:
		return m.obligation.Append(ctx, core.NewObligation(core.ObligationVMPause, "vm", vmID).WithPriority(60))
	case ActionResume:
		return m.obligation.Append(ctx, core.NewObligation(core.ObligationVMResume, "vm", vmID).WithPriority(60))
	case ActionRestart:
		stop := core.NewObligation(core.ObligationVMStop, "vm", vmID).WithPriority(60)
		if err := m.obligation.Append(ctx, stop); err != nil {
			return err
		}
		return m.obligation.Append(ctx, core.NewObligation(core.ObligationVMStart, "vm", vmID).
			WithPriority(60).WithDependsOn(stop.ID))
	}
	return nil
}

// Delete moves the VM to Deleting and appends the deletion obligation.
// Deleting a VM that is already terminal is a no-op.
func (m *Manager) Delete(ctx context.Context, vmID string, principal core.Principal) error {
	vm, err := m.state.VMs.Get(vmID)
	if err != nil {
		return err
	}
	if !principal.Owns(vm.OwnerID) {
		return errors.Forbidden("vm %s is not owned by %s", vmID, principal.UserID)
	}
	if vm.Status == core.VMDeleted || vm.Status == core.VMDeleting {
		return nil
	}
	if _, err := m.state.VMs.Update(vmID, func(v *core.VirtualMachine) error {
		v.Status = core.VMDeleting
		return nil
	}); err != nil {
		return err
	}
	return m.obligation.Append(ctx, core.NewObligation(core.ObligationVMDelete, "vm", vmID).WithPriority(70))
}

// Get returns the VM with ownership enforced; non-owner reads get redacted
// labels.
func (m *Manager) Get(ctx context.Context, vmID string, principal core.Principal) (*core.VirtualMachine, error) {
	vm, err := m.state.VMs.Get(vmID)
	if err != nil {
		return nil, err
	}
	if !principal.Owns(vm.OwnerID) {
		return nil, errors.Forbidden("vm %s is not owned by %s", vmID, principal.UserID)
	}
	return vm, nil
}

// ListByOwner returns the principal's VMs, excluding deleted ones.
func (m *Manager) ListByOwner(ctx context.Context, principal core.Principal) []*core.VirtualMachine {
	return lo.Filter(m.state.VMs.ByUser(principal.UserID), func(v *core.VirtualMachine, _ int) bool {
		return v.Status != core.VMDeleted
	})
}

// ObligationFailed surfaces a terminally failed VM obligation on the VM
// itself. A VM still mid-transition when its obligation gives up moves to
// Error with the last failure as its status message, and its reservation is
// released; a VM that already reached a stable status is left alone.
func (m *Manager) ObligationFailed(ctx context.Context, ob *core.Obligation) {
	if ob.ResourceType != "vm" {
		return
	}
	vm, err := m.state.VMs.Get(ob.ResourceID)
	if err != nil {
		return
	}
	switch vm.Status {
	case core.VMPending, core.VMScheduling, core.VMProvisioning, core.VMStopping, core.VMDeleting:
	default:
		return
	}
	if err := m.MarkError(ctx, vm.ID, ob.LastError); err != nil {
		logging.FromContext(ctx).Error(err, "surfacing obligation failure on vm",
			"vm", vm.ID, "obligation", ob.ID)
	}
}

// MarkError moves a VM to Error and releases its reservation.
func (m *Manager) MarkError(ctx context.Context, vmID, message string) error {
	vm, err := m.state.VMs.Update(vmID, func(v *core.VirtualMachine) error {
		v.Status = core.VMError
		v.StatusMessage = message
		return nil
	})
	if err != nil {
		return err
	}
	return m.ReleaseResources(ctx, vm.ID)
}

// ReleaseResources returns the VM's node reservation exactly once. Both the
// flag check and the flag set happen inside the VM update lock; the node-side
// release floors at zero, so a racing duplicate cannot corrupt accounting.
func (m *Manager) ReleaseResources(ctx context.Context, vmID string) error {
	var nodeID string
	var res core.Resources
	released := false
	if _, err := m.state.VMs.Update(vmID, func(v *core.VirtualMachine) error {
		if v.ResourcesReleased || v.NodeID == "" {
			return nil
		}
		v.ResourcesReleased = true
		nodeID = v.NodeID
		res = v.Spec.Resources()
		released = true
		return nil
	}); err != nil {
		return err
	}
	if !released {
		return nil
	}
	if err := m.scheduler.Release(ctx, nodeID, res); err != nil && !errors.IsNotFound(err) {
		return err
	}
	logging.FromContext(ctx).Info("released vm reservation", "vm", vmID, "node", nodeID)
	return nil
}

// ClearPlacement resets a VM for rescheduling: releases its reservation and
// detaches it from the node.
func (m *Manager) ClearPlacement(ctx context.Context, vmID string) error {
	if err := m.ReleaseResources(ctx, vmID); err != nil {
		return err
	}
	_, err := m.state.VMs.Update(vmID, func(v *core.VirtualMachine) error {
		v.NodeID = ""
		v.Status = core.VMPending
		v.Network = core.NetworkConfig{}
		v.AccessInfo = core.AccessInfo{}
		v.ActiveCommandID = ""
		v.ActiveCommandType = ""
		v.ActiveCommandIssuedAt = nil
		v.ResourcesReleased = false
		return nil
	})
	return err
}

// SetActiveCommand records the in-flight command on the VM so the pending-ack
// registry can be rebuilt after a restart.
func (m *Manager) SetActiveCommand(ctx context.Context, vmID string, cmd *core.NodeCommand) error {
	issued := m.clk.Now()
	_, err := m.state.VMs.Update(vmID, func(v *core.VirtualMachine) error {
		v.ActiveCommandID = cmd.CommandID
		v.ActiveCommandType = string(cmd.Type)
		v.ActiveCommandIssuedAt = &issued
		return nil
	})
	return err
}
