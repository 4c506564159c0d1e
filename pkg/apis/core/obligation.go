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

package core

import (
	"time"

	"github.com/google/uuid"
)

type ObligationStatus string

const (
	ObligationPending          ObligationStatus = "Pending"
	ObligationReady            ObligationStatus = "Ready"
	ObligationRunning          ObligationStatus = "Running"
	ObligationWaitingForSignal ObligationStatus = "WaitingForSignal"
	ObligationCompleted        ObligationStatus = "Completed"
	ObligationFailed           ObligationStatus = "Failed"
	ObligationCancelled        ObligationStatus = "Cancelled"
)

// IsTerminal reports whether the obligation will never be dispatched again.
func (s ObligationStatus) IsTerminal() bool {
	return s == ObligationCompleted || s == ObligationFailed || s == ObligationCancelled
}

// Well-known obligation types. Handlers are registered by type in
// pkg/obligations/handlers.
const (
	ObligationVMSchedule         = "vm.schedule"
	ObligationVMProvision        = "vm.provision"
	ObligationVMDelete           = "vm.delete"
	ObligationVMStart            = "vm.start"
	ObligationVMStop             = "vm.stop"
	ObligationVMPause            = "vm.pause"
	ObligationVMResume           = "vm.resume"
	ObligationVMReschedule       = "vm.reschedule"
	ObligationVMRegisterIngress  = "vm.register-ingress"
	ObligationVMAllocatePorts    = "vm.allocate-ports"
	ObligationVMReleaseResources = "vm.release-resources"
	ObligationNodeDeploySystemVM = "node.deploy-system-vm"
	ObligationStatUpdate         = "stat.update"
	ObligationCustomDomainVerify = "custom-domain.verify"
	ObligationBillingSettle      = "billing.settle"
)

// Data keys populated by the engine when a waited-on signal resolves.
const (
	SignalResultKey  = "signal.result"
	SignalTimeoutKey = "signal.timeout"
)

// Obligation is a persisted unit of desired state. Obligations reference
// resources by id only; they have no lifetime coupling to the entities they
// act on.
type Obligation struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	ResourceType string            `json:"resourceType"`
	ResourceID   string            `json:"resourceId"`
	Priority     int               `json:"priority"`
	Deadline     *time.Time        `json:"deadline,omitempty"`
	Status       ObligationStatus  `json:"status"`
	DependsOn    []string          `json:"dependsOn,omitempty"`
	Data         map[string]string `json:"data,omitempty"`

	FailureCount  int        `json:"failureCount"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`

	WaitingForSignal string     `json:"waitingForSignal,omitempty"`
	WaitExpiry       *time.Time `json:"waitExpiry,omitempty"`

	ParentID    string   `json:"parentId,omitempty"`
	ChildrenIDs []string `json:"childrenIds,omitempty"`

	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Version int64 `json:"version"`
}

func (o *Obligation) GetID() string { return o.ID }

// NewObligation constructs a Pending obligation with a fresh id.
func NewObligation(obType, resourceType, resourceID string) *Obligation {
	return &Obligation{
		ID:           uuid.NewString(),
		Type:         obType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       ObligationPending,
		Data:         map[string]string{},
	}
}

func (o *Obligation) WithPriority(p int) *Obligation {
	o.Priority = p
	return o
}

func (o *Obligation) WithDependsOn(ids ...string) *Obligation {
	o.DependsOn = append(o.DependsOn, ids...)
	return o
}

func (o *Obligation) WithData(key, value string) *Obligation {
	if o.Data == nil {
		o.Data = map[string]string{}
	}
	o.Data[key] = value
	return o
}

func (o *Obligation) DeepCopy() *Obligation {
	if o == nil {
		return nil
	}
	out := *o
	out.DependsOn = append([]string(nil), o.DependsOn...)
	out.ChildrenIDs = append([]string(nil), o.ChildrenIDs...)
	if o.Data != nil {
		out.Data = make(map[string]string, len(o.Data))
		for k, v := range o.Data {
			out.Data[k] = v
		}
	}
	out.Deadline = copyTime(o.Deadline)
	out.LastAttemptAt = copyTime(o.LastAttemptAt)
	out.NextAttemptAt = copyTime(o.NextAttemptAt)
	out.WaitExpiry = copyTime(o.WaitExpiry)
	out.CompletedAt = copyTime(o.CompletedAt)
	return &out
}
