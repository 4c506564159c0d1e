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
)

type VMType string

const (
	VMTypeUser       VMType = "User"
	VMTypeRelay      VMType = "Relay"
	VMTypeDht        VMType = "Dht"
	VMTypeBlockStore VMType = "BlockStore"
	VMTypeIngress    VMType = "Ingress"
)

type QualityTier string

const (
	TierBurstable QualityTier = "Burstable"
	TierStandard  QualityTier = "Standard"
	TierPremium   QualityTier = "Premium"
)

type VMStatus string

const (
	VMPending      VMStatus = "Pending"
	VMScheduling   VMStatus = "Scheduling"
	VMProvisioning VMStatus = "Provisioning"
	VMRunning      VMStatus = "Running"
	VMStopping     VMStatus = "Stopping"
	VMStopped      VMStatus = "Stopped"
	VMDeleting     VMStatus = "Deleting"
	VMDeleted      VMStatus = "Deleted"
	VMError        VMStatus = "Error"
	VMPaused       VMStatus = "Paused"
)

// IsTerminal reports whether the status ends the VM's scheduling life.
// Error is recoverable by retry; Deleted is not.
func (s VMStatus) IsTerminal() bool {
	return s == VMDeleted || s == VMError
}

type PowerState string

const (
	PowerOn  PowerState = "On"
	PowerOff PowerState = "Off"
)

// StoppedReasonLabel carries the reason a VM was stopped by the control plane
// rather than by its owner. Underscore-prefixed labels are redacted from
// non-owner API reads.
const StoppedReasonLabel = "_stopped_reason"

type VMSpec struct {
	VirtualCPUCores  int         `json:"virtualCpuCores"`
	MemoryBytes      int64       `json:"memoryBytes"`
	DiskBytes        int64       `json:"diskBytes"`
	QualityTier      QualityTier `json:"qualityTier"`
	ComputePointCost int64       `json:"computePointCost"`
	SSHPublicKey     string      `json:"sshPublicKey,omitempty"`
	UserData         string      `json:"userData,omitempty"`
	Region           string      `json:"region,omitempty"`
	Zone             string      `json:"zone,omitempty"`
	RequiresGPU      bool        `json:"requiresGpu,omitempty"`
	RequiresPublicIP bool        `json:"requiresPublicIp,omitempty"`
	// PinnedNodeID bypasses placement scoring: the VM must land on this node
	// or nowhere. Used for system VMs owned by a specific node.
	PinnedNodeID string `json:"pinnedNodeId,omitempty"`
}

func (s VMSpec) Resources() Resources {
	return Resources{
		ComputePoints: s.ComputePointCost,
		MemoryBytes:   s.MemoryBytes,
		StorageBytes:  s.DiskBytes,
	}
}

type NetworkConfig struct {
	PrivateIP string `json:"privateIp,omitempty"`
}

type AccessInfo struct {
	Host    string `json:"host,omitempty"`
	SSHPort int    `json:"sshPort,omitempty"`
}

type IngressRoute struct {
	Subdomain  string `json:"subdomain"`
	TargetIP   string `json:"targetIp"`
	TargetPort int    `json:"targetPort"`
}

type IngressConfig struct {
	Routes    []IngressRoute `json:"routes,omitempty"`
	AppliedAt *time.Time     `json:"appliedAt,omitempty"`
}

type PortMapping struct {
	Protocol     string `json:"protocol"`
	ExternalPort int    `json:"externalPort"`
	InternalPort int    `json:"internalPort"`
}

type DirectAccess struct {
	PortMappings []PortMapping `json:"portMappings,omitempty"`
}

type VMService struct {
	Name      string `json:"name"`
	Port      int    `json:"port"`
	Subdomain string `json:"subdomain,omitempty"`
}

type BillingInfo struct {
	LastBillingAt     time.Time `json:"lastBillingAt"`
	HourlyRateCrypto  float64   `json:"hourlyRateCrypto"`
	TotalBilled       float64   `json:"totalBilled"`
	TotalRuntime      int64     `json:"totalRuntimeSeconds"`
	VerifiedRuntime   int64     `json:"verifiedRuntimeSeconds"`
	UnverifiedRuntime int64     `json:"unverifiedRuntimeSeconds"`
}

type VirtualMachine struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	OwnerWallet string `json:"ownerWallet"`
	Name        string `json:"name"`
	VMType      VMType `json:"vmType"`

	Spec VMSpec `json:"spec"`

	NodeID        string        `json:"nodeId,omitempty"`
	Status        VMStatus      `json:"status"`
	StatusMessage string        `json:"statusMessage,omitempty"`
	PowerState    PowerState    `json:"powerState,omitempty"`
	Network       NetworkConfig `json:"networkConfig"`
	AccessInfo    AccessInfo    `json:"accessInfo"`
	Ingress       IngressConfig `json:"ingressConfig"`
	DirectAccess  DirectAccess  `json:"directAccess"`
	Services      []VMService   `json:"services,omitempty"`

	Labels map[string]string `json:"labels,omitempty"`

	ActiveCommandID       string     `json:"activeCommandId,omitempty"`
	ActiveCommandType     string     `json:"activeCommandType,omitempty"`
	ActiveCommandIssuedAt *time.Time `json:"activeCommandIssuedAt,omitempty"`

	Billing BillingInfo `json:"billingInfo"`

	// ResourcesReleased guards terminal-transition reservation release so it
	// happens exactly once per placement.
	ResourcesReleased bool `json:"resourcesReleased,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`

	Version int64 `json:"version"`
}

func (v *VirtualMachine) GetID() string { return v.ID }

func (v *VirtualMachine) IsSystemVM() bool { return v.VMType != VMTypeUser }

func (v *VirtualMachine) DeepCopy() *VirtualMachine {
	if v == nil {
		return nil
	}
	out := *v
	out.Ingress.Routes = append([]IngressRoute(nil), v.Ingress.Routes...)
	out.Ingress.AppliedAt = copyTime(v.Ingress.AppliedAt)
	out.DirectAccess.PortMappings = append([]PortMapping(nil), v.DirectAccess.PortMappings...)
	out.Services = append([]VMService(nil), v.Services...)
	if v.Labels != nil {
		out.Labels = make(map[string]string, len(v.Labels))
		for k, val := range v.Labels {
			out.Labels[k] = val
		}
	}
	out.ActiveCommandIssuedAt = copyTime(v.ActiveCommandIssuedAt)
	out.DeletedAt = copyTime(v.DeletedAt)
	return &out
}
