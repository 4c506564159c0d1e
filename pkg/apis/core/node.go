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

	"github.com/samber/lo"
)

type NodeStatus string

const (
	NodeRegistering    NodeStatus = "Registering"
	NodeOnline         NodeStatus = "Online"
	NodeOffline        NodeStatus = "Offline"
	NodeDecommissioned NodeStatus = "Decommissioned"
)

type NATType string

const (
	NATNone      NATType = "None"
	NATFullCone  NATType = "FullCone"
	NATSymmetric NATType = "Symmetric"
	NATCGNAT     NATType = "CGNAT"
)

type SystemVMRole string

const (
	RoleRelay      SystemVMRole = "Relay"
	RoleDht        SystemVMRole = "Dht"
	RoleIngress    SystemVMRole = "Ingress"
	RoleBlockStore SystemVMRole = "BlockStore"
)

type SystemVMObligationStatus string

const (
	SystemVMPending   SystemVMObligationStatus = "Pending"
	SystemVMDeploying SystemVMObligationStatus = "Deploying"
	SystemVMActive    SystemVMObligationStatus = "Active"
	SystemVMFailed    SystemVMObligationStatus = "Failed"
)

type DiskInventory struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

type HardwareInventory struct {
	Cores         int             `json:"cores"`
	MemoryBytes   int64           `json:"memoryBytes"`
	Disks         []DiskInventory `json:"disks,omitempty"`
	BandwidthMbps float64         `json:"bandwidthMbps,omitempty"`
	NATType       NATType         `json:"natType"`
	GPUs          int             `json:"gpus,omitempty"`
}

// StorageBytes returns the aggregate capacity across all inventoried disks.
func (h HardwareInventory) StorageBytes() int64 {
	return lo.SumBy(h.Disks, func(d DiskInventory) int64 { return d.Bytes })
}

type PerformanceEvaluation struct {
	BenchmarkScore float64       `json:"benchmarkScore"`
	AllowedTiers   []QualityTier `json:"allowedTiers,omitempty"`
}

type Reputation struct {
	UptimePercent float64 `json:"uptimePercent"`
	SuccessRate   float64 `json:"successRate"`
}

// SystemVMObligation tracks one infrastructure role the node is expected to
// fulfil. It is owned by the node record and reconciled by pkg/sysvm; it is
// distinct from the engine's obligations.
type SystemVMObligation struct {
	Role         SystemVMRole             `json:"role"`
	VMID         string                   `json:"vmId,omitempty"`
	Status       SystemVMObligationStatus `json:"status"`
	FailureCount int                      `json:"failureCount,omitempty"`
	DeployedAt   *time.Time               `json:"deployedAt,omitempty"`
	ActiveAt     *time.Time               `json:"activeAt,omitempty"`
	LastError    string                   `json:"lastError,omitempty"`
	NextRetryAt  *time.Time               `json:"nextRetryAt,omitempty"`
}

type RoleInfoStatus string

const (
	RoleInfoProvisioning RoleInfoStatus = "Provisioning"
	RoleInfoActive       RoleInfoStatus = "Active"
	RoleInfoFailed       RoleInfoStatus = "Failed"
)

type DhtInfo struct {
	DhtVMID               string         `json:"dhtVmId,omitempty"`
	Status                RoleInfoStatus `json:"status,omitempty"`
	BootstrapPeerCount    int            `json:"bootstrapPeerCount"`
	AdvertiseIP           string         `json:"advertiseIp,omitempty"`
	ZeroPeersSince        *time.Time     `json:"zeroPeersSince,omitempty"`
	LastPeerCountReported *time.Time     `json:"lastPeerCountReported,omitempty"`
}

type RelayInfo struct {
	RelayVMID  string         `json:"relayVmId,omitempty"`
	Status     RoleInfoStatus `json:"status,omitempty"`
	OverlayKey string         `json:"overlayKey,omitempty"`
}

type CgnatInfo struct {
	TunnelIP    string `json:"tunnelIp,omitempty"`
	RelayNodeID string `json:"relayNodeId,omitempty"`
}

// Node is one worker in the fleet. Nodes are untrusted: everything here is
// either declared at registration, measured by benchmarks, or accounted for
// by the control plane itself (reservations).
type Node struct {
	ID            string `json:"id"`
	WalletAddress string `json:"walletAddress"`
	PublicIP      string `json:"publicIp"`
	AgentPort     int    `json:"agentPort"`
	Region        string `json:"region"`
	Zone          string `json:"zone,omitempty"`
	// HMACKey authenticates node-originated requests. Issued at registration.
	HMACKey string `json:"hmacKey,omitempty"`

	Status          NodeStatus `json:"status"`
	RegisteredAt    time.Time  `json:"registeredAt"`
	LastHeartbeatAt time.Time  `json:"lastHeartbeatAt"`

	Hardware      HardwareInventory     `json:"hardwareInventory"`
	Performance   PerformanceEvaluation `json:"performanceEvaluation"`
	Reputation    Reputation            `json:"reputation"`
	PricePerPoint float64               `json:"pricePerPoint"`

	TotalResources    Resources `json:"totalResources"`
	ReservedResources Resources `json:"reservedResources"`

	SystemVMs []SystemVMObligation `json:"systemVmObligations,omitempty"`
	DhtInfo   *DhtInfo             `json:"dhtInfo,omitempty"`
	RelayInfo *RelayInfo           `json:"relayInfo,omitempty"`
	CgnatInfo *CgnatInfo           `json:"cgnatInfo,omitempty"`

	Version int64 `json:"version"`
}

func (n *Node) GetID() string { return n.ID }

// AvailableResources is total minus reserved, floored at zero.
func (n *Node) AvailableResources() Resources {
	return n.TotalResources.Sub(n.ReservedResources)
}

// SystemVM returns the node's role obligation for the given role, if present.
func (n *Node) SystemVM(role SystemVMRole) (*SystemVMObligation, bool) {
	for i := range n.SystemVMs {
		if n.SystemVMs[i].Role == role {
			return &n.SystemVMs[i], true
		}
	}
	return nil, false
}

func (n *Node) DeepCopy() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Hardware.Disks = append([]DiskInventory(nil), n.Hardware.Disks...)
	out.Performance.AllowedTiers = append([]QualityTier(nil), n.Performance.AllowedTiers...)
	out.SystemVMs = make([]SystemVMObligation, len(n.SystemVMs))
	for i := range n.SystemVMs {
		sv := n.SystemVMs[i]
		sv.DeployedAt = copyTime(sv.DeployedAt)
		sv.ActiveAt = copyTime(sv.ActiveAt)
		sv.NextRetryAt = copyTime(sv.NextRetryAt)
		out.SystemVMs[i] = sv
	}
	if n.DhtInfo != nil {
		di := *n.DhtInfo
		di.ZeroPeersSince = copyTime(di.ZeroPeersSince)
		di.LastPeerCountReported = copyTime(di.LastPeerCountReported)
		out.DhtInfo = &di
	}
	if n.RelayInfo != nil {
		ri := *n.RelayInfo
		out.RelayInfo = &ri
	}
	if n.CgnatInfo != nil {
		ci := *n.CgnatInfo
		out.CgnatInfo = &ci
	}
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
