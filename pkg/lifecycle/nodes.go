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

package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/metrics"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/scheduling"
	"github.com/gridmesh/controlplane/pkg/signals"
	"github.com/gridmesh/controlplane/pkg/state"
)

const (
	// offlineAfter is the heartbeat silence that marks a node Offline.
	offlineAfter = 90 * time.Second
	// decommissionAfter is the Offline duration after which the node is
	// permanently removed from scheduling and its VMs are failed.
	decommissionAfter = 24 * time.Hour

	baselineBenchmark        = 1000.0
	baseOvercommitRatio      = 1.0
	maxPerformanceMultiplier = 2.0
)

// RegisterNodeRequest is the validated shape of node registration.
type RegisterNodeRequest struct {
	WalletAddress string                 `json:"walletAddress" validate:"required"`
	PublicIP      string                 `json:"publicIp" validate:"required,ip"`
	AgentPort     int                    `json:"agentPort" validate:"required,min=1,max=65535"`
	Region        string                 `json:"region" validate:"required"`
	Zone          string                 `json:"zone,omitempty"`
	Hardware      core.HardwareInventory `json:"hardwareInventory" validate:"required"`
	Benchmark     float64                `json:"benchmarkScore" validate:"required,gt=0"`
	PricePerPoint float64                `json:"pricePerPoint" validate:"required,gt=0"`
}

// Heartbeat is the periodic node report.
type Heartbeat struct {
	BootstrapPeerCount *int   `json:"bootstrapPeerCount,omitempty"`
	DhtAdvertiseIP     string `json:"dhtAdvertiseIp,omitempty"`
	CgnatTunnelIP      string `json:"cgnatTunnelIp,omitempty"`
}

// NodeManager owns node registration, heartbeats, and the liveness sweeper.
type NodeManager struct {
	state     *state.State
	scheduler *scheduling.Scheduler
	bus       *signals.Bus
	manager   *Manager
	validate  *validator.Validate
}

func NewNodeManager(st *state.State, scheduler *scheduling.Scheduler, bus *signals.Bus, manager *Manager) *NodeManager {
	return &NodeManager{
		state:     st,
		scheduler: scheduler,
		bus:       bus,
		manager:   manager,
		validate:  validator.New(),
	}
}

// Register admits a node to the fleet. Capacity and allowed tiers are derived
// from declared hardware and the measured benchmark; the returned node carries
// the HMAC key the agent must use from now on. The node stays Registering,
// out of scheduling rotation, until its first heartbeat proves the agent can
// reach the control plane.
func (n *NodeManager) Register(ctx context.Context, req RegisterNodeRequest) (*core.Node, error) {
	if err := n.validate.Struct(req); err != nil {
		return nil, errors.Validation("invalid node registration: %s", err)
	}
	perf := core.PerformanceEvaluation{
		BenchmarkScore: req.Benchmark,
		AllowedTiers:   allowedTiers(req.Benchmark),
	}
	now := n.manager.clk.Now()
	node := &core.Node{
		ID:              uuid.NewString(),
		WalletAddress:   req.WalletAddress,
		PublicIP:        req.PublicIP,
		AgentPort:       req.AgentPort,
		Region:          req.Region,
		Zone:            req.Zone,
		HMACKey:         newHMACKey(),
		Status:          core.NodeRegistering,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		Hardware:        req.Hardware,
		Performance:     perf,
		Reputation:      core.Reputation{UptimePercent: 100, SuccessRate: 1.0},
		PricePerPoint:   req.PricePerPoint,
		TotalResources: core.Resources{
			ComputePoints: scheduling.NodeTotalComputePoints(req.Hardware, perf, baselineBenchmark, baseOvercommitRatio, maxPerformanceMultiplier),
			MemoryBytes:   req.Hardware.MemoryBytes,
			StorageBytes:  req.Hardware.StorageBytes(),
		},
	}
	if err := n.state.Nodes.Add(node); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("registered node",
		"node", node.ID, "region", node.Region, "points", node.TotalResources.ComputePoints,
		"tiers", perf.AllowedTiers)
	return node.DeepCopy(), nil
}

// allowedTiers maps the benchmark to the SLA classes the node may host.
// Premium requires at least baseline performance.
func allowedTiers(benchmark float64) []core.QualityTier {
	switch {
	case benchmark >= baselineBenchmark:
		return []core.QualityTier{core.TierBurstable, core.TierStandard, core.TierPremium}
	case benchmark >= baselineBenchmark*0.5:
		return []core.QualityTier{core.TierBurstable, core.TierStandard}
	default:
		return []core.QualityTier{core.TierBurstable}
	}
}

func newHMACKey() string {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return hex.EncodeToString(key)
}

// ApplyHeartbeat refreshes the node's liveness and role telemetry. A node
// coming back from Offline fires its online signal so suspended obligations
// resume immediately.
func (n *NodeManager) ApplyHeartbeat(ctx context.Context, nodeID string, hb Heartbeat) error {
	wasOffline := false
	cameOnline := false
	now := n.manager.clk.Now()
	node, err := n.state.Nodes.Update(nodeID, func(node *core.Node) error {
		if node.Status == core.NodeDecommissioned {
			return errors.Conflict("node %s is decommissioned", nodeID)
		}
		wasOffline = node.Status == core.NodeOffline
		cameOnline = node.Status != core.NodeOnline
		node.Status = core.NodeOnline
		node.LastHeartbeatAt = now

		if hb.BootstrapPeerCount != nil {
			if node.DhtInfo == nil {
				node.DhtInfo = &core.DhtInfo{}
			}
			node.DhtInfo.BootstrapPeerCount = *hb.BootstrapPeerCount
			node.DhtInfo.LastPeerCountReported = &now
			if *hb.BootstrapPeerCount == 0 {
				if node.DhtInfo.ZeroPeersSince == nil {
					node.DhtInfo.ZeroPeersSince = &now
				}
			} else {
				node.DhtInfo.ZeroPeersSince = nil
			}
		}
		if hb.DhtAdvertiseIP != "" {
			if node.DhtInfo == nil {
				node.DhtInfo = &core.DhtInfo{}
			}
			node.DhtInfo.AdvertiseIP = hb.DhtAdvertiseIP
		}
		if hb.CgnatTunnelIP != "" {
			if node.CgnatInfo == nil {
				node.CgnatInfo = &core.CgnatInfo{}
			}
			node.CgnatInfo.TunnelIP = hb.CgnatTunnelIP
		}
		return nil
	})
	if err != nil {
		return err
	}
	if cameOnline {
		metrics.NodesOnline.Inc()
	}
	if wasOffline {
		n.bus.Fire(signals.NodeOnlineKey(node.ID), node.ID)
		logging.FromContext(ctx).Info("node back online", "node", node.ID)
	}
	return nil
}

// Sweep applies the liveness timeouts once. Offline is reversible; a
// decommissioned node never comes back, and its VMs are failed with their
// reservations released.
func (n *NodeManager) Sweep(ctx context.Context) {
	now := n.manager.clk.Now()
	for _, node := range n.state.Nodes.List() {
		silence := now.Sub(node.LastHeartbeatAt)
		switch node.Status {
		case core.NodeOnline, core.NodeRegistering:
			if silence > offlineAfter {
				wasOnline := node.Status == core.NodeOnline
				if _, err := n.state.Nodes.Update(node.ID, func(nd *core.Node) error {
					nd.Status = core.NodeOffline
					return nil
				}); err == nil {
					if wasOnline {
						metrics.NodesOnline.Dec()
					}
					logging.FromContext(ctx).Info("node offline",
						"node", node.ID, "silence", silence.Round(time.Second))
				}
			}
		case core.NodeOffline:
			if silence > decommissionAfter {
				n.decommission(ctx, node.ID)
			}
		}
	}
}

func (n *NodeManager) decommission(ctx context.Context, nodeID string) {
	if _, err := n.state.Nodes.Update(nodeID, func(nd *core.Node) error {
		nd.Status = core.NodeDecommissioned
		return nil
	}); err != nil {
		return
	}
	logging.FromContext(ctx).Info("decommissioned node", "node", nodeID)
	for _, vm := range n.state.VMs.ByNode(nodeID) {
		if vm.Status.IsTerminal() {
			continue
		}
		if err := n.manager.MarkError(ctx, vm.ID, "node decommissioned"); err != nil {
			logging.FromContext(ctx).Error(err, "failing vm on decommissioned node", "vm", vm.ID)
		}
	}
}

// Run sweeps on an interval until the context is cancelled.
func (n *NodeManager) Run(ctx context.Context, interval time.Duration) {
	ctx = logging.WithName(ctx, "node.sweeper")
	ticker := n.manager.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			n.Sweep(ctx)
		}
	}
}
