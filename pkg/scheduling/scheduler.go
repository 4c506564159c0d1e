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

// Package scheduling places VMs on nodes: hard filters cut the candidate set,
// a weighted score ranks the survivors, and reservations account for the
// placement. Ranking is fully deterministic.
package scheduling

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/state"
)

// Weights for the scoring terms. They need not sum to one; relative size is
// what matters.
type Weights struct {
	Utilization    float64
	Reputation     float64
	Price          float64
	RegionAffinity float64
	GPUPenalty     float64
}

func DefaultWeights() Weights {
	return Weights{
		Utilization:    0.30,
		Reputation:     0.25,
		Price:          0.20,
		RegionAffinity: 0.15,
		GPUPenalty:     0.10,
	}
}

// Config tunes the placement model.
type Config struct {
	Weights           Weights
	UtilizationTarget float64
}

func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), UtilizationTarget: 0.7}
}

// Decision is a completed placement choice.
type Decision struct {
	NodeID    string
	Score     float64
	Resources core.Resources
}

// ErrNoCapacity is returned when no node passes filtering; callers retry
// since nodes may join or free up.
var ErrNoCapacity = fmt.Errorf("no suitable node available")

type Scheduler struct {
	nodes   *state.NodeStore
	catalog *Catalog
	config  Config
}

func NewScheduler(nodes *state.NodeStore, catalog *Catalog, config Config) *Scheduler {
	return &Scheduler{nodes: nodes, catalog: catalog, config: config}
}

func (s *Scheduler) Catalog() *Catalog { return s.catalog }

// Schedule selects the best node for the VM and reserves its resources
// there. The returned decision has already been applied to the node.
func (s *Scheduler) Schedule(ctx context.Context, vm *core.VirtualMachine) (*Decision, error) {
	decision, err := s.Select(ctx, vm)
	if err != nil {
		return nil, err
	}
	if err := s.Reserve(ctx, decision.NodeID, decision.Resources); err != nil {
		return nil, err
	}
	return decision, nil
}

// Select ranks candidates without reserving.
func (s *Scheduler) Select(ctx context.Context, vm *core.VirtualMachine) (*Decision, error) {
	requested := vm.Spec.Resources()
	candidates := s.candidatesFor(ctx, vm, requested)
	if len(candidates) == 0 {
		return nil, ErrNoCapacity
	}

	scored := s.score(candidates, vm, requested)
	// Deterministic: by descending score, node id ascending as tiebreak.
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].NodeID < scored[j].NodeID
	})
	best := scored[0]
	logging.FromContext(ctx).V(1).Info("selected node",
		"vm", vm.ID, "node", best.NodeID, "score", best.Score, "candidates", len(scored))
	return &best, nil
}

func (s *Scheduler) candidatesFor(ctx context.Context, vm *core.VirtualMachine, requested core.Resources) []*core.Node {
	// Pinned VMs only consider their node; region and zone constraints don't
	// apply since the owner was chosen elsewhere.
	if vm.Spec.PinnedNodeID != "" {
		node, err := s.nodes.Get(vm.Spec.PinnedNodeID)
		if err != nil {
			return nil
		}
		if err := multierr.Combine(
			validateOnline(node),
			validateFit(node, requested),
		); err != nil {
			logging.FromContext(ctx).V(1).Info("pinned node rejected", "vm", vm.ID, "node", node.ID, "reason", err.Error())
			return nil
		}
		return []*core.Node{node}
	}

	var candidates []*core.Node
	for _, node := range s.nodes.List() {
		if err := multierr.Combine(
			validateOnline(node),
			validateTier(node, vm.Spec.QualityTier),
			validateRegion(node, vm.Spec.Region),
			validateZone(node, vm.Spec.Zone),
			validateFit(node, requested),
			validateGPU(node, vm.Spec.RequiresGPU),
			validateNAT(node, vm.Spec.RequiresPublicIP),
		); err != nil {
			continue
		}
		candidates = append(candidates, node)
	}
	return candidates
}

func validateOnline(node *core.Node) error {
	if node.Status != core.NodeOnline {
		return fmt.Errorf("node is %s", node.Status)
	}
	return nil
}

func validateTier(node *core.Node, tier core.QualityTier) error {
	if len(node.Performance.AllowedTiers) == 0 {
		return fmt.Errorf("node has no allowed tiers")
	}
	if !lo.Contains(node.Performance.AllowedTiers, tier) {
		return fmt.Errorf("tier %s is not in %v", tier, node.Performance.AllowedTiers)
	}
	return nil
}

func validateRegion(node *core.Node, region string) error {
	if region != "" && node.Region != region {
		return fmt.Errorf("region %s does not match %s", node.Region, region)
	}
	return nil
}

func validateZone(node *core.Node, zone string) error {
	if zone != "" && node.Zone != zone {
		return fmt.Errorf("zone %s does not match %s", node.Zone, zone)
	}
	return nil
}

func validateFit(node *core.Node, requested core.Resources) error {
	if !requested.Fits(node.AvailableResources()) {
		return fmt.Errorf("insufficient resources")
	}
	return nil
}

func validateGPU(node *core.Node, requiresGPU bool) error {
	if requiresGPU && node.Hardware.GPUs == 0 {
		return fmt.Errorf("gpu is required")
	}
	return nil
}

func validateNAT(node *core.Node, requiresPublicIP bool) error {
	if requiresPublicIP && node.Hardware.NATType != core.NATNone {
		return fmt.Errorf("nat type %s cannot serve a public ip", node.Hardware.NATType)
	}
	return nil
}

func (s *Scheduler) score(candidates []*core.Node, vm *core.VirtualMachine, requested core.Resources) []Decision {
	w := s.config.Weights

	// Price normalization needs the candidate range.
	prices := lo.Map(candidates, func(n *core.Node, _ int) float64 { return n.PricePerPoint })
	minPrice, maxPrice := lo.Min(prices), lo.Max(prices)

	return lo.Map(candidates, func(node *core.Node, _ int) Decision {
		score := w.Utilization*s.utilizationScore(node, requested) +
			w.Reputation*reputationScore(node) +
			w.Price*priceScore(node, minPrice, maxPrice) +
			w.RegionAffinity*regionAffinity(node, vm.Spec.Region) +
			w.GPUPenalty*gpuAffinity(node, vm.Spec.RequiresGPU)
		return Decision{NodeID: node.ID, Score: score, Resources: requested}
	})
}

// utilizationScore prefers nodes whose post-reservation utilization lands
// close to the target: both empty and nearly-full nodes score lower.
func (s *Scheduler) utilizationScore(node *core.Node, requested core.Resources) float64 {
	if node.TotalResources.ComputePoints == 0 {
		return 0
	}
	post := float64(node.ReservedResources.ComputePoints+requested.ComputePoints) / float64(node.TotalResources.ComputePoints)
	distance := post - s.config.UtilizationTarget
	if distance < 0 {
		distance = -distance
	}
	if distance > 1 {
		distance = 1
	}
	return 1 - distance
}

func reputationScore(node *core.Node) float64 {
	return node.Reputation.UptimePercent/100*0.6 + node.Reputation.SuccessRate*0.4
}

func priceScore(node *core.Node, minPrice, maxPrice float64) float64 {
	if maxPrice <= minPrice {
		return 1
	}
	return (maxPrice - node.PricePerPoint) / (maxPrice - minPrice)
}

// regionAffinity scores exact region matches above same-continent matches;
// regions are named <continent>-<locale>.
func regionAffinity(node *core.Node, region string) float64 {
	if region == "" || node.Region == region {
		return 1
	}
	if continent(node.Region) == continent(region) {
		return 0.5
	}
	return 0
}

func continent(region string) string {
	if idx := strings.Index(region, "-"); idx > 0 {
		return region[:idx]
	}
	return region
}

// gpuAffinity deprioritizes GPU nodes for workloads that don't need one, so
// GPU capacity stays available for GPU workloads.
func gpuAffinity(node *core.Node, requiresGPU bool) float64 {
	if !requiresGPU && node.Hardware.GPUs > 0 {
		return 0
	}
	return 1
}
