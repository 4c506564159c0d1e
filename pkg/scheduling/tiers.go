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

package scheduling

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gridmesh/controlplane/pkg/apis/core"
)

// basePointsPerCore anchors the compute-point scale: one physical core on a
// baseline-benchmark node is worth 20 points at 1.0 overcommit.
const basePointsPerCore = 20.0

// Tier is one SLA class. Overcommit dilutes how many points a virtual core
// costs; the price multiplier feeds the hourly rate.
type Tier struct {
	Name            core.QualityTier `yaml:"name" json:"name"`
	OvercommitRatio float64          `yaml:"overcommitRatio" json:"overcommitRatio"`
	PriceMultiplier float64          `yaml:"priceMultiplier" json:"priceMultiplier"`
}

// PointsPerVCPU is the per-virtual-core point cost for this tier.
func (t Tier) PointsPerVCPU() int64 {
	return int64(math.Round(basePointsPerCore / t.OvercommitRatio))
}

// Catalog holds the known tiers. The default catalog can be replaced from a
// YAML file at startup.
type Catalog struct {
	tiers map[core.QualityTier]Tier
}

func DefaultCatalog() *Catalog {
	return NewCatalog([]Tier{
		{Name: core.TierBurstable, OvercommitRatio: 4.0, PriceMultiplier: 0.5},
		{Name: core.TierStandard, OvercommitRatio: 2.0, PriceMultiplier: 1.0},
		{Name: core.TierPremium, OvercommitRatio: 1.0, PriceMultiplier: 2.0},
	})
}

func NewCatalog(tiers []Tier) *Catalog {
	c := &Catalog{tiers: map[core.QualityTier]Tier{}}
	for _, t := range tiers {
		c.tiers[t.Name] = t
	}
	return c
}

// LoadCatalog reads a tier catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tier catalog, %w", err)
	}
	var tiers []Tier
	if err := yaml.Unmarshal(data, &tiers); err != nil {
		return nil, fmt.Errorf("parsing tier catalog, %w", err)
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier catalog %q is empty", path)
	}
	return NewCatalog(tiers), nil
}

func (c *Catalog) Get(name core.QualityTier) (Tier, bool) {
	t, ok := c.tiers[name]
	return t, ok
}

// UserVMPointCost computes a user VM's point cost from its core count and
// tier.
func (c *Catalog) UserVMPointCost(vCPUCores int, tier core.QualityTier) (int64, error) {
	t, ok := c.tiers[tier]
	if !ok {
		return 0, fmt.Errorf("unknown quality tier %q", tier)
	}
	return int64(vCPUCores) * t.PointsPerVCPU(), nil
}

// SystemVMPointCost is fixed per role; system VMs don't participate in the
// tiered overcommit model.
func SystemVMPointCost(role core.SystemVMRole) int64 {
	switch role {
	case core.RoleRelay:
		return 2
	case core.RoleDht:
		return 1
	case core.RoleIngress:
		return 2
	case core.RoleBlockStore:
		return 4
	default:
		return 1
	}
}

// NodeTotalComputePoints derives a node's capacity from its core count
// scaled by the benchmark ratio, capped by the performance multiplier limit.
func NodeTotalComputePoints(hw core.HardwareInventory, perf core.PerformanceEvaluation, baselineBenchmark, baseOvercommitRatio, maxPerformanceMultiplier float64) int64 {
	ratio := 1.0
	if baselineBenchmark > 0 && perf.BenchmarkScore > 0 {
		ratio = perf.BenchmarkScore / baselineBenchmark
	}
	if ratio > maxPerformanceMultiplier {
		ratio = maxPerformanceMultiplier
	}
	return int64(math.Floor(float64(hw.Cores) * basePointsPerCore * ratio * baseOvercommitRatio))
}

// HourlyRate prices a VM spec on a node: points × node price-per-point ×
// tier price multiplier.
func (c *Catalog) HourlyRate(spec core.VMSpec, pricePerPoint float64) float64 {
	mult := 1.0
	if t, ok := c.tiers[spec.QualityTier]; ok {
		mult = t.PriceMultiplier
	}
	return float64(spec.ComputePointCost) * pricePerPoint * mult
}
