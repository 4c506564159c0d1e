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

// Package test provides entity builders for unit tests. Builders fill in
// sane defaults and let each test override only what it asserts on.
package test

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/gridmesh/controlplane/pkg/apis/core"
)

var nodeSequence atomic.Int64

// NodeOptions customizes a test node; zero values fall back to defaults.
type NodeOptions struct {
	ID            string
	Region        string
	Zone          string
	Status        core.NodeStatus
	Cores         int
	MemoryBytes   int64
	StorageBytes  int64
	NATType       core.NATType
	GPUs          int
	Benchmark     float64
	BandwidthMbps float64
	AllowedTiers  []core.QualityTier
	PricePerPoint float64
	Uptime        float64
	SuccessRate   float64
	TotalPoints   int64
	HMACKey       string
}

// Node builds a healthy online node with 100 compute points by default.
func Node(overrides ...NodeOptions) *core.Node {
	opts := NodeOptions{}
	if len(overrides) > 0 {
		opts = overrides[0]
	}
	seq := nodeSequence.Add(1)
	id := lo.Ternary(opts.ID != "", opts.ID, fmt.Sprintf("node-%04d", seq))
	cores := lo.Ternary(opts.Cores != 0, opts.Cores, 4)
	memory := lo.Ternary(opts.MemoryBytes != 0, opts.MemoryBytes, int64(16<<30))
	storage := lo.Ternary(opts.StorageBytes != 0, opts.StorageBytes, int64(500<<30))
	points := lo.Ternary(opts.TotalPoints != 0, opts.TotalPoints, int64(100))

	return &core.Node{
		ID:              id,
		WalletAddress:   "0xnode-" + id,
		PublicIP:        "198.51.100.10",
		AgentPort:       7070,
		Region:          lo.Ternary(opts.Region != "", opts.Region, "eu-west"),
		Zone:            opts.Zone,
		HMACKey:         lo.Ternary(opts.HMACKey != "", opts.HMACKey, "test-hmac-key"),
		Status:          lo.Ternary(opts.Status != "", opts.Status, core.NodeOnline),
		RegisteredAt:    time.Now(),
		LastHeartbeatAt: time.Now(),
		Hardware: core.HardwareInventory{
			Cores:         cores,
			MemoryBytes:   memory,
			Disks:         []core.DiskInventory{{Path: "/dev/vda", Bytes: storage}},
			BandwidthMbps: opts.BandwidthMbps,
			NATType:       lo.Ternary(opts.NATType != "", opts.NATType, core.NATNone),
			GPUs:          opts.GPUs,
		},
		Performance: core.PerformanceEvaluation{
			BenchmarkScore: lo.Ternary(opts.Benchmark != 0, opts.Benchmark, 1000),
			AllowedTiers: lo.Ternary(len(opts.AllowedTiers) > 0, opts.AllowedTiers,
				[]core.QualityTier{core.TierBurstable, core.TierStandard, core.TierPremium}),
		},
		Reputation: core.Reputation{
			UptimePercent: lo.Ternary(opts.Uptime != 0, opts.Uptime, 99.5),
			SuccessRate:   lo.Ternary(opts.SuccessRate != 0, opts.SuccessRate, 0.98),
		},
		PricePerPoint: lo.Ternary(opts.PricePerPoint != 0, opts.PricePerPoint, 0.01),
		TotalResources: core.Resources{
			ComputePoints: points,
			MemoryBytes:   memory,
			StorageBytes:  storage,
		},
	}
}
