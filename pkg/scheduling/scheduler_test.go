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

package scheduling_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/scheduling"
	"github.com/gridmesh/controlplane/pkg/state"
	"github.com/gridmesh/controlplane/pkg/test"
)

var _ = Describe("Scheduler", func() {
	var (
		ctx       context.Context
		nodes     *state.NodeStore
		scheduler *scheduling.Scheduler
	)

	BeforeEach(func() {
		ctx = context.Background()
		nodes = state.NewNodeStore()
		scheduler = scheduling.NewScheduler(nodes, scheduling.DefaultCatalog(), scheduling.DefaultConfig())
	})

	It("should return ErrNoCapacity with no nodes", func() {
		_, err := scheduler.Select(ctx, test.VM())
		Expect(err).To(MatchError(scheduling.ErrNoCapacity))
	})

	It("should place a 2 vCPU Standard vm and reserve 20 points", func() {
		Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-a", TotalPoints: 100}))).To(Succeed())

		vm := test.VM(test.VMOptions{Cores: 2, Tier: core.TierStandard})
		decision, err := scheduler.Schedule(ctx, vm)
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.NodeID).To(Equal("node-a"))
		Expect(decision.Resources.ComputePoints).To(Equal(int64(20)))

		node, _ := nodes.Get("node-a")
		Expect(node.ReservedResources.ComputePoints).To(Equal(int64(20)))
		Expect(node.AvailableResources().ComputePoints).To(Equal(int64(80)))
	})

	It("should skip offline nodes", func() {
		Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-off", Status: core.NodeOffline}))).To(Succeed())
		_, err := scheduler.Select(ctx, test.VM())
		Expect(err).To(MatchError(scheduling.ErrNoCapacity))
	})

	It("should skip nodes not rated for the tier", func() {
		Expect(nodes.Add(test.Node(test.NodeOptions{
			ID:           "node-slow",
			AllowedTiers: []core.QualityTier{core.TierBurstable},
		}))).To(Succeed())
		_, err := scheduler.Select(ctx, test.VM(test.VMOptions{Tier: core.TierPremium}))
		Expect(err).To(MatchError(scheduling.ErrNoCapacity))
	})

	It("should skip nodes without room", func() {
		Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-small", TotalPoints: 10}))).To(Succeed())
		vm := test.VM(test.VMOptions{Cores: 2, Tier: core.TierStandard}) // 20 points
		_, err := scheduler.Select(ctx, vm)
		Expect(err).To(MatchError(scheduling.ErrNoCapacity))
	})

	It("should honor region constraints", func() {
		Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-eu", Region: "eu-west"}))).To(Succeed())
		vm := test.VM()
		vm.Spec.Region = "us-east"
		_, err := scheduler.Select(ctx, vm)
		Expect(err).To(MatchError(scheduling.ErrNoCapacity))

		vm.Spec.Region = "eu-west"
		decision, err := scheduler.Select(ctx, vm)
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.NodeID).To(Equal("node-eu"))
	})

	It("should require a gpu node for gpu workloads", func() {
		Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-cpu"}))).To(Succeed())
		Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-gpu", GPUs: 2}))).To(Succeed())

		vm := test.VM()
		vm.Spec.RequiresGPU = true
		decision, err := scheduler.Select(ctx, vm)
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.NodeID).To(Equal("node-gpu"))
	})

	It("should keep gpu nodes free for gpu workloads when possible", func() {
		Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-cpu"}))).To(Succeed())
		Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-gpu", GPUs: 2}))).To(Succeed())

		decision, err := scheduler.Select(ctx, test.VM())
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.NodeID).To(Equal("node-cpu"))
	})

	It("should refuse NAT-bound nodes for public ip workloads", func() {
		Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-nat", NATType: core.NATCGNAT}))).To(Succeed())
		vm := test.VM()
		vm.Spec.RequiresPublicIP = true
		_, err := scheduler.Select(ctx, vm)
		Expect(err).To(MatchError(scheduling.ErrNoCapacity))
	})

	It("should be deterministic across identical candidates", func() {
		Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-b"}))).To(Succeed())
		Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-a"}))).To(Succeed())

		vm := test.VM()
		first, err := scheduler.Select(ctx, vm)
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 10; i++ {
			again, err := scheduler.Select(ctx, vm)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.NodeID).To(Equal(first.NodeID))
		}
		// Equal scores break the tie by id.
		Expect(first.NodeID).To(Equal("node-a"))
	})

	It("should prefer the cheaper of two otherwise equal nodes", func() {
		Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-cheap", PricePerPoint: 0.01}))).To(Succeed())
		Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-dear", PricePerPoint: 0.05}))).To(Succeed())

		decision, err := scheduler.Select(ctx, test.VM())
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.NodeID).To(Equal("node-cheap"))
	})

	Describe("pinned placement", func() {
		It("should only consider the pinned node", func() {
			Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-a"}))).To(Succeed())
			Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-b"}))).To(Succeed())

			vm := test.VM()
			vm.Spec.PinnedNodeID = "node-b"
			decision, err := scheduler.Select(ctx, vm)
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.NodeID).To(Equal("node-b"))
		})

		It("should fail when the pinned node cannot host", func() {
			Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-a"}))).To(Succeed())
			Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-off", Status: core.NodeOffline}))).To(Succeed())

			vm := test.VM()
			vm.Spec.PinnedNodeID = "node-off"
			_, err := scheduler.Select(ctx, vm)
			Expect(err).To(MatchError(scheduling.ErrNoCapacity))
		})
	})

	Describe("reservations", func() {
		It("should refuse a reservation past capacity", func() {
			Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-a", TotalPoints: 30}))).To(Succeed())
			Expect(scheduler.Reserve(ctx, "node-a", core.Resources{ComputePoints: 20, MemoryBytes: 1, StorageBytes: 1})).To(Succeed())
			Expect(scheduler.Reserve(ctx, "node-a", core.Resources{ComputePoints: 20, MemoryBytes: 1, StorageBytes: 1})).NotTo(Succeed())
		})

		It("should floor a double release at zero", func() {
			Expect(nodes.Add(test.Node(test.NodeOptions{ID: "node-a"}))).To(Succeed())
			res := core.Resources{ComputePoints: 20}
			Expect(scheduler.Reserve(ctx, "node-a", res)).To(Succeed())
			Expect(scheduler.Release(ctx, "node-a", res)).To(Succeed())
			Expect(scheduler.Release(ctx, "node-a", res)).To(Succeed())
			node, _ := nodes.Get("node-a")
			Expect(node.ReservedResources.ComputePoints).To(BeZero())
		})
	})
})
