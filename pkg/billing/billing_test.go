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

package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/blockchain"
	"github.com/gridmesh/controlplane/pkg/scheduling"
	"github.com/gridmesh/controlplane/pkg/state"
	"github.com/gridmesh/controlplane/pkg/test"
)

type recordingAppender struct {
	mu  sync.Mutex
	obs []*core.Obligation
}

func (r *recordingAppender) Append(ctx context.Context, ob *core.Obligation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, ob)
	return nil
}

func (r *recordingAppender) byType(obType string) []*core.Obligation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.Obligation
	for _, ob := range r.obs {
		if ob.Type == obType {
			out = append(out, ob)
		}
	}
	return out
}

type scriptedAttestation struct {
	mu      sync.Mutex
	verdict bool
	err     error
	calls   int
}

func (s *scriptedAttestation) Verified(ctx context.Context, vmID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.verdict, s.err
}

var _ = Describe("Biller", func() {
	var (
		ctx         context.Context
		fc          *clocktesting.FakeClock
		st          *state.State
		chain       *blockchain.Fake
		attestation *scriptedAttestation
		appender    *recordingAppender
		biller      *Biller
	)

	BeforeEach(func() {
		ctx = context.Background()
		fc = clocktesting.NewFakeClock(time.Now())
		st = state.New("", fc)
		chain = blockchain.NewFake()
		attestation = &scriptedAttestation{verdict: true}
		appender = &recordingAppender{}
		biller = NewBiller(DefaultConfig(), st, scheduling.DefaultCatalog(), chain, attestation, appender, fc)
	})

	// seedVM installs a running user VM billed one hour ago at 1.0/h, with its
	// owner holding the given escrow balance.
	seedVM := func(balance float64) *core.VirtualMachine {
		vm := test.VM(test.VMOptions{
			NodeID:     "node-a",
			Status:     core.VMRunning,
			HourlyRate: 1.0,
			LastBilled: fc.Now().Add(-time.Hour),
		})
		Expect(st.VMs.Add(vm)).To(Succeed())
		chain.Balances[vm.OwnerWallet] = balance
		return vm
	}

	Describe("accrual", func() {
		It("should record verified runtime with the platform fee split out", func() {
			vm := seedVM(100)
			biller.AccrueAll(ctx)
			Expect(biller.FlushNow(ctx)).To(Succeed())

			records := st.Usage.Unsettled()
			Expect(records).To(HaveLen(1))
			r := records[0]
			Expect(r.VMID).To(Equal(vm.ID))
			Expect(r.TotalCost).To(BeNumerically("~", 1.0, 1e-9))
			Expect(r.PlatformFee).To(BeNumerically("~", 0.15, 1e-9))
			Expect(r.NodeShare).To(BeNumerically("~", 0.85, 1e-9))
			Expect(r.NodeShare + r.PlatformFee).To(BeNumerically("~", r.TotalCost, 1e-9))
			Expect(r.AttestationVerified).To(BeTrue())

			billed, _ := st.VMs.Get(vm.ID)
			Expect(billed.Billing.TotalBilled).To(BeNumerically("~", 1.0, 1e-9))
			Expect(billed.Billing.VerifiedRuntime).To(Equal(int64(3600)))
			Expect(billed.Billing.LastBillingAt).To(Equal(fc.Now()))
		})

		It("should accrue unverified runtime without charging for it", func() {
			attestation.verdict = false
			vm := seedVM(100)
			biller.AccrueAll(ctx)
			Expect(biller.FlushNow(ctx)).To(Succeed())

			Expect(st.Usage.Unsettled()).To(BeEmpty())
			got, _ := st.VMs.Get(vm.ID)
			Expect(got.Billing.UnverifiedRuntime).To(Equal(int64(3600)))
			Expect(got.Billing.TotalBilled).To(BeZero())
		})

		It("should treat an attestation lookup failure as unverified", func() {
			attestation.err = fmt.Errorf("verifier unreachable")
			vm := seedVM(100)
			biller.AccrueAll(ctx)
			Expect(biller.FlushNow(ctx)).To(Succeed())

			Expect(st.Usage.Unsettled()).To(BeEmpty())
			got, _ := st.VMs.Get(vm.ID)
			Expect(got.Billing.UnverifiedRuntime).To(Equal(int64(3600)))
		})

		It("should stop the vm instead of billing past the balance", func() {
			vm := seedVM(0.25)
			biller.AccrueAll(ctx)
			Expect(biller.FlushNow(ctx)).To(Succeed())

			Expect(st.Usage.Unsettled()).To(BeEmpty())
			stops := appender.byType(core.ObligationVMStop)
			Expect(stops).To(HaveLen(1))
			Expect(stops[0].ResourceID).To(Equal(vm.ID))
			Expect(stops[0].Priority).To(Equal(90))
			Expect(stops[0].Data["reason"]).To(Equal(InsufficientFundsReason))
		})

		It("should count unsettled usage against the balance", func() {
			vm := seedVM(1.5)
			Expect(st.Usage.Add(&core.UsageRecord{
				ID:        "rec-old",
				VMID:      vm.ID,
				UserID:    vm.OwnerID,
				NodeID:    "node-a",
				TotalCost: 1.0,
			})).To(Succeed())

			biller.AccrueAll(ctx)
			Expect(biller.FlushNow(ctx)).To(Succeed())
			// 1.5 escrow minus 1.0 unsettled leaves 0.5, below the 1.0 cost.
			Expect(appender.byType(core.ObligationVMStop)).To(HaveLen(1))
		})

		It("should fall back to the catalog rate when the vm has none", func() {
			Expect(st.Nodes.Add(test.Node(test.NodeOptions{ID: "node-a", PricePerPoint: 0.01}))).To(Succeed())
			vm := test.VM(test.VMOptions{
				NodeID:     "node-a",
				Status:     core.VMRunning,
				PointCost:  20,
				LastBilled: fc.Now().Add(-time.Hour),
			})
			Expect(st.VMs.Add(vm)).To(Succeed())
			chain.Balances[vm.OwnerWallet] = 100

			biller.AccrueAll(ctx)
			Expect(biller.FlushNow(ctx)).To(Succeed())

			records := st.Usage.Unsettled()
			Expect(records).To(HaveLen(1))
			// 20 points at 0.01 each with the Standard multiplier.
			Expect(records[0].TotalCost).To(BeNumerically("~", 0.2, 1e-9))
			got, _ := st.VMs.Get(vm.ID)
			Expect(got.Billing.HourlyRateCrypto).To(BeNumerically("~", 0.2, 1e-9))
		})

		It("should skip system vms", func() {
			vm := test.VM(test.VMOptions{
				VMType:     core.VMTypeRelay,
				NodeID:     "node-a",
				Status:     core.VMRunning,
				HourlyRate: 1.0,
				LastBilled: fc.Now().Add(-time.Hour),
			})
			Expect(st.VMs.Add(vm)).To(Succeed())

			biller.AccrueAll(ctx)
			Expect(biller.FlushNow(ctx)).To(Succeed())
			Expect(st.Usage.Unsettled()).To(BeEmpty())
		})
	})

	Describe("settlement cycle", func() {
		addRecord := func(id string, vm *core.VirtualMachine, cost float64) {
			Expect(st.Usage.Add(&core.UsageRecord{
				ID:        id,
				VMID:      vm.ID,
				UserID:    vm.OwnerID,
				NodeID:    vm.NodeID,
				TotalCost: cost,
				NodeShare: cost * 0.85,
			})).To(Succeed())
		}

		It("should submit one batch per user and node pair above the minimum", func() {
			Expect(st.Nodes.Add(test.Node(test.NodeOptions{ID: "node-a"}))).To(Succeed())
			vm := test.VM(test.VMOptions{NodeID: "node-a", Status: core.VMRunning})
			Expect(st.VMs.Add(vm)).To(Succeed())
			addRecord("rec-1", vm, 0.6)
			addRecord("rec-2", vm, 0.7)

			biller.SettleCycle(ctx)

			settles := appender.byType(core.ObligationBillingSettle)
			Expect(settles).To(HaveLen(1))
			Expect(settles[0].ResourceID).To(Equal(vm.OwnerID + "/node-a"))
			Expect(settles[0].Data["userWallet"]).To(Equal(vm.OwnerWallet))
			ids := strings.Split(settles[0].Data["recordIds"], ",")
			Expect(ids).To(ConsistOf("rec-1", "rec-2"))
		})

		It("should leave batches below the minimum alone", func() {
			Expect(st.Nodes.Add(test.Node(test.NodeOptions{ID: "node-a"}))).To(Succeed())
			vm := test.VM(test.VMOptions{NodeID: "node-a", Status: core.VMRunning})
			Expect(st.VMs.Add(vm)).To(Succeed())
			addRecord("rec-1", vm, 0.4)

			biller.SettleCycle(ctx)
			Expect(appender.byType(core.ObligationBillingSettle)).To(BeEmpty())
		})

		It("should keep user and node pairs in separate batches", func() {
			Expect(st.Nodes.Add(test.Node(test.NodeOptions{ID: "node-a"}))).To(Succeed())
			Expect(st.Nodes.Add(test.Node(test.NodeOptions{ID: "node-b"}))).To(Succeed())
			onA := test.VM(test.VMOptions{NodeID: "node-a", Status: core.VMRunning})
			onB := test.VM(test.VMOptions{NodeID: "node-b", Status: core.VMRunning})
			Expect(st.VMs.Add(onA)).To(Succeed())
			Expect(st.VMs.Add(onB)).To(Succeed())
			addRecord("rec-1", onA, 2.0)
			addRecord("rec-2", onB, 2.0)

			biller.SettleCycle(ctx)
			Expect(appender.byType(core.ObligationBillingSettle)).To(HaveLen(2))
		})
	})

	Describe("usage buffer", func() {
		It("should flush queued records to the store in order", func() {
			buffer := newUsageBuffer(st.Usage, fc, time.Minute, 100)
			buffer.enqueue(&core.UsageRecord{ID: "rec-1", UserID: "user-1"})
			buffer.enqueue(&core.UsageRecord{ID: "rec-2", UserID: "user-1"})

			Expect(buffer.flush(ctx)).To(Succeed())
			Expect(buffer.depth()).To(BeZero())
			Expect(st.Usage.Unsettled()).To(HaveLen(2))
		})

		It("should re-enqueue the unwritten tail when a flush fails", func() {
			buffer := newUsageBuffer(st.Usage, fc, time.Minute, 100)
			Expect(st.Usage.Add(&core.UsageRecord{ID: "rec-dup", UserID: "user-1"})).To(Succeed())

			buffer.enqueue(&core.UsageRecord{ID: "rec-ok", UserID: "user-1"})
			buffer.enqueue(&core.UsageRecord{ID: "rec-dup", UserID: "user-1"})
			buffer.enqueue(&core.UsageRecord{ID: "rec-tail", UserID: "user-1"})

			Expect(buffer.flush(ctx)).NotTo(Succeed())
			// rec-ok landed; the duplicate and everything behind it went back.
			Expect(buffer.depth()).To(Equal(2))
			_, err := st.Usage.Get("rec-ok")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("attestation gate", func() {
		It("should cache verdicts for the ttl", func() {
			gate := newAttestationGate(attestation, time.Minute)
			Expect(gate.verified(ctx, "vm-1")).To(BeTrue())
			Expect(gate.verified(ctx, "vm-1")).To(BeTrue())
			Expect(attestation.calls).To(Equal(1))
		})

		It("should not cache lookup failures", func() {
			attestation.err = fmt.Errorf("verifier unreachable")
			gate := newAttestationGate(attestation, time.Minute)
			Expect(gate.verified(ctx, "vm-1")).To(BeFalse())
			Expect(gate.verified(ctx, "vm-1")).To(BeFalse())
			Expect(attestation.calls).To(Equal(2))
		})
	})
})
