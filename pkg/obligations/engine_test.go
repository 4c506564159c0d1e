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

package obligations_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/lifecycle"
	"github.com/gridmesh/controlplane/pkg/obligations"
	"github.com/gridmesh/controlplane/pkg/scheduling"
	"github.com/gridmesh/controlplane/pkg/signals"
	"github.com/gridmesh/controlplane/pkg/state"
	"github.com/gridmesh/controlplane/pkg/test"
)

// stubHandler scripts an obligation type for engine tests.
type stubHandler struct {
	typ    string
	policy obligations.Policy
	calls  atomic.Int64

	mu     sync.Mutex
	order  *[]string
	handle func(ctx context.Context, ob *core.Obligation) obligations.Result
}

func (s *stubHandler) Type() string               { return s.typ }
func (s *stubHandler) Policy() obligations.Policy { return s.policy }

func (s *stubHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	s.calls.Add(1)
	if s.order != nil {
		s.mu.Lock()
		*s.order = append(*s.order, ob.ID)
		s.mu.Unlock()
	}
	if s.handle != nil {
		return s.handle(ctx, ob)
	}
	return obligations.Completed("done")
}

var _ = Describe("Engine", func() {
	var (
		ctx    context.Context
		fc     *clocktesting.FakeClock
		st     *state.State
		bus    *signals.Bus
		engine *obligations.Engine
		config obligations.Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		fc = clocktesting.NewFakeClock(time.Now())
		st = state.New("", fc)
		bus = signals.NewBus()
		config = obligations.DefaultConfig()
		config.TickJitter = 0
		engine = obligations.NewEngine(config, st, bus, fc)
	})

	// settle ticks the engine until the obligation reaches the wanted status.
	settle := func(id string, want core.ObligationStatus) {
		EventuallyWithOffset(1, func() core.ObligationStatus {
			engine.Tick(ctx)
			ob, err := st.Obligations.Get(id)
			if err != nil {
				return ""
			}
			return ob.Status
		}, "3s").Should(Equal(want))
	}

	Describe("Append", func() {
		It("should enforce at-most-one active obligation per type and resource", func() {
			engine.Register(&stubHandler{typ: "t.single"})
			first := test.Obligation("t.single", "vm-1")
			Expect(engine.Append(ctx, first)).To(Succeed())
			Expect(errors.IsConflict(engine.Append(ctx, test.Obligation("t.single", "vm-1")))).To(BeTrue())
			// A different resource is fine.
			Expect(engine.Append(ctx, test.Obligation("t.single", "vm-2"))).To(Succeed())
		})

		It("should allow concurrent obligations for multi-instance types", func() {
			engine.Register(&stubHandler{typ: "t.multi", policy: obligations.Policy{MultiInstance: true}})
			Expect(engine.Append(ctx, test.Obligation("t.multi", "vm-1"))).To(Succeed())
			Expect(engine.Append(ctx, test.Obligation("t.multi", "vm-1"))).To(Succeed())
		})

		It("should admit a new obligation once the previous one is terminal", func() {
			handler := &stubHandler{typ: "t.again"}
			engine.Register(handler)
			first := test.Obligation("t.again", "vm-1")
			Expect(engine.Append(ctx, first)).To(Succeed())
			settle(first.ID, core.ObligationCompleted)
			Expect(engine.Append(ctx, test.Obligation("t.again", "vm-1"))).To(Succeed())
		})
	})

	Describe("dispatch", func() {
		It("should complete a successful obligation", func() {
			handler := &stubHandler{typ: "t.ok"}
			engine.Register(handler)
			ob := test.Obligation("t.ok", "vm-1")
			Expect(engine.Append(ctx, ob)).To(Succeed())
			settle(ob.ID, core.ObligationCompleted)
			Expect(handler.calls.Load()).To(Equal(int64(1)))
			got, _ := st.Obligations.Get(ob.ID)
			Expect(got.CompletedAt).NotTo(BeNil())
		})

		It("should fail an obligation with no registered handler", func() {
			ob := test.Obligation("t.unknown", "vm-1")
			Expect(engine.Append(ctx, ob)).To(Succeed())
			settle(ob.ID, core.ObligationFailed)
		})

		It("should dispatch higher priority first", func() {
			var order []string
			handler := &stubHandler{typ: "t.prio", policy: obligations.Policy{MultiInstance: true}, order: &order}
			config.MaxConcurrent = 1
			engine = obligations.NewEngine(config, st, bus, fc)
			engine.Register(handler)

			low := test.Obligation("t.prio", "vm-low").WithPriority(10)
			high := test.Obligation("t.prio", "vm-high").WithPriority(90)
			Expect(engine.Append(ctx, low)).To(Succeed())
			Expect(engine.Append(ctx, high)).To(Succeed())

			settle(low.ID, core.ObligationCompleted)
			settle(high.ID, core.ObligationCompleted)
			Expect(order[0]).To(Equal(high.ID))
		})

		It("should append children with their parent recorded", func() {
			child := test.Obligation("t.child", "vm-1")
			parentHandler := &stubHandler{typ: "t.parent", handle: func(context.Context, *core.Obligation) obligations.Result {
				return obligations.CompletedWithChildren([]*core.Obligation{child}, "spawned")
			}}
			engine.Register(parentHandler, &stubHandler{typ: "t.child"})

			parent := test.Obligation("t.parent", "vm-1")
			Expect(engine.Append(ctx, parent)).To(Succeed())
			settle(parent.ID, core.ObligationCompleted)
			settle(child.ID, core.ObligationCompleted)

			gotParent, _ := st.Obligations.Get(parent.ID)
			Expect(gotParent.ChildrenIDs).To(ContainElement(child.ID))
			gotChild, _ := st.Obligations.Get(child.ID)
			Expect(gotChild.ParentID).To(Equal(parent.ID))
		})
	})

	Describe("dependencies", func() {
		It("should hold an obligation until its dependency completes", func() {
			gate := make(chan struct{})
			blocker := &stubHandler{typ: "t.block", handle: func(context.Context, *core.Obligation) obligations.Result {
				<-gate
				return obligations.Completed("released")
			}}
			follower := &stubHandler{typ: "t.follow"}
			engine.Register(blocker, follower)

			dep := test.Obligation("t.block", "vm-1")
			Expect(engine.Append(ctx, dep)).To(Succeed())
			after := test.Obligation("t.follow", "vm-1").WithDependsOn(dep.ID)
			Expect(engine.Append(ctx, after)).To(Succeed())

			for i := 0; i < 5; i++ {
				engine.Tick(ctx)
			}
			Expect(follower.calls.Load()).To(BeZero())

			close(gate)
			settle(dep.ID, core.ObligationCompleted)
			settle(after.ID, core.ObligationCompleted)
		})

		It("should fail every participant of a dependency cycle", func() {
			engine.Register(&stubHandler{typ: "t.cycle", policy: obligations.Policy{MultiInstance: true}})
			a := test.Obligation("t.cycle", "vm-a")
			b := test.Obligation("t.cycle", "vm-b")
			a.DependsOn = []string{b.ID}
			b.DependsOn = []string{a.ID}
			Expect(engine.Append(ctx, a)).To(Succeed())
			Expect(engine.Append(ctx, b)).To(Succeed())

			settle(a.ID, core.ObligationFailed)
			settle(b.ID, core.ObligationFailed)
		})

		It("should cancel, not fail, dependents trapped behind a cycle", func() {
			engine.Register(
				&stubHandler{typ: "t.cycle", policy: obligations.Policy{MultiInstance: true}},
				&stubHandler{typ: "t.trapped"})
			a := test.Obligation("t.cycle", "vm-a")
			b := test.Obligation("t.cycle", "vm-b")
			a.DependsOn = []string{b.ID}
			b.DependsOn = []string{a.ID}
			trapped := test.Obligation("t.trapped", "vm-c").WithDependsOn(b.ID)
			Expect(engine.Append(ctx, a)).To(Succeed())
			Expect(engine.Append(ctx, b)).To(Succeed())
			Expect(engine.Append(ctx, trapped)).To(Succeed())

			settle(a.ID, core.ObligationFailed)
			settle(b.ID, core.ObligationFailed)
			settle(trapped.ID, core.ObligationCancelled)

			gotA, _ := st.Obligations.Get(a.ID)
			Expect(gotA.LastError).To(Equal("cycle"))
			gotTrapped, _ := st.Obligations.Get(trapped.ID)
			Expect(gotTrapped.LastError).To(ContainSubstring("cascaded from"))
		})

		It("should cascade-cancel dependents of a failed obligation", func() {
			failing := &stubHandler{typ: "t.doomed", handle: func(context.Context, *core.Obligation) obligations.Result {
				return obligations.Fail("scripted failure")
			}}
			engine.Register(failing, &stubHandler{typ: "t.next"}, &stubHandler{typ: "t.last"})

			doomed := test.Obligation("t.doomed", "vm-1")
			Expect(engine.Append(ctx, doomed)).To(Succeed())
			next := test.Obligation("t.next", "vm-1").WithDependsOn(doomed.ID)
			Expect(engine.Append(ctx, next)).To(Succeed())
			last := test.Obligation("t.last", "vm-1").WithDependsOn(next.ID)
			Expect(engine.Append(ctx, last)).To(Succeed())

			settle(doomed.ID, core.ObligationFailed)
			settle(next.ID, core.ObligationCancelled)
			settle(last.ID, core.ObligationCancelled)
		})

		It("should keep dependents when the failing type keeps orphans", func() {
			failing := &stubHandler{
				typ:    "t.solo",
				policy: obligations.Policy{KeepOrphans: true},
				handle: func(context.Context, *core.Obligation) obligations.Result {
					return obligations.Fail("scripted failure")
				},
			}
			engine.Register(failing, &stubHandler{typ: "t.orphan"})

			doomed := test.Obligation("t.solo", "vm-1")
			Expect(engine.Append(ctx, doomed)).To(Succeed())
			orphan := test.Obligation("t.orphan", "vm-1").WithDependsOn(doomed.ID)
			Expect(engine.Append(ctx, orphan)).To(Succeed())

			settle(doomed.ID, core.ObligationFailed)
			got, _ := st.Obligations.Get(orphan.ID)
			Expect(got.Status).To(Equal(core.ObligationPending))
		})
	})

	Describe("retries", func() {
		It("should back off between attempts", func() {
			handler := &stubHandler{typ: "t.flaky"}
			handler.handle = func(context.Context, *core.Obligation) obligations.Result {
				if handler.calls.Load() < 2 {
					return obligations.Retry("transient")
				}
				return obligations.Completed("recovered")
			}
			engine.Register(handler)

			ob := test.Obligation("t.flaky", "vm-1")
			Expect(engine.Append(ctx, ob)).To(Succeed())
			settle(ob.ID, core.ObligationReady)

			got, _ := st.Obligations.Get(ob.ID)
			Expect(got.FailureCount).To(Equal(1))
			Expect(got.NextAttemptAt).NotTo(BeNil())
			Expect(got.LastError).To(Equal("transient"))

			// Not due yet: further ticks must not re-dispatch.
			for i := 0; i < 5; i++ {
				engine.Tick(ctx)
			}
			Expect(handler.calls.Load()).To(Equal(int64(1)))

			fc.Step(31 * time.Second)
			settle(ob.ID, core.ObligationCompleted)
			Expect(handler.calls.Load()).To(Equal(int64(2)))
		})

		It("should fail after exhausting retries", func() {
			config.MaxRetries = 2
			engine = obligations.NewEngine(config, st, bus, fc)
			handler := &stubHandler{typ: "t.hopeless", handle: func(context.Context, *core.Obligation) obligations.Result {
				return obligations.Retry("still broken")
			}}
			engine.Register(handler)

			ob := test.Obligation("t.hopeless", "vm-1")
			Expect(engine.Append(ctx, ob)).To(Succeed())
			for i := 0; i < 10; i++ {
				settleAny(ctx, engine, st, ob.ID)
				fc.Step(6 * time.Minute)
			}
			got, _ := st.Obligations.Get(ob.ID)
			Expect(got.Status).To(Equal(core.ObligationFailed))
			Expect(got.LastError).To(ContainSubstring("max retries exceeded"))
			Expect(handler.calls.Load()).To(Equal(int64(3)))
		})

		It("should fail when the deadline passes before the retry", func() {
			handler := &stubHandler{typ: "t.deadline", handle: func(context.Context, *core.Obligation) obligations.Result {
				return obligations.Retry("not yet")
			}}
			engine.Register(handler)

			deadline := fc.Now().Add(time.Minute)
			ob := test.Obligation("t.deadline", "vm-1")
			ob.Deadline = &deadline
			Expect(engine.Append(ctx, ob)).To(Succeed())

			settle(ob.ID, core.ObligationReady)
			fc.Step(2 * time.Minute)
			settle(ob.ID, core.ObligationFailed)
			got, _ := st.Obligations.Get(ob.ID)
			Expect(got.LastError).To(ContainSubstring("deadline exceeded"))
		})

		It("should convert a handler panic into a retry", func() {
			handler := &stubHandler{typ: "t.panics"}
			handler.handle = func(context.Context, *core.Obligation) obligations.Result {
				if handler.calls.Load() == 1 {
					panic("boom")
				}
				return obligations.Completed("second try")
			}
			engine.Register(handler)

			ob := test.Obligation("t.panics", "vm-1")
			Expect(engine.Append(ctx, ob)).To(Succeed())
			settle(ob.ID, core.ObligationReady)
			got, _ := st.Obligations.Get(ob.ID)
			Expect(got.LastError).To(ContainSubstring("panic"))

			fc.Step(31 * time.Second)
			settle(ob.ID, core.ObligationCompleted)
		})
	})

	Describe("signals", func() {
		It("should suspend on WaitForSignal and wake with the payload", func() {
			handler := &stubHandler{typ: "t.waits"}
			handler.handle = func(_ context.Context, ob *core.Obligation) obligations.Result {
				if ob.Data[core.SignalResultKey] == "success" {
					return obligations.Completed("signal observed")
				}
				return obligations.WaitForSignal("door", time.Hour, "waiting for the door")
			}
			engine.Register(handler)

			ob := test.Obligation("t.waits", "vm-1")
			Expect(engine.Append(ctx, ob)).To(Succeed())
			settle(ob.ID, core.ObligationWaitingForSignal)

			bus.Fire("door", "success")
			settle(ob.ID, core.ObligationCompleted)
			Expect(handler.calls.Load()).To(Equal(int64(2)))
		})

		It("should mark a timed-out wait and re-run the handler", func() {
			handler := &stubHandler{typ: "t.expires"}
			handler.handle = func(_ context.Context, ob *core.Obligation) obligations.Result {
				if ob.Data[core.SignalTimeoutKey] == "true" {
					return obligations.Completed("gave up waiting")
				}
				return obligations.WaitForSignal("never", 10*time.Second, "waiting")
			}
			engine.Register(handler)

			ob := test.Obligation("t.expires", "vm-1")
			Expect(engine.Append(ctx, ob)).To(Succeed())
			settle(ob.ID, core.ObligationWaitingForSignal)

			fc.Step(11 * time.Second)
			settle(ob.ID, core.ObligationCompleted)
		})

		It("should skip suspension when the signal already latched", func() {
			handler := &stubHandler{typ: "t.latched"}
			handler.handle = func(_ context.Context, ob *core.Obligation) obligations.Result {
				if handler.calls.Load() > 1 {
					return obligations.Completed("observed")
				}
				return obligations.WaitForSignal("early", time.Hour, "waiting")
			}
			engine.Register(handler)
			bus.Fire("early", "success")

			ob := test.Obligation("t.latched", "vm-1")
			Expect(engine.Append(ctx, ob)).To(Succeed())
			settle(ob.ID, core.ObligationCompleted)
		})
	})

	Describe("failure surfacing", func() {
		var manager *lifecycle.Manager

		BeforeEach(func() {
			scheduler := scheduling.NewScheduler(st.Nodes, scheduling.DefaultCatalog(), scheduling.DefaultConfig())
			manager = lifecycle.NewManager(st, scheduler, engine, bus, fc)
		})

		It("should move the vm to Error when its obligation exhausts retries", func() {
			config.MaxRetries = 2
			engine = obligations.NewEngine(config, st, bus, fc)
			engine.SetFailureObserver(manager)
			engine.Register(&stubHandler{typ: core.ObligationVMSchedule, handle: func(context.Context, *core.Obligation) obligations.Result {
				return obligations.Retry("no suitable node available")
			}})

			vm := test.VM(test.VMOptions{Status: core.VMScheduling})
			Expect(st.VMs.Add(vm)).To(Succeed())
			ob := test.Obligation(core.ObligationVMSchedule, vm.ID)
			Expect(engine.Append(ctx, ob)).To(Succeed())

			for i := 0; i < 10; i++ {
				settleAny(ctx, engine, st, ob.ID)
				fc.Step(6 * time.Minute)
			}
			got, _ := st.Obligations.Get(ob.ID)
			Expect(got.Status).To(Equal(core.ObligationFailed))
			failed, _ := st.VMs.Get(vm.ID)
			Expect(failed.Status).To(Equal(core.VMError))
			Expect(failed.StatusMessage).To(ContainSubstring("no suitable node available"))
		})

		It("should release the reservation of a vm failed mid-provisioning", func() {
			engine.SetFailureObserver(manager)
			engine.Register(&stubHandler{typ: core.ObligationVMProvision, handle: func(context.Context, *core.Obligation) obligations.Result {
				return obligations.Fail("hypervisor rejected image")
			}})

			Expect(st.Nodes.Add(test.Node(test.NodeOptions{ID: "node-a", TotalPoints: 100}))).To(Succeed())
			vm := test.VM(test.VMOptions{NodeID: "node-a", Status: core.VMProvisioning})
			Expect(st.VMs.Add(vm)).To(Succeed())
			scheduler := scheduling.NewScheduler(st.Nodes, scheduling.DefaultCatalog(), scheduling.DefaultConfig())
			Expect(scheduler.Reserve(ctx, "node-a", vm.Spec.Resources())).To(Succeed())

			ob := test.Obligation(core.ObligationVMProvision, vm.ID)
			Expect(engine.Append(ctx, ob)).To(Succeed())
			settle(ob.ID, core.ObligationFailed)

			failed, _ := st.VMs.Get(vm.ID)
			Expect(failed.Status).To(Equal(core.VMError))
			Expect(failed.StatusMessage).To(Equal("hypervisor rejected image"))
			node, _ := st.Nodes.Get("node-a")
			Expect(node.ReservedResources.ComputePoints).To(BeZero())
		})

		It("should leave a stable vm alone when an auxiliary obligation fails", func() {
			engine.SetFailureObserver(manager)
			engine.Register(&stubHandler{typ: core.ObligationCustomDomainVerify, handle: func(context.Context, *core.Obligation) obligations.Result {
				return obligations.Fail("cname never propagated")
			}})

			vm := test.VM(test.VMOptions{NodeID: "node-a", Status: core.VMRunning})
			Expect(st.VMs.Add(vm)).To(Succeed())
			ob := test.Obligation(core.ObligationCustomDomainVerify, vm.ID)
			Expect(engine.Append(ctx, ob)).To(Succeed())
			settle(ob.ID, core.ObligationFailed)

			got, _ := st.VMs.Get(vm.ID)
			Expect(got.Status).To(Equal(core.VMRunning))
		})
	})

	Describe("pruning", func() {
		It("should prune completed obligations past the grace period", func() {
			engine.Register(&stubHandler{typ: "t.done"})
			ob := test.Obligation("t.done", "vm-1")
			Expect(engine.Append(ctx, ob)).To(Succeed())
			settle(ob.ID, core.ObligationCompleted)

			fc.Step(config.CompletedGrace + time.Minute)
			engine.Tick(ctx)
			_, err := st.Obligations.Get(ob.ID)
			Expect(errors.IsNotFound(err)).To(BeTrue())
		})

		It("should retain failed obligations", func() {
			ob := test.Obligation("t.nohandler", "vm-1")
			Expect(engine.Append(ctx, ob)).To(Succeed())
			settle(ob.ID, core.ObligationFailed)

			fc.Step(config.CompletedGrace + time.Minute)
			engine.Tick(ctx)
			_, err := st.Obligations.Get(ob.ID)
			Expect(err).NotTo(HaveOccurred())
		})
	})
})

// settleAny ticks until the obligation is not Running, without asserting a
// particular status; retry tests step the clock between rounds.
func settleAny(ctx context.Context, engine *obligations.Engine, st *state.State, id string) {
	EventuallyWithOffset(1, func() bool {
		engine.Tick(ctx)
		ob, err := st.Obligations.Get(id)
		if err != nil {
			return true
		}
		return ob.Status != core.ObligationRunning && ob.Status != core.ObligationPending
	}, "3s").Should(BeTrue())
}
