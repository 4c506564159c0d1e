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

package commands_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/commands"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/signals"
	"github.com/gridmesh/controlplane/pkg/test"
)

// recordingApplier captures applied acks so tests can assert on routing.
type recordingApplier struct {
	mu      sync.Mutex
	applied []commands.PendingAck
}

func (r *recordingApplier) ApplyAck(_ context.Context, pending commands.PendingAck, _ *core.CommandAck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, pending)
	return nil
}

func (r *recordingApplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func newCommand() *core.NodeCommand {
	return core.NewNodeCommand(core.CommandStartVM, "vm-1", json.RawMessage(`{"vmId":"vm-1"}`))
}

var _ = Describe("Channel", func() {
	var (
		ctx     context.Context
		bus     *signals.Bus
		applier *recordingApplier
		channel *commands.Channel
	)

	newChannel := func(config commands.Config, clk clock.WithTicker) *commands.Channel {
		bus = signals.NewBus()
		applier = &recordingApplier{}
		return commands.NewChannel(config, clk, bus, applier)
	}

	BeforeEach(func() {
		ctx = context.Background()
		channel = newChannel(commands.DefaultConfig(), clock.RealClock{})
	})

	It("should deliver commands in enqueue order", func() {
		first, second := newCommand(), newCommand()
		Expect(channel.Enqueue(ctx, "node-1", first)).To(Succeed())
		Expect(channel.Enqueue(ctx, "node-1", second)).To(Succeed())

		batch, err := channel.Dequeue(ctx, "node-1", 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(HaveLen(2))
		Expect(batch[0].CommandID).To(Equal(first.CommandID))
		Expect(batch[1].CommandID).To(Equal(second.CommandID))
		Expect(batch[0].DeliveredAt).NotTo(BeNil())
	})

	It("should return Conflict when the queue is full", func() {
		config := commands.DefaultConfig()
		config.MaxQueueDepth = 1
		channel = newChannel(config, clock.RealClock{})
		Expect(channel.Enqueue(ctx, "node-1", newCommand())).To(Succeed())
		Expect(errors.IsConflict(channel.Enqueue(ctx, "node-1", newCommand()))).To(BeTrue())
	})

	It("should cap a dequeue at the batch size", func() {
		config := commands.DefaultConfig()
		config.DequeueBatch = 2
		channel = newChannel(config, clock.RealClock{})
		for i := 0; i < 3; i++ {
			Expect(channel.Enqueue(ctx, "node-1", newCommand())).To(Succeed())
		}
		batch, err := channel.Dequeue(ctx, "node-1", 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(HaveLen(2))
		Expect(channel.Depth("node-1")).To(Equal(1))
	})

	It("should wake a long-poll when a command arrives", func() {
		got := make(chan []*core.NodeCommand, 1)
		go func() {
			defer GinkgoRecover()
			batch, err := channel.Dequeue(ctx, "node-1", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			got <- batch
		}()
		Expect(channel.Enqueue(ctx, "node-1", newCommand())).To(Succeed())
		Eventually(got).Should(Receive(HaveLen(1)))
	})

	It("should keep node queues independent", func() {
		Expect(channel.Enqueue(ctx, "node-1", newCommand())).To(Succeed())
		batch, err := channel.Dequeue(ctx, "node-2", 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(BeEmpty())
	})

	Describe("acknowledgment", func() {
		It("should apply the ack, fire the signal, and drop the pending entry", func() {
			cmd := newCommand()
			Expect(channel.Enqueue(ctx, "node-1", cmd)).To(Succeed())
			Expect(channel.Registry().Has(cmd.CommandID)).To(BeTrue())

			Expect(channel.Ack(ctx, "node-1", &core.CommandAck{CommandID: cmd.CommandID, Success: true})).To(Succeed())
			Expect(applier.count()).To(Equal(1))
			Expect(channel.Registry().Has(cmd.CommandID)).To(BeFalse())
			payload, ok := bus.Peek(signals.CommandAckKey(cmd.CommandID))
			Expect(ok).To(BeTrue())
			Expect(payload.(*core.CommandAck).Success).To(BeTrue())
		})

		It("should silently drop a re-ack inside the dedup window", func() {
			cmd := newCommand()
			Expect(channel.Enqueue(ctx, "node-1", cmd)).To(Succeed())
			Expect(channel.Ack(ctx, "node-1", &core.CommandAck{CommandID: cmd.CommandID, Success: true})).To(Succeed())
			Expect(channel.Ack(ctx, "node-1", &core.CommandAck{CommandID: cmd.CommandID, Success: true})).To(Succeed())
			Expect(applier.count()).To(Equal(1))
		})

		It("should return NotFound for an unknown command id", func() {
			err := channel.Ack(ctx, "node-1", &core.CommandAck{CommandID: "ghost"})
			Expect(errors.IsNotFound(err)).To(BeTrue())
		})

		It("should refuse an ack from the wrong node", func() {
			cmd := newCommand()
			Expect(channel.Enqueue(ctx, "node-1", cmd)).To(Succeed())
			err := channel.Ack(ctx, "node-2", &core.CommandAck{CommandID: cmd.CommandID})
			Expect(errors.KindOf(err)).To(Equal(errors.KindForbidden))
			Expect(channel.Registry().Has(cmd.CommandID)).To(BeTrue())
		})
	})

	Describe("expiry", func() {
		It("should fire a synthetic expired ack for overdue commands", func() {
			fc := clocktesting.NewFakeClock(time.Now())
			channel = newChannel(commands.DefaultConfig(), fc)
			cmd := newCommand()
			Expect(channel.Enqueue(ctx, "node-1", cmd)).To(Succeed())

			Expect(channel.Registry().Sweep(ctx)).To(BeZero())
			fc.Step(commands.DefaultConfig().DefaultExpiry + time.Second)
			Expect(channel.Registry().Sweep(ctx)).To(Equal(1))

			payload, ok := bus.Peek(signals.CommandAckKey(cmd.CommandID))
			Expect(ok).To(BeTrue())
			ack := payload.(*core.CommandAck)
			Expect(ack.Expired).To(BeTrue())
			Expect(ack.Success).To(BeFalse())
			Expect(channel.Registry().Has(cmd.CommandID)).To(BeFalse())
		})

		It("should expire a command at most once across sweeps", func() {
			fc := clocktesting.NewFakeClock(time.Now())
			channel = newChannel(commands.DefaultConfig(), fc)
			cmd := newCommand()
			Expect(channel.Enqueue(ctx, "node-1", cmd)).To(Succeed())
			fc.Step(commands.DefaultConfig().DefaultExpiry + time.Second)

			Expect(channel.Registry().Sweep(ctx)).To(Equal(1))
			Expect(channel.Registry().Sweep(ctx)).To(BeZero())
		})

		It("should sweep overdue commands from the background loop", func() {
			fc := clocktesting.NewFakeClock(time.Now())
			channel = newChannel(commands.DefaultConfig(), fc)
			cmd := newCommand()
			Expect(channel.Enqueue(ctx, "node-1", cmd)).To(Succeed())
			fc.Step(commands.DefaultConfig().DefaultExpiry + time.Second)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				channel.Registry().Run(runCtx, 10*time.Second)
			}()

			Eventually(func() bool {
				fc.Step(10 * time.Second)
				return channel.Registry().Has(cmd.CommandID)
			}).Should(BeFalse())
			cancel()
			Eventually(done).Should(BeClosed())
		})

		It("should treat an ack after expiry as a re-ack, not an error", func() {
			fc := clocktesting.NewFakeClock(time.Now())
			channel = newChannel(commands.DefaultConfig(), fc)
			cmd := newCommand()
			Expect(channel.Enqueue(ctx, "node-1", cmd)).To(Succeed())
			fc.Step(commands.DefaultConfig().DefaultExpiry + time.Second)
			channel.Registry().Sweep(ctx)

			Expect(channel.Ack(ctx, "node-1", &core.CommandAck{CommandID: cmd.CommandID, Success: true})).To(Succeed())
			Expect(applier.count()).To(BeZero())
		})
	})

	Describe("registry rebuild", func() {
		It("should re-register in-flight commands from persisted vm state", func() {
			issued := time.Now()
			vm := test.VM(test.VMOptions{ID: "vm-rb", NodeID: "node-1"})
			vm.ActiveCommandID = "cmd-persisted"
			vm.ActiveCommandType = string(core.CommandCreateVM)
			vm.ActiveCommandIssuedAt = &issued

			channel.Registry().Rebuild(ctx, []*core.VirtualMachine{vm, test.VM()})
			Expect(channel.Registry().Has("cmd-persisted")).To(BeTrue())
			pending, ok := channel.Registry().Pending("cmd-persisted")
			Expect(ok).To(BeTrue())
			Expect(pending.NodeID).To(Equal("node-1"))
			Expect(pending.VMID).To(Equal("vm-rb"))
		})
	})

	Describe("push tracking", func() {
		It("should register the pending ack for a pushed command", func() {
			cmd := newCommand()
			channel.Track(ctx, "node-1", cmd)
			Expect(channel.Registry().Has(cmd.CommandID)).To(BeTrue())
			// Pushed commands never enter the queue.
			Expect(channel.Depth("node-1")).To(BeZero())
		})
	})
})
