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

package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/commands"
	"github.com/gridmesh/controlplane/pkg/lifecycle"
	"github.com/gridmesh/controlplane/pkg/scheduling"
	"github.com/gridmesh/controlplane/pkg/signals"
	"github.com/gridmesh/controlplane/pkg/state"
	"github.com/gridmesh/controlplane/pkg/test"
)

type capturedAppender struct {
	mu  sync.Mutex
	obs []*core.Obligation
}

func (c *capturedAppender) Append(_ context.Context, ob *core.Obligation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs = append(c.obs, ob)
	return nil
}

var _ = Describe("DevAuth", func() {
	It("should parse user and wallet", func() {
		p, err := DevAuth("user-1:0xabc")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.UserID).To(Equal("user-1"))
		Expect(p.Wallet).To(Equal("0xabc"))
		Expect(p.Roles).To(BeEmpty())
	})

	It("should parse trailing roles", func() {
		p, err := DevAuth("ops:0xops:admin,billing")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Roles).To(Equal([]string{"admin", "billing"}))
		Expect(p.IsAdmin()).To(BeTrue())
	})

	It("should reject tokens without a wallet", func() {
		_, err := DevAuth("user-1")
		Expect(err).To(HaveOccurred())
	})

	It("should reject an empty user id", func() {
		_, err := DevAuth(":0xabc")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Server", func() {
	var (
		fc       *clocktesting.FakeClock
		st       *state.State
		bus      *signals.Bus
		channel  *commands.Channel
		manager  *lifecycle.Manager
		appender *capturedAppender
		router   chi.Router
	)

	BeforeEach(func() {
		fc = clocktesting.NewFakeClock(time.Now())
		st = state.New("", fc)
		bus = signals.NewBus()
		appender = &capturedAppender{}
		scheduler := scheduling.NewScheduler(st.Nodes, scheduling.DefaultCatalog(), scheduling.DefaultConfig())
		manager = lifecycle.NewManager(st, scheduler, appender, bus, fc)
		nodes := lifecycle.NewNodeManager(st, scheduler, bus, manager)
		channel = commands.NewChannel(commands.DefaultConfig(), fc, bus, manager)
		server := NewServer(st, manager, nodes, channel, DevAuth, fc)
		router = server.Router()
	})

	do := func(req *http.Request) (*httptest.ResponseRecorder, Envelope) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		var env Envelope
		_ = json.Unmarshal(rec.Body.Bytes(), &env)
		return rec, env
	}

	userReq := func(method, path, token string, body any) *http.Request {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req
	}

	It("should answer health checks without auth", func() {
		rec, env := do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(env.OK).To(BeTrue())
	})

	Describe("bearer auth", func() {
		It("should refuse requests without a token", func() {
			rec, env := do(userReq(http.MethodGet, "/api/vms", "", nil))
			Expect(rec.Code).To(Equal(http.StatusForbidden))
			Expect(env.OK).To(BeFalse())
			Expect(env.Error.Code).To(Equal("forbidden"))
		})

		It("should refuse malformed tokens", func() {
			rec, _ := do(userReq(http.MethodGet, "/api/vms", "just-a-user", nil))
			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})
	})

	Describe("vm endpoints", func() {
		It("should create a vm and admit its scheduling work", func() {
			rec, env := do(userReq(http.MethodPost, "/api/vms", "user-1:0xuser-1", lifecycle.CreateVMRequest{
				Name:        "web-1",
				Cores:       2,
				MemoryBytes: 4 << 30,
				DiskBytes:   20 << 30,
				QualityTier: core.TierStandard,
			}))
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(env.OK).To(BeTrue())

			vms := st.VMs.ByUser("user-1")
			Expect(vms).To(HaveLen(1))
			Expect(vms[0].Status).To(Equal(core.VMPending))
			appender.mu.Lock()
			defer appender.mu.Unlock()
			Expect(appender.obs).To(HaveLen(1))
			Expect(appender.obs[0].Type).To(Equal(core.ObligationVMSchedule))
		})

		It("should reject an undecodable create body", func() {
			req := userReq(http.MethodPost, "/api/vms", "user-1:0xuser-1", nil)
			req.Body = http.NoBody
			rec, env := do(req)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(env.Error.Code).To(Equal("invalid_request"))
		})

		It("should list only the caller's vms", func() {
			Expect(st.VMs.Add(test.VM(test.VMOptions{OwnerID: "user-1"}))).To(Succeed())
			Expect(st.VMs.Add(test.VM(test.VMOptions{OwnerID: "user-2"}))).To(Succeed())

			rec, env := do(userReq(http.MethodGet, "/api/vms", "user-1:0xuser-1", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))
			var vms []core.VirtualMachine
			raw, _ := json.Marshal(env.Data)
			Expect(json.Unmarshal(raw, &vms)).To(Succeed())
			Expect(vms).To(HaveLen(1))
			Expect(vms[0].OwnerID).To(Equal("user-1"))
		})

		It("should hide underscore labels from non-owner reads", func() {
			vm := test.VM(test.VMOptions{OwnerID: "user-1", Labels: map[string]string{
				core.StoppedReasonLabel: "insufficient-funds",
				"app":                   "web",
			}})
			Expect(st.VMs.Add(vm)).To(Succeed())

			_, env := do(userReq(http.MethodGet, "/api/vms/"+vm.ID, "ops:0xops:admin", nil))
			var got core.VirtualMachine
			raw, _ := json.Marshal(env.Data)
			Expect(json.Unmarshal(raw, &got)).To(Succeed())
			Expect(got.Labels).To(HaveKey("app"))
			Expect(got.Labels).NotTo(HaveKey(core.StoppedReasonLabel))

			_, env = do(userReq(http.MethodGet, "/api/vms/"+vm.ID, "user-1:0xuser-1", nil))
			raw, _ = json.Marshal(env.Data)
			Expect(json.Unmarshal(raw, &got)).To(Succeed())
			Expect(got.Labels).To(HaveKey(core.StoppedReasonLabel))
		})

		It("should forbid reads by other users", func() {
			vm := test.VM(test.VMOptions{OwnerID: "user-1"})
			Expect(st.VMs.Add(vm)).To(Succeed())
			rec, _ := do(userReq(http.MethodGet, "/api/vms/"+vm.ID, "user-2:0xuser-2", nil))
			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})

		It("should map missing vms to 404", func() {
			rec, env := do(userReq(http.MethodGet, "/api/vms/nope", "user-1:0xuser-1", nil))
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(env.Error.Code).To(Equal("not_found"))
		})

		It("should accept a valid action and surface gating conflicts", func() {
			vm := test.VM(test.VMOptions{OwnerID: "user-1", Status: core.VMStopped})
			Expect(st.VMs.Add(vm)).To(Succeed())

			rec, _ := do(userReq(http.MethodPost, "/api/vms/"+vm.ID+"/action", "user-1:0xuser-1",
				map[string]string{"action": "start"}))
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			rec, env := do(userReq(http.MethodPost, "/api/vms/"+vm.ID+"/action", "user-1:0xuser-1",
				map[string]string{"action": "stop"}))
			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(env.Error.Code).To(Equal("conflict"))
		})

		It("should mark a vm deleting on delete", func() {
			vm := test.VM(test.VMOptions{OwnerID: "user-1", Status: core.VMRunning})
			Expect(st.VMs.Add(vm)).To(Succeed())
			rec, _ := do(userReq(http.MethodDelete, "/api/vms/"+vm.ID, "user-1:0xuser-1", nil))
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			got, _ := st.VMs.Get(vm.ID)
			Expect(got.Status).To(Equal(core.VMDeleting))
		})
	})

	Describe("node endpoints", func() {
		var node *core.Node

		signedReq := func(method, path string, body []byte, mutate ...func(*http.Request)) *http.Request {
			req := httptest.NewRequest(method, path, bytes.NewReader(body))
			ts := strconv.FormatInt(fc.Now().Unix(), 10)
			req.Header.Set(headerTimestamp, ts)
			req.Header.Set(headerSignature, signRequest(node.HMACKey, ts, method, req.URL.Path, body))
			for _, m := range mutate {
				m(req)
			}
			return req
		}

		BeforeEach(func() {
			node = test.Node()
			Expect(st.Nodes.Add(node)).To(Succeed())
		})

		It("should register a node without a signature", func() {
			rec, env := do(userReq(http.MethodPost, "/api/nodes/register", "", lifecycle.RegisterNodeRequest{
				WalletAddress: "0xnode",
				PublicIP:      "203.0.113.20",
				AgentPort:     7070,
				Region:        "eu-west",
				Hardware: core.HardwareInventory{
					Cores:       4,
					MemoryBytes: 16 << 30,
					Disks:       []core.DiskInventory{{Path: "/dev/sda", Bytes: 500 << 30}},
					NATType:     core.NATNone,
				},
				Benchmark:     1000,
				PricePerPoint: 0.01,
			}))
			Expect(rec.Code).To(Equal(http.StatusCreated))
			var got core.Node
			raw, _ := json.Marshal(env.Data)
			Expect(json.Unmarshal(raw, &got)).To(Succeed())
			Expect(got.HMACKey).To(HaveLen(64))
		})

		It("should strip the hmac key from node reads", func() {
			_, env := do(userReq(http.MethodGet, "/api/nodes/"+node.ID, "user-1:0xuser-1", nil))
			var got core.Node
			raw, _ := json.Marshal(env.Data)
			Expect(json.Unmarshal(raw, &got)).To(Succeed())
			Expect(got.HMACKey).To(BeEmpty())
		})

		It("should accept a correctly signed heartbeat and piggyback commands", func() {
			cmd := core.NewNodeCommand(core.CommandStopVM, "vm-x", nil)
			Expect(channel.Enqueue(context.Background(), node.ID, cmd)).To(Succeed())

			body, _ := json.Marshal(lifecycle.Heartbeat{DhtAdvertiseIP: node.PublicIP})
			rec, env := do(signedReq(http.MethodPost, "/api/nodes/"+node.ID+"/heartbeat", body))
			Expect(rec.Code).To(Equal(http.StatusOK))

			var payload struct {
				Commands []core.NodeCommand `json:"commands"`
			}
			raw, _ := json.Marshal(env.Data)
			Expect(json.Unmarshal(raw, &payload)).To(Succeed())
			Expect(payload.Commands).To(HaveLen(1))
			Expect(payload.Commands[0].CommandID).To(Equal(cmd.CommandID))

			got, _ := st.Nodes.Get(node.ID)
			Expect(got.LastHeartbeatAt).To(Equal(fc.Now()))
		})

		It("should reject a tampered signature", func() {
			body, _ := json.Marshal(lifecycle.Heartbeat{})
			req := signedReq(http.MethodPost, "/api/nodes/"+node.ID+"/heartbeat", body, func(r *http.Request) {
				r.Header.Set(headerSignature, "deadbeef")
			})
			rec, env := do(req)
			Expect(rec.Code).To(Equal(http.StatusForbidden))
			Expect(env.Error.Message).To(ContainSubstring("invalid signature"))
		})

		It("should reject a signature computed over a different body", func() {
			body, _ := json.Marshal(lifecycle.Heartbeat{})
			req := signedReq(http.MethodPost, "/api/nodes/"+node.ID+"/heartbeat", body)
			req.Body = io.NopCloser(bytes.NewReader([]byte(`{"bootstrapPeerCount":0}`)))
			rec, _ := do(req)
			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})

		It("should reject timestamps outside the replay window", func() {
			body, _ := json.Marshal(lifecycle.Heartbeat{})
			stale := strconv.FormatInt(fc.Now().Add(-61*time.Second).Unix(), 10)
			req := httptest.NewRequest(http.MethodPost, "/api/nodes/"+node.ID+"/heartbeat", bytes.NewReader(body))
			req.Header.Set(headerTimestamp, stale)
			req.Header.Set(headerSignature, signRequest(node.HMACKey, stale, http.MethodPost, req.URL.Path, body))
			rec, env := do(req)
			Expect(rec.Code).To(Equal(http.StatusForbidden))
			Expect(env.Error.Message).To(ContainSubstring("replay window"))
		})

		It("should reject signed requests for unknown nodes", func() {
			rec, _ := do(httptest.NewRequest(http.MethodPost, "/api/nodes/ghost/heartbeat", bytes.NewReader(nil)))
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("should drain queued commands in order on dequeue", func() {
			first := core.NewNodeCommand(core.CommandCreateVM, "vm-1", nil)
			second := core.NewNodeCommand(core.CommandStopVM, "vm-2", nil)
			Expect(channel.Enqueue(context.Background(), node.ID, first)).To(Succeed())
			Expect(channel.Enqueue(context.Background(), node.ID, second)).To(Succeed())

			body, _ := json.Marshal(map[string]int{"waitMs": 50})
			rec, env := do(signedReq(http.MethodPost, "/api/nodes/"+node.ID+"/commands/dequeue", body))
			Expect(rec.Code).To(Equal(http.StatusOK))

			var payload struct {
				Commands []core.NodeCommand `json:"commands"`
			}
			raw, _ := json.Marshal(env.Data)
			Expect(json.Unmarshal(raw, &payload)).To(Succeed())
			Expect(payload.Commands).To(HaveLen(2))
			Expect(payload.Commands[0].CommandID).To(Equal(first.CommandID))
			Expect(payload.Commands[1].CommandID).To(Equal(second.CommandID))
		})

		It("should apply an acknowledged stop to the target vm", func() {
			vm := test.VM(test.VMOptions{OwnerID: "user-1", NodeID: node.ID, Status: core.VMStopping})
			Expect(st.VMs.Add(vm)).To(Succeed())
			cmd := core.NewNodeCommand(core.CommandStopVM, vm.ID, nil)
			Expect(channel.Enqueue(context.Background(), node.ID, cmd)).To(Succeed())
			_, err := channel.Dequeue(context.Background(), node.ID, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			body, _ := json.Marshal(core.CommandAck{Success: true})
			rec, _ := do(signedReq(http.MethodPost,
				"/api/nodes/"+node.ID+"/commands/"+cmd.CommandID+"/acknowledge", body))
			Expect(rec.Code).To(Equal(http.StatusOK))

			got, _ := st.VMs.Get(vm.ID)
			Expect(got.Status).To(Equal(core.VMStopped))
			Expect(got.PowerState).To(Equal(core.PowerOff))
		})

		It("should refuse an ack from a node the command does not belong to", func() {
			other := test.Node(test.NodeOptions{ID: "node-other"})
			Expect(st.Nodes.Add(other)).To(Succeed())
			cmd := core.NewNodeCommand(core.CommandStopVM, "vm-x", nil)
			Expect(channel.Enqueue(context.Background(), node.ID, cmd)).To(Succeed())

			body, _ := json.Marshal(core.CommandAck{Success: true})
			path := "/api/nodes/" + other.ID + "/commands/" + cmd.CommandID + "/acknowledge"
			ts := strconv.FormatInt(fc.Now().Unix(), 10)
			req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
			req.Header.Set(headerTimestamp, ts)
			req.Header.Set(headerSignature, signRequest(other.HMACKey, ts, http.MethodPost, path, body))
			rec, _ := do(req)
			Expect(rec.Code).To(Equal(http.StatusForbidden))
		})

		It("should report unknown command acks as 404", func() {
			body, _ := json.Marshal(core.CommandAck{Success: true})
			rec, _ := do(signedReq(http.MethodPost,
				fmt.Sprintf("/api/nodes/%s/commands/%s/acknowledge", node.ID, "no-such-command"), body))
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})
})
