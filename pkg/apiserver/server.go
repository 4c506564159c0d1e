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

// Package apiserver exposes the control plane over HTTP: user-facing VM
// operations behind bearer auth and node-facing endpoints behind HMAC
// signatures.
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/commands"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/lifecycle"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/state"
)

const defaultDequeueWait = 30 * time.Second

type Server struct {
	state   *state.State
	vms     *lifecycle.Manager
	nodes   *lifecycle.NodeManager
	channel *commands.Channel
	auth    AuthFunc
	clk     clock.Clock
}

func NewServer(st *state.State, vms *lifecycle.Manager, nodes *lifecycle.NodeManager, channel *commands.Channel, auth AuthFunc, clk clock.Clock) *Server {
	return &Server{state: st, vms: vms, nodes: nodes, channel: channel, auth: auth, clk: clk}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", headerTimestamp, headerSignature},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requirePrincipal)
			r.Post("/vms", s.createVM)
			r.Get("/vms", s.listVMs)
			r.Get("/vms/{vmID}", s.getVM)
			r.Post("/vms/{vmID}/action", s.vmAction)
			r.Delete("/vms/{vmID}", s.deleteVM)
			r.Get("/nodes/{nodeID}", s.getNode)
		})

		r.Post("/nodes/register", s.registerNode)
		r.Group(func(r chi.Router) {
			r.Use(s.requireNodeSignature)
			r.Post("/nodes/{nodeID}/heartbeat", s.heartbeat)
			r.Post("/nodes/{nodeID}/commands/dequeue", s.dequeue)
			r.Post("/nodes/{nodeID}/commands/{cmdID}/acknowledge", s.acknowledge)
		})
	})
	return r
}

func (s *Server) createVM(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, errors.Validation("decoding request: %s", err))
		return
	}
	vm, err := s.vms.Create(r.Context(), req, principalFrom(r.Context()))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, vm)
}

func (s *Server) listVMs(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.vms.ListByOwner(r.Context(), principalFrom(r.Context())))
}

func (s *Server) getVM(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	vm, err := s.vms.Get(r.Context(), chi.URLParam(r, "vmID"), principal)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, redactLabels(vm, principal))
}

func (s *Server) vmAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action lifecycle.Action `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErr(w, errors.Validation("decoding request: %s", err))
		return
	}
	if err := s.vms.Action(r.Context(), chi.URLParam(r, "vmID"), body.Action, principalFrom(r.Context())); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusAccepted, nil)
}

func (s *Server) deleteVM(w http.ResponseWriter, r *http.Request) {
	if err := s.vms.Delete(r.Context(), chi.URLParam(r, "vmID"), principalFrom(r.Context())); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusAccepted, nil)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.state.Nodes.Get(chi.URLParam(r, "nodeID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	// The HMAC key never leaves the registration response.
	node.HMACKey = ""
	respond(w, http.StatusOK, node)
}

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.RegisterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, errors.Validation("decoding request: %s", err))
		return
	}
	node, err := s.nodes.Register(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, node)
}

// heartbeat refreshes liveness and piggybacks any queued commands so idle
// agents don't need a separate dequeue round trip.
func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	var hb lifecycle.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		respondErr(w, errors.Validation("decoding heartbeat: %s", err))
		return
	}
	if err := s.nodes.ApplyHeartbeat(r.Context(), nodeID, hb); err != nil {
		respondErr(w, err)
		return
	}
	cmds, err := s.channel.Dequeue(r.Context(), nodeID, 0)
	if err != nil && r.Context().Err() == nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"commands": cmds})
}

func (s *Server) dequeue(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	var body struct {
		WaitMs int `json:"waitMs"`
	}
	// An empty body means the default wait.
	_ = json.NewDecoder(r.Body).Decode(&body)
	wait := defaultDequeueWait
	if body.WaitMs > 0 && time.Duration(body.WaitMs)*time.Millisecond < defaultDequeueWait {
		wait = time.Duration(body.WaitMs) * time.Millisecond
	}
	cmds, err := s.channel.Dequeue(r.Context(), nodeID, wait)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"commands": cmds})
}

func (s *Server) acknowledge(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	cmdID := chi.URLParam(r, "cmdID")
	var ack core.CommandAck
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		respondErr(w, errors.Validation("decoding ack: %s", err))
		return
	}
	ack.CommandID = cmdID
	// Ack application is serialized per VM so out-of-order acks for the same
	// target cannot interleave.
	if pending, ok := s.channel.Registry().Pending(cmdID); ok && pending.VMID != "" {
		release := s.state.Locks.Lock("vm/" + pending.VMID)
		defer release()
	}
	if err := s.channel.Ack(r.Context(), nodeID, &ack); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

// ListenAndServe runs the HTTP server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.FromContext(ctx).Info("serving http", "address", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
