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

// Package handlers implements the obligation types the engine dispatches.
// Every handler is idempotent: it derives what to do from current entity
// state, never from how many times it has run.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/blockchain"
	"github.com/gridmesh/controlplane/pkg/commands"
	"github.com/gridmesh/controlplane/pkg/ingress"
	"github.com/gridmesh/controlplane/pkg/lifecycle"
	"github.com/gridmesh/controlplane/pkg/nodeagent"
	"github.com/gridmesh/controlplane/pkg/obligations"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/scheduling"
	"github.com/gridmesh/controlplane/pkg/signals"
	"github.com/gridmesh/controlplane/pkg/state"
)

// Resolver is the DNS lookup surface for custom domain verification.
type Resolver interface {
	LookupCNAME(ctx context.Context, host string) (string, error)
}

// Deps carries everything the handlers touch. One Deps value is shared by
// all handlers; each handler uses the slice it needs.
type Deps struct {
	State     *state.State
	Scheduler *scheduling.Scheduler
	Channel   *commands.Channel
	Lifecycle *lifecycle.Manager
	Ingress   ingress.ConfigApplier
	Chain     blockchain.Client
	Agent     *nodeagent.Client
	Resolver  Resolver
	Clock     clock.Clock

	// AckWait is how long ack-gated handlers suspend for a command outcome.
	// It covers the command expiry plus sweep slack so the synthetic expired
	// ack always arrives first.
	AckWait time.Duration
}

// All returns every handler wired against the shared dependencies.
func All(deps Deps) []obligations.Handler {
	return []obligations.Handler{
		&scheduleHandler{deps},
		&provisionHandler{deps},
		&rescheduleHandler{deps},
		&deleteHandler{deps},
		&startHandler{deps},
		&stopHandler{deps},
		&pauseHandler{deps},
		&resumeHandler{deps},
		&registerIngressHandler{deps},
		&allocatePortsHandler{deps},
		&releaseResourcesHandler{deps},
		&deploySystemVMHandler{deps},
		&statUpdateHandler{deps},
		&customDomainHandler{deps},
		&settleHandler{deps},
	}
}

// deliver sends a command to the node, preferring agent push and falling
// back to the long-poll queue. Either path registers the pending ack.
func (d Deps) deliver(ctx context.Context, node *core.Node, cmd *core.NodeCommand) error {
	if d.Agent != nil && node.PublicIP != "" {
		url := fmt.Sprintf("http://%s:%d", node.PublicIP, node.AgentPort)
		if err := d.Agent.SendCommand(ctx, url, cmd); err == nil {
			d.Channel.Track(ctx, node.ID, cmd)
			return nil
		}
		logging.FromContext(ctx).V(1).Info("push delivery failed, queueing",
			"node", node.ID, "command", cmd.CommandID)
	}
	return d.Channel.Enqueue(ctx, node.ID, cmd)
}

// issueAndWait sends an ack-gated command, records it as the VM's active
// command, and suspends on its ack signal.
func (d Deps) issueAndWait(ctx context.Context, node *core.Node, vm *core.VirtualMachine, cmd *core.NodeCommand, reason string) obligations.Result {
	if err := d.deliver(ctx, node, cmd); err != nil {
		return obligations.Retry(fmt.Sprintf("delivering %s: %s", cmd.Type, err))
	}
	if err := d.Lifecycle.SetActiveCommand(ctx, vm.ID, cmd); err != nil {
		return obligations.Retry(fmt.Sprintf("recording active command: %s", err))
	}
	return obligations.WaitForSignal(signals.CommandAckKey(cmd.CommandID), d.AckWait, reason)
}

// ackOutcome classifies a woken handler's signal data.
type ackOutcome int

const (
	ackNone ackOutcome = iota
	ackSuccess
	ackFailed
	ackExpired
	ackWaitTimedOut
)

func outcomeOf(ob *core.Obligation) ackOutcome {
	if ob.Data[core.SignalTimeoutKey] == "true" {
		return ackWaitTimedOut
	}
	switch ob.Data[core.SignalResultKey] {
	case "success":
		return ackSuccess
	case "failed":
		return ackFailed
	case "expired":
		return ackExpired
	case "":
		return ackNone
	default:
		return ackFailed
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshaling command payload: %v", err))
	}
	return data
}

func (d Deps) nodeOnline(nodeID string) (*core.Node, bool) {
	node, err := d.State.Nodes.Get(nodeID)
	if err != nil {
		return nil, false
	}
	return node, node.Status == core.NodeOnline
}
