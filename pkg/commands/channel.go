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

// Package commands delivers control plane instructions to node agents
// at-least-once: per-node FIFO queues read via long-poll, a pending-ack
// registry with expiry, and ack routing to the signal bus.
package commands

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/signals"
)

type Config struct {
	// MaxQueueDepth is the backpressure limit per node; enqueue past it
	// returns Conflict.
	MaxQueueDepth int
	// DefaultExpiry is how long a command may wait for an ack.
	DefaultExpiry time.Duration
	// DequeueBatch caps commands returned by a single long-poll.
	DequeueBatch int
	// ReAckWindow is how long a completed command id is remembered so agent
	// re-acks are dropped instead of reported unknown.
	ReAckWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxQueueDepth: 1000,
		DefaultExpiry: 5 * time.Minute,
		DequeueBatch:  10,
		ReAckWindow:   10 * time.Minute,
	}
}

// AckApplier applies a command result to its target entity before the ack
// signal fires. The lifecycle manager implements it.
type AckApplier interface {
	ApplyAck(ctx context.Context, pending PendingAck, ack *core.CommandAck) error
}

type nodeQueue struct {
	mu     sync.Mutex
	items  []*core.NodeCommand
	notify chan struct{}
}

func newNodeQueue() *nodeQueue {
	return &nodeQueue{notify: make(chan struct{}, 1)}
}

type Channel struct {
	config   Config
	clk      clock.Clock
	bus      *signals.Bus
	registry *Registry
	applier  AckApplier

	mu     sync.Mutex
	queues map[string]*nodeQueue
}

func NewChannel(config Config, clk clock.WithTicker, bus *signals.Bus, applier AckApplier) *Channel {
	c := &Channel{
		config:  config,
		clk:     clk,
		bus:     bus,
		applier: applier,
		queues:  map[string]*nodeQueue{},
	}
	c.registry = newRegistry(config, clk, bus)
	return c
}

func (c *Channel) Registry() *Registry { return c.registry }

// SetAckApplier breaks the construction cycle between the channel and the
// lifecycle manager.
func (c *Channel) SetAckApplier(applier AckApplier) { c.applier = applier }

// Enqueue appends a command to the node's queue, stamping queue and expiry
// times and registering the pending ack when one is required.
func (c *Channel) Enqueue(ctx context.Context, nodeID string, cmd *core.NodeCommand) error {
	now := c.clk.Now()
	cmd.QueuedAt = now
	if cmd.ExpiresAt.IsZero() {
		cmd.ExpiresAt = now.Add(c.config.DefaultExpiry)
	}

	q := c.queue(nodeID)
	q.mu.Lock()
	if len(q.items) >= c.config.MaxQueueDepth {
		q.mu.Unlock()
		return errors.Conflict("command queue for node %s is full (%d)", nodeID, c.config.MaxQueueDepth)
	}
	q.items = append(q.items, cmd.DeepCopy())
	q.mu.Unlock()

	if cmd.RequiresAck {
		c.registry.register(PendingAck{
			CommandID: cmd.CommandID,
			NodeID:    nodeID,
			VMID:      cmd.TargetResourceID,
			Type:      cmd.Type,
			QueuedAt:  cmd.QueuedAt,
			ExpiresAt: cmd.ExpiresAt,
		})
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	logging.FromContext(ctx).V(1).Info("enqueued command",
		"node", nodeID, "command", cmd.CommandID, "type", cmd.Type)
	return nil
}

// Track registers the pending ack for a command that was delivered outside
// the queue (push path). The ack and expiry flow is identical to queued
// commands.
func (c *Channel) Track(ctx context.Context, nodeID string, cmd *core.NodeCommand) {
	now := c.clk.Now()
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = now
	}
	if cmd.ExpiresAt.IsZero() {
		cmd.ExpiresAt = now.Add(c.config.DefaultExpiry)
	}
	if cmd.RequiresAck {
		c.registry.register(PendingAck{
			CommandID: cmd.CommandID,
			NodeID:    nodeID,
			VMID:      cmd.TargetResourceID,
			Type:      cmd.Type,
			QueuedAt:  cmd.QueuedAt,
			ExpiresAt: cmd.ExpiresAt,
		})
	}
	logging.FromContext(ctx).V(1).Info("tracking pushed command",
		"node", nodeID, "command", cmd.CommandID, "type", cmd.Type)
}

// Dequeue long-polls the node's queue for up to wait, returning up to the
// configured batch of commands in enqueue order. Delivery stamps DeliveredAt.
func (c *Channel) Dequeue(ctx context.Context, nodeID string, wait time.Duration) ([]*core.NodeCommand, error) {
	q := c.queue(nodeID)
	timer := c.clk.NewTimer(wait)
	defer timer.Stop()

	for {
		if batch := c.take(q); len(batch) > 0 {
			return batch, nil
		}
		select {
		case <-q.notify:
		case <-timer.C():
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Depth reports the node's current queue length.
func (c *Channel) Depth(nodeID string) int {
	q := c.queue(nodeID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (c *Channel) take(q *nodeQueue) []*core.NodeCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := c.clk.Now()
	n := min(len(q.items), c.config.DequeueBatch)
	if n == 0 {
		return nil
	}
	batch := make([]*core.NodeCommand, 0, n)
	for _, cmd := range q.items[:n] {
		delivered := now
		cmd.DeliveredAt = &delivered
		batch = append(batch, cmd.DeepCopy())
	}
	q.items = q.items[n:]
	return batch
}

// Ack routes a node's command result: apply to the target entity, fire the
// ack signal, drop the registry entry. Unknown ids return NotFound unless
// they fall inside the re-ack dedup window, which is a silent no-op.
func (c *Channel) Ack(ctx context.Context, nodeID string, ack *core.CommandAck) error {
	pending, ok := c.registry.get(ack.CommandID)
	if !ok {
		if c.registry.recentlyCompleted(ack.CommandID) {
			logging.FromContext(ctx).V(1).Info("dropping re-ack", "command", ack.CommandID, "node", nodeID)
			return nil
		}
		return errors.NotFound("command", ack.CommandID)
	}
	if pending.NodeID != nodeID {
		return errors.Forbidden("command %s does not belong to node %s", ack.CommandID, nodeID)
	}
	if c.applier != nil {
		if err := c.applier.ApplyAck(ctx, pending, ack); err != nil {
			return err
		}
	}
	if !c.registry.complete(ack.CommandID) {
		// The expiry sweep claimed this command while the ack was in flight;
		// its synthetic expired ack already fired.
		logging.FromContext(ctx).V(1).Info("ack lost race with expiry sweep", "command", ack.CommandID, "node", nodeID)
		return nil
	}
	c.bus.Fire(signals.CommandAckKey(ack.CommandID), ack)
	logging.FromContext(ctx).Info("acknowledged command",
		"node", nodeID, "command", ack.CommandID, "type", pending.Type, "success", ack.Success)
	return nil
}

func (c *Channel) queue(nodeID string) *nodeQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[nodeID]
	if !ok {
		q = newNodeQueue()
		c.queues[nodeID] = q
	}
	return q
}
