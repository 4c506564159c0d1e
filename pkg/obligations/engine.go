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

// Package obligations implements the reconciliation engine: a dependency-
// ordered dispatch loop over typed units of desired state, with retries,
// signal-based suspension, child spawning, and cascading failure.
package obligations

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/metrics"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/signals"
	"github.com/gridmesh/controlplane/pkg/state"
	"github.com/gridmesh/controlplane/pkg/utils/backoff"
)

type Config struct {
	TickInterval   time.Duration
	TickJitter     time.Duration
	MaxConcurrent  int
	MaxRetries     int
	HandlerTimeout time.Duration
	// CompletedGrace is how long Completed obligations are retained for
	// audit before pruning.
	CompletedGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:   time.Second,
		TickJitter:     100 * time.Millisecond,
		MaxConcurrent:  32,
		MaxRetries:     10,
		HandlerTimeout: 30 * time.Second,
		CompletedGrace: 10 * time.Minute,
	}
}

type resultEnvelope struct {
	obligationID string
	result       Result
}

// FailureObserver is notified after an obligation reaches Failed. The
// lifecycle manager implements it to surface the failure on the owning
// entity.
type FailureObserver interface {
	ObligationFailed(ctx context.Context, ob *core.Obligation)
}

type Engine struct {
	config Config
	store  *state.State
	bus    *signals.Bus
	clk    clock.Clock

	mu       sync.RWMutex
	handlers map[string]Handler
	policies map[string]Policy
	observer FailureObserver

	results  chan resultEnvelope
	inflight sync.WaitGroup
	slots    chan struct{}
}

func NewEngine(config Config, store *state.State, bus *signals.Bus, clk clock.Clock) *Engine {
	return &Engine{
		config:   config,
		store:    store,
		bus:      bus,
		clk:      clk,
		handlers: map[string]Handler{},
		policies: map[string]Policy{},
		results:  make(chan resultEnvelope, config.MaxConcurrent*4),
		slots:    make(chan struct{}, config.MaxConcurrent),
	}
}

func (e *Engine) Register(handlers ...Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range handlers {
		e.handlers[h.Type()] = h
		e.policies[h.Type()] = policyOf(h)
	}
}

// SetFailureObserver breaks the construction cycle between the engine and
// the lifecycle manager.
func (e *Engine) SetFailureObserver(observer FailureObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = observer
}

// Append admits a new obligation, enforcing at-most-one active obligation
// per (type, resource) unless the type is multi-instance safe.
func (e *Engine) Append(ctx context.Context, ob *core.Obligation) error {
	e.mu.RLock()
	policy := e.policies[ob.Type]
	e.mu.RUnlock()
	if !policy.MultiInstance {
		if existing, ok := e.store.Obligations.ActiveForResource(ob.Type, ob.ResourceID); ok {
			return errors.Conflict("obligation %s for %s already active as %s", ob.Type, ob.ResourceID, existing.ID)
		}
	}
	if ob.CreatedAt.IsZero() {
		ob.CreatedAt = e.clk.Now()
	}
	if err := e.store.Obligations.Add(ob); err != nil {
		return err
	}
	e.store.AppendTransition(ctx, ob)
	metrics.ObligationsCreated.WithLabelValues(ob.Type).Inc()
	logging.FromContext(ctx).V(1).Info("appended obligation",
		"obligation", ob.ID, "type", ob.Type, "resource", ob.ResourceID)
	return nil
}

// Run ticks until the context is cancelled. The final drain applies results
// from handlers still in flight so their outcomes are persisted.
func (e *Engine) Run(ctx context.Context) {
	ctx = logging.WithName(ctx, "obligation.engine")
	for {
		timer := e.clk.NewTimer(e.jitteredInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			e.inflight.Wait()
			e.drainResults(context.WithoutCancel(ctx))
			return
		case <-timer.C():
			e.Tick(ctx)
		}
	}
}

func (e *Engine) jitteredInterval() time.Duration {
	if e.config.TickJitter == 0 {
		return e.config.TickInterval
	}
	jitter := time.Duration(rand.Int63n(int64(2*e.config.TickJitter))) - e.config.TickJitter
	return e.config.TickInterval + jitter
}

// Tick runs one engine pass. Exported so tests can drive the engine
// deterministically without the timer loop.
func (e *Engine) Tick(ctx context.Context) {
	e.drainResults(ctx)
	e.deliverSignals(ctx)
	e.prune(ctx)

	all := e.store.Obligations.List()
	g := buildGraph(all)
	e.failCycles(ctx, g)

	ready := e.readySet(g)
	for _, ob := range ready {
		select {
		case e.slots <- struct{}{}:
		default:
			// Concurrency budget exhausted; the rest stay Ready for the
			// next tick.
			return
		}
		e.dispatch(ctx, ob)
	}
}

func (e *Engine) drainResults(ctx context.Context) {
	for {
		select {
		case env := <-e.results:
			e.applyResult(ctx, env)
		default:
			return
		}
	}
}

// deliverSignals wakes WaitingForSignal obligations whose signal latched or
// whose wait expired. Expiry re-readies the obligation with a synthetic
// timeout marker; the handler re-runs and decides.
func (e *Engine) deliverSignals(ctx context.Context) {
	now := e.clk.Now()
	for _, ob := range e.store.Obligations.ByStatus(core.ObligationWaitingForSignal) {
		payload, fired := e.bus.Peek(ob.WaitingForSignal)
		expired := ob.WaitExpiry != nil && !now.Before(*ob.WaitExpiry)
		if !fired && !expired {
			continue
		}
		updated, err := e.store.Obligations.Update(ob.ID, func(o *core.Obligation) error {
			o.Status = core.ObligationReady
			o.WaitingForSignal = ""
			o.WaitExpiry = nil
			if o.Data == nil {
				o.Data = map[string]string{}
			}
			delete(o.Data, core.SignalTimeoutKey)
			delete(o.Data, core.SignalResultKey)
			if fired {
				o.Data[core.SignalResultKey] = describePayload(payload)
			} else {
				o.Data[core.SignalTimeoutKey] = "true"
			}
			return nil
		})
		if err != nil {
			continue
		}
		e.store.AppendTransition(ctx, updated)
		logging.FromContext(ctx).V(1).Info("woke obligation",
			"obligation", ob.ID, "type", ob.Type, "signal", ob.WaitingForSignal, "fired", fired)
	}
}

func describePayload(payload any) string {
	switch p := payload.(type) {
	case *core.CommandAck:
		switch {
		case p.Expired:
			return "expired"
		case p.Success:
			return "success"
		default:
			return "failed"
		}
	case string:
		return p
	default:
		return "fired"
	}
}

func (e *Engine) prune(ctx context.Context) {
	cutoff := e.clk.Now().Add(-e.config.CompletedGrace)
	for _, ob := range e.store.Obligations.ByStatus(core.ObligationCompleted) {
		if ob.CompletedAt != nil && ob.CompletedAt.Before(cutoff) {
			e.store.Obligations.Delete(ob.ID)
		}
	}
}

func (e *Engine) failCycles(ctx context.Context, g *graph) {
	stuck := g.cycles()
	if len(stuck) == 0 {
		return
	}
	logging.FromContext(ctx).Error(fmt.Errorf("dependency cycle detected"), "failing cycle participants", "obligations", stuck)
	for _, id := range stuck {
		if e.transitionTerminal(ctx, id, core.ObligationFailed, "cycle") == nil {
			continue
		}
		// Mark terminal in the tick's graph view so readiness and closure
		// computations in this same pass observe it.
		if o, ok := g.byID[id]; ok {
			o.Status = core.ObligationFailed
		}
	}
	// Anything trapped behind the cycle takes the usual cancellation path;
	// only the participants carry the cycle reason.
	fresh := buildGraph(e.store.Obligations.List())
	for _, id := range stuck {
		for _, depID := range fresh.dependentsClosure(id) {
			if e.transitionTerminal(ctx, depID, core.ObligationCancelled, fmt.Sprintf("cascaded from %s", id)) == nil {
				continue
			}
			if o, ok := g.byID[depID]; ok {
				o.Status = core.ObligationCancelled
			}
		}
	}
}

// readySet returns dispatchable obligations ordered by priority (higher
// first), then age, then id for determinism.
func (e *Engine) readySet(g *graph) []*core.Obligation {
	now := e.clk.Now()
	ready := lo.Filter(lo.Values(g.byID), func(o *core.Obligation, _ int) bool {
		if o.Status != core.ObligationPending && o.Status != core.ObligationReady {
			return false
		}
		if o.NextAttemptAt != nil && now.Before(*o.NextAttemptAt) {
			return false
		}
		return g.depsSatisfied(o)
	})
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func (e *Engine) dispatch(ctx context.Context, ob *core.Obligation) {
	e.mu.RLock()
	handler, ok := e.handlers[ob.Type]
	e.mu.RUnlock()
	if !ok {
		<-e.slots
		e.transitionTerminal(ctx, ob.ID, core.ObligationFailed, fmt.Sprintf("no handler registered for type %s", ob.Type))
		return
	}

	now := e.clk.Now()
	running, err := e.store.Obligations.Update(ob.ID, func(o *core.Obligation) error {
		o.Status = core.ObligationRunning
		o.LastAttemptAt = &now
		o.NextAttemptAt = nil
		return nil
	})
	if err != nil {
		<-e.slots
		return
	}
	e.store.AppendTransition(ctx, running)

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer func() { <-e.slots }()
		e.results <- resultEnvelope{obligationID: ob.ID, result: e.invoke(ctx, handler, running)}
	}()
}

// invoke runs the handler with the per-handler timeout; panics and timeouts
// both come back as Retry so a buggy or slow handler cannot wedge the engine.
func (e *Engine) invoke(ctx context.Context, handler Handler, ob *core.Obligation) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Error(fmt.Errorf("handler panic: %v", r), "recovered handler panic",
				"obligation", ob.ID, "type", ob.Type, "stack", string(debug.Stack()))
			result = Retry(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, e.config.HandlerTimeout)
	defer cancel()

	start := e.clk.Now()
	result = handler.Handle(hctx, ob)
	metrics.HandlerDuration.WithLabelValues(ob.Type).Observe(e.clk.Since(start).Seconds())

	if hctx.Err() != nil && ctx.Err() == nil {
		return Retry("handler-timeout")
	}
	return result
}

func (e *Engine) applyResult(ctx context.Context, env resultEnvelope) {
	ob, err := e.store.Obligations.Get(env.obligationID)
	if err != nil {
		return
	}
	// A cancel that landed while the handler ran wins.
	if ob.Status.IsTerminal() {
		return
	}
	res := env.result
	switch res.kind {
	case kindCompleted:
		e.applyCompleted(ctx, ob, res)
	case kindRetry:
		e.applyRetry(ctx, ob, res)
	case kindWait:
		e.applyWait(ctx, ob, res)
	case kindFail:
		e.failAndCascade(ctx, ob.ID, res.Reason)
	}
}

func (e *Engine) applyCompleted(ctx context.Context, ob *core.Obligation, res Result) {
	now := e.clk.Now()
	childIDs := lo.Map(res.Children, func(c *core.Obligation, _ int) string { return c.ID })
	updated, err := e.store.Obligations.Update(ob.ID, func(o *core.Obligation) error {
		o.Status = core.ObligationCompleted
		o.CompletedAt = &now
		o.LastError = ""
		o.ChildrenIDs = append(o.ChildrenIDs, childIDs...)
		return nil
	})
	if err != nil {
		return
	}
	e.store.AppendTransition(ctx, updated)
	metrics.ObligationsCompleted.WithLabelValues(ob.Type).Inc()
	logging.FromContext(ctx).Info("completed obligation",
		"obligation", ob.ID, "type", ob.Type, "resource", ob.ResourceID, "message", res.Message)

	for _, child := range res.Children {
		child.ParentID = ob.ID
		if err := e.Append(ctx, child); err != nil {
			logging.FromContext(ctx).Error(err, "appending child obligation",
				"parent", ob.ID, "child-type", child.Type)
		}
	}
}

func (e *Engine) applyRetry(ctx context.Context, ob *core.Obligation, res Result) {
	now := e.clk.Now()
	failureCount := ob.FailureCount + 1
	if failureCount > e.config.MaxRetries {
		e.failAndCascade(ctx, ob.ID, fmt.Sprintf("max retries exceeded: %s", res.Reason))
		return
	}
	if ob.Deadline != nil && now.After(*ob.Deadline) {
		e.failAndCascade(ctx, ob.ID, fmt.Sprintf("deadline exceeded: %s", res.Reason))
		return
	}
	next := now.Add(backoff.Delay(failureCount))
	updated, err := e.store.Obligations.Update(ob.ID, func(o *core.Obligation) error {
		o.Status = core.ObligationReady
		o.FailureCount = failureCount
		o.NextAttemptAt = &next
		o.LastError = res.Reason
		return nil
	})
	if err != nil {
		return
	}
	e.store.AppendTransition(ctx, updated)
	metrics.ObligationRetries.WithLabelValues(ob.Type).Inc()
	logging.FromContext(ctx).V(1).Info("retrying obligation",
		"obligation", ob.ID, "type", ob.Type, "failures", failureCount, "next-attempt", next, "reason", res.Reason)
}

func (e *Engine) applyWait(ctx context.Context, ob *core.Obligation, res Result) {
	// A signal that fired while the handler was returning WaitForSignal is
	// already latched; skipping the suspended state avoids a needless tick.
	if _, ok := e.bus.Peek(res.SignalKey); ok {
		updated, err := e.store.Obligations.Update(ob.ID, func(o *core.Obligation) error {
			o.Status = core.ObligationReady
			return nil
		})
		if err == nil {
			e.store.AppendTransition(ctx, updated)
		}
		return
	}
	expiry := e.clk.Now().Add(res.SignalTimeout)
	updated, err := e.store.Obligations.Update(ob.ID, func(o *core.Obligation) error {
		o.Status = core.ObligationWaitingForSignal
		o.WaitingForSignal = res.SignalKey
		o.WaitExpiry = &expiry
		return nil
	})
	if err != nil {
		return
	}
	e.store.AppendTransition(ctx, updated)
	logging.FromContext(ctx).V(1).Info("suspended obligation",
		"obligation", ob.ID, "type", ob.Type, "signal", res.SignalKey, "expiry", expiry, "reason", res.Reason)
}

// failAndCascade fails the obligation and cancels the transitive closure of
// its dependents, unless the type's policy keeps orphans.
func (e *Engine) failAndCascade(ctx context.Context, id string, reason string) {
	ob := e.transitionTerminal(ctx, id, core.ObligationFailed, reason)
	if ob == nil {
		return
	}
	metrics.ObligationsFailed.WithLabelValues(ob.Type).Inc()

	e.mu.RLock()
	policy := e.policies[ob.Type]
	e.mu.RUnlock()
	if policy.KeepOrphans {
		return
	}
	g := buildGraph(e.store.Obligations.List())
	for _, depID := range g.dependentsClosure(id) {
		e.transitionTerminal(ctx, depID, core.ObligationCancelled, fmt.Sprintf("cascaded from %s", id))
	}
}

func (e *Engine) transitionTerminal(ctx context.Context, id string, status core.ObligationStatus, reason string) *core.Obligation {
	now := e.clk.Now()
	updated, err := e.store.Obligations.Update(id, func(o *core.Obligation) error {
		if o.Status.IsTerminal() {
			return errors.Conflict("obligation %s already terminal", id)
		}
		o.Status = status
		o.LastError = reason
		o.CompletedAt = &now
		o.WaitingForSignal = ""
		o.WaitExpiry = nil
		return nil
	})
	if err != nil {
		return nil
	}
	e.store.AppendTransition(ctx, updated)
	logging.FromContext(ctx).Info("obligation reached terminal state",
		"obligation", id, "status", status, "reason", reason)
	if status == core.ObligationFailed {
		e.mu.RLock()
		observer := e.observer
		e.mu.RUnlock()
		if observer != nil {
			observer.ObligationFailed(ctx, updated)
		}
	}
	return updated
}
