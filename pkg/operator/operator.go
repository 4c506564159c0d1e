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

// Package operator assembles the control plane: it constructs every
// component against shared state, recovers persisted entities, and runs the
// loops until shutdown.
package operator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/gridmesh/controlplane/pkg/apiserver"
	"github.com/gridmesh/controlplane/pkg/billing"
	"github.com/gridmesh/controlplane/pkg/blockchain"
	"github.com/gridmesh/controlplane/pkg/commands"
	"github.com/gridmesh/controlplane/pkg/ingress"
	"github.com/gridmesh/controlplane/pkg/lifecycle"
	"github.com/gridmesh/controlplane/pkg/nodeagent"
	"github.com/gridmesh/controlplane/pkg/obligations"
	"github.com/gridmesh/controlplane/pkg/obligations/handlers"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/operator/options"
	"github.com/gridmesh/controlplane/pkg/scheduling"
	"github.com/gridmesh/controlplane/pkg/signals"
	"github.com/gridmesh/controlplane/pkg/state"
	"github.com/gridmesh/controlplane/pkg/sysvm"
)

const registrySweepInterval = 10 * time.Second

type Operator struct {
	Options *options.Options

	State     *state.State
	Bus       *signals.Bus
	Channel   *commands.Channel
	Scheduler *scheduling.Scheduler
	Engine    *obligations.Engine
	Lifecycle *lifecycle.Manager
	Nodes     *lifecycle.NodeManager
	SysVM     *sysvm.Controller
	Biller    *billing.Biller
	Server    *apiserver.Server
	clk       clock.WithTicker
}

// New wires the control plane. External adapters default to in-process
// fakes; production deployments inject real clients before Start.
func New(ctx context.Context, opts *options.Options) (*Operator, error) {
	clk := clock.RealClock{}
	st := state.New(opts.StateDir, clk)
	if err := st.Recover(ctx); err != nil {
		return nil, err
	}

	catalog := scheduling.DefaultCatalog()
	if opts.TierCatalogFile != "" {
		loaded, err := scheduling.LoadCatalog(opts.TierCatalogFile)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}

	bus := signals.NewBus(signals.WithClock(clk))
	scheduler := scheduling.NewScheduler(st.Nodes, catalog, scheduling.DefaultConfig())
	channel := commands.NewChannel(commands.DefaultConfig(), clk, bus, nil)

	engineConfig := obligations.DefaultConfig()
	engineConfig.TickInterval = opts.EngineTickInterval
	engineConfig.MaxConcurrent = opts.MaxConcurrent
	engineConfig.MaxRetries = opts.MaxRetries
	engine := obligations.NewEngine(engineConfig, st, bus, clk)

	manager := lifecycle.NewManager(st, scheduler, engine, bus, clk)
	channel.SetAckApplier(manager)
	engine.SetFailureObserver(manager)
	channel.Registry().Rebuild(ctx, st.VMs.List())

	nodes := lifecycle.NewNodeManager(st, scheduler, bus, manager)
	controller := sysvm.NewController(st, manager, engine, clk)

	chain := blockchain.NewResilientClient(blockchain.NewFake(), blockchain.DefaultResilienceConfig())
	billingConfig := billing.DefaultConfig()
	billingConfig.AccrualInterval = opts.AccrualInterval
	billingConfig.SettlementInterval = opts.SettlementInterval
	billingConfig.MinSettlementAmount = opts.MinSettlementAmount
	billingConfig.PlatformFeeBps = opts.PlatformFeeBps
	biller := billing.NewBiller(billingConfig, st, catalog, chain, billing.AlwaysVerified{}, engine, clk)

	deps := handlers.Deps{
		State:     st,
		Scheduler: scheduler,
		Channel:   channel,
		Lifecycle: manager,
		Ingress:   ingress.WithHashGuard(ingress.NewFake()),
		Chain:     chain,
		Resolver:  nil,
		Clock:     clk,
		AckWait:   commands.DefaultConfig().DefaultExpiry + 30*time.Second,
	}
	if opts.EnablePushDelivery {
		deps.Agent = nodeagent.NewClient(nodeagent.DefaultConfig())
	}
	engine.Register(handlers.All(deps)...)

	server := apiserver.NewServer(st, manager, nodes, channel, apiserver.DevAuth, clk)

	return &Operator{
		Options:   opts,
		State:     st,
		Bus:       bus,
		Channel:   channel,
		Scheduler: scheduler,
		Engine:    engine,
		Lifecycle: manager,
		Nodes:     nodes,
		SysVM:     controller,
		Biller:    biller,
		Server:    server,
		clk:       clk,
	}, nil
}

// Start runs every loop until the context is cancelled, then snapshots state
// on the way out.
func (o *Operator) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { o.Engine.Run(ctx); return nil })
	group.Go(func() error { o.Channel.Registry().Run(ctx, registrySweepInterval); return nil })
	group.Go(func() error { o.Nodes.Run(ctx, o.Options.NodeSweepInterval); return nil })
	group.Go(func() error { o.SysVM.Run(ctx, o.Options.SysVMInterval); return nil })
	group.Go(func() error { o.Biller.Run(ctx); return nil })
	group.Go(func() error { return o.Server.ListenAndServe(ctx, o.Options.ListenAddress) })
	group.Go(func() error { o.snapshotLoop(ctx); return nil })

	err := group.Wait()

	shutdownCtx := context.WithoutCancel(ctx)
	// Wake anything still suspended so shutdown doesn't hang on waiters.
	o.Bus.FireAll()
	if snapErr := o.State.Snapshot(shutdownCtx); snapErr != nil {
		logging.FromContext(shutdownCtx).Error(snapErr, "final snapshot failed")
	}
	if closeErr := o.State.Close(); closeErr != nil {
		logging.FromContext(shutdownCtx).Error(closeErr, "closing state")
	}
	return err
}

func (o *Operator) snapshotLoop(ctx context.Context) {
	ticker := o.clk.NewTicker(o.Options.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := o.State.Snapshot(ctx); err != nil {
				logging.FromContext(ctx).Error(err, "periodic snapshot failed")
			}
		}
	}
}
