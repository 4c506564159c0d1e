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

package options

import (
	"errors"
	"flag"
	"os"
	"time"

	"github.com/gridmesh/controlplane/pkg/utils/env"
)

// Options for running this binary.
type Options struct {
	*flag.FlagSet

	ListenAddress    string
	StateDir         string
	SnapshotInterval time.Duration
	TierCatalogFile  string
	Development      bool

	EngineTickInterval time.Duration
	MaxConcurrent      int
	MaxRetries         int

	NodeSweepInterval  time.Duration
	SysVMInterval      time.Duration
	EnablePushDelivery bool

	AccrualInterval     time.Duration
	SettlementInterval  time.Duration
	MinSettlementAmount float64
	PlatformFeeBps      int
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields.
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("controlplane", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.ListenAddress, "listen-address", env.WithDefaultString("LISTEN_ADDRESS", ":8080"), "The address the HTTP API and metrics endpoint bind to")
	f.StringVar(&opts.StateDir, "state-dir", env.WithDefaultString("STATE_DIR", "/var/lib/gridmesh"), "Directory for state snapshots and the obligation log; empty disables persistence")
	f.DurationVar(&opts.SnapshotInterval, "snapshot-interval", env.WithDefaultDuration("SNAPSHOT_INTERVAL", time.Minute), "How often the full state snapshot is written")
	f.StringVar(&opts.TierCatalogFile, "tier-catalog", env.WithDefaultString("TIER_CATALOG", ""), "Path to a YAML tier catalog; empty uses the built-in catalog")
	f.BoolVar(&opts.Development, "development", env.WithDefaultBool("DEVELOPMENT", false), "Use the development logger with human-readable output")

	f.DurationVar(&opts.EngineTickInterval, "engine-tick-interval", env.WithDefaultDuration("ENGINE_TICK_INTERVAL", time.Second), "The obligation engine tick period")
	f.IntVar(&opts.MaxConcurrent, "engine-max-concurrent", env.WithDefaultInt("ENGINE_MAX_CONCURRENT", 32), "Maximum obligations dispatched concurrently")
	f.IntVar(&opts.MaxRetries, "engine-max-retries", env.WithDefaultInt("ENGINE_MAX_RETRIES", 10), "Handler retries before an obligation fails")

	f.DurationVar(&opts.NodeSweepInterval, "node-sweep-interval", env.WithDefaultDuration("NODE_SWEEP_INTERVAL", 15*time.Second), "How often node heartbeat liveness is evaluated")
	f.DurationVar(&opts.SysVMInterval, "sysvm-interval", env.WithDefaultDuration("SYSVM_INTERVAL", 30*time.Second), "How often system VM roles are reconciled")
	f.BoolVar(&opts.EnablePushDelivery, "enable-push-delivery", env.WithDefaultBool("ENABLE_PUSH_DELIVERY", false), "Push commands to node agents over HTTP instead of waiting for long-poll")

	f.DurationVar(&opts.AccrualInterval, "accrual-interval", env.WithDefaultDuration("ACCRUAL_INTERVAL", 5*time.Minute), "How often running VMs accrue usage")
	f.DurationVar(&opts.SettlementInterval, "settlement-interval", env.WithDefaultDuration("SETTLEMENT_INTERVAL", 10*time.Minute), "How often unsettled usage is batched on chain")
	f.Float64Var(&opts.MinSettlementAmount, "min-settlement-amount", env.WithDefaultFloat64("MIN_SETTLEMENT_AMOUNT", 1.0), "Minimum batch total, in USDC, worth a settlement transaction")
	f.IntVar(&opts.PlatformFeeBps, "platform-fee-bps", env.WithDefaultInt("PLATFORM_FEE_BPS", 1500), "Platform fee in basis points taken from each usage record")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default
// values. Options are validated and panics if an error is returned.
func (o *Options) MustParse(args []string) *Options {
	err := o.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}
