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

// Package billing accrues usage for running VMs, gated on attestation, and
// batches it to on-chain settlement. Money only moves for verified runtime.
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/blockchain"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/lifecycle"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/scheduling"
	"github.com/gridmesh/controlplane/pkg/state"
)

const InsufficientFundsReason = "insufficient-funds"

type Config struct {
	AccrualInterval     time.Duration
	FlushWindow         time.Duration
	FlushThreshold      int
	SettlementInterval  time.Duration
	MinSettlementAmount float64
	PlatformFeeBps      int
	AttestationTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		AccrualInterval:     5 * time.Minute,
		FlushWindow:         time.Minute,
		FlushThreshold:      100,
		SettlementInterval:  10 * time.Minute,
		MinSettlementAmount: 1.0,
		PlatformFeeBps:      1500,
		AttestationTTL:      time.Minute,
	}
}

// Biller runs the accrual loop, the usage buffer, and the settlement cycle.
type Biller struct {
	config     Config
	state      *state.State
	catalog    *scheduling.Catalog
	chain      blockchain.Client
	obligation lifecycle.ObligationAppender
	clk        clock.WithTicker

	gate   *attestationGate
	buffer *usageBuffer
}

func NewBiller(config Config, st *state.State, catalog *scheduling.Catalog, chain blockchain.Client, attestation AttestationSource, appender lifecycle.ObligationAppender, clk clock.WithTicker) *Biller {
	return &Biller{
		config:     config,
		state:      st,
		catalog:    catalog,
		chain:      chain,
		obligation: appender,
		clk:        clk,
		gate:       newAttestationGate(attestation, config.AttestationTTL),
		buffer:     newUsageBuffer(st.Usage, clk, config.FlushWindow, config.FlushThreshold),
	}
}

// Run drives accrual and settlement until cancelled. The buffer's final
// flush happens on the way out.
func (b *Biller) Run(ctx context.Context) {
	ctx = logging.WithName(ctx, "billing")
	go b.buffer.run(ctx)

	accrue := b.clk.NewTicker(b.config.AccrualInterval)
	settle := b.clk.NewTicker(b.config.SettlementInterval)
	defer accrue.Stop()
	defer settle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-accrue.C():
			b.AccrueAll(ctx)
		case <-settle.C():
			b.SettleCycle(ctx)
		}
	}
}

// AccrueAll runs one accrual pass over every running user VM.
func (b *Biller) AccrueAll(ctx context.Context) {
	for _, vm := range b.state.VMs.Running() {
		if vm.VMType != core.VMTypeUser {
			continue
		}
		b.accrueVM(ctx, vm)
	}
}

// accrueVM bills one VM for the period since its last accrual. Unverified
// runtime accumulates separately and is never charged; a balance shortfall
// stops the VM and the short final period goes unrecorded.
func (b *Biller) accrueVM(ctx context.Context, vm *core.VirtualMachine) {
	now := b.clk.Now()
	since := vm.Billing.LastBillingAt
	if since.IsZero() {
		since = now.Add(-b.config.AccrualInterval)
	}
	period := now.Sub(since)
	if period <= 0 {
		return
	}

	if !b.gate.verified(ctx, vm.ID) {
		_, _ = b.state.VMs.Update(vm.ID, func(v *core.VirtualMachine) error {
			v.Billing.LastBillingAt = now
			v.Billing.TotalRuntime += int64(period.Seconds())
			v.Billing.UnverifiedRuntime += int64(period.Seconds())
			return nil
		})
		return
	}

	rate := b.hourlyRate(vm)
	if rate <= 0 {
		return
	}
	cost := period.Minutes() / 60 * rate

	balance, err := b.availableBalance(ctx, vm.OwnerWallet, vm.OwnerID)
	if err != nil {
		logging.FromContext(ctx).Error(err, "balance check failed, skipping accrual", "vm", vm.ID)
		return
	}
	if balance < cost {
		b.stopForFunds(ctx, vm)
		return
	}

	fee := cost * float64(b.config.PlatformFeeBps) / 10000
	record := &core.UsageRecord{
		ID:                  uuid.NewString(),
		VMID:                vm.ID,
		UserID:              vm.OwnerID,
		NodeID:              vm.NodeID,
		PeriodStart:         since,
		PeriodEnd:           now,
		TotalCost:           cost,
		NodeShare:           cost - fee,
		PlatformFee:         fee,
		AttestationVerified: true,
		CreatedAt:           now,
	}
	b.buffer.enqueue(record)

	_, _ = b.state.VMs.Update(vm.ID, func(v *core.VirtualMachine) error {
		v.Billing.LastBillingAt = now
		v.Billing.HourlyRateCrypto = rate
		v.Billing.TotalBilled += cost
		v.Billing.TotalRuntime += int64(period.Seconds())
		v.Billing.VerifiedRuntime += int64(period.Seconds())
		return nil
	})
}

func (b *Biller) hourlyRate(vm *core.VirtualMachine) float64 {
	if vm.Billing.HourlyRateCrypto > 0 {
		return vm.Billing.HourlyRateCrypto
	}
	node, err := b.state.Nodes.Get(vm.NodeID)
	if err != nil {
		return 0
	}
	return b.catalog.HourlyRate(vm.Spec, node.PricePerPoint)
}

// availableBalance is the confirmed escrow balance minus usage accrued but
// not yet settled on chain.
func (b *Biller) availableBalance(ctx context.Context, wallet, userID string) (float64, error) {
	balance, err := b.chain.GetEscrowBalance(ctx, wallet)
	if err != nil {
		return 0, err
	}
	return balance - b.state.Usage.UnsettledTotalForUser(userID), nil
}

func (b *Biller) stopForFunds(ctx context.Context, vm *core.VirtualMachine) {
	ob := core.NewObligation(core.ObligationVMStop, "vm", vm.ID).
		WithPriority(90).
		WithData("reason", InsufficientFundsReason)
	if err := b.obligation.Append(ctx, ob); err != nil && !errors.IsConflict(err) {
		logging.FromContext(ctx).Error(err, "appending insufficient-funds stop", "vm", vm.ID)
		return
	}
	logging.FromContext(ctx).Info("stopping vm for insufficient funds", "vm", vm.ID, "owner", vm.OwnerID)
}

// FlushNow forces a buffer flush; tests and shutdown paths use it.
func (b *Biller) FlushNow(ctx context.Context) error {
	return b.buffer.flush(ctx)
}
