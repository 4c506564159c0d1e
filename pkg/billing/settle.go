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

package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
)

// SettleCycle groups unsettled records into (user, node) batches above the
// minimum and submits each through a settlement obligation, which owns the
// retry policy for the on-chain call.
func (b *Biller) SettleCycle(ctx context.Context) {
	unsettled := b.state.Usage.Unsettled()
	if len(unsettled) == 0 {
		return
	}
	batches := lo.GroupBy(unsettled, func(r *core.UsageRecord) string {
		return r.UserID + "/" + r.NodeID
	})
	submitted := 0
	for key, records := range batches {
		total := lo.SumBy(records, func(r *core.UsageRecord) float64 { return r.TotalCost })
		if total < b.config.MinSettlementAmount {
			continue
		}
		if err := b.submitBatch(ctx, records); err != nil {
			if !errors.IsConflict(err) {
				logging.FromContext(ctx).Error(err, "submitting settlement batch", "batch", key)
			}
			continue
		}
		submitted++
	}
	if submitted > 0 {
		logging.FromContext(ctx).Info("submitted settlement batches", "batches", submitted)
	}
}

// submitBatch resolves wallet addresses and appends the settle obligation.
// A Conflict means this (user, node) pair already has a settlement in flight.
func (b *Biller) submitBatch(ctx context.Context, records []*core.UsageRecord) error {
	first := records[0]
	userWallet, nodeWallet, err := b.wallets(first)
	if err != nil {
		return err
	}
	ids := lo.Map(records, func(r *core.UsageRecord, _ int) string { return r.ID })
	ob := core.NewObligation(core.ObligationBillingSettle, "settlement", first.UserID+"/"+first.NodeID).
		WithPriority(20).
		WithData("userWallet", userWallet).
		WithData("nodeWallet", nodeWallet).
		WithData("recordIds", strings.Join(ids, ","))
	return b.obligation.Append(ctx, ob)
}

func (b *Biller) wallets(record *core.UsageRecord) (string, string, error) {
	vm, err := b.state.VMs.Get(record.VMID)
	if err != nil {
		return "", "", fmt.Errorf("resolving user wallet for record %s, %w", record.ID, err)
	}
	node, err := b.state.Nodes.Get(record.NodeID)
	if err != nil {
		return "", "", fmt.Errorf("resolving node wallet for record %s, %w", record.ID, err)
	}
	return vm.OwnerWallet, node.WalletAddress, nil
}
