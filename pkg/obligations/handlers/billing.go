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

package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/metrics"
	"github.com/gridmesh/controlplane/pkg/obligations"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
)

// settleHandler submits one settlement batch on chain. The batch membership
// is frozen in the obligation data by the settler; records settled by an
// earlier attempt are skipped so a retry after a half-applied ack cannot
// double-report.
type settleHandler struct{ Deps }

func (h *settleHandler) Type() string { return core.ObligationBillingSettle }

// Settlement failures must not cancel unrelated work queued behind them.
func (h *settleHandler) Policy() obligations.Policy {
	return obligations.Policy{KeepOrphans: true}
}

func (h *settleHandler) Handle(ctx context.Context, ob *core.Obligation) obligations.Result {
	userWallet := ob.Data["userWallet"]
	nodeWallet := ob.Data["nodeWallet"]
	if userWallet == "" || nodeWallet == "" {
		return obligations.Fail("batch is missing wallet addresses")
	}
	ids := lo.Compact(strings.Split(ob.Data["recordIds"], ","))
	records := lo.FilterMap(ids, func(id string, _ int) (*core.UsageRecord, bool) {
		r, err := h.State.Usage.Get(id)
		return r, err == nil && !r.SettledOnChain
	})
	if len(records) == 0 {
		return obligations.Completed("all records already settled")
	}

	var tx string
	var err error
	if len(records) == 1 {
		r := records[0]
		tx, err = h.Chain.ReportUsage(ctx, userWallet, nodeWallet, r.NodeShare, r.VMID)
	} else {
		amounts := lo.Map(records, func(r *core.UsageRecord, _ int) float64 { return r.NodeShare })
		vmIDs := lo.Map(records, func(r *core.UsageRecord, _ int) string { return r.VMID })
		users := lo.RepeatBy(len(records), func(int) string { return userWallet })
		nodes := lo.RepeatBy(len(records), func(int) string { return nodeWallet })
		tx, err = h.Chain.BatchReportUsage(ctx, users, nodes, amounts, vmIDs)
	}
	if err != nil {
		if errors.IsTransient(err) {
			metrics.SettlementPoints.WithLabelValues("transient_error").Inc()
			return obligations.Retry(err.Error())
		}
		metrics.SettlementPoints.WithLabelValues("reverted").Inc()
		return obligations.Fail(err.Error())
	}

	for _, r := range records {
		if _, err := h.State.Usage.Update(r.ID, func(u *core.UsageRecord) error {
			u.SettledOnChain = true
			u.SettlementTxHash = tx
			return nil
		}); err != nil {
			return obligations.Retry(err.Error())
		}
	}
	metrics.SettlementPoints.WithLabelValues("settled").Inc()
	logging.FromContext(ctx).Info("settled usage batch",
		"records", len(records), "tx", tx, "user", userWallet, "node", nodeWallet)
	return obligations.Completed(fmt.Sprintf("settled %d records", len(records)))
}
