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

package core

import (
	"time"
)

// UsageRecord is one accrual period for one VM. Records outlive the VM; they
// are the billing history and the input to on-chain settlement.
// Invariant: NodeShare + PlatformFee = TotalCost.
type UsageRecord struct {
	ID                  string    `json:"id"`
	VMID                string    `json:"vmId"`
	UserID              string    `json:"userId"`
	NodeID              string    `json:"nodeId"`
	PeriodStart         time.Time `json:"periodStart"`
	PeriodEnd           time.Time `json:"periodEnd"`
	TotalCost           float64   `json:"totalCost"`
	NodeShare           float64   `json:"nodeShare"`
	PlatformFee         float64   `json:"platformFee"`
	AttestationVerified bool      `json:"attestationVerified"`
	SettledOnChain      bool      `json:"settledOnChain"`
	SettlementTxHash    string    `json:"settlementTxHash,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`

	Version int64 `json:"version"`
}

func (u *UsageRecord) GetID() string { return u.ID }

func (u *UsageRecord) DeepCopy() *UsageRecord {
	if u == nil {
		return nil
	}
	out := *u
	return &out
}
