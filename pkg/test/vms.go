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

package test

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/gridmesh/controlplane/pkg/apis/core"
)

var vmSequence atomic.Int64

// VMOptions customizes a test virtual machine; zero values fall back to
// defaults.
type VMOptions struct {
	ID         string
	OwnerID    string
	Wallet     string
	Name       string
	VMType     core.VMType
	NodeID     string
	Status     core.VMStatus
	Tier       core.QualityTier
	Cores      int
	Memory     int64
	Disk       int64
	PointCost  int64
	HourlyRate float64
	Services   []core.VMService
	Labels     map[string]string
	LastBilled time.Time
}

// VM builds a 2-core Standard user VM in Pending state by default.
func VM(overrides ...VMOptions) *core.VirtualMachine {
	opts := VMOptions{}
	if len(overrides) > 0 {
		opts = overrides[0]
	}
	seq := vmSequence.Add(1)
	id := lo.Ternary(opts.ID != "", opts.ID, fmt.Sprintf("vm-%04d", seq))
	owner := lo.Ternary(opts.OwnerID != "", opts.OwnerID, "user-1")
	cores := lo.Ternary(opts.Cores != 0, opts.Cores, 2)

	return &core.VirtualMachine{
		ID:          id,
		OwnerID:     owner,
		OwnerWallet: lo.Ternary(opts.Wallet != "", opts.Wallet, "0x"+owner),
		Name:        lo.Ternary(opts.Name != "", opts.Name, id),
		VMType:      lo.Ternary(opts.VMType != "", opts.VMType, core.VMTypeUser),
		Spec: core.VMSpec{
			VirtualCPUCores:  cores,
			MemoryBytes:      lo.Ternary(opts.Memory != 0, opts.Memory, int64(4<<30)),
			DiskBytes:        lo.Ternary(opts.Disk != 0, opts.Disk, int64(20<<30)),
			QualityTier:      lo.Ternary(opts.Tier != "", opts.Tier, core.TierStandard),
			ComputePointCost: lo.Ternary(opts.PointCost != 0, opts.PointCost, int64(cores*10)),
		},
		NodeID:     opts.NodeID,
		Status:     lo.Ternary(opts.Status != "", opts.Status, core.VMPending),
		PowerState: core.PowerOff,
		Services:   opts.Services,
		Labels:     opts.Labels,
		Billing: core.BillingInfo{
			LastBillingAt:    opts.LastBilled,
			HourlyRateCrypto: opts.HourlyRate,
		},
		CreatedAt: time.Now(),
	}
}

// Obligation builds a Pending obligation of the given type against a VM id.
func Obligation(obType, resourceID string) *core.Obligation {
	ob := core.NewObligation(obType, "vm", resourceID)
	ob.CreatedAt = time.Now()
	return ob
}
