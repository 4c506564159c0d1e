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

package state

import (
	"github.com/samber/lo"

	"github.com/gridmesh/controlplane/pkg/apis/core"
)

// NodeStore is the repository for worker nodes.
type NodeStore struct {
	*store[*core.Node]
}

func NewNodeStore() *NodeStore {
	return &NodeStore{store: newStore("node", func(n *core.Node) { n.Version++ })}
}

func (s *NodeStore) Online() []*core.Node {
	return s.List(func(n *core.Node) bool { return n.Status == core.NodeOnline })
}

// VMStore is the repository for virtual machines with secondary indexes on
// node id and owner id.
type VMStore struct {
	*store[*core.VirtualMachine]

	byNode map[string]map[string]struct{}
	byUser map[string]map[string]struct{}
}

func NewVMStore() *VMStore {
	s := &VMStore{
		store:  newStore("virtualmachine", func(v *core.VirtualMachine) { v.Version++ }),
		byNode: map[string]map[string]struct{}{},
		byUser: map[string]map[string]struct{}{},
	}
	s.store.onUpsert = func(prev, next *core.VirtualMachine, hadPrev bool) {
		if hadPrev {
			removeIndex(s.byNode, prev.NodeID, prev.ID)
			removeIndex(s.byUser, prev.OwnerID, prev.ID)
		}
		addIndex(s.byNode, next.NodeID, next.ID)
		addIndex(s.byUser, next.OwnerID, next.ID)
	}
	s.store.onDelete = func(prev *core.VirtualMachine) {
		removeIndex(s.byNode, prev.NodeID, prev.ID)
		removeIndex(s.byUser, prev.OwnerID, prev.ID)
	}
	return s
}

func (s *VMStore) ByNode(nodeID string) []*core.VirtualMachine {
	return s.byIndex(s.byNode, nodeID)
}

func (s *VMStore) ByUser(userID string) []*core.VirtualMachine {
	return s.byIndex(s.byUser, userID)
}

func (s *VMStore) ByType(t core.VMType) []*core.VirtualMachine {
	return s.List(func(v *core.VirtualMachine) bool { return v.VMType == t })
}

func (s *VMStore) Running() []*core.VirtualMachine {
	return s.List(func(v *core.VirtualMachine) bool { return v.Status == core.VMRunning })
}

func (s *VMStore) byIndex(index map[string]map[string]struct{}, key string) []*core.VirtualMachine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.VirtualMachine, 0, len(index[key]))
	for id := range index[key] {
		if vm, ok := s.items[id]; ok {
			out = append(out, vm.DeepCopy())
		}
	}
	return out
}

// ObligationStore is the repository for engine obligations with a status
// index.
type ObligationStore struct {
	*store[*core.Obligation]

	byStatus map[core.ObligationStatus]map[string]struct{}
}

func NewObligationStore() *ObligationStore {
	s := &ObligationStore{
		store:    newStore("obligation", func(o *core.Obligation) { o.Version++ }),
		byStatus: map[core.ObligationStatus]map[string]struct{}{},
	}
	s.store.onUpsert = func(prev, next *core.Obligation, hadPrev bool) {
		if hadPrev {
			removeIndex(s.byStatus, prev.Status, prev.ID)
		}
		addIndex(s.byStatus, next.Status, next.ID)
	}
	s.store.onDelete = func(prev *core.Obligation) {
		removeIndex(s.byStatus, prev.Status, prev.ID)
	}
	return s
}

func (s *ObligationStore) ByStatus(status core.ObligationStatus) []*core.Obligation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Obligation, 0, len(s.byStatus[status]))
	for id := range s.byStatus[status] {
		if o, ok := s.items[id]; ok {
			out = append(out, o.DeepCopy())
		}
	}
	return out
}

// Active returns all non-terminal obligations.
func (s *ObligationStore) Active() []*core.Obligation {
	return s.List(func(o *core.Obligation) bool { return !o.Status.IsTerminal() })
}

// ActiveForResource returns the non-terminal obligation for (type, resource)
// if one exists. The engine enforces at-most-one unless the type is
// multi-instance safe.
func (s *ObligationStore) ActiveForResource(obType, resourceID string) (*core.Obligation, bool) {
	matches := s.List(func(o *core.Obligation) bool {
		return o.Type == obType && o.ResourceID == resourceID && !o.Status.IsTerminal()
	})
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// UsageStore is the repository for billing usage records.
type UsageStore struct {
	*store[*core.UsageRecord]
}

func NewUsageStore() *UsageStore {
	return &UsageStore{store: newStore("usagerecord", func(u *core.UsageRecord) { u.Version++ })}
}

func (s *UsageStore) Unsettled() []*core.UsageRecord {
	return s.List(func(u *core.UsageRecord) bool { return !u.SettledOnChain })
}

func (s *UsageStore) ByUser(userID string) []*core.UsageRecord {
	return s.List(func(u *core.UsageRecord) bool { return u.UserID == userID })
}

// UnsettledTotalForUser sums the user's accrued-but-unsettled spend; the
// billing balance check subtracts it from the confirmed escrow balance.
func (s *UsageStore) UnsettledTotalForUser(userID string) float64 {
	return lo.SumBy(s.List(func(u *core.UsageRecord) bool {
		return u.UserID == userID && !u.SettledOnChain
	}), func(u *core.UsageRecord) float64 { return u.TotalCost })
}

func addIndex[K comparable](index map[K]map[string]struct{}, key K, id string) {
	var zero K
	if key == zero {
		return
	}
	if index[key] == nil {
		index[key] = map[string]struct{}{}
	}
	index[key][id] = struct{}{}
}

func removeIndex[K comparable](index map[K]map[string]struct{}, key K, id string) {
	var zero K
	if key == zero {
		return
	}
	if ids, ok := index[key]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(index, key)
		}
	}
}
