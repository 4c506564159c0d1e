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

package scheduling

import (
	"context"
	"fmt"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
)

// Reserve increments the node's reserved resources. The check-and-increment
// runs inside the node store's update lock, so concurrent reservations
// cannot oversubscribe the node.
func (s *Scheduler) Reserve(ctx context.Context, nodeID string, res core.Resources) error {
	_, err := s.nodes.Update(nodeID, func(node *core.Node) error {
		if !res.Fits(node.AvailableResources()) {
			return fmt.Errorf("insufficient resources on node %s", nodeID)
		}
		node.ReservedResources = node.ReservedResources.Add(res)
		return nil
	})
	if err != nil {
		return err
	}
	logging.FromContext(ctx).V(1).Info("reserved resources", "node", nodeID,
		"points", res.ComputePoints, "memory", res.MemoryBytes, "storage", res.StorageBytes)
	return nil
}

// Release returns a reservation to the node. Releases floor at zero so a
// stray double release cannot corrupt accounting.
func (s *Scheduler) Release(ctx context.Context, nodeID string, res core.Resources) error {
	_, err := s.nodes.Update(nodeID, func(node *core.Node) error {
		node.ReservedResources = node.ReservedResources.Sub(res)
		return nil
	})
	if err != nil {
		return err
	}
	logging.FromContext(ctx).V(1).Info("released resources", "node", nodeID,
		"points", res.ComputePoints, "memory", res.MemoryBytes, "storage", res.StorageBytes)
	return nil
}
