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

package sysvm

import (
	"github.com/gridmesh/controlplane/pkg/apis/core"
)

const (
	relayMinCores       = 2
	relayMinMemoryBytes = 4 << 30
	relayMinBandwidth   = 50.0
)

// rolesInOrder is the reconcile order; dependencies always precede their
// dependents.
var rolesInOrder = []core.SystemVMRole{core.RoleRelay, core.RoleDht, core.RoleBlockStore, core.RoleIngress}

// deployEnabled gates which roles the controller actually deploys. BlockStore
// and Ingress are tracked in the schema but not yet rolled out.
var deployEnabled = map[core.SystemVMRole]bool{
	core.RoleRelay: true,
	core.RoleDht:   true,
}

// Eligible is the pure hardware/topology judgment of whether a node should
// host the role. It ignores current deployment state.
func Eligible(node *core.Node, role core.SystemVMRole) bool {
	switch role {
	case core.RoleDht:
		return true
	case core.RoleRelay:
		if node.Hardware.NATType != core.NATNone {
			return false
		}
		if node.Hardware.Cores < relayMinCores || node.Hardware.MemoryBytes < relayMinMemoryBytes {
			return false
		}
		// Unmeasured bandwidth is given the benefit of the doubt.
		return node.Hardware.BandwidthMbps == 0 || node.Hardware.BandwidthMbps >= relayMinBandwidth
	case core.RoleBlockStore, core.RoleIngress:
		return true
	default:
		return false
	}
}

// dependencyOf returns the role that must be Active on the node before the
// given role deploys. Relay has none; Dht waits for the node's Relay only
// when the node hosts one.
func dependencyOf(node *core.Node, role core.SystemVMRole) (core.SystemVMRole, bool) {
	switch role {
	case core.RoleDht:
		if Eligible(node, core.RoleRelay) {
			return core.RoleRelay, true
		}
		return "", false
	case core.RoleBlockStore, core.RoleIngress:
		return core.RoleDht, true
	default:
		return "", false
	}
}
