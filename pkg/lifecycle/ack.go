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

package lifecycle

import (
	"context"
	"strconv"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/commands"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
)

// ApplyAck applies a node's command result to the VM before the ack signal
// fires, so obligation handlers woken by the signal observe the new state.
// Failed acks only clear the in-flight command; the waiting handler decides
// what to do with the failure.
func (m *Manager) ApplyAck(ctx context.Context, pending commands.PendingAck, ack *core.CommandAck) error {
	if pending.VMID == "" {
		return nil
	}
	_, err := m.state.VMs.Update(pending.VMID, func(v *core.VirtualMachine) error {
		if v.ActiveCommandID == pending.CommandID {
			v.ActiveCommandID = ""
			v.ActiveCommandType = ""
			v.ActiveCommandIssuedAt = nil
		}
		if !ack.Success {
			v.StatusMessage = ack.ErrorMessage
			return nil
		}
		switch pending.Type {
		case core.CommandCreateVM:
			v.Status = core.VMRunning
			v.PowerState = core.PowerOn
			v.StatusMessage = ""
			v.Network.PrivateIP = ack.ResultData["privateIp"]
			v.AccessInfo.Host = ack.ResultData["host"]
			if port, err := strconv.Atoi(ack.ResultData["sshPort"]); err == nil {
				v.AccessInfo.SSHPort = port
			}
		case core.CommandStartVM:
			v.Status = core.VMRunning
			v.PowerState = core.PowerOn
			v.StatusMessage = ""
			delete(v.Labels, core.StoppedReasonLabel)
		case core.CommandPauseVM:
			v.Status = core.VMPaused
			v.StatusMessage = ""
		case core.CommandResumeVM:
			v.Status = core.VMRunning
			v.PowerState = core.PowerOn
			v.StatusMessage = ""
		case core.CommandStopVM:
			v.Status = core.VMStopped
			v.PowerState = core.PowerOff
			if reason := ack.ResultData["reason"]; reason != "" {
				if v.Labels == nil {
					v.Labels = map[string]string{}
				}
				v.Labels[core.StoppedReasonLabel] = reason
			}
		case core.CommandDeleteVM:
			now := m.clk.Now()
			v.Status = core.VMDeleted
			v.PowerState = core.PowerOff
			v.DeletedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	if ack.Success && pending.Type == core.CommandDeleteVM {
		if err := m.ReleaseResources(ctx, pending.VMID); err != nil {
			logging.FromContext(ctx).Error(err, "releasing resources after delete ack", "vm", pending.VMID)
		}
	}
	return nil
}
