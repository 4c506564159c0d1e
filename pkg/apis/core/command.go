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
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CommandType string

const (
	CommandCreateVM      CommandType = "CreateVm"
	CommandDeleteVM      CommandType = "DeleteVm"
	CommandStartVM       CommandType = "StartVm"
	CommandStopVM        CommandType = "StopVm"
	CommandPauseVM       CommandType = "PauseVm"
	CommandResumeVM      CommandType = "ResumeVm"
	CommandUpdateIngress CommandType = "UpdateIngress"
	CommandAllocatePort  CommandType = "AllocatePort"
)

// NodeCommand is the stable node-facing instruction envelope. Payload is
// type-specific JSON; nodes execute idempotently by CommandID.
type NodeCommand struct {
	CommandID        string          `json:"commandId"`
	Type             CommandType     `json:"type"`
	TargetResourceID string          `json:"targetResourceId"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	RequiresAck      bool            `json:"requiresAck"`
	QueuedAt         time.Time       `json:"queuedAt"`
	ExpiresAt        time.Time       `json:"expiresAt"`
	DeliveredAt      *time.Time      `json:"deliveredAt,omitempty"`
}

// NewNodeCommand builds a command with a fresh id; the payload must already
// be marshalled.
func NewNodeCommand(t CommandType, targetResourceID string, payload json.RawMessage) *NodeCommand {
	return &NodeCommand{
		CommandID:        uuid.NewString(),
		Type:             t,
		TargetResourceID: targetResourceID,
		Payload:          payload,
		RequiresAck:      true,
	}
}

func (c *NodeCommand) DeepCopy() *NodeCommand {
	if c == nil {
		return nil
	}
	out := *c
	out.Payload = append(json.RawMessage(nil), c.Payload...)
	out.DeliveredAt = copyTime(c.DeliveredAt)
	return &out
}

// CommandAck is a node's report of command execution. Expired is synthesized
// by the control plane when a command passes its expiry without an ack, so
// waiters observe exactly one terminal outcome.
type CommandAck struct {
	CommandID    string            `json:"commandId"`
	Success      bool              `json:"success"`
	Expired      bool              `json:"expired,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	ResultData   map[string]string `json:"resultData,omitempty"`
}

// CreateVMPayload is the CreateVm command body.
type CreateVMPayload struct {
	VMID         string      `json:"vmId"`
	Name         string      `json:"name"`
	VMType       VMType      `json:"vmType"`
	Cores        int         `json:"cores"`
	MemoryBytes  int64       `json:"memoryBytes"`
	DiskBytes    int64       `json:"diskBytes"`
	QualityTier  QualityTier `json:"qualityTier"`
	SSHPublicKey string      `json:"sshPublicKey,omitempty"`
	UserData     string      `json:"userData,omitempty"`
}

// AllocatePortPayload is the AllocatePort command body.
type AllocatePortPayload struct {
	VMID     string        `json:"vmId"`
	Mappings []PortMapping `json:"mappings"`
}

// StopVMPayload is the StopVm command body.
type StopVMPayload struct {
	VMID   string `json:"vmId"`
	Reason string `json:"reason,omitempty"`
}
