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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
)

const (
	snapshotFile      = "state.json"
	obligationLogFile = "obligations.log"
)

// State aggregates the entity repositories with snapshot persistence and an
// append-only log of obligation transitions for crash recovery.
type State struct {
	Nodes       *NodeStore
	VMs         *VMStore
	Obligations *ObligationStore
	Usage       *UsageStore
	Locks       *KeyedLocks

	clk clock.Clock
	dir string

	logMu  sync.Mutex
	logOut *os.File
}

func New(dir string, clk clock.Clock) *State {
	return &State{
		Nodes:       NewNodeStore(),
		VMs:         NewVMStore(),
		Obligations: NewObligationStore(),
		Usage:       NewUsageStore(),
		Locks:       NewKeyedLocks(),
		clk:         clk,
		dir:         dir,
	}
}

// snapshot is the on-disk shape. Unknown fields are ignored on load so older
// snapshots stay readable across schema additions.
type snapshot struct {
	TakenAt     time.Time              `json:"takenAt"`
	Nodes       []*core.Node           `json:"nodes"`
	VMs         []*core.VirtualMachine `json:"vms"`
	Obligations []*core.Obligation     `json:"obligations"`
	Usage       []*core.UsageRecord    `json:"usage"`
}

// Snapshot writes the full store contents atomically (write temp, rename)
// and truncates the obligation log, which only needs to cover transitions
// since the last snapshot.
func (s *State) Snapshot(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	snap := snapshot{
		TakenAt:     s.clk.Now(),
		Nodes:       s.Nodes.snapshot(),
		VMs:         s.VMs.snapshot(),
		Obligations: s.Obligations.snapshot(),
		Usage:       s.Usage.snapshot(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot, %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir, %w", err)
	}
	tmp := filepath.Join(s.dir, snapshotFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot, %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, snapshotFile)); err != nil {
		return fmt.Errorf("publishing snapshot, %w", err)
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.logOut != nil {
		if err := s.logOut.Truncate(0); err != nil {
			return fmt.Errorf("truncating obligation log, %w", err)
		}
		if _, err := s.logOut.Seek(0, 0); err != nil {
			return fmt.Errorf("rewinding obligation log, %w", err)
		}
	}
	logging.FromContext(ctx).V(1).Info("persisted state snapshot",
		"nodes", len(snap.Nodes), "vms", len(snap.VMs), "obligations", len(snap.Obligations))
	return nil
}

// AppendTransition records an obligation state change in the event log. Log
// entries are full records; replay upserts them over the snapshot.
func (s *State) AppendTransition(ctx context.Context, o *core.Obligation) {
	if s.dir == "" {
		return
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.logOut == nil {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			logging.FromContext(ctx).Error(err, "creating state dir for obligation log")
			return
		}
		f, err := os.OpenFile(filepath.Join(s.dir, obligationLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logging.FromContext(ctx).Error(err, "opening obligation log")
			return
		}
		s.logOut = f
	}
	data, err := json.Marshal(o)
	if err != nil {
		logging.FromContext(ctx).Error(err, "marshaling obligation transition", "obligation", o.ID)
		return
	}
	if _, err := s.logOut.Write(append(data, '\n')); err != nil {
		logging.FromContext(ctx).Error(err, "appending obligation transition", "obligation", o.ID)
	}
}

// Recover loads the latest snapshot, replays the obligation log tail, and
// resets Running obligations to Ready so they re-execute idempotently.
func (s *State) Recover(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading snapshot, %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshaling snapshot, %w", err)
	}
	s.Nodes.Replace(snap.Nodes)
	s.VMs.Replace(snap.VMs)
	s.Obligations.Replace(snap.Obligations)
	s.Usage.Replace(snap.Usage)

	replayed, err := s.replayObligationLog()
	if err != nil {
		return err
	}

	// Running means a tick crashed mid-dispatch; handlers are idempotent so
	// re-running from Ready is safe.
	reset := 0
	for _, o := range s.Obligations.ByStatus(core.ObligationRunning) {
		if _, err := s.Obligations.Update(o.ID, func(ob *core.Obligation) error {
			ob.Status = core.ObligationReady
			return nil
		}); err == nil {
			reset++
		}
	}
	logging.FromContext(ctx).Info("recovered state",
		"snapshot-taken-at", snap.TakenAt,
		"nodes", s.Nodes.Len(), "vms", s.VMs.Len(),
		"obligations", s.Obligations.Len(),
		"replayed-transitions", replayed, "reset-running", reset)
	return nil
}

func (s *State) replayObligationLog() (int, error) {
	f, err := os.Open(filepath.Join(s.dir, obligationLogFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("opening obligation log, %w", err)
	}
	defer f.Close()

	replayed := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var o core.Obligation
		if err := json.Unmarshal(line, &o); err != nil {
			// A torn tail write is expected after a crash; everything before
			// it has already been applied.
			break
		}
		s.Obligations.Upsert(&o)
		replayed++
	}
	return replayed, nil
}

// Close flushes and closes the obligation log.
func (s *State) Close() error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.logOut != nil {
		err := s.logOut.Close()
		s.logOut = nil
		return err
	}
	return nil
}
