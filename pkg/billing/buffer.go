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
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/metrics"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
	"github.com/gridmesh/controlplane/pkg/state"
)

// usageBuffer batches usage records before they hit the store: a window
// timer or a size threshold triggers the flush, whichever comes first. A
// failed flush re-enqueues the whole batch in order.
type usageBuffer struct {
	usage     *state.UsageStore
	clk       clock.WithTicker
	window    time.Duration
	threshold int

	mu      sync.Mutex
	queue   []*core.UsageRecord
	trigger chan struct{}
}

func newUsageBuffer(usage *state.UsageStore, clk clock.WithTicker, window time.Duration, threshold int) *usageBuffer {
	return &usageBuffer{
		usage:     usage,
		clk:       clk,
		window:    window,
		threshold: threshold,
		trigger:   make(chan struct{}, 1),
	}
}

func (b *usageBuffer) enqueue(record *core.UsageRecord) {
	b.mu.Lock()
	b.queue = append(b.queue, record)
	full := len(b.queue) >= b.threshold
	b.mu.Unlock()
	if full {
		select {
		case b.trigger <- struct{}{}:
		default:
		}
	}
}

func (b *usageBuffer) depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// flush drains the queue into the store. On error the unwritten tail goes
// back to the front of the queue in one step, preserving order.
func (b *usageBuffer) flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	for i, record := range batch {
		if err := b.usage.Add(record); err != nil {
			b.mu.Lock()
			b.queue = append(batch[i:], b.queue...)
			b.mu.Unlock()
			return err
		}
		metrics.UsageRecordsFlushed.Inc()
	}
	logging.FromContext(ctx).V(1).Info("flushed usage records", "records", len(batch))
	return nil
}

// run flushes on the window timer or threshold trigger until cancelled, then
// performs the final flush.
func (b *usageBuffer) run(ctx context.Context) {
	ticker := b.clk.NewTicker(b.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := b.flush(context.WithoutCancel(ctx)); err != nil {
				logging.FromContext(ctx).Error(err, "final usage flush failed", "stranded", b.depth())
			}
			return
		case <-ticker.C():
		case <-b.trigger:
		}
		if err := b.flush(ctx); err != nil {
			logging.FromContext(ctx).Error(err, "usage flush failed, batch re-enqueued")
		}
	}
}
