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

// Package signals implements the named-latch bus the obligation engine and
// the command channel coordinate through. Fires are broadcast to every
// current waiter and latched for a short window so a waiter that arrives
// just after the fire still observes it.
package signals

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"
)

const (
	// DefaultLatchWindow is how long a fire remains observable to late
	// waiters. It must comfortably cover one engine tick.
	DefaultLatchWindow = 5 * time.Second

	latchCleanupInterval = 30 * time.Second
)

// CommandAckKey is the signal key fired when a command reaches a terminal
// outcome (acked or expired).
func CommandAckKey(commandID string) string { return "commandAck:" + commandID }

// NodeOnlineKey is the signal key fired when a node transitions to Online.
func NodeOnlineKey(nodeID string) string { return "nodeOnline:" + nodeID }

type waiter struct {
	ch chan any
}

type Bus struct {
	clk clock.Clock

	mu      sync.Mutex
	waiters map[string][]*waiter
	latched *cache.Cache
}

type Option func(*Bus)

func WithClock(clk clock.Clock) Option {
	return func(b *Bus) { b.clk = clk }
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		clk:     clock.RealClock{},
		waiters: map[string][]*waiter{},
		latched: cache.New(DefaultLatchWindow, latchCleanupInterval),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Fire delivers payload to every current waiter on key and latches it for
// the latch window. Waiters do not consume the fire.
func (b *Bus) Fire(key string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latched.SetDefault(key, payload)
	for _, w := range b.waiters[key] {
		select {
		case w.ch <- payload:
		default:
			// The waiter already received an earlier fire it has not
			// collected yet; dropping is safe since payloads for a key are
			// interchangeable terminal outcomes.
		}
	}
}

// Peek reports the latched payload for key without consuming it.
func (b *Bus) Peek(key string) (any, bool) {
	return b.latched.Get(key)
}

// Wait blocks until key fires, the timeout elapses, or ctx is cancelled.
// A fire latched within the latch window before Wait is observed immediately.
func (b *Bus) Wait(ctx context.Context, key string, timeout time.Duration) (any, bool) {
	b.mu.Lock()
	if payload, ok := b.latched.Get(key); ok {
		b.mu.Unlock()
		return payload, true
	}
	w := &waiter{ch: make(chan any, 1)}
	b.waiters[key] = append(b.waiters[key], w)
	b.mu.Unlock()
	defer b.remove(key, w)

	timer := b.clk.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-w.ch:
		return payload, true
	case <-timer.C():
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// FireAll wakes every waiter on every key with a nil payload. Used during
// shutdown so no long-poll or wait outlives the process.
func (b *Bus) FireAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ws := range b.waiters {
		for _, w := range ws {
			select {
			case w.ch <- nil:
			default:
			}
		}
	}
}

func (b *Bus) remove(key string, target *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.waiters[key]
	for i, w := range ws {
		if w == target {
			b.waiters[key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(b.waiters[key]) == 0 {
		delete(b.waiters, key)
	}
}
