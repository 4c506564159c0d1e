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
	"sync"
)

// KeyedLocks serializes work per entity id. Ack processing keys on vm.id;
// dual-entity sections key on (node.id, vm.id) in canonical order to avoid
// deadlock between the scheduler's reserve and the lifecycle release paths.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: map[string]*entityLock{}}
}

// Lock acquires the lock for key and returns its release function.
func (k *KeyedLocks) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &entityLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// LockPair acquires both keys in canonical (sorted) order.
func (k *KeyedLocks) LockPair(a, b string) func() {
	if b < a {
		a, b = b, a
	}
	if a == b {
		return k.Lock(a)
	}
	releaseA := k.Lock(a)
	releaseB := k.Lock(b)
	return func() {
		releaseB()
		releaseA()
	}
}
