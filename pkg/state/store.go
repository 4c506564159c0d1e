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

// Package state is the single authoritative store for all control plane
// entities. Stores hand out deep copies and funnel every mutation through
// Update, which runs under a per-entity lock and bumps the entity version.
package state

import (
	"sync"

	"github.com/samber/lo"

	"github.com/gridmesh/controlplane/pkg/errors"
)

// object is the store element contract: identified, copyable, versioned.
type object[T any] interface {
	GetID() string
	DeepCopy() T
}

type store[T object[T]] struct {
	mu       sync.RWMutex
	items    map[string]T
	resource string
	bump     func(T)

	// hooks run inside the store lock; they maintain secondary indexes.
	onUpsert func(prev T, next T, hadPrev bool)
	onDelete func(prev T)
}

func newStore[T object[T]](resource string, bump func(T)) *store[T] {
	return &store[T]{items: map[string]T{}, resource: resource, bump: bump}
}

func (s *store[T]) Get(id string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		var zero T
		return zero, errors.NotFound(s.resource, id)
	}
	return item.DeepCopy(), nil
}

// Add inserts a new entity; it conflicts if the id already exists.
func (s *store[T]) Add(item T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.GetID()]; ok {
		return errors.Conflict("%s %q already exists", s.resource, item.GetID())
	}
	s.upsertLocked(item.DeepCopy())
	return nil
}

// Update applies mutate to a copy of the stored entity under the store lock
// and persists the result with a bumped version. Returning an error from
// mutate aborts the update.
func (s *store[T]) Update(id string, mutate func(T) error) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	item, ok := s.items[id]
	if !ok {
		return zero, errors.NotFound(s.resource, id)
	}
	next := item.DeepCopy()
	if err := mutate(next); err != nil {
		return zero, err
	}
	if s.bump != nil {
		s.bump(next)
	}
	s.upsertLocked(next)
	return next.DeepCopy(), nil
}

func (s *store[T]) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.items[id]; ok {
		if s.onDelete != nil {
			s.onDelete(prev)
		}
		delete(s.items, id)
	}
}

func (s *store[T]) List(filters ...func(T) bool) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.items))
	for _, item := range s.items {
		if lo.EveryBy(filters, func(f func(T) bool) bool { return f(item) }) {
			out = append(out, item.DeepCopy())
		}
	}
	return out
}

func (s *store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Replace swaps the entire contents, used by snapshot recovery.
func (s *store[T]) Replace(items []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prev := range s.items {
		if s.onDelete != nil {
			s.onDelete(prev)
		}
	}
	s.items = make(map[string]T, len(items))
	for _, item := range items {
		s.upsertLocked(item.DeepCopy())
	}
}

// Upsert inserts or overwrites without version semantics; recovery only.
func (s *store[T]) Upsert(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(item.DeepCopy())
}

func (s *store[T]) upsertLocked(item T) {
	prev, hadPrev := s.items[item.GetID()]
	if s.onUpsert != nil {
		s.onUpsert(prev, item, hadPrev)
	}
	s.items[item.GetID()] = item
}

func (s *store[T]) snapshot() []T {
	return s.List()
}
