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

package obligations

import (
	"github.com/samber/lo"

	"github.com/gridmesh/controlplane/pkg/apis/core"
)

// graph is the dependency view over one tick. It is built from every
// retained obligation (terminal ones included, until pruned) so that a
// dependency on a Failed or Cancelled obligation blocks rather than being
// mistaken for completed-and-pruned.
type graph struct {
	byID map[string]*core.Obligation
	// dependents is the reverse adjacency restricted to non-terminal
	// obligations: dependents[x] are the active obligations depending on x.
	dependents map[string][]string
}

func buildGraph(all []*core.Obligation) *graph {
	g := &graph{
		byID:       lo.SliceToMap(all, func(o *core.Obligation) (string, *core.Obligation) { return o.ID, o }),
		dependents: map[string][]string{},
	}
	for _, o := range all {
		if o.Status.IsTerminal() {
			continue
		}
		for _, dep := range o.DependsOn {
			if _, ok := g.byID[dep]; ok {
				g.dependents[dep] = append(g.dependents[dep], o.ID)
			}
		}
	}
	return g
}

// cycles runs Kahn's algorithm over the active obligations and returns the
// true cycle participants. Dependents trapped behind a cycle without being
// on one are peeled off and not returned; the caller cascades to them with
// the usual cancellation instead.
func (g *graph) cycles() []string {
	indegree := map[string]int{}
	for id, o := range g.byID {
		if o.Status.IsTerminal() {
			continue
		}
		indegree[id] = lo.CountBy(o.DependsOn, func(dep string) bool {
			blocker, ok := g.byID[dep]
			return ok && !blocker.Status.IsTerminal()
		})
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range g.dependents[id] {
			if _, ok := indegree[dep]; !ok {
				continue
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited == len(indegree) {
		return nil
	}

	// Peel the leftover subgraph from the downstream side: a node with no
	// dependents left inside it cannot be on a cycle, only trapped behind
	// one. Whatever survives the peel is on a cycle.
	stuck := map[string]struct{}{}
	for id, deg := range indegree {
		if deg > 0 {
			stuck[id] = struct{}{}
		}
	}
	outdegree := map[string]int{}
	for id := range stuck {
		for _, dep := range g.dependents[id] {
			if _, ok := stuck[dep]; ok {
				outdegree[id]++
			}
		}
	}
	queue = queue[:0]
	for id := range stuck {
		if outdegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		delete(stuck, id)
		for _, dep := range g.byID[id].DependsOn {
			if _, ok := stuck[dep]; !ok {
				continue
			}
			outdegree[dep]--
			if outdegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return lo.Keys(stuck)
}

// depsSatisfied reports whether every declared dependency is either absent
// (completed and pruned) or retained with status Completed. A retained
// dependency in any other status blocks readiness.
func (g *graph) depsSatisfied(o *core.Obligation) bool {
	for _, dep := range o.DependsOn {
		if blocker, ok := g.byID[dep]; ok && blocker.Status != core.ObligationCompleted {
			return false
		}
	}
	return true
}

// dependentsClosure computes the transitive closure of active dependents and
// children of the given id. Cascade-cancel walks downstream only.
func (g *graph) dependentsClosure(id string) []string {
	seen := map[string]struct{}{}
	var walk func(string)
	walk = func(cur string) {
		next := append([]string{}, g.dependents[cur]...)
		if o, ok := g.byID[cur]; ok {
			next = append(next, o.ChildrenIDs...)
		}
		for _, n := range next {
			if _, ok := seen[n]; ok {
				continue
			}
			o, ok := g.byID[n]
			if !ok || o.Status.IsTerminal() {
				continue
			}
			seen[n] = struct{}{}
			walk(n)
		}
	}
	walk(id)
	return lo.Keys(seen)
}
